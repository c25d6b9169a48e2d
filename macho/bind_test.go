package macho

import (
	"testing"

	"github.com/strongarm-go/strongarm/types"
)

func TestDecodeBindOpcodesSimpleBind(t *testing.T) {
	segs := []*Segment{
		{Name: "__DATA", Addr: 0x100004000, Memsz: 0x1000, Filesz: 0x1000},
	}

	var stream []byte
	stream = append(stream, byte(types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM|1))
	stream = append(stream, byte(types.BIND_OPCODE_SET_TYPE_IMM|1))
	stream = append(stream, byte(types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM|0))
	stream = append(stream, []byte("_puts")...)
	stream = append(stream, 0)
	stream = append(stream, byte(types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|0))
	stream = append(stream, 0x18) // ULEB 0x18
	stream = append(stream, byte(types.BIND_OPCODE_DO_BIND))
	stream = append(stream, byte(types.BIND_OPCODE_DONE))

	records, err := decodeBindOpcodes(stream, segs)
	if err != nil {
		t.Fatalf("decodeBindOpcodes: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	r := records[0]
	if r.SymbolName != "_puts" {
		t.Errorf("SymbolName = %q, want _puts", r.SymbolName)
	}
	if r.LibraryOrdinal != 1 {
		t.Errorf("LibraryOrdinal = %d, want 1", r.LibraryOrdinal)
	}
	if r.Address != 0x100004000+0x18 {
		t.Errorf("Address = %#x, want %#x", r.Address, 0x100004000+0x18)
	}
}

func TestDecodeBindOpcodesTimesSkipping(t *testing.T) {
	segs := []*Segment{
		{Name: "__DATA", Addr: 0x100004000, Memsz: 0x1000, Filesz: 0x1000},
	}

	var stream []byte
	stream = append(stream, byte(types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM|0))
	stream = append(stream, []byte("_imported")...)
	stream = append(stream, 0)
	stream = append(stream, byte(types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|0))
	stream = append(stream, 0x0)
	stream = append(stream, byte(types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB))
	stream = append(stream, 3) // count
	stream = append(stream, 8) // skip
	stream = append(stream, byte(types.BIND_OPCODE_DONE))

	records, err := decodeBindOpcodes(stream, segs)
	if err != nil {
		t.Fatalf("decodeBindOpcodes: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	wantAddrs := []uint64{0x100004000, 0x100004010, 0x100004020}
	for i, r := range records {
		if r.Address != wantAddrs[i] {
			t.Errorf("records[%d].Address = %#x, want %#x", i, r.Address, wantAddrs[i])
		}
	}
}

func TestDecodeBindOpcodesUnknownOpcode(t *testing.T) {
	stream := []byte{0xE0} // an opcode bit pattern that is not any known BIND_OPCODE_*
	_, err := decodeBindOpcodes(stream, nil)
	if err == nil {
		t.Fatal("expected an UnknownBindOpcodeError")
	}
	if _, ok := err.(*UnknownBindOpcodeError); !ok {
		t.Errorf("err = %T, want *UnknownBindOpcodeError", err)
	}
}

func TestDecodeBindOpcodesOverflow(t *testing.T) {
	segs := []*Segment{
		{Name: "__DATA", Addr: 0x100004000, Memsz: 0x10, Filesz: 0x10},
	}
	var stream []byte
	stream = append(stream, byte(types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM|0))
	stream = append(stream, []byte("_x")...)
	stream = append(stream, 0)
	stream = append(stream, byte(types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|0))
	stream = append(stream, 0xff, 0x01) // ULEB 0xff > segment size
	stream = append(stream, byte(types.BIND_OPCODE_DO_BIND))

	_, err := decodeBindOpcodes(stream, segs)
	if _, ok := err.(*BindOverflowError); !ok {
		t.Errorf("err = %T (%v), want *BindOverflowError", err, err)
	}
}
