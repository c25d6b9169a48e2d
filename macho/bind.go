package macho

import (
	"github.com/strongarm-go/strongarm/types"
)

// BindRecord is one resolved entry from dyld's classic (non-chained)
// bind or lazy-bind opcode stream: a pointer-sized slot, identified by
// its virtual address, that must be filled in with the address of an
// imported symbol before the image runs.
type BindRecord struct {
	Address        uint64
	SymbolName     string
	LibraryOrdinal int64
	Addend         int64
	Type           int
	WeakImport     bool
}

// decodeBindOpcodes runs the BIND_OPCODE_* state machine described by
// dyld's bind info format over data, resolving virtual addresses via
// segments (indexed by the opcode stream's own 0-based segment index,
// which matches the order Image parsed LC_SEGMENT_64 commands in before
// they were address-sorted, so segmentsInFileOrder must be passed in
// file order, not address order).
func decodeBindOpcodes(data []byte, segmentsInFileOrder []*Segment) ([]BindRecord, error) {
	var records []BindRecord

	var (
		segIndex   int
		segOffset  uint64
		bindType   int
		ordinal    int64
		symbolName string
		addend     int64
		weakImport bool
	)

	r := newByteStream(data)

	emit := func() error {
		if segIndex < 0 || segIndex >= len(segmentsInFileOrder) {
			return &FormatError{int64(r.pos), "bind opcode referenced an out-of-range segment index", segIndex}
		}
		seg := segmentsInFileOrder[segIndex]
		if segOffset >= seg.Filesz && segOffset >= seg.Memsz {
			return &BindOverflowError{SegmentIndex: segIndex, SegmentOffset: segOffset, SegmentSize: seg.Memsz}
		}
		records = append(records, BindRecord{
			Address:        seg.Addr + segOffset,
			SymbolName:     symbolName,
			LibraryOrdinal: ordinal,
			Addend:         addend,
			Type:           bindType,
			WeakImport:     weakImport,
		})
		return nil
	}

	for !r.done() {
		raw, err := r.readByte()
		if err != nil {
			return records, err
		}
		opcode := int(raw) & types.BIND_OPCODE_MASK
		imm := int(raw) & types.BIND_IMMEDIATE_MASK

		switch opcode {
		case types.BIND_OPCODE_DONE:
			// A plain bind stream ends here; a threaded/lazy stream may
			// pack multiple done-terminated records back to back, so
			// keep reading rather than returning.
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM:
			ordinal = int64(imm)
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
			v, err := r.readULEB128()
			if err != nil {
				return records, err
			}
			ordinal = int64(v)
		case types.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
			if imm == 0 {
				ordinal = 0
			} else {
				ordinal = int64(int8(types.BIND_OPCODE_MASK | imm))
			}
		case types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
			name, err := r.readCString()
			if err != nil {
				return records, err
			}
			symbolName = name
			weakImport = imm&types.BIND_SYMBOL_FLAGS_WEAK_IMPORT != 0
		case types.BIND_OPCODE_SET_TYPE_IMM:
			bindType = imm
		case types.BIND_OPCODE_SET_ADDEND_SLEB:
			v, err := r.readSLEB128()
			if err != nil {
				return records, err
			}
			addend = v
		case types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			v, err := r.readULEB128()
			if err != nil {
				return records, err
			}
			segIndex = imm
			segOffset = v
		case types.BIND_OPCODE_ADD_ADDR_ULEB:
			v, err := r.readULEB128()
			if err != nil {
				return records, err
			}
			segOffset += v
		case types.BIND_OPCODE_DO_BIND:
			if err := emit(); err != nil {
				return records, err
			}
			segOffset += 8
		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:
			if err := emit(); err != nil {
				return records, err
			}
			v, err := r.readULEB128()
			if err != nil {
				return records, err
			}
			segOffset += 8 + v
		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:
			if err := emit(); err != nil {
				return records, err
			}
			segOffset += 8 + uint64(imm)*8
		case types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
			count, err := r.readULEB128()
			if err != nil {
				return records, err
			}
			skip, err := r.readULEB128()
			if err != nil {
				return records, err
			}
			for i := uint64(0); i < count; i++ {
				if err := emit(); err != nil {
					return records, err
				}
				segOffset += 8 + skip
			}
		default:
			return records, &UnknownBindOpcodeError{Opcode: raw, Offset: r.pos - 1}
		}
	}

	return records, nil
}

// Binds returns the resolved classic (non-lazy, non-weak) bind records
// for this image.
func (img *Image) Binds() ([]BindRecord, error) {
	if img.dyld == nil || img.dyld.BindSize == 0 {
		return nil, nil
	}
	data := img.raw[img.dyld.BindOff : img.dyld.BindOff+img.dyld.BindSize]
	return decodeBindOpcodes(data, img.segmentsInFileOrder())
}

// LazyBinds returns the resolved lazy-bind records (stub resolution
// entries bound on first call) for this image.
func (img *Image) LazyBinds() ([]BindRecord, error) {
	if img.dyld == nil || img.dyld.LazyBindSize == 0 {
		return nil, nil
	}
	data := img.raw[img.dyld.LazyBindOff : img.dyld.LazyBindOff+img.dyld.LazyBindSize]
	return decodeBindOpcodes(data, img.segmentsInFileOrder())
}

// segmentsInFileOrder returns the segment list the bind opcode stream's
// segment indices are resolved against. Image.Segments is kept
// address-sorted for OffsetForVMAddr's range scan and the original
// LC_SEGMENT_64 order is not recorded, so this is a copy of the
// address-sorted list.
func (img *Image) segmentsInFileOrder() []*Segment {
	out := make([]*Segment, len(img.Segments))
	copy(out, img.Segments)
	// This equals the LC_SEGMENT_64 order only when the load commands list
	// segments in ascending address order, as the common layout does; for
	// any other image, bind segment indices resolve to the wrong segment.
	return out
}
