package macho

import "testing"

func TestFunctionBoundariesGapAttribution(t *testing.T) {
	b := newRawImageBuilder()
	textOff := b.addSegment("__TEXT", 0x100000000, 0x1000)
	b.addSection("__TEXT", "__text", 0x100000000, 0x1000)
	img := b.image()
	_ = textOff

	img.Symtab = &Symtab{Syms: []Symbol{
		{Name: "_first", Value: 0x100000000},
		{Name: "_second", Value: 0x100000040},
		{Name: "_third", Value: 0x100000080},
	}}

	funcs, err := img.FunctionBoundaries(nil)
	if err != nil {
		t.Fatalf("FunctionBoundaries: %v", err)
	}
	if len(funcs) != 3 {
		t.Fatalf("len(funcs) = %d, want 3", len(funcs))
	}
	if funcs[0].Address != 0x100000000 || funcs[0].Size != 0x40 {
		t.Errorf("funcs[0] = %+v, want Address=0x100000000 Size=0x40", funcs[0])
	}
	if funcs[1].Address != 0x100000040 || funcs[1].Size != 0x40 {
		t.Errorf("funcs[1] = %+v, want Address=0x100000040 Size=0x40", funcs[1])
	}
	if funcs[2].Address != 0x100000080 {
		t.Errorf("funcs[2].Address = %#x, want 0x100000080", funcs[2].Address)
	}
	if funcs[2].Size != 0x1000-0x80 {
		t.Errorf("funcs[2].Size = %#x, want %#x (runs to end of __text)", funcs[2].Size, 0x1000-0x80)
	}
}

func TestFunctionContaining(t *testing.T) {
	funcs := []Function{
		{Address: 0x1000, Size: 0x10},
		{Address: 0x1010, Size: 0x20},
	}
	f, ok := FunctionContaining(funcs, 0x1015)
	if !ok || f.Address != 0x1010 {
		t.Errorf("FunctionContaining(0x1015) = %+v, %v, want funcs[1]", f, ok)
	}
	if _, ok := FunctionContaining(funcs, 0x2000); ok {
		t.Errorf("FunctionContaining(0x2000): ok = true, want false")
	}
	if _, ok := FunctionContaining(funcs, 0xfff); ok {
		t.Errorf("FunctionContaining(0xfff): ok = true, want false (before first function)")
	}
}
