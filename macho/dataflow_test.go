package macho

import (
	"testing"

	"github.com/strongarm-go/strongarm/disasm"
)

// fakeFunctionAnalyzer builds a FunctionAnalyzer with a pre-decoded
// instruction stream, bypassing the disassembler entirely so dataflow
// and search tests can exercise hand-picked instruction sequences.
func fakeFunctionAnalyzer(base uint64, instrs []disasm.Instruction) *FunctionAnalyzer {
	return &FunctionAnalyzer{
		Function:     Function{Address: base, Size: uint64(4 * len(instrs))},
		instructions: instrs,
		decoded:      true,
	}
}

func TestTrackRegisterImmediate(t *testing.T) {
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "movz", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X0},
			{Kind: disasm.OperandImmediate, Imm: 42},
		}},
		{Address: 0x1004, Mnemonic: "bl"},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)

	got, err := fa.TrackRegister(disasm.X0, 1)
	if err != nil {
		t.Fatalf("TrackRegister: %v", err)
	}
	if got.Kind != ContentsImmediate || got.ImmediateValue != 42 {
		t.Errorf("TrackRegister = %+v, want Immediate(42)", got)
	}
}

func TestTrackRegisterFunctionArg(t *testing.T) {
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "bl"},
		{Address: 0x1004, Mnemonic: "bl"},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)

	got, err := fa.TrackRegister(disasm.X1, 1)
	if err != nil {
		t.Fatalf("TrackRegister: %v", err)
	}
	if got.Kind != ContentsFunctionArg || got.ArgIndex != 1 {
		t.Errorf("TrackRegister = %+v, want FunctionArg(1)", got)
	}
}

func TestTrackRegisterStopsAtJoin(t *testing.T) {
	// x0 is set to 7 at 0x1000; 0x1008 is the target of a branch from
	// elsewhere (a join), so tracking x0 from the instruction at 0x100c
	// must not see past it, even though the constant write is still
	// earlier in program order.
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "movz", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X0},
			{Kind: disasm.OperandImmediate, Imm: 7},
		}},
		{Address: 0x1004, Mnemonic: "b", Args: []disasm.Operand{
			{Kind: disasm.OperandPCRelAddress, Imm: 0x1008},
		}},
		{Address: 0x1008, Mnemonic: "nop"},
		{Address: 0x100c, Mnemonic: "bl"},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)

	got, err := fa.TrackRegister(disasm.X0, 3)
	if err != nil {
		t.Fatalf("TrackRegister: %v", err)
	}
	if got.Kind != ContentsUnknown {
		t.Errorf("TrackRegister = %+v, want Unknown (crossed a join at 0x1008)", got)
	}
}

func TestTrackRegisterMovRegisterToRegister(t *testing.T) {
	// x19 is set to 42, then moved into x0 via a plain register-to-register
	// mov; tracking x0 must continue the walk onto x19 rather than treating
	// the mov as an unknown write.
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "movz", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X19},
			{Kind: disasm.OperandImmediate, Imm: 42},
		}},
		{Address: 0x1004, Mnemonic: "mov", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X0},
			{Kind: disasm.OperandRegister, Reg: disasm.X19},
		}},
		{Address: 0x1008, Mnemonic: "bl"},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)

	got, err := fa.TrackRegister(disasm.X0, 2)
	if err != nil {
		t.Fatalf("TrackRegister: %v", err)
	}
	if got.Kind != ContentsImmediate || got.ImmediateValue != 42 {
		t.Errorf("TrackRegister = %+v, want Immediate(42)", got)
	}
}

func TestTrackRegisterAddRegImmediate(t *testing.T) {
	// The adrp+add page+offset idiom used to materialize a selref/classref
	// pointer: x1 = page(0x100009000), then x1 = x1 + 0xc0.
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "adrp", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X1},
			{Kind: disasm.OperandPCRelAddress, Imm: 0x100009000},
		}},
		{Address: 0x1004, Mnemonic: "add", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X1},
			{Kind: disasm.OperandRegister, Reg: disasm.X1},
			{Kind: disasm.OperandImmediate, Imm: 0xc0},
		}},
		{Address: 0x1008, Mnemonic: "bl"},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)

	got, err := fa.TrackRegister(disasm.X1, 2)
	if err != nil {
		t.Fatalf("TrackRegister: %v", err)
	}
	if got.Kind != ContentsImmediate || got.ImmediateValue != 0x1000090c0 {
		t.Errorf("TrackRegister = %+v, want Immediate(0x1000090c0)", got)
	}
}

func TestTrackRegisterSubRegImmediate(t *testing.T) {
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "movz", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X2},
			{Kind: disasm.OperandImmediate, Imm: 100},
		}},
		{Address: 0x1004, Mnemonic: "sub", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X2},
			{Kind: disasm.OperandRegister, Reg: disasm.X2},
			{Kind: disasm.OperandImmediate, Imm: 30},
		}},
		{Address: 0x1008, Mnemonic: "bl"},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)

	got, err := fa.TrackRegister(disasm.X2, 2)
	if err != nil {
		t.Fatalf("TrackRegister: %v", err)
	}
	if got.Kind != ContentsImmediate || got.ImmediateValue != 70 {
		t.Errorf("TrackRegister = %+v, want Immediate(70)", got)
	}
}

func TestTrackRegisterAddOnUnknownBaseStaysUnknown(t *testing.T) {
	// x1 is loaded from memory (unknown), then an offset is added: the
	// result must still be Unknown, not silently treated as the raw
	// immediate offset.
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "ldr", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X1},
			{Kind: disasm.OperandMemory, Base: disasm.SP, Offset: 0x8},
		}},
		{Address: 0x1004, Mnemonic: "add", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X1},
			{Kind: disasm.OperandRegister, Reg: disasm.X1},
			{Kind: disasm.OperandImmediate, Imm: 8},
		}},
		{Address: 0x1008, Mnemonic: "bl"},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)

	got, err := fa.TrackRegister(disasm.X1, 2)
	if err != nil {
		t.Fatalf("TrackRegister: %v", err)
	}
	if got.Kind != ContentsUnknown {
		t.Errorf("TrackRegister = %+v, want Unknown", got)
	}
}

func TestTrackRegisterUnknownWrite(t *testing.T) {
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "ldr", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X0},
			{Kind: disasm.OperandMemory, Base: disasm.SP, Offset: 0x10},
		}},
		{Address: 0x1004, Mnemonic: "bl"},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)

	got, err := fa.TrackRegister(disasm.X0, 1)
	if err != nil {
		t.Fatalf("TrackRegister: %v", err)
	}
	if got.Kind != ContentsUnknown {
		t.Errorf("TrackRegister = %+v, want Unknown (value loaded from memory)", got)
	}
}
