package macho

import (
	"testing"

	"github.com/strongarm-go/strongarm/disasm"
)

func TestCodeSearchInstructionMnemonic(t *testing.T) {
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "movz"},
		{Address: 0x1004, Mnemonic: "bl"},
		{Address: 0x1008, Mnemonic: "ret"},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)

	matches, err := CodeSearch([]*FunctionAnalyzer{fa}, InstructionMnemonic{Mnemonic: disasm.MnemonicBL})
	if err != nil {
		t.Fatalf("CodeSearch: %v", err)
	}
	if len(matches) != 1 || matches[0].Instruction.Address != 0x1004 {
		t.Errorf("matches = %+v, want a single match at 0x1004", matches)
	}
}

func TestCodeSearchCallDestination(t *testing.T) {
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "bl", Args: []disasm.Operand{
			{Kind: disasm.OperandPCRelAddress, Imm: 0x2000},
		}},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)
	idx := &CallableSymbolIndex{byAddress: map[uint64]CallableSymbol{
		0x2000: {Address: 0x2000, Name: "_objc_msgSend", Kind: CallableSymbolImportStub},
	}}
	fa.index = idx

	matches, err := CodeSearch([]*FunctionAnalyzer{fa}, CallDestination{Name: "_objc_msgSend"})
	if err != nil {
		t.Fatalf("CodeSearch: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("len(matches) = %d, want 1", len(matches))
	}

	matches, err = CodeSearch([]*FunctionAnalyzer{fa}, CallDestination{Name: "_something_else"})
	if err != nil {
		t.Fatalf("CodeSearch: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("len(matches) = %d, want 0", len(matches))
	}
}

func TestCodeSearchAndOr(t *testing.T) {
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "movz", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X0},
			{Kind: disasm.OperandImmediate, Imm: 5},
		}},
		{Address: 0x1004, Mnemonic: "bl"},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)

	term := And(
		InstructionMnemonic{Mnemonic: "movz"},
		InstructionOperand{OperandIndex: 0, Register: disasm.X0},
	)
	matches, err := CodeSearch([]*FunctionAnalyzer{fa}, term)
	if err != nil {
		t.Fatalf("CodeSearch: %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("len(matches) = %d, want 1", len(matches))
	}

	orTerm := Or(
		InstructionMnemonic{Mnemonic: "ret"},
		InstructionMnemonic{Mnemonic: "bl"},
	)
	matches, err = CodeSearch([]*FunctionAnalyzer{fa}, orTerm)
	if err != nil {
		t.Fatalf("CodeSearch: %v", err)
	}
	if len(matches) != 1 || matches[0].Instruction.Mnemonic != "bl" {
		t.Errorf("matches = %+v, want a single bl match", matches)
	}
}

func TestCodeSearchFunctionCallWithArgumentsResolvedArguments(t *testing.T) {
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "movz", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X0},
			{Kind: disasm.OperandImmediate, Imm: 5},
		}},
		{Address: 0x1004, Mnemonic: "bl", Args: []disasm.Operand{
			{Kind: disasm.OperandPCRelAddress, Imm: 0x2000},
		}},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)
	fa.index = &CallableSymbolIndex{byAddress: map[uint64]CallableSymbol{
		0x2000: {Address: 0x2000, Name: "_target", Kind: CallableSymbolDefined},
	}}

	term := FunctionCallWithArguments{
		CalleeName: "_target",
		Arguments: map[disasm.Reg]RegisterContents{
			disasm.X0: {Kind: ContentsImmediate, ImmediateValue: 5},
		},
	}
	matches, err := CodeSearch([]*FunctionAnalyzer{fa}, term)
	if err != nil {
		t.Fatalf("CodeSearch: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("len(matches) = %d, want 1", len(matches))
	}
	got, ok := matches[0].ResolvedArguments[disasm.X0]
	if !ok {
		t.Fatal("ResolvedArguments[x0] missing")
	}
	if got.Kind != ContentsImmediate || got.ImmediateValue != 5 {
		t.Errorf("ResolvedArguments[x0] = %+v, want Immediate(5)", got)
	}

	andMatches, err := CodeSearch([]*FunctionAnalyzer{fa}, And(InstructionMnemonic{Mnemonic: "bl"}, term))
	if err != nil {
		t.Fatalf("CodeSearch(And): %v", err)
	}
	if len(andMatches) != 1 || andMatches[0].ResolvedArguments[disasm.X0].ImmediateValue != 5 {
		t.Errorf("CodeSearch(And) = %+v, want resolved x0=5 propagated through And", andMatches)
	}
}

func TestCodeSearchRegisterContents(t *testing.T) {
	instrs := []disasm.Instruction{
		{Address: 0x1000, Mnemonic: "movz", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X0},
			{Kind: disasm.OperandImmediate, Imm: 99},
		}},
		{Address: 0x1004, Mnemonic: "bl"},
	}
	fa := fakeFunctionAnalyzer(0x1000, instrs)

	term := RegisterContentsTerm{
		Register: disasm.X0,
		Want:     RegisterContents{Kind: ContentsImmediate, ImmediateValue: 99},
	}
	matches, err := CodeSearch([]*FunctionAnalyzer{fa}, term)
	if err != nil {
		t.Fatalf("CodeSearch: %v", err)
	}
	if len(matches) != 1 || matches[0].Instruction.Address != 0x1004 {
		t.Errorf("matches = %+v, want a single match at 0x1004", matches)
	}
}
