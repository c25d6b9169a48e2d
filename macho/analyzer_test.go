package macho

import (
	"testing"

	"github.com/strongarm-go/strongarm/disasm"
	"github.com/strongarm-go/strongarm/types"
)

func TestAnalyzerForImageIsMemoized(t *testing.T) {
	b := newRawImageBuilder()
	b.addSegment("__TEXT", 0x100000000, 0x1000)
	b.addSection("__TEXT", "__text", 0x100000000, 0x1000)
	img := b.image()

	a1 := AnalyzerForImage(img)
	a2 := AnalyzerForImage(img)
	if a1 != a2 {
		t.Error("AnalyzerForImage returned different Analyzers for the same Image")
	}

	img2 := b.image() // a distinct *Image sharing the same underlying data
	a3 := AnalyzerForImage(img2)
	if a3 == a1 {
		t.Error("AnalyzerForImage returned the same Analyzer for two distinct Images")
	}
}

func TestAnalyzerFunctionsAndSymbols(t *testing.T) {
	b := newRawImageBuilder()
	b.addSegment("__TEXT", 0x100000000, 0x1000)
	b.addSection("__TEXT", "__text", 0x100000000, 0x1000)
	img := b.image()
	img.Symtab = &Symtab{Syms: []Symbol{
		{Name: "_entry", Value: 0x100000000, Type: types.NSect},
	}}

	a := AnalyzerForImage(img)
	funcs, err := a.Functions()
	if err != nil {
		t.Fatalf("Functions: %v", err)
	}
	if len(funcs) != 1 || funcs[0].Name != "_entry" {
		t.Fatalf("Functions = %+v, want one function named _entry", funcs)
	}

	idx, err := a.CallableSymbols()
	if err != nil {
		t.Fatalf("CallableSymbols: %v", err)
	}
	sym, ok := idx.Lookup(0x100000000)
	if !ok || sym.Name != "_entry" {
		t.Errorf("CallableSymbols.Lookup(0x100000000) = %+v, %v, want _entry", sym, ok)
	}

	fa, ok, err := a.FunctionAnalyzerAt(0x100000000)
	if err != nil {
		t.Fatalf("FunctionAnalyzerAt: %v", err)
	}
	if !ok || fa.Function.Name != "_entry" {
		t.Fatalf("FunctionAnalyzerAt(0x100000000) = %+v, %v", fa, ok)
	}

	faAgain, _, _ := a.FunctionAnalyzerAt(0x100000000)
	if fa != faAgain {
		t.Error("FunctionAnalyzerAt did not return the memoized FunctionAnalyzer on the second call")
	}
}

// builtAnalyzer constructs an Analyzer whose setup has already "run" (via
// a no-op Once), so tests can hand it a hand-built FunctionAnalyzer
// without going through the image-parsing pipeline.
func builtAnalyzer(fn Function, fa *FunctionAnalyzer, info *ObjcRuntimeInfo, idx *CallableSymbolIndex) *Analyzer {
	a := &Analyzer{
		objc:      info,
		index:     idx,
		functions: []Function{fn},
		faCache:   map[uint64]*FunctionAnalyzer{fn.Address: fa},
	}
	a.once.Do(func() {})
	return a
}

func TestAnalyzerCallsTo(t *testing.T) {
	instrs := []disasm.Instruction{
		{Address: 0x100000000, Mnemonic: "bl", Args: []disasm.Operand{
			{Kind: disasm.OperandPCRelAddress, Imm: 0x100002000},
		}},
	}
	fa := fakeFunctionAnalyzer(0x100000000, instrs)
	fn := Function{Address: 0x100000000, Size: 4, Name: "_caller"}
	idx := &CallableSymbolIndex{byAddress: map[uint64]CallableSymbol{
		0x100002000: {Address: 0x100002000, Name: "_callee", Kind: CallableSymbolDefined},
	}}
	fa.index = idx
	a := builtAnalyzer(fn, fa, &ObjcRuntimeInfo{}, idx)

	xrefs, err := a.CallsTo(0x100002000)
	if err != nil {
		t.Fatalf("CallsTo: %v", err)
	}
	if len(xrefs) != 1 || xrefs[0].CallerFuncStart != 0x100000000 {
		t.Errorf("CallsTo = %+v, want one xref from 0x100000000", xrefs)
	}
}

func TestAnalyzerObjcCallsTo(t *testing.T) {
	instrs := []disasm.Instruction{
		{Address: 0x100000000, Mnemonic: "adrp", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X0},
			{Kind: disasm.OperandPCRelAddress, Imm: 0x10000D000},
		}},
		{Address: 0x100000004, Mnemonic: "add", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X0},
			{Kind: disasm.OperandRegister, Reg: disasm.X0},
			{Kind: disasm.OperandImmediate, Imm: 0x398},
		}},
		{Address: 0x100000008, Mnemonic: "movz", Args: []disasm.Operand{
			{Kind: disasm.OperandRegister, Reg: disasm.X1},
			{Kind: disasm.OperandImmediate, Imm: 0},
		}},
		{Address: 0x10000000c, Mnemonic: "bl", Args: []disasm.Operand{
			{Kind: disasm.OperandPCRelAddress, Imm: 0x100002000},
		}},
	}
	fa := fakeFunctionAnalyzer(0x100000000, instrs)
	fn := Function{Address: 0x100000000, Size: 16, Name: "_caller"}
	idx := &CallableSymbolIndex{byAddress: map[uint64]CallableSymbol{
		0x100002000: {Address: 0x100002000, Name: "_objc_msgSend", Kind: CallableSymbolImportStub},
	}}
	fa.index = idx
	a := builtAnalyzer(fn, fa, &ObjcRuntimeInfo{}, idx)

	const classref = 0x10000D398
	xrefs, err := a.ObjcCallsTo([]uint64{classref}, nil, false)
	if err != nil {
		t.Fatalf("ObjcCallsTo: %v", err)
	}
	if len(xrefs) != 1 {
		t.Fatalf("len(xrefs) = %d, want 1", len(xrefs))
	}
	got := xrefs[0]
	if got.CallerFuncStart != 0x100000000 || got.CallSiteAddress != 0x10000000c ||
		got.DestinationAddress != 0x100002000 || got.ClassrefOrZero != classref || got.SelrefOrZero != 0 {
		t.Errorf("ObjcCallsTo = %+v, unexpected fields", got)
	}

	none, err := a.ObjcCallsTo(nil, nil, false)
	if err != nil {
		t.Fatalf("ObjcCallsTo(empty, empty): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ObjcCallsTo(empty, empty) = %v, want none (vacuous criteria match nothing)", none)
	}
}

func TestAnalyzerObjcRuntimeWrappers(t *testing.T) {
	info := &ObjcRuntimeInfo{
		Classrefs: []*ObjcClassref{{SourceAddress: 0x4000, DestinationAddress: 0x5000, ClassName: "MyClass"}},
		Classes: []*ObjcClass{{
			Name: "MyClass",
			Selectors: []*ObjcSelector{
				{Name: "foo", Implementation: 0x100000100},
			},
		}},
	}
	fn := Function{Address: 0x100000000, Size: 4}
	fa := fakeFunctionAnalyzer(0x100000000, nil)
	idx := &CallableSymbolIndex{byAddress: map[uint64]CallableSymbol{
		0x100000100: {Address: 0x100000100, Name: "-[MyClass foo]", Kind: CallableSymbolObjcMethod},
	}}
	a := builtAnalyzer(fn, fa, info, idx)

	ref, err := a.ClassrefForClassName("MyClass")
	if err != nil || ref == nil || ref.DestinationAddress != 0x5000 {
		t.Errorf("ClassrefForClassName = %+v, %v", ref, err)
	}

	mi, err := a.MethodInfoForEntryPoint(0x100000100)
	if err != nil || mi == nil || mi.ObjcClass != "MyClass" {
		t.Errorf("MethodInfoForEntryPoint = %+v, %v", mi, err)
	}

	imps, err := a.ImpsForSelector("foo")
	if err != nil || len(imps) != 1 || imps[0] != 0x100000100 {
		t.Errorf("ImpsForSelector = %v, %v", imps, err)
	}

	name, err := a.SymbolNameForBranchDestination(0x100000100)
	if err != nil || name != "-[MyClass foo]" {
		t.Errorf("SymbolNameForBranchDestination = %q, %v", name, err)
	}
	if _, err := a.SymbolNameForBranchDestination(0xdeadbeef); err == nil {
		t.Error("SymbolNameForBranchDestination(unknown) = nil error, want *UnknownBranchTargetError")
	}
}

func TestAnalyzerImpForSelref(t *testing.T) {
	selref := &ObjcSelref{SourceAddress: 0x4000, DestinationAddress: 0x5000, SelectorLiteral: "foo"}
	info := &ObjcRuntimeInfo{
		Selrefs: []*ObjcSelref{selref},
		Classes: []*ObjcClass{{
			Name:      "MyClass",
			Selectors: []*ObjcSelector{{Name: "foo", Selref: selref, Implementation: 0x100000100}},
		}},
	}
	fn := Function{Address: 0x100000000, Size: 4}
	fa := fakeFunctionAnalyzer(0x100000000, nil)
	a := builtAnalyzer(fn, fa, info, &CallableSymbolIndex{byAddress: map[uint64]CallableSymbol{}})

	imp, err := a.ImpForSelref(0x4000)
	if err != nil || imp != 0x100000100 {
		t.Errorf("ImpForSelref(implemented selref) = %#x, %v, want 0x100000100", imp, err)
	}

	imp, err = a.ImpForSelref(0x9999)
	if err != nil || imp != 0 {
		t.Errorf("ImpForSelref(unknown selref) = %#x, %v, want 0", imp, err)
	}
}
