package macho

import (
	"strings"

	"github.com/strongarm-go/strongarm/disasm"
)

// msgSendFamily names the objc_msgSend-family entry points: the handful
// of runtime trampolines that dispatch a method lookup and call rather
// than simply executing library code, and therefore get their own
// CallSite.IsMsgSendCall classification distinct from other external ObjC
// runtime calls like _objc_retain.
var msgSendFamily = map[string]bool{
	"_objc_msgSend":       true,
	"_objc_msgSendSuper2": true,
	"_objc_opt_new":       true,
	"_objc_opt_class":     true,
}

// FunctionAnalyzer decodes and analyzes one Function's instruction
// stream on demand, caching the decoded slice for repeated queries.
type FunctionAnalyzer struct {
	Function Function

	image   *Image
	decoder disasm.Decoder
	index   *CallableSymbolIndex

	instructions []disasm.Instruction
	decodeErr    error
	decoded      bool
}

// NewFunctionAnalyzer builds an analyzer for fn over img, resolving call
// targets against index (nil is accepted — call-target names are simply
// left empty).
func NewFunctionAnalyzer(img *Image, fn Function, decoder disasm.Decoder, index *CallableSymbolIndex) *FunctionAnalyzer {
	return &FunctionAnalyzer{Function: fn, image: img, decoder: decoder, index: index}
}

// Instructions decodes and returns every instruction in the function's
// address range, decoding lazily on first call and caching the result.
func (fa *FunctionAnalyzer) Instructions() ([]disasm.Instruction, error) {
	if fa.decoded {
		return fa.instructions, fa.decodeErr
	}
	fa.decoded = true

	if fa.Function.Size == 0 {
		return nil, nil
	}
	code, err := fa.image.ReadAtAddr(fa.Function.Address, int(fa.Function.Size))
	if err != nil {
		fa.decodeErr = err
		return nil, err
	}

	const instructionLength = 4
	var out []disasm.Instruction
	for off := 0; off+instructionLength <= len(code); off += instructionLength {
		addr := fa.Function.Address + uint64(off)
		in, err := fa.decoder.Decode(code[off:off+instructionLength], addr)
		if err != nil {
			fa.decodeErr = err
			return out, err
		}
		out = append(out, in)
	}
	fa.instructions = out
	return out, nil
}

// CallSite is one call instruction (BL/BLR) within a function, together
// with its resolved destination, if known, and how this module classifies
// the call: a message send through the objc_msgSend family, some other
// external Objective-C runtime call, or an external plain-C call. For a
// msgSend-family call, SelrefPointer/ClassrefPointer are the addresses
// this module's dataflow engine recovered for the x1/x0 arguments
// immediately before the call, 0 when not resolvable to a constant.
type CallSite struct {
	CallerAddress uint64
	Instruction   disasm.Instruction
	Target        uint64
	TargetName    string
	Resolved      bool

	Symbol             string
	IsMsgSendCall      bool
	IsExternalObjcCall bool
	IsExternalCCall    bool
	SelrefPointer      uint64
	ClassrefPointer    uint64
}

// CallSites returns every BL/BLR instruction in the function, resolving
// direct call targets immediately and leaving indirect (register-based)
// targets for a dataflow query to resolve.
func (fa *FunctionAnalyzer) CallSites() ([]CallSite, error) {
	instrs, err := fa.Instructions()
	if err != nil {
		return nil, err
	}
	var sites []CallSite
	for i, in := range instrs {
		if !in.IsCall() {
			continue
		}
		site := CallSite{CallerAddress: in.Address, Instruction: in}
		if target, ok := in.BranchTarget(); ok {
			site.Target = target
			site.Resolved = true
			if fa.index != nil {
				if sym, ok := fa.index.Lookup(target); ok {
					site.TargetName = sym.Name
					site.Symbol = sym.Name
					switch {
					case msgSendFamily[sym.Name]:
						site.IsMsgSendCall = true
					case sym.Kind == CallableSymbolImportStub && strings.HasPrefix(sym.Name, "_objc_"):
						site.IsExternalObjcCall = true
					case sym.Kind == CallableSymbolImportStub:
						site.IsExternalCCall = true
					}
				}
			}
		}

		if site.IsMsgSendCall {
			if c, err := fa.TrackRegister(disasm.X1, i); err == nil && c.Kind == ContentsImmediate {
				site.SelrefPointer = uint64(c.ImmediateValue)
			}
			if c, err := fa.TrackRegister(disasm.X0, i); err == nil && c.Kind == ContentsImmediate {
				site.ClassrefPointer = uint64(c.ImmediateValue)
			}
		}

		sites = append(sites, site)
	}
	return sites, nil
}

// SelrefPointerAt resolves the __objc_selrefs slot address fed to x1
// immediately before the call instruction at addr, returning
// *NotABranchError if addr does not name a branch instruction in this
// function.
func (fa *FunctionAnalyzer) SelrefPointerAt(addr uint64) (uint64, error) {
	instrs, err := fa.Instructions()
	if err != nil {
		return 0, err
	}
	idx, ok := fa.IndexOf(addr)
	if !ok || !instrs[idx].IsBranch() {
		return 0, &NotABranchError{Address: addr}
	}
	contents, err := fa.TrackRegister(disasm.X1, idx)
	if err != nil {
		return 0, err
	}
	if contents.Kind != ContentsImmediate {
		return 0, nil
	}
	return uint64(contents.ImmediateValue), nil
}

// NextBranchAfterInstructionIndex returns the index of the next branch
// instruction strictly after startIndex, or ok=false if the function has
// none.
func (fa *FunctionAnalyzer) NextBranchAfterInstructionIndex(startIndex int) (int, bool, error) {
	instrs, err := fa.Instructions()
	if err != nil {
		return 0, false, err
	}
	for i := startIndex + 1; i < len(instrs); i++ {
		if instrs[i].IsBranch() {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// writtenRegister reports the register an instruction's first operand
// names, for instructions whose first operand is conventionally their
// destination. Instructions that only ever read their operands (stores,
// compares, branches) are excluded.
func writtenRegister(in disasm.Instruction) (disasm.Reg, bool) {
	switch in.Mnemonic {
	case "str", "strb", "strh", "stp",
		"cmp", "cmn", "tst",
		disasm.MnemonicB, disasm.MnemonicBL, disasm.MnemonicBR, disasm.MnemonicBLR, disasm.MnemonicRET,
		disasm.MnemonicCBZ, disasm.MnemonicCBNZ, disasm.MnemonicTBZ, disasm.MnemonicTBNZ:
		return disasm.RegNone, false
	}
	if len(in.Args) == 0 || in.Args[0].Kind != disasm.OperandRegister {
		return disasm.RegNone, false
	}
	return in.Args[0].Reg, true
}

// TrackRegisterAliases scans forward from the function's entry,
// accumulating every register that becomes an alias of reg through a
// simple "mov dst, src" chain, and dropping a register from the alias set
// the moment it is overwritten by something that isn't itself an alias.
// Unlike TrackRegister's backward, per-instruction query, this answers
// "which registers, across the whole function, ever hold the value reg
// started with" — used to follow a value (e.g. a receiver held in an
// argument register) through register reassignment before it reaches a
// call this module wants to classify.
func (fa *FunctionAnalyzer) TrackRegisterAliases(reg disasm.Reg) ([]disasm.Reg, error) {
	instrs, err := fa.Instructions()
	if err != nil {
		return nil, err
	}

	aliases := []disasm.Reg{reg}
	aliasSet := map[disasm.Reg]bool{reg: true}

	removeAlias := func(r disasm.Reg) {
		delete(aliasSet, r)
		for i, a := range aliases {
			if a == r {
				aliases = append(aliases[:i], aliases[i+1:]...)
				break
			}
		}
	}

	for _, in := range instrs {
		if dst, src, ok := movRegisterOperands(in); ok {
			switch {
			case aliasSet[src] && !aliasSet[dst]:
				aliasSet[dst] = true
				aliases = append(aliases, dst)
			case aliasSet[dst] && !aliasSet[src]:
				removeAlias(dst)
			}
			continue
		}
		if dst, ok := writtenRegister(in); ok && aliasSet[dst] {
			removeAlias(dst)
		}
	}

	return aliases, nil
}

// InstructionAt returns the decoded instruction at addr, if the function
// contains one starting there.
func (fa *FunctionAnalyzer) InstructionAt(addr uint64) (disasm.Instruction, bool) {
	instrs, err := fa.Instructions()
	if err != nil {
		return disasm.Instruction{}, false
	}
	for _, in := range instrs {
		if in.Address == addr {
			return in, true
		}
	}
	return disasm.Instruction{}, false
}

// IndexOf returns the position of the instruction at addr within this
// function's decoded instruction slice.
func (fa *FunctionAnalyzer) IndexOf(addr uint64) (int, bool) {
	instrs, err := fa.Instructions()
	if err != nil {
		return 0, false
	}
	for i, in := range instrs {
		if in.Address == addr {
			return i, true
		}
	}
	return 0, false
}

// CallsFunctionNamed reports whether this function contains a resolved
// direct call to a function named name.
func (fa *FunctionAnalyzer) CallsFunctionNamed(name string) (bool, error) {
	sites, err := fa.CallSites()
	if err != nil {
		return false, err
	}
	for _, s := range sites {
		if s.Resolved && s.TargetName == name {
			return true, nil
		}
	}
	return false, nil
}
