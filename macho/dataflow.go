package macho

import "github.com/strongarm-go/strongarm/disasm"

// RegisterContentsKind classifies what TrackRegister was able to
// determine about a register's value at a given instruction.
type RegisterContentsKind int

const (
	// ContentsUnknown means the backward walk could not determine a value:
	// it either crossed a control-flow join (a branch target reachable
	// from somewhere other than straight-line fallthrough) or found a
	// write this module does not model (e.g. a value loaded from memory).
	ContentsUnknown RegisterContentsKind = iota
	// ContentsImmediate means the register holds a compile-time constant,
	// loaded by a MOV/MOVZ/MOVN/MOVK sequence or computed by ADRP/ADR.
	ContentsImmediate
	// ContentsFunctionArg means the walk reached the top of the function
	// without finding a write, so the register still holds whatever value
	// it carried into the function. Only meaningful for X0-X7, ARM64's
	// argument registers under AAPCS64.
	ContentsFunctionArg
)

// RegisterContents is the result of a TrackRegister query: what is known
// about one register's value immediately before a given instruction.
type RegisterContents struct {
	Kind           RegisterContentsKind
	ImmediateValue int64
	ArgIndex       int // meaningful only when Kind == ContentsFunctionArg
}

// argumentRegisters are ARM64's AAPCS64 integer argument registers, in
// call order.
var argumentRegisters = []disasm.Reg{
	disasm.X0, disasm.X1, disasm.X2, disasm.X3,
	disasm.X4, disasm.X5, disasm.X6, disasm.X7,
}

func argIndexOf(r disasm.Reg) (int, bool) {
	for i, a := range argumentRegisters {
		if a == r {
			return i, true
		}
	}
	return 0, false
}

// TrackRegister determines the contents of register reg immediately
// before the instruction at instructionIndex, by walking the function's
// instruction stream backward from instructionIndex-1. The walk stops
// and reports ContentsUnknown as soon as it crosses a control-flow join:
// any instruction that is itself the target of a branch elsewhere in the
// function means straight-line reasoning about what preceded it no
// longer holds, since execution could have arrived there from more than
// one place. This module does not merge values across a join: reporting
// ContentsUnknown there is sound, whereas guessing which predecessor's
// value applies is not.
func (fa *FunctionAnalyzer) TrackRegister(reg disasm.Reg, instructionIndex int) (RegisterContents, error) {
	instrs, err := fa.Instructions()
	if err != nil {
		return RegisterContents{}, err
	}
	if instructionIndex < 0 || instructionIndex > len(instrs) {
		return RegisterContents{Kind: ContentsUnknown}, nil
	}

	joinTargets := branchTargetSet(instrs)

	for i := instructionIndex - 1; i >= 0; i-- {
		in := instrs[i]

		// If the instruction one position ahead of i (the one we're about
		// to treat as reached via fallthrough from i) is itself a branch
		// target, execution could have arrived there from somewhere other
		// than i, so nothing learned further back can be trusted.
		if i+1 < len(instrs) && joinTargets[instrs[i+1].Address] {
			return RegisterContents{Kind: ContentsUnknown}, nil
		}

		if dst, src, ok := movRegisterOperands(in); ok && dst == reg {
			return fa.TrackRegister(src, i)
		}

		if dst, src, imm, isAdd, ok := arithRegImmOperands(in); ok && dst == reg {
			srcContents, err := fa.TrackRegister(src, i)
			if err != nil {
				return RegisterContents{}, err
			}
			if srcContents.Kind != ContentsImmediate {
				return RegisterContents{Kind: ContentsUnknown}, nil
			}
			delta := imm
			if !isAdd {
				delta = -delta
			}
			return RegisterContents{Kind: ContentsImmediate, ImmediateValue: srcContents.ImmediateValue + delta}, nil
		}

		written, ok := instructionWritesRegister(in, reg)
		if !ok {
			continue
		}
		if !written.known {
			return RegisterContents{Kind: ContentsUnknown}, nil
		}
		return RegisterContents{Kind: ContentsImmediate, ImmediateValue: written.value}, nil
	}

	if idx, ok := argIndexOf(reg); ok {
		return RegisterContents{Kind: ContentsFunctionArg, ArgIndex: idx}, nil
	}
	return RegisterContents{Kind: ContentsUnknown}, nil
}

// branchTargetSet collects the statically-resolvable destination address
// of every branch in instrs, so TrackRegister can recognize a join: an
// instruction reachable from somewhere other than its immediate
// predecessor.
func branchTargetSet(instrs []disasm.Instruction) map[uint64]bool {
	targets := make(map[uint64]bool)
	for _, in := range instrs {
		if target, ok := in.BranchTarget(); ok {
			targets[target] = true
		}
	}
	return targets
}

type registerWrite struct {
	known bool
	value int64
}

// instructionWritesRegister reports whether in writes to reg, and if so,
// whether this module can determine the resulting value. Only the
// constant-producing forms (MOV/MOVZ/MOVN/MOVK with an immediate operand,
// and ADRP/ADR whose PC-relative target is already folded into Args by
// the decoder) are resolved; any other write (arithmetic, a register-to-
// register move, a memory load) is reported as a write with an unknown
// value, which halts the backward walk rather than silently attributing
// the wrong value to reg.
func instructionWritesRegister(in disasm.Instruction, reg disasm.Reg) (registerWrite, bool) {
	switch in.Mnemonic {
	case "mov", "movz", "movn", "movk", "adrp", "adr":
		if len(in.Args) == 0 || in.Args[0].Kind != disasm.OperandRegister || in.Args[0].Reg != reg {
			return registerWrite{}, false
		}
		if len(in.Args) < 2 {
			return registerWrite{known: false}, true
		}
		switch in.Args[1].Kind {
		case disasm.OperandImmediate, disasm.OperandPCRelAddress:
			return registerWrite{known: true, value: in.Args[1].Imm}, true
		default:
			return registerWrite{known: false}, true
		}
	case "add", "sub", "ldr", "ldrb", "ldrh", "ldrsw":
		if len(in.Args) == 0 || in.Args[0].Kind != disasm.OperandRegister || in.Args[0].Reg != reg {
			return registerWrite{}, false
		}
		return registerWrite{known: false}, true
	}
	return registerWrite{}, false
}

// movRegisterOperands reports the (dst, src) registers of a plain
// register-to-register "mov dst, src", so its value can be resolved by
// continuing the backward walk on src rather than treating the mov as an
// unknown write. MOV's other forms (immediate, PC-relative) are left to
// instructionWritesRegister.
func movRegisterOperands(in disasm.Instruction) (dst, src disasm.Reg, ok bool) {
	if in.Mnemonic != "mov" || len(in.Args) < 2 {
		return 0, 0, false
	}
	if in.Args[0].Kind != disasm.OperandRegister || in.Args[1].Kind != disasm.OperandRegister {
		return 0, 0, false
	}
	return in.Args[0].Reg, in.Args[1].Reg, true
}

// arithRegImmOperands reports the (dst, src, imm, isAdd) operands of a
// three-operand "add dst, src, #imm" or "sub dst, src, #imm", so its
// result can be resolved by recursively resolving src and applying the
// immediate offset, rather than treating the arithmetic as an unknown
// write. Register-register add/sub (no immediate third operand) is left
// to instructionWritesRegister.
func arithRegImmOperands(in disasm.Instruction) (dst, src disasm.Reg, imm int64, isAdd bool, ok bool) {
	if in.Mnemonic != "add" && in.Mnemonic != "sub" {
		return 0, 0, 0, false, false
	}
	if len(in.Args) < 3 {
		return 0, 0, 0, false, false
	}
	if in.Args[0].Kind != disasm.OperandRegister || in.Args[1].Kind != disasm.OperandRegister || in.Args[2].Kind != disasm.OperandImmediate {
		return 0, 0, 0, false, false
	}
	return in.Args[0].Reg, in.Args[1].Reg, in.Args[2].Imm, in.Mnemonic == "add", true
}
