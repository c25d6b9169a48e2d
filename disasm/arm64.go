package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// ARM64 is the Decoder backend for the A64 instruction set, grounded on
// golang.org/x/arch/arm64/arm64asm. It translates that package's
// instruction representation into this package's narrower Instruction
// type so the rest of this module is insulated from arm64asm's API.
type ARM64 struct{}

// NewARM64Decoder returns the default ARM64 instruction decoder.
func NewARM64Decoder() ARM64 { return ARM64{} }

const instructionLength = 4

func (ARM64) Decode(code []byte, addr uint64) (Instruction, error) {
	if len(code) < instructionLength {
		return Instruction{}, fmt.Errorf("disasm: need %d bytes at %#x, have %d", instructionLength, addr, len(code))
	}
	inst, err := arm64asm.Decode(code[:instructionLength])
	if err != nil {
		return Instruction{}, fmt.Errorf("disasm: decode at %#x: %w", addr, err)
	}

	out := Instruction{
		Address:  addr,
		Raw:      order.Uint32(code[:instructionLength]),
		Mnemonic: Mnemonic(strings.ToLower(inst.Op.String())),
	}

	switch inst.Op {
	case arm64asm.B, arm64asm.BL:
		if target, ok := branchImmTarget(inst, addr); ok {
			out.Args = append(out.Args, Operand{Kind: OperandPCRelAddress, Imm: int64(target)})
		}
	case arm64asm.BR, arm64asm.BLR, arm64asm.RET:
		if r, ok := inst.Args[0].(arm64asm.Reg); ok {
			out.Args = append(out.Args, Operand{Kind: OperandRegister, Reg: regFromArm64asm(r)})
		}
	case arm64asm.CBZ, arm64asm.CBNZ:
		if r, ok := inst.Args[0].(arm64asm.Reg); ok {
			out.Args = append(out.Args, Operand{Kind: OperandRegister, Reg: regFromArm64asm(r)})
		}
		if target, ok := branchImmTarget(inst, addr); ok {
			out.Args = append(out.Args, Operand{Kind: OperandPCRelAddress, Imm: int64(target)})
		}
	case arm64asm.TBZ, arm64asm.TBNZ:
		if r, ok := inst.Args[0].(arm64asm.Reg); ok {
			out.Args = append(out.Args, Operand{Kind: OperandRegister, Reg: regFromArm64asm(r)})
		}
		if target, ok := branchImmTarget(inst, addr); ok {
			out.Args = append(out.Args, Operand{Kind: OperandPCRelAddress, Imm: int64(target)})
		}
	case arm64asm.ADRP, arm64asm.ADR:
		if target, ok := pcRelTarget(inst, addr); ok {
			out.Args = append(out.Args, Operand{Kind: OperandPCRelAddress, Imm: int64(target)})
		}
	case arm64asm.MOV, arm64asm.MOVZ, arm64asm.MOVN, arm64asm.MOVK:
		out.Args = movOperands(inst)
	case arm64asm.ADD, arm64asm.SUB:
		out.Args = arithOperands(inst)
	case arm64asm.LDR, arm64asm.LDRB, arm64asm.LDRH, arm64asm.LDRSW, arm64asm.STR, arm64asm.STRB, arm64asm.STRH:
		out.Args = loadStoreOperands(inst)
	default:
		if strings.HasPrefix(out.Mnemonic.string(), "b.") {
			if target, ok := branchImmTarget(inst, addr); ok {
				out.Args = append(out.Args, Operand{Kind: OperandPCRelAddress, Imm: int64(target)})
			}
		} else {
			out.Unsupported = true
		}
	}

	return out, nil
}

func (m Mnemonic) string() string { return string(m) }

var order = littleEndian{}

type littleEndian struct{}

func (littleEndian) Uint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// branchImmTarget resolves the statically-encoded PC-relative target of a
// direct-branch or compare-and-branch instruction. arm64asm's PCRel
// operand is an offset relative to the instruction, so the target is the
// instruction's own address addr plus that offset.
func branchImmTarget(inst arm64asm.Inst, addr uint64) (uint64, bool) {
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if pc, ok := a.(arm64asm.PCRel); ok {
			return uint64(int64(addr) + int64(pc)), true
		}
	}
	return 0, false
}

// pcRelTarget resolves the address an ADR or ADRP computes. ADRP's offset
// is relative to the 4 KiB page containing the instruction, not to the
// instruction itself.
func pcRelTarget(inst arm64asm.Inst, addr uint64) (uint64, bool) {
	if inst.Op == arm64asm.ADRP {
		addr &^= 0xfff
	}
	return branchImmTarget(inst, addr)
}

func movOperands(inst arm64asm.Inst) []Operand {
	var ops []Operand
	for _, a := range inst.Args {
		switch v := a.(type) {
		case arm64asm.Reg:
			ops = append(ops, Operand{Kind: OperandRegister, Reg: regFromArm64asm(v)})
		case arm64asm.RegSP:
			ops = append(ops, Operand{Kind: OperandRegister, Reg: regFromArm64asm(arm64asm.Reg(v))})
		case arm64asm.Imm:
			ops = append(ops, Operand{Kind: OperandImmediate, Imm: int64(v.Imm)})
		case arm64asm.Imm64:
			ops = append(ops, Operand{Kind: OperandImmediate, Imm: int64(v.Imm)})
		case nil:
		default:
		}
	}
	return ops
}

func arithOperands(inst arm64asm.Inst) []Operand {
	var ops []Operand
	for _, a := range inst.Args {
		switch v := a.(type) {
		case arm64asm.Reg:
			ops = append(ops, Operand{Kind: OperandRegister, Reg: regFromArm64asm(v)})
		case arm64asm.RegSP:
			ops = append(ops, Operand{Kind: OperandRegister, Reg: regFromArm64asm(arm64asm.Reg(v))})
		case arm64asm.Imm:
			ops = append(ops, Operand{Kind: OperandImmediate, Imm: int64(v.Imm)})
		case nil:
		default:
		}
	}
	return ops
}

func loadStoreOperands(inst arm64asm.Inst) []Operand {
	var ops []Operand
	for _, a := range inst.Args {
		switch v := a.(type) {
		case arm64asm.Reg:
			ops = append(ops, Operand{Kind: OperandRegister, Reg: regFromArm64asm(v)})
		case arm64asm.MemImmediate:
			mem := Operand{
				Kind:      OperandMemory,
				Base:      regFromArm64asm(arm64asm.Reg(v.Base)),
				Offset:    int64(v.Imm),
				WriteBack: v.Mode == arm64asm.AddrPreIndex || v.Mode == arm64asm.AddrPostIndex,
				PreIndex:  v.Mode == arm64asm.AddrPreIndex,
			}
			ops = append(ops, mem)
		case nil:
		default:
		}
	}
	return ops
}

// regFromArm64asm maps the decoder's register enum onto this package's
// Reg. arm64asm numbers X0..X30 contiguously starting at its own X0
// constant, so those are a direct range translation rather than a table;
// SP is mapped separately, and any other register maps to RegNone.
func regFromArm64asm(r arm64asm.Reg) Reg {
	if r == arm64asm.SP {
		return SP
	}
	if r >= arm64asm.X0 && r <= arm64asm.X30 {
		return Reg(r - arm64asm.X0)
	}
	return RegNone
}
