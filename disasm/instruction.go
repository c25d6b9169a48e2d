// Package disasm abstracts instruction decoding behind a narrow interface
// so the rest of this module never imports a specific disassembler
// library directly. The concrete backend lives in arm64.go.
package disasm

import "fmt"

// Reg identifies an ARM64 general-purpose or special register by its
// architectural number, independent of the decoding library's own enum.
type Reg uint8

const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29 // frame pointer
	X30 // link register
	SP
	RegNone // sentinel for a register this package does not model (anything other than X0-X30 and SP, e.g. a W register)
)

func (r Reg) String() string {
	switch {
	case r <= X30:
		if r == X29 {
			return "x29"
		}
		if r == X30 {
			return "lr"
		}
		return fmt.Sprintf("x%d", int(r))
	case r == SP:
		return "sp"
	default:
		return "?"
	}
}

// OperandKind classifies one decoded instruction operand.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandRegister
	OperandImmediate
	OperandMemory
	OperandPCRelAddress // ADR/ADRP-style address computed relative to the instruction's own address
)

// Operand is one argument of a decoded Instruction. Exactly the fields
// relevant to Kind are meaningful; the rest are zero.
type Operand struct {
	Kind OperandKind

	Reg Reg

	// Imm holds the operand's immediate value, for OperandImmediate and
	// OperandPCRelAddress (where it is the already-resolved absolute
	// target address, base+offset folded in).
	Imm int64

	// Base/Offset describe an OperandMemory operand: [Base, #Offset] with
	// optional pre/post increment via WriteBack.
	Base      Reg
	HasIndex  Reg
	Offset    int64
	WriteBack bool
	PreIndex  bool
}

// Mnemonic is a normalized, lower-case instruction mnemonic, e.g. "bl",
// "adrp", "mov", "ldr".
type Mnemonic string

// Branch-class mnemonics this module's analyses key off of.
const (
	MnemonicB    Mnemonic = "b"
	MnemonicBL   Mnemonic = "bl"
	MnemonicBR   Mnemonic = "br"
	MnemonicBLR  Mnemonic = "blr"
	MnemonicRET  Mnemonic = "ret"
	MnemonicCBZ  Mnemonic = "cbz"
	MnemonicCBNZ Mnemonic = "cbnz"
	MnemonicTBZ  Mnemonic = "tbz"
	MnemonicTBNZ Mnemonic = "tbnz"
)

var conditionalBranchMnemonics = map[Mnemonic]bool{
	"b.eq": true, "b.ne": true, "b.cs": true, "b.cc": true, "b.mi": true,
	"b.pl": true, "b.vs": true, "b.vc": true, "b.hi": true, "b.ls": true,
	"b.ge": true, "b.lt": true, "b.gt": true, "b.le": true, "b.al": true,
	MnemonicCBZ: true, MnemonicCBNZ: true, MnemonicTBZ: true, MnemonicTBNZ: true,
}

// Instruction is one decoded ARM64 instruction, addressed within its
// owning Image's virtual address space.
type Instruction struct {
	Address  uint64
	Raw      uint32
	Mnemonic Mnemonic
	Args     []Operand
	// Unsupported is set when the underlying decoder recognized the word
	// but this package has no typed view of it; Mnemonic is still the
	// decoder's own rendering in that case.
	Unsupported bool
}

// IsBranch reports whether this instruction transfers control, whether
// or not it returns (B/BL/BR/BLR/RET/conditional and compare branches).
func (in Instruction) IsBranch() bool {
	switch in.Mnemonic {
	case MnemonicB, MnemonicBL, MnemonicBR, MnemonicBLR, MnemonicRET,
		MnemonicCBZ, MnemonicCBNZ, MnemonicTBZ, MnemonicTBNZ:
		return true
	}
	return conditionalBranchMnemonics[in.Mnemonic]
}

// IsCall reports whether this instruction is a call (BL/BLR) as opposed
// to a jump or return.
func (in Instruction) IsCall() bool {
	return in.Mnemonic == MnemonicBL || in.Mnemonic == MnemonicBLR
}

// IsReturn reports whether this instruction is a RET.
func (in Instruction) IsReturn() bool {
	return in.Mnemonic == MnemonicRET
}

// IsUnconditionalJump reports whether this instruction is a plain B (not
// BL, not conditional).
func (in Instruction) IsUnconditionalJump() bool {
	return in.Mnemonic == MnemonicB
}

// BranchTarget returns the statically-known destination address of a
// direct branch (B/BL and the immediate forms of CBZ/CBNZ/TBZ/TBNZ and
// conditional branches). It reports false for indirect branches (BR/BLR,
// whose target lives in a register) and for non-branch instructions.
func (in Instruction) BranchTarget() (uint64, bool) {
	if !in.IsBranch() {
		return 0, false
	}
	if in.Mnemonic == MnemonicBR || in.Mnemonic == MnemonicBLR || in.Mnemonic == MnemonicRET {
		return 0, false
	}
	for _, a := range in.Args {
		if a.Kind == OperandPCRelAddress {
			return uint64(a.Imm), true
		}
	}
	return 0, false
}

// BranchTargetRegister returns the register an indirect branch (BR/BLR)
// reads its target from.
func (in Instruction) BranchTargetRegister() (Reg, bool) {
	if in.Mnemonic != MnemonicBR && in.Mnemonic != MnemonicBLR {
		return RegNone, false
	}
	if len(in.Args) == 0 || in.Args[0].Kind != OperandRegister {
		return RegNone, false
	}
	return in.Args[0].Reg, true
}

// Decoder turns a 4-byte-aligned slice of code into a decoded
// Instruction. addr is the virtual address the first byte of code is
// mapped at. Implementations decode exactly one instruction starting at
// code[0]; callers are responsible for advancing by the instruction's
// encoded length (always 4 for ARM64 A64).
type Decoder interface {
	Decode(code []byte, addr uint64) (Instruction, error)
}
