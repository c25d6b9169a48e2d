package macho

import "fmt"

// FormatError is returned when the bytes being parsed do not have the
// expected Mach-O shape: a bad magic number, a load command that runs
// past the end of the command area or has an invalid size, a section
// header that runs past the end of its segment command.
type FormatError struct {
	Off int64
	Msg string
	Val interface{}
}

func (e *FormatError) Error() string {
	msg := e.Msg
	if e.Val != nil {
		msg += fmt.Sprintf(" '%v'", e.Val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.Off)
	return msg
}

// UnmappedAddressError is returned when a virtual address does not fall
// inside any segment's mapped range, so it cannot be translated to a
// file offset.
type UnmappedAddressError struct {
	Address uint64
}

func (e *UnmappedAddressError) Error() string {
	return fmt.Sprintf("macho: address %#x is not mapped by any segment", e.Address)
}

// UnknownBindOpcodeError is returned by the dyld bind-info decoder when
// it encounters an opcode byte it does not recognize.
type UnknownBindOpcodeError struct {
	Opcode byte
	Offset int
}

func (e *UnknownBindOpcodeError) Error() string {
	return fmt.Sprintf("macho: unknown bind opcode %#02x at stream offset %#x", e.Opcode, e.Offset)
}

// BindOverflowError is returned when a bind or lazy-bind opcode stream
// tries to write past the end of the segment it targets.
type BindOverflowError struct {
	SegmentIndex int
	SegmentOffset uint64
	SegmentSize   uint64
}

func (e *BindOverflowError) Error() string {
	return fmt.Sprintf("macho: bind offset %#x overflows segment %d (size %#x)", e.SegmentOffset, e.SegmentIndex, e.SegmentSize)
}

// NotABranchError is returned when an operation that needs a branch
// instruction (FunctionAnalyzer.SelrefPointerAt) is given an address
// that does not name a branch instruction of the function.
type NotABranchError struct {
	Address uint64
}

func (e *NotABranchError) Error() string {
	return fmt.Sprintf("macho: instruction at %#x is not a branch", e.Address)
}

// UnknownBranchTargetError is returned when a branch destination address
// has no name in the callable-symbol index. Address is that destination.
type UnknownBranchTargetError struct {
	Address uint64
}

func (e *UnknownBranchTargetError) Error() string {
	return fmt.Sprintf("macho: no symbol is known for branch destination %#x", e.Address)
}

// UnsupportedArchError is returned by analysis operations invoked on a
// non-ARM64 Mach-O image. Such 64-bit images are still parsed by NewImage
// and listed by FatContainer; only analysis is refused.
type UnsupportedArchError struct {
	CPU interface{}
}

func (e *UnsupportedArchError) Error() string {
	return fmt.Sprintf("macho: analysis is only supported for 64-bit ARM64 images, got %v", e.CPU)
}
