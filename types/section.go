package types

// Section32 is the on-disk layout of a 32-bit Mach-O section header, as
// it appears packed directly after its owning LC_SEGMENT's Segment32.
type Section32 struct {
	Name      [16]byte
	Seg       [16]byte
	Addr      uint32
	Size      uint32
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     SectionFlag
	Reserved1 uint32
	Reserved2 uint32
}

// Section64 is the on-disk layout of a 64-bit Mach-O section header, as
// it appears packed directly after its owning LC_SEGMENT_64's Segment64.
type Section64 struct {
	Name      [16]byte
	Seg       [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     SectionFlag
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

// SectionFlag is the flags field of a section header: a section type in
// its low byte plus section attribute bits in the remaining 24 bits.
type SectionFlag uint32

const (
	SectionTypeMask       SectionFlag = 0x000000ff
	SectionAttributesMask SectionFlag = 0xffffff00

	Regular         SectionFlag = 0x0
	ZeroFill        SectionFlag = 0x1
	CStringLiterals SectionFlag = 0x2
	FourByteLiterals SectionFlag = 0x3
	EightByteLiterals SectionFlag = 0x4
	LiteralPointers SectionFlag = 0x5

	NonLazySymbolPointers   SectionFlag = 0x6
	LazySymbolPointers      SectionFlag = 0x7
	SymbolStubs             SectionFlag = 0x8
	ModInitFuncPointers     SectionFlag = 0x9
	ModTermFuncPointers     SectionFlag = 0xa
	Coalesced               SectionFlag = 0xb
	GBZeroFill              SectionFlag = 0xc
	Interposing             SectionFlag = 0xd
	SixteenByteLiterals     SectionFlag = 0xe
	DtraceDof               SectionFlag = 0xf
	LazyDylibSymbolPointers SectionFlag = 0x10
	ThreadLocalRegular      SectionFlag = 0x11
	ThreadLocalZerofill     SectionFlag = 0x12
	ThreadLocalVariables    SectionFlag = 0x13
	ThreadLocalVariablePointers SectionFlag = 0x14
	ThreadLocalInitFunctionPointers SectionFlag = 0x15

	AttrLocReloc    SectionFlag = 0x00000100
	AttrExtReloc    SectionFlag = 0x00000200
	AttrSomeInstructions SectionFlag = 0x00000400
	AttrDebug       SectionFlag = 0x02000000
	AttrSelfModifyingCode SectionFlag = 0x04000000
	AttrLiveSupport SectionFlag = 0x08000000
	AttrNoDeadStrip SectionFlag = 0x10000000
	AttrStripStaticSyms SectionFlag = 0x20000000
	AttrNoTOC       SectionFlag = 0x40000000
	AttrPureInstructions SectionFlag = 0x80000000
)

// IsRegular reports whether the section carries no special type (not a
// stub table, literal pool, or zero-fill region).
func (f SectionFlag) IsRegular() bool {
	return f&SectionTypeMask == Regular
}

// Type returns the section-type bits (the low byte of Flags).
func (f SectionFlag) Type() SectionFlag { return f & SectionTypeMask }

// AttributesString renders the set attribute bits, e.g. for diagnostic
// dumps of a section header.
func (f SectionFlag) AttributesString() string {
	var s string
	attrs := f &^ SectionTypeMask
	add := func(bit SectionFlag, name string) {
		if attrs&bit != 0 {
			if s != "" {
				s += ","
			}
			s += name
		}
	}
	add(AttrPureInstructions, "PureInstructions")
	add(AttrSomeInstructions, "SomeInstructions")
	add(AttrNoDeadStrip, "NoDeadStrip")
	add(AttrDebug, "Debug")
	return s
}
