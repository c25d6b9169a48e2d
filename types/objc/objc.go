// Package objc describes the on-disk (wire) layout of the Objective-C
// runtime metadata structures this module reads directly out of Mach-O
// section bytes: class_t, class_ro_t, method_t and method_list_t, and
// category_t. Only the 64-bit layout is modeled; the runtime has not
// shipped a 32-bit ABI variant of these structures since it stopped
// targeting armv7.
package objc

// ClassT is the wire layout of `struct class_t` (a class's `isa` pointer
// plus its read-write storage). `DataVMAddrAndFastFlags` packs the pointer
// to the class_ro_t alongside two flag bits in its low bits; callers must
// mask with FastDataMask before dereferencing and keep the raw value if the
// flag bits matter (as macho.ObjcClass.RawDataField does).
type ClassT struct {
	IsaVMAddr                   uint64
	SuperclassVMAddr            uint64
	MethodCacheBuckets          uint64
	MethodCachePropertiesVMAddr uint64
	DataVMAddrAndFastFlags      uint64
}

const (
	// FastIsSwiftLegacy marks a pre-stable-ABI Swift class.
	FastIsSwiftLegacy uint64 = 1 << 0
	// FastIsSwiftStable marks a stable-ABI (Swift 5+) class.
	FastIsSwiftStable uint64 = 1 << 1
	// FastDataMask isolates the class_ro_t pointer from DataVMAddrAndFastFlags.
	FastDataMask uint64 = 0x00007ffffffffff8
)

// ClassRoFlags is the flags field of class_ro_t.
type ClassRoFlags uint32

const (
	ROMeta             ClassRoFlags = 1 << 0
	RORoot             ClassRoFlags = 1 << 1
	ROHasCxxStructors  ClassRoFlags = 1 << 2
)

func (f ClassRoFlags) IsMeta() bool { return f&ROMeta != 0 }
func (f ClassRoFlags) IsRoot() bool { return f&RORoot != 0 }

// ClassRO64 is the wire layout of `struct class_ro_t` on a 64-bit image.
type ClassRO64 struct {
	Flags                ClassRoFlags
	InstanceStart        uint32
	InstanceSize         uint64
	IvarLayoutVMAddr     uint64
	NameVMAddr           uint64
	BaseMethodsVMAddr    uint64
	BaseProtocolsVMAddr  uint64
	IvarsVMAddr          uint64
	WeakIvarLayoutVMAddr uint64
	BasePropertiesVMAddr uint64
}

// MethodListHeader is the fixed-size header preceding a method_list_t's
// entries. EntsizeAndFlags' low bits additionally flag "relative" (small,
// offset-based) method lists; this module only decodes the absolute,
// pointer-based ("big") encoding named in the spec's §4.3 step 3, since the
// reference binaries it targets predate the relative-method-list ABI.
type MethodListHeader struct {
	EntsizeAndFlags uint32
	Count           uint32
}

const methodListSizeMask uint32 = 0x0000fffc

// EntrySize returns the size in bytes of one method_t entry.
func (h MethodListHeader) EntrySize() uint32 { return h.EntsizeAndFlags & methodListSizeMask }

// MethodT is the wire layout of one absolute (big) method_t entry:
// pointers to the selector name, the type-encoding string, and the IMP.
type MethodT struct {
	NameVMAddr  uint64
	TypesVMAddr uint64
	ImpVMAddr   uint64
}

// ImpFlagsMask isolates the two low bits arm64e uses to store small-method
// flags inside what would otherwise be a plain code pointer.
const ImpFlagsMask uint64 = 0x3

// CategoryT is the wire layout of `struct category_t`: a named method/
// property/protocol extension bolted onto an existing class at +load time.
type CategoryT struct {
	NameVMAddr               uint64
	ClassVMAddr              uint64
	InstanceMethodsVMAddr    uint64
	ClassMethodsVMAddr       uint64
	ProtocolsVMAddr          uint64
	InstancePropertiesVMAddr uint64
}
