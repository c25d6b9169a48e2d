package macho

import (
	"encoding/binary"
	"strings"

	"github.com/strongarm-go/strongarm/types/objc"
)

// ObjcSelref is one entry of __objc_selrefs: a pointer-sized slot, at
// SourceAddress, whose contents (DestinationAddress) point at a selector
// name string literal in __objc_methname.
type ObjcSelref struct {
	SourceAddress      uint64
	DestinationAddress uint64
	SelectorLiteral    string
}

// ObjcSelector is one resolved @selector(): its name, the selref that
// referenced it (if any), and the address of its implementation. A
// selector with no Implementation is externally defined — declared via
// @selector() or sent as a message, but not implemented by any class in
// this image.
type ObjcSelector struct {
	Name                  string
	Selref                *ObjcSelref
	Implementation        uint64
	IsExternalDefinition  bool
}

// ObjcClass is one parsed Objective-C class: its name and every selector
// recovered from its base method list (plus, per this module's category
// supplement, any selectors contributed by categories extending it).
type ObjcClass struct {
	Name          string
	VMAddr        uint64 // address of the struct class_t this was parsed from
	Selectors     []*ObjcSelector
	IsMetaClass   bool
	// RawDataField is class_t's data field before the two low flag bits
	// (Swift-legacy/Swift-stable) were masked off; DataVMAddr is the
	// masked pointer actually dereferenced to find class_ro_t.
	RawDataField uint64
	DataVMAddr   uint64
}

// ObjcClassref is one entry of __objc_classrefs: a pointer-sized slot, at
// SourceAddress, that names the class a Objective-C method's class
// reference load resolves to. A class defined in this image resolves
// DestinationAddress to that class's struct class_t; a class imported
// from another image (e.g. NSObject) is instead bound directly by dyld,
// so DestinationAddress is 0 and ClassName comes from the bind record's
// symbol name instead.
type ObjcClassref struct {
	SourceAddress      uint64
	DestinationAddress uint64
	ClassName          string
}

// MethodInfo names one implemented Objective-C method: the class that
// defines it, the selector it implements, and the address of its
// implementation.
type MethodInfo struct {
	ObjcClass             string
	ObjcSel               string
	ImplementationAddress uint64
}

// ObjcMsgSendXref is one call site that sends an Objective-C message: a
// resolved call to objc_msgSend (or one of its variants), together with
// whatever classref/selref this module's dataflow engine could recover
// feeding that call's x0 (the receiver's class, when the call is a class
// method send) and x1 (the selector) arguments. ClassrefOrZero and
// SelrefOrZero are 0 when the corresponding argument could not be
// resolved to a classref/selref slot address.
type ObjcMsgSendXref struct {
	CallerFuncStart    uint64
	CallSiteAddress    uint64
	DestinationAddress uint64
	ClassrefOrZero     uint64
	SelrefOrZero       uint64
}

// ObjcRuntimeInfo is the fully parsed Objective-C runtime metadata for
// one Image: every selref and classref, and every class with its
// resolved selectors.
type ObjcRuntimeInfo struct {
	Selrefs   []*ObjcSelref
	Classrefs []*ObjcClassref
	Classes   []*ObjcClass
}

const classDataMask uint64 = ^uint64(0x3)

// ParseObjcRuntimeInfo reconstructs the image's Objective-C runtime
// metadata: selector references, classes, their method lists, and
// (as this module's supplement to the distilled design) the selectors
// categories contribute to an existing class.
func (img *Image) ParseObjcRuntimeInfo() (*ObjcRuntimeInfo, error) {
	selrefs, err := img.parseSelrefs()
	if err != nil {
		return nil, err
	}

	info := &ObjcRuntimeInfo{Selrefs: selrefs}

	classPointers, err := img.classlistPointers()
	if err != nil {
		return nil, err
	}

	classesByAddr := make(map[uint64]*ObjcClass, len(classPointers))
	for _, ptr := range classPointers {
		cls, err := img.parseClass(ptr, selrefs)
		if err != nil {
			continue // malformed class entries are skipped, not fatal
		}
		if cls == nil {
			continue
		}
		info.Classes = append(info.Classes, cls)
		classesByAddr[ptr] = cls
	}

	catSelectors, err := img.parseCategorySelectors(selrefs, classesByAddr)
	if err != nil {
		return nil, err
	}
	for addr, sels := range catSelectors {
		if cls, ok := classesByAddr[addr]; ok {
			cls.Selectors = append(cls.Selectors, sels...)
		}
	}

	boundSymbols, err := img.DyldBoundSymbols()
	if err != nil {
		return nil, err
	}
	classrefs, err := img.parseClassrefs(classesByAddr, boundSymbols)
	if err != nil {
		return nil, err
	}
	info.Classrefs = classrefs

	return info, nil
}

// parseClassrefs walks __objc_classrefs, a flat array of pointers to
// struct class_t, and resolves each slot to the class it names. A slot
// dyld binds directly (an imported class, e.g. NSObject) never holds a
// locally-parseable class_t, so such slots are resolved from
// boundSymbols instead, keyed by the classref slot's own address exactly
// as dyld's bind opcode stream addresses it.
func (img *Image) parseClassrefs(classesByAddr map[uint64]*ObjcClass, boundSymbols map[uint64]string) ([]*ObjcClassref, error) {
	ptrs, err := img.pointerListSection("__objc_classrefs")
	if err != nil {
		return nil, err
	}
	sec := img.SectionByName("__DATA", "__objc_classrefs")
	if sec == nil {
		sec = img.SectionByName("__DATA_CONST", "__objc_classrefs")
	}
	if sec == nil {
		return nil, nil
	}

	const ptrSize = 8
	classrefs := make([]*ObjcClassref, 0, len(ptrs))
	for i, dest := range ptrs {
		srcAddr := sec.Addr + uint64(i)*ptrSize

		if sym, ok := boundSymbols[srcAddr]; ok {
			classrefs = append(classrefs, &ObjcClassref{
				SourceAddress: srcAddr,
				ClassName:     classNameFromExternalSymbol(sym),
			})
			continue
		}

		name := ""
		if cls, ok := classesByAddr[dest]; ok {
			name = cls.Name
		}
		classrefs = append(classrefs, &ObjcClassref{
			SourceAddress:      srcAddr,
			DestinationAddress: dest,
			ClassName:          name,
		})
	}
	return classrefs, nil
}

// classNameFromExternalSymbol strips the "_OBJC_CLASS_$_" or
// "_OBJC_METACLASS_$_" mangling dyld's bind records use to name an
// Objective-C class symbol, recovering the bare class name.
func classNameFromExternalSymbol(symbol string) string {
	for _, prefix := range []string{"_OBJC_CLASS_$_", "_OBJC_METACLASS_$_"} {
		if strings.HasPrefix(symbol, prefix) {
			return strings.TrimPrefix(symbol, prefix)
		}
	}
	return symbol
}

// parseSelrefs walks __objc_selrefs, a flat array of pointers into
// __objc_methname, and resolves each slot to the selector string it
// names.
func (img *Image) parseSelrefs() ([]*ObjcSelref, error) {
	sec := img.SectionByName("__DATA", "__objc_selrefs")
	if sec == nil {
		sec = img.SectionByName("__DATA_CONST", "__objc_selrefs")
	}
	if sec == nil {
		return nil, nil
	}

	const ptrSize = 8
	count := int(sec.Size / ptrSize)
	selrefs := make([]*ObjcSelref, 0, count)
	for i := 0; i < count; i++ {
		addr := sec.Addr + uint64(i)*ptrSize
		dest, err := img.ReadPointerAtAddr(addr)
		if err != nil {
			continue
		}
		literal, err := img.ReadCStringAtAddr(dest)
		if err != nil {
			continue
		}
		selrefs = append(selrefs, &ObjcSelref{
			SourceAddress:      addr,
			DestinationAddress: dest,
			SelectorLiteral:    literal,
		})
	}
	return selrefs, nil
}

func (img *Image) classlistPointers() ([]uint64, error) {
	return img.pointerListSection("__objc_classlist")
}

func (img *Image) categorylistPointers() ([]uint64, error) {
	return img.pointerListSection("__objc_catlist")
}

func (img *Image) pointerListSection(name string) ([]uint64, error) {
	sec := img.SectionByName("__DATA", name)
	if sec == nil {
		sec = img.SectionByName("__DATA_CONST", name)
	}
	if sec == nil {
		return nil, nil
	}
	const ptrSize = 8
	count := int(sec.Size / ptrSize)
	out := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		addr := sec.Addr + uint64(i)*ptrSize
		ptr, err := img.ReadPointerAtAddr(addr)
		if err != nil {
			continue
		}
		out = append(out, ptr)
	}
	return out, nil
}

// parseClass reads the struct class_t at classAddr and, if it describes
// a valid class_ro_t, returns the ObjcClass with its base method list
// resolved.
func (img *Image) parseClass(classAddr uint64, selrefs []*ObjcSelref) (*ObjcClass, error) {
	classBytes, err := img.ReadAtAddr(classAddr, 40)
	if err != nil {
		return nil, err
	}
	var raw objc.ClassT
	raw.IsaVMAddr = binary.LittleEndian.Uint64(classBytes[0:8])
	raw.SuperclassVMAddr = binary.LittleEndian.Uint64(classBytes[8:16])
	raw.MethodCacheBuckets = binary.LittleEndian.Uint64(classBytes[16:24])
	raw.MethodCachePropertiesVMAddr = binary.LittleEndian.Uint64(classBytes[24:32])
	raw.DataVMAddrAndFastFlags = binary.LittleEndian.Uint64(classBytes[32:40])

	dataAddr := raw.DataVMAddrAndFastFlags & classDataMask

	ro, ok, err := img.readClassRO(dataAddr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	name, err := img.ReadCStringAtAddr(ro.NameVMAddr)
	if err != nil {
		return nil, err
	}

	selectors, err := img.parseMethodList(ro.BaseMethodsVMAddr, selrefs)
	if err != nil {
		return nil, err
	}

	return &ObjcClass{
		Name:         name,
		VMAddr:       classAddr,
		Selectors:    selectors,
		IsMetaClass:  ro.Flags.IsMeta(),
		RawDataField: raw.DataVMAddrAndFastFlags,
		DataVMAddr:   dataAddr,
	}, nil
}

// readClassRO reads the class_ro_t at dataAddr. It reports ok=false when
// dataAddr cannot be read or when the entry's name pointer lies below the
// image's virtual base (preferredLoadAddress), since a handful of
// malformed binaries (observed on
// 32-bit images upstream) point struct __objc_class.data at something
// that is not actually a class_ro_t.
func (img *Image) readClassRO(dataAddr uint64) (objc.ClassRO64, bool, error) {
	var ro objc.ClassRO64
	b, err := img.ReadAtAddr(dataAddr, 72)
	if err != nil {
		return ro, false, nil
	}
	ro.Flags = objc.ClassRoFlags(binary.LittleEndian.Uint32(b[0:4]))
	ro.InstanceStart = binary.LittleEndian.Uint32(b[4:8])
	ro.InstanceSize = binary.LittleEndian.Uint64(b[8:16])
	ro.IvarLayoutVMAddr = binary.LittleEndian.Uint64(b[16:24])
	ro.NameVMAddr = binary.LittleEndian.Uint64(b[24:32])
	ro.BaseMethodsVMAddr = binary.LittleEndian.Uint64(b[32:40])
	ro.BaseProtocolsVMAddr = binary.LittleEndian.Uint64(b[40:48])
	ro.IvarsVMAddr = binary.LittleEndian.Uint64(b[48:56])
	ro.WeakIvarLayoutVMAddr = binary.LittleEndian.Uint64(b[56:64])
	ro.BasePropertiesVMAddr = binary.LittleEndian.Uint64(b[64:72])

	if ro.NameVMAddr < img.preferredLoadAddress() {
		return ro, false, nil
	}
	return ro, true, nil
}

// parseMethodList reads a method_list_t (absolute/"big" encoding only)
// at methlistAddr and resolves each method_t entry to an ObjcSelector,
// joining it against selrefs by the selref's destination address.
func (img *Image) parseMethodList(methlistAddr uint64, selrefs []*ObjcSelref) ([]*ObjcSelector, error) {
	if methlistAddr == 0 {
		return nil, nil
	}
	hdrBytes, err := img.ReadAtAddr(methlistAddr, 8)
	if err != nil {
		return nil, nil
	}
	hdr := objc.MethodListHeader{
		EntsizeAndFlags: binary.LittleEndian.Uint32(hdrBytes[0:4]),
		Count:           binary.LittleEndian.Uint32(hdrBytes[4:8]),
	}

	selrefByDest := make(map[uint64]*ObjcSelref, len(selrefs))
	for _, s := range selrefs {
		selrefByDest[s.DestinationAddress] = s
	}

	entSize := hdr.EntrySize()
	if entSize == 0 {
		entSize = 24 // sizeof(method_t) in the absolute encoding
	}

	var selectors []*ObjcSelector
	entryAddr := methlistAddr + 8
	for i := uint32(0); i < hdr.Count; i++ {
		b, err := img.ReadAtAddr(entryAddr, int(entSize))
		if err != nil {
			break
		}
		m := objc.MethodT{
			NameVMAddr:  binary.LittleEndian.Uint64(b[0:8]),
			TypesVMAddr: binary.LittleEndian.Uint64(b[8:16]),
			ImpVMAddr:   binary.LittleEndian.Uint64(b[16:24]) &^ objc.ImpFlagsMask,
		}
		name, err := img.ReadCStringAtAddr(m.NameVMAddr)
		if err != nil {
			entryAddr += uint64(entSize)
			continue
		}
		selref := selrefByDest[m.NameVMAddr]
		selectors = append(selectors, &ObjcSelector{
			Name:                 name,
			Selref:               selref,
			Implementation:       m.ImpVMAddr,
			IsExternalDefinition: false,
		})
		entryAddr += uint64(entSize)
	}
	return selectors, nil
}

// parseCategorySelectors parses __objc_catlist: each category_t
// contributes instance and class methods to the class it extends, which
// the distilled design does not track but the runtime itself does fold
// into the class's selector set at +load time.
func (img *Image) parseCategorySelectors(selrefs []*ObjcSelref, classesByAddr map[uint64]*ObjcClass) (map[uint64][]*ObjcSelector, error) {
	catPointers, err := img.categorylistPointers()
	if err != nil {
		return nil, err
	}
	out := make(map[uint64][]*ObjcSelector)
	for _, catAddr := range catPointers {
		b, err := img.ReadAtAddr(catAddr, 48)
		if err != nil {
			continue
		}
		cat := objc.CategoryT{
			NameVMAddr:            binary.LittleEndian.Uint64(b[0:8]),
			ClassVMAddr:           binary.LittleEndian.Uint64(b[8:16]),
			InstanceMethodsVMAddr: binary.LittleEndian.Uint64(b[16:24]),
			ClassMethodsVMAddr:    binary.LittleEndian.Uint64(b[24:32]),
		}
		classAddr := cat.ClassVMAddr & classDataMask
		if _, ok := classesByAddr[classAddr]; !ok {
			continue
		}
		instSels, err := img.parseMethodList(cat.InstanceMethodsVMAddr, selrefs)
		if err != nil {
			continue
		}
		classSels, err := img.parseMethodList(cat.ClassMethodsVMAddr, selrefs)
		if err != nil {
			continue
		}
		out[classAddr] = append(append(out[classAddr], instSels...), classSels...)
	}
	return out, nil
}

// SelectorForSelref resolves the ObjcSelector a selref points at,
// joining first against implemented-class selectors and falling back to
// a synthetic externally-defined selector when the selref names a
// method not implemented anywhere in this image.
func (info *ObjcRuntimeInfo) SelectorForSelref(selrefAddr uint64) *ObjcSelector {
	for _, cls := range info.Classes {
		for _, sel := range cls.Selectors {
			if sel.Selref != nil && sel.Selref.SourceAddress == selrefAddr {
				return sel
			}
		}
	}
	for _, ref := range info.Selrefs {
		if ref.SourceAddress == selrefAddr {
			return &ObjcSelector{Name: ref.SelectorLiteral, Selref: ref, IsExternalDefinition: true}
		}
	}
	return nil
}

// ImpAddressesForSelector returns the implementation address of every
// method named selector across every class in this image.
func (info *ObjcRuntimeInfo) ImpAddressesForSelector(selector string) []uint64 {
	var imps []uint64
	for _, cls := range info.Classes {
		for _, sel := range cls.Selectors {
			if sel.Name == selector && !sel.IsExternalDefinition {
				imps = append(imps, sel.Implementation)
			}
		}
	}
	return imps
}

// ClassrefForClassName returns the classref naming className, if
// __objc_classrefs contains one. className is matched bare, without the
// "_OBJC_CLASS_$_" mangling dyld's bind records carry for imported
// classes (parseClassrefs already strips it).
func (info *ObjcRuntimeInfo) ClassrefForClassName(className string) *ObjcClassref {
	for _, ref := range info.Classrefs {
		if ref.ClassName == className {
			return ref
		}
	}
	return nil
}

// MethodInfoForEntryPoint returns the MethodInfo describing the method
// implemented at entryPoint, if any class in this image implements one
// there.
func (info *ObjcRuntimeInfo) MethodInfoForEntryPoint(entryPoint uint64) *MethodInfo {
	for _, cls := range info.Classes {
		for _, sel := range cls.Selectors {
			if sel.IsExternalDefinition || sel.Implementation != entryPoint {
				continue
			}
			return &MethodInfo{ObjcClass: cls.Name, ObjcSel: sel.Name, ImplementationAddress: entryPoint}
		}
	}
	return nil
}

// MethodInfosForSelector returns a MethodInfo for every class in this
// image that implements selector, backing "every IMP that answers this
// selector" queries across the whole class hierarchy rather than one
// class at a time.
func (info *ObjcRuntimeInfo) MethodInfosForSelector(selector string) []*MethodInfo {
	var out []*MethodInfo
	for _, cls := range info.Classes {
		for _, sel := range cls.Selectors {
			if sel.Name != selector || sel.IsExternalDefinition || sel.Implementation == 0 {
				continue
			}
			out = append(out, &MethodInfo{ObjcClass: cls.Name, ObjcSel: sel.Name, ImplementationAddress: sel.Implementation})
		}
	}
	return out
}
