package macho

import "testing"

// buildObjcFixture assembles a minimal but realistic ObjC runtime layout:
// one class ("MyClass") with one instance method ("foo") referenced by a
// single selref, laid out across synthetic __TEXT (strings) and __DATA
// (metadata) segments.
func buildObjcFixture(t *testing.T) *Image {
	t.Helper()

	b := newRawImageBuilder()

	const textBase = 0x100000000
	textOff := b.addSegment("__TEXT", textBase, 0x1000)
	b.putCString(textOff+0x00, "foo")      // __objc_methname entry
	b.putCString(textOff+0x10, "MyClass")  // class name
	const impAddr = textBase + 0x100

	const dataBase = 0x100004000
	dataOff := b.addSegment("__DATA", dataBase, 0x200)

	const (
		selrefRel    = 0x00
		classlistRel = 0x08
		classTRel    = 0x10
		classRORel   = 0x38
		methlistRel  = 0x80
		classrefRel  = 0xa0
	)
	methNameAddr := uint64(textBase + 0x00)
	classNameAddr := uint64(textBase + 0x10)
	classTAddr := uint64(dataBase + classTRel)
	classROAddr := uint64(dataBase + classRORel)
	methlistAddr := uint64(dataBase + methlistRel)

	b.putUint64(dataOff+selrefRel, methNameAddr)
	b.putUint64(dataOff+classlistRel, classTAddr)

	// class_t
	b.putUint64(dataOff+classTRel+0, 0)          // isa
	b.putUint64(dataOff+classTRel+8, 0)          // superclass
	b.putUint64(dataOff+classTRel+16, 0)         // cache buckets
	b.putUint64(dataOff+classTRel+24, 0)         // cache properties
	b.putUint64(dataOff+classTRel+32, classROAddr) // data (no fast flag bits)

	// class_ro_t
	b.putUint32(dataOff+classRORel+0, 0)  // flags
	b.putUint32(dataOff+classRORel+4, 0)  // instanceStart
	b.putUint64(dataOff+classRORel+8, 0)  // instanceSize
	b.putUint64(dataOff+classRORel+16, 0) // ivarLayout
	b.putUint64(dataOff+classRORel+24, classNameAddr)
	b.putUint64(dataOff+classRORel+32, methlistAddr)
	b.putUint64(dataOff+classRORel+40, 0) // baseProtocols
	b.putUint64(dataOff+classRORel+48, 0) // ivars
	b.putUint64(dataOff+classRORel+56, 0) // weakIvarLayout
	b.putUint64(dataOff+classRORel+64, 0) // baseProperties

	// method_list_t: header + one absolute method_t entry
	b.putUint32(dataOff+methlistRel+0, 24) // entsize, no flags
	b.putUint32(dataOff+methlistRel+4, 1)  // count
	b.putUint64(dataOff+methlistRel+8+0, methNameAddr)
	b.putUint64(dataOff+methlistRel+8+8, 0) // types
	b.putUint64(dataOff+methlistRel+8+16, impAddr)

	b.putUint64(dataOff+classrefRel, classTAddr)

	b.addSection("__DATA", "__objc_selrefs", dataBase+selrefRel, 8)
	b.addSection("__DATA", "__objc_classlist", dataBase+classlistRel, 8)
	b.addSection("__DATA", "__objc_classrefs", dataBase+classrefRel, 8)

	return b.image()
}

func TestParseObjcRuntimeInfo(t *testing.T) {
	img := buildObjcFixture(t)

	info, err := img.ParseObjcRuntimeInfo()
	if err != nil {
		t.Fatalf("ParseObjcRuntimeInfo: %v", err)
	}
	if len(info.Selrefs) != 1 {
		t.Fatalf("len(Selrefs) = %d, want 1", len(info.Selrefs))
	}
	if info.Selrefs[0].SelectorLiteral != "foo" {
		t.Errorf("Selrefs[0].SelectorLiteral = %q, want foo", info.Selrefs[0].SelectorLiteral)
	}

	if len(info.Classes) != 1 {
		t.Fatalf("len(Classes) = %d, want 1", len(info.Classes))
	}
	cls := info.Classes[0]
	if cls.Name != "MyClass" {
		t.Errorf("Classes[0].Name = %q, want MyClass", cls.Name)
	}
	if len(cls.Selectors) != 1 {
		t.Fatalf("len(Classes[0].Selectors) = %d, want 1", len(cls.Selectors))
	}
	sel := cls.Selectors[0]
	if sel.Name != "foo" {
		t.Errorf("Selectors[0].Name = %q, want foo", sel.Name)
	}
	if sel.Implementation != 0x100000100 {
		t.Errorf("Selectors[0].Implementation = %#x, want %#x", sel.Implementation, 0x100000100)
	}
	if sel.Selref == nil {
		t.Fatal("Selectors[0].Selref = nil, want the matching selref")
	}

	got := info.ImpAddressesForSelector("foo")
	if len(got) != 1 || got[0] != 0x100000100 {
		t.Errorf("ImpAddressesForSelector(foo) = %v, want [%#x]", got, 0x100000100)
	}
}

func TestParseObjcRuntimeInfoClassrefs(t *testing.T) {
	img := buildObjcFixture(t)

	info, err := img.ParseObjcRuntimeInfo()
	if err != nil {
		t.Fatalf("ParseObjcRuntimeInfo: %v", err)
	}
	if len(info.Classrefs) != 1 {
		t.Fatalf("len(Classrefs) = %d, want 1", len(info.Classrefs))
	}
	ref := info.Classrefs[0]
	if ref.ClassName != "MyClass" {
		t.Errorf("Classrefs[0].ClassName = %q, want MyClass", ref.ClassName)
	}
	if ref.DestinationAddress != 0x100004010 {
		t.Errorf("Classrefs[0].DestinationAddress = %#x, want %#x", ref.DestinationAddress, 0x100004010)
	}

	got := info.ClassrefForClassName("MyClass")
	if got == nil || got != ref {
		t.Errorf("ClassrefForClassName(MyClass) = %v, want %v", got, ref)
	}
	if info.ClassrefForClassName("NoSuchClass") != nil {
		t.Error("ClassrefForClassName(NoSuchClass) = non-nil, want nil")
	}
}

func TestMethodInfoForEntryPoint(t *testing.T) {
	img := buildObjcFixture(t)
	info, err := img.ParseObjcRuntimeInfo()
	if err != nil {
		t.Fatalf("ParseObjcRuntimeInfo: %v", err)
	}

	mi := info.MethodInfoForEntryPoint(0x100000100)
	if mi == nil {
		t.Fatal("MethodInfoForEntryPoint = nil")
	}
	if mi.ObjcClass != "MyClass" || mi.ObjcSel != "foo" {
		t.Errorf("MethodInfoForEntryPoint = %+v, want {MyClass foo ...}", mi)
	}

	if info.MethodInfoForEntryPoint(0xdeadbeef) != nil {
		t.Error("MethodInfoForEntryPoint(unknown address) = non-nil, want nil")
	}

	infos := info.MethodInfosForSelector("foo")
	if len(infos) != 1 || infos[0].ObjcClass != "MyClass" {
		t.Errorf("MethodInfosForSelector(foo) = %+v, want one entry for MyClass", infos)
	}
}

func TestClassNameFromExternalSymbol(t *testing.T) {
	cases := map[string]string{
		"_OBJC_CLASS_$_NSObject":     "NSObject",
		"_OBJC_METACLASS_$_NSObject": "NSObject",
		"_malloc":                    "_malloc",
	}
	for in, want := range cases {
		if got := classNameFromExternalSymbol(in); got != want {
			t.Errorf("classNameFromExternalSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSelectorForSelrefExternalDefinition(t *testing.T) {
	img := buildObjcFixture(t)
	info, err := img.ParseObjcRuntimeInfo()
	if err != nil {
		t.Fatalf("ParseObjcRuntimeInfo: %v", err)
	}

	// The fixture's one selref is implemented, so it should resolve to the
	// class's own selector rather than a synthetic external definition.
	sel := info.SelectorForSelref(0x100004000)
	if sel == nil {
		t.Fatal("SelectorForSelref = nil")
	}
	if sel.IsExternalDefinition {
		t.Errorf("IsExternalDefinition = true, want false (foo is implemented by MyClass)")
	}
}
