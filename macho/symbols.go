package macho

import "github.com/strongarm-go/strongarm/types"

// ImportedSymbol is one symbol this image must resolve from another
// image at load time: an undefined (N_UNDF) nlist entry paired with the
// dylib its library ordinal names.
type ImportedSymbol struct {
	Name           string
	LibraryOrdinal uint8
	SourceDylib    string // "" if the ordinal names no parsed Dylib (e.g. dynamic lookup)
	WeakImport     bool
}

// ImportedSymbols enumerates every undefined symbol in this image's
// symbol table, each resolved against Dylibs by n_desc's library
// ordinal.
func (img *Image) ImportedSymbols() []ImportedSymbol {
	if img.Symtab == nil {
		return nil
	}
	undef := img.Symtab.UndefinedSymbols()
	out := make([]ImportedSymbol, 0, len(undef))
	for _, sym := range undef {
		if sym.Name == "" {
			continue
		}
		out = append(out, ImportedSymbol{
			Name:           sym.Name,
			LibraryOrdinal: sym.LibraryOrdinal(),
			SourceDylib:    img.pathForLibraryOrdinal(sym.LibraryOrdinal()),
		})
	}
	return out
}

// pathForLibraryOrdinal resolves an n_desc library ordinal to the dylib
// path it names. Ordinals 1..N index Dylibs in load-command order;
// the self, dynamic-lookup, and main-executable ordinals have no
// corresponding Dylib entry and resolve to "".
func (img *Image) pathForLibraryOrdinal(ordinal uint8) string {
	if ordinal == 0 || int(ordinal) > len(img.Dylibs) {
		return ""
	}
	return img.Dylibs[ordinal-1].Name
}

// StubEntry is one entry of __stubs: a small trampoline at Address that
// jumps to the lazily bound implementation of an imported symbol, once
// dyld has filled in its __la_symbol_ptr slot named by Destination. Only
// __la_symbol_ptr is consulted; __got slots are not.
type StubEntry struct {
	Address     uint64
	SymbolName  string
	Destination uint64 // __la_symbol_ptr slot address this stub loads through, 0 if unresolved
}

// Stubs correlates __stubs entries with the imported symbol each one
// ultimately resolves to, by position: the n-th __stubs trampoline is
// paired with the n-th 8-byte __la_symbol_ptr slot, and is named by the
// lazy bind record that binds that slot's address. The indirect symbol
// table is not consulted and there is no other matching strategy, so a
// binary whose stubs are not laid out 1:1 with __la_symbol_ptr gets
// wrong or empty names.
func (img *Image) Stubs() ([]StubEntry, error) {
	stubsSec := img.SectionByName("__TEXT", "__stubs")
	if stubsSec == nil {
		return nil, nil
	}

	lazyBinds, err := img.LazyBinds()
	if err != nil {
		return nil, err
	}
	symbolForPtrAddr := make(map[uint64]string, len(lazyBinds))
	for _, b := range lazyBinds {
		symbolForPtrAddr[b.Address] = b.SymbolName
	}

	laSymbolPtr := img.SectionByName("__DATA", "__la_symbol_ptr")
	if laSymbolPtr == nil {
		laSymbolPtr = img.SectionByName("__DATA_CONST", "__la_symbol_ptr")
	}

	var stubs []StubEntry
	stubSize := stubStrideBytes(stubsSec.Size, laSymbolPtr)
	if stubSize == 0 {
		return nil, nil
	}
	count := stubsSec.Size / stubSize
	for i := uint64(0); i < count; i++ {
		stubAddr := stubsSec.Addr + i*stubSize
		name := ""
		var dest uint64
		if laSymbolPtr != nil {
			ptrAddr := laSymbolPtr.Addr + i*8
			name = symbolForPtrAddr[ptrAddr]
			dest = ptrAddr
		}
		stubs = append(stubs, StubEntry{Address: stubAddr, SymbolName: name, Destination: dest})
	}
	return stubs, nil
}

// DyldBoundSymbols returns, for every pointer slot dyld must fill in
// before or during this image's first use, the imported symbol name that
// binds there: the union of classic binds (resolved at load time, e.g.
// ObjC class references and constant CF string class pointers) and lazy
// binds (resolved on first call through a __stubs trampoline, e.g. libSystem
// C functions and the objc_msgSend family), keyed by the bound slot's
// address.
func (img *Image) DyldBoundSymbols() (map[uint64]string, error) {
	out := make(map[uint64]string)

	binds, err := img.Binds()
	if err != nil {
		return nil, err
	}
	for _, b := range binds {
		if b.SymbolName == "" {
			continue
		}
		out[b.Address] = b.SymbolName
	}

	lazyBinds, err := img.LazyBinds()
	if err != nil {
		return nil, err
	}
	for _, b := range lazyBinds {
		if b.SymbolName == "" {
			continue
		}
		out[b.Address] = b.SymbolName
	}

	return out, nil
}

// ImpStubsToSymbolNames maps every __stubs trampoline's own address to the
// imported symbol name it ultimately resolves to, distinct from
// DyldBoundSymbols (which is keyed by the __la_symbol_ptr slot a stub
// loads through, not the stub's own entry address).
func (img *Image) ImpStubsToSymbolNames() (map[uint64]string, error) {
	stubs, err := img.Stubs()
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]string, len(stubs))
	for _, s := range stubs {
		if s.SymbolName == "" {
			continue
		}
		out[s.Address] = s.SymbolName
	}
	return out, nil
}

// stubStrideBytes estimates the byte length of one __stubs trampoline.
// When __la_symbol_ptr is present and evenly divides __stubs, its
// entry count is authoritative; ARM64's stub trampoline is otherwise
// always 12 bytes (ADRP+LDR+BR), the shape this module's disassembler
// recognizes in disasm.ARM64.
func stubStrideBytes(stubsSize uint64, laSymbolPtr *Section) uint64 {
	const arm64StubSize = 12
	if laSymbolPtr != nil && laSymbolPtr.Size > 0 {
		entryCount := laSymbolPtr.Size / 8
		if entryCount > 0 && stubsSize%entryCount == 0 {
			return stubsSize / entryCount
		}
	}
	if stubsSize%arm64StubSize == 0 {
		return arm64StubSize
	}
	return 0
}

// CallableSymbol is one address this image can branch or call to,
// together with the name known for it, unifying every source this
// module can name an address from: defined (N_SECT) symbols, ObjC method
// implementations, and resolved import stubs.
type CallableSymbol struct {
	Address uint64
	Name    string
	Kind    CallableSymbolKind
}

// CallableSymbolKind identifies which part of the image named a
// CallableSymbol's address.
type CallableSymbolKind int

const (
	CallableSymbolUnknown CallableSymbolKind = iota
	CallableSymbolDefined
	CallableSymbolImportStub
	CallableSymbolObjcMethod
)

// CallableSymbolIndex is a unified, address-keyed lookup over every
// named address source this module recognizes in one image: N_SECT
// defined symbols, import stubs, and (when parsed) ObjC method
// implementations.
type CallableSymbolIndex struct {
	byAddress map[uint64]CallableSymbol
}

// BuildCallableSymbolIndex indexes img's defined symbols and import
// stubs by address. Call IncludeObjcMethods afterward to fold in
// method implementation addresses once the ObjC runtime has been
// parsed.
func (img *Image) BuildCallableSymbolIndex() (*CallableSymbolIndex, error) {
	idx := &CallableSymbolIndex{byAddress: make(map[uint64]CallableSymbol)}

	if img.Symtab != nil {
		for _, sym := range img.Symtab.Syms {
			if sym.Type.Type() != types.NSect || sym.Name == "" {
				continue
			}
			idx.byAddress[sym.Value] = CallableSymbol{Address: sym.Value, Name: sym.Name, Kind: CallableSymbolDefined}
		}
	}

	stubs, err := img.Stubs()
	if err != nil {
		return nil, err
	}
	for _, s := range stubs {
		if s.SymbolName == "" {
			continue
		}
		idx.byAddress[s.Address] = CallableSymbol{Address: s.Address, Name: s.SymbolName, Kind: CallableSymbolImportStub}
	}

	return idx, nil
}

// IncludeObjcMethods folds every implemented selector's address into
// the index, named "-[ClassName selectorName]" ("+[...]" for a metaclass),
// matching the conventional rendering of an ObjC method symbol.
func (idx *CallableSymbolIndex) IncludeObjcMethods(info *ObjcRuntimeInfo) {
	if info == nil {
		return
	}
	for _, cls := range info.Classes {
		for _, sel := range cls.Selectors {
			if sel.IsExternalDefinition || sel.Implementation == 0 {
				continue
			}
			prefix := "-"
			if cls.IsMetaClass {
				prefix = "+"
			}
			idx.byAddress[sel.Implementation] = CallableSymbol{
				Address: sel.Implementation,
				Name:    prefix + "[" + cls.Name + " " + sel.Name + "]",
				Kind:    CallableSymbolObjcMethod,
			}
		}
	}
}

// Lookup returns the CallableSymbol known at addr, if any.
func (idx *CallableSymbolIndex) Lookup(addr uint64) (CallableSymbol, bool) {
	sym, ok := idx.byAddress[addr]
	return sym, ok
}

// SymbolNameForBranchDestination resolves the name this index knows for a
// branch's statically-known destination address, returning
// *UnknownBranchTargetError when addr names nothing this index has
// indexed.
func (idx *CallableSymbolIndex) SymbolNameForBranchDestination(addr uint64) (string, error) {
	sym, ok := idx.Lookup(addr)
	if !ok {
		return "", &UnknownBranchTargetError{Address: addr}
	}
	return sym.Name, nil
}

