package macho

import (
	"sort"

	"github.com/strongarm-go/strongarm/types"
)

// Function is one recovered function boundary: an entry address and the
// byte range its instructions occupy, attributed from the gap between
// this entry and the next one in address order (no tail-call or
// epilogue detection — the boundary engine treats the image as a flat,
// non-overlapping partition of its executable sections).
type Function struct {
	Address uint64
	Size    uint64
	Name    string
}

// End returns the address one past this function's last byte.
func (f Function) End() uint64 {
	return f.Address + f.Size
}

// FunctionBoundaries recovers every function in img's executable
// sections by unioning every address this module can name a function
// entry from — N_SECT symbols whose section is executable, ObjC method
// implementations, import stub trampolines, and the LC_MAIN entry point
// — sorting them, and attributing each gap to the entry point that
// starts it.
func (img *Image) FunctionBoundaries(objcInfo *ObjcRuntimeInfo) ([]Function, error) {
	entries := make(map[uint64]string)

	textSec := img.SectionByName("__TEXT", "__text")

	if img.Symtab != nil {
		for _, sym := range img.Symtab.Syms {
			if sym.Name == "" || sym.Value == 0 || sym.Type.Type() != types.NSect {
				continue
			}
			if !symbolIsDefinedInExecutableSection(sym, img) {
				continue
			}
			entries[sym.Value] = sym.Name
		}
	}

	if objcInfo != nil {
		for _, cls := range objcInfo.Classes {
			for _, sel := range cls.Selectors {
				if sel.IsExternalDefinition || sel.Implementation == 0 {
					continue
				}
				prefix := "-"
				if cls.IsMetaClass {
					prefix = "+"
				}
				if _, exists := entries[sel.Implementation]; !exists {
					entries[sel.Implementation] = prefix + "[" + cls.Name + " " + sel.Name + "]"
				}
			}
		}
	}

	stubs, err := img.Stubs()
	if err != nil {
		return nil, err
	}
	for _, s := range stubs {
		if _, exists := entries[s.Address]; !exists {
			name := s.SymbolName
			if name == "" {
				name = "stub"
			}
			entries[s.Address] = name + "@stub"
		}
	}

	if addr, ok := img.EntryPointAddress(); ok {
		if _, exists := entries[addr]; !exists {
			entries[addr] = "start"
		}
	}

	addrs := make([]uint64, 0, len(entries))
	for a := range entries {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var funcs []Function
	for i, addr := range addrs {
		var size uint64
		if i+1 < len(addrs) {
			size = addrs[i+1] - addr
		} else if textSec != nil && addr >= textSec.Addr && addr < textSec.Addr+textSec.Size {
			size = textSec.Addr + textSec.Size - addr
		}
		funcs = append(funcs, Function{Address: addr, Size: size, Name: entries[addr]})
	}
	return funcs, nil
}

// symbolIsDefinedInExecutableSection reports whether sym's value falls
// within __TEXT,__text, the only section this module treats as holding
// executable code.
func symbolIsDefinedInExecutableSection(sym Symbol, img *Image) bool {
	textSec := img.SectionByName("__TEXT", "__text")
	if textSec == nil {
		return false
	}
	return sym.Value >= textSec.Addr && sym.Value < textSec.Addr+textSec.Size
}

// FunctionContaining returns the Function in funcs (sorted ascending by
// Address, as FunctionBoundaries returns them) whose range contains
// addr.
func FunctionContaining(funcs []Function, addr uint64) (Function, bool) {
	i := sort.Search(len(funcs), func(i int) bool { return funcs[i].Address > addr })
	if i == 0 {
		return Function{}, false
	}
	f := funcs[i-1]
	if addr >= f.Address && addr < f.End() {
		return f, true
	}
	return Function{}, false
}
