package macho

import (
	"sync"

	"github.com/strongarm-go/strongarm/disasm"
)

// Analyzer is the entry point for every higher-level query over one
// Image: its Objective-C runtime metadata, its unified callable-symbol
// index, its recovered function boundaries, and per-function analyzers
// built on demand from those.
type Analyzer struct {
	Image *Image

	decoder disasm.Decoder

	once      sync.Once
	setupErr  error
	objc      *ObjcRuntimeInfo
	index     *CallableSymbolIndex
	functions []Function

	faMu    sync.Mutex
	faCache map[uint64]*FunctionAnalyzer
}

var (
	registryMu sync.Mutex
	registry   = map[*Image]*Analyzer{}
)

// AnalyzerForImage returns the memoized Analyzer for img, constructing
// one on first use. Repeated calls for the same Image (by pointer
// identity) return the same Analyzer, so ObjC parsing, symbol indexing,
// and function boundary recovery each happen at most once per image.
func AnalyzerForImage(img *Image) *Analyzer {
	registryMu.Lock()
	defer registryMu.Unlock()
	if a, ok := registry[img]; ok {
		return a
	}
	a := &Analyzer{Image: img, decoder: disasm.NewARM64Decoder(), faCache: make(map[uint64]*FunctionAnalyzer)}
	registry[img] = a
	return a
}

// setup lazily parses the ObjC runtime, builds the callable-symbol
// index, and recovers function boundaries, exactly once.
func (a *Analyzer) setup() error {
	a.once.Do(func() {
		if !a.Image.IsARM64() {
			a.setupErr = &UnsupportedArchError{CPU: a.Image.CPU}
			return
		}
		objcInfo, err := a.Image.ParseObjcRuntimeInfo()
		if err != nil {
			a.setupErr = err
			return
		}
		a.objc = objcInfo

		idx, err := a.Image.BuildCallableSymbolIndex()
		if err != nil {
			a.setupErr = err
			return
		}
		idx.IncludeObjcMethods(objcInfo)
		a.index = idx

		funcs, err := a.Image.FunctionBoundaries(objcInfo)
		if err != nil {
			a.setupErr = err
			return
		}
		a.functions = funcs
	})
	return a.setupErr
}

// ObjcRuntime returns the image's parsed Objective-C runtime metadata.
func (a *Analyzer) ObjcRuntime() (*ObjcRuntimeInfo, error) {
	if err := a.setup(); err != nil {
		return nil, err
	}
	return a.objc, nil
}

// CallableSymbols returns the image's unified callable-symbol index.
func (a *Analyzer) CallableSymbols() (*CallableSymbolIndex, error) {
	if err := a.setup(); err != nil {
		return nil, err
	}
	return a.index, nil
}

// Functions returns every recovered function boundary, sorted ascending
// by address.
func (a *Analyzer) Functions() ([]Function, error) {
	if err := a.setup(); err != nil {
		return nil, err
	}
	return a.functions, nil
}

// FunctionAnalyzerAt returns a memoized FunctionAnalyzer for the
// function containing addr, or false if addr falls in no recovered
// function.
func (a *Analyzer) FunctionAnalyzerAt(addr uint64) (*FunctionAnalyzer, bool, error) {
	if err := a.setup(); err != nil {
		return nil, false, err
	}
	fn, ok := FunctionContaining(a.functions, addr)
	if !ok {
		return nil, false, nil
	}
	return a.functionAnalyzerFor(fn), true, nil
}

// AllFunctionAnalyzers returns a memoized FunctionAnalyzer for every
// recovered function, in address order. Instruction decoding within each
// analyzer remains lazy — building this slice does not itself decode
// anything.
func (a *Analyzer) AllFunctionAnalyzers() ([]*FunctionAnalyzer, error) {
	if err := a.setup(); err != nil {
		return nil, err
	}
	fas := make([]*FunctionAnalyzer, len(a.functions))
	for i, fn := range a.functions {
		fas[i] = a.functionAnalyzerFor(fn)
	}
	return fas, nil
}

func (a *Analyzer) functionAnalyzerFor(fn Function) *FunctionAnalyzer {
	a.faMu.Lock()
	defer a.faMu.Unlock()
	if fa, ok := a.faCache[fn.Address]; ok {
		return fa
	}
	fa := NewFunctionAnalyzer(a.Image, fn, a.decoder, a.index)
	a.faCache[fn.Address] = fa
	return fa
}

// Search runs term over every function analyzer in this image.
func (a *Analyzer) Search(term SearchTerm) ([]SearchMatch, error) {
	fas, err := a.AllFunctionAnalyzers()
	if err != nil {
		return nil, err
	}
	return CodeSearch(fas, term)
}

// Xref is one resolved call site naming addr as its destination, found by
// CallsTo scanning every function in the image.
type Xref struct {
	CallerFuncStart    uint64
	CallerAddress      uint64
	DestinationAddress uint64
}

// CallsTo returns every resolved call site across the whole image whose
// destination is addr, the cross-function counterpart to a single
// FunctionAnalyzer's own CallSites.
func (a *Analyzer) CallsTo(addr uint64) ([]Xref, error) {
	fas, err := a.AllFunctionAnalyzers()
	if err != nil {
		return nil, err
	}
	var xrefs []Xref
	for _, fa := range fas {
		sites, err := fa.CallSites()
		if err != nil {
			return nil, err
		}
		for _, site := range sites {
			if site.Resolved && site.Target == addr {
				xrefs = append(xrefs, Xref{
					CallerFuncStart:    fa.Function.Address,
					CallerAddress:      site.CallerAddress,
					DestinationAddress: site.Target,
				})
			}
		}
	}
	return xrefs, nil
}

// ObjcCallsTo scans every function in the image for objc_msgSend-family
// call sites whose recovered classref/selref pointer matches one of
// classrefs/selrefs. When requiresBoth is true, a call site must satisfy
// both lists (a list left empty is vacuously satisfied, letting a caller
// search by selref alone, say); when false, a call site matching either
// non-empty list is included. Passing two empty lists matches nothing.
func (a *Analyzer) ObjcCallsTo(classrefs []uint64, selrefs []uint64, requiresBoth bool) ([]*ObjcMsgSendXref, error) {
	if len(classrefs) == 0 && len(selrefs) == 0 {
		return nil, nil
	}

	classSet := make(map[uint64]bool, len(classrefs))
	for _, c := range classrefs {
		classSet[c] = true
	}
	selSet := make(map[uint64]bool, len(selrefs))
	for _, s := range selrefs {
		selSet[s] = true
	}

	fas, err := a.AllFunctionAnalyzers()
	if err != nil {
		return nil, err
	}

	var out []*ObjcMsgSendXref
	for _, fa := range fas {
		sites, err := fa.CallSites()
		if err != nil {
			return nil, err
		}
		for _, site := range sites {
			if !site.IsMsgSendCall {
				continue
			}

			classSatisfied := len(classSet) == 0 || classSet[site.ClassrefPointer]
			selSatisfied := len(selSet) == 0 || selSet[site.SelrefPointer]

			var match bool
			if requiresBoth {
				match = classSatisfied && selSatisfied
			} else {
				match = (len(classSet) > 0 && classSet[site.ClassrefPointer]) ||
					(len(selSet) > 0 && selSet[site.SelrefPointer])
			}
			if !match {
				continue
			}

			out = append(out, &ObjcMsgSendXref{
				CallerFuncStart:    fa.Function.Address,
				CallSiteAddress:    site.CallerAddress,
				DestinationAddress: site.Target,
				ClassrefOrZero:     site.ClassrefPointer,
				SelrefOrZero:       site.SelrefPointer,
			})
		}
	}
	return out, nil
}

// ImpsForSelector returns the implementation address of every method
// named selector across every class in the image.
func (a *Analyzer) ImpsForSelector(selector string) ([]uint64, error) {
	info, err := a.ObjcRuntime()
	if err != nil {
		return nil, err
	}
	return info.ImpAddressesForSelector(selector), nil
}

// ImpForSelref resolves the implementation a selref ultimately dispatches
// to: the selector it names, and that selector's Implementation in this
// image, or 0 if the selector is externally defined (no local
// implementation to resolve to).
func (a *Analyzer) ImpForSelref(selrefAddr uint64) (uint64, error) {
	info, err := a.ObjcRuntime()
	if err != nil {
		return 0, err
	}
	sel := info.SelectorForSelref(selrefAddr)
	if sel == nil || sel.IsExternalDefinition {
		return 0, nil
	}
	return sel.Implementation, nil
}

// ClassrefForClassName returns the classref naming className, if
// __objc_classrefs contains one.
func (a *Analyzer) ClassrefForClassName(className string) (*ObjcClassref, error) {
	info, err := a.ObjcRuntime()
	if err != nil {
		return nil, err
	}
	return info.ClassrefForClassName(className), nil
}

// MethodInfoForEntryPoint returns the MethodInfo describing the method
// implemented at entryPoint, if any class in this image implements one
// there.
func (a *Analyzer) MethodInfoForEntryPoint(entryPoint uint64) (*MethodInfo, error) {
	info, err := a.ObjcRuntime()
	if err != nil {
		return nil, err
	}
	return info.MethodInfoForEntryPoint(entryPoint), nil
}

// SymbolNameForBranchDestination resolves the name known for a branch's
// statically-known destination address across the whole image.
func (a *Analyzer) SymbolNameForBranchDestination(addr uint64) (string, error) {
	idx, err := a.CallableSymbols()
	if err != nil {
		return "", err
	}
	return idx.SymbolNameForBranchDestination(addr)
}
