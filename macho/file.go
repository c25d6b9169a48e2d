// Package macho parses ARM64 Mach-O images (including universal/fat
// containers), reconstructs their Objective-C runtime metadata, and
// performs register-level dataflow analysis over per-function ARM64
// instruction streams decoded through the disasm package.
package macho

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/strongarm-go/strongarm/pkg/trie"
	"github.com/strongarm-go/strongarm/types"
)

// Segment is a parsed LC_SEGMENT_64 load command together with the
// section headers that belong to it.
type Segment struct {
	Name     string
	Addr     uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Maxprot  types.VmProtection
	Prot     types.VmProtection
	Flag     types.SegFlag
	Sections []*Section
}

// Section is a parsed 64-bit Mach-O section header.
type Section struct {
	Name   string
	Seg    string
	Addr   uint64
	Size   uint64
	Offset uint32
	Flags  types.SectionFlag
}

// Dylib is one LC_LOAD_DYLIB-family command: a library this image
// imports symbols from. Ordinal is this entry's 1-based position among
// all such commands, matching the library-ordinal encoding n_desc uses
// for undefined symbols.
type Dylib struct {
	Name    string
	Ordinal uint8
	Cmd     types.LoadCmd // which of LC_LOAD_DYLIB/LC_LOAD_WEAK_DYLIB/LC_REEXPORT_DYLIB/LC_LAZY_LOAD_DYLIB/LC_LOAD_UPWARD_DYLIB this was
}

// Symtab holds the image's resolved nlist entries paired with their
// string-table names, plus the LC_DYSYMTAB partitioning of that array
// into local, externally defined, and undefined (imported) ranges.
type Symtab struct {
	Syms []Symbol

	// Dysymtab is nil when the image carries no LC_DYSYMTAB, which is
	// unusual for a dynamically linked image but valid for, e.g., a
	// statically linked kernel image.
	Dysymtab *Dysymtab
}

// Dysymtab is the subset of LC_DYSYMTAB this module consumes: the
// index ranges within Symtab.Syms that the symbol resolver (C6) walks
// to enumerate imported symbols without scanning every nlist entry.
type Dysymtab struct {
	Ilocalsym, Nlocalsym   uint32
	Iextdefsym, Nextdefsym uint32
	Iundefsym, Nundefsym   uint32
}

// UndefinedSymbols returns the slice of Syms spanning the undefined
// (imported) symbol range LC_DYSYMTAB describes.
func (s *Symtab) UndefinedSymbols() []Symbol {
	if s == nil || s.Dysymtab == nil {
		return nil
	}
	d := s.Dysymtab
	if int(d.Iundefsym+d.Nundefsym) > len(s.Syms) {
		return nil
	}
	return s.Syms[d.Iundefsym : d.Iundefsym+d.Nundefsym]
}

// Symbol is one resolved nlist entry.
type Symbol struct {
	Name    string
	Type    types.NType
	Sect    uint8
	Desc    uint16
	Value   uint64
}

// IsImported reports whether this symbol is undefined in this image
// (N_UNDF), i.e. it must be resolved from an imported dylib at load
// time.
func (s Symbol) IsImported() bool {
	return s.Type.Type() == types.NUndf && s.Value == 0
}

// LibraryOrdinal returns the imported-library ordinal packed into this
// symbol's n_desc, meaningful only when IsImported is true.
func (s Symbol) LibraryOrdinal() uint8 {
	return types.LibraryOrdinal(s.Desc)
}

// dyldInfo is the subset of LC_DYLD_INFO[_ONLY] this module consumes:
// the file ranges of each of dyld's five info streams.
type dyldInfo struct {
	RebaseOff, RebaseSize     uint32
	BindOff, BindSize         uint32
	WeakBindOff, WeakBindSize uint32
	LazyBindOff, LazyBindSize uint32
	ExportOff, ExportSize     uint32
}

// Image is a single parsed 64-bit Mach-O slice: one architecture's
// worth of segments, sections, symbol tables, and dyld metadata. It is
// the unit every other component in this module (ObjC parser, symbol
// resolver, function boundary engine, analyzer) operates on.
type Image struct {
	types.FileHeader

	raw []byte

	Segments []*Segment
	Dylibs   []*Dylib
	Symtab   *Symtab

	// EntryPointOffset is the __TEXT-relative file offset of main(), from
	// LC_MAIN. Zero if the image has no LC_MAIN (e.g. a dylib).
	EntryPointOffset uint64
	HasEntryPoint    bool

	dyld     *dyldInfo
	dysymtab *Dysymtab

	// ExportEntries is populated from the dyld export trie, kept as
	// ambient dyld-info data alongside the rebase/bind streams; it is not
	// joined into any ObjC or function-analysis query.
	ExportEntries []trie.TrieEntry
}

// NewImage parses a single (non-fat) Mach-O image from r.
func NewImage(r io.ReaderAt) (*Image, error) {
	sr := io.NewSectionReader(r, 0, 1<<63-1)

	var magicBuf [4]byte
	if _, err := r.ReadAt(magicBuf[:], 0); err != nil {
		return nil, err
	}
	magic := types.Magic(binary.LittleEndian.Uint32(magicBuf[:]))
	if magic != types.Magic64 {
		return nil, &FormatError{0, "unsupported or non-64-bit magic (only MH_MAGIC_64 images are parsed)", magic}
	}

	img := &Image{}
	if err := binary.Read(sr, binary.LittleEndian, &img.FileHeader); err != nil {
		return nil, err
	}

	raw := make([]byte, sizeOfFile(r))
	if _, err := r.ReadAt(raw, 0); err != nil && err != io.EOF {
		return nil, err
	}
	img.raw = raw

	if err := img.parseLoadCommands(); err != nil {
		return nil, err
	}
	if err := img.parseDyldInfo(); err != nil {
		return nil, err
	}
	return img, nil
}

// sizeOfFile reports the total byte length reachable through r. Used
// only to size the in-memory buffer NewImage copies the image into;
// Mach-O images this module targets (App Store-scale binaries, not
// multi-gigabyte dyld shared caches) are small enough to buffer whole.
func sizeOfFile(r io.ReaderAt) int64 {
	if s, ok := r.(io.Seeker); ok {
		n, err := s.Seek(0, io.SeekEnd)
		if err == nil {
			s.Seek(0, io.SeekStart)
			return n
		}
	}
	// Fall back to probing: grow until ReadAt reports io.EOF.
	const probe = 1 << 20
	buf := make([]byte, probe)
	var total int64
	for {
		n, err := r.ReadAt(buf, total)
		total += int64(n)
		if err != nil {
			break
		}
	}
	return total
}

const (
	fileHeaderSize64 = 32
)

func (img *Image) parseLoadCommands() error {
	r := bytes.NewReader(img.raw[fileHeaderSize64:])
	commandAreaEnd := int64(fileHeaderSize64) + int64(img.SizeCommands)

	for i := uint32(0); i < img.NCommands; i++ {
		pos, _ := r.Seek(0, io.SeekCurrent)
		absOff := int64(fileHeaderSize64) + pos
		if absOff >= commandAreaEnd {
			return &FormatError{absOff, "load command runs past the command area", nil}
		}

		var cmd, cmdsize uint32
		cmdBuf := img.raw[absOff : absOff+8]
		cmd = binary.LittleEndian.Uint32(cmdBuf[0:4])
		cmdsize = binary.LittleEndian.Uint32(cmdBuf[4:8])
		if cmdsize < 8 || absOff+int64(cmdsize) > int64(len(img.raw)) {
			return &FormatError{absOff, "invalid load command size", cmdsize}
		}
		body := img.raw[absOff : absOff+int64(cmdsize)]

		switch types.LoadCmd(cmd) {
		case types.LC_SEGMENT_64:
			seg, err := parseSegment64(body)
			if err != nil {
				return err
			}
			img.Segments = append(img.Segments, seg)

		case types.LC_SYMTAB:
			var sc types.SymtabCmd
			if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &sc); err != nil {
				return err
			}
			syms, err := img.parseSymtab(sc)
			if err != nil {
				return err
			}
			img.Symtab = &Symtab{Syms: syms}

		case types.LC_DYSYMTAB:
			var dc types.DysymtabCmd
			if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &dc); err != nil {
				return err
			}
			img.dysymtab = &Dysymtab{
				Ilocalsym: dc.Ilocalsym, Nlocalsym: dc.Nlocalsym,
				Iextdefsym: dc.Iextdefsym, Nextdefsym: dc.Nextdefsym,
				Iundefsym: dc.Iundefsym, Nundefsym: dc.Nundefsym,
			}

		case types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB, types.LC_REEXPORT_DYLIB, types.LC_LAZY_LOAD_DYLIB, types.LC_LOAD_UPWARD_DYLIB:
			name := cString(body[binary.LittleEndian.Uint32(body[8:12]):])
			img.Dylibs = append(img.Dylibs, &Dylib{
				Name:    name,
				Ordinal: uint8(len(img.Dylibs) + 1),
				Cmd:     types.LoadCmd(cmd),
			})

		case types.LC_MAIN:
			var ep types.EntryPointCmd
			if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &ep); err != nil {
				return err
			}
			img.EntryPointOffset = ep.Offset
			img.HasEntryPoint = true

		case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
			var dc types.DyldInfoCmd
			if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &dc); err != nil {
				return err
			}
			img.dyld = &dyldInfo{
				RebaseOff: dc.RebaseOff, RebaseSize: dc.RebaseSize,
				BindOff: dc.BindOff, BindSize: dc.BindSize,
				WeakBindOff: dc.WeakBindOff, WeakBindSize: dc.WeakBindSize,
				LazyBindOff: dc.LazyBindOff, LazyBindSize: dc.LazyBindSize,
				ExportOff: dc.ExportOff, ExportSize: dc.ExportSize,
			}
		}

		if _, err := r.Seek(int64(cmdsize), io.SeekCurrent); err != nil {
			return err
		}
	}

	sort.Slice(img.Segments, func(i, j int) bool { return img.Segments[i].Addr < img.Segments[j].Addr })
	if img.Symtab != nil && img.dysymtab != nil {
		img.Symtab.Dysymtab = img.dysymtab
	}
	return nil
}

func parseSegment64(body []byte) (*Segment, error) {
	var sh types.Segment64
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &sh); err != nil {
		return nil, err
	}
	seg := &Segment{
		Name:    cString(sh.Name[:]),
		Addr:    sh.Addr,
		Memsz:   sh.Memsz,
		Offset:  sh.Offset,
		Filesz:  sh.Filesz,
		Maxprot: sh.Maxprot,
		Prot:    sh.Prot,
		Flag:    sh.Flag,
	}

	const segment64Size = 72 // sizeof(types.Segment64)
	secBody := body[segment64Size:]
	const section64Size = 80
	for s := uint32(0); s < sh.Nsect; s++ {
		start := int(s) * section64Size
		if start+section64Size > len(secBody) {
			return nil, &FormatError{0, "section header runs past end of segment command", nil}
		}
		var rs types.Section64
		if err := binary.Read(bytes.NewReader(secBody[start:start+section64Size]), binary.LittleEndian, &rs); err != nil {
			return nil, err
		}
		seg.Sections = append(seg.Sections, &Section{
			Name:   cString(rs.Name[:]),
			Seg:    cString(rs.Seg[:]),
			Addr:   rs.Addr,
			Size:   rs.Size,
			Offset: rs.Offset,
			Flags:  rs.Flags,
		})
	}
	return seg, nil
}

func (img *Image) parseSymtab(sc types.SymtabCmd) ([]Symbol, error) {
	const nlistSize = 16 // sizeof(types.Nlist64)
	syms := make([]Symbol, 0, sc.Nsyms)
	strtab := img.raw[sc.Stroff : sc.Stroff+sc.Strsize]
	for i := uint32(0); i < sc.Nsyms; i++ {
		off := sc.Symoff + i*nlistSize
		var n types.Nlist64
		if err := binary.Read(bytes.NewReader(img.raw[off:off+nlistSize]), binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		name := ""
		if n.Name != 0 && int(n.Name) < len(strtab) {
			name = cString(strtab[n.Name:])
		}
		syms = append(syms, Symbol{
			Name:  name,
			Type:  n.Type,
			Sect:  n.Sect,
			Desc:  n.Desc,
			Value: n.Value,
		})
	}
	return syms, nil
}

func (img *Image) parseDyldInfo() error {
	if img.dyld == nil || img.dyld.ExportSize == 0 {
		return nil
	}
	data := img.raw[img.dyld.ExportOff : img.dyld.ExportOff+img.dyld.ExportSize]
	entries, err := trie.ParseTrie(data, img.preferredLoadAddress())
	if err != nil {
		return err
	}
	img.ExportEntries = entries
	return nil
}

// preferredLoadAddress is the image's virtual base: the address the
// __TEXT segment is mapped at, or the first (lowest) segment's address
// when there is no __TEXT segment. It is the base for addresses the
// export trie encodes relative to slide 0.
func (img *Image) preferredLoadAddress() uint64 {
	if text := img.SegmentByName("__TEXT"); text != nil {
		return text.Addr
	}
	if len(img.Segments) == 0 {
		return 0
	}
	return img.Segments[0].Addr
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// OffsetForVMAddr translates a virtual address to a file offset via the
// segment that maps it. This is the only valid way to convert between
// the two address spaces: there is no single constant slide, since each
// segment may have a different Offset-to-Addr relationship in a
// pre-linked (shared cache adjacent) image.
func (img *Image) OffsetForVMAddr(addr uint64) (uint64, error) {
	for _, seg := range img.Segments {
		if addr >= seg.Addr && addr < seg.Addr+seg.Memsz {
			delta := addr - seg.Addr
			if delta >= seg.Filesz {
				// Falls in the zero-filled tail of the segment (e.g. __BSS);
				// there is no file content to read.
				return 0, &UnmappedAddressError{Address: addr}
			}
			return seg.Offset + delta, nil
		}
	}
	return 0, &UnmappedAddressError{Address: addr}
}

// SegmentForVMAddr returns the segment mapping addr, if any.
func (img *Image) SegmentForVMAddr(addr uint64) *Segment {
	for _, seg := range img.Segments {
		if addr >= seg.Addr && addr < seg.Addr+seg.Memsz {
			return seg
		}
	}
	return nil
}

// SegmentByName looks up a segment by its __NAME, e.g. "__TEXT".
func (img *Image) SegmentByName(name string) *Segment {
	for _, seg := range img.Segments {
		if seg.Name == name {
			return seg
		}
	}
	return nil
}

// SectionByName looks up a section by its owning segment name and its
// own name, e.g. ("__TEXT", "__text").
func (img *Image) SectionByName(segName, sectName string) *Section {
	seg := img.SegmentByName(segName)
	if seg == nil {
		return nil
	}
	for _, sec := range seg.Sections {
		if sec.Name == sectName {
			return sec
		}
	}
	return nil
}

// ReadAtAddr returns n bytes of file content starting at the virtual
// address addr.
func (img *Image) ReadAtAddr(addr uint64, n int) ([]byte, error) {
	off, err := img.OffsetForVMAddr(addr)
	if err != nil {
		return nil, err
	}
	if off+uint64(n) > uint64(len(img.raw)) {
		return nil, io.ErrUnexpectedEOF
	}
	return img.raw[off : off+uint64(n)], nil
}

// ReadPointerAtAddr reads a 64-bit little-endian pointer value stored at
// the virtual address addr.
func (img *Image) ReadPointerAtAddr(addr uint64) (uint64, error) {
	b, err := img.ReadAtAddr(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadCStringAtAddr reads a NUL-terminated string starting at the
// virtual address addr.
func (img *Image) ReadCStringAtAddr(addr uint64) (string, error) {
	off, err := img.OffsetForVMAddr(addr)
	if err != nil {
		return "", err
	}
	end := off
	for end < uint64(len(img.raw)) && img.raw[end] != 0 {
		end++
	}
	return string(img.raw[off:end]), nil
}

// IsARM64 reports whether this image's architecture is supported for
// analysis (C5 onward). Non-ARM64 64-bit images still parse their
// header and load commands but cannot be analyzed further; 32-bit
// images are rejected by NewImage.
func (img *Image) IsARM64() bool {
	return img.CPU == types.CPUArm64
}

// EntryPointAddress returns the virtual address of LC_MAIN's entry
// point, if present.
func (img *Image) EntryPointAddress() (uint64, bool) {
	if !img.HasEntryPoint {
		return 0, false
	}
	text := img.SegmentByName("__TEXT")
	if text == nil {
		return 0, false
	}
	return text.Addr + img.EntryPointOffset, true
}
