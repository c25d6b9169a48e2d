package macho

import (
	"encoding/binary"
	"io"

	"github.com/strongarm-go/strongarm/types"
)

// fatHeader is the on-disk layout of a universal binary's header: a
// magic number (always big-endian on disk, regardless of the slices it
// contains) followed by the count of fatArch entries.
type fatHeader struct {
	Magic uint32
	NArch uint32
}

// fatArch is one slice descriptor within a fat header.
type fatArch struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Offset uint32
	Size   uint32
	Align  uint32
}

// FatArch describes one architecture slice of a universal Mach-O, plus
// the Image parsed from it.
type FatArch struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Offset int64
	Size   int64
	Image  *Image
}

// FatContainer is a parsed universal ("fat") Mach-O binary: a thin
// header listing byte ranges, each of which is an independent Mach-O
// image for one architecture.
type FatContainer struct {
	Arches []FatArch
}

// IsFatMagic reports whether magic is the fat-binary magic number, in
// either byte order.
func IsFatMagic(magic uint32) bool {
	return magic == uint32(types.MagicFat) || magic == swap32(uint32(types.MagicFat))
}

func swap32(v uint32) uint32 {
	return (v>>24)&0xff | (v>>8)&0xff00 | (v<<8)&0xff0000 | (v<<24)&0xff000000
}

// NewFatContainer parses a universal Mach-O from r. Each slice is parsed
// with NewImage whatever its CPU type; a slice NewImage rejects (a 32-bit
// slice, for instance) still appears in Arches with a nil Image left for
// the caller to detect via the zero value, rather than aborting the
// whole container.
func NewFatContainer(r io.ReaderAt) (*FatContainer, error) {
	var magicBuf [4]byte
	if _, err := r.ReadAt(magicBuf[:], 0); err != nil {
		return nil, err
	}
	magic := binary.BigEndian.Uint32(magicBuf[:])
	if !IsFatMagic(magic) {
		return nil, &FormatError{0, "not a fat Mach-O magic", magic}
	}

	sr := io.NewSectionReader(r, 0, 1<<63-1)
	var hdr fatHeader
	if err := binary.Read(sr, binary.BigEndian, &hdr); err != nil {
		return nil, err
	}

	fc := &FatContainer{}
	for i := uint32(0); i < hdr.NArch; i++ {
		var a fatArch
		if err := binary.Read(sr, binary.BigEndian, &a); err != nil {
			return nil, err
		}
		entry := FatArch{
			CPU:    a.CPU,
			SubCPU: a.SubCPU,
			Offset: int64(a.Offset),
			Size:   int64(a.Size),
		}
		sliceReader := io.NewSectionReader(r, entry.Offset, entry.Size)
		if img, err := NewImage(sliceReader); err == nil {
			entry.Image = img
		}
		fc.Arches = append(fc.Arches, entry)
	}
	return fc, nil
}

// ARM64Slices returns the fat container's slices whose CPU is ARM64 and
// which parsed successfully.
func (fc *FatContainer) ARM64Slices() []*Image {
	var out []*Image
	for _, a := range fc.Arches {
		if a.Image != nil && a.CPU == types.CPUArm64 {
			out = append(out, a.Image)
		}
	}
	return out
}
