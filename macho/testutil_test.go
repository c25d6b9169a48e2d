package macho

import (
	"encoding/binary"

	"github.com/strongarm-go/strongarm/types"
)

// rawImageBuilder assembles an in-memory byte buffer standing in for an
// Image's raw file content, and tracks the Segments that address it, so
// tests can exercise OffsetForVMAddr/ReadAtAddr/ReadCStringAtAddr and
// the ObjC/function-boundary parsers against real (if synthetic)
// virtual-address-to-file-offset translation, without going through
// NewImage's load-command decoding.
type rawImageBuilder struct {
	buf      []byte
	segments []*Segment
}

func newRawImageBuilder() *rawImageBuilder {
	return &rawImageBuilder{}
}

// addSegment reserves size bytes of file content mapped at addr and
// returns the file offset it was placed at, so the caller can write
// structured content into the builder's buffer at that offset.
func (b *rawImageBuilder) addSegment(name string, addr uint64, size int) (offset uint64) {
	offset = uint64(len(b.buf))
	b.buf = append(b.buf, make([]byte, size)...)
	b.segments = append(b.segments, &Segment{
		Name:   name,
		Addr:   addr,
		Memsz:  uint64(size),
		Offset: offset,
		Filesz: uint64(size),
	})
	return offset
}

func (b *rawImageBuilder) putUint64(offset uint64, v uint64) {
	binary.LittleEndian.PutUint64(b.buf[offset:offset+8], v)
}

func (b *rawImageBuilder) putUint32(offset uint64, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[offset:offset+4], v)
}

func (b *rawImageBuilder) putCString(offset uint64, s string) {
	copy(b.buf[offset:], s)
	b.buf[offset+uint64(len(s))] = 0
}

func (b *rawImageBuilder) image() *Image {
	return &Image{
		FileHeader: types.FileHeader{CPU: types.CPUArm64},
		raw:        b.buf,
		Segments:   b.segments,
	}
}

// addSection attaches a Section to the first added segment named segName,
// addressed within the same raw buffer.
func (b *rawImageBuilder) addSection(segName, sectName string, addr uint64, size uint64) {
	for _, seg := range b.segments {
		if seg.Name == segName {
			off, _ := (&Image{Segments: b.segments}).OffsetForVMAddr(addr)
			seg.Sections = append(seg.Sections, &Section{
				Name:   sectName,
				Seg:    segName,
				Addr:   addr,
				Size:   size,
				Offset: uint32(off),
			})
			return
		}
	}
}
