package loader

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var ErrInvalidExecutable = errors.New("invalid executable")

const (
	ehdrSize = 64
	phdrSize = 56

	elfClass64  = 2
	elfDataLSB  = 1
	elfMachine  = 62 // x86_64
	typeExec    = 2
	typeDyn     = 3
	ptLoad      = 1
	ptInterp    = 3
	pfExec      = 1
	pfWrite     = 2
	pfRead      = 4
	defaultBase = uint64(0x0000_5555_5555_0000)
)

// Segment is one loadable program header.
type Segment struct {
	Type     uint32
	Flags    uint32
	Vaddr    uint64
	Offset   uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

func (s Segment) Readable() bool   { return s.Flags&pfRead != 0 }
func (s Segment) Writable() bool   { return s.Flags&pfWrite != 0 }
func (s Segment) Executable() bool { return s.Flags&pfExec != 0 }

// Image is a validated executable ready to be placed into an address
// space. For position-independent binaries Entry and segment addresses are
// still unslid; exec applies the base.
type Image struct {
	Entry    uint64
	PIE      bool
	Interp   string
	Segments []Segment

	PhOff     uint64
	PhEntSize uint16
	PhNum     uint16

	Data []byte
}

// Base returns the load bias applied to every segment address.
func (i *Image) Base() uint64 {
	if i.PIE {
		return defaultBase
	}
	return 0
}

// parseELF validates the header and extracts loadable segments. Anything
// that is not a 64-bit little-endian x86_64 ET_EXEC or ET_DYN image is
// rejected with ErrInvalidExecutable.
func parseELF(data []byte) (*Image, error) {
	if len(data) < ehdrSize {
		return nil, errors.Wrap(ErrInvalidExecutable, "short header")
	}

	if data[0] != 0x7F || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		return nil, errors.Wrap(ErrInvalidExecutable, "bad magic")
	}

	if data[4] != elfClass64 {
		return nil, errors.Wrap(ErrInvalidExecutable, "not a 64-bit image")
	}

	if data[5] != elfDataLSB {
		return nil, errors.Wrap(ErrInvalidExecutable, "not little-endian")
	}

	etype := binary.LittleEndian.Uint16(data[16:])
	machine := binary.LittleEndian.Uint16(data[18:])

	if machine != elfMachine {
		return nil, errors.Wrapf(ErrInvalidExecutable, "machine %d", machine)
	}

	if etype != typeExec && etype != typeDyn {
		return nil, errors.Wrapf(ErrInvalidExecutable, "type %d", etype)
	}

	img := &Image{
		Entry:     binary.LittleEndian.Uint64(data[24:]),
		PIE:       etype == typeDyn,
		PhOff:     binary.LittleEndian.Uint64(data[32:]),
		PhEntSize: binary.LittleEndian.Uint16(data[54:]),
		PhNum:     binary.LittleEndian.Uint16(data[56:]),
		Data:      data,
	}

	if img.PhEntSize != phdrSize {
		return nil, errors.Wrapf(ErrInvalidExecutable, "program header entry size %d", img.PhEntSize)
	}

	// All offsets come from the image and can be anything, including values
	// that wrap uint64 arithmetic. Compare against the remaining length, never
	// against a sum.
	size := uint64(len(data))

	if img.PhOff > size || uint64(img.PhNum)*phdrSize > size-img.PhOff {
		return nil, errors.Wrap(ErrInvalidExecutable, "program header past end of file")
	}

	for i := 0; i < int(img.PhNum); i++ {
		off := img.PhOff + uint64(i)*phdrSize

		ph := data[off:]

		seg := Segment{
			Type:     binary.LittleEndian.Uint32(ph[0:]),
			Flags:    binary.LittleEndian.Uint32(ph[4:]),
			Offset:   binary.LittleEndian.Uint64(ph[8:]),
			Vaddr:    binary.LittleEndian.Uint64(ph[16:]),
			FileSize: binary.LittleEndian.Uint64(ph[32:]),
			MemSize:  binary.LittleEndian.Uint64(ph[40:]),
			Align:    binary.LittleEndian.Uint64(ph[48:]),
		}

		switch seg.Type {
		case ptLoad:
			if seg.FileSize > seg.MemSize {
				return nil, errors.Wrap(ErrInvalidExecutable, "segment file size exceeds memory size")
			}
			if seg.Offset > size || seg.FileSize > size-seg.Offset {
				return nil, errors.Wrap(ErrInvalidExecutable, "segment data past end of file")
			}
			img.Segments = append(img.Segments, seg)

		case ptInterp:
			if seg.Offset > size || seg.FileSize > size-seg.Offset || seg.FileSize == 0 {
				return nil, errors.Wrap(ErrInvalidExecutable, "bad interpreter header")
			}
			// FileSize includes the NUL.
			img.Interp = string(data[seg.Offset : seg.Offset+seg.FileSize-1])
		}
	}

	if len(img.Segments) == 0 {
		return nil, errors.Wrap(ErrInvalidExecutable, "no loadable segments")
	}

	return img, nil
}
