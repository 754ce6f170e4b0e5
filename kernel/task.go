package kernel

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/mm/pmm"
	"github.com/cascadia-os/cascadia/mm/vmm"
)

type prockey struct{}

func GetTask(ctx context.Context) (*Task, bool) {
	if v := ctx.Value(prockey{}); v != nil {
		return v.(*Task), true
	}

	return nil, false
}

func SetTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, prockey{}, t)
}

// Task is the syscall-side view of a process: the control block plus
// accessors into its user memory.
type Task struct {
	*Process
}

// ReadAt copies user memory into b, faulting pages in on demand. A page
// the space refuses to back surfaces as a segmentation fault error.
func (t *Task) ReadAt(b []byte, off int64) (int, error) {
	return t.access(b, uint64(off), vmm.AccessRead)
}

// WriteAt copies b into user memory. Copy-on-write pages get their
// private copy through the normal fault path.
func (t *Task) WriteAt(b []byte, off int64) (int, error) {
	return t.access(b, uint64(off), vmm.AccessWrite)
}

func (t *Task) access(b []byte, addr uint64, access vmm.Access) (int, error) {
	total := 0

	for len(b) > 0 {
		phys, ok := t.Space.Translate(addr)
		if !ok || (access == vmm.AccessWrite && !t.writablePage(addr)) {
			if err := t.Space.HandleFault(t.Kernel.CPU, addr, access); err != nil {
				return total, err
			}

			phys, ok = t.Space.Translate(addr)
			if !ok {
				return total, errors.Wrapf(vmm.ErrSegmentationFault, "no backing at %#x", addr)
			}
		}

		frame := phys >> pmm.PageShift
		pageOff := phys & (pmm.PageSize - 1)

		chunk := pmm.PageSize - int(pageOff)
		if chunk > len(b) {
			chunk = len(b)
		}

		fb := t.Kernel.PMM.FrameBytes(frame)
		if access == vmm.AccessWrite {
			copy(fb[pageOff:pageOff+uint64(chunk)], b[:chunk])
		} else {
			copy(b[:chunk], fb[pageOff:pageOff+uint64(chunk)])
		}

		b = b[chunk:]
		addr += uint64(chunk)
		total += chunk
	}

	return total, nil
}

// writablePage reports whether the leaf entry under addr permits writes.
// A mapped but read-only page needs the fault path first (copy-on-write).
func (t *Task) writablePage(addr uint64) bool {
	return t.Space.Writable(addr)
}

const maxCString = 4096

// ReadCString reads a NUL-terminated string from user memory.
func (t *Task) ReadCString(ptr uint64) ([]byte, error) {
	var buf bytes.Buffer

	var b [1]byte

	off := int64(ptr)

	for buf.Len() < maxCString {
		if _, err := t.ReadAt(b[:], off); err != nil {
			return nil, err
		}

		if b[0] == 0 {
			return buf.Bytes(), nil
		}

		buf.WriteByte(b[0])
		off++
	}

	return nil, errors.Wrapf(vmm.ErrInvalidArgument, "unterminated string at %#x", ptr)
}

type readAdapter struct {
	sub    io.ReaderAt
	offset int64
}

func (ra readAdapter) Read(b []byte) (int, error) {
	return ra.sub.ReadAt(b, ra.offset)
}

type writeAdapter struct {
	sub    io.WriterAt
	offset int64
}

func (wa writeAdapter) Write(b []byte) (int, error) {
	return wa.sub.WriteAt(b, wa.offset)
}

func (t *Task) CopyIn(addr uint64, val interface{}) error {
	return binary.Read(readAdapter{sub: t, offset: int64(addr)}, binary.LittleEndian, val)
}

func (t *Task) CopyOut(addr uint64, val interface{}) error {
	return binary.Write(writeAdapter{sub: t, offset: int64(addr)}, binary.LittleEndian, val)
}
