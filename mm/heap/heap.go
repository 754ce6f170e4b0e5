// Package heap is the kernel's general-purpose allocator: a size-class
// layer over pages mapped into the kernel address space. Classes span 8 to
// 2048 bytes; anything bigger goes straight to a multi-page mapping.
package heap

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/arch"
	"github.com/cascadia-os/cascadia/log"
	"github.com/cascadia-os/cascadia/mm/pmm"
	"github.com/cascadia-os/cascadia/mm/vmm"
)

// Base of the kernel heap's virtual window. Far enough above KernelBase
// that it never collides with the direct-mapped kernel image.
const heapBase = uint64(0xFFFF_9000_0000_0000)

var classSizes = [...]int{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

var ErrInvalidFree = errors.New("free of address not issued by the heap")

// Allocator carves kernel-mapped pages into size-class blocks. Freed
// blocks go back on their class's list; there is no compaction within a
// class.
type Allocator struct {
	mu sync.Mutex

	cpu    *arch.CPU
	pmm    *pmm.Allocator
	kernel *vmm.Space

	free [len(classSizes)][]uint64

	next uint64
}

func New(p *pmm.Allocator, kernel *vmm.Space, cpu *arch.CPU) *Allocator {
	return &Allocator{
		cpu:    cpu,
		pmm:    p,
		kernel: kernel,
		next:   heapBase,
	}
}

func classFor(size int) int {
	for i, cs := range classSizes {
		if size <= cs {
			return i
		}
	}
	return -1
}

// Alloc returns the kernel virtual address of a naturally-aligned block of
// at least size bytes. Exhaustion propagates as an error; whether that is
// fatal is the caller's decision.
func (h *Allocator) Alloc(size int) (uint64, error) {
	if size <= 0 {
		return 0, errors.Errorf("heap allocation of %d bytes", size)
	}

	class := classFor(size)
	if class < 0 {
		return h.allocLarge(size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.free[class]) == 0 {
		if err := h.growClass(class); err != nil {
			return 0, err
		}
	}

	list := h.free[class]
	addr := list[len(list)-1]
	h.free[class] = list[:len(list)-1]

	return addr, nil
}

// growClass maps one fresh page for the class and splits it into blocks.
func (h *Allocator) growClass(class int) error {
	frame, err := h.pmm.AllocZeroed(0)
	if err != nil {
		return errors.Wrap(err, "growing heap class")
	}

	addr := h.next
	h.next += pmm.PageSize

	if err := h.kernel.MapKernelPage(h.cpu, addr, frame); err != nil {
		h.pmm.Release(frame)
		return errors.Wrap(err, "mapping heap page")
	}

	cs := uint64(classSizes[class])
	for off := uint64(0); off+cs <= pmm.PageSize; off += cs {
		h.free[class] = append(h.free[class], addr+off)
	}

	log.L.Trace("heap-grow", "class", classSizes[class], "page", addr)

	return nil
}

// allocLarge services requests above the biggest class with a direct
// multi-page kernel mapping.
func (h *Allocator) allocLarge(size int) (uint64, error) {
	pages := (uint64(size) + pmm.PageSize - 1) / pmm.PageSize

	h.mu.Lock()
	defer h.mu.Unlock()

	addr := h.next
	h.next += pages * pmm.PageSize

	for i := uint64(0); i < pages; i++ {
		frame, err := h.pmm.AllocZeroed(0)
		if err != nil {
			h.unmapRange(addr, i)
			return 0, errors.Wrapf(err, "heap allocation of %d bytes", size)
		}

		if merr := h.kernel.MapKernelPage(h.cpu, addr+i*pmm.PageSize, frame); merr != nil {
			h.pmm.Release(frame)
			h.unmapRange(addr, i)
			return 0, errors.Wrap(merr, "mapping heap pages")
		}
	}

	return addr, nil
}

func (h *Allocator) unmapRange(addr uint64, pages uint64) {
	for i := uint64(0); i < pages; i++ {
		h.kernel.UnmapKernelPage(h.cpu, addr+i*pmm.PageSize)
	}
}

// Free returns a block to its class's list. The size must match the one
// passed to Alloc; mismatches corrupt the class lists and are a kernel
// bug.
func (h *Allocator) Free(addr uint64, size int) {
	if addr < heapBase {
		log.L.Error("heap-free-foreign-address", "addr", addr)
		panic("heap: free of address outside the heap window")
	}

	class := classFor(size)

	h.mu.Lock()
	defer h.mu.Unlock()

	if class < 0 {
		pages := (uint64(size) + pmm.PageSize - 1) / pmm.PageSize
		h.unmapRange(addr, pages)
		return
	}

	h.free[class] = append(h.free[class], addr)
}

// Bytes exposes the backing store of a heap block for kernel use.
func (h *Allocator) Bytes(addr uint64, size int) ([]byte, error) {
	phys, ok := h.kernel.Translate(addr)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidFree, "no mapping at %#x", addr)
	}

	frame := phys >> pmm.PageShift
	off := phys & (pmm.PageSize - 1)

	b := h.pmm.FrameBytes(frame)
	avail := pmm.PageSize - int(off)
	if size > avail {
		size = avail
	}

	return b[off : off+uint64(size)], nil
}
