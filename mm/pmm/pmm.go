// Package pmm owns physical memory. Frames are referred to by index, never
// by pointer; the allocator also owns the backing byte store, so page
// tables and user pages alike live inside FrameBytes slices and every
// access is bounds checked.
package pmm

import (
	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/arch"
	"github.com/cascadia-os/cascadia/boot"
	"github.com/cascadia-os/cascadia/log"
)

const (
	PageSize  = 4096
	PageShift = 12

	// MaxOrder bounds buddy blocks at 2^12 frames (16 MiB). Larger
	// requests are composed out of smaller blocks above this layer.
	MaxOrder = 12
)

var ErrOutOfMemory = errors.New("out of physical memory")

const (
	frameInvalid uint8 = iota
	frameFree
	frameAllocated
	// frameTail marks the non-head frames of an allocated multi-frame
	// block. Only block heads may be freed or released.
	frameTail
)

type frameInfo struct {
	state  uint8
	order  uint8
	shares uint32
}

// Allocator is a buddy allocator over the usable regions of the boot
// memory map. Free lists are per order; a block's buddy at order k is the
// block whose index differs in bit k.
type Allocator struct {
	lock arch.IRQLock
	cpu  *arch.CPU

	frames []frameInfo
	store  []byte

	free [MaxOrder + 1]freeList

	totalPages uint64
	freePages  uint64
}

// New seeds the allocator from the boot memory map. Only Usable regions
// contribute frames; everything else, including the kernel image's own
// extent, stays invalid and can never be handed out.
func New(mm boot.MemoryMap) *Allocator {
	var top uint64
	for _, r := range mm {
		if r.Kind == boot.RegionUsable && r.End() > top {
			top = r.End()
		}
	}

	a := &Allocator{
		frames: make([]frameInfo, top>>PageShift),
		store:  make([]byte, top),
	}

	for _, r := range mm {
		if r.Kind != boot.RegionUsable {
			log.L.Trace("pmm-skip-region", "base", r.Base, "length", r.Length, "kind", r.Kind.String())
			continue
		}

		a.addRegion(r.Base, r.Length)
	}

	log.L.Info("pmm-init", "total-pages", a.totalPages, "frames", len(a.frames))

	return a
}

// AttachCPU wires the execution unit whose interrupt delivery the
// allocator lock masks.
func (a *Allocator) AttachCPU(cpu *arch.CPU) {
	a.cpu = cpu
}

// addRegion carves [base, base+length) into the largest aligned buddy
// blocks that fit, walking from the front.
func (a *Allocator) addRegion(base, length uint64) {
	addr := alignUp(base, PageSize)
	end := alignDown(base+length, PageSize)

	for addr < end {
		frame := addr >> PageShift

		order := MaxOrder
		for order > 0 {
			size := uint64(PageSize) << order
			if addr%size == 0 && addr+size <= end {
				break
			}
			order--
		}

		a.insertFree(frame, order)
		a.totalPages += 1 << order
		a.freePages += 1 << order

		addr += uint64(PageSize) << order
	}
}

func (a *Allocator) insertFree(frame uint64, order int) {
	for i := uint64(0); i < 1<<order; i++ {
		a.frames[frame+i] = frameInfo{state: frameFree}
	}
	a.frames[frame].order = uint8(order)
	a.free[order].push(frame)
}

// Alloc returns the head frame of a free block of 2^order frames, splitting
// a larger block if necessary. Exhaustion is an error, never a panic.
func (a *Allocator) Alloc(order int) (uint64, error) {
	if order < 0 || order > MaxOrder {
		return 0, errors.Wrapf(ErrOutOfMemory, "order %d out of range", order)
	}

	a.lock.Lock(a.cpu)
	defer a.lock.Unlock()

	found := -1
	for o := order; o <= MaxOrder; o++ {
		if a.free[o].len() > 0 {
			found = o
			break
		}
	}

	if found < 0 {
		return 0, errors.Wrapf(ErrOutOfMemory, "no free block of order %d", order)
	}

	frame := a.free[found].pop()

	// Split down to the requested order, returning the upper halves.
	for found > order {
		found--
		buddy := frame + (1 << found)
		a.frames[buddy].order = uint8(found)
		a.free[found].push(buddy)
	}

	a.frames[frame] = frameInfo{state: frameAllocated, order: uint8(order), shares: 1}
	for i := uint64(1); i < 1<<order; i++ {
		a.frames[frame+i] = frameInfo{state: frameTail}
	}

	a.freePages -= 1 << order

	return frame, nil
}

// AllocZeroed is Alloc with the block's bytes cleared. Frames recycled
// through the free lists may hold stale contents.
func (a *Allocator) AllocZeroed(order int) (uint64, error) {
	frame, err := a.Alloc(order)
	if err != nil {
		return 0, err
	}

	b := a.Block(frame, order)
	for i := range b {
		b[i] = 0
	}

	return frame, nil
}

// Free returns an allocated block to the free pool and merges it with its
// buddy repeatedly until the buddy is not free or MaxOrder is reached.
// Freeing a frame that is not an allocated block head, or one still shared,
// is a kernel bug and panics.
func (a *Allocator) Free(frame uint64, order int) {
	a.lock.Lock(a.cpu)
	defer a.lock.Unlock()

	a.freeLocked(frame, order)
}

func (a *Allocator) freeLocked(frame uint64, order int) {
	fi := a.checkHead(frame)
	if int(fi.order) != order {
		log.L.Error("pmm-free-order-mismatch", "frame", frame, "alloc-order", fi.order, "free-order", order)
		panic("pmm: free with wrong order")
	}
	if fi.shares > 1 {
		log.L.Error("pmm-free-shared-frame", "frame", frame, "shares", fi.shares)
		panic("pmm: free of frame still shared")
	}

	freed := uint64(1) << order

	for order < MaxOrder {
		buddy := frame ^ (1 << order)

		if buddy >= uint64(len(a.frames)) || a.frames[buddy].state != frameFree ||
			int(a.frames[buddy].order) != order || !a.free[order].remove(buddy) {
			break
		}

		if buddy < frame {
			frame = buddy
		}
		order++
	}

	a.insertFree(frame, order)
	a.freePages += freed
}

// Retain bumps the share count of an allocated block head. Used when a
// copy-on-write mapping adds another page-table reference to the frame.
func (a *Allocator) Retain(frame uint64) {
	a.lock.Lock(a.cpu)
	defer a.lock.Unlock()

	fi := a.checkHead(frame)
	fi.shares++
}

// Release drops one share of an allocated block head, freeing the block
// when the count reaches zero. Never frees memory still referenced by
// another address space.
func (a *Allocator) Release(frame uint64) {
	a.lock.Lock(a.cpu)
	defer a.lock.Unlock()

	fi := a.checkHead(frame)
	if fi.shares == 0 {
		log.L.Error("pmm-release-unreferenced", "frame", frame)
		panic("pmm: release of unreferenced frame")
	}

	fi.shares--
	if fi.shares == 0 {
		a.freeLocked(frame, int(fi.order))
	}
}

// Shares reports the current share count of an allocated block head.
func (a *Allocator) Shares(frame uint64) uint32 {
	a.lock.Lock(a.cpu)
	defer a.lock.Unlock()

	return a.checkHead(frame).shares
}

func (a *Allocator) checkHead(frame uint64) *frameInfo {
	if frame >= uint64(len(a.frames)) {
		log.L.Error("pmm-frame-out-of-range", "frame", frame)
		panic("pmm: frame index out of range")
	}

	fi := &a.frames[frame]
	if fi.state != frameAllocated {
		log.L.Error("pmm-not-allocated-head", "frame", frame, "state", fi.state)
		panic("pmm: frame is not an allocated block head")
	}

	return fi
}

// FrameBytes returns the backing bytes of a single frame.
func (a *Allocator) FrameBytes(frame uint64) []byte {
	return a.Block(frame, 0)
}

// Block returns the backing bytes of a 2^order frame block.
func (a *Allocator) Block(frame uint64, order int) []byte {
	start := frame << PageShift
	end := start + (uint64(PageSize) << order)
	if end > uint64(len(a.store)) {
		log.L.Error("pmm-block-out-of-range", "frame", frame, "order", order)
		panic("pmm: block out of range")
	}

	return a.store[start:end]
}

type Stats struct {
	TotalPages uint64
	FreePages  uint64
	UsedPages  uint64
}

func (a *Allocator) Stats() Stats {
	a.lock.Lock(a.cpu)
	defer a.lock.Unlock()

	return Stats{
		TotalPages: a.totalPages,
		FreePages:  a.freePages,
		UsedPages:  a.totalPages - a.freePages,
	}
}

// FreeBlocks reports how many free blocks sit on one order's list.
func (a *Allocator) FreeBlocks(order int) int {
	a.lock.Lock(a.cpu)
	defer a.lock.Unlock()

	return a.free[order].len()
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}
