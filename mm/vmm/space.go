// Package vmm builds and mutates per-address-space page tables and owns
// the VMA list of each space. Page tables are ordinary frames: a table is
// a frame index, entries are little-endian words inside the frame's bytes,
// and every walk is an index lookup through the frame allocator.
package vmm

import (
	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/arch"
	"github.com/cascadia-os/cascadia/log"
	"github.com/cascadia-os/cascadia/mm/pmm"
)

var (
	ErrSegmentationFault = errors.New("segmentation fault")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// The canonical split: user half below, kernel half at and above. Root
// entries 256..511 belong to the kernel and are shared by reference into
// every user space.
const (
	KernelBase = uint64(0xFFFF_8000_0000_0000)

	kernelRootLow = entriesPerTable / 2
)

// Space is one address space: a root table frame, the ordered VMA list,
// and the program break. The lock is interrupt-aware; mutation of tables
// or the VMA list happens under it.
type Space struct {
	lock arch.IRQLock

	pmm  *pmm.Allocator
	root uint64

	vmas []VMA
	brk  uint64

	// user marks spaces torn down by Release. The kernel space never
	// releases its tables.
	user bool
}

// NewKernelSpace builds the kernel's own address space with an empty root.
func NewKernelSpace(p *pmm.Allocator) (*Space, error) {
	root, err := p.AllocZeroed(0)
	if err != nil {
		return nil, errors.Wrap(err, "allocating kernel root table")
	}

	return &Space{pmm: p, root: root}, nil
}

// NewUserSpace builds an empty user space sharing the kernel half of
// kernel's root table by reference.
func NewUserSpace(p *pmm.Allocator, kernel *Space) (*Space, error) {
	root, err := p.AllocZeroed(0)
	if err != nil {
		return nil, errors.Wrap(err, "allocating user root table")
	}

	src := table{pmm: p, frame: kernel.root}
	dst := table{pmm: p, frame: root}
	for i := kernelRootLow; i < entriesPerTable; i++ {
		dst.setEntry(i, src.entry(i))
	}

	return &Space{pmm: p, root: root, user: true}, nil
}

// Root returns the frame holding the top-level table; this is the value
// loaded into the translation-root register on a context switch.
func (s *Space) Root() uint64 {
	return s.root
}

func (s *Space) Brk() uint64 {
	s.lock.Lock(nil)
	defer s.lock.Unlock()
	return s.brk
}

func (s *Space) SetBrk(brk uint64) {
	s.lock.Lock(nil)
	defer s.lock.Unlock()
	s.brk = brk
}

// mapPage installs a 4 KiB leaf entry, allocating intermediate tables as
// needed. Caller holds the space lock.
func (s *Space) mapPage(cpu *arch.CPU, vaddr, frame, flags uint64) error {
	root := table{pmm: s.pmm, frame: s.root}
	user := flags&PTEUser != 0

	l3, err := root.nextOrAlloc(level4Index(vaddr), user)
	if err != nil {
		return err
	}

	l2, err := l3.nextOrAlloc(level3Index(vaddr), user)
	if err != nil {
		return err
	}

	l1, err := l2.nextOrAlloc(level2Index(vaddr), user)
	if err != nil {
		return err
	}

	l1.setEntry(level1Index(vaddr), frame<<pmm.PageShift|flags)

	if cpu != nil {
		cpu.Invlpg(vaddr &^ (pmm.PageSize - 1))
	}

	return nil
}

// mapLarge installs a 2 MiB leaf at level 2. vaddr must be 2 MiB aligned
// and frame must head an order-9 block. Caller holds the space lock.
func (s *Space) mapLarge(cpu *arch.CPU, vaddr, frame, flags uint64) error {
	if vaddr%LargePageSize != 0 {
		return errors.Wrapf(ErrInvalidArgument, "large mapping at %#x not 2MiB aligned", vaddr)
	}

	root := table{pmm: s.pmm, frame: s.root}
	user := flags&PTEUser != 0

	l3, err := root.nextOrAlloc(level4Index(vaddr), user)
	if err != nil {
		return err
	}

	l2, err := l3.nextOrAlloc(level3Index(vaddr), user)
	if err != nil {
		return err
	}

	l2.setEntry(level2Index(vaddr), frame<<pmm.PageShift|flags|PTELarge)

	if cpu != nil {
		cpu.Invlpg(vaddr)
	}

	return nil
}

// pte returns the leaf entry covering vaddr and whether it is a 2 MiB
// mapping. Caller holds the space lock.
func (s *Space) pte(vaddr uint64) (entry uint64, large bool, ok bool) {
	root := table{pmm: s.pmm, frame: s.root}

	l3, ok := root.next(level4Index(vaddr))
	if !ok {
		return 0, false, false
	}

	l2, ok := l3.next(level3Index(vaddr))
	if !ok {
		return 0, false, false
	}

	e := l2.entry(level2Index(vaddr))
	if e&PTEPresent != 0 && e&PTELarge != 0 {
		return e, true, true
	}

	l1, ok := l2.next(level2Index(vaddr))
	if !ok {
		return 0, false, false
	}

	e = l1.entry(level1Index(vaddr))
	if e&PTEPresent == 0 {
		return 0, false, false
	}

	return e, false, true
}

// setPTE rewrites the leaf entry covering vaddr in place. Caller holds the
// space lock and has verified the entry exists.
func (s *Space) setPTE(vaddr, entry uint64, large bool) {
	root := table{pmm: s.pmm, frame: s.root}

	l3, _ := root.next(level4Index(vaddr))
	l2, _ := l3.next(level3Index(vaddr))

	if large {
		l2.setEntry(level2Index(vaddr), entry)
		return
	}

	l1, _ := l2.next(level2Index(vaddr))
	l1.setEntry(level1Index(vaddr), entry)
}

// MapKernelPage installs a supervisor 4 KiB leaf entry. The kernel heap
// maps its pages this way, outside the VMA list; since the kernel half of
// the root is shared by reference, the mapping is visible in every space.
func (s *Space) MapKernelPage(cpu *arch.CPU, vaddr, frame uint64) error {
	if s.user {
		return errors.Wrapf(ErrInvalidArgument, "kernel mapping at %#x into a user space", vaddr)
	}
	if vaddr < KernelBase || vaddr%pmm.PageSize != 0 {
		return errors.Wrapf(ErrInvalidArgument, "kernel mapping at %#x", vaddr)
	}

	s.lock.Lock(cpu)
	defer s.lock.Unlock()

	return s.mapPage(cpu, vaddr, frame, PTEPresent|PTEWritable|PTENoExec)
}

// UnmapKernelPage drops a kernel mapping and releases its frame.
func (s *Space) UnmapKernelPage(cpu *arch.CPU, vaddr uint64) {
	s.lock.Lock(cpu)
	defer s.lock.Unlock()

	e, large, ok := s.pte(vaddr)
	if !ok || large {
		return
	}

	s.setPTE(vaddr, 0, false)
	s.pmm.Release(entryFrame(e))

	if cpu != nil {
		cpu.Invlpg(vaddr)
	}
}

// Translate resolves a virtual address to a physical one through the
// tables, honoring large mappings.
func (s *Space) Translate(vaddr uint64) (uint64, bool) {
	s.lock.Lock(nil)
	defer s.lock.Unlock()

	return s.translateLocked(vaddr)
}

// Writable reports whether the leaf entry under vaddr currently permits
// writes. Read-only here does not mean the write is illegal, only that it
// has to go through the fault path first.
func (s *Space) Writable(vaddr uint64) bool {
	s.lock.Lock(nil)
	defer s.lock.Unlock()

	e, _, ok := s.pte(vaddr)
	return ok && e&PTEWritable != 0
}

func (s *Space) translateLocked(vaddr uint64) (uint64, bool) {
	e, large, ok := s.pte(vaddr)
	if !ok {
		return 0, false
	}

	if large {
		return (e & PTEAddrMask) + (vaddr & (LargePageSize - 1)), true
	}

	return (e & PTEAddrMask) + (vaddr & (pmm.PageSize - 1)), true
}

// Window mmap placements are drawn from when the caller gives no address.
// It sits above any image and below the stack.
const (
	mmapBase = uint64(0x0000_6000_0000_0000)
	mmapTop  = uint64(0x0000_7E00_0000_0000)
)

// FindFree returns the lowest aligned gap of length bytes inside the mmap
// window.
func (s *Space) FindFree(length uint64) (uint64, error) {
	if length == 0 || length%pmm.PageSize != 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "gap search for %#x bytes", length)
	}

	s.lock.Lock(nil)
	defer s.lock.Unlock()

	cursor := mmapBase
	for _, v := range s.vmas {
		if v.End <= cursor {
			continue
		}
		if v.Start >= cursor+length {
			break
		}
		cursor = v.End
	}

	if cursor+length > mmapTop {
		return 0, errors.Wrap(pmm.ErrOutOfMemory, "mmap window exhausted")
	}

	return cursor, nil
}

// Map inserts a VMA. A request may replace existing VMAs only when its
// range strictly covers each of them; any partial overlap is an error.
// Eager VMAs get frames and leaf entries for the whole range immediately,
// using 2 MiB mappings where alignment and size allow.
func (s *Space) Map(cpu *arch.CPU, v VMA) error {
	if v.Start%pmm.PageSize != 0 || v.End%pmm.PageSize != 0 || v.Start >= v.End {
		return errors.Wrapf(ErrInvalidArgument, "mapping [%#x, %#x)", v.Start, v.End)
	}

	// Frames for the eager case come before the VMA lock is taken; only
	// intermediate table frames are allocated during the walk.
	var eager []eagerBlock
	if v.Flags&VMAEager != 0 {
		var err error
		eager, err = s.planEager(v)
		if err != nil {
			return err
		}
	}

	s.lock.Lock(cpu)
	defer s.lock.Unlock()

	// Validate every overlap before touching anything: the new range must
	// strictly cover each VMA it collides with.
	for _, old := range s.vmas {
		if old.End <= v.Start || old.Start >= v.End {
			continue
		}

		if v.Start <= old.Start && v.End >= old.End {
			continue
		}

		s.releaseEager(eager)
		return errors.Wrapf(ErrInvalidArgument,
			"mapping [%#x, %#x) partially overlaps [%#x, %#x)", v.Start, v.End, old.Start, old.End)
	}

	for i := 0; i < len(s.vmas); i++ {
		old := s.vmas[i]
		if old.End <= v.Start || old.Start >= v.End {
			continue
		}

		s.unmapRangeLocked(cpu, old.Start, old.End)
		s.vmas = append(s.vmas[:i], s.vmas[i+1:]...)
		i--
	}

	for _, blk := range eager {
		var err error
		if blk.large {
			err = s.mapLarge(cpu, blk.vaddr, blk.frame, v.pteFlags())
		} else {
			err = s.mapPage(cpu, blk.vaddr, blk.frame, v.pteFlags())
		}

		if err != nil {
			s.unmapRangeLocked(cpu, v.Start, blk.vaddr)
			s.releaseEagerFrom(eager, blk)
			return err
		}
	}

	s.insertVMA(v)

	return nil
}

type eagerBlock struct {
	vaddr uint64
	frame uint64
	large bool
}

// planEager allocates zeroed frames covering the VMA, preferring order-9
// blocks on 2 MiB boundaries and falling back to single frames when
// alignment or free memory does not allow. Fully transactional: on
// exhaustion everything grabbed so far is returned.
func (s *Space) planEager(v VMA) ([]eagerBlock, error) {
	var blocks []eagerBlock

	vaddr := v.Start
	for vaddr < v.End {
		if vaddr%LargePageSize == 0 && v.End-vaddr >= LargePageSize {
			if frame, err := s.pmm.AllocZeroed(largeOrder); err == nil {
				blocks = append(blocks, eagerBlock{vaddr: vaddr, frame: frame, large: true})
				vaddr += LargePageSize
				continue
			}
		}

		frame, err := s.pmm.AllocZeroed(0)
		if err != nil {
			s.releaseEager(blocks)
			return nil, errors.Wrapf(err, "backing eager mapping at %#x", vaddr)
		}

		blocks = append(blocks, eagerBlock{vaddr: vaddr, frame: frame, large: false})
		vaddr += pmm.PageSize
	}

	return blocks, nil
}

func (s *Space) releaseEager(blocks []eagerBlock) {
	for _, blk := range blocks {
		s.pmm.Release(blk.frame)
	}
}

func (s *Space) releaseEagerFrom(blocks []eagerBlock, from eagerBlock) {
	for _, blk := range blocks {
		if blk.vaddr >= from.vaddr {
			s.pmm.Release(blk.frame)
		}
	}
}

// Unmap removes [start, end): leaf entries are cleared, now-unshared
// frames go back to the allocator, and overlapping VMAs are trimmed,
// split, or dropped.
func (s *Space) Unmap(cpu *arch.CPU, start, end uint64) error {
	if start%pmm.PageSize != 0 || end%pmm.PageSize != 0 || start >= end {
		return errors.Wrapf(ErrInvalidArgument, "unmapping [%#x, %#x)", start, end)
	}

	s.lock.Lock(cpu)
	defer s.lock.Unlock()

	s.unmapRangeLocked(cpu, start, end)

	out := s.vmas[:0]
	for _, v := range s.vmas {
		switch {
		case v.End <= start || v.Start >= end:
			out = append(out, v)
		case v.Start < start && v.End > end:
			out = append(out, VMA{Start: v.Start, End: start, Flags: v.Flags})
			out = append(out, VMA{Start: end, End: v.End, Flags: v.Flags})
		case v.Start < start:
			out = append(out, VMA{Start: v.Start, End: start, Flags: v.Flags})
		case v.End > end:
			out = append(out, VMA{Start: end, End: v.End, Flags: v.Flags})
		}
	}
	s.vmas = out

	return nil
}

// unmapRangeLocked clears leaf entries over [start, end) and releases the
// frames they referenced. A large mapping fully inside the range releases
// its whole block; one the range only grazes is demoted to 4 KiB pages
// first so the sibling pages keep their contents.
func (s *Space) unmapRangeLocked(cpu *arch.CPU, start, end uint64) {
	for vaddr := start; vaddr < end; {
		e, large, ok := s.pte(vaddr)
		if !ok {
			vaddr += pmm.PageSize
			continue
		}

		if large {
			base := vaddr &^ (LargePageSize - 1)
			if base < start || base+LargePageSize > end {
				if err := s.splitLarge(cpu, vaddr); err != nil {
					// Out of frames for the demotion. Leave the block
					// mapped rather than destroy the surviving pages; it
					// goes back to the allocator at teardown.
					log.L.Error("vmm-split-large-failed", "vaddr", vaddr, "error", err)
					vaddr = base + LargePageSize
					continue
				}

				// Re-read the entry, now a 4 KiB leaf.
				continue
			}
		}

		s.setPTE(vaddr, 0, large)
		s.pmm.Release(entryFrame(e))

		if cpu != nil {
			cpu.Invlpg(vaddr)
		}

		if large {
			vaddr = (vaddr &^ (LargePageSize - 1)) + LargePageSize
		} else {
			vaddr += pmm.PageSize
		}
	}
}

// splitLarge demotes the 2 MiB mapping covering vaddr into a level-1 table
// of 4 KiB pages so part of it can be unmapped on its own. The pages move
// onto fresh frames carrying the block's contents and the block loses this
// space's reference, which keeps the demotion correct even when the block
// is still shared with a forked space. Transactional: on exhaustion the
// large mapping is untouched. Caller holds the space lock.
func (s *Space) splitLarge(cpu *arch.CPU, vaddr uint64) error {
	base := vaddr &^ (LargePageSize - 1)

	e, large, ok := s.pte(base)
	if !ok || !large {
		return nil
	}

	l1Frame, err := s.pmm.AllocZeroed(0)
	if err != nil {
		return errors.Wrap(err, "splitting large mapping")
	}

	old := entryFrame(e)
	leafFlags := e &^ (PTEAddrMask | PTELarge)

	l1 := table{pmm: s.pmm, frame: l1Frame}
	src := s.pmm.Block(old, largeOrder)

	for i := 0; i < entriesPerTable; i++ {
		frame, err := s.pmm.Alloc(0)
		if err != nil {
			for j := 0; j < i; j++ {
				s.pmm.Release(entryFrame(l1.entry(j)))
			}
			s.pmm.Free(l1Frame, 0)
			return errors.Wrap(err, "splitting large mapping")
		}

		copy(s.pmm.FrameBytes(frame), src[uint64(i)*pmm.PageSize:])
		l1.setEntry(i, frame<<pmm.PageShift|leafFlags)
	}

	tableFlags := PTEPresent | PTEWritable
	if e&PTEUser != 0 {
		tableFlags |= PTEUser
	}

	root := table{pmm: s.pmm, frame: s.root}
	l3, _ := root.next(level4Index(base))
	l2, _ := l3.next(level3Index(base))
	l2.setEntry(level2Index(base), l1Frame<<pmm.PageShift|tableFlags)

	s.pmm.Release(old)

	if cpu != nil {
		cpu.Invlpg(base)
	}

	log.L.Trace("vmm-split-large", "vaddr", base, "old-frame", old, "table", l1Frame)

	return nil
}

// Release tears the space down: every leaf frame loses this space's
// reference (frames shared with a forked child survive), table frames of
// the user half are freed, and finally the root goes. The kernel half is
// shared and stays untouched.
func (s *Space) Release() {
	if !s.user {
		log.L.Error("vmm-release-kernel-space", "root", s.root)
		panic("vmm: releasing the kernel address space")
	}

	s.lock.Lock(nil)
	defer s.lock.Unlock()

	root := table{pmm: s.pmm, frame: s.root}

	for i4 := 0; i4 < kernelRootLow; i4++ {
		l3, ok := root.next(i4)
		if !ok {
			continue
		}

		for i3 := 0; i3 < entriesPerTable; i3++ {
			l2, ok := l3.next(i3)
			if !ok {
				continue
			}

			for i2 := 0; i2 < entriesPerTable; i2++ {
				e := l2.entry(i2)
				if e&PTEPresent == 0 {
					continue
				}

				if e&PTELarge != 0 {
					s.pmm.Release(entryFrame(e))
					continue
				}

				l1 := table{pmm: s.pmm, frame: entryFrame(e)}
				for i1 := 0; i1 < entriesPerTable; i1++ {
					le := l1.entry(i1)
					if le&PTEPresent != 0 {
						s.pmm.Release(entryFrame(le))
					}
				}

				s.pmm.Free(l1.frame, 0)
			}

			s.pmm.Free(l2.frame, 0)
		}

		s.pmm.Free(l3.frame, 0)
	}

	s.pmm.Free(s.root, 0)
	s.vmas = nil
}
