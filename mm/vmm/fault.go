package vmm

import (
	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/arch"
	"github.com/cascadia-os/cascadia/log"
	"github.com/cascadia-os/cascadia/mm/pmm"
)

type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExecute
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	}
	return "unknown"
}

// HandleFault services a page fault at vaddr. Demand paging backs an
// unmapped page of an anonymous VMA with a fresh zero frame; a write to a
// read-only copy-on-write page gets a private copy. Anything else is a
// segmentation fault reported to the caller, never handled here.
//
// The frame that may be needed is allocated before the space lock is
// taken; after acquisition the covering VMA is looked up again, since a
// concurrent unmap or teardown can have removed it in the meantime.
func (s *Space) HandleFault(cpu *arch.CPU, vaddr uint64, access Access) error {
	s.lock.Lock(cpu)
	vi := s.findVMA(vaddr)
	if vi < 0 {
		s.lock.Unlock()
		return errors.Wrapf(ErrSegmentationFault, "%s of unmapped address %#x", access, vaddr)
	}

	v := s.vmas[vi]
	entry, large, mapped := s.pte(vaddr)
	s.lock.Unlock()

	if err := checkAccess(v, vaddr, access); err != nil {
		return err
	}

	switch {
	case !mapped:
		return s.demandPage(cpu, vaddr, access)
	case access == AccessWrite && entry&PTEWritable == 0 && entry&PTECow != 0:
		return s.copyOnWrite(cpu, vaddr, large, access)
	case access == AccessWrite && entry&PTEWritable == 0:
		return errors.Wrapf(ErrSegmentationFault, "write to read-only page %#x", vaddr)
	}

	// Spurious: another execution unit resolved this fault first.
	return nil
}

func checkAccess(v VMA, vaddr uint64, access Access) error {
	var need VMAFlags
	switch access {
	case AccessRead:
		need = VMARead
	case AccessWrite:
		need = VMAWrite
	case AccessExecute:
		need = VMAExec
	}

	// A write into a CoW-cloned area is legal even while the area is
	// marked read-only at the page level.
	if access == AccessWrite && v.Flags&VMACopyOnWrite != 0 {
		return nil
	}

	if v.Flags&need == 0 {
		return errors.Wrapf(ErrSegmentationFault, "%s access to %#x denied by mapping", access, vaddr)
	}

	return nil
}

// demandPage backs the faulting page of an anonymous VMA. If the VMA
// covers a whole aligned 2 MiB block around the address and an order-9
// allocation succeeds, the block is mapped large; otherwise it falls back
// to a single page.
func (s *Space) demandPage(cpu *arch.CPU, vaddr uint64, access Access) error {
	largeStart := vaddr &^ (LargePageSize - 1)

	tryLarge := false
	s.lock.Lock(cpu)
	if vi := s.findVMA(vaddr); vi >= 0 {
		v := s.vmas[vi]
		tryLarge = v.Flags&VMAAnonymous != 0 && v.Flags&VMAGrowsDown == 0 &&
			v.Start <= largeStart && v.End >= largeStart+LargePageSize
	}
	s.lock.Unlock()

	frame, large := uint64(0), false
	if tryLarge {
		if f, err := s.pmm.AllocZeroed(largeOrder); err == nil {
			frame, large = f, true
		}
	}

	if !large {
		f, err := s.pmm.AllocZeroed(0)
		if err != nil {
			return errors.Wrapf(err, "demand paging %#x", vaddr)
		}
		frame = f
	}

	s.lock.Lock(cpu)
	defer s.lock.Unlock()

	vi := s.findVMA(vaddr)
	if vi < 0 {
		s.pmm.Release(frame)
		return errors.Wrapf(ErrSegmentationFault, "mapping for %#x vanished during fault", vaddr)
	}
	v := s.vmas[vi]

	if _, _, mapped := s.pte(vaddr); mapped {
		s.pmm.Release(frame)
		return nil
	}

	var err error
	if large {
		err = s.mapLarge(cpu, largeStart, frame, v.pteFlags())
	} else {
		err = s.mapPage(cpu, vaddr&^(pmm.PageSize-1), frame, v.pteFlags())
	}

	if err != nil {
		s.pmm.Release(frame)
		return err
	}

	log.L.Trace("vmm-demand-page", "vaddr", vaddr, "frame", frame, "large", large)

	return nil
}

// copyOnWrite gives the faulting space a private copy of a shared page:
// allocate, copy, remap writable here only, drop one share of the old
// frame, and shoot down the stale local translation.
func (s *Space) copyOnWrite(cpu *arch.CPU, vaddr uint64, large bool, access Access) error {
	order := 0
	if large {
		order = largeOrder
	}

	frame, err := s.pmm.Alloc(order)
	if err != nil {
		return errors.Wrapf(err, "copy-on-write at %#x", vaddr)
	}

	s.lock.Lock(cpu)
	defer s.lock.Unlock()

	if vi := s.findVMA(vaddr); vi < 0 {
		s.pmm.Release(frame)
		return errors.Wrapf(ErrSegmentationFault, "mapping for %#x vanished during fault", vaddr)
	}

	entry, entryLarge, mapped := s.pte(vaddr)
	if !mapped || entry&PTECow == 0 || entry&PTEWritable != 0 || entryLarge != large {
		// Resolved concurrently, or the mapping changed shape under us.
		s.pmm.Release(frame)
		return nil
	}

	old := entryFrame(entry)
	copy(s.pmm.Block(frame, order), s.pmm.Block(old, order))

	newEntry := frame<<pmm.PageShift | (entry &^ (PTEAddrMask | PTECow)) | PTEWritable
	s.setPTE(vaddr, newEntry, large)

	s.pmm.Release(old)

	if cpu != nil {
		if large {
			cpu.Invlpg(vaddr &^ (LargePageSize - 1))
		} else {
			cpu.Invlpg(vaddr &^ (pmm.PageSize - 1))
		}
	}

	log.L.Trace("vmm-cow-copy", "vaddr", vaddr, "old-frame", old, "new-frame", frame, "large", large)

	return nil
}
