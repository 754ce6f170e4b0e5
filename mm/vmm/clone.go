package vmm

import (
	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/arch"
	"github.com/cascadia-os/cascadia/log"
	"github.com/cascadia-os/cascadia/mm/pmm"
)

// Clone duplicates the space for fork. The child gets its own table
// structure; every present user leaf is shared by reference with one more
// share on its frame. Writable leaves become read-only copy-on-write in
// the child immediately and in the parent only after the whole clone has
// succeeded, which keeps the operation transactional: on exhaustion the
// partial child is discarded and the parent is exactly as it was.
func (s *Space) Clone(cpu *arch.CPU) (*Space, error) {
	s.lock.Lock(cpu)
	defer s.lock.Unlock()

	childRoot, err := s.pmm.AllocZeroed(0)
	if err != nil {
		return nil, errors.Wrap(err, "allocating clone root")
	}

	c := &cloner{pmm: s.pmm}

	parent := table{pmm: s.pmm, frame: s.root}
	child := table{pmm: s.pmm, frame: childRoot}
	c.tables = append(c.tables, childRoot)

	// Kernel half is shared by reference, same as user-space creation.
	for i := kernelRootLow; i < entriesPerTable; i++ {
		child.setEntry(i, parent.entry(i))
	}

	for i := 0; i < kernelRootLow; i++ {
		if !parent.present(i) {
			continue
		}

		frame, err := c.cloneTable(parent.entry(i), 3)
		if err != nil {
			c.unwind()
			return nil, err
		}

		child.setEntry(i, frame<<pmm.PageShift|(parent.entry(i)&^PTEAddrMask))
	}

	// Only now, with the child fully built, downgrade the parent's
	// writable leaves. This cannot fail.
	s.markCow(parent, 4)

	if cpu != nil {
		cpu.FlushTLB()
	}

	vmas := make([]VMA, len(s.vmas))
	for i, v := range s.vmas {
		if v.Flags&VMAWrite != 0 && v.Flags&VMAShared == 0 {
			v.Flags |= VMACopyOnWrite
		}
		vmas[i] = v
	}

	log.L.Trace("vmm-clone", "parent-root", s.root, "child-root", childRoot, "vmas", len(vmas))

	return &Space{
		pmm:  s.pmm,
		root: childRoot,
		vmas: vmas,
		brk:  s.brk,
		user: true,
	}, nil
}

type cloner struct {
	pmm *pmm.Allocator

	tables   []uint64
	retained []uint64
}

// cloneTable copies one table at the given level (3 = level-3 table
// referenced from the root). Structure frames are fresh; leaves are shared.
func (c *cloner) cloneTable(parentEntry uint64, level int) (uint64, error) {
	src := table{pmm: c.pmm, frame: entryFrame(parentEntry)}

	frame, err := c.pmm.AllocZeroed(0)
	if err != nil {
		return 0, errors.Wrap(err, "allocating clone table")
	}
	c.tables = append(c.tables, frame)

	dst := table{pmm: c.pmm, frame: frame}

	for i := 0; i < entriesPerTable; i++ {
		e := src.entry(i)
		if e&PTEPresent == 0 {
			continue
		}

		leaf := level == 1 || (level == 2 && e&PTELarge != 0)
		if leaf {
			dst.setEntry(i, c.shareLeaf(e))
			continue
		}

		sub, err := c.cloneTable(e, level-1)
		if err != nil {
			return 0, err
		}

		dst.setEntry(i, sub<<pmm.PageShift|(e&^PTEAddrMask))
	}

	return frame, nil
}

// shareLeaf adds the child's reference to a mapped frame and returns the
// entry the child will hold: writable mappings turn read-only + CoW,
// everything else is carried unchanged.
func (c *cloner) shareLeaf(e uint64) uint64 {
	frame := entryFrame(e)
	c.pmm.Retain(frame)
	c.retained = append(c.retained, frame)

	if e&PTEUser != 0 && e&PTEWritable != 0 {
		return (e &^ PTEWritable) | PTECow
	}

	return e
}

func (c *cloner) unwind() {
	for _, frame := range c.retained {
		c.pmm.Release(frame)
	}
	for _, frame := range c.tables {
		c.pmm.Free(frame, 0)
	}
}

// markCow downgrades every writable user leaf under t to read-only + CoW.
// Levels count as in cloneTable: 4 is the root, 1 holds 4 KiB leaves.
func (s *Space) markCow(t table, level int) {
	low := entriesPerTable
	if level == 4 {
		// Root: only the user half.
		low = kernelRootLow
	}

	for i := 0; i < low; i++ {
		e := t.entry(i)
		if e&PTEPresent == 0 {
			continue
		}

		leaf := level == 1 || (level == 2 && e&PTELarge != 0)
		if leaf {
			if e&PTEUser != 0 && e&PTEWritable != 0 {
				t.setEntry(i, (e&^PTEWritable)|PTECow)
			}
			continue
		}

		s.markCow(table{pmm: s.pmm, frame: entryFrame(e)}, level-1)
	}
}
