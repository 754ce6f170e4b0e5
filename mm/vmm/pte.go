package vmm

import (
	"encoding/binary"

	"github.com/cascadia-os/cascadia/mm/pmm"
)

// Page table entry bits, x86_64 layout. PTECow lives in a
// software-available bit.
const (
	PTEPresent  = uint64(1) << 0
	PTEWritable = uint64(1) << 1
	PTEUser     = uint64(1) << 2
	PTEAccessed = uint64(1) << 5
	PTEDirty    = uint64(1) << 6
	PTELarge    = uint64(1) << 7
	PTEGlobal   = uint64(1) << 8
	PTECow      = uint64(1) << 9
	PTENoExec   = uint64(1) << 63

	PTEAddrMask = uint64(0x000F_FFFF_FFFF_F000)
)

const (
	entriesPerTable = 512

	// LargePageSize is the 2 MiB mapping granule of a level-2 entry.
	LargePageSize = uint64(pmm.PageSize) * entriesPerTable
	// largeOrder is the buddy order of a 2 MiB block.
	largeOrder = 9
)

func level4Index(vaddr uint64) int { return int((vaddr >> 39) & 0x1FF) }
func level3Index(vaddr uint64) int { return int((vaddr >> 30) & 0x1FF) }
func level2Index(vaddr uint64) int { return int((vaddr >> 21) & 0x1FF) }
func level1Index(vaddr uint64) int { return int((vaddr >> 12) & 0x1FF) }

func entryFrame(e uint64) uint64 {
	return (e & PTEAddrMask) >> pmm.PageShift
}

// table wraps a frame holding 512 entries. All access goes through the
// frame byte store, so a corrupt index can never chase a wild pointer.
type table struct {
	pmm   *pmm.Allocator
	frame uint64
}

func (t table) entry(idx int) uint64 {
	b := t.pmm.FrameBytes(t.frame)
	return binary.LittleEndian.Uint64(b[idx*8:])
}

func (t table) setEntry(idx int, e uint64) {
	b := t.pmm.FrameBytes(t.frame)
	binary.LittleEndian.PutUint64(b[idx*8:], e)
}

func (t table) present(idx int) bool {
	return t.entry(idx)&PTEPresent != 0
}

// next descends to the table referenced by entry idx.
func (t table) next(idx int) (table, bool) {
	if !t.present(idx) {
		return table{}, false
	}

	return table{pmm: t.pmm, frame: entryFrame(t.entry(idx))}, true
}

// nextOrAlloc descends like next but allocates a zeroed table frame first
// if the slot is empty. Intermediate entries carry permissive flags; the
// leaf entry is what enforces access.
func (t table) nextOrAlloc(idx int, user bool) (table, error) {
	if t.present(idx) {
		return table{pmm: t.pmm, frame: entryFrame(t.entry(idx))}, nil
	}

	frame, err := t.pmm.AllocZeroed(0)
	if err != nil {
		return table{}, err
	}

	flags := PTEPresent | PTEWritable
	if user {
		flags |= PTEUser
	}

	t.setEntry(idx, frame<<pmm.PageShift|flags)

	return table{pmm: t.pmm, frame: frame}, nil
}
