package vmm

import "sort"

type VMAFlags uint32

const (
	VMARead VMAFlags = 1 << iota
	VMAWrite
	VMAExec
	VMAShared
	VMACopyOnWrite
	VMAAnonymous
	VMAGrowsDown

	// VMAEager makes Map install page-table entries for the whole range
	// up front instead of waiting for the first fault. Exec uses it for
	// load segments and the committed stack head.
	VMAEager
)

// VMA is a contiguous virtual range [Start, End) with uniform permissions
// and backing. Within one address space VMAs are non-overlapping and kept
// sorted by Start.
type VMA struct {
	Start uint64
	End   uint64
	Flags VMAFlags
}

func (v VMA) Contains(addr uint64) bool {
	return addr >= v.Start && addr < v.End
}

// pteFlags derives the leaf entry bits for a user mapping under this VMA.
func (v VMA) pteFlags() uint64 {
	flags := PTEPresent | PTEUser
	if v.Flags&VMAWrite != 0 {
		flags |= PTEWritable
	}
	if v.Flags&VMAExec == 0 {
		flags |= PTENoExec
	}
	return flags
}

// findVMA returns the index of the VMA covering addr, or -1.
func (s *Space) findVMA(addr uint64) int {
	i := sort.Search(len(s.vmas), func(i int) bool {
		return s.vmas[i].End > addr
	})

	if i < len(s.vmas) && s.vmas[i].Contains(addr) {
		return i
	}

	return -1
}

// insertVMA places v keeping the list sorted by Start. Caller has already
// resolved overlaps.
func (s *Space) insertVMA(v VMA) {
	i := sort.Search(len(s.vmas), func(i int) bool {
		return s.vmas[i].Start >= v.Start
	})

	s.vmas = append(s.vmas, VMA{})
	copy(s.vmas[i+1:], s.vmas[i:])
	s.vmas[i] = v
}

// VMAs returns a snapshot of the area list.
func (s *Space) VMAs() []VMA {
	s.lock.Lock(nil)
	defer s.lock.Unlock()

	out := make([]VMA, len(s.vmas))
	copy(out, s.vmas)
	return out
}
