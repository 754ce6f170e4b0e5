// Package boot defines the normalized memory-map records handed to the
// kernel by the boot-time collaborator. The kernel never parses a boot
// protocol itself; it only consumes these.
package boot

type RegionKind int

const (
	RegionUsable RegionKind = iota
	RegionReserved
	RegionBootloaderReclaimable
	// RegionKernelImage marks the kernel's own physical footprint. It is
	// never handed to the frame allocator even if the firmware reports the
	// range usable.
	RegionKernelImage
)

func (k RegionKind) String() string {
	switch k {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionBootloaderReclaimable:
		return "bootloader-reclaimable"
	case RegionKernelImage:
		return "kernel-image"
	}
	return "unknown"
}

type Region struct {
	Base   uint64
	Length uint64
	Kind   RegionKind
}

func (r Region) End() uint64 {
	return r.Base + r.Length
}

type MemoryMap []Region

// Synthetic builds a map for a machine with size bytes of RAM, a reserved
// low megabyte, and a kernel image occupying the second megabyte. Used by
// the host runner and by tests.
func Synthetic(size uint64) MemoryMap {
	const mib = 1 << 20

	if size <= 2*mib {
		return MemoryMap{{Base: 0, Length: size, Kind: RegionReserved}}
	}

	return MemoryMap{
		{Base: 0, Length: mib, Kind: RegionReserved},
		{Base: mib, Length: mib, Kind: RegionKernelImage},
		{Base: 2 * mib, Length: size - 2*mib, Kind: RegionUsable},
	}
}
