package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/cascadia-os/cascadia/abi"
	"github.com/cascadia-os/cascadia/kernel"
	"github.com/cascadia-os/cascadia/mm/pmm"
	"github.com/cascadia-os/cascadia/mm/vmm"
)

func protFlags(prot uint64) vmm.VMAFlags {
	var flags vmm.VMAFlags
	if prot&abi.ProtRead != 0 {
		flags |= vmm.VMARead
	}
	if prot&abi.ProtWrite != 0 {
		flags |= vmm.VMAWrite
	}
	if prot&abi.ProtExec != 0 {
		flags |= vmm.VMAExec
	}
	return flags
}

func sysMmap(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	var (
		addr   = args.Args.R0
		length = args.Args.R1
		prot   = args.Args.R2
		flags  = args.Args.R3
	)

	if length == 0 {
		return -abi.EINVAL
	}

	shared := flags&abi.MapShared != 0
	private := flags&abi.MapPrivate != 0
	if shared == private {
		return -abi.EINVAL
	}

	if flags&abi.MapAnonymous == 0 {
		// File mappings need a filesystem behind them.
		return -abi.ENOSYS
	}

	length = (length + pmm.PageSize - 1) &^ (pmm.PageSize - 1)

	if addr == 0 || flags&abi.MapFixed == 0 {
		free, err := t.Space.FindFree(length)
		if err != nil {
			return errno(err)
		}
		addr = free
	}

	v := vmm.VMA{
		Start: addr,
		End:   addr + length,
		Flags: protFlags(prot) | vmm.VMAAnonymous,
	}
	if shared {
		v.Flags |= vmm.VMAShared
	}

	if err := t.Space.Map(t.Kernel.CPU, v); err != nil {
		return errno(err)
	}

	return int64(addr)
}

func sysMunmap(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	var (
		addr   = args.Args.R0
		length = args.Args.R1
	)

	if length == 0 {
		return -abi.EINVAL
	}

	length = (length + pmm.PageSize - 1) &^ (pmm.PageSize - 1)

	if err := t.Space.Unmap(t.Kernel.CPU, addr, addr+length); err != nil {
		return errno(err)
	}

	return 0
}

// sysBrk moves the program break. Growth maps fresh demand-paged pages,
// shrinking unmaps the abandoned tail. Failure reports the unchanged
// break rather than an error.
func sysBrk(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	addr := args.Args.R0

	current := t.Space.Brk()
	if addr == 0 {
		return int64(current)
	}

	oldEnd := (current + pmm.PageSize - 1) &^ (pmm.PageSize - 1)
	newEnd := (addr + pmm.PageSize - 1) &^ (pmm.PageSize - 1)

	switch {
	case newEnd > oldEnd:
		v := vmm.VMA{
			Start: oldEnd,
			End:   newEnd,
			Flags: vmm.VMARead | vmm.VMAWrite | vmm.VMAAnonymous,
		}

		if err := t.Space.Map(t.Kernel.CPU, v); err != nil {
			l.Debug("brk-grow-failed", "pid", t.Pid, "addr", addr, "error", err)
			return int64(current)
		}

	case newEnd < oldEnd:
		if err := t.Space.Unmap(t.Kernel.CPU, newEnd, oldEnd); err != nil {
			return int64(current)
		}
	}

	t.Space.SetBrk(addr)

	return int64(addr)
}

func init() {
	Syscalls[abi.SysMmap] = sysMmap
	Syscalls[abi.SysMunmap] = sysMunmap
	Syscalls[abi.SysBrk] = sysBrk
}
