package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/abi"
	"github.com/cascadia-os/cascadia/kernel"
	"github.com/cascadia-os/cascadia/log"
)

func sysFork(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	child, err := t.Kernel.Fork(t.Process)
	if err != nil {
		l.Error("error forking process", "pid", t.Pid, "error", err)
		return errno(err)
	}

	return int64(child.Pid)
}

func sysWait4(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	var (
		pid      = int64(args.Args.R0)
		statAddr = args.Args.R1
		options  = args.Args.R2
	)

	if pid != -1 {
		// Waiting on a specific pid or group is not supported.
		return -abi.EINVAL
	}

	res, err := t.WaitAnyChild(ctx, options&abi.WNOHANG == 0)
	if err != nil {
		if errors.Cause(err) == context.Canceled {
			return -abi.EINTR
		}

		return errno(err)
	}

	if res == nil {
		log.L.Trace("wait4-no-zombie", "pid", t.Pid)
		return 0
	}

	if statAddr != 0 {
		if err := t.CopyOut(statAddr, res.Status.Status()); err != nil {
			return errno(err)
		}
	}

	return int64(res.Pid)
}

func sysExit(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	t.Exit(int(args.Args.R0))
	t.Kernel.Schedule()
	return 0
}

func sysGetpid(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	return int64(t.Pid)
}

func sysGetppid(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	return int64(t.Parent)
}

// copyStringArray walks a user NULL-terminated pointer vector. A nil
// vector reads as empty.
func copyStringArray(t *kernel.Task, addr uint64) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}

	var out []string

	ptr := addr
	for {
		var sp uint64
		if err := t.CopyIn(ptr, &sp); err != nil {
			return nil, err
		}

		if sp == 0 {
			return out, nil
		}

		str, err := t.ReadCString(sp)
		if err != nil {
			return nil, err
		}

		out = append(out, string(str))
		ptr += 8
	}
}

func sysExecve(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	path, err := t.ReadCString(args.Args.R0)
	if err != nil {
		return errno(err)
	}

	argv, err := copyStringArray(t, args.Args.R1)
	if err != nil {
		return errno(err)
	}

	envp, err := copyStringArray(t, args.Args.R2)
	if err != nil {
		return errno(err)
	}

	if err := t.Kernel.Exec(t.Process, string(path), argv, envp); err != nil {
		l.Debug("execve-failed", "pid", t.Pid, "path", string(path), "error", err)

		if ret := errno(err); ret != -abi.EINVAL {
			return ret
		}

		// An unclassified failure here is almost always path resolution.
		return -abi.ENOENT
	}

	return 0
}

func init() {
	Syscalls[abi.SysGetpid] = sysGetpid
	Syscalls[abi.SysFork] = sysFork
	Syscalls[abi.SysExecve] = sysExecve
	Syscalls[abi.SysExit] = sysExit
	Syscalls[abi.SysWait4] = sysWait4
	Syscalls[abi.SysGetppid] = sysGetppid
	Syscalls[abi.SysExitGroup] = sysExit
}
