package syscalls

import (
	"context"

	"github.com/cascadia-os/cascadia/abi"
	"github.com/cascadia-os/cascadia/kernel"
	"github.com/cascadia-os/cascadia/log"
)

type Invoker struct {
	Kernel *kernel.Kernel
}

func (i *Invoker) InvokeSyscall(ctx context.Context, args SysArgs) int64 {
	if args.Index < 0 || args.Index >= int64(len(Syscalls)) {
		return -abi.ENOSYS
	}

	f := Syscalls[args.Index]
	if f == nil {
		log.L.Debug("unimplemented-syscall", "nr", args.Index)
		return -abi.ENOSYS
	}

	t, ok := kernel.GetTask(ctx)
	if !ok {
		return -abi.ENOSYS
	}

	return f(ctx, log.L, t, args)
}
