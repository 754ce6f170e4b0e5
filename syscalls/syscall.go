// Package syscalls decodes the user-facing system-call surface and
// dispatches into the kernel. Handlers register themselves into the table
// at init, keyed by syscall number.
package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/abi"
	"github.com/cascadia-os/cascadia/kernel"
	"github.com/cascadia-os/cascadia/loader"
	"github.com/cascadia-os/cascadia/mm/pmm"
	"github.com/cascadia-os/cascadia/mm/vmm"
)

type SysArgs struct {
	Index int64
	Args  SyscallRequest
}

type SyscallRequest struct {
	R0, R1, R2, R3, R4, R5 uint64
}

var Syscalls [1024]func(context.Context, hclog.Logger, *kernel.Task, SysArgs) int64

// errno maps a kernel error onto a negated errno return.
func errno(err error) int64 {
	switch errors.Cause(err) {
	case pmm.ErrOutOfMemory:
		return -abi.ENOMEM
	case vmm.ErrSegmentationFault:
		return -abi.EFAULT
	case vmm.ErrInvalidArgument:
		return -abi.EINVAL
	case loader.ErrInvalidExecutable:
		return -abi.ENOEXEC
	case kernel.ErrNoChildren:
		return -abi.ECHILD
	case context.Canceled, context.DeadlineExceeded:
		return -abi.EINTR
	}

	return -abi.EINVAL
}
