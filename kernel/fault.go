package kernel

import (
	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/abi"
	"github.com/cascadia-os/cascadia/log"
	"github.com/cascadia-os/cascadia/mm/vmm"
)

// HandleFault is the page-fault entry point. A fault with no user process
// behind it is a kernel bug and panics. A user fault goes to the address
// space; one it cannot resolve kills the process with SIGSEGV.
func (k *Kernel) HandleFault(p *Process, vaddr uint64, access vmm.Access) error {
	if p == nil || p.Space == nil {
		log.L.Error("kernel-page-fault", "vaddr", vaddr, "access", access)
		panic("page fault in kernel context")
	}

	err := p.Space.HandleFault(k.CPU, vaddr, access)
	if err == nil {
		return nil
	}

	if errors.Cause(err) == vmm.ErrSegmentationFault {
		log.L.Debug("process-segfault", "pid", p.Pid, "vaddr", vaddr, "access", access)

		p.ExitSignal(abi.SIGSEGV)

		if k.Current() == p {
			k.Schedule()
		}
	}

	return err
}
