package kernel

import (
	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/arch"
	"github.com/cascadia-os/cascadia/log"
)

// Fork duplicates parent into a new runnable child. The address space is
// cloned copy-on-write; the child resumes from the same register state
// with a zero return value. On exhaustion nothing is left behind and the
// parent's space is exactly as it was.
func (k *Kernel) Fork(parent *Process) (*Process, error) {
	var ctx arch.Context
	k.CPU.SaveContext(&ctx)
	ctx.RAX = 0

	space, err := parent.Space.Clone(k.CPU)
	if err != nil {
		return nil, errors.Wrap(err, "cloning address space")
	}

	stack, err := k.Heap.Alloc(KernelStackSize)
	if err != nil {
		space.Release()
		return nil, errors.Wrap(err, "allocating child kernel stack")
	}

	parent.mu.Lock()
	pri := parent.Priority
	base := parent.BaseSlice
	args := parent.Args
	parent.mu.Unlock()

	child := &Process{
		Kernel:       k,
		Parent:       parent.Pid,
		Priority:     pri,
		BaseSlice:    base,
		slice:        base,
		context:      ctx,
		contextValid: true,
		KernelStack:  stack,
		Space:        space,
		Args:         args,
		status:       Ready,
	}

	k.Procs.assign(child)
	parent.adoptChild(child.Pid)

	k.Run.Enqueue(k.CPU, child.Pid, child.Priority)

	log.L.Debug("process-fork", "parent", parent.Pid, "child", child.Pid)

	return child, nil
}
