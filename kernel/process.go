package kernel

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/arch"
	"github.com/cascadia-os/cascadia/log"
	"github.com/cascadia-os/cascadia/mm/vmm"
	"github.com/cascadia-os/cascadia/pkg/waiter"
)

var ErrNoChildren = errors.New("no children to wait for")

type ProcessStatus int

const (
	Ready ProcessStatus = iota
	Running
	Blocked
	Zombie
)

func (s ProcessStatus) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	}
	return "unknown"
}

type ExitStatus struct {
	Code  int
	Signo int
}

// Status packs the exit into the wait-status word userland decodes with
// WIFEXITED and friends.
func (e ExitStatus) Status() int32 {
	return ((int32(e.Code) & 0xff) << 8) | (int32(e.Signo) & 0xff)
}

// Process is the control block. The mutex guards status, context,
// children, and the exit status; scheduling fields are additionally only
// touched with interrupts masked.
type Process struct {
	mu sync.Mutex

	Kernel *Kernel
	Pid    int
	Parent int

	Priority  int
	BaseSlice int
	slice     int

	context      arch.Context
	contextValid bool

	// KernelStack is the heap block backing this process's kernel stack.
	// Zero for the bootstrap process, which runs on the boot stack.
	KernelStack uint64

	Space *vmm.Space

	Args []string

	children []int

	status     ProcessStatus
	exitStatus ExitStatus

	// events fires EventChildExit when a child of this process dies.
	events waiter.Waiter
}

func (p *Process) Status() ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Process) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

func (p *Process) Children() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]int, len(p.children))
	copy(out, p.children)
	return out
}

// Exit terminates the process with an exit code.
func (p *Process) Exit(code int) {
	p.exit(ExitStatus{Code: code})
}

// ExitSignal terminates the process as if killed by signo.
func (p *Process) ExitSignal(signo int) {
	p.exit(ExitStatus{Signo: signo})
}

// exit releases the address space and kernel stack immediately; the pid
// and status survive as a zombie until the parent reaps them. Children
// are handed to init.
func (p *Process) exit(status ExitStatus) {
	p.mu.Lock()

	if p.status == Zombie {
		p.mu.Unlock()
		return
	}

	p.status = Zombie
	p.exitStatus = status

	space := p.Space
	p.Space = nil

	stack := p.KernelStack
	p.KernelStack = 0

	children := p.children
	p.children = nil

	p.mu.Unlock()

	log.L.Debug("process-exit", "pid", p.Pid, "code", status.Code, "signo", status.Signo)

	if space != nil {
		space.Release()
	}

	if stack != 0 {
		p.Kernel.Heap.Free(stack, KernelStackSize)
	}

	for _, pid := range children {
		p.Kernel.Procs.reparent(pid, InitPid)
	}

	if parent := p.Kernel.Procs.Lookup(p.Parent); parent != nil {
		parent.events.Notify(waiter.EventChildExit)
	}
}

// WaitResult is one reaped child.
type WaitResult struct {
	Pid    int
	Status ExitStatus
}

// WaitAnyChild reaps a zombie child. With block set it sleeps until a
// child dies or ctx is cancelled; otherwise a nil result means nothing was
// reapable yet.
func (p *Process) WaitAnyChild(ctx context.Context, block bool) (*WaitResult, error) {
	if !block {
		return p.reapOnce()
	}

	c := make(chan struct{}, 1)
	ev := p.events.RegisterChannel(waiter.EventChildExit, c)
	defer p.events.Unregister(ev)

	for {
		res, err := p.reapOnce()
		if err != nil {
			return nil, err
		}

		if res != nil {
			return res, nil
		}

		// Give up the CPU while sleeping; a Tick must never see a
		// waiting process as Running and requeue it.
		p.Kernel.Block(p)

		log.L.Trace("process-waiting-reap", "pid", p.Pid)
		select {
		case <-ctx.Done():
			p.Kernel.Wake(p)
			return nil, ctx.Err()
		case <-c:
			p.Kernel.Wake(p)
		}
	}
}

func (p *Process) reapOnce() (*WaitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.children) == 0 {
		return nil, ErrNoChildren
	}

	for i, pid := range p.children {
		child := p.Kernel.Procs.Lookup(pid)
		if child == nil {
			continue
		}

		if child.Status() != Zombie {
			continue
		}

		status := child.ExitStatus()

		p.children = append(p.children[:i], p.children[i+1:]...)
		p.Kernel.Procs.release(pid)

		log.L.Trace("process-reaped", "pid", p.Pid, "child", pid)

		return &WaitResult{Pid: pid, Status: status}, nil
	}

	return nil, nil
}

// adoptChild records a new child. Used by fork and by reparenting.
func (p *Process) adoptChild(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.children = append(p.children, pid)
}
