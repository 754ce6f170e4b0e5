package kernel

import (
	"github.com/cascadia-os/cascadia/log"
)

// Tick is the timer interrupt: charge the running process one tick and
// preempt it when its slice is spent.
func (k *Kernel) Tick() {
	p := k.Current()
	if p == nil {
		k.Schedule()
		return
	}

	p.mu.Lock()
	p.slice--
	expired := p.slice <= 0
	p.mu.Unlock()

	if expired {
		k.Schedule()
	}
}

// Schedule saves the outgoing context, requeues the process if it is
// still runnable, and dispatches the head of the highest non-empty
// priority level. Reloading the same translation root is skipped, which
// keeps the TLB warm when a process is rescheduled back-to-back.
func (k *Kernel) Schedule() {
	prev := k.CPU.MaskInterrupts()
	defer k.CPU.RestoreInterrupts(prev)

	if out := k.Current(); out != nil {
		out.mu.Lock()
		k.CPU.SaveContext(&out.context)
		out.contextValid = true

		requeue := out.status == Running
		if requeue {
			out.status = Ready
			out.slice = out.BaseSlice
		}
		pid, pri := out.Pid, out.Priority
		out.mu.Unlock()

		if requeue {
			k.Run.Enqueue(k.CPU, pid, pri)
		}
	}

	for {
		pid := k.Run.DequeueNext(k.CPU)
		if pid < 0 {
			// Idle. The kernel space stays loaded.
			k.setCurrent(nil)
			k.CPU.SwitchAddressSpace(k.KernelSpace.Root())
			return
		}

		next := k.Procs.Lookup(pid)
		if next == nil {
			continue
		}

		next.mu.Lock()
		if next.status != Ready {
			// Died or blocked while queued.
			next.mu.Unlock()
			continue
		}

		next.status = Running
		next.slice = next.BaseSlice

		root := k.KernelSpace.Root()
		if next.Space != nil {
			root = next.Space.Root()
		}

		ctx := next.context
		valid := next.contextValid
		next.mu.Unlock()

		k.setCurrent(next)

		k.CPU.SwitchAddressSpace(root)
		if valid {
			k.CPU.RestoreContext(&ctx)
		}

		log.L.Trace("sched-dispatch", "pid", pid, "root", root)

		return
	}
}

// Yield gives up the rest of the slice voluntarily.
func (k *Kernel) Yield() {
	k.Schedule()
}

// Block parks p until Wake. If p holds the CPU the scheduler runs.
func (k *Kernel) Block(p *Process) {
	p.mu.Lock()
	if p.status == Running || p.status == Ready {
		p.status = Blocked
	}
	p.mu.Unlock()

	if k.Current() == p {
		k.Schedule()
	}
}

// Wake makes a blocked process runnable again.
func (k *Kernel) Wake(p *Process) {
	p.mu.Lock()
	wake := p.status == Blocked
	if wake {
		p.status = Ready
		p.slice = p.BaseSlice
	}
	pid, pri := p.Pid, p.Priority
	p.mu.Unlock()

	if wake {
		k.Run.Enqueue(k.CPU, pid, pri)
	}
}
