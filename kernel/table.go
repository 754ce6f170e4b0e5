package kernel

import (
	"sync"

	"github.com/cascadia-os/cascadia/log"
	"github.com/cascadia-os/cascadia/pkg/waiter"
)

// InitPid is the first process; orphans are reparented to it.
const InitPid = 1

// Table is the pid arena. Slots index by pid directly; released pids go
// on a free list and are reused before the arena grows.
type Table struct {
	mu sync.Mutex

	procs []*Process
	free  []int
}

func NewTable() *Table {
	// Slot 0 stays empty so pids start at 1.
	return &Table{procs: make([]*Process, 1)}
}

// assign places p in the arena and stamps its pid.
func (t *Table) assign(p *Process) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pid int
	if n := len(t.free); n > 0 {
		pid = t.free[n-1]
		t.free = t.free[:n-1]
		t.procs[pid] = p
	} else {
		pid = len(t.procs)
		t.procs = append(t.procs, p)
	}

	p.Pid = pid

	return pid
}

// Lookup returns the process holding pid, or nil.
func (t *Table) Lookup(pid int) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pid <= 0 || pid >= len(t.procs) {
		return nil
	}

	return t.procs[pid]
}

// release frees the slot after a zombie has been reaped. The pid becomes
// reusable immediately.
func (t *Table) release(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pid <= 0 || pid >= len(t.procs) || t.procs[pid] == nil {
		log.L.Error("pid-release-invalid", "pid", pid)
		return
	}

	t.procs[pid] = nil
	t.free = append(t.free, pid)
}

// reparent hands a process to a new parent, adopting it there.
func (t *Table) reparent(pid, newParent int) {
	child := t.Lookup(pid)
	if child == nil {
		return
	}

	child.mu.Lock()
	child.Parent = newParent
	child.mu.Unlock()

	if adopter := t.Lookup(newParent); adopter != nil {
		adopter.adoptChild(pid)

		// The orphan may already be a zombie; wake the adopter.
		if child.Status() == Zombie {
			adopter.events.Notify(waiter.EventChildExit)
		}
	}
}

// Count returns the number of live slots, zombies included.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.procs {
		if p != nil {
			n++
		}
	}
	return n
}
