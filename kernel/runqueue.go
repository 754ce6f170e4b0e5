package kernel

import (
	"github.com/cascadia-os/cascadia/arch"
)

// Priorities are strict: a runnable process at a higher level always runs
// before anything below it. Within a level the queue is FIFO.
const (
	NumPriorities   = 4
	DefaultPriority = 2
)

// RunQueue holds runnable pids per priority. It is touched from tick
// context, so the lock masks interrupts.
type RunQueue struct {
	lock arch.IRQLock

	queues [NumPriorities][]int
}

func NewRunQueue() *RunQueue {
	return &RunQueue{}
}

// Enqueue appends pid at the tail of its priority level.
func (q *RunQueue) Enqueue(cpu *arch.CPU, pid, priority int) {
	if priority < 0 {
		priority = 0
	}
	if priority >= NumPriorities {
		priority = NumPriorities - 1
	}

	q.lock.Lock(cpu)
	defer q.lock.Unlock()

	q.queues[priority] = append(q.queues[priority], pid)
}

// DequeueNext pops the head of the highest non-empty level. Returns -1
// when nothing is runnable.
func (q *RunQueue) DequeueNext(cpu *arch.CPU) int {
	q.lock.Lock(cpu)
	defer q.lock.Unlock()

	for pri := 0; pri < NumPriorities; pri++ {
		if len(q.queues[pri]) == 0 {
			continue
		}

		pid := q.queues[pri][0]
		q.queues[pri] = q.queues[pri][1:]
		return pid
	}

	return -1
}

// Remove drops every occurrence of pid. Used when a queued process dies
// before it is picked again.
func (q *RunQueue) Remove(cpu *arch.CPU, pid int) {
	q.lock.Lock(cpu)
	defer q.lock.Unlock()

	for pri := range q.queues {
		out := q.queues[pri][:0]
		for _, p := range q.queues[pri] {
			if p != pid {
				out = append(out, p)
			}
		}
		q.queues[pri] = out
	}
}

// Len reports the number of queued pids across all levels.
func (q *RunQueue) Len() int {
	q.lock.Lock(nil)
	defer q.lock.Unlock()

	n := 0
	for pri := range q.queues {
		n += len(q.queues[pri])
	}
	return n
}
