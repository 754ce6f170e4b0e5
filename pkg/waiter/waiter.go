// Package waiter delivers edge-triggered events to registered listeners.
// The process layer uses it to wake parents blocked in wait when a child
// changes state.
package waiter

import (
	"sync"

	"github.com/cascadia-os/cascadia/log"
	"github.com/cascadia-os/cascadia/pkg/ilist"
)

type EventType uint64

const (
	// EventChildExit fires when a child of the owning process becomes a
	// zombie or is reaped.
	EventChildExit EventType = 1 << iota
)

type Waiter struct {
	mu sync.RWMutex

	count   int
	waiters ilist.List
}

type Event struct {
	ilist.Entry

	Mask     EventType
	Context  interface{}
	Callback func(e *Event)
}

func (w *Waiter) Register(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count++

	w.waiters.PushBack(e)
}

func triggerChan(e *Event) {
	c := e.Context.(chan struct{})

	select {
	case c <- struct{}{}:
	default:
	}
}

// RegisterChannel registers a buffered-send into c for any event matching
// mask. Sends never block; a full channel means a wakeup is already
// pending, which is all the waiter needs.
func (w *Waiter) RegisterChannel(mask EventType, c chan struct{}) *Event {
	e := &Event{
		Callback: triggerChan,
		Context:  c,
		Mask:     mask,
	}

	w.Register(e)

	return e
}

func (w *Waiter) Unregister(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count--

	w.waiters.Remove(e)
}

func (w *Waiter) Notify(mask EventType) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	log.L.Trace("waiters-notify", "count", w.count)

	for it := w.waiters.Front(); it != nil; it = it.Next() {
		e := it.(*Event)
		if mask&e.Mask != 0 {
			e.Callback(e)
		}
	}
}
