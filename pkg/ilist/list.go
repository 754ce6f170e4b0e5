// Package ilist provides an intrusive doubly-linked list. Elements embed
// Entry and carry their own links, so membership costs no allocation.
package ilist

// Linker is the interface an element exposes to the list. Embedding Entry
// satisfies it.
type Linker interface {
	Next() Linker
	Prev() Linker
	SetNext(Linker)
	SetPrev(Linker)
}

// Entry is the embeddable link block.
type Entry struct {
	next Linker
	prev Linker
}

func (e *Entry) Next() Linker     { return e.next }
func (e *Entry) Prev() Linker     { return e.prev }
func (e *Entry) SetNext(l Linker) { e.next = l }
func (e *Entry) SetPrev(l Linker) { e.prev = l }

// List is a doubly-linked list of Linkers. The zero value is empty.
type List struct {
	head Linker
	tail Linker
}

func (l *List) Empty() bool {
	return l.head == nil
}

func (l *List) Front() Linker {
	return l.head
}

func (l *List) Back() Linker {
	return l.tail
}

func (l *List) PushBack(e Linker) {
	e.SetNext(nil)
	e.SetPrev(l.tail)

	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}

	l.tail = e
}

func (l *List) PushFront(e Linker) {
	e.SetPrev(nil)
	e.SetNext(l.head)

	if l.head != nil {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}

	l.head = e
}

// Remove unlinks e. Removing an element that is not on the list corrupts
// the links; callers track membership themselves.
func (l *List) Remove(e Linker) {
	prev := e.Prev()
	next := e.Next()

	if prev != nil {
		prev.SetNext(next)
	} else {
		l.head = next
	}

	if next != nil {
		next.SetPrev(prev)
	} else {
		l.tail = prev
	}

	e.SetNext(nil)
	e.SetPrev(nil)
}
