// Package waitq implements an intrusive FIFO queue whose entries can be
// unlinked from the middle, any number of times.
//
// A Queue is not safe for concurrent use.
package waitq

// Entry is an element of a Queue.
type Entry[T any] struct {
	Value T

	prev, next *Entry[T]
	q          *Queue[T] // nil once unlinked.
}

// Linked reports whether the entry is still in a queue.
func (e *Entry[T]) Linked() bool {
	return e != nil && e.q != nil
}

// Next returns the entry queued after e, or nil.
func (e *Entry[T]) Next() *Entry[T] {
	if e.q == nil {
		return nil
	}
	return e.next
}

// Queue is a doubly-linked FIFO. The zero value is an empty queue.
type Queue[T any] struct {
	head, tail *Entry[T]
	n          int
}

// Len returns the number of linked entries.
func (q *Queue[T]) Len() int {
	return q.n
}

// Front returns the oldest entry, or nil.
func (q *Queue[T]) Front() *Entry[T] {
	return q.head
}

// PushBack appends v at the tail and returns its entry.
func (q *Queue[T]) PushBack(v T) *Entry[T] {
	e := &Entry[T]{Value: v, q: q, prev: q.tail}
	if q.tail != nil {
		q.tail.next = e
	} else {
		q.head = e
	}
	q.tail = e
	q.n++
	return e
}

// Remove unlinks e from q. It returns false, and does nothing, if e is nil,
// already unlinked or belongs to another queue.
func (q *Queue[T]) Remove(e *Entry[T]) bool {
	if e == nil || e.q != q {
		return false
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		q.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		q.tail = e.prev
	}
	e.prev, e.next, e.q = nil, nil, nil
	q.n--
	return true
}

// Sweep walks the queue once from front to back and calls visit for every
// entry. An entry for which visit returns done=true is unlinked; the walk
// then continues with the entry that followed it. The walk ends early when
// visit returns stop=true. Sweep returns the number of unlinked entries.
//
// visit must not remove entries itself; it may append new ones.
func (q *Queue[T]) Sweep(visit func(v T) (done, stop bool)) int {
	removed := 0
	for e := q.head; e != nil; {
		done, stop := visit(e.Value)
		next := e.next
		if done && q.Remove(e) {
			removed++
		}
		if stop {
			break
		}
		e = next
	}
	return removed
}
