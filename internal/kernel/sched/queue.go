package sched

// Links are the intrusive pointers an element carries for one queue.
type Links[T any] struct {
	Prev, Next *T
}

// LinkFunc returns the links of t used by a given queue.
type LinkFunc[T any] func(t *T) *Links[T]

// Queue is an intrusive doubly-linked FIFO. Elements are not copied; the
// caller owns them and their links.
type Queue[T any] struct {
	Head, Tail *T
}

// Empty reports whether q has no elements.
func (q *Queue[T]) Empty() bool { return q.Head == nil }

// PushFront inserts t at the head of q.
func (q *Queue[T]) PushFront(t *T, links LinkFunc[T]) {
	l := links(t)
	l.Prev = nil
	l.Next = q.Head
	if q.Head != nil {
		links(q.Head).Prev = t
	} else {
		q.Tail = t
	}
	q.Head = t
}

// PushBack appends t at the tail of q.
func (q *Queue[T]) PushBack(t *T, links LinkFunc[T]) {
	l := links(t)
	l.Next = nil
	l.Prev = q.Tail
	if q.Tail != nil {
		links(q.Tail).Next = t
	} else {
		q.Head = t
	}
	q.Tail = t
}

// Remove unlinks t, which must be in q.
func (q *Queue[T]) Remove(t *T, links LinkFunc[T]) {
	l := links(t)
	if l.Prev != nil {
		links(l.Prev).Next = l.Next
	} else {
		q.Head = l.Next
	}
	if l.Next != nil {
		links(l.Next).Prev = l.Prev
	} else {
		q.Tail = l.Prev
	}
	l.Prev, l.Next = nil, nil
}

// Items returns the elements of q from head to tail.
func (q *Queue[T]) Items(links LinkFunc[T]) []*T {
	var out []*T
	for t := q.Head; t != nil; t = links(t).Next {
		out = append(out, t)
	}
	return out
}

// Len returns the number of elements in q.
func (q *Queue[T]) Len(links LinkFunc[T]) int {
	n := 0
	for t := q.Head; t != nil; t = links(t).Next {
		n++
	}
	return n
}
