package sched

import "fmt"

// Ready is the set of ready queues of every domain, kept coherent with a
// Bitmap.
type Ready[T any] struct {
	numDomains int
	links      LinkFunc[T]
	queues     []Queue[T]
	bitmap     *Bitmap
}

// NewReady returns empty ready queues for numDomains domains.
func NewReady[T any](numDomains int, links LinkFunc[T]) *Ready[T] {
	return &Ready[T]{
		numDomains: numDomains,
		links:      links,
		queues:     make([]Queue[T], numDomains*NumPriorities),
		bitmap:     NewBitmap(numDomains),
	}
}

func (r *Ready[T]) index(dom, prio int) int { return dom*NumPriorities + prio }

// Domains returns the number of domains.
func (r *Ready[T]) Domains() int { return r.numDomains }

// Bitmap exposes the priority bitmap.
func (r *Ready[T]) Bitmap() *Bitmap { return r.bitmap }

// Queue returns the queue of (dom, prio).
func (r *Ready[T]) Queue(dom, prio int) *Queue[T] { return &r.queues[r.index(dom, prio)] }

// Enqueue puts t at the head of its queue.
func (r *Ready[T]) Enqueue(dom, prio int, t *T) {
	q := r.Queue(dom, prio)
	if q.Empty() {
		r.bitmap.Set(dom, prio)
	}
	q.PushFront(t, r.links)
}

// Append puts t at the tail of its queue.
func (r *Ready[T]) Append(dom, prio int, t *T) {
	q := r.Queue(dom, prio)
	if q.Empty() {
		r.bitmap.Set(dom, prio)
	}
	q.PushBack(t, r.links)
}

// Dequeue removes t from its queue.
func (r *Ready[T]) Dequeue(dom, prio int, t *T) {
	q := r.Queue(dom, prio)
	q.Remove(t, r.links)
	if q.Empty() {
		r.bitmap.Clear(dom, prio)
	}
}

// Highest returns the head of the highest non-empty queue of dom.
func (r *Ready[T]) Highest(dom int) (*T, int, bool) {
	if r.bitmap.Empty(dom) {
		return nil, 0, false
	}
	prio := r.bitmap.Highest(dom)
	return r.Queue(dom, prio).Head, prio, true
}

// Depth returns the number of queued elements of dom.
func (r *Ready[T]) Depth(dom int) int {
	n := 0
	for p := 0; p < NumPriorities; p++ {
		n += r.Queue(dom, p).Len(r.links)
	}
	return n
}

// Check verifies that a priority is marked in the bitmap exactly when its
// queue is non-empty, and that the queue links are mutually consistent.
func (r *Ready[T]) Check() error {
	for d := 0; d < r.numDomains; d++ {
		for p := 0; p < NumPriorities; p++ {
			q := r.Queue(d, p)
			if q.Empty() == r.bitmap.IsSet(d, p) {
				return fmt.Errorf("domain %d prio %d: queue empty=%t, bitmap set=%t", d, p, q.Empty(), r.bitmap.IsSet(d, p))
			}
			if (q.Head == nil) != (q.Tail == nil) {
				return fmt.Errorf("domain %d prio %d: head/tail disagree", d, p)
			}
			var prev *T
			for t := q.Head; t != nil; t = r.links(t).Next {
				if r.links(t).Prev != prev {
					return fmt.Errorf("domain %d prio %d: broken back link", d, p)
				}
				prev = t
			}
			if prev != q.Tail {
				return fmt.Errorf("domain %d prio %d: tail mismatch", d, p)
			}
		}
		idx := r.bitmap.L2(d)
		for i := 0; i < L2Size; i++ {
			if (r.bitmap.L1(d)&(1<<uint(i)) != 0) != (idx[invertL1(i)] != 0) {
				return fmt.Errorf("domain %d: l1 bit %d disagrees with l2", d, i)
			}
		}
	}
	return nil
}
