// Package sched holds the scheduler's ready-queue structures: intrusive
// FIFO queues, one per (domain, priority) pair, and a two-level bitmap that
// finds the highest non-empty priority of a domain in constant time.
package sched

import "math/bits"

const (
	// NumPriorities is the number of priority levels per domain.
	NumPriorities = 256
	wordBits      = 64
	// L2Size is the number of second-level words per domain.
	L2Size = (NumPriorities + wordBits - 1) / wordBits
)

func l1Index(prio int) int { return prio >> 6 }

// invertL1 maps a first-level index to its second-level slot. High
// priorities land at low slots.
func invertL1(i int) int { return L2Size - 1 - i }

// Bitmap tracks which priorities of each domain have a ready thread.
type Bitmap struct {
	l1 []uint64
	l2 [][L2Size]uint64
}

// NewBitmap returns an empty bitmap for numDomains domains.
func NewBitmap(numDomains int) *Bitmap {
	return &Bitmap{
		l1: make([]uint64, numDomains),
		l2: make([][L2Size]uint64, numDomains),
	}
}

// Set marks prio in dom as non-empty.
func (b *Bitmap) Set(dom, prio int) {
	i := l1Index(prio)
	b.l1[dom] |= 1 << uint(i)
	b.l2[dom][invertL1(i)] |= 1 << uint(prio&(wordBits-1))
}

// Clear marks prio in dom as empty.
func (b *Bitmap) Clear(dom, prio int) {
	i := l1Index(prio)
	inv := invertL1(i)
	b.l2[dom][inv] &^= 1 << uint(prio&(wordBits-1))
	if b.l2[dom][inv] == 0 {
		b.l1[dom] &^= 1 << uint(i)
	}
}

// IsSet reports whether prio in dom is marked.
func (b *Bitmap) IsSet(dom, prio int) bool {
	i := l1Index(prio)
	return b.l2[dom][invertL1(i)]&(1<<uint(prio&(wordBits-1))) != 0
}

// Empty reports whether dom has no ready priority.
func (b *Bitmap) Empty(dom int) bool { return b.l1[dom] == 0 }

// L1 returns the first-level word of dom.
func (b *Bitmap) L1(dom int) uint64 { return b.l1[dom] }

// L2 returns the second-level words of dom, in inverted order.
func (b *Bitmap) L2(dom int) [L2Size]uint64 { return b.l2[dom] }

// Highest returns the highest marked priority of dom. The domain must not
// be empty.
func (b *Bitmap) Highest(dom int) int {
	i := wordBits - 1 - bits.LeadingZeros64(b.l1[dom])
	l2 := wordBits - 1 - bits.LeadingZeros64(b.l2[dom][invertL1(i)])
	return i<<6 | l2
}
