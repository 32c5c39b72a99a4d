// Package cspace stores capability slots and the derivation list that
// threads them.
//
// Slots live in an Arena and are named by generation-checked SlotHandles.
// A handle to a freed slot never resolves again, even after the index is
// reused, so a dangling derivation link is a checked error instead of a
// silent read of somebody else's slot.
package cspace

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
)

var (
	// ErrStaleHandle is returned when a handle's slot has been freed.
	ErrStaleHandle = errors.New("cspace: stale slot handle")
	// ErrNilHandle is returned when resolving the zero handle.
	ErrNilHandle = errors.New("cspace: nil slot handle")
	// ErrSlotInUse is returned when freeing a slot that still holds a cap
	// or derivation links.
	ErrSlotInUse = errors.New("cspace: slot in use")
)

// SlotHandle names one slot in an Arena. The zero value is the nil handle.
type SlotHandle struct {
	index uint32
	gen   uint32
}

// Nil is the empty handle.
var Nil SlotHandle

// IsNil reports whether h names no slot.
func (h SlotHandle) IsNil() bool { return h.index == 0 }

// Index returns the arena index of h.
func (h SlotHandle) Index() uint32 { return h.index }

// Gen returns the generation of h.
func (h SlotHandle) Gen() uint32 { return h.gen }

func (h SlotHandle) String() string {
	if h.IsNil() {
		return "slot(nil)"
	}
	return fmt.Sprintf("slot(%d.%d)", h.index, h.gen)
}

// MDBNode is a slot's position in the derivation list.
type MDBNode struct {
	Prev        SlotHandle
	Next        SlotHandle
	Revocable   bool
	FirstBadged bool
}

// CTE is a capability table entry.
type CTE struct {
	Cap caps.Cap
	MDB MDBNode
}

// IsEmpty reports whether the slot holds the null cap.
func (c *CTE) IsEmpty() bool { return caps.IsNull(c.Cap) }

type entry struct {
	gen  uint32
	live bool
	cte  CTE
}

// Arena owns every capability slot of a kernel instance.
type Arena struct {
	entries []*entry
	free    []uint32
	live    int
}

// NewArena returns an empty arena. Index 0 is reserved for Nil.
func NewArena() *Arena {
	return &Arena{entries: []*entry{nil}}
}

// Alloc returns a fresh slot holding the null cap.
func (a *Arena) Alloc() SlotHandle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.entries))
		a.entries = append(a.entries, &entry{})
	}
	e := a.entries[idx]
	e.live = true
	e.cte = CTE{Cap: caps.Null{}}
	a.live++
	return SlotHandle{index: idx, gen: e.gen}
}

// AllocN allocates n slots.
func (a *Arena) AllocN(n int) []SlotHandle {
	out := make([]SlotHandle, n)
	for i := range out {
		out[i] = a.Alloc()
	}
	return out
}

// Free releases an empty, unlinked slot. Its handle goes stale.
func (a *Arena) Free(h SlotHandle) error {
	e, err := a.entry(h)
	if err != nil {
		return err
	}
	if !e.cte.IsEmpty() || !e.cte.MDB.Prev.IsNil() || !e.cte.MDB.Next.IsNil() {
		return fmt.Errorf("%w: %s holds %s", ErrSlotInUse, h, caps.String(e.cte.Cap))
	}
	e.live = false
	e.gen++
	e.cte = CTE{}
	a.free = append(a.free, h.index)
	a.live--
	return nil
}

func (a *Arena) entry(h SlotHandle) (*entry, error) {
	if h.IsNil() {
		return nil, ErrNilHandle
	}
	if int(h.index) >= len(a.entries) {
		return nil, fmt.Errorf("%w: %s out of range", ErrStaleHandle, h)
	}
	e := a.entries[h.index]
	if !e.live || e.gen != h.gen {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return e, nil
}

// Get resolves h.
func (a *Arena) Get(h SlotHandle) (*CTE, error) {
	e, err := a.entry(h)
	if err != nil {
		return nil, err
	}
	return &e.cte, nil
}

// Lookup resolves h, returning nil for a nil or stale handle.
func (a *Arena) Lookup(h SlotHandle) *CTE {
	c, err := a.Get(h)
	if err != nil {
		return nil
	}
	return c
}

// Valid reports whether h resolves.
func (a *Arena) Valid(h SlotHandle) bool {
	_, err := a.entry(h)
	return err == nil
}

// Len returns the number of live slots.
func (a *Arena) Len() int { return a.live }

// Each calls fn for every live slot in index order.
func (a *Arena) Each(fn func(SlotHandle, *CTE)) {
	for i, e := range a.entries {
		if e == nil || !e.live {
			continue
		}
		fn(SlotHandle{index: uint32(i), gen: e.gen}, &e.cte)
	}
}
