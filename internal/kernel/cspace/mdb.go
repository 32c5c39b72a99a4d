package cspace

import (
	"fmt"

	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
)

// IsMDBParentOf reports whether b is a derivation child of a.
func IsMDBParentOf(a, b *CTE) bool {
	if !a.MDB.Revocable {
		return false
	}
	if !caps.SameRegionAs(a.Cap, b.Cap) {
		return false
	}
	switch ac := a.Cap.(type) {
	case caps.Endpoint:
		if ac.Badge == 0 {
			return true
		}
		return ac.Badge == caps.Badge(b.Cap) && !b.MDB.FirstBadged
	case caps.Notification:
		if ac.Badge == 0 {
			return true
		}
		return ac.Badge == caps.Badge(b.Cap) && !b.MDB.FirstBadged
	}
	return true
}

// InsertAfter installs c in the empty slot dest and links dest directly
// after src.
func (a *Arena) InsertAfter(src, dest SlotHandle, c caps.Cap, revocable, firstBadged bool) error {
	s, err := a.Get(src)
	if err != nil {
		return err
	}
	d, err := a.Get(dest)
	if err != nil {
		return err
	}
	d.Cap = c
	d.MDB = MDBNode{Prev: src, Next: s.MDB.Next, Revocable: revocable, FirstBadged: firstBadged}
	if n := a.Lookup(s.MDB.Next); n != nil {
		n.MDB.Prev = dest
	}
	s.MDB.Next = dest
	return nil
}

// Move relocates src's list position to dest, installing c there and
// emptying src.
func (a *Arena) Move(c caps.Cap, src, dest SlotHandle) error {
	s, err := a.Get(src)
	if err != nil {
		return err
	}
	d, err := a.Get(dest)
	if err != nil {
		return err
	}
	mdb := s.MDB
	d.Cap = c
	s.Cap = caps.Null{}
	d.MDB = mdb
	s.MDB = MDBNode{}
	if p := a.Lookup(mdb.Prev); p != nil {
		p.MDB.Next = dest
	}
	if n := a.Lookup(mdb.Next); n != nil {
		n.MDB.Prev = dest
	}
	return nil
}

// Swap exchanges the contents and list positions of two slots, installing
// c1 (originally in s1) into s2 and c2 into s1. Adjacent slots are handled
// by patching s1's neighbours before s2's node is read.
func (a *Arena) Swap(c1 caps.Cap, s1 SlotHandle, c2 caps.Cap, s2 SlotHandle) error {
	e1, err := a.Get(s1)
	if err != nil {
		return err
	}
	e2, err := a.Get(s2)
	if err != nil {
		return err
	}
	e1.Cap = c2
	e2.Cap = c1

	mdb1 := e1.MDB
	if p := a.Lookup(mdb1.Prev); p != nil {
		p.MDB.Next = s2
	}
	if n := a.Lookup(mdb1.Next); n != nil {
		n.MDB.Prev = s2
	}

	mdb2 := e2.MDB
	e1.MDB = mdb2
	e2.MDB = mdb1
	if p := a.Lookup(mdb2.Prev); p != nil {
		p.MDB.Next = s1
	}
	if n := a.Lookup(mdb2.Next); n != nil {
		n.MDB.Prev = s1
	}
	return nil
}

// Unlink removes h from the derivation list and empties it. A successor
// inherits h's first-badged mark.
func (a *Arena) Unlink(h SlotHandle) error {
	e, err := a.Get(h)
	if err != nil {
		return err
	}
	mdb := e.MDB
	if p := a.Lookup(mdb.Prev); p != nil {
		p.MDB.Next = mdb.Next
	}
	if n := a.Lookup(mdb.Next); n != nil {
		n.MDB.Prev = mdb.Prev
		n.MDB.FirstBadged = n.MDB.FirstBadged || mdb.FirstBadged
	}
	e.Cap = caps.Null{}
	e.MDB = MDBNode{}
	return nil
}

// FirstChild returns the slot directly after h when it is h's child.
func (a *Arena) FirstChild(h SlotHandle) (SlotHandle, bool) {
	e := a.Lookup(h)
	if e == nil {
		return Nil, false
	}
	n := a.Lookup(e.MDB.Next)
	if n == nil || !IsMDBParentOf(e, n) {
		return Nil, false
	}
	return e.MDB.Next, true
}

// Descendants returns every slot that follows h in the list and is
// transitively derived from it, in list order.
func (a *Arena) Descendants(h SlotHandle) []SlotHandle {
	e := a.Lookup(h)
	if e == nil {
		return nil
	}
	var out []SlotHandle
	for cur := e.MDB.Next; !cur.IsNil(); {
		n := a.Lookup(cur)
		if n == nil || !IsMDBParentOf(e, n) {
			break
		}
		out = append(out, cur)
		cur = n.MDB.Next
	}
	return out
}

// Check verifies that every link in the derivation list is mirrored by its
// neighbour, that links only touch live slots and that empty slots are
// unlinked.
func (a *Arena) Check() error {
	var err error
	a.Each(func(h SlotHandle, e *CTE) {
		if err != nil {
			return
		}
		if e.IsEmpty() {
			if !e.MDB.Prev.IsNil() || !e.MDB.Next.IsNil() {
				err = fmt.Errorf("empty %s is linked", h)
			}
			return
		}
		if !e.MDB.Next.IsNil() {
			n := a.Lookup(e.MDB.Next)
			if n == nil {
				err = fmt.Errorf("%s links to dead %s", h, e.MDB.Next)
				return
			}
			if n.MDB.Prev != h {
				err = fmt.Errorf("%s.next=%s but %s.prev=%s", h, e.MDB.Next, e.MDB.Next, n.MDB.Prev)
				return
			}
		}
		if !e.MDB.Prev.IsNil() {
			p := a.Lookup(e.MDB.Prev)
			if p == nil {
				err = fmt.Errorf("%s links back to dead %s", h, e.MDB.Prev)
				return
			}
			if p.MDB.Next != h {
				err = fmt.Errorf("%s.prev=%s but %s.next=%s", h, e.MDB.Prev, e.MDB.Prev, p.MDB.Next)
			}
		}
	})
	return err
}
