package kernel

import (
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

// deriveCap returns the cap that a copy of c out of slot would hold.
// Reply, zombie and IRQ-control caps are not copyable and derive to Null.
func (k *Kernel) deriveCap(slot cspace.SlotHandle, c caps.Cap) (caps.Cap, *KernelError) {
	switch c := c.(type) {
	case caps.Zombie, caps.IRQControl, caps.Reply:
		return caps.Null{}, nil
	case caps.Untyped:
		if err := k.ensureNoChildren(slot); err != nil {
			return caps.Null{}, err
		}
		return c, nil
	case caps.Frame:
		c.MappedASID = 0
		c.MappedAddr = 0
		return c, nil
	case caps.VSpace:
		if c.ASID == 0 {
			return caps.Null{}, errIllegalOperation
		}
		return c, nil
	}
	return c, nil
}

func (k *Kernel) ensureNoChildren(slot cspace.SlotHandle) *KernelError {
	if _, ok := k.arena.FirstChild(slot); ok {
		return errRevokeFirst
	}
	return nil
}

func (k *Kernel) ensureEmptySlot(slot cspace.SlotHandle) *KernelError {
	if !k.cte(slot).IsEmpty() {
		return errDeleteFirst
	}
	return nil
}

// cteInsert installs newCap in the empty slot dest as a derivation child
// of src.
func (k *Kernel) cteInsert(newCap caps.Cap, src, dest cspace.SlotHandle) {
	s := k.cte(src)
	d := k.cte(dest)
	if !d.IsEmpty() || !d.MDB.Prev.IsNil() || !d.MDB.Next.IsNil() {
		k.halt("insert into occupied %s", dest)
	}
	revocable := caps.IsRevocable(newCap, s.Cap)
	k.setUntypedCapAsFull(s, newCap)
	if err := k.arena.InsertAfter(src, dest, newCap, revocable, revocable); err != nil {
		k.halt("insert: %v", err)
	}
}

// setUntypedCapAsFull exhausts src when newCap is an untyped of exactly
// the same block.
func (k *Kernel) setUntypedCapAsFull(src *cspace.CTE, newCap caps.Cap) {
	s, ok := src.Cap.(caps.Untyped)
	n, ok2 := newCap.(caps.Untyped)
	if ok && ok2 && s.Ptr == n.Ptr && s.BlockSize == n.BlockSize {
		s.FreeIndex = caps.MaxFreeIndex(s.BlockSize)
		src.Cap = s
	}
}

// insertNewCap links a freshly created object cap directly after parent.
func (k *Kernel) insertNewCap(parent, slot cspace.SlotHandle, c caps.Cap) {
	if err := k.arena.InsertAfter(parent, slot, c, true, true); err != nil {
		k.halt("insert new cap: %v", err)
	}
}

func (k *Kernel) cteMove(newCap caps.Cap, src, dest cspace.SlotHandle) {
	if !k.cte(dest).IsEmpty() {
		k.halt("move into occupied %s", dest)
	}
	if err := k.arena.Move(newCap, src, dest); err != nil {
		k.halt("move: %v", err)
	}
}

func (k *Kernel) cteSwap(c1 caps.Cap, s1 cspace.SlotHandle, c2 caps.Cap, s2 cspace.SlotHandle) {
	if err := k.arena.Swap(c1, s1, c2, s2); err != nil {
		k.halt("swap: %v", err)
	}
}

func (k *Kernel) capSwapForDelete(s1, s2 cspace.SlotHandle) {
	if s1 == s2 {
		return
	}
	k.cteSwap(k.cte(s1).Cap, s1, k.cte(s2).Cap, s2)
}

// isFinalCapability reports whether no neighbour in the derivation list
// refers to the same object as slot.
func (k *Kernel) isFinalCapability(slot cspace.SlotHandle) bool {
	e := k.cte(slot)
	if p := k.arena.Lookup(e.MDB.Prev); p != nil && caps.SameObjectAs(p.Cap, e.Cap) {
		return false
	}
	n := k.arena.Lookup(e.MDB.Next)
	if n == nil {
		return true
	}
	return !caps.SameObjectAs(e.Cap, n.Cap)
}

// slotCapLongRunningDelete reports whether deleting slot may take more
// than one preemption interval.
func (k *Kernel) slotCapLongRunningDelete(slot cspace.SlotHandle) bool {
	e := k.cte(slot)
	if e.IsEmpty() || !k.isFinalCapability(slot) {
		return false
	}
	switch e.Cap.(type) {
	case caps.Thread, caps.Zombie, caps.CNode:
		return true
	}
	return false
}

// setupReplyMaster installs t's reply master cap once.
func (k *Kernel) setupReplyMaster(t *Thread) {
	slot := k.tcbSlot(t, abi.TCBReply)
	e := k.cte(slot)
	if !e.IsEmpty() {
		return
	}
	e.Cap = caps.Reply{TCB: t.Addr, Master: true, CanGrant: true}
	e.MDB = cspace.MDBNode{Revocable: true, FirstBadged: true}
}
