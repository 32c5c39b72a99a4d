package kernel

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

// cteDelete deletes the cap in slot. An exposed delete is one a user asked
// for: it always finishes the job or returns an error. A non-exposed
// delete runs on behalf of an enclosing zombie and may leave a cyclic
// zombie behind for the caller.
func (k *Kernel) cteDelete(slot cspace.SlotHandle, exposed bool) *KernelError {
	success, cleanup, err := k.finaliseSlot(slot, exposed)
	if err != nil {
		return err
	}
	if exposed || success {
		k.emptySlot(slot, cleanup)
	}
	return nil
}

// finaliseSlot runs finaliseCap on slot until what is left may simply be
// removed. An immediate pass reduces a zombie by deleting its last slot
// with a non-immediate pass; a non-immediate pass only swaps zombies aside
// and never goes deeper, so the nesting is at most two levels.
func (k *Kernel) finaliseSlot(slot cspace.SlotHandle, immediate bool) (bool, caps.Cap, *KernelError) {
	for {
		e := k.cte(slot)
		if e.IsEmpty() {
			break
		}
		final := k.isFinalCapability(slot)
		remainder, cleanup := k.finaliseCap(e.Cap, final, false)
		if k.capRemovable(remainder, slot) {
			if immediate {
				k.deleting = DeletionState{}
			}
			return true, cleanup, nil
		}
		e.Cap = remainder
		if !immediate && k.capCyclicZombie(remainder, slot) {
			return false, cleanup, nil
		}
		z := remainder.(caps.Zombie)
		if immediate {
			k.deleting = DeletionState{Phase: DeletionPendingZombie, Slot: slot, Remaining: z.Number}
		}
		if err := k.reduceZombie(slot, z, immediate); err != nil {
			return false, caps.Null{}, err
		}
		if err := k.preemptionPoint("delete"); err != nil {
			return false, caps.Null{}, err
		}
	}
	if immediate {
		k.deleting = DeletionState{}
	}
	return true, caps.Null{}, nil
}

// capRemovable reports whether what finaliseCap left in slot needs no
// further work before the slot is emptied.
func (k *Kernel) capRemovable(c caps.Cap, slot cspace.SlotHandle) bool {
	switch c := c.(type) {
	case caps.Null:
		return true
	case caps.Zombie:
		if c.Number == 0 {
			return true
		}
		return c.Number == 1 && k.zombieSlot(c, 0) == slot
	}
	k.halt("finaliseCap left %s", caps.String(c))
	return false
}

// capCyclicZombie reports whether c is a zombie that sits in its own
// first slot.
func (k *Kernel) capCyclicZombie(c caps.Cap, slot cspace.SlotHandle) bool {
	z, ok := c.(caps.Zombie)
	return ok && k.zombieSlot(z, 0) == slot
}

// zombieSlot returns slot i of the object a zombie is tearing down.
func (k *Kernel) zombieSlot(z caps.Zombie, i abi.Word) cspace.SlotHandle {
	if z.IsTCB() {
		if i >= abi.TCBSlotCount {
			k.halt("zombie tcb slot %d", i)
		}
		return k.thread(z.Ptr).Slots[i]
	}
	return k.cnodeSlot(k.cnode(z.Ptr), i)
}

// peekZombieSlot is zombieSlot for a slot that may never have been used;
// an unallocated CNode slot is empty and is not created.
func (k *Kernel) peekZombieSlot(z caps.Zombie, i abi.Word) (cspace.SlotHandle, bool) {
	if z.IsTCB() {
		return k.zombieSlot(z, i), true
	}
	h, ok := k.cnode(z.Ptr).slots[i]
	return h, ok
}

func (k *Kernel) reduceZombie(slot cspace.SlotHandle, z caps.Zombie, immediate bool) *KernelError {
	if z.Number == 0 {
		k.halt("reducing empty zombie in %s", slot)
	}
	ptr := k.zombieSlot(z, 0)

	if !immediate {
		if ptr == slot {
			k.halt("swapping cyclic zombie in %s", slot)
		}
		if pz, ok := k.cte(ptr).Cap.(caps.Zombie); ok && k.zombieSlot(pz, 0) == ptr {
			k.halt("not moving self-referential zombie aside from %s", ptr)
		}
		k.capSwapForDelete(ptr, slot)
		return nil
	}

	end, allocated := k.peekZombieSlot(z, z.Number-1)
	if allocated {
		if err := k.cteDelete(end, false); err != nil {
			return err
		}
	}

	e := k.cte(slot)
	switch c := e.Cap.(type) {
	case caps.Null:
	case caps.Zombie:
		if c.Ptr == z.Ptr && c.Number == z.Number && c.Kind == z.Kind {
			if allocated && !k.cte(end).IsEmpty() {
				k.halt("zombie end slot %s survived deletion", end)
			}
			c.Number--
			e.Cap = c
			k.deleting.Remaining = c.Number
		} else {
			k.checkSelfReferentialZombie(slot, ptr, c)
		}
	default:
		k.halt("expected recursion to result in zombie, found %s", caps.String(c))
	}
	return nil
}

// checkSelfReferentialZombie enforces that a zombie replaced during the
// deletion of its last child can only be one sitting in its own first
// slot, and that it is not the zombie being reduced.
func (k *Kernel) checkSelfReferentialZombie(slot, ptr cspace.SlotHandle, c caps.Zombie) {
	if k.zombieSlot(c, 0) != slot || ptr == slot {
		k.halt("zombie in %s replaced by non self-referential %s", slot, caps.String(c))
	}
}

// finaliseCap performs the object-specific teardown for the last cap to an
// object and returns what must remain in the slot, plus a cap describing
// post-deletion cleanup.
func (k *Kernel) finaliseCap(c caps.Cap, final, exposed bool) (caps.Cap, caps.Cap) {
	if c.Type().IsArch() {
		k.finaliseArchCap(c, final)
		return caps.Null{}, caps.Null{}
	}

	switch c := c.(type) {
	case caps.Endpoint:
		if final {
			k.cancelAllIPC(k.endpoint(c.Ptr))
			delete(k.endpoints, c.Ptr)
		}
		return caps.Null{}, caps.Null{}
	case caps.Notification:
		if final {
			n := k.notification(c.Ptr)
			k.unbindMaybeNotification(n)
			k.cancelAllSignals(n)
			delete(k.notifications, c.Ptr)
		}
		return caps.Null{}, caps.Null{}
	case caps.Reply, caps.Null, caps.Domain:
		return caps.Null{}, caps.Null{}
	}

	if exposed {
		k.halt("finaliseCap: failed to finalise %s immediately", caps.String(c))
	}

	switch c := c.(type) {
	case caps.CNode:
		if final {
			return caps.NewZombieCNode(c.Ptr, c.Radix), caps.Null{}
		}
	case caps.Thread:
		if final {
			t := k.thread(c.Ptr)
			k.unbindNotification(t)
			k.suspend(t)
			return caps.NewZombieTCB(c.Ptr), caps.Null{}
		}
	case caps.Zombie:
		return c, caps.Null{}
	case caps.IRQHandler:
		if final {
			k.deletingIRQHandler(c.IRQ)
			return caps.Null{}, c
		}
	}
	return caps.Null{}, caps.Null{}
}

func (k *Kernel) finaliseArchCap(c caps.Cap, final bool) {
	switch c := c.(type) {
	case caps.Frame:
		if c.MappedASID != 0 {
			k.mmu.UnmapFrame(c)
		}
	case caps.VSpace:
		if final && c.ASID != 0 {
			k.mmu.DeleteASID(c.ASID, c.Ptr)
		}
	}
}

// emptySlot unlinks slot from the derivation list and clears it. Removing
// a finished zombie releases the object it tore down.
func (k *Kernel) emptySlot(slot cspace.SlotHandle, cleanup caps.Cap) {
	e := k.cte(slot)
	if e.IsEmpty() {
		return
	}
	removed := e.Cap
	if err := k.arena.Unlink(slot); err != nil {
		k.halt("unlink: %v", err)
	}
	if h, ok := cleanup.(caps.IRQHandler); ok {
		k.irqState[h.IRQ] = IRQInactive
		k.irqMasked[h.IRQ] = true
	}
	if z, ok := removed.(caps.Zombie); ok {
		k.reclaim(z)
	}
}

// reclaim releases the slots of a fully deleted CNode or thread.
func (k *Kernel) reclaim(z caps.Zombie) {
	if z.IsTCB() {
		t := k.thread(z.Ptr)
		for i, h := range t.Slots {
			k.freeSlot(h)
			t.Slots[i] = cspace.Nil
		}
		t.dead = true
		delete(k.threads, z.Ptr)
		k.log.Debug("Thread reclaimed", zap.Uint64("tcb", z.Ptr))
		return
	}
	cn := k.cnode(z.Ptr)
	for i, h := range cn.slots {
		k.freeSlot(h)
		delete(cn.slots, i)
	}
	delete(k.cnodes, z.Ptr)
	k.log.Debug("CNode reclaimed", zap.Uint64("cnode", z.Ptr), zap.Uint8("radix", cn.Radix))
}

func (k *Kernel) freeSlot(h cspace.SlotHandle) {
	if err := k.arena.Free(h); err != nil {
		k.halt("reclaiming %s: %v", h, err)
	}
	delete(k.owners, h)
}

// cteDeleteOne deletes a cap whose finalisation never needs a zombie.
func (k *Kernel) cteDeleteOne(slot cspace.SlotHandle) {
	e := k.cte(slot)
	if e.IsEmpty() {
		return
	}
	final := k.isFinalCapability(slot)
	remainder, cleanup := k.finaliseCap(e.Cap, final, true)
	if !k.capRemovable(remainder, slot) || !caps.IsNull(cleanup) {
		k.halt("cteDeleteOne left %s", caps.String(remainder))
	}
	k.emptySlot(slot, caps.Null{})
}

// cteRevoke deletes every derivation descendant of slot, first child
// first, checking for preemption after each deletion.
func (k *Kernel) cteRevoke(slot cspace.SlotHandle) *KernelError {
	for {
		child, ok := k.arena.FirstChild(slot)
		if !ok {
			return nil
		}
		if err := k.cteDelete(child, true); err != nil {
			return err
		}
		if err := k.preemptionPoint("revoke"); err != nil {
			return err
		}
	}
}

// preemptionPoint counts one unit of long-running work. Every
// WorkUnitsPerPreemption units it gives way to a pending interrupt.
func (k *Kernel) preemptionPoint(op string) *KernelError {
	k.workUnits++
	if k.workUnits < k.cfg.WorkUnitsPerPreemption {
		return nil
	}
	k.workUnits = 0
	if k.isIRQPending() {
		k.rec.Preemption(op)
		k.log.Debug("Operation preempted", zap.String("op", op))
		return ErrPreempted
	}
	return nil
}

// Delete deletes the cap in slot as a user-level CNode delete would.
func (k *Kernel) Delete(slot cspace.SlotHandle) error {
	if err := k.cteDelete(slot, true); err != nil {
		return err
	}
	return nil
}

// Revoke deletes every descendant of slot. It returns ErrPreempted when an
// interrupt is pending at a preemption point; calling it again resumes.
func (k *Kernel) Revoke(slot cspace.SlotHandle) error {
	if err := k.cteRevoke(slot); err != nil {
		return err
	}
	return nil
}
