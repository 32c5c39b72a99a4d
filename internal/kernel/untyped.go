package kernel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

// retypeRequest is a validated untyped retype.
type retypeRequest struct {
	objType    abi.ObjectType
	userSize   abi.Word
	objectBits abi.Word
	reset      bool
	base       abi.Word
	destCNode  *CNodeObj
	destOffset abi.Word
	count      abi.Word
	device     bool
}

func (k *Kernel) decodeUntypedInvocation(inv *invocation, u caps.Untyped) *KernelError {
	if inv.label != abi.UntypedRetype {
		return errIllegalOperation
	}
	if inv.length < 6 || !inv.hasExtra(0) {
		return errTruncatedMessage
	}
	newType := abi.ObjectType(k.arg(inv, 0))
	userSize := k.arg(inv, 1)
	nodeIndex, nodeDepth := k.arg(inv, 2), k.arg(inv, 3)
	nodeOffset, nodeWindow := k.arg(inv, 4), k.arg(inv, 5)
	root := inv.extra[0].cap

	if newType >= abi.ObjectTypeCount {
		return errInvalidArgument(0)
	}
	objectBits := abi.ObjectSize(newType, userSize)
	if userSize >= abi.WordBits || objectBits > abi.MaxUntypedBits {
		return errRange(0, abi.MaxUntypedBits)
	}
	if newType == abi.CapTableObject && userSize == 0 {
		return errInvalidArgument(1)
	}
	if newType == abi.UntypedObject && userSize < abi.MinUntypedBits {
		return errInvalidArgument(1)
	}

	nodeCap := root
	if nodeDepth != 0 {
		slot, err := k.lookupTargetSlot(root, nodeIndex, nodeDepth)
		if err != nil {
			return err
		}
		nodeCap = k.cte(slot).Cap
	}
	dest, ok := nodeCap.(caps.CNode)
	if !ok {
		return errFailedLookup(false, abi.LookupFault{Type: abi.LookupMissingCapability})
	}

	nodeSize := abi.Bit(uint(dest.Radix))
	if nodeOffset > nodeSize-1 {
		return errRange(0, nodeSize-1)
	}
	if nodeWindow < 1 || nodeWindow > abi.RetypeFanOutLimit {
		return errRange(1, abi.RetypeFanOutLimit)
	}
	if nodeWindow > nodeSize-nodeOffset {
		return errRange(1, nodeSize-nodeOffset)
	}

	cn := k.cnode(dest.Ptr)
	for i := nodeOffset; i < nodeOffset+nodeWindow; i++ {
		if !caps.IsNull(k.capInCNode(cn, i)) {
			return errDeleteFirst
		}
	}

	reset := k.ensureNoChildren(inv.slot) == nil
	freeIndex := u.FreeIndex
	if reset {
		freeIndex = 0
	}
	freeRef := u.Ptr + freeIndex<<abi.MinUntypedBits
	freeBytes := abi.Bit(uint(u.BlockSize)) - freeIndex<<abi.MinUntypedBits
	if freeBytes>>objectBits < nodeWindow {
		return errNotEnoughMemory(freeBytes)
	}
	if u.IsDevice && !newType.IsFrameType() && newType != abi.UntypedObject {
		return errInvalidArgument(1)
	}

	k.setThreadState(k.cur, Restart)
	return k.invokeRetype(inv.slot, retypeRequest{
		objType:    newType,
		userSize:   userSize,
		objectBits: objectBits,
		reset:      reset,
		base:       alignUp(freeRef, uint(objectBits)),
		destCNode:  cn,
		destOffset: nodeOffset,
		count:      nodeWindow,
		device:     u.IsDevice,
	})
}

func alignUp(v abi.Word, bits uint) abi.Word {
	m := abi.Mask(bits)
	return (v + m) &^ m
}

func (k *Kernel) invokeRetype(slot cspace.SlotHandle, r retypeRequest) *KernelError {
	if r.reset {
		if err := k.resetUntypedCap(slot); err != nil {
			return err
		}
	}

	e := k.cte(slot)
	u := e.Cap.(caps.Untyped)
	end := r.base + r.count<<r.objectBits
	u.FreeIndex = (end - u.Ptr) >> abi.MinUntypedBits
	e.Cap = u

	k.createNewObjects(slot, r)
	k.rec.Retype(r.objType, int(r.count))
	k.log.Debug("Retyped untyped",
		zap.Stringer("type", r.objType),
		zap.Uint64("count", r.count),
		zap.Uint64("base", r.base),
		zap.Uint64("free_index", u.FreeIndex))
	return nil
}

// resetUntypedCap zeroes what u handed out, highest chunk first, and moves
// the free index down with each chunk so a preempted reset resumes where
// it stopped.
func (k *Kernel) resetUntypedCap(slot cspace.SlotHandle) *KernelError {
	e := k.cte(slot)
	u := e.Cap.(caps.Untyped)
	offset := u.Used()
	if offset == 0 {
		return nil
	}
	const chunk = abi.ResetChunkBits

	if u.IsDevice || u.BlockSize < chunk {
		if !u.IsDevice {
			k.zeroRange(u.Ptr, uint(u.BlockSize))
		}
		u.FreeIndex = 0
		e.Cap = u
		return nil
	}

	for off := int64((offset - 1) &^ abi.Mask(chunk)); off >= 0; off -= int64(abi.Bit(chunk)) {
		k.zeroRange(u.Ptr+abi.Word(off), chunk)
		u.FreeIndex = abi.Word(off) >> abi.MinUntypedBits
		k.cte(slot).Cap = u
		if err := k.preemptionPoint("reset"); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) createNewObjects(parent cspace.SlotHandle, r retypeRequest) {
	for i := abi.Word(0); i < r.count; i++ {
		dest := k.cnodeSlot(r.destCNode, r.destOffset+i)
		c := k.createObject(r.objType, r.base+i<<r.objectBits, r.userSize, r.device)
		k.insertNewCap(parent, dest, c)
	}
}

// createObject initialises a new object at addr and returns its cap.
func (k *Kernel) createObject(t abi.ObjectType, addr, userSize abi.Word, device bool) caps.Cap {
	switch t {
	case abi.UntypedObject:
		return caps.Untyped{Ptr: addr, BlockSize: uint8(userSize), IsDevice: device}

	case abi.TCBObject:
		th := &Thread{
			Addr:      addr,
			Name:      fmt.Sprintf("tcb@%#x", addr),
			Domain:    k.curDomain,
			TimeSlice: k.cfg.TimeSlice,
		}
		for i := range th.Slots {
			h := k.arena.Alloc()
			th.Slots[i] = h
			k.owners[h] = SlotRef{Kind: OwnerTCB, Obj: addr, Index: abi.Word(i)}
		}
		k.threads[addr] = th
		return caps.Thread{Ptr: addr}

	case abi.EndpointObject:
		k.endpoints[addr] = &Endpoint{Addr: addr}
		return caps.Endpoint{Ptr: addr, CanSend: true, CanReceive: true, CanGrant: true, CanGrantReply: true}

	case abi.NotificationObject:
		k.notifications[addr] = &Notification{Addr: addr}
		return caps.Notification{Ptr: addr, CanSend: true, CanReceive: true}

	case abi.CapTableObject:
		k.cnodes[addr] = &CNodeObj{Addr: addr, Radix: uint8(userSize), slots: make(map[abi.Word]cspace.SlotHandle)}
		return caps.CNode{Ptr: addr, Radix: uint8(userSize)}

	case abi.SmallPageObject, abi.LargePageObject:
		bits := abi.ObjectSize(t, userSize)
		if !device {
			k.zeroRange(addr, uint(bits))
		}
		return caps.Frame{Ptr: addr, SizeBits: uint8(bits), Rights: abi.VMReadWrite, IsDevice: device}

	case abi.VSpaceObject:
		asid := k.nextASID
		k.nextASID++
		k.zeroRange(addr, abi.VSpaceBits)
		return caps.VSpace{Ptr: addr, ASID: asid}
	}
	k.halt("create object of type %s", t)
	return caps.Null{}
}
