package kernel

import (
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

const (
	fastpathCallName      = "call"
	fastpathReplyRecvName = "reply_recv"
)

// lookupFP resolves cptr with the full word width without allocating slots
// or reporting why a lookup failed. Any failure returns Null so the caller
// falls back to the general path.
func (k *Kernel) lookupFP(root caps.Cap, cptr abi.CPtr) caps.Cap {
	c := root
	node, ok := c.(caps.CNode)
	if !ok {
		return caps.Null{}
	}
	bits := uint(0)
	for {
		guardBits, radixBits := uint(node.GuardSize), uint(node.Radix)
		if guardBits+radixBits == 0 {
			return caps.Null{}
		}
		cptr2 := cptr << bits
		if guardBits != 0 && cptr2>>(abi.WordBits-guardBits) != node.Guard {
			return caps.Null{}
		}
		var index abi.Word
		if radixBits != 0 {
			index = cptr2 << guardBits >> (abi.WordBits - radixBits)
		}
		cn, ok := k.cnodes[node.Ptr]
		if !ok {
			return caps.Null{}
		}
		c = k.capInCNode(cn, index)
		bits += guardBits + radixBits

		next, isNode := c.(caps.CNode)
		if bits >= abi.WordBits || !isNode {
			break
		}
		node = next
	}
	if bits > abi.WordBits {
		return caps.Null{}
	}
	return c
}

func (k *Kernel) fastpathMiss(path, reason string) bool {
	k.rec.Fastpath(path, false, reason)
	return false
}

// fastpathCall performs a Call to a waiting receiver when nothing but
// register contents needs to move. It returns false, having changed
// nothing, when the general path must handle the request.
func (k *Kernel) fastpathCall(cptr abi.CPtr, msgInfo abi.Word) bool {
	cur := k.cur
	if abi.FastpathMessageCheck(msgInfo) || cur.Fault.Type != abi.NullFault {
		return k.fastpathMiss(fastpathCallName, "message")
	}
	info := abi.MessageInfoFromWordRaw(msgInfo)

	epCap, ok := k.lookupFP(k.tcbCap(cur, abi.TCBCTable), cptr).(caps.Endpoint)
	if !ok || !epCap.CanSend {
		return k.fastpathMiss(fastpathCallName, "cap")
	}
	ep := k.endpoint(epCap.Ptr)
	if ep.State != EndpointRecv {
		return k.fastpathMiss(fastpathCallName, "no_receiver")
	}
	dest := ep.queue.Head

	newVTable := k.tcbCap(dest, abi.TCBVTable)
	if !isValidVTableRoot(newVTable) {
		return k.fastpathMiss(fastpathCallName, "vspace")
	}
	if dest.Priority < cur.Priority && !k.isHighestPrio(k.curDomain, dest.Priority) {
		return k.fastpathMiss(fastpathCallName, "priority")
	}
	if !epCap.CanGrant && !epCap.CanGrantReply {
		return k.fastpathMiss(fastpathCallName, "grant")
	}
	if dest.Domain != k.curDomain && k.cfg.NumDomains > 1 {
		return k.fastpathMiss(fastpathCallName, "domain")
	}

	ep.queue.Remove(dest, epLinks)
	if ep.queue.Empty() {
		ep.State = EndpointIdle
	}

	cur.State.Kind = BlockedOnReply

	replySlot := k.tcbSlot(cur, abi.TCBReply)
	callerSlot := k.tcbSlot(dest, abi.TCBCaller)
	k.fastpathInsertReply(replySlot, callerSlot, caps.Reply{TCB: cur.Addr, CanGrant: dest.State.CanGrant})

	k.fastpathCopyMRs(int(info.Length), cur, dest)
	dest.State.Kind = Running
	k.switchToThreadFP(dest, newVTable)

	info.CapsUnwrapped = 0
	dest.Regs[abi.BadgeRegister] = epCap.Badge
	dest.Regs[abi.MsgInfoRegister] = info.Word()
	k.rec.Fastpath(fastpathCallName, true, "")
	return true
}

// fastpathReplyRecv replies to the current caller and waits on an endpoint
// in one step, under the same conditions as fastpathCall.
func (k *Kernel) fastpathReplyRecv(cptr abi.CPtr, msgInfo abi.Word) bool {
	cur := k.cur
	if abi.FastpathMessageCheck(msgInfo) || cur.Fault.Type != abi.NullFault {
		return k.fastpathMiss(fastpathReplyRecvName, "message")
	}
	info := abi.MessageInfoFromWordRaw(msgInfo)

	epCap, ok := k.lookupFP(k.tcbCap(cur, abi.TCBCTable), cptr).(caps.Endpoint)
	if !ok || !epCap.CanReceive {
		return k.fastpathMiss(fastpathReplyRecvName, "cap")
	}
	if n := cur.BoundNotification; n != nil && n.State == NotificationActive {
		return k.fastpathMiss(fastpathReplyRecvName, "notification")
	}
	ep := k.endpoint(epCap.Ptr)
	if ep.State == EndpointSend {
		return k.fastpathMiss(fastpathReplyRecvName, "sender_waiting")
	}

	callerSlot := k.tcbSlot(cur, abi.TCBCaller)
	ce := k.cte(callerSlot)
	reply, ok := ce.Cap.(caps.Reply)
	if !ok || reply.Master || !ce.MDB.Next.IsNil() {
		return k.fastpathMiss(fastpathReplyRecvName, "reply_cap")
	}
	caller := k.thread(reply.TCB)
	if caller.Fault.Type != abi.NullFault {
		return k.fastpathMiss(fastpathReplyRecvName, "caller_fault")
	}
	newVTable := k.tcbCap(caller, abi.TCBVTable)
	if !isValidVTableRoot(newVTable) {
		return k.fastpathMiss(fastpathReplyRecvName, "vspace")
	}
	if caller.Priority < cur.Priority {
		return k.fastpathMiss(fastpathReplyRecvName, "priority")
	}
	if caller.Domain != k.curDomain && k.cfg.NumDomains > 1 {
		return k.fastpathMiss(fastpathReplyRecvName, "domain")
	}

	cur.State.Kind = BlockedOnReceive
	cur.State.BlockingObject = ep.Addr
	cur.State.CanGrant = epCap.CanGrant
	ep.queue.PushBack(cur, epLinks)
	ep.State = EndpointRecv

	if err := k.arena.Unlink(callerSlot); err != nil {
		k.halt("fastpath unlink: %v", err)
	}

	k.fastpathCopyMRs(int(info.Length), cur, caller)
	caller.State.Kind = Running
	k.switchToThreadFP(caller, newVTable)

	info.CapsUnwrapped = 0
	caller.Regs[abi.BadgeRegister] = 0
	caller.Regs[abi.MsgInfoRegister] = info.Word()
	k.rec.Fastpath(fastpathReplyRecvName, true, "")
	return true
}

// fastpathInsertReply links a fresh reply cap in callerSlot directly under
// the reply master, which has no other children while its thread runs.
func (k *Kernel) fastpathInsertReply(replySlot, callerSlot cspace.SlotHandle, reply caps.Reply) {
	if err := k.arena.InsertAfter(replySlot, callerSlot, reply, false, false); err != nil {
		k.halt("fastpath reply cap: %v", err)
	}
}

func (k *Kernel) fastpathCopyMRs(length int, src, dest *Thread) {
	for i := 0; i < length; i++ {
		r := abi.MsgRegisters[i]
		dest.Regs[r] = src.Regs[r]
	}
}

func (k *Kernel) switchToThreadFP(t *Thread, vtable caps.Cap) {
	k.mmu.SetVMRoot(t.Addr, vtable)
	k.cur = t
	t.Runs++
}
