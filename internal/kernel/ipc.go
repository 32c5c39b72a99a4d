package kernel

import (
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

// sendIPC delivers t's message on ep, or queues t as a sender. A call
// leaves t blocked on the reply.
func (k *Kernel) sendIPC(blocking, doCall bool, badge abi.Word, canGrant, canGrantReply bool, t *Thread, ep *Endpoint) {
	switch ep.State {
	case EndpointIdle, EndpointSend:
		if !blocking {
			return
		}
		t.State = ThreadState{
			Kind:           BlockedOnSend,
			BlockingObject: ep.Addr,
			Badge:          badge,
			CanGrant:       canGrant,
			CanGrantReply:  canGrantReply,
			IsCall:         doCall,
		}
		k.scheduleTCB(t)
		ep.queue.PushBack(t, epLinks)
		ep.State = EndpointSend

	case EndpointRecv:
		dest := ep.queue.Head
		ep.queue.Remove(dest, epLinks)
		if ep.queue.Empty() {
			ep.State = EndpointIdle
		}
		k.doIPCTransfer(t, ep, badge, canGrant, dest)

		replyCanGrant := dest.State.CanGrant
		k.setThreadState(dest, Running)
		k.possibleSwitchTo(dest)

		if doCall {
			if canGrant || canGrantReply {
				k.setupCallerCap(t, dest, replyCanGrant)
			} else {
				k.setThreadState(t, Inactive)
			}
		}
	}
}

// receiveIPC takes a message from the endpoint named by c, or blocks t on
// it. A pending signal on t's bound notification is taken first.
func (k *Kernel) receiveIPC(t *Thread, c caps.Endpoint, blocking bool) {
	ep := k.endpoint(c.Ptr)

	if n := t.BoundNotification; n != nil && n.State == NotificationActive {
		k.completeSignal(n, t)
		return
	}

	switch ep.State {
	case EndpointIdle, EndpointRecv:
		if !blocking {
			k.doNBRecvFailedTransfer(t)
			return
		}
		t.State.Kind = BlockedOnReceive
		t.State.BlockingObject = ep.Addr
		t.State.CanGrant = c.CanGrant
		k.scheduleTCB(t)
		ep.queue.PushBack(t, epLinks)
		ep.State = EndpointRecv

	case EndpointSend:
		sender := ep.queue.Head
		ep.queue.Remove(sender, epLinks)
		if ep.queue.Empty() {
			ep.State = EndpointIdle
		}
		st := sender.State
		k.doIPCTransfer(sender, ep, st.Badge, st.CanGrant, t)

		if st.IsCall {
			if st.CanGrant || st.CanGrantReply {
				k.setupCallerCap(sender, t, c.CanGrant)
			} else {
				k.setThreadState(sender, Inactive)
			}
		} else {
			k.setThreadState(sender, Running)
			k.possibleSwitchTo(sender)
		}
	}
}

func (k *Kernel) doNBRecvFailedTransfer(t *Thread) {
	t.Regs[abi.BadgeRegister] = 0
}

// doIPCTransfer moves a normal message or, if the sender is faulting, a
// fault description from sender to receiver. endpoint is nil for replies.
func (k *Kernel) doIPCTransfer(sender *Thread, endpoint *Endpoint, badge abi.Word, grant bool, receiver *Thread) {
	recvBuf := k.lookupIPCBuffer(true, receiver)
	if sender.Fault.Type == abi.NullFault {
		sendBuf := k.lookupIPCBuffer(false, sender)
		k.doNormalTransfer(sender, sendBuf, endpoint, badge, grant, receiver, recvBuf)
		k.rec.IPCTransfer("normal")
		return
	}
	k.doFaultTransfer(badge, sender, receiver, recvBuf)
	k.rec.IPCTransfer("fault")
}

func (k *Kernel) doNormalTransfer(sender *Thread, sendBuf abi.Word, endpoint *Endpoint, badge abi.Word, grant bool, receiver *Thread, recvBuf abi.Word) {
	tag := abi.MessageInfoFromWord(sender.Regs[abi.MsgInfoRegister])

	var extra []cspace.SlotHandle
	if grant {
		slots, err := k.lookupExtraCaps(sender, sendBuf, tag)
		if err == nil {
			extra = slots
		}
	}

	sent := k.copyMRs(sender, sendBuf, receiver, recvBuf, int(tag.Length))
	tag = k.transferCaps(tag, extra, endpoint, receiver, recvBuf)
	tag.Length = abi.Word(sent)

	receiver.Regs[abi.MsgInfoRegister] = tag.Word()
	receiver.Regs[abi.BadgeRegister] = badge
}

// lookupExtraCaps resolves the cap pointers a message carries in the
// sender's IPC buffer.
func (k *Kernel) lookupExtraCaps(t *Thread, buffer abi.Word, info abi.MessageInfo) ([]cspace.SlotHandle, *KernelError) {
	if buffer == 0 {
		return nil, nil
	}
	slots := make([]cspace.SlotHandle, 0, info.ExtraCaps)
	for i := 0; i < int(info.ExtraCaps); i++ {
		cptr := k.bufferWord(buffer, abi.IPCBufCapsOrBadges+i)
		slot, err := k.lookupSlot(t, cptr)
		if err != nil {
			return nil, &KernelError{
				Kind:   ExceptionFault,
				Fault:  abi.Fault{Type: abi.CapFault, Address: cptr},
				Lookup: err.Lookup,
			}
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

// copyMRs copies n message words and returns how many arrived. Words past
// the registers need both buffers.
func (k *Kernel) copyMRs(sender *Thread, sendBuf abi.Word, receiver *Thread, recvBuf abi.Word, n int) int {
	i := 0
	for ; i < n && i < abi.NumMsgRegisters; i++ {
		r := abi.MsgRegisters[i]
		receiver.Regs[r] = sender.Regs[r]
	}
	if sendBuf == 0 || recvBuf == 0 {
		return i
	}
	for ; i < n; i++ {
		k.setBufferWord(recvBuf, i+1, k.bufferWord(sendBuf, i+1))
	}
	return i
}

// transferCaps installs the first transferable extra cap in the receiver's
// receive slot. A cap to the endpoint the message travels on is unwrapped
// to its badge instead.
func (k *Kernel) transferCaps(info abi.MessageInfo, extra []cspace.SlotHandle, endpoint *Endpoint, receiver *Thread, recvBuf abi.Word) abi.MessageInfo {
	info.ExtraCaps = 0
	info.CapsUnwrapped = 0
	if len(extra) == 0 || recvBuf == 0 {
		return info
	}

	dest, haveDest := k.getReceiveSlot(receiver, recvBuf)
	i := 0
	for ; i < len(extra) && i < abi.MsgMaxExtraCaps; i++ {
		slot := extra[i]
		c := k.cte(slot).Cap
		if ep, ok := c.(caps.Endpoint); ok && endpoint != nil && ep.Ptr == endpoint.Addr {
			k.setBufferWord(recvBuf, abi.IPCBufCapsOrBadges+i, ep.Badge)
			info.CapsUnwrapped |= 1 << uint(i)
			continue
		}
		if !haveDest {
			break
		}
		derived, err := k.deriveCap(slot, c)
		if err != nil || caps.IsNull(derived) {
			break
		}
		k.cteInsert(derived, slot, dest)
		haveDest = false
	}
	info.ExtraCaps = abi.Word(i)
	return info
}

// getReceiveSlot finds the empty slot named by the receiver's buffer.
func (k *Kernel) getReceiveSlot(t *Thread, buffer abi.Word) (cspace.SlotHandle, bool) {
	if buffer == 0 {
		return cspace.Nil, false
	}
	root, err := k.lookupCap(t, k.bufferWord(buffer, abi.IPCBufReceiveCNode))
	if err != nil {
		return cspace.Nil, false
	}
	slot, err := k.lookupTargetSlot(root, k.bufferWord(buffer, abi.IPCBufReceiveIndex), k.bufferWord(buffer, abi.IPCBufReceiveDepth))
	if err != nil || !k.cte(slot).IsEmpty() {
		return cspace.Nil, false
	}
	return slot, true
}

func (k *Kernel) doFaultTransfer(badge abi.Word, sender, receiver *Thread, recvBuf abi.Word) {
	sent := k.setFaultMRs(sender, receiver, recvBuf)
	info := abi.NewMessageInfo(abi.Word(sender.Fault.Type), 0, 0, abi.Word(sent))
	receiver.Regs[abi.MsgInfoRegister] = info.Word()
	receiver.Regs[abi.BadgeRegister] = badge
}

// setFaultMRs writes sender's fault in the layout of its fault type and
// returns the message length.
func (k *Kernel) setFaultMRs(sender, receiver *Thread, buf abi.Word) int {
	f := sender.Fault
	switch f.Type {
	case abi.CapFault:
		k.setMR(receiver, buf, abi.CapFaultIP, sender.Regs[abi.FaultIP])
		k.setMR(receiver, buf, abi.CapFaultAddr, f.Address)
		k.setMR(receiver, buf, abi.CapFaultInRecvPhase, boolWord(f.InReceivePhase))
		return k.setMRs(receiver, buf, abi.CapFaultLookupFailureType, sender.LookupFailure.MessageWords())
	case abi.UnknownSyscall:
		k.copyFaultMRs(sender, receiver, abi.SyscallMessage, buf)
		return k.setMR(receiver, buf, abi.UnknownSyscallSyscall, f.SyscallNumber)
	case abi.UserException:
		k.copyFaultMRs(sender, receiver, abi.ExceptionMessage, buf)
		k.setMR(receiver, buf, abi.UserExceptionNumber, f.Number)
		return k.setMR(receiver, buf, abi.UserExceptionCode, f.Code)
	case abi.VMFault:
		k.setMR(receiver, buf, abi.VMFaultIP, sender.Regs[abi.FaultIP])
		k.setMR(receiver, buf, abi.VMFaultAddr, f.Address)
		k.setMR(receiver, buf, abi.VMFaultPrefetchFault, boolWord(f.InstructionFault))
		return k.setMR(receiver, buf, abi.VMFaultFSR, f.FSR)
	}
	k.halt("invalid fault type %s", f.Type)
	return 0
}

func (k *Kernel) copyFaultMRs(sender, receiver *Thread, regs []abi.Register, buf abi.Word) {
	i := 0
	for ; i < len(regs) && i < abi.NumMsgRegisters; i++ {
		receiver.Regs[abi.MsgRegisters[i]] = sender.Regs[regs[i]]
	}
	if buf == 0 {
		return
	}
	for ; i < len(regs); i++ {
		k.setBufferWord(buf, i+1, sender.Regs[regs[i]])
	}
}

// doReplyTransfer answers receiver, which is blocked on the reply cap in
// slot. A reply to a fault decides whether the faulting thread resumes.
func (k *Kernel) doReplyTransfer(sender, receiver *Thread, slot cspace.SlotHandle, grant bool) {
	if receiver.State.Kind != BlockedOnReply {
		k.halt("reply to %#x which is %s", receiver.Addr, receiver.State.Kind)
	}

	if receiver.Fault.Type == abi.NullFault {
		k.doIPCTransfer(sender, nil, 0, grant, receiver)
		k.cteDeleteOne(slot)
		k.setThreadState(receiver, Running)
		k.possibleSwitchTo(receiver)
		return
	}

	k.cteDeleteOne(slot)
	resume := k.handleFaultReply(receiver, sender)
	receiver.Fault = abi.Fault{}
	if resume {
		k.setThreadState(receiver, Restart)
		k.possibleSwitchTo(receiver)
	} else {
		k.setThreadState(receiver, Inactive)
	}
}

// handleFaultReply applies a fault handler's reply to receiver and reports
// whether receiver should run again.
func (k *Kernel) handleFaultReply(receiver, sender *Thread) bool {
	tag := abi.MessageInfoFromWord(sender.Regs[abi.MsgInfoRegister])
	switch receiver.Fault.Type {
	case abi.CapFault, abi.VMFault:
		return true
	case abi.UnknownSyscall:
		k.copyFaultReplyMRs(sender, receiver, abi.SyscallMessage, int(tag.Length))
		return tag.Label == 0
	case abi.UserException:
		k.copyFaultReplyMRs(sender, receiver, abi.ExceptionMessage, int(tag.Length))
		return tag.Label == 0
	}
	k.halt("invalid fault type %s", receiver.Fault.Type)
	return false
}

func (k *Kernel) copyFaultReplyMRs(sender, receiver *Thread, regs []abi.Register, length int) {
	n := min(length, len(regs))
	i := 0
	for ; i < n && i < abi.NumMsgRegisters; i++ {
		r := regs[i]
		receiver.Regs[r] = abi.SanitiseRegister(r, sender.Regs[abi.MsgRegisters[i]])
	}
	if i >= n {
		return
	}
	buf := k.lookupIPCBuffer(false, sender)
	if buf == 0 {
		return
	}
	for ; i < n; i++ {
		r := regs[i]
		receiver.Regs[r] = abi.SanitiseRegister(r, k.bufferWord(buf, i+1))
	}
}

// setupCallerCap blocks sender on its reply and hands receiver a one-shot
// reply cap derived from sender's reply master.
func (k *Kernel) setupCallerCap(sender, receiver *Thread, canGrant bool) {
	k.setThreadState(sender, BlockedOnReply)
	replySlot := k.tcbSlot(sender, abi.TCBReply)
	master, ok := k.cte(replySlot).Cap.(caps.Reply)
	if !ok || !master.Master {
		k.halt("thread %#x has no reply master", sender.Addr)
	}
	callerSlot := k.tcbSlot(receiver, abi.TCBCaller)
	if !k.cte(callerSlot).IsEmpty() {
		k.halt("caller slot of %#x is occupied", receiver.Addr)
	}
	k.cteInsert(caps.Reply{TCB: sender.Addr, CanGrant: canGrant}, replySlot, callerSlot)
}

func (k *Kernel) deleteCallerCap(t *Thread) {
	k.cteDeleteOne(k.tcbSlot(t, abi.TCBCaller))
}

// cancelIPC takes t out of whatever IPC it is blocked in.
func (k *Kernel) cancelIPC(t *Thread) {
	switch t.State.Kind {
	case BlockedOnSend, BlockedOnReceive:
		ep := k.endpoint(t.State.BlockingObject)
		ep.queue.Remove(t, epLinks)
		if ep.queue.Empty() {
			ep.State = EndpointIdle
		}
		k.setThreadState(t, Inactive)
	case BlockedOnNotification:
		k.cancelSignal(t, k.notification(t.State.BlockingObject))
	case BlockedOnReply:
		t.Fault = abi.Fault{}
		caller := k.cte(k.tcbSlot(t, abi.TCBReply)).MDB.Next
		if !caller.IsNil() {
			k.cteDeleteOne(caller)
		}
	}
}

// restartIfNoFault requeues a thread released from an endpoint; a thread
// that was delivering a fault stays stopped.
func (k *Kernel) restartIfNoFault(t *Thread) {
	if t.Fault.Type == abi.NullFault {
		k.setThreadState(t, Restart)
		k.tcbSchedEnqueue(t)
		return
	}
	k.setThreadState(t, Inactive)
}

// cancelAllIPC releases every thread queued on ep.
func (k *Kernel) cancelAllIPC(ep *Endpoint) {
	if ep.State == EndpointIdle {
		return
	}
	waiting := ep.queue.Items(epLinks)
	for _, t := range waiting {
		ep.queue.Remove(t, epLinks)
	}
	ep.State = EndpointIdle
	for _, t := range waiting {
		k.restartIfNoFault(t)
	}
	k.rescheduleRequired()
}

// cancelBadgedSends releases the senders queued on ep with the given badge.
func (k *Kernel) cancelBadgedSends(ep *Endpoint, badge abi.Word) {
	if ep.State != EndpointSend {
		return
	}
	for _, t := range ep.queue.Items(epLinks) {
		if t.State.Badge != badge {
			continue
		}
		ep.queue.Remove(t, epLinks)
		k.restartIfNoFault(t)
	}
	if ep.queue.Empty() {
		ep.State = EndpointIdle
	}
	k.rescheduleRequired()
}

func boolWord(b bool) abi.Word {
	if b {
		return 1
	}
	return 0
}
