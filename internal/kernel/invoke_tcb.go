package kernel

import (
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

// Flag bits of the register invocations.
const (
	tcbSuspendSource   = 1 << 0
	tcbResumeTarget    = 1 << 1
	tcbTransferFrame   = 1 << 2
	tcbTransferInteger = 1 << 3

	tcbWriteResume = 1 << 0
)

// threadControl lists the updates applied by one configure-style
// invocation; a nil or zero field is left alone.
type threadControl struct {
	faultHandler abi.CPtr
	mcp          *int
	priority     *int

	updateSpace bool
	cRoot       cspace.SlotHandle
	cRootCap    caps.Cap
	vRoot       cspace.SlotHandle
	vRootCap    caps.Cap

	updateBuffer bool
	bufferAddr   abi.Word
	bufferSlot   cspace.SlotHandle
	bufferCap    caps.Cap
}

func (k *Kernel) decodeTCBInvocation(inv *invocation, tc caps.Thread) *KernelError {
	target := k.thread(tc.Ptr)
	switch inv.label {
	case abi.TCBReadRegisters:
		return k.decodeReadRegisters(inv, target)
	case abi.TCBWriteRegisters:
		return k.decodeWriteRegisters(inv, target)
	case abi.TCBCopyRegisters:
		return k.decodeCopyRegisters(inv, target)
	case abi.TCBSuspend:
		k.setThreadState(k.cur, Restart)
		k.suspend(target)
		return nil
	case abi.TCBResume:
		k.setThreadState(k.cur, Restart)
		k.restart(target)
		return nil
	case abi.TCBConfigure:
		return k.decodeTCBConfigure(inv, target)
	case abi.TCBSetPriority:
		return k.decodeSetPriority(inv, target)
	case abi.TCBSetMCPriority:
		return k.decodeSetMCPriority(inv, target)
	case abi.TCBSetIPCBuffer:
		return k.decodeSetIPCBuffer(inv, target)
	case abi.TCBSetSpace:
		return k.decodeSetSpace(inv, target)
	case abi.TCBBindNotification:
		return k.decodeBindNotification(inv, target)
	case abi.TCBUnbindNotification:
		if target.BoundNotification == nil {
			return errIllegalOperation
		}
		k.setThreadState(k.cur, Restart)
		k.unbindNotification(target)
		return nil
	}
	return errIllegalOperation
}

func numUserRegisters() abi.Word {
	return abi.Word(len(abi.FrameRegisters) + len(abi.GPRegisters))
}

func (k *Kernel) decodeReadRegisters(inv *invocation, src *Thread) *KernelError {
	if inv.length < 2 {
		return errTruncatedMessage
	}
	flags, n := k.arg(inv, 0), k.arg(inv, 1)
	if n < 1 || n > numUserRegisters() {
		return errRange(1, numUserRegisters())
	}
	if src == k.cur {
		return errIllegalOperation
	}
	k.setThreadState(k.cur, Restart)
	k.invokeReadRegisters(src, flags&tcbSuspendSource != 0, int(n), inv.call)
	return nil
}

// invokeReadRegisters replies to the caller with the first n user
// registers of src, frame registers first.
func (k *Kernel) invokeReadRegisters(src *Thread, suspendSource bool, n int, call bool) {
	t := k.cur
	if suspendSource {
		k.suspend(src)
	}
	if call {
		buf := k.lookupIPCBuffer(true, t)
		t.Regs[abi.BadgeRegister] = 0

		regs := make([]abi.Register, 0, n)
		regs = append(regs, abi.FrameRegisters...)
		regs = append(regs, abi.GPRegisters...)
		regs = regs[:n]

		sent := 0
		for i, r := range regs {
			if i >= abi.NumMsgRegisters && buf == 0 {
				break
			}
			sent = k.setMR(t, buf, i, src.Regs[r])
		}
		t.Regs[abi.MsgInfoRegister] = abi.NewMessageInfo(0, 0, 0, abi.Word(sent)).Word()
	}
	k.setThreadState(t, Running)
}

func (k *Kernel) decodeWriteRegisters(inv *invocation, dest *Thread) *KernelError {
	if inv.length < 2 {
		return errTruncatedMessage
	}
	flags, w := k.arg(inv, 0), k.arg(inv, 1)
	if abi.Word(inv.length-2) < w {
		return errTruncatedMessage
	}
	if dest == k.cur {
		return errIllegalOperation
	}
	k.setThreadState(k.cur, Restart)

	n := min(w, numUserRegisters())
	i := abi.Word(0)
	for _, r := range abi.FrameRegisters {
		if i >= n {
			break
		}
		dest.Regs[r] = abi.SanitiseRegister(r, k.arg(inv, int(i)+2))
		i++
	}
	for _, r := range abi.GPRegisters {
		if i >= n {
			break
		}
		dest.Regs[r] = abi.SanitiseRegister(r, k.arg(inv, int(i)+2))
		i++
	}
	dest.Regs[abi.NextIP] = dest.Regs[abi.FaultIP]

	if flags&tcbWriteResume != 0 {
		k.restart(dest)
	}
	return nil
}

func (k *Kernel) decodeCopyRegisters(inv *invocation, dest *Thread) *KernelError {
	if inv.length < 1 || !inv.hasExtra(0) {
		return errTruncatedMessage
	}
	flags := k.arg(inv, 0)
	sc, ok := inv.extra[0].cap.(caps.Thread)
	if !ok {
		return errInvalidCapability(1)
	}
	src := k.thread(sc.Ptr)
	k.setThreadState(k.cur, Restart)

	if flags&tcbSuspendSource != 0 {
		k.suspend(src)
	}
	if flags&tcbResumeTarget != 0 {
		k.restart(dest)
	}
	if flags&tcbTransferFrame != 0 {
		for _, r := range abi.FrameRegisters {
			dest.Regs[r] = src.Regs[r]
		}
		dest.Regs[abi.NextIP] = dest.Regs[abi.FaultIP]
	}
	if flags&tcbTransferInteger != 0 {
		for _, r := range abi.GPRegisters {
			dest.Regs[r] = src.Regs[r]
		}
	}
	k.rescheduleRequired()
	return nil
}

func (k *Kernel) decodeTCBConfigure(inv *invocation, target *Thread) *KernelError {
	if inv.length < 4 || !inv.hasExtra(2) {
		return errTruncatedMessage
	}
	tc := threadControl{faultHandler: k.arg(inv, 0), updateSpace: true, updateBuffer: true}
	cRootData, vRootData, bufferAddr := k.arg(inv, 1), k.arg(inv, 2), k.arg(inv, 3)

	if err := k.decodeBuffer(&tc, bufferAddr, inv.extra[2]); err != nil {
		return err
	}
	if err := k.decodeSpace(&tc, target, cRootData, inv.extra[0], vRootData, inv.extra[1]); err != nil {
		return err
	}
	k.setThreadState(k.cur, Restart)
	return k.invokeThreadControl(target, inv.slot, tc)
}

func (k *Kernel) decodeSetSpace(inv *invocation, target *Thread) *KernelError {
	if inv.length < 3 || !inv.hasExtra(1) {
		return errTruncatedMessage
	}
	tc := threadControl{faultHandler: k.arg(inv, 0), updateSpace: true}
	if err := k.decodeSpace(&tc, target, k.arg(inv, 1), inv.extra[0], k.arg(inv, 2), inv.extra[1]); err != nil {
		return err
	}
	k.setThreadState(k.cur, Restart)
	return k.invokeThreadControl(target, inv.slot, tc)
}

func (k *Kernel) decodeSetIPCBuffer(inv *invocation, target *Thread) *KernelError {
	if inv.length < 1 || !inv.hasExtra(0) {
		return errTruncatedMessage
	}
	tc := threadControl{updateBuffer: true}
	if err := k.decodeBuffer(&tc, k.arg(inv, 0), inv.extra[0]); err != nil {
		return err
	}
	k.setThreadState(k.cur, Restart)
	return k.invokeThreadControl(target, inv.slot, tc)
}

// decodeBuffer derives the new IPC buffer frame. Address 0 clears it.
func (k *Kernel) decodeBuffer(tc *threadControl, addr abi.Word, ex extraCap) *KernelError {
	tc.bufferAddr = addr
	if addr == 0 {
		return nil
	}
	derived, err := k.deriveCap(ex.slot, ex.cap)
	if err != nil {
		return err
	}
	if err := checkValidIPCBuffer(addr, derived); err != nil {
		return err
	}
	tc.bufferSlot = ex.slot
	tc.bufferCap = derived
	return nil
}

// decodeSpace derives new CSpace and VSpace roots for target.
func (k *Kernel) decodeSpace(tc *threadControl, target *Thread, cRootData abi.Word, cRoot extraCap, vRootData abi.Word, vRoot extraCap) *KernelError {
	if k.slotCapLongRunningDelete(k.tcbSlot(target, abi.TCBCTable)) ||
		k.slotCapLongRunningDelete(k.tcbSlot(target, abi.TCBVTable)) {
		return errIllegalOperation
	}

	cRootCap := cRoot.cap
	if cRootData != 0 {
		cRootCap = caps.UpdateData(false, cRootData, cRootCap)
	}
	cRootCap, err := k.deriveCap(cRoot.slot, cRootCap)
	if err != nil {
		return err
	}
	if _, ok := cRootCap.(caps.CNode); !ok {
		return errIllegalOperation
	}

	vRootCap := vRoot.cap
	if vRootData != 0 {
		vRootCap = caps.UpdateData(false, vRootData, vRootCap)
	}
	vRootCap, err = k.deriveCap(vRoot.slot, vRootCap)
	if err != nil {
		return err
	}
	if !isValidVTableRoot(vRootCap) {
		return errIllegalOperation
	}

	tc.cRoot, tc.cRootCap = cRoot.slot, cRootCap
	tc.vRoot, tc.vRootCap = vRoot.slot, vRootCap
	return nil
}

func (k *Kernel) decodeSetPriority(inv *invocation, target *Thread) *KernelError {
	prio, err := k.decodePriorityArg(inv)
	if err != nil {
		return err
	}
	k.setThreadState(k.cur, Restart)
	return k.invokeThreadControl(target, inv.slot, threadControl{priority: &prio})
}

func (k *Kernel) decodeSetMCPriority(inv *invocation, target *Thread) *KernelError {
	mcp, err := k.decodePriorityArg(inv)
	if err != nil {
		return err
	}
	k.setThreadState(k.cur, Restart)
	return k.invokeThreadControl(target, inv.slot, threadControl{mcp: &mcp})
}

// decodePriorityArg reads a priority bounded by the MCP of the authority
// thread passed as the first extra cap.
func (k *Kernel) decodePriorityArg(inv *invocation) (int, *KernelError) {
	if inv.length < 1 || !inv.hasExtra(0) {
		return 0, errTruncatedMessage
	}
	prio := k.arg(inv, 0)
	ac, ok := inv.extra[0].cap.(caps.Thread)
	if !ok {
		return 0, errInvalidCapability(1)
	}
	auth := k.thread(ac.Ptr)
	if prio > abi.Word(auth.MCP) {
		return 0, errRange(abi.MinPrio, abi.Word(auth.MCP))
	}
	return int(prio), nil
}

func (k *Kernel) decodeBindNotification(inv *invocation, target *Thread) *KernelError {
	if !inv.hasExtra(0) {
		return errTruncatedMessage
	}
	if target.BoundNotification != nil {
		return errIllegalOperation
	}
	nc, ok := inv.extra[0].cap.(caps.Notification)
	if !ok || !nc.CanReceive {
		return errIllegalOperation
	}
	n := k.notification(nc.Ptr)
	if !n.queue.Empty() || n.BoundTCB != nil {
		return errIllegalOperation
	}
	k.setThreadState(k.cur, Restart)
	k.bindNotification(target, n)
	return nil
}

// invokeThreadControl applies tc to target. New caps are installed only if
// both they and the invoked thread cap survived deleting the old ones.
func (k *Kernel) invokeThreadControl(target *Thread, slot cspace.SlotHandle, tc threadControl) *KernelError {
	tcap := caps.Thread{Ptr: target.Addr}

	if tc.updateSpace {
		target.FaultHandler = tc.faultHandler
	}
	if tc.mcp != nil {
		k.setMCPriority(target, *tc.mcp)
	}
	if tc.priority != nil {
		k.setPriority(target, *tc.priority)
	}

	if tc.updateSpace {
		if err := k.replaceTCBCap(target, abi.TCBCTable, slot, tcap, tc.cRootCap, tc.cRoot); err != nil {
			return err
		}
		if err := k.replaceTCBCap(target, abi.TCBVTable, slot, tcap, tc.vRootCap, tc.vRoot); err != nil {
			return err
		}
	}

	if tc.updateBuffer {
		if err := k.cteDelete(k.tcbSlot(target, abi.TCBBuffer), true); err != nil {
			return err
		}
		if target.dead {
			return nil
		}
		target.IPCBuffer = tc.bufferAddr
		if !tc.bufferSlot.IsNil() && k.checkCapAt(tc.bufferCap, tc.bufferSlot) && k.checkCapAt(tcap, slot) {
			k.cteInsert(tc.bufferCap, tc.bufferSlot, k.tcbSlot(target, abi.TCBBuffer))
		}
		if target == k.cur {
			k.rescheduleRequired()
		}
	}
	return nil
}

func (k *Kernel) replaceTCBCap(target *Thread, index int, slot cspace.SlotHandle, tcap, newCap caps.Cap, src cspace.SlotHandle) *KernelError {
	if target.dead {
		return nil
	}
	if err := k.cteDelete(k.tcbSlot(target, index), true); err != nil {
		return err
	}
	if target.dead {
		return nil
	}
	if k.checkCapAt(newCap, src) && k.checkCapAt(tcap, slot) {
		k.cteInsert(newCap, src, k.tcbSlot(target, index))
	}
	return nil
}

// checkCapAt reports whether slot still holds a cap to the same object as c.
func (k *Kernel) checkCapAt(c caps.Cap, slot cspace.SlotHandle) bool {
	e := k.arena.Lookup(slot)
	return e != nil && caps.SameObjectAs(c, e.Cap)
}

func checkValidIPCBuffer(addr abi.Word, c caps.Cap) *KernelError {
	f, ok := c.(caps.Frame)
	if !ok || f.IsDevice {
		return errIllegalOperation
	}
	if addr&abi.Mask(abi.IPCBufferBits) != 0 {
		return errAlignment
	}
	return nil
}

func isValidVTableRoot(c caps.Cap) bool {
	v, ok := c.(caps.VSpace)
	return ok && v.ASID != 0
}
