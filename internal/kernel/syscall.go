package kernel

import (
	"encoding/binary"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
)

// Enter handles a syscall trap by the current thread. The syscall number
// is in X7; arguments are in the message registers and IPC buffer.
func (k *Kernel) Enter() error {
	t := k.cur
	if t == k.idle {
		return ErrNoCurrentThread
	}
	t.Regs[abi.FaultIP] = t.Regs[abi.NextIP]
	t.Regs[abi.NextIP] += abi.InstructionSize
	sys := abi.Syscall(int64(t.Regs[abi.SyscallRegister]))

	switch {
	case sys >= abi.SysNBRecv && sys <= abi.SysCall:
		if k.cfg.Fastpath {
			cptr, info := t.Regs[abi.CapRegister], t.Regs[abi.MsgInfoRegister]
			if sys == abi.SysCall && k.fastpathCall(cptr, info) {
				k.rec.Syscall(sys, ExceptionNone)
				return nil
			}
			if sys == abi.SysReplyRecv && k.fastpathReplyRecv(cptr, info) {
				k.rec.Syscall(sys, ExceptionNone)
				return nil
			}
		}
		k.rec.Syscall(sys, k.handleSyscall(sys))
	case sys.IsDebug() && k.cfg.Debug:
		k.handleDebugSyscall(sys)
		k.rec.Syscall(sys, ExceptionNone)
	default:
		k.handleUnknownSyscall(sys)
		k.rec.Syscall(sys, ExceptionFault)
	}
	return nil
}

// handleSyscall is the general path for the eight kernel syscalls.
func (k *Kernel) handleSyscall(sys abi.Syscall) Exception {
	ex := ExceptionNone
	switch sys {
	case abi.SysSend:
		ex = k.handleInvocation(false, true)
	case abi.SysNBSend:
		ex = k.handleInvocation(false, false)
	case abi.SysCall:
		ex = k.handleInvocation(true, true)
	case abi.SysRecv:
		k.handleRecv(true)
	case abi.SysReply:
		k.handleReply()
	case abi.SysReplyRecv:
		k.handleReply()
		k.handleRecv(true)
	case abi.SysNBRecv:
		k.handleRecv(false)
	case abi.SysYield:
		k.handleYield()
	}
	if ex != ExceptionNone {
		if irq, ok := k.getActiveIRQ(); ok {
			k.handleInterrupt(irq)
		}
	}
	k.schedule()
	k.activateThread()
	return ex
}

// handleInvocation looks up the invoked cap and its extra caps, decodes
// and performs the invocation, and replies to a caller with the result.
func (k *Kernel) handleInvocation(isCall, isBlocking bool) Exception {
	t := k.cur
	info := abi.MessageInfoFromWord(t.Regs[abi.MsgInfoRegister])
	cptr := t.Regs[abi.CapRegister]

	c, slot, err := k.lookupCapAndSlot(t, cptr)
	if err != nil {
		k.log.Debug("Invocation of invalid cap", zap.Uint64("cptr", cptr), zap.Stringer("lookup", err.Lookup))
		if isBlocking {
			k.handleFault(t, abi.Fault{Type: abi.CapFault, Address: cptr}, err.Lookup)
		}
		return ExceptionNone
	}

	buffer := k.lookupIPCBuffer(false, t)
	extraSlots, err := k.lookupExtraCaps(t, buffer, info)
	if err != nil {
		if isBlocking {
			k.handleFault(t, err.Fault, err.Lookup)
		}
		return ExceptionNone
	}
	extra := make([]extraCap, len(extraSlots))
	for i, s := range extraSlots {
		extra[i] = extraCap{slot: s, cap: k.cte(s).Cap}
	}

	length := int(info.Length)
	if length > abi.NumMsgRegisters && buffer == 0 {
		length = abi.NumMsgRegisters
	}

	inv := &invocation{
		label:  abi.Label(info.Label),
		length: length,
		cptr:   cptr,
		slot:   slot,
		cap:    c,
		extra:  extra,
		buffer: buffer,
		block:  isBlocking,
		call:   isCall,
	}
	err = k.decodeInvocation(inv)
	if err != nil {
		switch err.Kind {
		case ExceptionPreempted:
			return ExceptionPreempted
		case ExceptionSyscallError:
			k.log.Debug("Invocation failed",
				zap.Stringer("label", inv.label),
				zap.String("cap", caps.String(c)),
				zap.Stringer("error", err.Syscall))
			if isCall {
				k.replyFromKernelError(t, err.Syscall)
			}
			return ExceptionNone
		default:
			k.halt("invocation returned %s", err.Kind)
		}
	}

	if t.State.Kind == Restart {
		if isCall {
			k.replyFromKernelSuccessEmpty(t)
		}
		k.setThreadState(t, Running)
	}
	return ExceptionNone
}

func (k *Kernel) replyFromKernelError(t *Thread, e abi.SyscallError) {
	buf := k.lookupIPCBuffer(true, t)
	t.Regs[abi.BadgeRegister] = 0
	n := k.setMRs(t, buf, 0, e.MessageWords())
	t.Regs[abi.MsgInfoRegister] = abi.NewMessageInfo(abi.Word(e.Type), 0, 0, abi.Word(n)).Word()
}

func (k *Kernel) replyFromKernelSuccessEmpty(t *Thread) {
	t.Regs[abi.BadgeRegister] = 0
	t.Regs[abi.MsgInfoRegister] = abi.NewMessageInfo(0, 0, 0, 0).Word()
}

// handleRecv waits on the endpoint or notification named in X0.
func (k *Kernel) handleRecv(blocking bool) {
	t := k.cur
	cptr := t.Regs[abi.CapRegister]
	c, err := k.lookupCap(t, cptr)
	if err != nil {
		k.handleFault(t, abi.Fault{Type: abi.CapFault, Address: cptr, InReceivePhase: true}, err.Lookup)
		return
	}

	missing := abi.LookupFault{Type: abi.LookupMissingCapability}
	switch c := c.(type) {
	case caps.Endpoint:
		if !c.CanReceive {
			break
		}
		k.deleteCallerCap(t)
		k.receiveIPC(t, c, blocking)
		return
	case caps.Notification:
		n := k.notification(c.Ptr)
		if !c.CanReceive || (n.BoundTCB != nil && n.BoundTCB != t) {
			break
		}
		k.receiveSignal(t, c, blocking)
		return
	}
	k.handleFault(t, abi.Fault{Type: abi.CapFault, Address: cptr, InReceivePhase: true}, missing)
}

// handleReply answers the thread whose reply cap sits in the caller slot.
func (k *Kernel) handleReply() {
	t := k.cur
	slot := k.tcbSlot(t, abi.TCBCaller)
	switch c := k.cte(slot).Cap.(type) {
	case caps.Null:
	case caps.Reply:
		if c.Master {
			return
		}
		caller := k.thread(c.TCB)
		if caller == t {
			k.halt("thread %#x replying to itself", t.Addr)
		}
		k.doReplyTransfer(t, caller, slot, c.CanGrant)
	default:
		k.halt("caller slot holds %s", caps.String(c))
	}
}

func (k *Kernel) handleUnknownSyscall(sys abi.Syscall) {
	k.handleFault(k.cur, abi.Fault{Type: abi.UnknownSyscall, SyscallNumber: abi.Word(sys)}, abi.LookupFault{})
	k.schedule()
	k.activateThread()
}

// HandleUserException reports a user-level exception taken by the current
// thread, such as an undefined instruction.
func (k *Kernel) HandleUserException(number, code abi.Word) error {
	if k.cur == k.idle {
		return ErrNoCurrentThread
	}
	k.handleFault(k.cur, abi.Fault{Type: abi.UserException, Number: number, Code: code}, abi.LookupFault{})
	k.schedule()
	k.activateThread()
	return nil
}

// HandleVMFault reports a page fault taken by the current thread.
func (k *Kernel) HandleVMFault(addr, fsr abi.Word, instruction bool) error {
	if k.cur == k.idle {
		return ErrNoCurrentThread
	}
	k.handleFault(k.cur, abi.Fault{Type: abi.VMFault, Address: addr, FSR: fsr, InstructionFault: instruction}, abi.LookupFault{})
	k.schedule()
	k.activateThread()
	return nil
}

// handleDebugSyscall serves the debug syscalls. They return straight to
// the caller without a scheduling decision.
func (k *Kernel) handleDebugSyscall(sys abi.Syscall) {
	t := k.cur
	switch sys {
	case abi.SysDebugPutChar:
		k.console.WriteByte(byte(t.Regs[abi.X0]))
	case abi.SysDebugDumpSched:
		for _, th := range k.Threads() {
			k.log.Info("Thread",
				zap.String("name", th.Name),
				zap.Uint64("tcb", th.Addr),
				zap.Stringer("state", th.State.Kind),
				zap.Int("priority", th.Priority),
				zap.Int("domain", th.Domain),
				zap.Bool("queued", th.queued))
		}
	case abi.SysDebugHalt:
		k.halt("halt requested by %s", t.Name)
	case abi.SysDebugCapIdentify:
		c, err := k.lookupCap(t, t.Regs[abi.X0])
		if err != nil {
			t.Regs[abi.X0] = 0
			return
		}
		t.Regs[abi.X0] = abi.Word(c.Type())
	case abi.SysDebugSnapshot:
		if k.snapshotHook != nil {
			k.snapshotHook(k.State())
		}
	case abi.SysDebugNameThread:
		c, err := k.lookupCap(t, t.Regs[abi.X0])
		if err != nil {
			k.log.Debug("Name thread: invalid cap", zap.Uint64("cptr", t.Regs[abi.X0]))
			return
		}
		tc, ok := c.(caps.Thread)
		if !ok {
			k.log.Debug("Name thread: not a thread cap", zap.String("cap", caps.String(c)))
			return
		}
		if name := k.bufferString(k.lookupIPCBuffer(true, t)); name != "" {
			k.thread(tc.Ptr).Name = name
		}
	}
}

// bufferString reads a NUL-terminated string from the message words of an
// IPC buffer.
func (k *Kernel) bufferString(buffer abi.Word) string {
	if buffer == 0 {
		return ""
	}
	var sb strings.Builder
	var raw [wordBytes]byte
	for i := abi.IPCBufMsg; i < abi.IPCBufWords; i++ {
		binary.LittleEndian.PutUint64(raw[:], k.bufferWord(buffer, i))
		for _, b := range raw {
			if b == 0 {
				return sb.String()
			}
			sb.WriteByte(b)
		}
	}
	return sb.String()
}
