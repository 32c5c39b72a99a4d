package kernel

import (
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

// extraCap is a capability passed alongside an invocation.
type extraCap struct {
	slot cspace.SlotHandle
	cap  caps.Cap
}

// invocation is one decoded kernel object invocation by the current thread.
type invocation struct {
	label  abi.Label
	length int
	cptr   abi.CPtr
	slot   cspace.SlotHandle
	cap    caps.Cap
	extra  []extraCap
	buffer abi.Word
	block  bool
	call   bool
}

func (k *Kernel) arg(inv *invocation, i int) abi.Word {
	return k.syscallArg(i, inv.buffer)
}

func (inv *invocation) hasExtra(n int) bool { return len(inv.extra) > n }

// decodeInvocation validates an invocation and performs it. Every path
// that reaches the operation first marks the caller Restart.
func (k *Kernel) decodeInvocation(inv *invocation) *KernelError {
	if inv.cap.Type().IsArch() {
		return errIllegalOperation
	}

	switch c := inv.cap.(type) {
	case caps.Null, caps.Zombie:
		return errInvalidCapability(0)

	case caps.Endpoint:
		if !c.CanSend {
			return errInvalidCapability(0)
		}
		k.setThreadState(k.cur, Restart)
		k.sendIPC(inv.block, inv.call, c.Badge, c.CanGrant, c.CanGrantReply, k.cur, k.endpoint(c.Ptr))
		return nil

	case caps.Notification:
		if !c.CanSend {
			return errInvalidCapability(0)
		}
		k.setThreadState(k.cur, Restart)
		k.sendSignal(k.notification(c.Ptr), c.Badge)
		return nil

	case caps.Reply:
		if c.Master {
			return errInvalidCapability(0)
		}
		k.setThreadState(k.cur, Restart)
		k.doReplyTransfer(k.cur, k.thread(c.TCB), inv.slot, c.CanGrant)
		return nil

	case caps.Thread:
		return k.decodeTCBInvocation(inv, c)
	case caps.Domain:
		return k.decodeDomainInvocation(inv)
	case caps.CNode:
		return k.decodeCNodeInvocation(inv, c)
	case caps.Untyped:
		return k.decodeUntypedInvocation(inv, c)
	case caps.IRQControl:
		return k.decodeIRQControlInvocation(inv)
	case caps.IRQHandler:
		return k.decodeIRQHandlerInvocation(inv, c)
	}
	k.halt("decodeInvocation: invalid cap %s", caps.String(inv.cap))
	return nil
}

func (k *Kernel) decodeDomainInvocation(inv *invocation) *KernelError {
	if inv.label != abi.DomainSetSet {
		return errIllegalOperation
	}
	if inv.length == 0 {
		return errTruncatedMessage
	}
	dom := k.arg(inv, 0)
	if dom >= abi.Word(k.cfg.NumDomains) {
		return errInvalidArgument(0)
	}
	if !inv.hasExtra(0) {
		return errTruncatedMessage
	}
	tc, ok := inv.extra[0].cap.(caps.Thread)
	if !ok {
		return errInvalidArgument(1)
	}
	k.setThreadState(k.cur, Restart)
	k.setDomain(k.thread(tc.Ptr), int(dom))
	return nil
}
