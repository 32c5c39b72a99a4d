package kernel

import (
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
)

func (k *Kernel) isIRQActive(irq abi.Word) bool {
	return k.irqState[irq] != IRQInactive
}

func (k *Kernel) decodeIRQControlInvocation(inv *invocation) *KernelError {
	if inv.label != abi.IRQIssueIRQHandler {
		return errIllegalOperation
	}
	if inv.length < 3 || !inv.hasExtra(0) {
		return errTruncatedMessage
	}
	irq, index, depth := k.arg(inv, 0), k.arg(inv, 1), k.arg(inv, 2)
	root := inv.extra[0].cap

	if irq > abi.MaxIRQ {
		return errRange(0, abi.MaxIRQ)
	}
	if k.isIRQActive(irq) {
		return errRevokeFirst
	}
	dest, err := k.lookupTargetSlot(root, index, depth)
	if err != nil {
		return err
	}
	if err := k.ensureEmptySlot(dest); err != nil {
		return err
	}

	k.setThreadState(k.cur, Restart)
	k.irqState[irq] = IRQSignal
	k.irqMasked[irq] = false
	k.cteInsert(caps.IRQHandler{IRQ: irq}, inv.slot, dest)
	return nil
}

func (k *Kernel) decodeIRQHandlerInvocation(inv *invocation, h caps.IRQHandler) *KernelError {
	switch inv.label {
	case abi.IRQAckIRQ:
		k.setThreadState(k.cur, Restart)
		k.irqMasked[h.IRQ] = false
		return nil

	case abi.IRQSetIRQHandler:
		if !inv.hasExtra(0) {
			return errTruncatedMessage
		}
		ex := inv.extra[0]
		n, ok := ex.cap.(caps.Notification)
		if !ok || !n.CanSend {
			return errInvalidCapability(0)
		}
		k.setThreadState(k.cur, Restart)
		slot := k.irqSlots[h.IRQ]
		k.cteDeleteOne(slot)
		k.cteInsert(n, ex.slot, slot)
		return nil

	case abi.IRQClearIRQHandler:
		k.setThreadState(k.cur, Restart)
		k.cteDeleteOne(k.irqSlots[h.IRQ])
		return nil
	}
	return errIllegalOperation
}
