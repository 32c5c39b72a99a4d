package kernel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
)

// RaiseIRQ marks irq pending at the interrupt controller. It is taken on
// the next interrupt entry, and it makes preemption points give way.
func (k *Kernel) RaiseIRQ(irq abi.Word) error {
	if irq > abi.MaxIRQ {
		return fmt.Errorf("irq %d out of range", irq)
	}
	k.irqPending[irq] = true
	return nil
}

// IRQState returns how irq is handled and whether it is masked.
func (k *Kernel) IRQState(irq abi.Word) (IRQState, bool) {
	return k.irqState[irq], k.irqMasked[irq]
}

// getActiveIRQ returns the lowest pending unmasked interrupt.
func (k *Kernel) getActiveIRQ() (abi.Word, bool) {
	for irq := range k.irqPending {
		if k.irqPending[irq] && !k.irqMasked[irq] {
			return abi.Word(irq), true
		}
	}
	return 0, false
}

func (k *Kernel) isIRQPending() bool {
	_, ok := k.getActiveIRQ()
	return ok
}

func (k *Kernel) ackInterrupt(irq abi.Word) {
	k.irqPending[irq] = false
}

// handleInterrupt dispatches irq according to its state. A signalled line
// stays masked until the handler acknowledges it.
func (k *Kernel) handleInterrupt(irq abi.Word) {
	k.rec.Interrupt(irq)
	switch k.irqState[irq] {
	case IRQSignal:
		c := k.cte(k.irqSlots[irq]).Cap
		if n, ok := c.(caps.Notification); ok && n.CanSend {
			k.sendSignal(k.notification(n.Ptr), n.Badge)
		} else {
			k.log.Debug("Spurious interrupt without handler", zap.Uint64("irq", irq))
		}
		k.irqMasked[irq] = true
	case IRQTimer:
		k.timerTick()
	case IRQReserved:
	default:
		k.log.Warn("Received disabled interrupt", zap.Uint64("irq", irq))
		k.irqMasked[irq] = true
	}
	k.ackInterrupt(irq)
}

// InterruptEntry takes the active interrupt, if any, then schedules.
func (k *Kernel) InterruptEntry() {
	if irq, ok := k.getActiveIRQ(); ok {
		k.handleInterrupt(irq)
	}
	k.schedule()
	k.activateThread()
}

// Tick raises the timer interrupt and takes it.
func (k *Kernel) Tick() {
	k.irqPending[k.cfg.TimerIRQ] = true
	k.InterruptEntry()
}

func (k *Kernel) deletingIRQHandler(irq abi.Word) {
	k.cteDeleteOne(k.irqSlots[irq])
}
