package kernel

import (
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
)

// sendSignal ORs badge into n, waking a waiter if there is one. A thread
// bound to n and blocked in an endpoint receive is woken too.
func (k *Kernel) sendSignal(n *Notification, badge abi.Word) {
	k.rec.Signal()
	switch n.State {
	case NotificationIdle:
		t := n.BoundTCB
		if t != nil && t.State.Kind == BlockedOnReceive {
			k.cancelIPC(t)
			k.setThreadState(t, Running)
			t.Regs[abi.BadgeRegister] = badge
			k.possibleSwitchTo(t)
			return
		}
		n.State = NotificationActive
		n.MsgIdentifier = badge

	case NotificationWaiting:
		dest := n.queue.Head
		n.queue.Remove(dest, epLinks)
		if n.queue.Empty() {
			n.State = NotificationIdle
		}
		k.setThreadState(dest, Running)
		dest.Regs[abi.BadgeRegister] = badge
		k.possibleSwitchTo(dest)

	case NotificationActive:
		n.MsgIdentifier |= badge
	}
}

// receiveSignal collects the badge word of n or blocks t on it.
func (k *Kernel) receiveSignal(t *Thread, c caps.Notification, blocking bool) {
	n := k.notification(c.Ptr)
	switch n.State {
	case NotificationIdle, NotificationWaiting:
		if !blocking {
			k.doNBRecvFailedTransfer(t)
			return
		}
		t.State.Kind = BlockedOnNotification
		t.State.BlockingObject = n.Addr
		k.scheduleTCB(t)
		n.queue.PushBack(t, epLinks)
		n.State = NotificationWaiting

	case NotificationActive:
		t.Regs[abi.BadgeRegister] = n.MsgIdentifier
		n.State = NotificationIdle
		n.MsgIdentifier = 0
	}
}

func (k *Kernel) completeSignal(n *Notification, t *Thread) {
	if n.State != NotificationActive {
		k.halt("completing signal on %s notification %#x", n.State, n.Addr)
	}
	t.Regs[abi.BadgeRegister] = n.MsgIdentifier
	n.State = NotificationIdle
	n.MsgIdentifier = 0
}

func (k *Kernel) cancelSignal(t *Thread, n *Notification) {
	n.queue.Remove(t, epLinks)
	if n.queue.Empty() {
		n.State = NotificationIdle
	}
	k.setThreadState(t, Inactive)
}

// cancelAllSignals restarts every thread waiting on n.
func (k *Kernel) cancelAllSignals(n *Notification) {
	if n.State != NotificationWaiting {
		return
	}
	waiting := n.queue.Items(epLinks)
	for _, t := range waiting {
		n.queue.Remove(t, epLinks)
	}
	n.State = NotificationIdle
	for _, t := range waiting {
		k.setThreadState(t, Restart)
		k.tcbSchedEnqueue(t)
	}
	k.rescheduleRequired()
}

func (k *Kernel) bindNotification(t *Thread, n *Notification) {
	n.BoundTCB = t
	t.BoundNotification = n
}

func (k *Kernel) doUnbindNotification(n *Notification, t *Thread) {
	n.BoundTCB = nil
	t.BoundNotification = nil
}

func (k *Kernel) unbindMaybeNotification(n *Notification) {
	if n.BoundTCB != nil {
		k.doUnbindNotification(n, n.BoundTCB)
	}
}

func (k *Kernel) unbindNotification(t *Thread) {
	if t.BoundNotification != nil {
		k.doUnbindNotification(t.BoundNotification, t)
	}
}
