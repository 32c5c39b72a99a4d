package kernel

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
)

// handleFault delivers f to t's fault handler. When the handler cannot be
// reached the fault is doubled and t stops for good.
func (k *Kernel) handleFault(t *Thread, f abi.Fault, lookup abi.LookupFault) {
	k.rec.Fault(f.Type)
	if err := k.sendFaultIPC(t, f, lookup); err != nil {
		k.handleDoubleFault(t, f, err)
	}
}

// sendFaultIPC sends f as a call on t's fault endpoint. The endpoint cap
// must allow sending and some form of grant so the handler can reply.
func (k *Kernel) sendFaultIPC(t *Thread, f abi.Fault, lookup abi.LookupFault) *KernelError {
	handler := t.FaultHandler
	c, err := k.lookupCap(t, handler)
	if err != nil {
		return &KernelError{
			Kind:   ExceptionFault,
			Fault:  abi.Fault{Type: abi.CapFault, Address: handler},
			Lookup: err.Lookup,
		}
	}

	ep, ok := c.(caps.Endpoint)
	if !ok || !ep.CanSend || !(ep.CanGrant || ep.CanGrantReply) {
		return &KernelError{
			Kind:   ExceptionFault,
			Fault:  abi.Fault{Type: abi.CapFault, Address: handler},
			Lookup: abi.LookupFault{Type: abi.LookupMissingCapability},
		}
	}

	t.Fault = f
	if f.Type == abi.CapFault {
		t.LookupFailure = lookup
	}
	k.sendIPC(true, true, ep.Badge, ep.CanGrant, true, t, k.endpoint(ep.Ptr))
	return nil
}

func (k *Kernel) handleDoubleFault(t *Thread, f abi.Fault, second *KernelError) {
	k.rec.DoubleFault()
	k.log.Warn("Double fault",
		zap.String("thread", t.Name),
		zap.Uint64("tcb", t.Addr),
		zap.Stringer("fault", f),
		zap.Stringer("while_delivering", second.Fault),
		zap.Uint64("ip", t.Regs[abi.FaultIP]))
	k.setThreadState(t, Inactive)
}
