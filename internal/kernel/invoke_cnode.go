package kernel

import (
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

func (k *Kernel) decodeCNodeInvocation(inv *invocation, cn caps.CNode) *KernelError {
	if inv.label < abi.CNodeRevoke || inv.label > abi.CNodeSaveCaller {
		return errIllegalOperation
	}
	if inv.length < 2 {
		return errTruncatedMessage
	}
	dest, err := k.lookupTargetSlot(cn, k.arg(inv, 0), k.arg(inv, 1))
	if err != nil {
		return err
	}

	switch inv.label {
	case abi.CNodeCopy, abi.CNodeMint, abi.CNodeMove, abi.CNodeMutate:
		return k.decodeCNodeTransfer(inv, dest)

	case abi.CNodeRevoke:
		k.setThreadState(k.cur, Restart)
		return k.cteRevoke(dest)

	case abi.CNodeDelete:
		k.setThreadState(k.cur, Restart)
		return k.cteDelete(dest, true)

	case abi.CNodeSaveCaller:
		if err := k.ensureEmptySlot(dest); err != nil {
			return err
		}
		k.setThreadState(k.cur, Restart)
		k.invokeCNodeSaveCaller(dest)
		return nil

	case abi.CNodeCancelBadgedSends:
		ep, ok := k.cte(dest).Cap.(caps.Endpoint)
		if !ok || !hasCancelSendRights(ep) {
			return errIllegalOperation
		}
		k.setThreadState(k.cur, Restart)
		if ep.Badge != 0 {
			k.cancelBadgedSends(k.endpoint(ep.Ptr), ep.Badge)
		}
		return nil

	case abi.CNodeRotate:
		return k.decodeCNodeRotate(inv, dest)
	}
	return errIllegalOperation
}

// decodeCNodeTransfer handles the copy, mint, move and mutate operations,
// which all take a source slot in a second CSpace.
func (k *Kernel) decodeCNodeTransfer(inv *invocation, dest cspace.SlotHandle) *KernelError {
	if inv.length < 4 || !inv.hasExtra(0) {
		return errTruncatedMessage
	}
	srcIndex, srcDepth := k.arg(inv, 2), k.arg(inv, 3)
	srcRoot := inv.extra[0].cap

	if err := k.ensureEmptySlot(dest); err != nil {
		return err
	}
	src, err := k.lookupSourceSlot(srcRoot, srcIndex, srcDepth)
	if err != nil {
		return err
	}
	srcCap := k.cte(src).Cap
	if caps.IsNull(srcCap) {
		return errFailedLookup(true, abi.LookupFault{Type: abi.LookupMissingCapability, BitsLeft: srcDepth})
	}

	var newCap caps.Cap
	isMove := false
	switch inv.label {
	case abi.CNodeCopy:
		if inv.length < 5 {
			return errTruncatedMessage
		}
		masked := caps.MaskRights(abi.RightsFromWord(k.arg(inv, 4)), srcCap)
		derived, err := k.deriveCap(src, masked)
		if err != nil {
			return err
		}
		if caps.IsNull(derived) {
			return errIllegalOperation
		}
		newCap = derived

	case abi.CNodeMint:
		if inv.length < 6 {
			return errTruncatedMessage
		}
		masked := caps.MaskRights(abi.RightsFromWord(k.arg(inv, 4)), srcCap)
		derived, err := k.deriveCap(src, caps.UpdateData(false, k.arg(inv, 5), masked))
		if err != nil {
			return err
		}
		if caps.IsNull(derived) {
			return errIllegalOperation
		}
		newCap = derived

	case abi.CNodeMove:
		newCap = srcCap
		isMove = true

	case abi.CNodeMutate:
		if inv.length < 5 {
			return errTruncatedMessage
		}
		newCap = caps.UpdateData(true, k.arg(inv, 4), srcCap)
		if caps.IsNull(newCap) {
			return errIllegalOperation
		}
		isMove = true
	}

	k.setThreadState(k.cur, Restart)
	if isMove {
		k.cteMove(newCap, src, dest)
	} else {
		k.cteInsert(newCap, src, dest)
	}
	return nil
}

// decodeCNodeRotate moves pivot to dest and src to pivot in one step.
func (k *Kernel) decodeCNodeRotate(inv *invocation, dest cspace.SlotHandle) *KernelError {
	if inv.length < 8 || !inv.hasExtra(1) {
		return errTruncatedMessage
	}
	pivotData, pivotIndex, pivotDepth := k.arg(inv, 2), k.arg(inv, 3), k.arg(inv, 4)
	srcData, srcIndex, srcDepth := k.arg(inv, 5), k.arg(inv, 6), k.arg(inv, 7)
	pivotRoot, srcRoot := inv.extra[0].cap, inv.extra[1].cap

	src, err := k.lookupSourceSlot(srcRoot, srcIndex, srcDepth)
	if err != nil {
		return err
	}
	pivot, err := k.lookupPivotSlot(pivotRoot, pivotIndex, pivotDepth)
	if err != nil {
		return err
	}
	if pivot == src || pivot == dest {
		return errIllegalOperation
	}
	if src != dest {
		if err := k.ensureEmptySlot(dest); err != nil {
			return err
		}
	}
	srcCap, pivotCap := k.cte(src).Cap, k.cte(pivot).Cap
	if caps.IsNull(srcCap) {
		return errFailedLookup(true, abi.LookupFault{Type: abi.LookupMissingCapability, BitsLeft: srcDepth})
	}
	if caps.IsNull(pivotCap) {
		return errFailedLookup(false, abi.LookupFault{Type: abi.LookupMissingCapability, BitsLeft: pivotDepth})
	}

	newSrc := caps.UpdateData(true, srcData, srcCap)
	newPivot := caps.UpdateData(true, pivotData, pivotCap)
	if caps.IsNull(newSrc) || caps.IsNull(newPivot) {
		return errIllegalOperation
	}

	k.setThreadState(k.cur, Restart)
	if src == dest {
		k.cteSwap(newSrc, src, newPivot, pivot)
	} else {
		k.cteMove(newPivot, pivot, dest)
		k.cteMove(newSrc, src, pivot)
	}
	return nil
}

// invokeCNodeSaveCaller moves the current thread's pending reply cap into
// dest so a later receive does not discard it.
func (k *Kernel) invokeCNodeSaveCaller(dest cspace.SlotHandle) {
	src := k.tcbSlot(k.cur, abi.TCBCaller)
	switch c := k.cte(src).Cap.(type) {
	case caps.Null:
		k.log.Debug("Save caller with no caller cap")
	case caps.Reply:
		if !c.Master {
			k.cteMove(c, src, dest)
		}
	default:
		k.halt("caller slot holds %s", caps.String(c))
	}
}

func hasCancelSendRights(ep caps.Endpoint) bool {
	return ep.CanSend && ep.CanReceive && ep.CanGrant && ep.CanGrantReply
}
