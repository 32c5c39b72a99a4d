package kernel

import (
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

// resolveAddressBits walks guarded CNode levels from root, consuming nBits
// of addr. It stops at the first non-CNode slot and returns the bits still
// unresolved there.
func (k *Kernel) resolveAddressBits(root caps.Cap, addr abi.CPtr, nBits abi.Word) (cspace.SlotHandle, abi.Word, *KernelError) {
	node, ok := root.(caps.CNode)
	if !ok {
		return cspace.Nil, nBits, lookupFault(abi.LookupFault{Type: abi.LookupInvalidRoot})
	}
	for {
		radixBits := abi.Word(node.Radix)
		guardBits := abi.Word(node.GuardSize)
		levelBits := radixBits + guardBits
		if levelBits == 0 {
			k.halt("cnode %#x has no radix or guard", node.Ptr)
		}

		var guard abi.Word
		if guardBits <= nBits {
			guard = (addr >> (nBits - guardBits)) & abi.Mask(uint(guardBits))
		}
		if guardBits > nBits || guard != node.Guard {
			return cspace.Nil, nBits, lookupFault(abi.LookupFault{
				Type:       abi.LookupGuardMismatch,
				BitsLeft:   nBits,
				GuardFound: node.Guard,
				BitsFound:  guardBits,
			})
		}
		if levelBits > nBits {
			return cspace.Nil, nBits, lookupFault(abi.LookupFault{
				Type:      abi.LookupDepthMismatch,
				BitsLeft:  nBits,
				BitsFound: levelBits,
			})
		}

		offset := (addr >> (nBits - levelBits)) & abi.Mask(uint(radixBits))
		slot := k.cnodeSlot(k.cnode(node.Ptr), offset)
		if nBits == levelBits {
			return slot, 0, nil
		}
		nBits -= levelBits
		next, isNode := k.cte(slot).Cap.(caps.CNode)
		if !isNode {
			return slot, nBits, nil
		}
		node = next
	}
}

// lookupSlot resolves addr in t's CSpace with the full word width.
func (k *Kernel) lookupSlot(t *Thread, addr abi.CPtr) (cspace.SlotHandle, *KernelError) {
	root := k.tcbCap(t, abi.TCBCTable)
	slot, _, err := k.resolveAddressBits(root, addr, abi.WordBits)
	return slot, err
}

func (k *Kernel) lookupCapAndSlot(t *Thread, addr abi.CPtr) (caps.Cap, cspace.SlotHandle, *KernelError) {
	slot, err := k.lookupSlot(t, addr)
	if err != nil {
		return caps.Null{}, cspace.Nil, err
	}
	return k.cte(slot).Cap, slot, nil
}

func (k *Kernel) lookupCap(t *Thread, addr abi.CPtr) (caps.Cap, *KernelError) {
	c, _, err := k.lookupCapAndSlot(t, addr)
	return c, err
}

// lookupSlotForCNodeOp resolves exactly depth bits below root. Failures are
// syscall errors, tagged as source or destination lookups.
func (k *Kernel) lookupSlotForCNodeOp(isSource bool, root caps.Cap, addr abi.CPtr, depth abi.Word) (cspace.SlotHandle, *KernelError) {
	if _, ok := root.(caps.CNode); !ok {
		return cspace.Nil, errFailedLookup(isSource, abi.LookupFault{Type: abi.LookupInvalidRoot})
	}
	if depth < 1 || depth > abi.WordBits {
		return cspace.Nil, errRange(1, abi.WordBits)
	}
	slot, left, err := k.resolveAddressBits(root, addr, depth)
	if err != nil {
		return cspace.Nil, errFailedLookup(isSource, err.Lookup)
	}
	if left != 0 {
		return cspace.Nil, errFailedLookup(isSource, abi.LookupFault{
			Type:      abi.LookupDepthMismatch,
			BitsLeft:  left,
			BitsFound: 0,
		})
	}
	return slot, nil
}

func (k *Kernel) lookupSourceSlot(root caps.Cap, addr abi.CPtr, depth abi.Word) (cspace.SlotHandle, *KernelError) {
	return k.lookupSlotForCNodeOp(true, root, addr, depth)
}

func (k *Kernel) lookupTargetSlot(root caps.Cap, addr abi.CPtr, depth abi.Word) (cspace.SlotHandle, *KernelError) {
	return k.lookupSlotForCNodeOp(false, root, addr, depth)
}

func (k *Kernel) lookupPivotSlot(root caps.Cap, addr abi.CPtr, depth abi.Word) (cspace.SlotHandle, *KernelError) {
	return k.lookupSlotForCNodeOp(true, root, addr, depth)
}

// lookupIPCBuffer returns the kernel address of t's IPC buffer, or 0 when
// t has no usable buffer frame. A receiver needs write access.
func (k *Kernel) lookupIPCBuffer(isReceiver bool, t *Thread) abi.Word {
	f, ok := k.tcbCap(t, abi.TCBBuffer).(caps.Frame)
	if !ok || f.IsDevice {
		return 0
	}
	if f.Rights == abi.VMReadWrite || (!isReceiver && f.Rights == abi.VMReadOnly) {
		return f.Ptr + (t.IPCBuffer & abi.Mask(uint(f.SizeBits)))
	}
	return 0
}

// LookupCap resolves addr in t's CSpace for inspection tools.
func (k *Kernel) LookupCap(t *Thread, addr abi.CPtr) (caps.Cap, cspace.SlotHandle, error) {
	c, slot, err := k.lookupCapAndSlot(t, addr)
	if err != nil {
		return nil, cspace.Nil, err
	}
	return c, slot, nil
}
