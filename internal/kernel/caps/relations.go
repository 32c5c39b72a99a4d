package caps

import "github.com/GriffinCanCode/capkernel/internal/kernel/abi"

// IsPhysical reports whether c refers to memory that backs a kernel object.
func IsPhysical(c Cap) bool {
	switch c.(type) {
	case Untyped, Endpoint, Notification, CNode, Thread, Zombie, Frame, VSpace:
		return true
	}
	return false
}

// Ptr returns the base address of the object c refers to, or 0.
func Ptr(c Cap) abi.Word {
	switch c := c.(type) {
	case Untyped:
		return c.Ptr
	case Endpoint:
		return c.Ptr
	case Notification:
		return c.Ptr
	case CNode:
		return c.Ptr
	case Thread:
		return c.Ptr
	case Zombie:
		return c.Ptr
	case Frame:
		return c.Ptr
	case VSpace:
		return c.Ptr
	case Reply:
		return c.TCB
	}
	return 0
}

// SizeBits returns log2 of the size of the object c refers to.
func SizeBits(c Cap) uint {
	switch c := c.(type) {
	case Untyped:
		return uint(c.BlockSize)
	case Endpoint:
		return abi.EndpointBits
	case Notification:
		return abi.NotificationBits
	case CNode:
		return uint(c.Radix) + abi.SlotBits
	case Thread:
		return abi.TCBBits
	case Zombie:
		if c.IsTCB() {
			return abi.TCBBits
		}
		return uint(c.Kind) + abi.SlotBits
	case Frame:
		return uint(c.SizeBits)
	case VSpace:
		return abi.VSpaceBits
	}
	return 0
}

// Badge returns the badge of an endpoint or notification cap, or 0.
func Badge(c Cap) abi.Word {
	switch c := c.(type) {
	case Endpoint:
		return c.Badge
	case Notification:
		return c.Badge
	}
	return 0
}

// SameRegionAs reports whether b refers to memory contained in what a
// refers to. It is the parent test of the derivation tree.
func SameRegionAs(a, b Cap) bool {
	switch a := a.(type) {
	case Untyped:
		if !IsPhysical(b) {
			return false
		}
		aBase, bBase := a.Ptr, Ptr(b)
		aTop := aBase + abi.Mask(uint(a.BlockSize))
		bTop := bBase + abi.Mask(SizeBits(b))
		return aBase <= bBase && bTop <= aTop && bBase <= bTop
	case Endpoint:
		o, ok := b.(Endpoint)
		return ok && o.Ptr == a.Ptr
	case Notification:
		o, ok := b.(Notification)
		return ok && o.Ptr == a.Ptr
	case CNode:
		o, ok := b.(CNode)
		return ok && o.Ptr == a.Ptr && o.Radix == a.Radix
	case Thread:
		o, ok := b.(Thread)
		return ok && o.Ptr == a.Ptr
	case Reply:
		o, ok := b.(Reply)
		return ok && o.TCB == a.TCB
	case Domain:
		_, ok := b.(Domain)
		return ok
	case IRQControl:
		switch b.(type) {
		case IRQControl, IRQHandler:
			return true
		}
		return false
	case IRQHandler:
		o, ok := b.(IRQHandler)
		return ok && o.IRQ == a.IRQ
	case Frame:
		o, ok := b.(Frame)
		if !ok {
			return false
		}
		aTop := a.Ptr + abi.Mask(uint(a.SizeBits))
		bTop := o.Ptr + abi.Mask(uint(o.SizeBits))
		return a.Ptr <= o.Ptr && bTop <= aTop && o.Ptr <= bTop
	case VSpace:
		o, ok := b.(VSpace)
		return ok && o.Ptr == a.Ptr
	}
	return false
}

// SameObjectAs reports whether a and b refer to the same kernel object.
func SameObjectAs(a, b Cap) bool {
	switch a := a.(type) {
	case Untyped:
		return false
	case IRQControl:
		if _, ok := b.(IRQHandler); ok {
			return false
		}
	case Frame:
		o, ok := b.(Frame)
		return ok && a.Ptr == o.Ptr && a.SizeBits == o.SizeBits && a.IsDevice == o.IsDevice
	}
	return SameRegionAs(a, b)
}

// IsRevocable reports whether newCap, derived from src, may later be
// revoked through src.
func IsRevocable(newCap, src Cap) bool {
	switch n := newCap.(type) {
	case Endpoint:
		return n.Badge != Badge(src)
	case Notification:
		return n.Badge != Badge(src)
	case IRQHandler:
		_, ok := src.(IRQControl)
		return ok
	case Untyped:
		return true
	}
	return false
}

// MaskRights removes from c every right r does not allow.
func MaskRights(r abi.CapRights, c Cap) Cap {
	switch c := c.(type) {
	case Endpoint:
		c.CanSend = c.CanSend && r.AllowWrite
		c.CanReceive = c.CanReceive && r.AllowRead
		c.CanGrant = c.CanGrant && r.AllowGrant
		c.CanGrantReply = c.CanGrantReply && r.AllowGrantReply
		return c
	case Notification:
		c.CanSend = c.CanSend && r.AllowWrite
		c.CanReceive = c.CanReceive && r.AllowRead
		return c
	case Reply:
		c.CanGrant = c.CanGrant && r.AllowGrant
		return c
	case Frame:
		c.Rights = abi.MaskVMRights(c.Rights, r)
		return c
	}
	return c
}

// UpdateData applies a mint/mutate data word to c. Endpoint and
// notification caps take a badge once, unless preserve is set; CNode caps
// take a new guard if it still fits the word. A Null result means the
// update was refused.
func UpdateData(preserve bool, data abi.Word, c Cap) Cap {
	switch c := c.(type) {
	case Endpoint:
		if preserve || c.Badge != 0 {
			return Null{}
		}
		c.Badge = data
		return c
	case Notification:
		if preserve || c.Badge != 0 {
			return Null{}
		}
		c.Badge = data
		return c
	case CNode:
		guardSize := data & abi.Mask(abi.CNodeGuardSizeBits)
		if guardSize+abi.Word(c.Radix) > abi.WordBits {
			return Null{}
		}
		c.GuardSize = uint8(guardSize)
		c.Guard = (data >> abi.CNodeGuardSizeBits) & abi.Mask(uint(guardSize))
		return c
	}
	return c
}

// Rights reports the access rights c currently carries, as a rights mask.
// Caps without rights report AllRights.
func Rights(c Cap) abi.CapRights {
	switch c := c.(type) {
	case Endpoint:
		return abi.CapRights{AllowWrite: c.CanSend, AllowRead: c.CanReceive, AllowGrant: c.CanGrant, AllowGrantReply: c.CanGrantReply}
	case Notification:
		return abi.CapRights{AllowWrite: c.CanSend, AllowRead: c.CanReceive}
	case Reply:
		return abi.CapRights{AllowGrant: c.CanGrant}
	case Frame:
		return abi.CapRights{AllowRead: c.Rights != abi.VMKernelOnly, AllowWrite: c.Rights == abi.VMReadWrite}
	}
	return abi.AllRights
}
