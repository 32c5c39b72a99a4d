// Package caps defines kernel capabilities as a closed sum type.
//
// A capability is a value: copying it copies its whole encoding. The set of
// variants is fixed; code dispatches with a type switch, never through
// methods on the variants beyond the small Cap interface.
package caps

import (
	"fmt"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

// Type is the capability tag. Architecture tags are odd.
type Type uint8

const (
	TypeNull         Type = 0
	TypeUntyped      Type = 2
	TypeEndpoint     Type = 4
	TypeNotification Type = 6
	TypeReply        Type = 8
	TypeCNode        Type = 10
	TypeThread       Type = 12
	TypeIRQControl   Type = 14
	TypeIRQHandler   Type = 16
	TypeZombie       Type = 18
	TypeDomain       Type = 20

	TypeFrame  Type = 1
	TypeVSpace Type = 3
)

var typeNames = map[Type]string{
	TypeNull:         "Null",
	TypeUntyped:      "Untyped",
	TypeEndpoint:     "Endpoint",
	TypeNotification: "Notification",
	TypeReply:        "Reply",
	TypeCNode:        "CNode",
	TypeThread:       "Thread",
	TypeIRQControl:   "IRQControl",
	TypeIRQHandler:   "IRQHandler",
	TypeZombie:       "Zombie",
	TypeDomain:       "Domain",
	TypeFrame:        "Frame",
	TypeVSpace:       "VSpace",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// IsArch reports whether t is an architecture-specific tag.
func (t Type) IsArch() bool { return t&1 == 1 }

// Cap is implemented by every capability variant and nothing else.
type Cap interface {
	Type() Type
	sealed()
}

// Null is the empty capability.
type Null struct{}

// Untyped covers a power-of-two block of raw memory.
type Untyped struct {
	Ptr       abi.Word
	BlockSize uint8
	// FreeIndex is the allocation cursor in units of 2^MinUntypedBits bytes.
	FreeIndex abi.Word
	IsDevice  bool
}

// Endpoint names a synchronous IPC endpoint.
type Endpoint struct {
	Ptr           abi.Word
	Badge         abi.Word
	CanSend       bool
	CanReceive    bool
	CanGrant      bool
	CanGrantReply bool
}

// Notification names an asynchronous notification word.
type Notification struct {
	Ptr        abi.Word
	Badge      abi.Word
	CanSend    bool
	CanReceive bool
}

// Reply is either a thread's reply master or a one-shot reply to it.
type Reply struct {
	TCB      abi.Word
	Master   bool
	CanGrant bool
}

// CNode names a capability table of 2^Radix slots.
type CNode struct {
	Ptr       abi.Word
	Radix     uint8
	GuardSize uint8
	Guard     abi.Word
}

// Thread names a thread control block.
type Thread struct {
	Ptr abi.Word
}

// IRQControl authorises creating IRQ handler caps.
type IRQControl struct{}

// IRQHandler authorises handling one interrupt line.
type IRQHandler struct {
	IRQ abi.Word
}

// ZombieTCB is the ZombieType of a zombie thread.
const ZombieTCB = abi.WordBits + 1

// Zombie marks an object whose deletion is in progress. Ptr is the object
// base; Number counts the slots still to be cleared.
type Zombie struct {
	Ptr    abi.Word
	Kind   uint8 // CNode radix, or ZombieTCB
	Number abi.Word
}

// Domain authorises moving threads between scheduling domains.
type Domain struct{}

// Frame names a page of memory.
type Frame struct {
	Ptr        abi.Word
	SizeBits   uint8
	Rights     abi.VMRights
	IsDevice   bool
	MappedASID abi.Word
	MappedAddr abi.Word
}

// VSpace names an address-space root.
type VSpace struct {
	Ptr  abi.Word
	ASID abi.Word
}

func (Null) Type() Type         { return TypeNull }
func (Untyped) Type() Type      { return TypeUntyped }
func (Endpoint) Type() Type     { return TypeEndpoint }
func (Notification) Type() Type { return TypeNotification }
func (Reply) Type() Type        { return TypeReply }
func (CNode) Type() Type        { return TypeCNode }
func (Thread) Type() Type       { return TypeThread }
func (IRQControl) Type() Type   { return TypeIRQControl }
func (IRQHandler) Type() Type   { return TypeIRQHandler }
func (Zombie) Type() Type       { return TypeZombie }
func (Domain) Type() Type       { return TypeDomain }
func (Frame) Type() Type        { return TypeFrame }
func (VSpace) Type() Type       { return TypeVSpace }

func (Null) sealed()         {}
func (Untyped) sealed()      {}
func (Endpoint) sealed()     {}
func (Notification) sealed() {}
func (Reply) sealed()        {}
func (CNode) sealed()        {}
func (Thread) sealed()       {}
func (IRQControl) sealed()   {}
func (IRQHandler) sealed()   {}
func (Zombie) sealed()       {}
func (Domain) sealed()       {}
func (Frame) sealed()        {}
func (VSpace) sealed()       {}

// IsNull reports whether c is absent or the null cap.
func IsNull(c Cap) bool {
	return c == nil || c.Type() == TypeNull
}

// MaxFreeIndex is the free index of a fully consumed untyped of 2^bits bytes.
func MaxFreeIndex(bits uint8) abi.Word {
	return abi.Bit(uint(bits)) >> abi.MinUntypedBits
}

// FreeRef returns the first free address of u.
func (u Untyped) FreeRef() abi.Word {
	return u.Ptr + u.FreeIndex<<abi.MinUntypedBits
}

// FreeBytes returns the bytes left for allocation in u.
func (u Untyped) FreeBytes() abi.Word {
	return abi.Bit(uint(u.BlockSize)) - u.FreeIndex<<abi.MinUntypedBits
}

// Used returns the bytes already handed out from u.
func (u Untyped) Used() abi.Word {
	return u.FreeIndex << abi.MinUntypedBits
}

// IsTCB reports whether z is a zombie thread.
func (z Zombie) IsTCB() bool { return z.Kind == ZombieTCB }

// SlotCount is the number of slots of the object z is tearing down.
func (z Zombie) SlotCount() abi.Word {
	if z.IsTCB() {
		return abi.TCBSlotCount
	}
	return abi.Bit(uint(z.Kind))
}

// NewZombieCNode returns the zombie of a CNode with 2^radix slots.
func NewZombieCNode(ptr abi.Word, radix uint8) Zombie {
	return Zombie{Ptr: ptr, Kind: radix, Number: abi.Bit(uint(radix))}
}

// NewZombieTCB returns the zombie of a thread.
func NewZombieTCB(ptr abi.Word) Zombie {
	return Zombie{Ptr: ptr, Kind: ZombieTCB, Number: abi.TCBSlotCount}
}

// String renders a capability for logs and the debug API.
func String(c Cap) string {
	switch c := c.(type) {
	case nil, Null:
		return "Null"
	case Untyped:
		return fmt.Sprintf("Untyped{%#x/%d free=%d device=%t}", c.Ptr, c.BlockSize, c.Used(), c.IsDevice)
	case Endpoint:
		return fmt.Sprintf("Endpoint{%#x badge=%#x %s}", c.Ptr, c.Badge, flags(c.CanSend, "S", c.CanReceive, "R", c.CanGrant, "G", c.CanGrantReply, "g"))
	case Notification:
		return fmt.Sprintf("Notification{%#x badge=%#x %s}", c.Ptr, c.Badge, flags(c.CanSend, "S", c.CanReceive, "R"))
	case Reply:
		return fmt.Sprintf("Reply{tcb=%#x master=%t grant=%t}", c.TCB, c.Master, c.CanGrant)
	case CNode:
		return fmt.Sprintf("CNode{%#x radix=%d guard=%#x/%d}", c.Ptr, c.Radix, c.Guard, c.GuardSize)
	case Thread:
		return fmt.Sprintf("Thread{%#x}", c.Ptr)
	case IRQControl:
		return "IRQControl"
	case IRQHandler:
		return fmt.Sprintf("IRQHandler{%d}", c.IRQ)
	case Zombie:
		if c.IsTCB() {
			return fmt.Sprintf("Zombie{tcb %#x n=%d}", c.Ptr, c.Number)
		}
		return fmt.Sprintf("Zombie{cnode %#x radix=%d n=%d}", c.Ptr, c.Kind, c.Number)
	case Domain:
		return "Domain"
	case Frame:
		return fmt.Sprintf("Frame{%#x/%d rights=%d device=%t}", c.Ptr, c.SizeBits, c.Rights, c.IsDevice)
	case VSpace:
		return fmt.Sprintf("VSpace{%#x asid=%d}", c.Ptr, c.ASID)
	}
	return c.Type().String()
}

func flags(kv ...any) string {
	out := ""
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i].(bool) {
			out += kv[i+1].(string)
		} else {
			out += "-"
		}
	}
	return out
}
