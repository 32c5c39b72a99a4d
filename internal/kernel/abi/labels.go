package abi

import "fmt"

// Label selects the operation of a capability invocation.
type Label Word

const (
	InvalidInvocation Label = iota
	UntypedRetype
	TCBReadRegisters
	TCBWriteRegisters
	TCBCopyRegisters
	TCBConfigure
	TCBSetPriority
	TCBSetMCPriority
	TCBSetIPCBuffer
	TCBSetSpace
	TCBSuspend
	TCBResume
	TCBBindNotification
	TCBUnbindNotification
	CNodeRevoke
	CNodeDelete
	CNodeCancelBadgedSends
	CNodeCopy
	CNodeMint
	CNodeMove
	CNodeMutate
	CNodeRotate
	CNodeSaveCaller
	IRQIssueIRQHandler
	IRQAckIRQ
	IRQSetIRQHandler
	IRQClearIRQHandler
	DomainSetSet
	nLabels
)

var labelNames = [...]string{
	"InvalidInvocation", "UntypedRetype",
	"TCBReadRegisters", "TCBWriteRegisters", "TCBCopyRegisters", "TCBConfigure",
	"TCBSetPriority", "TCBSetMCPriority", "TCBSetIPCBuffer", "TCBSetSpace",
	"TCBSuspend", "TCBResume", "TCBBindNotification", "TCBUnbindNotification",
	"CNodeRevoke", "CNodeDelete", "CNodeCancelBadgedSends", "CNodeCopy",
	"CNodeMint", "CNodeMove", "CNodeMutate", "CNodeRotate", "CNodeSaveCaller",
	"IRQIssueIRQHandler", "IRQAckIRQ", "IRQSetIRQHandler", "IRQClearIRQHandler",
	"DomainSetSet",
}

func (l Label) String() string {
	if l < nLabels {
		return labelNames[l]
	}
	return fmt.Sprintf("Label(%d)", Word(l))
}

// ParseLabel maps an invocation name to its label.
func ParseLabel(name string) (Label, error) {
	for i, n := range labelNames {
		if n == name {
			return Label(i), nil
		}
	}
	return 0, fmt.Errorf("unknown invocation label %q", name)
}

// ObjectType selects what Untyped memory is retyped into.
type ObjectType Word

const (
	UntypedObject ObjectType = iota
	TCBObject
	EndpointObject
	NotificationObject
	CapTableObject
	NonArchObjectTypeCount
)

// Architecture object types.
const (
	SmallPageObject = NonArchObjectTypeCount + iota
	LargePageObject
	VSpaceObject
	ObjectTypeCount
)

var objectTypeNames = map[ObjectType]string{
	UntypedObject:      "Untyped",
	TCBObject:          "TCB",
	EndpointObject:     "Endpoint",
	NotificationObject: "Notification",
	CapTableObject:     "CapTable",
	SmallPageObject:    "SmallPage",
	LargePageObject:    "LargePage",
	VSpaceObject:       "VSpace",
}

func (t ObjectType) String() string {
	if n, ok := objectTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("ObjectType(%d)", Word(t))
}

// ParseObjectType maps an object type name to its value.
func ParseObjectType(name string) (ObjectType, error) {
	for t, n := range objectTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown object type %q", name)
}

// IsFrameType reports whether t is a frame object.
func (t ObjectType) IsFrameType() bool {
	return t == SmallPageObject || t == LargePageObject
}

// ObjectSize returns log2 of the size of an object of type t; userSize is
// only meaningful for Untyped and CapTable objects.
func ObjectSize(t ObjectType, userSize Word) Word {
	switch t {
	case UntypedObject:
		return userSize
	case TCBObject:
		return TCBBits
	case EndpointObject:
		return EndpointBits
	case NotificationObject:
		return NotificationBits
	case CapTableObject:
		return SlotBits + userSize
	case SmallPageObject:
		return PageBits
	case LargePageObject:
		return LargePageBits
	case VSpaceObject:
		return VSpaceBits
	}
	return 0
}

// CapRights is the rights mask carried by CNode copy and mint.
type CapRights struct {
	AllowGrantReply bool
	AllowGrant      bool
	AllowRead       bool
	AllowWrite      bool
}

// AllRights grants everything.
var AllRights = CapRights{AllowGrantReply: true, AllowGrant: true, AllowRead: true, AllowWrite: true}

// RightsFromWord decodes a rights word: grantReply(3) grant(2) read(1) write(0).
func RightsFromWord(w Word) CapRights {
	return CapRights{
		AllowGrantReply: w&(1<<3) != 0,
		AllowGrant:      w&(1<<2) != 0,
		AllowRead:       w&(1<<1) != 0,
		AllowWrite:      w&1 != 0,
	}
}

// Word encodes the rights mask.
func (r CapRights) Word() Word {
	var w Word
	if r.AllowGrantReply {
		w |= 1 << 3
	}
	if r.AllowGrant {
		w |= 1 << 2
	}
	if r.AllowRead {
		w |= 1 << 1
	}
	if r.AllowWrite {
		w |= 1
	}
	return w
}

// VMRights are the access rights of a frame mapping.
type VMRights uint8

const (
	VMKernelOnly VMRights = iota
	VMReadOnly
	VMReadWrite
)

// MaskVMRights restricts vm by a capability rights mask.
func MaskVMRights(vm VMRights, r CapRights) VMRights {
	if vm == VMReadOnly && r.AllowRead {
		return VMReadOnly
	}
	if vm == VMReadWrite && r.AllowRead {
		if r.AllowWrite {
			return VMReadWrite
		}
		return VMReadOnly
	}
	return VMKernelOnly
}

// CNode cap data word layout used by Mint/Mutate: guard(63:6) guardSize(5:0).
const CNodeGuardSizeBits = 6

// CNodeCapData packs a guard and guard size for Mint/Mutate.
func CNodeCapData(guard, guardSize Word) Word {
	return guard<<CNodeGuardSizeBits | guardSize&Mask(CNodeGuardSizeBits)
}
