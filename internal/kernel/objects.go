package kernel

import (
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
	"github.com/GriffinCanCode/capkernel/internal/kernel/sched"
)

// ThreadStateKind is the scheduling state of a thread.
type ThreadStateKind uint8

const (
	Inactive ThreadStateKind = iota
	Running
	Restart
	BlockedOnReceive
	BlockedOnSend
	BlockedOnReply
	BlockedOnNotification
	IdleThreadState
)

var threadStateNames = [...]string{
	"Inactive", "Running", "Restart", "BlockedOnReceive", "BlockedOnSend",
	"BlockedOnReply", "BlockedOnNotification", "IdleThreadState",
}

func (s ThreadStateKind) String() string {
	if int(s) < len(threadStateNames) {
		return threadStateNames[s]
	}
	return "?"
}

// ThreadState is a thread's state tag plus the payload of a blocked send
// or receive. Pending sends live here, not in the endpoint.
type ThreadState struct {
	Kind           ThreadStateKind
	BlockingObject abi.Word
	Badge          abi.Word
	CanGrant       bool
	CanGrantReply  bool
	IsCall         bool
}

// Runnable reports whether a thread in this state may be scheduled.
func (s ThreadState) Runnable() bool {
	return s.Kind == Running || s.Kind == Restart
}

// Stopped reports whether restart may revive the thread.
func (s ThreadState) Stopped() bool {
	switch s.Kind {
	case Inactive, BlockedOnReceive, BlockedOnSend, BlockedOnReply, BlockedOnNotification:
		return true
	}
	return false
}

// Thread is a thread control block together with its five embedded
// capability slots. Both come from one 2^TCBBits allocation.
type Thread struct {
	Addr          abi.Word
	Name          string
	Regs          abi.Registers
	State         ThreadState
	Fault         abi.Fault
	LookupFailure abi.LookupFault
	Domain        int
	Priority      int
	MCP           int
	TimeSlice     abi.Word
	FaultHandler  abi.CPtr
	IPCBuffer     abi.Word

	BoundNotification *Notification
	Slots             [abi.TCBSlotCount]cspace.SlotHandle

	// Runs counts how often the thread was switched to.
	Runs uint64

	schedLinks sched.Links[Thread]
	epLinks    sched.Links[Thread]
	queued     bool
	dead       bool
}

func schedLinks(t *Thread) *sched.Links[Thread] { return &t.schedLinks }
func epLinks(t *Thread) *sched.Links[Thread] { return &t.epLinks }

// Queued reports whether t is in a ready queue.
func (t *Thread) Queued() bool { return t.queued }

// EndpointState tracks which direction of an endpoint queue is populated.
type EndpointState uint8

const (
	EndpointIdle EndpointState = iota
	EndpointSend
	EndpointRecv
)

func (s EndpointState) String() string {
	switch s {
	case EndpointSend:
		return "Send"
	case EndpointRecv:
		return "Recv"
	}
	return "Idle"
}

// Endpoint is a synchronous rendezvous point. Its queue holds either
// blocked senders or blocked receivers, never both.
type Endpoint struct {
	Addr  abi.Word
	State EndpointState
	queue sched.Queue[Thread]
}

// Waiting returns the queued threads, head first.
func (e *Endpoint) Waiting() []*Thread { return e.queue.Items(epLinks) }

// NotificationState is the state of a notification word.
type NotificationState uint8

const (
	NotificationIdle NotificationState = iota
	NotificationWaiting
	NotificationActive
)

func (s NotificationState) String() string {
	switch s {
	case NotificationWaiting:
		return "Waiting"
	case NotificationActive:
		return "Active"
	}
	return "Idle"
}

// Notification accumulates signalled badges into one word.
type Notification struct {
	Addr          abi.Word
	State         NotificationState
	MsgIdentifier abi.Word
	BoundTCB      *Thread
	queue         sched.Queue[Thread]
}

// Waiting returns the blocked threads, head first.
func (n *Notification) Waiting() []*Thread { return n.queue.Items(epLinks) }

// CNodeObj is a capability table of 2^Radix slots. Slots are allocated in
// the arena on first use.
type CNodeObj struct {
	Addr  abi.Word
	Radix uint8
	slots map[abi.Word]cspace.SlotHandle
}

// SlotOwnerKind says what object embeds a slot.
type SlotOwnerKind uint8

const (
	OwnerCNode SlotOwnerKind = iota
	OwnerTCB
	OwnerIRQ
)

// SlotRef names a slot by its owning object and index.
type SlotRef struct {
	Kind  SlotOwnerKind
	Obj   abi.Word
	Index abi.Word
}
