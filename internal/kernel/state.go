package kernel

import (
	"fmt"
	"sort"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

// State is a serialisable snapshot of everything user level can observe.
// Slots are named by owner so two kernels that did the same work produce
// equal snapshots.
type State struct {
	Current       string             `json:"current"`
	Action        string             `json:"action"`
	Domain        int                `json:"domain"`
	DomainTime    abi.Word           `json:"domain_time"`
	Deletion      DeletionInfo       `json:"deletion"`
	Threads       []ThreadInfo       `json:"threads"`
	Endpoints     []EndpointInfo     `json:"endpoints"`
	Notifications []NotificationInfo `json:"notifications"`
	Slots         []SlotInfo         `json:"slots"`
	IRQs          []IRQInfo          `json:"irqs,omitempty"`
	Console       string             `json:"console,omitempty"`
}

// ThreadInfo describes one thread.
type ThreadInfo struct {
	Addr           abi.Word            `json:"addr"`
	Name           string              `json:"name"`
	State          string              `json:"state"`
	BlockingObject abi.Word            `json:"blocking_object,omitempty"`
	Badge          abi.Word            `json:"badge,omitempty"`
	IsCall         bool                `json:"is_call,omitempty"`
	Priority       int                 `json:"priority"`
	MCP            int                 `json:"mcp"`
	Domain         int                 `json:"domain"`
	TimeSlice      abi.Word            `json:"time_slice"`
	Queued         bool                `json:"queued"`
	Fault          string              `json:"fault,omitempty"`
	BoundNtfn      abi.Word            `json:"bound_notification,omitempty"`
	Registers      map[string]abi.Word `json:"registers"`
}

// EndpointInfo describes one endpoint and its queue, head first.
type EndpointInfo struct {
	Addr  abi.Word   `json:"addr"`
	State string     `json:"state"`
	Queue []abi.Word `json:"queue,omitempty"`
}

// NotificationInfo describes one notification.
type NotificationInfo struct {
	Addr          abi.Word   `json:"addr"`
	State         string     `json:"state"`
	MsgIdentifier abi.Word   `json:"msg_identifier"`
	BoundTCB      abi.Word   `json:"bound_tcb,omitempty"`
	Queue         []abi.Word `json:"queue,omitempty"`
}

// SlotInfo describes one occupied slot and its derivation links.
type SlotInfo struct {
	Ref         string     `json:"ref"`
	Cap         string     `json:"cap"`
	Words       caps.Words `json:"words"`
	Prev        string     `json:"prev,omitempty"`
	Next        string     `json:"next,omitempty"`
	Revocable   bool       `json:"revocable"`
	FirstBadged bool       `json:"first_badged"`
}

// IRQInfo describes an interrupt line that is not in its reset state.
type IRQInfo struct {
	IRQ     abi.Word `json:"irq"`
	State   string   `json:"state"`
	Masked  bool     `json:"masked"`
	Pending bool     `json:"pending"`
}

// DeletionInfo describes the deletion in progress.
type DeletionInfo struct {
	Phase     string   `json:"phase"`
	Slot      string   `json:"slot,omitempty"`
	Remaining abi.Word `json:"remaining,omitempty"`
}

var tcbSlotNames = [abi.TCBSlotCount]string{"ctable", "vtable", "reply", "caller", "buffer"}

func (r SlotRef) String() string {
	switch r.Kind {
	case OwnerTCB:
		return fmt.Sprintf("tcb@%#x.%s", r.Obj, tcbSlotNames[r.Index])
	case OwnerIRQ:
		return fmt.Sprintf("irq[%d]", r.Index)
	}
	return fmt.Sprintf("cnode@%#x[%d]", r.Obj, r.Index)
}

func (r SlotRef) less(o SlotRef) bool {
	if r.Kind != o.Kind {
		return r.Kind < o.Kind
	}
	if r.Obj != o.Obj {
		return r.Obj < o.Obj
	}
	return r.Index < o.Index
}

// SlotName names h by its owner, or by its handle when it has none.
func (k *Kernel) SlotName(h cspace.SlotHandle) string {
	if h.IsNil() {
		return ""
	}
	if r, ok := k.owners[h]; ok {
		return r.String()
	}
	return h.String()
}

// State returns a snapshot of the kernel.
func (k *Kernel) State() State {
	s := State{
		Current:    k.cur.Name,
		Action:     k.action.Kind.String(),
		Domain:     k.curDomain,
		DomainTime: k.domTime,
		Console:    k.console.String(),
	}

	s.Deletion.Phase = "idle"
	if k.deleting.Phase == DeletionPendingZombie {
		s.Deletion = DeletionInfo{Phase: "pending_zombie", Slot: k.SlotName(k.deleting.Slot), Remaining: k.deleting.Remaining}
	}

	for _, t := range k.Threads() {
		s.Threads = append(s.Threads, threadInfo(t))
	}

	epAddrs := make([]abi.Word, 0, len(k.endpoints))
	for a := range k.endpoints {
		epAddrs = append(epAddrs, a)
	}
	sortWords(epAddrs)
	for _, a := range epAddrs {
		ep := k.endpoints[a]
		s.Endpoints = append(s.Endpoints, EndpointInfo{Addr: a, State: ep.State.String(), Queue: threadAddrs(ep.Waiting())})
	}

	ntfnAddrs := make([]abi.Word, 0, len(k.notifications))
	for a := range k.notifications {
		ntfnAddrs = append(ntfnAddrs, a)
	}
	sortWords(ntfnAddrs)
	for _, a := range ntfnAddrs {
		n := k.notifications[a]
		info := NotificationInfo{Addr: a, State: n.State.String(), MsgIdentifier: n.MsgIdentifier, Queue: threadAddrs(n.Waiting())}
		if n.BoundTCB != nil {
			info.BoundTCB = n.BoundTCB.Addr
		}
		s.Notifications = append(s.Notifications, info)
	}

	type namedSlot struct {
		ref SlotRef
		h   cspace.SlotHandle
	}
	var slots []namedSlot
	k.arena.Each(func(h cspace.SlotHandle, e *cspace.CTE) {
		if e.IsEmpty() {
			return
		}
		slots = append(slots, namedSlot{ref: k.owners[h], h: h})
	})
	sort.Slice(slots, func(i, j int) bool { return slots[i].ref.less(slots[j].ref) })
	for _, ns := range slots {
		e := k.cte(ns.h)
		s.Slots = append(s.Slots, SlotInfo{
			Ref:         ns.ref.String(),
			Cap:         caps.String(e.Cap),
			Words:       caps.Encode(e.Cap),
			Prev:        k.SlotName(e.MDB.Prev),
			Next:        k.SlotName(e.MDB.Next),
			Revocable:   e.MDB.Revocable,
			FirstBadged: e.MDB.FirstBadged,
		})
	}

	for irq := range k.irqState {
		if k.irqState[irq] == IRQInactive && k.irqMasked[irq] && !k.irqPending[irq] {
			continue
		}
		s.IRQs = append(s.IRQs, IRQInfo{
			IRQ:     abi.Word(irq),
			State:   k.irqState[irq].String(),
			Masked:  k.irqMasked[irq],
			Pending: k.irqPending[irq],
		})
	}
	return s
}

func threadInfo(t *Thread) ThreadInfo {
	info := ThreadInfo{
		Addr:           t.Addr,
		Name:           t.Name,
		State:          t.State.Kind.String(),
		BlockingObject: t.State.BlockingObject,
		Badge:          t.State.Badge,
		IsCall:         t.State.IsCall,
		Priority:       t.Priority,
		MCP:            t.MCP,
		Domain:         t.Domain,
		TimeSlice:      t.TimeSlice,
		Queued:         t.queued,
		Registers:      make(map[string]abi.Word),
	}
	if t.Fault.Type != abi.NullFault {
		info.Fault = t.Fault.String()
	}
	if t.BoundNotification != nil {
		info.BoundNtfn = t.BoundNotification.Addr
	}
	for r, v := range t.Regs {
		if v != 0 {
			info.Registers[abi.Register(r).String()] = v
		}
	}
	return info
}

func threadAddrs(ts []*Thread) []abi.Word {
	if len(ts) == 0 {
		return nil
	}
	out := make([]abi.Word, len(ts))
	for i, t := range ts {
		out[i] = t.Addr
	}
	return out
}

func sortWords(ws []abi.Word) {
	sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })
}
