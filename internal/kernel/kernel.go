package kernel

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
	"github.com/GriffinCanCode/capkernel/internal/kernel/sched"
)

// SchedulerActionKind is the pending scheduling decision.
type SchedulerActionKind uint8

const (
	ResumeCurrentThread SchedulerActionKind = iota
	ChooseNewThread
	SwitchToThread
)

func (a SchedulerActionKind) String() string {
	switch a {
	case ChooseNewThread:
		return "ChooseNewThread"
	case SwitchToThread:
		return "SwitchToThread"
	}
	return "ResumeCurrentThread"
}

// SchedulerAction is what schedule() will do next. Target is set only for
// SwitchToThread.
type SchedulerAction struct {
	Kind   SchedulerActionKind
	Target *Thread
}

// IRQState is how the kernel treats one interrupt line.
type IRQState uint8

const (
	IRQInactive IRQState = iota
	IRQSignal
	IRQTimer
	IRQReserved
)

func (s IRQState) String() string {
	switch s {
	case IRQSignal:
		return "Signal"
	case IRQTimer:
		return "Timer"
	case IRQReserved:
		return "Reserved"
	}
	return "Inactive"
}

// DeletionPhase is the phase of the deletion currently in progress.
type DeletionPhase uint8

const (
	DeletionIdle DeletionPhase = iota
	DeletionPendingZombie
)

// DeletionState describes the top-level deletion in progress. Slot holds a
// Zombie with Remaining slots still to clear.
type DeletionState struct {
	Phase     DeletionPhase
	Slot      cspace.SlotHandle
	Remaining abi.Word
}

const (
	idleThreadAddr = 0
	wordBytes      = 1 << abi.WordSizeBits
)

// Kernel is one kernel instance.
type Kernel struct {
	cfg Config
	log *zap.Logger
	rec Recorder
	mmu MMU

	arena         *cspace.Arena
	owners        map[cspace.SlotHandle]SlotRef
	threads       map[abi.Word]*Thread
	endpoints     map[abi.Word]*Endpoint
	notifications map[abi.Word]*Notification
	cnodes        map[abi.Word]*CNodeObj
	mem           map[abi.Word]abi.Word

	ready     *sched.Ready[Thread]
	cur       *Thread
	idle      *Thread
	action    SchedulerAction
	curDomain int
	domIdx    int
	domTime   abi.Word

	workUnits int
	deleting  DeletionState

	irqState   [abi.MaxIRQ + 1]IRQState
	irqMasked  [abi.MaxIRQ + 1]bool
	irqPending [abi.MaxIRQ + 1]bool
	irqSlots   [abi.MaxIRQ + 1]cspace.SlotHandle

	nextASID     abi.Word
	console      strings.Builder
	snapshotHook func(State)
	halted       bool
}

// New returns a kernel with no user objects; the idle thread is running.
// A nil logger, recorder or MMU is replaced by a no-op.
func New(cfg Config, log *zap.Logger, rec Recorder, mmu MMU) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if mmu == nil {
		mmu = nopMMU{}
	}

	k := &Kernel{
		cfg:           cfg,
		log:           log,
		rec:           rec,
		mmu:           mmu,
		arena:         cspace.NewArena(),
		owners:        make(map[cspace.SlotHandle]SlotRef),
		threads:       make(map[abi.Word]*Thread),
		endpoints:     make(map[abi.Word]*Endpoint),
		notifications: make(map[abi.Word]*Notification),
		cnodes:        make(map[abi.Word]*CNodeObj),
		mem:           make(map[abi.Word]abi.Word),
		ready:         sched.NewReady[Thread](cfg.NumDomains, schedLinks),
		nextASID:      1,
	}

	k.idle = &Thread{Addr: idleThreadAddr, Name: "idle", State: ThreadState{Kind: IdleThreadState}}
	k.cur = k.idle
	k.curDomain = cfg.DomainSchedule[0].Domain
	k.domTime = cfg.DomainSchedule[0].Length

	for irq := range k.irqSlots {
		h := k.arena.Alloc()
		k.irqSlots[irq] = h
		k.owners[h] = SlotRef{Kind: OwnerIRQ, Index: abi.Word(irq)}
		k.irqMasked[irq] = true
	}
	k.irqState[cfg.TimerIRQ] = IRQTimer
	k.irqMasked[cfg.TimerIRQ] = false

	log.Debug("Kernel initialized",
		zap.Int("domains", cfg.NumDomains),
		zap.Uint64("time_slice", cfg.TimeSlice),
		zap.Int("work_units", cfg.WorkUnitsPerPreemption),
		zap.Bool("fastpath", cfg.Fastpath))
	return k, nil
}

// Config returns the configuration the kernel was built with.
func (k *Kernel) Config() Config { return k.cfg }

// Logger returns the kernel logger.
func (k *Kernel) Logger() *zap.Logger { return k.log }

// Arena exposes the slot arena for inspection.
func (k *Kernel) Arena() *cspace.Arena { return k.arena }

// Current returns the running thread, which may be the idle thread.
func (k *Kernel) Current() *Thread { return k.cur }

// Idle returns the idle thread.
func (k *Kernel) Idle() *Thread { return k.idle }

// Action returns the pending scheduler action.
func (k *Kernel) Action() SchedulerAction { return k.action }

// CurrentDomain returns the running domain.
func (k *Kernel) CurrentDomain() int { return k.curDomain }

// DomainTime returns the ticks left in the current domain.
func (k *Kernel) DomainTime() abi.Word { return k.domTime }

// Ready exposes the ready queues.
func (k *Kernel) Ready() *sched.Ready[Thread] { return k.ready }

// Deletion returns the top-level deletion in progress.
func (k *Kernel) Deletion() DeletionState { return k.deleting }

// Console returns everything written with the debug putchar syscall.
func (k *Kernel) Console() string { return k.console.String() }

// SetSnapshotHook installs the function run by the debug snapshot syscall.
func (k *Kernel) SetSnapshotHook(fn func(State)) { k.snapshotHook = fn }

// Thread returns the thread at addr.
func (k *Kernel) Thread(addr abi.Word) (*Thread, bool) {
	t, ok := k.threads[addr]
	return t, ok
}

// Threads returns every live thread ordered by address.
func (k *Kernel) Threads() []*Thread {
	out := make([]*Thread, 0, len(k.threads))
	for _, t := range k.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Endpoint returns the endpoint at addr.
func (k *Kernel) Endpoint(addr abi.Word) (*Endpoint, bool) {
	e, ok := k.endpoints[addr]
	return e, ok
}

// Notification returns the notification at addr.
func (k *Kernel) Notification(addr abi.Word) (*Notification, bool) {
	n, ok := k.notifications[addr]
	return n, ok
}

// CNode returns the capability table at addr.
func (k *Kernel) CNode(addr abi.Word) (*CNodeObj, bool) {
	c, ok := k.cnodes[addr]
	return c, ok
}

// Slot returns the handle of slot i of cn, allocating it on first use.
func (k *Kernel) Slot(cn *CNodeObj, i abi.Word) cspace.SlotHandle {
	return k.cnodeSlot(cn, i)
}

// Owner names the object embedding h.
func (k *Kernel) Owner(h cspace.SlotHandle) (SlotRef, bool) {
	r, ok := k.owners[h]
	return r, ok
}

// CapAt returns the capability in h, or Null for a dead handle.
func (k *Kernel) CapAt(h cspace.SlotHandle) caps.Cap {
	if c := k.arena.Lookup(h); c != nil {
		return c.Cap
	}
	return caps.Null{}
}

func (k *Kernel) cte(h cspace.SlotHandle) *cspace.CTE {
	c, err := k.arena.Get(h)
	if err != nil {
		k.halt("slot lookup: %v", err)
	}
	return c
}

func (k *Kernel) cnodeSlot(cn *CNodeObj, i abi.Word) cspace.SlotHandle {
	if h, ok := cn.slots[i]; ok {
		return h
	}
	h := k.arena.Alloc()
	cn.slots[i] = h
	k.owners[h] = SlotRef{Kind: OwnerCNode, Obj: cn.Addr, Index: i}
	return h
}

// capInCNode reads slot i of cn without allocating it.
func (k *Kernel) capInCNode(cn *CNodeObj, i abi.Word) caps.Cap {
	if h, ok := cn.slots[i]; ok {
		return k.cte(h).Cap
	}
	return caps.Null{}
}

func (k *Kernel) cnode(addr abi.Word) *CNodeObj {
	cn, ok := k.cnodes[addr]
	if !ok {
		k.halt("no cnode at %#x", addr)
	}
	return cn
}

func (k *Kernel) thread(addr abi.Word) *Thread {
	t, ok := k.threads[addr]
	if !ok {
		k.halt("no thread at %#x", addr)
	}
	return t
}

func (k *Kernel) endpoint(addr abi.Word) *Endpoint {
	e, ok := k.endpoints[addr]
	if !ok {
		k.halt("no endpoint at %#x", addr)
	}
	return e
}

func (k *Kernel) notification(addr abi.Word) *Notification {
	n, ok := k.notifications[addr]
	if !ok {
		k.halt("no notification at %#x", addr)
	}
	return n
}

func (k *Kernel) tcbSlot(t *Thread, i int) cspace.SlotHandle { return t.Slots[i] }

func (k *Kernel) tcbCap(t *Thread, i int) caps.Cap { return k.cte(t.Slots[i]).Cap }

// ReadWord reads the memory word containing addr.
func (k *Kernel) ReadWord(addr abi.Word) abi.Word {
	return k.mem[addr&^(wordBytes-1)]
}

// WriteWord writes the memory word containing addr.
func (k *Kernel) WriteWord(addr, v abi.Word) {
	addr &^= wordBytes - 1
	if v == 0 {
		delete(k.mem, addr)
		return
	}
	k.mem[addr] = v
}

func (k *Kernel) zeroRange(base abi.Word, bits uint) {
	size := abi.Bit(bits)
	if size/wordBytes > abi.Word(len(k.mem)) {
		for a := range k.mem {
			if a >= base && a-base < size {
				delete(k.mem, a)
			}
		}
		return
	}
	for off := abi.Word(0); off < size; off += wordBytes {
		delete(k.mem, base+off)
	}
}

func (k *Kernel) bufferWord(buffer abi.Word, i int) abi.Word {
	return k.ReadWord(buffer + abi.Word(i)<<abi.WordSizeBits)
}

func (k *Kernel) setBufferWord(buffer abi.Word, i int, v abi.Word) {
	k.WriteWord(buffer+abi.Word(i)<<abi.WordSizeBits, v)
}

// syscallArg reads argument i of the current invocation.
func (k *Kernel) syscallArg(i int, buffer abi.Word) abi.Word {
	if i < abi.NumMsgRegisters {
		return k.cur.Regs[abi.MsgRegisters[i]]
	}
	if buffer == 0 {
		return 0
	}
	return k.bufferWord(buffer, i+1)
}

// setMR writes message word offset of t and returns the resulting length.
func (k *Kernel) setMR(t *Thread, buffer abi.Word, offset int, v abi.Word) int {
	if offset >= abi.NumMsgRegisters {
		if buffer != 0 {
			k.setBufferWord(buffer, offset+1, v)
			return offset + 1
		}
		return abi.NumMsgRegisters
	}
	t.Regs[abi.MsgRegisters[offset]] = v
	return offset + 1
}

func (k *Kernel) setMRs(t *Thread, buffer abi.Word, offset int, words []abi.Word) int {
	n := offset
	for i, w := range words {
		n = k.setMR(t, buffer, offset+i, w)
	}
	return n
}
