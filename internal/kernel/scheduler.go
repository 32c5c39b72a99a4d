package kernel

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

func (k *Kernel) schedDomain() int {
	if k.cfg.NumDomains > 1 {
		return k.curDomain
	}
	return 0
}

// tcbSchedEnqueue puts a newly runnable thread at the head of its queue.
func (k *Kernel) tcbSchedEnqueue(t *Thread) {
	if t.queued {
		return
	}
	k.ready.Enqueue(t.Domain, t.Priority, t)
	t.queued = true
}

// tcbSchedAppend puts a thread that used up its turn at the tail.
func (k *Kernel) tcbSchedAppend(t *Thread) {
	if t.queued {
		return
	}
	k.ready.Append(t.Domain, t.Priority, t)
	t.queued = true
}

func (k *Kernel) tcbSchedDequeue(t *Thread) {
	if !t.queued {
		return
	}
	k.ready.Dequeue(t.Domain, t.Priority, t)
	t.queued = false
}

func (k *Kernel) rescheduleRequired() {
	if k.action.Kind == SwitchToThread {
		k.tcbSchedEnqueue(k.action.Target)
	}
	k.action = SchedulerAction{Kind: ChooseNewThread}
}

// possibleSwitchTo makes target a switch candidate when it runs in the
// current domain and nothing else is pending; otherwise it is queued.
func (k *Kernel) possibleSwitchTo(target *Thread) {
	switch {
	case k.curDomain != target.Domain:
		k.tcbSchedEnqueue(target)
	case k.action.Kind != ResumeCurrentThread:
		k.rescheduleRequired()
		k.tcbSchedEnqueue(target)
	default:
		k.action = SchedulerAction{Kind: SwitchToThread, Target: target}
	}
}

func (k *Kernel) scheduleTCB(t *Thread) {
	if t == k.cur && k.action.Kind == ResumeCurrentThread && !t.State.Runnable() {
		k.rescheduleRequired()
	}
}

// setThreadState changes only the state tag; the blocking payload is left
// as it was.
func (k *Kernel) setThreadState(t *Thread, kind ThreadStateKind) {
	t.State.Kind = kind
	k.scheduleTCB(t)
}

func (k *Kernel) isHighestPrio(dom, prio int) bool {
	b := k.ready.Bitmap()
	return b.Empty(dom) || prio >= b.Highest(dom)
}

// schedule carries out the pending scheduler action.
func (k *Kernel) schedule() {
	if k.action.Kind != ResumeCurrentThread {
		wasRunnable := false
		if k.cur.State.Runnable() {
			wasRunnable = true
			k.tcbSchedEnqueue(k.cur)
		}

		if k.action.Kind == ChooseNewThread {
			k.scheduleChooseNewThread()
		} else {
			candidate := k.action.Target
			if !candidate.State.Runnable() {
				k.halt("switch candidate %#x is not runnable", candidate.Addr)
			}
			fastfail := k.cur == k.idle || candidate.Priority < k.cur.Priority
			switch {
			case fastfail && !k.isHighestPrio(k.curDomain, candidate.Priority):
				k.tcbSchedEnqueue(candidate)
				k.action = SchedulerAction{Kind: ChooseNewThread}
				k.scheduleChooseNewThread()
			case wasRunnable && candidate.Priority == k.cur.Priority:
				k.tcbSchedAppend(candidate)
				k.action = SchedulerAction{Kind: ChooseNewThread}
				k.scheduleChooseNewThread()
			default:
				k.switchToThread(candidate)
			}
		}
	}
	k.action = SchedulerAction{}
	k.rec.ReadyDepth(k.curDomain, k.ready.Depth(k.schedDomain()))
}

func (k *Kernel) scheduleChooseNewThread() {
	if k.domTime == 0 {
		k.nextDomain()
	}
	k.chooseThread()
}

func (k *Kernel) chooseThread() {
	dom := k.schedDomain()
	if t, _, ok := k.ready.Highest(dom); ok {
		k.switchToThread(t)
		return
	}
	k.switchToIdleThread()
}

func (k *Kernel) switchToThread(t *Thread) {
	k.mmu.SetVMRoot(t.Addr, k.tcbCap(t, abi.TCBVTable))
	k.tcbSchedDequeue(t)
	k.cur = t
	t.Runs++
}

func (k *Kernel) switchToIdleThread() {
	k.cur = k.idle
	k.idle.Runs++
}

func (k *Kernel) nextDomain() {
	k.domIdx++
	if k.domIdx >= len(k.cfg.DomainSchedule) {
		k.domIdx = 0
	}
	k.workUnits = 0
	slot := k.cfg.DomainSchedule[k.domIdx]
	k.curDomain = slot.Domain
	k.domTime = slot.Length
	k.log.Debug("Domain switch", zap.Int("domain", k.curDomain), zap.Uint64("length", k.domTime))
}

// timerTick charges one tick to the running thread and the domain.
func (k *Kernel) timerTick() {
	if k.cur.State.Kind == Running {
		if k.cur.TimeSlice > 1 {
			k.cur.TimeSlice--
		} else {
			k.cur.TimeSlice = k.cfg.TimeSlice
			k.tcbSchedAppend(k.cur)
			k.rescheduleRequired()
		}
	}
	if k.cfg.NumDomains > 1 {
		k.domTime--
		if k.domTime == 0 {
			k.rescheduleRequired()
		}
	}
}

// activateThread prepares the chosen thread to return to user level. A
// restarted thread re-executes the instruction that trapped.
func (k *Kernel) activateThread() {
	switch k.cur.State.Kind {
	case Running, IdleThreadState:
	case Restart:
		k.cur.Regs[abi.NextIP] = k.cur.Regs[abi.FaultIP]
		k.setThreadState(k.cur, Running)
	default:
		k.halt("current thread %#x is blocked (%s)", k.cur.Addr, k.cur.State.Kind)
	}
}

func (k *Kernel) setPriority(t *Thread, prio int) {
	k.tcbSchedDequeue(t)
	t.Priority = prio
	if t.State.Runnable() {
		if t == k.cur {
			k.rescheduleRequired()
		} else {
			k.possibleSwitchTo(t)
		}
	}
}

func (k *Kernel) setMCPriority(t *Thread, mcp int) { t.MCP = mcp }

func (k *Kernel) setDomain(t *Thread, dom int) {
	k.tcbSchedDequeue(t)
	t.Domain = dom
	if t.State.Runnable() {
		k.tcbSchedEnqueue(t)
	}
	if t == k.cur {
		k.rescheduleRequired()
	}
}

// suspend stops t and takes it out of every queue.
func (k *Kernel) suspend(t *Thread) {
	k.cancelIPC(t)
	if t.State.Kind == Running {
		t.Regs[abi.FaultIP] = t.Regs[abi.NextIP]
	}
	k.setThreadState(t, Inactive)
	k.tcbSchedDequeue(t)
	if k.action.Kind == SwitchToThread && k.action.Target == t {
		k.action = SchedulerAction{Kind: ChooseNewThread}
	}
}

// restart revives a stopped thread so that it re-executes its last
// trapping instruction.
func (k *Kernel) restart(t *Thread) {
	if !t.State.Stopped() {
		return
	}
	k.cancelIPC(t)
	k.setupReplyMaster(t)
	k.setThreadState(t, Restart)
	k.tcbSchedEnqueue(t)
	k.possibleSwitchTo(t)
}

func (k *Kernel) handleYield() {
	k.tcbSchedDequeue(k.cur)
	k.tcbSchedAppend(k.cur)
	k.rescheduleRequired()
}
