package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

const (
	rootCNode = SlotInitThreadCNode
	rootDepth = abi.WordBits
	untyped   = SlotFirstFree
	allRights = 0xf

	threadBufferAddr = 0x20_0000
)

type testRecorder struct {
	nopRecorder
	preemptions   int
	doubleFaults  int
	fastpathHits  int
	fastpathMiss  []string
	faults        []abi.FaultType
	signals       int
	interruptsHit []abi.Word
}

func (r *testRecorder) Preemption(string) { r.preemptions++ }
func (r *testRecorder) DoubleFault() { r.doubleFaults++ }
func (r *testRecorder) Fault(ft abi.FaultType) { r.faults = append(r.faults, ft) }
func (r *testRecorder) Signal() { r.signals++ }
func (r *testRecorder) Interrupt(irq abi.Word) { r.interruptsHit = append(r.interruptsHit, irq) }

func (r *testRecorder) Fastpath(_ string, taken bool, reason string) {
	if taken {
		r.fastpathHits++
		return
	}
	r.fastpathMiss = append(r.fastpathMiss, reason)
}

type fixture struct {
	t    *testing.T
	k    *Kernel
	rec  *testRecorder
	root *Thread
	cn   *CNodeObj
}

type fixtureOption func(*Config, **zap.Logger)

func withConfig(fn func(*Config)) fixtureOption {
	return func(c *Config, _ **zap.Logger) { fn(c) }
}

func withLogger(l *zap.Logger) fixtureOption {
	return func(_ *Config, out **zap.Logger) { *out = l }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	log := zaptest.NewLogger(t)
	for _, o := range opts {
		o(&cfg, &log)
	}
	rec := &testRecorder{}
	k, err := New(cfg, log, rec, nil)
	require.NoError(t, err)
	info, err := k.Bootstrap(DefaultBootSpec())
	require.NoError(t, err)
	cn, ok := k.CNode(info.RootCNode)
	require.True(t, ok)
	return &fixture{t: t, k: k, rec: rec, root: info.RootThread, cn: cn}
}

// slot returns the handle of a root CNode slot.
func (f *fixture) slot(cptr abi.CPtr) cspace.SlotHandle {
	return f.k.Slot(f.cn, cptr)
}

func (f *fixture) capAt(cptr abi.CPtr) caps.Cap {
	return f.k.CapAt(f.slot(cptr))
}

// run makes t current and traps with args.
func (f *fixture) run(t *Thread, args SyscallArgs) {
	f.t.Helper()
	require.NoError(f.t, f.k.Activate(t.Addr))
	require.NoError(f.t, f.k.Syscall(args))
	f.coherent()
}

// invoke calls cptr as the root thread and returns the reply's error code.
func (f *fixture) invoke(cptr abi.CPtr, label abi.Label, mrs []abi.Word, extra ...abi.CPtr) abi.ErrorCode {
	f.t.Helper()
	f.run(f.root, SyscallArgs{Sys: abi.SysCall, Cap: cptr, Label: abi.Word(label), MRs: mrs, ExtraCaps: extra})
	return abi.ErrorCode(f.k.ReadMessage(f.root).Label)
}

func (f *fixture) mustInvoke(cptr abi.CPtr, label abi.Label, mrs []abi.Word, extra ...abi.CPtr) {
	f.t.Helper()
	require.Equal(f.t, abi.NoError, f.invoke(cptr, label, mrs, extra...), "%s on %d", label, cptr)
}

// retype creates count objects in root slots [dest, dest+count).
func (f *fixture) retype(objType abi.ObjectType, size abi.Word, dest, count abi.Word) abi.ErrorCode {
	f.t.Helper()
	return f.invoke(untyped, abi.UntypedRetype, []abi.Word{abi.Word(objType), size, 0, 0, dest, count}, rootCNode)
}

// retypeInto creates count objects in slots [offset, offset+count) of the
// CNode whose cap sits in root slot node.
func (f *fixture) retypeInto(objType abi.ObjectType, size abi.Word, node, offset, count abi.Word) abi.ErrorCode {
	f.t.Helper()
	return f.invoke(untyped, abi.UntypedRetype, []abi.Word{abi.Word(objType), size, node, rootDepth, offset, count}, rootCNode)
}

func (f *fixture) mustRetype(objType abi.ObjectType, size abi.Word, dest, count abi.Word) {
	f.t.Helper()
	require.Equal(f.t, abi.NoError, f.retype(objType, size, dest, count))
}

// spawn creates a thread in root slot tcb with an IPC buffer frame in root
// slot frame, sharing the root thread's CSpace and VSpace, and resumes it.
func (f *fixture) spawn(tcb, frame abi.CPtr, name string) *Thread {
	f.t.Helper()
	f.mustRetype(abi.TCBObject, 0, tcb, 1)
	f.mustRetype(abi.SmallPageObject, 0, frame, 1)
	f.mustInvoke(tcb, abi.TCBConfigure, []abi.Word{0, 0, 0, threadBufferAddr},
		rootCNode, SlotInitThreadVSpace, frame)
	f.mustInvoke(tcb, abi.TCBResume, nil)
	th := f.thread(tcb)
	th.Name = name
	return th
}

func (f *fixture) thread(cptr abi.CPtr) *Thread {
	f.t.Helper()
	tc, ok := f.capAt(cptr).(caps.Thread)
	require.True(f.t, ok, "slot %d holds %s", cptr, caps.String(f.capAt(cptr)))
	th, ok := f.k.Thread(tc.Ptr)
	require.True(f.t, ok)
	return th
}

func (f *fixture) endpoint(cptr abi.CPtr) *Endpoint {
	f.t.Helper()
	ec, ok := f.capAt(cptr).(caps.Endpoint)
	require.True(f.t, ok, "slot %d holds %s", cptr, caps.String(f.capAt(cptr)))
	ep, ok := f.k.Endpoint(ec.Ptr)
	require.True(f.t, ok)
	return ep
}

func (f *fixture) notification(cptr abi.CPtr) *Notification {
	f.t.Helper()
	nc, ok := f.capAt(cptr).(caps.Notification)
	require.True(f.t, ok, "slot %d holds %s", cptr, caps.String(f.capAt(cptr)))
	n, ok := f.k.Notification(nc.Ptr)
	require.True(f.t, ok)
	return n
}

// coherent checks the ready bitmap and the derivation list.
func (f *fixture) coherent() {
	f.t.Helper()
	require.NoError(f.t, f.k.Ready().Check())
	require.NoError(f.t, f.k.Arena().Check())
}
