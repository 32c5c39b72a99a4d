package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

// lowerRoot drops the root thread to priority 0 so that threads raised
// above it get to run.
func (f *fixture) lowerRoot() {
	f.t.Helper()
	f.mustInvoke(SlotInitThreadTCB, abi.TCBSetPriority, []abi.Word{0}, SlotInitThreadTCB)
}

func (f *fixture) setPriority(tcb abi.CPtr, prio abi.Word) {
	f.t.Helper()
	f.mustInvoke(tcb, abi.TCBSetPriority, []abi.Word{prio}, SlotInitThreadTCB)
}

func TestRootKeepsCPUOverLowerPriorities(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(31, 33, "a")
	f.setPriority(31, 100)

	assert.Equal(t, f.root, f.k.Current())
	assert.Equal(t, 100, a.Priority)
	assert.True(t, a.Queued())
	assert.True(t, f.k.Ready().Bitmap().IsSet(0, 100))
	f.coherent()
}

func TestYieldRotatesEqualPriorities(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(31, 33, "a")
	b := f.spawn(32, 34, "b")
	f.setPriority(31, 100)
	f.setPriority(32, 100)
	f.lowerRoot()

	// b was enqueued last, at the head.
	require.Equal(t, b, f.k.Current())

	f.run(b, SyscallArgs{Sys: abi.SysYield})
	assert.Equal(t, a, f.k.Current())
	assert.True(t, b.Queued())

	f.run(a, SyscallArgs{Sys: abi.SysYield})
	assert.Equal(t, b, f.k.Current())
	assert.True(t, a.Queued())
}

func TestTimeSliceExpiryRotates(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(31, 33, "a")
	b := f.spawn(32, 34, "b")
	f.setPriority(31, 100)
	f.setPriority(32, 100)
	f.lowerRoot()
	require.Equal(t, b, f.k.Current())

	slice := f.k.Config().TimeSlice
	for i := abi.Word(1); i < slice; i++ {
		f.k.Tick()
		require.Equal(t, b, f.k.Current(), "tick %d", i)
	}
	assert.Equal(t, abi.Word(1), b.TimeSlice)

	f.k.Tick()
	assert.Equal(t, a, f.k.Current())
	assert.Equal(t, slice, b.TimeSlice, "slice refilled")
	assert.True(t, b.Queued())
	assert.Len(t, f.rec.interruptsHit, int(slice))
	f.coherent()
}

func TestSetPriorityBoundedByAuthority(t *testing.T) {
	f := newFixture(t)
	f.spawn(31, 33, "a")

	// a's MCP is 0, so it cannot authorise anything above 0.
	code := f.invoke(31, abi.TCBSetPriority, []abi.Word{10}, 31)
	assert.Equal(t, abi.RangeError, code)

	code = f.invoke(31, abi.TCBSetPriority, []abi.Word{10}, SlotInitThreadVSpace)
	assert.Equal(t, abi.InvalidCapability, code)

	code = f.invoke(31, abi.TCBSetPriority, nil, SlotInitThreadTCB)
	assert.Equal(t, abi.TruncatedMessage, code)
}

func TestBlockedThreadLeavesReadyQueue(t *testing.T) {
	f := newFixture(t)
	f.mustRetype(abi.EndpointObject, 0, 30, 1)
	a := f.spawn(31, 33, "a")
	require.True(t, a.Queued())

	f.run(a, SyscallArgs{Sys: abi.SysRecv, Cap: 30})
	assert.False(t, a.Queued())
	assert.Equal(t, f.root, f.k.Current())

	f.mustInvoke(31, abi.TCBSuspend, nil)
	assert.Equal(t, Inactive, a.State.Kind)
	assert.Empty(t, f.endpoint(30).Waiting())
	assert.Equal(t, EndpointIdle, f.endpoint(30).State)
}

func TestDomainSchedule(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) {
		c.NumDomains = 2
		c.DomainSchedule = []DomainSlot{{Domain: 0, Length: 2}, {Domain: 1, Length: 3}}
	}))
	a := f.spawn(31, 33, "a")
	f.mustInvoke(SlotDomain, abi.DomainSetSet, []abi.Word{1}, 31)
	require.Equal(t, 1, a.Domain)
	assert.True(t, f.k.Ready().Bitmap().IsSet(1, 0))

	assert.Equal(t, abi.InvalidArgument, f.invoke(SlotDomain, abi.DomainSetSet, []abi.Word{2}, 31))

	f.k.Tick()
	require.Equal(t, f.root, f.k.Current())
	f.k.Tick()
	assert.Equal(t, a, f.k.Current(), "domain 1 runs its only thread")
	st := f.k.State()
	assert.Equal(t, 1, st.Domain)
	assert.Equal(t, abi.Word(3), st.DomainTime)

	for i := 0; i < 3; i++ {
		f.k.Tick()
	}
	assert.Equal(t, f.root, f.k.Current())
	assert.Equal(t, 0, f.k.State().Domain)
	f.coherent()
}

func TestDomainWithNoThreadsRunsIdle(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) {
		c.NumDomains = 2
		c.DomainSchedule = []DomainSlot{{Domain: 0, Length: 1}, {Domain: 1, Length: 1}}
	}))

	f.k.Tick()
	assert.NotEqual(t, f.root, f.k.Current())
	assert.True(t, f.root.Queued())
	assert.ErrorIs(t, f.k.Syscall(SyscallArgs{Sys: abi.SysYield}), ErrNoCurrentThread)

	f.k.Tick()
	assert.Equal(t, f.root, f.k.Current())
}
