package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

func TestRetypeFourThreads(t *testing.T) {
	f := newFixture(t)

	f.mustRetype(abi.TCBObject, 0, 20, 4)

	ut := f.k.Arena().Lookup(f.slot(untyped))
	require.NotNil(t, ut)
	for i := abi.Word(20); i < 24; i++ {
		c, ok := f.capAt(i).(caps.Thread)
		require.True(t, ok, "slot %d", i)
		_, live := f.k.Thread(c.Ptr)
		assert.True(t, live)

		child := f.k.Arena().Lookup(f.slot(i))
		assert.True(t, cspace.IsMDBParentOf(ut, child), "slot %d is a child of the untyped", i)
	}
	assert.Equal(t, abi.Word(4)<<abi.TCBBits, ut.Cap.(caps.Untyped).Used())
	assert.Len(t, f.k.Arena().Descendants(f.slot(untyped)), 4)
}

func TestCallThenReceive(t *testing.T) {
	f := newFixture(t)
	f.mustRetype(abi.EndpointObject, 0, 30, 1)
	a := f.spawn(31, 33, "a")
	b := f.spawn(32, 34, "b")
	ep := f.endpoint(30)

	msg := []abi.Word{11, 12, 13, 14, 15, 16}
	f.run(a, SyscallArgs{Sys: abi.SysCall, Cap: 30, Label: 0x42, MRs: msg})

	assert.Equal(t, BlockedOnSend, a.State.Kind)
	assert.True(t, a.State.IsCall)
	assert.Equal(t, EndpointSend, ep.State)
	assert.Equal(t, []*Thread{a}, ep.Waiting())
	assert.NotEqual(t, a, f.k.Current())

	f.run(b, SyscallArgs{Sys: abi.SysRecv, Cap: 30})

	got := f.k.ReadMessage(b)
	assert.Equal(t, abi.Word(0x42), got.Label)
	assert.Equal(t, msg, got.MRs)
	assert.Equal(t, BlockedOnReply, a.State.Kind)
	assert.Equal(t, EndpointIdle, ep.State)
	assert.Empty(t, ep.Waiting())
	assert.Equal(t, b, f.k.Current())

	caller := f.k.Arena().Lookup(b.Slots[abi.TCBCaller])
	require.NotNil(t, caller)
	assert.Equal(t, caps.Reply{TCB: a.Addr, CanGrant: true}, caller.Cap)
	assert.Equal(t, a.Slots[abi.TCBReply], caller.MDB.Prev, "reply cap hangs off the caller's reply master")

	f.run(b, SyscallArgs{Sys: abi.SysReply, Label: 7, MRs: []abi.Word{99}})

	assert.Equal(t, Running, a.State.Kind)
	reply := f.k.ReadMessage(a)
	assert.Equal(t, abi.Word(7), reply.Label)
	assert.Equal(t, []abi.Word{99}, reply.MRs)
	assert.True(t, caps.IsNull(f.k.CapAt(b.Slots[abi.TCBCaller])))
}

func TestRevokeNestedCNodesWithPreemption(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) { c.WorkUnitsPerPreemption = 100 }))

	const outer = 40
	f.mustRetype(abi.CapTableObject, 4, outer, 1)
	require.Equal(t, abi.NoError, f.retypeInto(abi.CapTableObject, 5, outer, 0, 3))
	for j := abi.Word(0); j < 3; j++ {
		// The inner CNodes are reached through the outer CNode cap, which
		// resolves 4 bits.
		code := f.invoke(untyped, abi.UntypedRetype,
			[]abi.Word{abi.Word(abi.EndpointObject), 0, j, 4, 0, 32}, outer)
		require.Equal(t, abi.NoError, code, "inner cnode %d", j)
	}
	require.Len(t, f.k.Arena().Descendants(f.slot(untyped)), 1+3+3*32)

	require.NoError(t, f.k.RaiseIRQ(f.k.Config().TimerIRQ))

	preempted := 0
	var err error
	for i := 0; i < 100; i++ {
		err = f.k.Revoke(f.slot(untyped))
		if err == nil {
			break
		}
		require.ErrorIs(t, err, ErrPreempted)
		preempted++
		if preempted == 1 {
			assert.Equal(t, DeletionPendingZombie, f.k.Deletion().Phase, "preempted in the middle of a cnode teardown")
		}
		f.k.InterruptEntry()
		f.coherent()
	}
	require.NoError(t, err)

	assert.GreaterOrEqual(t, preempted, 1)
	assert.Equal(t, preempted, f.rec.preemptions)
	assert.Empty(t, f.k.Arena().Descendants(f.slot(untyped)))
	assert.True(t, caps.IsNull(f.capAt(outer)))
	assert.Equal(t, DeletionIdle, f.k.Deletion().Phase)
	assert.Empty(t, f.k.endpoints)
	assert.Len(t, f.k.cnodes, 1, "only the root cnode is left")
	f.coherent()
}

func TestNotificationAccumulatesBadges(t *testing.T) {
	f := newFixture(t)
	f.mustRetype(abi.NotificationObject, 0, 40, 1)
	f.mustInvoke(rootCNode, abi.CNodeMint, []abi.Word{41, rootDepth, 40, rootDepth, allRights, 0x1}, rootCNode)
	f.mustInvoke(rootCNode, abi.CNodeMint, []abi.Word{42, rootDepth, 40, rootDepth, allRights, 0x2}, rootCNode)
	n := f.notification(40)
	require.Equal(t, NotificationIdle, n.State)

	f.run(f.root, SyscallArgs{Sys: abi.SysSend, Cap: 41})
	f.run(f.root, SyscallArgs{Sys: abi.SysNBSend, Cap: 42})

	assert.Equal(t, NotificationActive, n.State)
	assert.Equal(t, abi.Word(0x3), n.MsgIdentifier)
	assert.Equal(t, 2, f.rec.signals)

	f.run(f.root, SyscallArgs{Sys: abi.SysRecv, Cap: 40})

	assert.Equal(t, abi.Word(0x3), f.k.ReadMessage(f.root).Badge)
	assert.Equal(t, NotificationIdle, n.State)
	assert.Zero(t, n.MsgIdentifier)
	assert.Equal(t, Running, f.root.State.Kind)
}

func TestNotificationWakesWaiter(t *testing.T) {
	f := newFixture(t)
	f.mustRetype(abi.NotificationObject, 0, 40, 1)
	f.mustInvoke(rootCNode, abi.CNodeMint, []abi.Word{41, rootDepth, 40, rootDepth, allRights, 0x8}, rootCNode)
	w := f.spawn(31, 33, "waiter")
	n := f.notification(40)

	f.run(w, SyscallArgs{Sys: abi.SysRecv, Cap: 40})
	assert.Equal(t, BlockedOnNotification, w.State.Kind)
	assert.Equal(t, NotificationWaiting, n.State)

	f.run(f.root, SyscallArgs{Sys: abi.SysSend, Cap: 41})
	assert.Equal(t, Running, w.State.Kind)
	assert.Equal(t, abi.Word(0x8), w.Regs[abi.BadgeRegister])
	assert.Equal(t, NotificationIdle, n.State)
	assert.True(t, w.Queued(), "woken at lower priority than the sender")
}
