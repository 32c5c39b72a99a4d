package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
)

func TestFaultWithoutHandlerIsDoubleFault(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t, withLogger(zap.New(core)))
	a := f.spawn(31, 33, "a")

	f.run(a, SyscallArgs{Sys: abi.Syscall(5)})

	assert.Equal(t, Inactive, a.State.Kind)
	assert.Equal(t, 1, f.rec.doubleFaults)
	assert.Equal(t, []abi.FaultType{abi.UnknownSyscall}, f.rec.faults)
	assert.Equal(t, f.root, f.k.Current())

	entries := logs.FilterMessage("Double fault").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ContextMap()["thread"])
}

// faultPair is a handler waiting on the endpoint in root slot 30 and a
// thread whose fault endpoint is that slot.
func faultPair(t *testing.T) (f *fixture, handler, faulter *Thread) {
	f = newFixture(t)
	f.mustRetype(abi.EndpointObject, 0, 30, 1)
	handler = f.spawn(31, 33, "handler")

	f.mustRetype(abi.TCBObject, 0, 32, 1)
	f.mustRetype(abi.SmallPageObject, 0, 34, 1)
	f.mustInvoke(32, abi.TCBConfigure, []abi.Word{30, 0, 0, threadBufferAddr},
		rootCNode, SlotInitThreadVSpace, 34)
	f.mustInvoke(32, abi.TCBResume, nil)
	faulter = f.thread(32)
	faulter.Name = "faulter"

	f.run(handler, SyscallArgs{Sys: abi.SysRecv, Cap: 30})
	require.Equal(t, BlockedOnReceive, handler.State.Kind)
	return f, handler, faulter
}

func TestVMFaultDeliveredToHandler(t *testing.T) {
	f, handler, faulter := faultPair(t)

	require.NoError(t, f.k.Activate(faulter.Addr))
	ip := faulter.Regs[abi.NextIP]
	require.NoError(t, f.k.HandleVMFault(0xdead_0000, 0x7, true))
	f.coherent()

	assert.Equal(t, BlockedOnReply, faulter.State.Kind)
	assert.Equal(t, abi.VMFault, faulter.Fault.Type)
	assert.Equal(t, handler, f.k.Current())

	msg := f.k.ReadMessage(handler)
	assert.Equal(t, abi.Word(abi.VMFault), msg.Label)
	assert.Equal(t, []abi.Word{ip, 0xdead_0000, 1, 0x7}, msg.MRs)

	caller := f.k.CapAt(handler.Slots[abi.TCBCaller])
	assert.Equal(t, caps.Reply{TCB: faulter.Addr, CanGrant: true}, caller)

	f.run(handler, SyscallArgs{Sys: abi.SysReply})

	assert.Equal(t, Restart, faulter.State.Kind)
	assert.Equal(t, abi.NullFault, faulter.Fault.Type)
	assert.True(t, faulter.Queued())
	assert.Equal(t, []abi.FaultType{abi.VMFault}, f.rec.faults)
	assert.Zero(t, f.rec.doubleFaults)

	require.NoError(t, f.k.Activate(faulter.Addr))
	assert.Equal(t, Running, faulter.State.Kind)
	assert.Equal(t, ip, faulter.Regs[abi.NextIP], "the faulting instruction runs again")
}

func TestUnknownSyscallReplyDecidesRestart(t *testing.T) {
	tests := []struct {
		name  string
		label abi.Word
		want  ThreadStateKind
	}{
		{"zero label resumes", 0, Restart},
		{"non-zero label stops", 1, Inactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, handler, faulter := faultPair(t)

			f.run(faulter, SyscallArgs{Sys: abi.Syscall(42)})
			require.Equal(t, BlockedOnReply, faulter.State.Kind)

			msg := f.k.ReadMessage(handler)
			assert.Equal(t, abi.Word(abi.UnknownSyscall), msg.Label)
			require.Len(t, msg.MRs, abi.UnknownSyscallSyscall+1)
			assert.Equal(t, abi.Word(42), msg.MRs[abi.UnknownSyscallSyscall])

			f.run(handler, SyscallArgs{Sys: abi.SysReply, Label: tt.label})
			assert.Equal(t, tt.want, faulter.State.Kind)
			assert.Equal(t, abi.NullFault, faulter.Fault.Type)
		})
	}
}

func TestFaultHandlerMustBeEndpoint(t *testing.T) {
	f := newFixture(t)
	f.mustRetype(abi.NotificationObject, 0, 30, 1)
	f.mustRetype(abi.TCBObject, 0, 32, 1)
	f.mustRetype(abi.SmallPageObject, 0, 34, 1)
	f.mustInvoke(32, abi.TCBConfigure, []abi.Word{30, 0, 0, threadBufferAddr},
		rootCNode, SlotInitThreadVSpace, 34)
	f.mustInvoke(32, abi.TCBResume, nil)
	a := f.thread(32)

	require.NoError(t, f.k.Activate(a.Addr))
	require.NoError(t, f.k.HandleUserException(3, 4))

	assert.Equal(t, Inactive, a.State.Kind)
	assert.Equal(t, 1, f.rec.doubleFaults)
}
