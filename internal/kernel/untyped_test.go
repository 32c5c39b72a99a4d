package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
)

func (f *fixture) untypedCap() caps.Untyped {
	f.t.Helper()
	u, ok := f.capAt(untyped).(caps.Untyped)
	require.True(f.t, ok)
	return u
}

func TestRetypeAlignsAndAdvances(t *testing.T) {
	f := newFixture(t)

	f.mustRetype(abi.EndpointObject, 0, 30, 1)
	ep := f.capAt(30).(caps.Endpoint)
	assert.Equal(t, abi.Word(1)<<abi.EndpointBits, f.untypedCap().Used())

	f.mustRetype(abi.TCBObject, 0, 31, 1)
	tcb := f.capAt(31).(caps.Thread)
	assert.Greater(t, tcb.Ptr, ep.Ptr)
	assert.Zero(t, tcb.Ptr&abi.Mask(abi.TCBBits), "thread is aligned to its size")
	assert.Equal(t, abi.Word(2)<<abi.TCBBits, f.untypedCap().Used())

	f.mustRetype(abi.NotificationObject, 0, 32, 1)
	n := f.capAt(32).(caps.Notification)
	assert.Greater(t, n.Ptr, tcb.Ptr)
}

func TestRetypeErrors(t *testing.T) {
	tests := []struct {
		name string
		mrs  []abi.Word
		want abi.ErrorCode
	}{
		{"unknown type", []abi.Word{abi.Word(abi.ObjectTypeCount), 0, 0, 0, 40, 1}, abi.InvalidArgument},
		{"empty cnode", []abi.Word{abi.Word(abi.CapTableObject), 0, 0, 0, 40, 1}, abi.InvalidArgument},
		{"tiny untyped", []abi.Word{abi.Word(abi.UntypedObject), abi.MinUntypedBits - 1, 0, 0, 40, 1}, abi.InvalidArgument},
		{"too big", []abi.Word{abi.Word(abi.UntypedObject), abi.MaxUntypedBits + 1, 0, 0, 40, 1}, abi.RangeError},
		{"no room", []abi.Word{abi.Word(abi.UntypedObject), 21, 0, 0, 40, 1}, abi.NotEnoughMemory},
		{"zero window", []abi.Word{abi.Word(abi.EndpointObject), 0, 0, 0, 40, 0}, abi.RangeError},
		{"window past end", []abi.Word{abi.Word(abi.EndpointObject), 0, 0, 0, 1<<12 - 1, 2}, abi.RangeError},
		{"occupied", []abi.Word{abi.Word(abi.EndpointObject), 0, 0, 0, 30, 1}, abi.DeleteFirst},
		{"node is not a cnode", []abi.Word{abi.Word(abi.EndpointObject), 0, 30, rootDepth, 0, 1}, abi.FailedLookup},
		{"truncated", []abi.Word{abi.Word(abi.EndpointObject), 0, 0}, abi.TruncatedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.mustRetype(abi.EndpointObject, 0, 30, 1)
			used := f.untypedCap().Used()

			got := f.invoke(untyped, abi.UntypedRetype, tt.mrs, rootCNode)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, used, f.untypedCap().Used(), "a failed retype allocates nothing")
		})
	}
}

func TestRetypeNestedUntyped(t *testing.T) {
	f := newFixture(t)
	f.mustRetype(abi.UntypedObject, 16, 30, 2)
	f.mustInvoke(30, abi.UntypedRetype, []abi.Word{abi.Word(abi.EndpointObject), 0, 0, 0, 40, 4}, rootCNode)

	child := f.k.Arena().Lookup(f.slot(30))
	assert.Len(t, f.k.Arena().Descendants(f.slot(30)), 4)
	assert.Len(t, f.k.Arena().Descendants(f.slot(untyped)), 6)
	assert.Equal(t, abi.Word(4)<<abi.EndpointBits, child.Cap.(caps.Untyped).Used())

	require.NoError(t, f.k.Revoke(f.slot(untyped)))
	assert.Empty(t, f.k.endpoints)
	assert.True(t, caps.IsNull(f.capAt(30)))
	assert.True(t, caps.IsNull(f.capAt(40)))
	f.coherent()
}

func TestRetypeResetsAfterRevoke(t *testing.T) {
	f := newFixture(t)
	f.mustRetype(abi.SmallPageObject, 0, 30, 8)
	require.Equal(t, abi.Word(8)<<abi.PageBits, f.untypedCap().Used())

	// Children still exist, so the region is not reused.
	f.mustRetype(abi.EndpointObject, 0, 40, 1)
	assert.Greater(t, f.untypedCap().Used(), abi.Word(8)<<abi.PageBits)

	require.NoError(t, f.k.Revoke(f.slot(untyped)))
	f.mustRetype(abi.EndpointObject, 0, 40, 1)
	assert.Equal(t, abi.Word(1)<<abi.EndpointBits, f.untypedCap().Used())
	assert.Equal(t, f.untypedCap().Ptr, f.capAt(40).(caps.Endpoint).Ptr)
}

func TestUntypedResetIsPreemptible(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) { c.WorkUnitsPerPreemption = 2 }))
	const used = abi.Word(8) << abi.PageBits
	f.mustRetype(abi.SmallPageObject, 0, 30, 8)
	require.NoError(t, f.k.Revoke(f.slot(untyped)))
	require.Equal(t, used, f.untypedCap().Used(), "revoke leaves the free index alone")

	require.NoError(t, f.k.RaiseIRQ(f.k.Config().TimerIRQ))
	f.run(f.root, SyscallArgs{
		Sys:       abi.SysCall,
		Cap:       untyped,
		Label:     abi.Word(abi.UntypedRetype),
		MRs:       []abi.Word{abi.Word(abi.EndpointObject), 0, 0, 0, 40, 1},
		ExtraCaps: []abi.CPtr{rootCNode},
	})

	assert.Equal(t, 1, f.rec.preemptions)
	partial := f.untypedCap().Used()
	assert.Greater(t, partial, abi.Word(0))
	assert.Less(t, partial, used)
	assert.True(t, caps.IsNull(f.capAt(40)), "nothing is created before the reset finishes")
	assert.Equal(t, Running, f.root.State.Kind)

	f.mustRetype(abi.EndpointObject, 0, 40, 1)
	assert.Equal(t, abi.Word(1)<<abi.EndpointBits, f.untypedCap().Used())
}
