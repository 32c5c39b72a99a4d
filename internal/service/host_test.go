package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/capkernel/internal/boot"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/snapshot"
)

const pingPong = `
kernel:
  root_name: init
objects:
  - {type: Endpoint, slot: 30, count: 1}
threads:
  - {name: ping, tcb: 40, buffer: 41, priority: 100, mcp: 100}
  - {name: pong, tcb: 42, buffer: 43, priority: 100, mcp: 100}
`

func newHost(t *testing.T, opts Options) *Host {
	t.Helper()
	man, err := boot.Parse([]byte(pingPong), boot.FormatYAML)
	require.NoError(t, err)
	h, err := New(kernel.DefaultConfig(), man, opts)
	require.NoError(t, err)
	return h
}

func TestSyscallRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, Options{})

	r, err := h.Syscall(ctx, SyscallRequest{Thread: "pong", Syscall: "Recv", Cap: 30})
	require.NoError(t, err)
	assert.Equal(t, "BlockedOnReceive", r.State)
	assert.Equal(t, "init", r.Current)

	r, err = h.Syscall(ctx, SyscallRequest{Thread: "ping", Syscall: "Call", Cap: 30, Label: 3, MRs: []uint64{7, 8}})
	require.NoError(t, err)
	assert.Equal(t, "BlockedOnReply", r.State)
	assert.Equal(t, "pong", r.Current)

	r, err = h.Syscall(ctx, SyscallRequest{Thread: "pong", Syscall: "ReplyRecv", Cap: 30, MRs: []uint64{15}})
	require.NoError(t, err)
	assert.Equal(t, "ping", r.Current)

	info, err := h.ThreadInfo(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, "Running", info.State)
}

func TestInvokeReportsErrorName(t *testing.T) {
	h := newHost(t, Options{})
	r, err := h.Syscall(context.Background(), SyscallRequest{
		Invoke:    "UntypedRetype",
		Cap:       16,
		MRs:       []uint64{2, 0, 0, 0, 30, 1},
		ExtraCaps: []uint64{2},
	})
	require.NoError(t, err)
	assert.Equal(t, "DeleteFirst", r.Error)
	assert.Equal(t, "init", r.Thread)
}

func TestRequestErrors(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, Options{})

	_, err := h.Syscall(ctx, SyscallRequest{Syscall: "Teleport"})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = h.Syscall(ctx, SyscallRequest{Syscall: "Call", Invoke: "TCBResume"})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = h.Syscall(ctx, SyscallRequest{Thread: "nobody", Syscall: "Yield"})
	assert.ErrorIs(t, err, ErrNoThread)
	_, err = h.RaiseIRQ(ctx, 1<<20)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = h.Snapshot(ctx, "manual")
	assert.ErrorIs(t, err, ErrNoStore)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = h.State(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestThreadByAddress(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, Options{})
	ping, err := h.ThreadInfo(ctx, "ping")
	require.NoError(t, err)

	byAddr, err := h.ThreadInfo(ctx, fmt.Sprintf("%#x", ping.Addr))
	require.NoError(t, err)
	assert.Equal(t, "ping", byAddr.Name)
}

func TestConsoleSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHost(t, Options{})

	_, err := h.Syscall(ctx, SyscallRequest{Syscall: "DebugPutChar", Cap: '>'})
	require.NoError(t, err)
	_, backlog, ch, err := h.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, ">", backlog)
	assert.Equal(t, 1, h.Subscribers())

	for _, c := range "hi" {
		_, err := h.Syscall(ctx, SyscallRequest{Syscall: "DebugPutChar", Cap: uint64(c)})
		require.NoError(t, err)
	}
	assert.Equal(t, "h", <-ch)
	assert.Equal(t, "i", <-ch)

	out, err := h.Console(ctx)
	require.NoError(t, err)
	assert.Equal(t, ">hi", out)

	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	store, err := snapshot.NewStore(t.TempDir())
	require.NoError(t, err)
	h := newHost(t, Options{Store: store})

	_, err = h.Syscall(ctx, SyscallRequest{Syscall: "DebugSnapshot"})
	require.NoError(t, err)
	path, err := h.Snapshot(ctx, "manual")
	require.NoError(t, err)

	all, err := store.List(h.ID().String() + "/*")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	snap, err := store.Open(path)
	require.NoError(t, err)
	assert.Equal(t, "manual", snap.Reason)
	assert.Equal(t, "init", snap.State.Current)
}

func TestTickAndHalt(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, Options{})

	cur, err := h.Tick(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "init", cur)

	_, err = h.Syscall(ctx, SyscallRequest{Syscall: "DebugHalt"})
	require.Error(t, err)
	require.NotNil(t, h.Halted())
	_, err = h.State(ctx)
	assert.ErrorIs(t, err, kernel.ErrHalted)
}
