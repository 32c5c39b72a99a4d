package ctl

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/capkernel/internal/boot"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/server"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/service"
	"github.com/GriffinCanCode/capkernel/internal/snapshot"
)

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = url
	cfg.RetryWaitMin = time.Millisecond
	cfg.RetryWaitMax = 5 * time.Millisecond
	return cfg
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := snapshot.NewStore(t.TempDir())
	require.NoError(t, err)
	host, err := service.New(kernel.DefaultConfig(), boot.Default(), service.Options{Store: store})
	require.NoError(t, err)
	srv := httptest.NewServer(server.NewRouter(host, nil, nil, nil, server.Options{}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientDrivesKernel(t *testing.T) {
	ctx := context.Background()
	c := New(testConfig(newServer(t).URL))

	reply, err := c.Syscall(ctx, service.SyscallRequest{Syscall: "DebugPutChar", Cap: 'z'})
	require.NoError(t, err)
	assert.Equal(t, "rootserver", reply.Thread)

	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "z", state.Console)

	info, err := c.Thread(ctx, "rootserver")
	require.NoError(t, err)
	assert.Equal(t, "Running", info.State)

	cur, err := c.Tick(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "rootserver", cur)

	path, err := c.Snapshot(ctx, "ctl")
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}

func TestClientReportsAPIErrors(t *testing.T) {
	ctx := context.Background()
	c := New(testConfig(newServer(t).URL))

	_, err := c.Syscall(ctx, service.SyscallRequest{Syscall: "Warp"})
	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, http.StatusBadRequest, api.Status)
	assert.Contains(t, api.Message, "Warp")

	_, err = c.RaiseIRQ(ctx, 1<<20)
	require.ErrorAs(t, err, &api)
	for i := 0; i < 5; i++ {
		_, _ = c.Thread(ctx, "nobody")
	}
	assert.Equal(t, resilience.StateClosed, c.BreakerState(), "client errors do not trip the breaker")
}

func TestClientRetriesRateLimits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"current":"rootserver"}`))
	}))
	defer srv.Close()

	cur, err := New(testConfig(srv.URL)).Tick(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "rootserver", cur)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientOpensBreakerOnServerFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	for i := 0; i < 3; i++ {
		_, err := c.State(context.Background())
		require.Error(t, err)
	}
	_, err := c.State(context.Background())
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
}
