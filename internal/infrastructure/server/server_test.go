package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/capkernel/internal/api/middleware"
	"github.com/GriffinCanCode/capkernel/internal/boot"
	kgrpc "github.com/GriffinCanCode/capkernel/internal/grpc"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/logging"
	"github.com/GriffinCanCode/capkernel/internal/service"
)

func newHost(t *testing.T, metrics *monitoring.Metrics) *service.Host {
	t.Helper()
	opts := service.Options{}
	if metrics != nil {
		opts.Recorder = metrics
	}
	host, err := service.New(kernel.DefaultConfig(), boot.Default(), opts)
	require.NoError(t, err)
	return host
}

func TestRouterServesPrometheus(t *testing.T) {
	metrics := monitoring.NewMetrics()
	router := NewRouter(newHost(t, metrics), metrics, nil, nil, Options{CORS: middleware.DefaultCORSConfig()})

	req := httptest.NewRequest(http.MethodPost, "/kernel/threads/rootserver/syscall", strings.NewReader(`{"syscall":"Yield"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `capkernel_syscalls_total{exception="None",syscall="Yield"} 1`)
	assert.Contains(t, body, `/kernel/threads/:tid/syscall`)
}

func TestRouterRateLimits(t *testing.T) {
	rl := middleware.RateLimitConfig{RequestsPerSecond: 1, Burst: 1}
	router := NewRouter(newHost(t, nil), nil, nil, nil, Options{RateLimit: &rl})

	codes := make([]int, 2)
	for i := range codes {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		codes[i] = w.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

type wsMessage struct {
	Type    string        `json:"type"`
	Session string        `json:"session"`
	Console string        `json:"console"`
	Content string        `json:"content"`
	Message string        `json:"message"`
	Reply   service.Reply `json:"reply"`
}

func TestConsoleSession(t *testing.T) {
	host := newHost(t, nil)
	_, err := host.Syscall(context.Background(), service.SyscallRequest{Syscall: "DebugPutChar", Cap: '$'})
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(host, nil, nil, nil, Options{}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/console", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "system", msg.Type)
	assert.Equal(t, "$", msg.Console)
	assert.True(t, strings.HasPrefix(msg.Session, "con_"))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "input", "text": "ok"}))
	var out strings.Builder
	for out.Len() < 2 {
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, "output", msg.Type)
		out.WriteString(msg.Content)
	}
	assert.Equal(t, "ok", out.String())

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "syscall", "request": map[string]any{"syscall": "Yield"}}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "reply", msg.Type)
	assert.Equal(t, "rootserver", msg.Reply.Current)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "shout"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Message, "shout")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)
}

func freeAddr(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

func TestServeAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Server.ShutdownTimeout = time.Second
	cfg.RateLimit.Enabled = false
	host := newHost(t, nil)
	srv := NewServer(cfg, host, monitoring.NewMetrics(), logging.NewNop())

	httpLis, grpcLis := freeAddr(t), freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, httpLis, grpcLis) }()

	base := fmt.Sprintf("http://%s", httpLis.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	client, err := kgrpc.NewClient(grpcLis.Addr().String(), time.Second, nil)
	require.NoError(t, err)
	defer client.Close()
	state, err := client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rootserver", state.Current)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
