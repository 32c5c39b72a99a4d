package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/capkernel/internal/boot"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/service"
	"github.com/GriffinCanCode/capkernel/internal/snapshot"
)

const manifest = `
kernel:
  root_name: init
objects:
  - {type: Endpoint, slot: 30, count: 1}
threads:
  - {name: a, tcb: 40, buffer: 41, priority: 100, mcp: 100}
  - {name: b, tcb: 42, buffer: 43, priority: 100, mcp: 100}
`

type fixture struct {
	host    *service.Host
	metrics *monitoring.Metrics
	router  *gin.Engine
}

func newFixture(t *testing.T, store *snapshot.Store) *fixture {
	t.Helper()
	man, err := boot.Parse([]byte(manifest), boot.FormatYAML)
	require.NoError(t, err)
	metrics := monitoring.NewMetrics()
	host, err := service.New(kernel.DefaultConfig(), man, service.Options{Recorder: metrics, Store: store})
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	h := NewHandlers(host, NewHandlerMetrics(metrics), nil, nil)
	agg := NewMetricsAggregator(metrics, host)
	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/kernel/state", h.GetState)
	r.GET("/kernel/slots", h.ListSlots)
	r.GET("/kernel/threads/:tid", h.GetThread)
	r.POST("/kernel/threads/:tid/syscall", h.Syscall)
	r.POST("/kernel/tick", h.Tick)
	r.POST("/kernel/irq/:irq", h.RaiseIRQ)
	r.GET("/kernel/scheduler/stats", h.GetSchedulerStats)
	r.POST("/kernel/snapshots", h.SaveSnapshot)
	r.GET("/kernel/snapshots", h.ListSnapshots)
	r.GET("/kernel/snapshot", h.GetSnapshot)
	r.GET("/metrics/json", agg.GetAggregatedMetrics)
	return &fixture{host: host, metrics: metrics, router: r}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

type syscallResponse struct {
	Success bool          `json:"success"`
	Error   string        `json:"error"`
	Reply   service.Reply `json:"reply"`
}

func TestSyscallEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	var resp syscallResponse
	code := f.do(t, http.MethodPost, "/kernel/threads/b/syscall", map[string]any{"syscall": "Recv", "cap": 30}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "BlockedOnReceive", resp.Reply.State)

	code = f.do(t, http.MethodPost, "/kernel/threads/a/syscall", map[string]any{"syscall": "Call", "cap": 30, "label": 3, "mrs": []int{7}}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "b", resp.Reply.Current)

	var info kernel.ThreadInfo
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/kernel/threads/a", nil, &info))
	assert.Equal(t, "BlockedOnReply", info.State)

	code = f.do(t, http.MethodPost, "/kernel/threads/init/syscall", map[string]any{"invoke": "CNodeDelete", "cap": 2, "mrs": []int{30, 64}}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "NoError", resp.Reply.Error)
}

func TestSyscallErrors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown syscall", "/kernel/threads/a/syscall", map[string]any{"syscall": "Teleport"}, http.StatusBadRequest},
		{"malformed body", "/kernel/threads/a/syscall", "nonsense", http.StatusBadRequest},
		{"unknown thread", "/kernel/threads/zz/syscall", map[string]any{"syscall": "Yield"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp syscallResponse
			assert.Equal(t, tt.want, f.do(t, http.MethodPost, tt.path, tt.body, &resp))
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}

	var resp syscallResponse
	f.do(t, http.MethodPost, "/kernel/threads/b/syscall", map[string]any{"syscall": "Recv", "cap": 30}, nil)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/kernel/threads/b/syscall", map[string]any{"syscall": "Yield"}, &resp))
}

func TestStateSlotsAndStats(t *testing.T) {
	f := newFixture(t, nil)

	var state kernel.State
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/kernel/state", nil, &state))
	assert.Equal(t, "init", state.Current)

	var slots struct {
		Slots []kernel.SlotInfo `json:"slots"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/kernel/slots?ref=tcb@*.buffer", nil, &slots))
	assert.Len(t, slots.Slots, 3, "root, a and b have IPC buffers")
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/kernel/slots?ref=[", nil, nil))

	var tick struct {
		Current string `json:"current"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/kernel/tick?n=2", nil, &tick))
	assert.Equal(t, "init", tick.Current)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/kernel/tick?n=0", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/kernel/irq/x", nil, nil))

	var stats struct {
		Stats monitoring.Fairness `json:"stats"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/kernel/scheduler/stats", nil, &stats))
	assert.Len(t, stats.Stats.Samples, 3)
}

func TestSnapshotEndpoints(t *testing.T) {
	assert.Equal(t, http.StatusNotImplemented, newFixture(t, nil).do(t, http.MethodPost, "/kernel/snapshots", nil, nil))

	store, err := snapshot.NewStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, store)

	var saved struct {
		Path string `json:"path"`
	}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/kernel/snapshots", map[string]string{"reason": "test"}, &saved))

	var list struct {
		Snapshots []string `json:"snapshots"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/kernel/snapshots", nil, &list))
	assert.Equal(t, []string{saved.Path}, list.Snapshots)

	var snap snapshot.Snapshot
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/kernel/snapshot?path="+saved.Path, nil, &snap))
	assert.Equal(t, "test", snap.Reason)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/kernel/snapshot?path=../x.json.zst", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/kernel/snapshot?path=none.json.zst", nil, nil))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	var health map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "healthy", health["status"])

	f.do(t, http.MethodPost, "/kernel/threads/a/syscall", map[string]any{"syscall": "Yield"}, nil)

	var snap MetricsSnapshot
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics/json", nil, &snap))
	assert.Equal(t, f.host.ID().String(), snap.Instance)
	assert.Equal(t, 3, snap.Kernel.Threads)
	assert.Positive(t, snap.Counters.Syscalls)

	f.do(t, http.MethodPost, "/kernel/threads/init/syscall", map[string]any{"syscall": "DebugHalt"}, nil)
	require.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "halted", health["status"])
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics/json", nil, &snap))
	assert.NotEmpty(t, snap.Kernel.Halted)
}

func TestAggregatorPollsPeers(t *testing.T) {
	peer := newFixture(t, nil)
	srv := httptest.NewServer(peer.router)
	defer srv.Close()

	f := newFixture(t, nil)
	agg := NewMetricsAggregator(f.metrics, f.host, srv.URL, "http://127.0.0.1:1")
	f.router.GET("/metrics/all", agg.GetAggregatedMetrics)

	var snap MetricsSnapshot
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics/all", nil, &snap))
	require.Contains(t, snap.Peers, srv.URL)
	assert.Equal(t, peer.host.ID().String(), snap.Peers[srv.URL].Instance)
	assert.Contains(t, snap.PeerErrs, "http://127.0.0.1:1")
}
