// Package monitoring exports kernel and service metrics to Prometheus and
// computes scheduler fairness statistics.
//
// Metrics implements kernel.Recorder, so a kernel built with it reports
// syscalls, preemptions, faults, retypes, fast path decisions and ready
// queue depth as they happen.
package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

const namespace = "capkernel"

// Metrics holds all Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	// Kernel
	Syscalls        *prometheus.CounterVec
	Preemptions     *prometheus.CounterVec
	Faults          *prometheus.CounterVec
	DoubleFaults    prometheus.Counter
	Retyped         *prometheus.CounterVec
	FastpathTotal   *prometheus.CounterVec
	IPCTransfers    *prometheus.CounterVec
	Signals         prometheus.Counter
	Interrupts      *prometheus.CounterVec
	ReadyQueueDepth *prometheus.GaugeVec

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Service calls (gRPC, console)
	ServiceCalls    *prometheus.CounterVec
	ServiceDuration *prometheus.HistogramVec
	WSConnections   prometheus.Gauge

	mu       sync.Mutex
	snapshot Snapshot
}

// Snapshot holds running totals for the JSON API.
type Snapshot struct {
	Syscalls      uint64 `json:"syscalls"`
	Preemptions   uint64 `json:"preemptions"`
	Faults        uint64 `json:"faults"`
	DoubleFaults  uint64 `json:"double_faults"`
	FastpathHits  uint64 `json:"fastpath_hits"`
	FastpathMiss  uint64 `json:"fastpath_misses"`
	TotalRequests uint64 `json:"total_requests"`
	TotalErrors   uint64 `json:"total_errors"`
}

var _ kernel.Recorder = (*Metrics)(nil)

// NewMetrics registers every collector on a fresh registry, which also
// carries the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return NewMetricsWith(reg)
}

// NewMetricsWith registers every collector on reg.
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		Syscalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "syscalls_total",
			Help: "Syscalls handled, by syscall and resulting exception.",
		}, []string{"syscall", "exception"}),
		Preemptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "preemptions_total",
			Help: "Long-running operations preempted by a pending interrupt.",
		}, []string{"operation"}),
		Faults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "faults_total",
			Help: "Faults raised by user threads, by kind.",
		}, []string{"type"}),
		DoubleFaults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "double_faults_total",
			Help: "Faults that could not be delivered to a handler.",
		}),
		Retyped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retyped_objects_total",
			Help: "Objects created from untyped memory, by type.",
		}, []string{"type"}),
		FastpathTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fastpath_total",
			Help: "Fast path attempts, by path, outcome and miss reason.",
		}, []string{"path", "outcome", "reason"}),
		IPCTransfers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ipc_transfers_total",
			Help: "Messages transferred between threads.",
		}, []string{"kind"}),
		Signals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notification_signals_total",
			Help: "Notifications signalled.",
		}),
		Interrupts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "interrupts_total",
			Help: "Interrupts handled, by line.",
		}, []string{"irq"}),
		ReadyQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ready_queue_depth",
			Help: "Runnable threads queued in a domain at the last schedule.",
		}, []string{"domain"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests.",
		}, []string{"method", "path", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "path"}),
		ServiceCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "service_calls_total",
			Help: "Calls into the kernel service, by transport, method and status.",
		}, []string{"service", "method", "status"}),
		ServiceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "service_duration_seconds",
			Help:    "Kernel service call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections",
			Help: "Open console connections.",
		}),
	}
}

func (m *Metrics) Syscall(sys abi.Syscall, ex kernel.Exception) {
	m.Syscalls.WithLabelValues(sys.String(), ex.String()).Inc()
	m.update(func(s *Snapshot) { s.Syscalls++ })
}

func (m *Metrics) Preemption(op string) {
	m.Preemptions.WithLabelValues(op).Inc()
	m.update(func(s *Snapshot) { s.Preemptions++ })
}

func (m *Metrics) Fault(ft abi.FaultType) {
	m.Faults.WithLabelValues(ft.String()).Inc()
	m.update(func(s *Snapshot) { s.Faults++ })
}

func (m *Metrics) DoubleFault() {
	m.DoubleFaults.Inc()
	m.update(func(s *Snapshot) { s.DoubleFaults++ })
}

func (m *Metrics) Retype(t abi.ObjectType, n int) {
	m.Retyped.WithLabelValues(t.String()).Add(float64(n))
}

func (m *Metrics) Fastpath(path string, taken bool, reason string) {
	outcome := "miss"
	if taken {
		outcome = "hit"
	}
	m.FastpathTotal.WithLabelValues(path, outcome, reason).Inc()
	m.update(func(s *Snapshot) {
		if taken {
			s.FastpathHits++
		} else {
			s.FastpathMiss++
		}
	})
}

func (m *Metrics) IPCTransfer(kind string) { m.IPCTransfers.WithLabelValues(kind).Inc() }
func (m *Metrics) Signal()                 { m.Signals.Inc() }

func (m *Metrics) Interrupt(irq abi.Word) {
	m.Interrupts.WithLabelValues(strconv.FormatUint(uint64(irq), 10)).Inc()
}

func (m *Metrics) ReadyDepth(domain, depth int) {
	m.ReadyQueueDepth.WithLabelValues(strconv.Itoa(domain)).Set(float64(depth))
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
	m.update(func(s *Snapshot) {
		s.TotalRequests++
		if status >= 400 {
			s.TotalErrors++
		}
	})
}

// RecordServiceCall records one call through the gRPC service or console.
func (m *Metrics) RecordServiceCall(service, method, status string, d time.Duration) {
	m.ServiceCalls.WithLabelValues(service, method, status).Inc()
	m.ServiceDuration.WithLabelValues(service, method).Observe(d.Seconds())
}

// Snapshot returns the running totals.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

func (m *Metrics) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snapshot)
	m.mu.Unlock()
}
