package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"

	"github.com/GriffinCanCode/capkernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/service"
)

// MetricsAggregator reports this instance's metrics, plus those of peer
// instances behind a circuit breaker each.
type MetricsAggregator struct {
	metrics *monitoring.Metrics
	host    *service.Host
	client  *resty.Client
	peers   []peer
	started time.Time
}

type peer struct {
	url     string
	breaker *resilience.Breaker
}

// MetricsSnapshot is the /metrics/json document.
type MetricsSnapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	Instance  string                     `json:"instance"`
	Counters  monitoring.Snapshot        `json:"counters"`
	Kernel    KernelSummary              `json:"kernel"`
	Summary   MetricsSummary             `json:"summary"`
	Peers     map[string]MetricsSnapshot `json:"peers,omitempty"`
	PeerErrs  map[string]string          `json:"peer_errors,omitempty"`
}

// KernelSummary is a short view of the scheduler.
type KernelSummary struct {
	Current string `json:"current"`
	Domain  int    `json:"domain"`
	Threads int    `json:"threads"`
	Queued  int    `json:"queued"`
	Halted  string `json:"halted,omitempty"`
}

// MetricsSummary provides high-level metrics.
type MetricsSummary struct {
	TotalRequests   uint64  `json:"total_requests"`
	ErrorRate       float64 `json:"error_rate"`
	FastpathHitRate float64 `json:"fastpath_hit_rate"`
	Consoles        int     `json:"consoles"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// NewMetricsAggregator creates an aggregator polling peers, which are base
// URLs of other capkernel instances.
func NewMetricsAggregator(metrics *monitoring.Metrics, host *service.Host, peers ...string) *MetricsAggregator {
	ma := &MetricsAggregator{
		metrics: metrics,
		host:    host,
		client:  resty.New().SetTimeout(5 * time.Second),
		started: time.Now(),
	}
	for _, url := range peers {
		ma.peers = append(ma.peers, peer{
			url: url,
			breaker: resilience.New("metrics-"+url, resilience.Settings{
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     10 * time.Second,
				ReadyToTrip: func(counts resilience.Counts) bool {
					return counts.ConsecutiveFailures >= 3
				},
			}),
		})
	}
	return ma
}

// GetAggregatedMetrics returns the metrics of this instance and its peers.
func (ma *MetricsAggregator) GetAggregatedMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	snap, err := ma.local(ctx)
	if err != nil && !errors.Is(err, kernel.ErrHalted) {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	for _, p := range ma.peers {
		remote, err := ma.fetch(ctx, p)
		if err != nil {
			if snap.PeerErrs == nil {
				snap.PeerErrs = map[string]string{}
			}
			snap.PeerErrs[p.url] = err.Error()
			continue
		}
		if snap.Peers == nil {
			snap.Peers = map[string]MetricsSnapshot{}
		}
		snap.Peers[p.url] = remote
	}
	c.JSON(http.StatusOK, snap)
}

func (ma *MetricsAggregator) local(ctx context.Context) (MetricsSnapshot, error) {
	snap := MetricsSnapshot{
		Timestamp: time.Now(),
		Instance:  ma.host.ID().String(),
	}
	if ma.metrics != nil {
		snap.Counters = ma.metrics.Snapshot()
	}
	snap.Summary = ma.calculateSummary(snap.Counters)

	if halt := ma.host.Halted(); halt != nil {
		snap.Kernel.Halted = halt.Reason
		return snap, kernel.ErrHalted
	}
	err := ma.host.Do(ctx, func(k *kernel.Kernel) error {
		snap.Kernel.Current = k.Current().Name
		snap.Kernel.Domain = k.CurrentDomain()
		for _, t := range k.Threads() {
			if t == k.Idle() {
				continue
			}
			snap.Kernel.Threads++
			if t.Queued() {
				snap.Kernel.Queued++
			}
		}
		return nil
	})
	return snap, err
}

func (ma *MetricsAggregator) fetch(ctx context.Context, p peer) (MetricsSnapshot, error) {
	var out MetricsSnapshot
	err := p.breaker.Do(ctx, func(ctx context.Context) error {
		resp, err := ma.client.R().
			SetContext(ctx).
			SetResult(&out).
			Get(p.url + "/metrics/json")
		if err != nil {
			return err
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("peer returned status %d", resp.StatusCode())
		}
		return nil
	})
	return out, err
}

func (ma *MetricsAggregator) calculateSummary(s monitoring.Snapshot) MetricsSummary {
	sum := MetricsSummary{
		TotalRequests: s.TotalRequests,
		Consoles:      ma.host.Subscribers(),
		UptimeSeconds: time.Since(ma.started).Seconds(),
	}
	if s.TotalRequests > 0 {
		sum.ErrorRate = float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	if fast := s.FastpathHits + s.FastpathMiss; fast > 0 {
		sum.FastpathHitRate = float64(s.FastpathHits) / float64(fast)
	}
	return sum
}
