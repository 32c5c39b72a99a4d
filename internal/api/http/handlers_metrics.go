package http

import (
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/monitoring"
)

// HandlerMetrics records kernel operations made through the HTTP API.
type HandlerMetrics struct {
	metrics *monitoring.Metrics
}

// NewHandlerMetrics creates a metrics wrapper. A nil metrics records nothing.
func NewHandlerMetrics(metrics *monitoring.Metrics) *HandlerMetrics {
	return &HandlerMetrics{metrics: metrics}
}

// Track starts timing op. Call the returned func with the outcome.
func (hm *HandlerMetrics) Track(op string) func(err error) {
	if hm == nil || hm.metrics == nil {
		return func(error) {}
	}
	timer := monitoring.NewTimer(hm.metrics, "http", op)
	return func(err error) {
		if err != nil {
			timer.Stop("error")
			return
		}
		timer.Stop("success")
	}
}
