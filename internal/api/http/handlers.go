package http

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/service"
	"github.com/GriffinCanCode/capkernel/internal/snapshot"
)

// Handlers serves the kernel over HTTP.
type Handlers struct {
	host    *service.Host
	metrics *HandlerMetrics
	tracer  *tracing.Tracer
	log     *zap.Logger
	started time.Time
}

// NewHandlers creates the handler set. metrics may be nil.
func NewHandlers(host *service.Host, metrics *HandlerMetrics, tracer *tracing.Tracer, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	if tracer == nil {
		tracer = tracing.New("capkernel-http", log)
	}
	return &Handlers{
		host:    host,
		metrics: metrics,
		tracer:  tracer,
		log:     log,
		started: time.Now(),
	}
}

// Root describes the service.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":  "capkernel",
		"instance": h.host.ID().String(),
	})
}

// Health reports whether the kernel is still running.
func (h *Handlers) Health(c *gin.Context) {
	body := gin.H{
		"status":         "healthy",
		"instance":       h.host.ID().String(),
		"uptime_seconds": time.Since(h.started).Seconds(),
		"consoles":       h.host.Subscribers(),
	}
	if halt := h.host.Halted(); halt != nil {
		body["status"] = "halted"
		body["reason"] = halt.Reason
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// traced runs fn inside a span named op and records the call.
func (h *Handlers) traced(c *gin.Context, op string, fn func(ctx context.Context) error) error {
	done := h.metrics.Track(op)
	span, ctx := h.tracer.StartSpan(c.Request.Context(), op)
	err := fn(ctx)
	h.tracer.End(span, err)
	done(err)
	return err
}

// fail writes err with the status it maps to.
func (h *Handlers) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}

func statusOf(err error) int {
	var halt *kernel.HaltError
	switch {
	case errors.Is(err, service.ErrBadRequest), errors.Is(err, snapshot.ErrBadName):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoThread), errors.Is(err, kernel.ErrNoSuchThread),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, kernel.ErrNotRunnable), errors.Is(err, kernel.ErrNoCurrentThread):
		return http.StatusConflict
	case errors.Is(err, kernel.ErrHalted), errors.As(err, &halt):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrNoStore):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
