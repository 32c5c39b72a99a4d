package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/capkernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/service"
	"github.com/GriffinCanCode/capkernel/internal/snapshot"
)

// GetState returns the full kernel state.
func (h *Handlers) GetState(c *gin.Context) {
	var s kernel.State
	err := h.traced(c, "state", func(ctx context.Context) (err error) {
		s, err = h.host.State(ctx)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// GetThread returns one thread, named or addressed by :tid.
func (h *Handlers) GetThread(c *gin.Context) {
	var info kernel.ThreadInfo
	err := h.traced(c, "thread", func(ctx context.Context) (err error) {
		info, err = h.host.ThreadInfo(ctx, c.Param("tid"))
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// ListSlots returns the occupied slots whose reference matches the glob
// in ?ref=, such as "cnode@*" or "tcb@*.reply".
func (h *Handlers) ListSlots(c *gin.Context) {
	pattern := c.DefaultQuery("ref", "*")
	if !doublestar.ValidatePattern(pattern) {
		h.fail(c, fmt.Errorf("%w: bad ref pattern %q", service.ErrBadRequest, pattern))
		return
	}
	var s kernel.State
	err := h.traced(c, "slots", func(ctx context.Context) (err error) {
		s, err = h.host.State(ctx)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	slots := []kernel.SlotInfo{}
	for _, si := range s.Slots {
		if ok, _ := doublestar.Match(pattern, si.Ref); ok {
			slots = append(slots, si)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"slots":   slots,
	})
}

// Syscall performs a syscall as the thread in :tid.
func (h *Handlers) Syscall(c *gin.Context) {
	var req service.SyscallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", service.ErrBadRequest, err))
		return
	}
	req.Thread = c.Param("tid")

	var reply service.Reply
	err := h.traced(c, "syscall", func(ctx context.Context) (err error) {
		reply, err = h.host.Syscall(ctx, req)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"reply":   reply,
	})
}

// Tick delivers ?n= timer interrupts, one by default.
func (h *Handlers) Tick(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "1"))
	if err != nil || n < 1 {
		h.fail(c, fmt.Errorf("%w: n must be a positive count", service.ErrBadRequest))
		return
	}
	var cur string
	err = h.traced(c, "tick", func(ctx context.Context) (err error) {
		cur, err = h.host.Tick(ctx, n)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"current": cur,
	})
}

// RaiseIRQ asserts the interrupt line in :irq.
func (h *Handlers) RaiseIRQ(c *gin.Context) {
	irq, err := strconv.ParseUint(c.Param("irq"), 10, 64)
	if err != nil {
		h.fail(c, fmt.Errorf("%w: bad irq %q", service.ErrBadRequest, c.Param("irq")))
		return
	}
	var cur string
	err = h.traced(c, "irq", func(ctx context.Context) (err error) {
		cur, err = h.host.RaiseIRQ(ctx, abi.Word(irq))
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"current": cur,
	})
}

// GetSchedulerStats reports how evenly each priority band was scheduled.
func (h *Handlers) GetSchedulerStats(c *gin.Context) {
	var stats monitoring.Fairness
	err := h.traced(c, "scheduler_stats", func(ctx context.Context) error {
		return h.host.Do(ctx, func(k *kernel.Kernel) error {
			stats = monitoring.ComputeFairness(monitoring.SamplesOf(k))
			return nil
		})
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   stats,
	})
}

// SaveSnapshot stores the current state.
func (h *Handlers) SaveSnapshot(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, fmt.Errorf("%w: %v", service.ErrBadRequest, err))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "api"
	}
	var path string
	err := h.traced(c, "snapshot_save", func(ctx context.Context) (err error) {
		path, err = h.host.Snapshot(ctx, req.Reason)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"path":    path,
	})
}

// ListSnapshots lists stored snapshots matching ?glob=.
func (h *Handlers) ListSnapshots(c *gin.Context) {
	store := h.host.Store()
	if store == nil {
		h.fail(c, service.ErrNoStore)
		return
	}
	pattern := c.Query("glob")
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		h.fail(c, fmt.Errorf("%w: bad glob %q", service.ErrBadRequest, pattern))
		return
	}
	paths, err := store.List(pattern)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"snapshots": paths,
	})
}

// GetSnapshot decodes the stored snapshot named by ?path=.
func (h *Handlers) GetSnapshot(c *gin.Context) {
	store := h.host.Store()
	if store == nil {
		h.fail(c, service.ErrNoStore)
		return
	}
	var snap snapshot.Snapshot
	err := h.traced(c, "snapshot_open", func(context.Context) (err error) {
		snap, err = store.Open(c.Query("path"))
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
