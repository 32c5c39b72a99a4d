package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/shared/id"
)

// consoleBuffer is how many undelivered chunks a slow subscriber may hold
// before new output is dropped for it.
const consoleBuffer = 64

// Subscribe opens a console session. It returns everything printed so far
// and a channel receiving output printed after it, with nothing lost or
// repeated between the two. The channel closes when ctx is done.
func (h *Host) Subscribe(ctx context.Context) (id.SessionID, string, <-chan string, error) {
	sid := id.NewSessionID()
	ch := make(chan string, consoleBuffer)

	var backlog string
	err := h.Do(ctx, func(k *kernel.Kernel) error {
		backlog = k.Console()
		h.mu.Lock()
		h.subs[sid] = ch
		h.mu.Unlock()
		return nil
	})
	if err != nil {
		return "", "", nil, err
	}

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, sid)
		h.mu.Unlock()
		close(ch)
	}()
	return sid, backlog, ch, nil
}

// Subscribers returns the number of open console sessions.
func (h *Host) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Console returns everything printed so far.
func (h *Host) Console(ctx context.Context) (string, error) {
	var out string
	err := h.Do(ctx, func(k *kernel.Kernel) error {
		out = k.Console()
		return nil
	})
	return out, err
}

// flushConsole publishes output printed since the last flush. It runs with
// the kernel held.
func (h *Host) flushConsole(k *kernel.Kernel) {
	out := k.Console()
	if len(out) <= h.printed {
		return
	}
	chunk := out[h.printed:]
	h.printed = len(out)

	h.mu.Lock()
	defer h.mu.Unlock()
	for sid, ch := range h.subs {
		select {
		case ch <- chunk:
		default:
			h.log.Warn("Console subscriber is behind, dropping output", zap.String("session", sid.String()))
		}
	}
}
