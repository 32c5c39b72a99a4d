package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/boot"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/shared/id"
	"github.com/GriffinCanCode/capkernel/internal/snapshot"
)

var (
	// ErrNoThread is returned when a thread reference matches nothing.
	ErrNoThread = errors.New("service: no such thread")
	// ErrBadRequest wraps requests that name unknown syscalls or labels.
	ErrBadRequest = errors.New("service: bad request")
	// ErrNoStore is returned by snapshot calls when no store is configured.
	ErrNoStore = errors.New("service: snapshots are not configured")
)

// Options carries the optional collaborators of a Host.
type Options struct {
	Logger   *zap.Logger
	Recorder kernel.Recorder
	Store    *snapshot.Store
}

// Host is a booted kernel shared by concurrent callers.
type Host struct {
	id    id.InstanceID
	m     *kernel.Machine
	k     *kernel.Kernel
	sys   *boot.System
	store *snapshot.Store
	log   *zap.Logger

	mu      sync.Mutex
	subs    map[id.SessionID]chan string
	printed int
}

// SyscallRequest names a syscall made by one thread. Exactly one of
// Syscall and Invoke is set; Invoke is shorthand for a Call carrying that
// invocation label.
type SyscallRequest struct {
	Thread    string     `json:"thread"`
	Syscall   string     `json:"syscall,omitempty"`
	Invoke    string     `json:"invoke,omitempty"`
	Cap       abi.CPtr   `json:"cap"`
	Label     abi.Word   `json:"label,omitempty"`
	MRs       []abi.Word `json:"mrs,omitempty"`
	ExtraCaps []abi.CPtr `json:"extra_caps,omitempty"`
	Receive   *Window    `json:"receive,omitempty"`
	Text      string     `json:"text,omitempty"`
}

// Window is where a receiving thread accepts a transferred cap.
type Window struct {
	Root  abi.CPtr `json:"root"`
	Index abi.CPtr `json:"index"`
	Depth abi.Word `json:"depth"`
}

// Reply is what the calling thread sees once the syscall returns, plus
// which thread the kernel runs next.
type Reply struct {
	Thread        string     `json:"thread"`
	State         string     `json:"state"`
	Current       string     `json:"current"`
	Label         abi.Word   `json:"label"`
	Error         string     `json:"error"`
	Badge         abi.Word   `json:"badge"`
	ExtraCaps     abi.Word   `json:"extra_caps"`
	CapsUnwrapped abi.Word   `json:"caps_unwrapped"`
	MRs           []abi.Word `json:"mrs"`
}

// New creates a kernel from cfg and boots man into it.
func New(cfg kernel.Config, man boot.Manifest, opts Options) (*Host, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	instance := id.NewInstanceID()
	k, err := kernel.New(cfg, log.With(zap.String("instance", instance.String())), opts.Recorder, nil)
	if err != nil {
		return nil, err
	}
	h := &Host{
		id:    instance,
		m:     kernel.NewMachine(k),
		k:     k,
		store: opts.Store,
		log:   log,
		subs:  make(map[id.SessionID]chan string),
	}
	if h.store != nil {
		k.SetSnapshotHook(h.saveRequested)
	}
	err = h.m.Do(func(k *kernel.Kernel) error {
		sys, err := boot.Build(k, man)
		h.sys = sys
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info("Kernel booted",
		zap.String("instance", instance.String()),
		zap.String("root", h.sys.Root().Name),
		zap.Int("threads", len(h.sys.Order)),
	)
	return h, nil
}

// ID returns the instance identifier.
func (h *Host) ID() id.InstanceID { return h.id }

// Halted returns the halt that stopped the kernel, or nil.
func (h *Host) Halted() *kernel.HaltError { return h.m.Halted() }

// Do runs fn with exclusive access to the kernel and publishes any console
// output it produced.
func (h *Host) Do(ctx context.Context, fn func(k *kernel.Kernel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.m.Do(func(k *kernel.Kernel) error {
		defer h.flushConsole(k)
		return fn(k)
	})
}

// State snapshots the kernel.
func (h *Host) State(ctx context.Context) (kernel.State, error) {
	var s kernel.State
	err := h.Do(ctx, func(k *kernel.Kernel) error {
		s = k.State()
		return nil
	})
	return s, err
}

// ThreadInfo describes the thread ref resolves to.
func (h *Host) ThreadInfo(ctx context.Context, ref string) (kernel.ThreadInfo, error) {
	var info kernel.ThreadInfo
	err := h.Do(ctx, func(k *kernel.Kernel) error {
		t, err := h.resolve(ref)
		if err != nil {
			return err
		}
		for _, ti := range k.State().Threads {
			if ti.Addr == t.Addr {
				info = ti
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNoThread, ref)
	})
	return info, err
}

// Syscall makes the requested thread current and performs req.
func (h *Host) Syscall(ctx context.Context, req SyscallRequest) (Reply, error) {
	args, err := req.args()
	if err != nil {
		return Reply{}, err
	}
	var reply Reply
	err = h.Do(ctx, func(k *kernel.Kernel) error {
		t, err := h.resolve(req.Thread)
		if err != nil {
			return err
		}
		if err := k.Activate(t.Addr); err != nil {
			return fmt.Errorf("activate %s: %w", t.Name, err)
		}
		if err := k.Syscall(args); err != nil {
			return err
		}
		reply = replyOf(k, t, k.ReadMessage(t))
		return nil
	})
	return reply, err
}

// Tick delivers n timer interrupts.
func (h *Host) Tick(ctx context.Context, n int) (string, error) {
	var cur string
	err := h.Do(ctx, func(k *kernel.Kernel) error {
		for i := 0; i < n; i++ {
			k.Tick()
		}
		cur = k.Current().Name
		return nil
	})
	return cur, err
}

// RaiseIRQ asserts irq and takes the interrupt.
func (h *Host) RaiseIRQ(ctx context.Context, irq abi.Word) (string, error) {
	var cur string
	err := h.Do(ctx, func(k *kernel.Kernel) error {
		if err := k.RaiseIRQ(irq); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		k.InterruptEntry()
		cur = k.Current().Name
		return nil
	})
	return cur, err
}

// Snapshot saves the current state and returns its store path.
func (h *Host) Snapshot(ctx context.Context, reason string) (string, error) {
	if h.store == nil {
		return "", ErrNoStore
	}
	s, err := h.State(ctx)
	if err != nil {
		return "", err
	}
	return h.store.Save(snapshot.New(h.id.String(), reason, s))
}

// Store returns the snapshot store, which may be nil.
func (h *Host) Store() *snapshot.Store { return h.store }

// Thread resolves ref to a thread. The caller must hold the kernel, so
// this is only valid inside Do.
func (h *Host) Thread(ref string) (*kernel.Thread, error) { return h.resolve(ref) }

func (h *Host) saveRequested(s kernel.State) {
	path, err := h.store.Save(snapshot.New(h.id.String(), "requested", s))
	if err != nil {
		h.log.Warn("Snapshot failed", zap.Error(err))
		return
	}
	h.log.Info("Snapshot saved", zap.String("path", path))
}

// RootAlias names the root thread whatever the manifest called it.
const RootAlias = "root"

// resolve finds a thread by name, then by address. An empty reference or
// RootAlias is the root thread.
func (h *Host) resolve(ref string) (*kernel.Thread, error) {
	root := h.sys.Root()
	if ref == "" || ref == RootAlias || ref == root.Name {
		return root, nil
	}
	if t, ok := h.sys.Threads[ref]; ok {
		return t, nil
	}
	for _, t := range h.k.Threads() {
		if t.Name == ref && t != h.k.Idle() {
			return t, nil
		}
	}
	if addr, err := strconv.ParseUint(ref, 0, 64); err == nil {
		if t, ok := h.k.Thread(addr); ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoThread, ref)
}

func (r SyscallRequest) args() (kernel.SyscallArgs, error) {
	args := kernel.SyscallArgs{
		Cap:       r.Cap,
		Label:     r.Label,
		MRs:       r.MRs,
		ExtraCaps: r.ExtraCaps,
		Text:      r.Text,
	}
	if w := r.Receive; w != nil {
		args.Receive = &abi.CapTransfer{ReceiveRoot: w.Root, ReceiveIndex: w.Index, ReceiveDepth: w.Depth}
	}
	switch {
	case r.Invoke != "" && r.Syscall != "":
		return args, fmt.Errorf("%w: syscall and invoke are exclusive", ErrBadRequest)
	case r.Invoke != "":
		label, err := abi.ParseLabel(r.Invoke)
		if err != nil {
			return args, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		args.Sys, args.Label = abi.SysCall, abi.Word(label)
	default:
		sys, err := abi.ParseSyscall(r.Syscall)
		if err != nil {
			return args, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		args.Sys = sys
	}
	return args, nil
}

func replyOf(k *kernel.Kernel, t *kernel.Thread, msg kernel.Message) Reply {
	mrs := msg.MRs
	if mrs == nil {
		mrs = []abi.Word{}
	}
	return Reply{
		Thread:        t.Name,
		State:         t.State.Kind.String(),
		Current:       k.Current().Name,
		Label:         msg.Label,
		Error:         abi.ErrorCode(msg.Label).String(),
		Badge:         msg.Badge,
		ExtraCaps:     msg.ExtraCaps,
		CapsUnwrapped: msg.CapsUnwrapped,
		MRs:           mrs,
	}
}
