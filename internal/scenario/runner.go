package scenario

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/boot"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

// Runner runs scenarios from a file system.
type Runner struct {
	FS       fs.FS
	Config   kernel.Config
	Log      *zap.Logger
	Recorder kernel.Recorder
}

// NewRunner returns a runner over fsys with the default kernel config.
func NewRunner(fsys fs.FS, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{FS: fsys, Config: kernel.DefaultConfig(), Log: log}
}

// RunFile runs the YAML scenario at name.
func (r *Runner) RunFile(ctx context.Context, name string) Result {
	res := Result{Name: name, Path: name}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	data, err := fs.ReadFile(r.FS, name)
	if err != nil {
		res.Err = err
		return res
	}
	sc, err := Parse(data)
	if err != nil {
		res.Err = err
		return res
	}
	if sc.Name != "" {
		res.Name = sc.Name
	}
	man, err := r.manifest(sc, path.Dir(name))
	if err != nil {
		res.Err = err
		return res
	}
	r.run(ctx, sc, man, &res)
	return res
}

func (r *Runner) manifest(sc *Scenario, dir string) (boot.Manifest, error) {
	switch {
	case sc.Boot != nil:
		m := sc.Boot.WithDefaults()
		return m, m.Validate()
	case sc.Manifest != "":
		p := path.Join(dir, sc.Manifest)
		f, err := boot.FormatOf(p)
		if err != nil {
			return boot.Manifest{}, err
		}
		data, err := fs.ReadFile(r.FS, p)
		if err != nil {
			return boot.Manifest{}, err
		}
		return boot.Parse(data, f)
	}
	return boot.Default(), nil
}

func (r *Runner) run(ctx context.Context, sc *Scenario, man boot.Manifest, res *Result) {
	log := r.Log.With(zap.String("scenario", res.Name))
	s, err := newSession(sc.Config.Apply(r.Config), log, r.Recorder, man)
	if err != nil {
		res.Err = fmt.Errorf("boot: %w", err)
		return
	}

	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return
		}
		res.Steps++
		where := st.describe(i)
		msg, t, err := r.step(s, st)
		if err != nil {
			res.Err = fmt.Errorf("%s: %w", where, err)
			return
		}
		if st.Expect != nil {
			r.check(s, st.Expect, where, t, msg, res)
		}
	}
	if sc.Expect != nil {
		r.check(s, sc.Expect, "end", nil, kernel.Message{}, res)
	}
	log.Debug("Scenario finished", zap.Int("steps", res.Steps), zap.Int("failures", len(res.Failures)))
}

func (r *Runner) step(s *session, st Step) (kernel.Message, *kernel.Thread, error) {
	switch {
	case st.Tick > 0:
		return kernel.Message{}, nil, s.tick(st.Tick)
	case st.IRQ != nil:
		return kernel.Message{}, nil, s.irq(*st.IRQ)
	}

	t, err := s.thread(st.Thread)
	if err != nil {
		return kernel.Message{}, nil, err
	}
	args := kernel.SyscallArgs{
		Cap:       st.Cap,
		Label:     st.Label,
		MRs:       st.MRs,
		ExtraCaps: st.ExtraCaps,
		Text:      st.Text,
	}
	if st.Receive != nil {
		args.Receive = &abi.CapTransfer{ReceiveRoot: st.Receive.Root, ReceiveIndex: st.Receive.Index, ReceiveDepth: st.Receive.Depth}
	}
	if st.Invoke != "" {
		label, _ := abi.ParseLabel(st.Invoke)
		args.Sys, args.Label = abi.SysCall, abi.Word(label)
	} else {
		args.Sys, _ = abi.ParseSyscall(st.Syscall)
	}
	msg, err := s.syscall(t, args)
	return msg, t, err
}

func (r *Runner) check(s *session, e *Expect, where string, t *kernel.Thread, msg kernel.Message, res *Result) {
	_ = s.m.Do(func(k *kernel.Kernel) error {
		if e.Current != "" && k.Current().Name != e.Current {
			res.failf("%s: current thread is %q, want %q", where, k.Current().Name, e.Current)
		}
		if e.Console != nil && k.Console() != *e.Console {
			res.failf("%s: console is %q, want %q", where, k.Console(), *e.Console)
		}
		if e.Domain != nil && k.CurrentDomain() != *e.Domain {
			res.failf("%s: domain is %d, want %d", where, k.CurrentDomain(), *e.Domain)
		}
		for _, name := range sortedKeys(e.States) {
			th, err := s.thread(name)
			if err != nil {
				res.failf("%s: %v", where, err)
				continue
			}
			if got := th.State.Kind.String(); got != e.States[name] {
				res.failf("%s: %s is %s, want %s", where, name, got, e.States[name])
			}
		}
		for _, name := range sortedKeys(e.Queued) {
			th, err := s.thread(name)
			if err != nil {
				res.failf("%s: %v", where, err)
				continue
			}
			if th.Queued() != e.Queued[name] {
				res.failf("%s: %s queued is %t, want %t", where, name, th.Queued(), e.Queued[name])
			}
		}
		if e.Thread != "" {
			th, err := s.thread(e.Thread)
			if err != nil {
				res.failf("%s: %v", where, err)
				return nil
			}
			t, msg = th, k.ReadMessage(th)
		}
		return nil
	})

	if t == nil {
		if e.Error != "" || e.Label != nil || e.Badge != nil || e.MRs != nil {
			res.failf("%s: reply expectations need a thread", where)
		}
		return
	}
	if e.Error != "" {
		if got := abi.ErrorCode(msg.Label).String(); got != e.Error {
			res.failf("%s: reply error is %s, want %s", where, got, e.Error)
		}
	}
	if e.Label != nil && msg.Label != *e.Label {
		res.failf("%s: reply label is %d, want %d", where, msg.Label, *e.Label)
	}
	if e.Badge != nil && msg.Badge != *e.Badge {
		res.failf("%s: badge is %#x, want %#x", where, msg.Badge, *e.Badge)
	}
	if e.MRs != nil && !slices.Equal(msg.MRs, e.MRs) {
		res.failf("%s: message is %v, want %v", where, msg.MRs, e.MRs)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
