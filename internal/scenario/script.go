package scenario

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/boot"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

// DefaultScriptTimeout bounds a script that never returns.
const DefaultScriptTimeout = 10 * time.Second

var errAlreadyBooted = errors.New("kernel already booted")

// script is the state behind the JavaScript bindings of one run.
type script struct {
	r   *Runner
	vm  *goja.Runtime
	log *zap.Logger
	s   *session
	res *Result
}

// RunScript runs the JavaScript scenario at name. The script sees a global
// kernel object plus assert, equal and console.log; a failed assert is
// recorded and the script carries on, a thrown exception ends it.
func (r *Runner) RunScript(ctx context.Context, name string) Result {
	res := Result{Name: name, Path: name}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	src, err := fs.ReadFile(r.FS, name)
	if err != nil {
		res.Err = err
		return res
	}

	sc := &script{r: r, vm: goja.New(), log: r.Log.With(zap.String("scenario", name)), res: &res}
	if err := sc.bind(); err != nil {
		res.Err = err
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultScriptTimeout)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sc.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	if _, err := sc.vm.RunScript(name, string(src)); err != nil {
		res.Err = err
	}
	return res
}

func (sc *script) bind() error {
	k := sc.vm.NewObject()
	bindings := map[string]func(goja.FunctionCall) goja.Value{
		"boot":    sc.boot,
		"syscall": sc.syscall,
		"invoke":  sc.invoke,
		"tick":    sc.tick,
		"irq":     sc.irq,
		"current": sc.current,
		"thread":  sc.thread,
		"state":   sc.state,
		"console": sc.console,
	}
	for name, fn := range bindings {
		if err := k.Set(name, fn); err != nil {
			return err
		}
	}

	console := sc.vm.NewObject()
	if err := console.Set("log", sc.consoleLog); err != nil {
		return err
	}
	for name, v := range map[string]any{
		"kernel":  k,
		"console": console,
		"assert":  sc.assert,
		"equal":   sc.equal,
	} {
		if err := sc.vm.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (sc *script) throw(err error) {
	panic(sc.vm.NewGoError(err))
}

// session returns the booted kernel, booting the default manifest when the
// script did not call kernel.boot first.
func (sc *script) session() *session {
	if sc.s == nil {
		sc.start(boot.Default(), nil)
	}
	return sc.s
}

func (sc *script) start(man boot.Manifest, over *ConfigOverride) {
	s, err := newSession(over.Apply(sc.r.Config), sc.log, sc.r.Recorder, man)
	if err != nil {
		sc.throw(fmt.Errorf("boot: %w", err))
	}
	sc.s = s
}

// kernel.boot(manifest?, config?)
func (sc *script) boot(call goja.FunctionCall) goja.Value {
	if sc.s != nil {
		sc.throw(errAlreadyBooted)
	}
	man := boot.Default()
	if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		raw, err := sonic.ConfigStd.Marshal(arg.Export())
		if err != nil {
			sc.throw(err)
		}
		// JSON is YAML.
		if man, err = boot.Parse(raw, boot.FormatYAML); err != nil {
			sc.throw(err)
		}
	}
	var over *ConfigOverride
	if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		over = &ConfigOverride{}
		if err := decodeInto(arg, over); err != nil {
			sc.throw(err)
		}
	}
	sc.start(man, over)
	return goja.Undefined()
}

// jsArgs are the optional syscall arguments a script passes as an object.
type jsArgs struct {
	Cap       abi.CPtr   `yaml:"cap"`
	Label     abi.Word   `yaml:"label"`
	MRs       []abi.Word `yaml:"mrs"`
	ExtraCaps []abi.CPtr `yaml:"extraCaps"`
	Receive   *Window    `yaml:"receive"`
	Text      string     `yaml:"text"`
}

// kernel.syscall(thread, name, {cap, label, mrs, extraCaps, receive, text})
func (sc *script) syscall(call goja.FunctionCall) goja.Value {
	s := sc.session()
	t, err := s.thread(call.Argument(0).String())
	if err != nil {
		sc.throw(err)
	}
	sys, err := abi.ParseSyscall(call.Argument(1).String())
	if err != nil {
		sc.throw(err)
	}
	var a jsArgs
	if arg := call.Argument(2); !goja.IsUndefined(arg) {
		if err := decodeInto(arg, &a); err != nil {
			sc.throw(err)
		}
	}
	args := kernel.SyscallArgs{Sys: sys, Cap: a.Cap, Label: a.Label, MRs: a.MRs, ExtraCaps: a.ExtraCaps, Text: a.Text}
	if a.Receive != nil {
		args.Receive = &abi.CapTransfer{ReceiveRoot: a.Receive.Root, ReceiveIndex: a.Receive.Index, ReceiveDepth: a.Receive.Depth}
	}
	msg, err := s.syscall(t, args)
	if err != nil {
		sc.throw(err)
	}
	return sc.message(msg)
}

// kernel.invoke(thread, cap, label, mrs?, extraCaps?) returns the reply's
// error name.
func (sc *script) invoke(call goja.FunctionCall) goja.Value {
	s := sc.session()
	t, err := s.thread(call.Argument(0).String())
	if err != nil {
		sc.throw(err)
	}
	label, err := abi.ParseLabel(call.Argument(2).String())
	if err != nil {
		sc.throw(err)
	}
	var mrs []abi.Word
	var extra []abi.CPtr
	if err := decodeInto(call.Argument(3), &mrs); err != nil {
		sc.throw(err)
	}
	if err := decodeInto(call.Argument(4), &extra); err != nil {
		sc.throw(err)
	}
	msg, err := s.syscall(t, kernel.SyscallArgs{
		Sys: abi.SysCall, Cap: abi.CPtr(call.Argument(1).ToInteger()), Label: abi.Word(label), MRs: mrs, ExtraCaps: extra,
	})
	if err != nil {
		sc.throw(err)
	}
	return sc.vm.ToValue(abi.ErrorCode(msg.Label).String())
}

// kernel.tick(n = 1)
func (sc *script) tick(call goja.FunctionCall) goja.Value {
	n := 1
	if arg := call.Argument(0); !goja.IsUndefined(arg) {
		n = int(arg.ToInteger())
	}
	if err := sc.session().tick(n); err != nil {
		sc.throw(err)
	}
	return goja.Undefined()
}

// kernel.irq(line)
func (sc *script) irq(call goja.FunctionCall) goja.Value {
	if err := sc.session().irq(abi.Word(call.Argument(0).ToInteger())); err != nil {
		sc.throw(err)
	}
	return goja.Undefined()
}

func (sc *script) current(goja.FunctionCall) goja.Value {
	var name string
	_ = sc.session().m.Do(func(k *kernel.Kernel) error {
		name = k.Current().Name
		return nil
	})
	return sc.vm.ToValue(name)
}

func (sc *script) console(goja.FunctionCall) goja.Value {
	var out string
	_ = sc.session().m.Do(func(k *kernel.Kernel) error {
		out = k.Console()
		return nil
	})
	return sc.vm.ToValue(out)
}

// kernel.state() returns the kernel snapshot as a plain object.
func (sc *script) state(goja.FunctionCall) goja.Value {
	st, err := sc.session().m.State()
	if err != nil {
		sc.throw(err)
	}
	return sc.plain(st)
}

// kernel.thread(name) returns one thread of the snapshot.
func (sc *script) thread(call goja.FunctionCall) goja.Value {
	s := sc.session()
	t, err := s.thread(call.Argument(0).String())
	if err != nil {
		sc.throw(err)
	}
	st, err := s.m.State()
	if err != nil {
		sc.throw(err)
	}
	for _, ti := range st.Threads {
		if ti.Addr == t.Addr {
			return sc.plain(ti)
		}
	}
	return goja.Null()
}

func (sc *script) message(m kernel.Message) goja.Value {
	mrs := make([]any, len(m.MRs))
	for i, w := range m.MRs {
		mrs[i] = int64(w)
	}
	return sc.vm.ToValue(map[string]any{
		"label":         int64(m.Label),
		"error":         abi.ErrorCode(m.Label).String(),
		"badge":         int64(m.Badge),
		"extraCaps":     int64(m.ExtraCaps),
		"capsUnwrapped": int64(m.CapsUnwrapped),
		"mrs":           mrs,
	})
}

// plain converts v to a JavaScript object through its JSON form.
func (sc *script) plain(v any) goja.Value {
	raw, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		sc.throw(err)
	}
	var out any
	if err := sonic.ConfigStd.Unmarshal(raw, &out); err != nil {
		sc.throw(err)
	}
	return sc.vm.ToValue(out)
}

func (sc *script) assert(call goja.FunctionCall) goja.Value {
	if !call.Argument(0).ToBoolean() {
		sc.res.failf("assert: %s", describeArg(call.Argument(1)))
	}
	return goja.Undefined()
}

// equal compares two values through their JSON form.
func (sc *script) equal(call goja.FunctionCall) goja.Value {
	got, err := sonic.ConfigStd.Marshal(call.Argument(0).Export())
	if err != nil {
		sc.throw(err)
	}
	want, err := sonic.ConfigStd.Marshal(call.Argument(1).Export())
	if err != nil {
		sc.throw(err)
	}
	if string(got) != string(want) {
		sc.res.failf("equal: %s: got %s, want %s", describeArg(call.Argument(2)), got, want)
	}
	return goja.Undefined()
}

func (sc *script) consoleLog(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, a := range call.Arguments {
		parts[i] = a.String()
	}
	sc.log.Info(strings.Join(parts, " "))
	return goja.Undefined()
}

func describeArg(v goja.Value) string {
	if goja.IsUndefined(v) {
		return "failed"
	}
	return v.String()
}

// decodeInto fills out from a JavaScript value through its JSON form, so
// field names follow the yaml tags.
func decodeInto(v goja.Value, out any) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	raw, err := sonic.ConfigStd.Marshal(v.Export())
	if err != nil {
		return err
	}
	return yaml.UnmarshalWithOptions(raw, out, yaml.DisallowUnknownField())
}
