package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/GriffinCanCode/capkernel/internal/ctl"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/service"
)

type ctlCmd struct {
	addr    string
	timeout time.Duration
	retries int

	invoke string
	cap    uint64
	label  uint64
	mrs    string
	extra  string
	text   string
}

func init() {
	subcommandList = append(subcommandList, &ctlCmd{})
}

func (*ctlCmd) Name() string     { return "ctl" }
func (*ctlCmd) Synopsis() string { return "Drive a running kernel server." }
func (*ctlCmd) Usage() string {
	return `capkernel ctl [flags] state
capkernel ctl [flags] thread <ref>
capkernel ctl [flags] syscall <thread> <syscall> [-invoke Label] [-cap n] [-mrs 1,2,3] [-extra 4,5]
capkernel ctl [flags] tick [n]
capkernel ctl [flags] irq <n>
capkernel ctl [flags] snapshot [reason]

Syscall flags go before the verb. A thread is "root", a manifest name or an address.
`
}

func (cmd *ctlCmd) SetFlags(f *flag.FlagSet) {
	def := ctl.DefaultConfig()
	f.StringVar(&cmd.addr, "addr", def.BaseURL, "server base URL")
	f.DurationVar(&cmd.timeout, "timeout", def.Timeout, "per request timeout")
	f.IntVar(&cmd.retries, "retries", def.RetryMax, "retries on connection errors and 429s")

	f.StringVar(&cmd.invoke, "invoke", "", "invocation label name, e.g. CNodeCopy")
	f.Uint64Var(&cmd.cap, "cap", 0, "invoked cap pointer")
	f.Uint64Var(&cmd.label, "label", 0, "raw message label")
	f.StringVar(&cmd.mrs, "mrs", "", "comma separated message registers")
	f.StringVar(&cmd.extra, "extra", "", "comma separated extra cap pointers")
	f.StringVar(&cmd.text, "text", "", "text for DebugPutString")
}

func (cmd *ctlCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg := ctl.DefaultConfig()
	cfg.BaseURL = cmd.addr
	cfg.Timeout = cmd.timeout
	cfg.RetryMax = cmd.retries
	client := ctl.New(cfg)

	out, err := cmd.run(ctx, client, f.Arg(0), f.Args()[1:])
	if errors.Is(err, errUsage) {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err != nil {
		return failf("%v", err)
	}
	if err := printJSON(out); err != nil {
		return failf("%v", err)
	}
	return subcommands.ExitSuccess
}

var errUsage = errors.New("usage")

func (cmd *ctlCmd) run(ctx context.Context, c *ctl.Client, verb string, args []string) (any, error) {
	arg := func(i int, def string) string {
		if i < len(args) {
			return args[i]
		}
		return def
	}
	switch verb {
	case "state":
		return c.State(ctx)
	case "thread":
		if len(args) != 1 {
			return nil, errUsage
		}
		return c.Thread(ctx, args[0])
	case "syscall":
		if len(args) != 2 {
			return nil, errUsage
		}
		req, err := cmd.request(args[0], args[1])
		if err != nil {
			return nil, err
		}
		return c.Syscall(ctx, req)
	case "tick":
		n, err := strconv.Atoi(arg(0, "1"))
		if err != nil {
			return nil, fmt.Errorf("tick count: %w", err)
		}
		cur, err := c.Tick(ctx, n)
		return map[string]string{"current": cur}, err
	case "irq":
		if len(args) != 1 {
			return nil, errUsage
		}
		irq, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("irq: %w", err)
		}
		cur, err := c.RaiseIRQ(ctx, irq)
		return map[string]string{"current": cur}, err
	case "snapshot":
		path, err := c.Snapshot(ctx, arg(0, "ctl"))
		return map[string]string{"path": path}, err
	}
	return nil, fmt.Errorf("unknown ctl command %q", verb)
}

func (cmd *ctlCmd) request(thread, sys string) (service.SyscallRequest, error) {
	if _, err := abi.ParseSyscall(sys); err != nil {
		return service.SyscallRequest{}, err
	}
	if cmd.invoke != "" {
		if _, err := abi.ParseLabel(cmd.invoke); err != nil {
			return service.SyscallRequest{}, err
		}
	}
	mrs, err := words(cmd.mrs)
	if err != nil {
		return service.SyscallRequest{}, fmt.Errorf("mrs: %w", err)
	}
	extra, err := words(cmd.extra)
	if err != nil {
		return service.SyscallRequest{}, fmt.Errorf("extra: %w", err)
	}
	req := service.SyscallRequest{
		Thread:  thread,
		Syscall: sys,
		Invoke:  cmd.invoke,
		Cap:     abi.CPtr(cmd.cap),
		Label:   abi.Word(cmd.label),
		MRs:     mrs,
		Text:    cmd.text,
	}
	for _, w := range extra {
		req.ExtraCaps = append(req.ExtraCaps, abi.CPtr(w))
	}
	return req, nil
}

// words parses a comma separated list of numbers in any Go base prefix.
func words(s string) ([]abi.Word, error) {
	if s == "" {
		return nil, nil
	}
	var out []abi.Word
	for _, field := range strings.Split(s, ",") {
		w, err := strconv.ParseUint(strings.TrimSpace(field), 0, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, abi.Word(w))
	}
	return out, nil
}
