package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/google/subcommands"

	"github.com/GriffinCanCode/capkernel/internal/scenario"
)

type runCmd struct {
	dir      string
	parallel int
	verbose  bool
}

func init() {
	subcommandList = append(subcommandList, &runCmd{})
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "Run kernel scenarios and report which passed." }
func (*runCmd) Usage() string {
	return "capkernel run [-dir scenarios] [pattern]\n\nThe pattern is a doublestar glob relative to -dir, " + scenario.DefaultPattern + " by default.\n"
}

func (cmd *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.dir, "dir", ".", "directory holding the scenarios")
	f.IntVar(&cmd.parallel, "parallel", runtime.GOMAXPROCS(0), "scenarios run at once")
	f.BoolVar(&cmd.verbose, "v", false, "list passing scenarios too")
}

func (cmd *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	log, err := newLogger(os.Getenv("LOG_LEVEL"), false)
	if err != nil {
		return failf("logger: %v", err)
	}
	defer log.Sync()

	runner := scenario.NewRunner(os.DirFS(cmd.dir), log.Named("scenario"))
	results, err := runner.RunAll(ctx, f.Arg(0), cmd.parallel)
	if err != nil {
		return failf("%v", err)
	}
	if len(results) == 0 {
		return failf("no scenarios matched")
	}

	failed := 0
	for _, res := range results {
		if res.Passed() {
			if cmd.verbose {
				fmt.Printf("ok    %s (%s, %d steps)\n", res.Path, res.Duration, res.Steps)
			}
			continue
		}
		failed++
		fmt.Printf("FAIL  %s\n", res.Path)
		if res.Err != nil {
			fmt.Printf("      %v\n", res.Err)
		}
		for _, msg := range res.Failures {
			fmt.Printf("      %s\n", msg)
		}
	}
	fmt.Printf("%d scenarios, %d failed\n", len(results), failed)
	if failed > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
