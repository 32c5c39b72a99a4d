package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/google/subcommands"

	"github.com/GriffinCanCode/capkernel/internal/snapshot"
)

type snapshotCmd struct {
	dir   string
	state bool
}

func init() {
	subcommandList = append(subcommandList, &snapshotCmd{})
}

func (*snapshotCmd) Name() string     { return "snapshot" }
func (*snapshotCmd) Synopsis() string { return "List and print stored kernel snapshots." }
func (*snapshotCmd) Usage() string {
	return `capkernel snapshot [-dir snapshots] list [glob]
capkernel snapshot [-dir snapshots] show <path>
capkernel snapshot [-dir snapshots] latest <instance>
`
}

func (cmd *snapshotCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.dir, "dir", "snapshots", "snapshot directory")
	f.BoolVar(&cmd.state, "state", false, "print only the kernel state of a snapshot")
}

func (cmd *snapshotCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	store, err := snapshot.NewStore(cmd.dir)
	if err != nil {
		return failf("%v", err)
	}

	switch verb, args := f.Arg(0), f.Args()[1:]; verb {
	case "list":
		pattern := "**/*"
		if len(args) > 0 {
			pattern = args[0]
		}
		paths, err := store.List(pattern)
		if err != nil {
			return failf("%v", err)
		}
		for _, p := range paths {
			fmt.Println(p)
		}
	case "show", "latest":
		if len(args) != 1 {
			f.Usage()
			return subcommands.ExitUsageError
		}
		path := args[0]
		if verb == "latest" {
			if path, err = store.Latest(args[0]); err != nil {
				return failf("%v", err)
			}
		}
		s, err := store.Open(path)
		if err != nil {
			return failf("%v", err)
		}
		var v any = s
		if cmd.state {
			v = s.State
		}
		if err := printJSON(v); err != nil {
			return failf("%v", err)
		}
	default:
		return failf("unknown snapshot command %q", verb)
	}
	return subcommands.ExitSuccess
}

func printJSON(v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}
