// Command capkernel boots a capability kernel and serves it over HTTP and
// gRPC, runs kernel scenarios, inspects stored snapshots and drives a
// running server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"github.com/GriffinCanCode/capkernel/internal/logging"
)

var (
	logLevel       string
	devLogs        bool
	subcommandList []subcommands.Command
)

func init() {
	flag.StringVar(&logLevel, "level", "", "log level: debug, info, warn or error (default from LOG_LEVEL)")
	flag.BoolVar(&devLogs, "dev", false, "log to the console in development format")

	subcommandList = append(subcommandList,
		subcommands.HelpCommand(),
		subcommands.FlagsCommand(),
		subcommands.CommandsCommand(),
	)
}

func main() {
	for _, cmd := range subcommandList {
		subcommands.Register(cmd, "")
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(int(subcommands.Execute(ctx)))
}

// newLogger builds the logger from the global flags, falling back to the
// environment's level.
func newLogger(envLevel string, envDev bool) (*logging.Logger, error) {
	cfg := logging.DefaultConfig()
	if envDev || devLogs {
		cfg = logging.DevelopmentConfig()
	}
	if envLevel != "" {
		cfg.Level = envLevel
	}
	if logLevel != "" {
		cfg.Level = logLevel
	}
	return logging.New(cfg)
}

// failf reports a command failure and returns its exit status.
func failf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "capkernel: "+format+"\n", args...)
	return subcommands.ExitFailure
}
