package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/boot"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/server"
	"github.com/GriffinCanCode/capkernel/internal/service"
	"github.com/GriffinCanCode/capkernel/internal/snapshot"
)

type serveCmd struct {
	manifest string
}

func init() {
	subcommandList = append(subcommandList, &serveCmd{})
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "Boot a kernel and serve it over HTTP and gRPC." }
func (*serveCmd) Usage() string {
	return "capkernel serve [-manifest boot.yaml]\n\nConfiguration is read from the environment; see PORT, GRPC_ADDR and KERNEL_*.\n"
}

func (cmd *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.manifest, "manifest", "", "boot manifest, overriding KERNEL_BOOT_MANIFEST")
}

func (cmd *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := config.Load()
	if err != nil {
		return failf("config: %v", err)
	}
	log, err := newLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return failf("logger: %v", err)
	}
	defer log.Sync()

	kcfg, err := cfg.Kernel.Options()
	if err != nil {
		return failf("kernel config: %v", err)
	}
	if cmd.manifest != "" {
		cfg.Kernel.BootManifest = cmd.manifest
	}
	man := boot.Default()
	if cfg.Kernel.BootManifest != "" {
		if man, err = boot.Load(cfg.Kernel.BootManifest); err != nil {
			return failf("%v", err)
		}
	}
	store, err := snapshot.NewStore(cfg.Kernel.SnapshotDir)
	if err != nil {
		return failf("%v", err)
	}

	metrics := monitoring.NewMetrics()
	host, err := service.New(kcfg, man, service.Options{
		Logger:   log.Named("kernel"),
		Recorder: metrics,
		Store:    store,
	})
	if err != nil {
		return failf("boot: %v", err)
	}
	log.Info("Serving kernel",
		zap.String("instance", host.ID().String()),
		zap.String("http", cfg.Server.Addr()),
		zap.Bool("grpc", cfg.GRPC.Enabled),
	)
	if err := server.NewServer(cfg, host, metrics, log).Run(ctx); err != nil {
		return failf("serve: %v", err)
	}
	return subcommands.ExitSuccess
}
