// Package config loads service and kernel configuration from the
// environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

// Config holds all configuration.
type Config struct {
	Server    ServerConfig
	GRPC      GRPCConfig
	Kernel    KernelConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	// MetricsPeers are base URLs of other instances whose metrics are
	// folded into /metrics/json.
	MetricsPeers []string `envconfig:"METRICS_PEERS"`
}

// GRPCConfig holds the gRPC listener address and client timeouts.
type GRPCConfig struct {
	Address string        `envconfig:"GRPC_ADDR" default:"localhost:50051"`
	Enabled bool          `envconfig:"GRPC_ENABLED" default:"true"`
	Timeout time.Duration `envconfig:"GRPC_TIMEOUT" default:"5s"`
}

// KernelConfig holds the kernel build parameters.
type KernelConfig struct {
	NumDomains     int            `envconfig:"KERNEL_NUM_DOMAINS" default:"1"`
	DomainSchedule DomainSchedule `envconfig:"KERNEL_DOMAIN_SCHEDULE" default:"0:1"`
	TimeSlice      uint64         `envconfig:"KERNEL_TIME_SLICE" default:"5"`
	WorkUnits      int            `envconfig:"KERNEL_WORK_UNITS" default:"100"`
	Fastpath       bool           `envconfig:"KERNEL_FASTPATH" default:"true"`
	Debug          bool           `envconfig:"KERNEL_DEBUG" default:"true"`
	TimerIRQ       uint64         `envconfig:"KERNEL_TIMER_IRQ" default:"0"`
	// BootManifest is a YAML or TOML manifest. Empty boots the default
	// root CSpace.
	BootManifest string `envconfig:"KERNEL_BOOT_MANIFEST"`
	SnapshotDir  string `envconfig:"KERNEL_SNAPSHOT_DIR" default:"snapshots"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// DomainSchedule is a domain schedule written as "domain:length" pairs
// separated by commas.
type DomainSchedule []kernel.DomainSlot

// Decode implements envconfig.Decoder.
func (d *DomainSchedule) Decode(value string) error {
	var out DomainSchedule
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		dom, length, ok := strings.Cut(entry, ":")
		if !ok {
			return fmt.Errorf("domain schedule entry %q: want domain:length", entry)
		}
		di, err := strconv.Atoi(dom)
		if err != nil {
			return fmt.Errorf("domain schedule entry %q: %w", entry, err)
		}
		li, err := strconv.ParseUint(length, 10, 64)
		if err != nil {
			return fmt.Errorf("domain schedule entry %q: %w", entry, err)
		}
		out = append(out, kernel.DomainSlot{Domain: di, Length: abi.Word(li)})
	}
	*d = out
	return nil
}

func (d DomainSchedule) String() string {
	parts := make([]string, len(d))
	for i, s := range d {
		parts[i] = fmt.Sprintf("%d:%d", s.Domain, s.Length)
	}
	return strings.Join(parts, ",")
}

// Options converts the kernel section into a validated kernel.Config.
func (k KernelConfig) Options() (kernel.Config, error) {
	cfg := kernel.Config{
		NumDomains:             k.NumDomains,
		DomainSchedule:         append([]kernel.DomainSlot(nil), k.DomainSchedule...),
		TimeSlice:              abi.Word(k.TimeSlice),
		WorkUnitsPerPreemption: k.WorkUnits,
		Fastpath:               k.Fastpath,
		Debug:                  k.Debug,
		TimerIRQ:               abi.Word(k.TimerIRQ),
	}
	if err := cfg.Validate(); err != nil {
		return kernel.Config{}, fmt.Errorf("kernel config: %w", err)
	}
	return cfg, nil
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := cfg.Kernel.Options(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	def := kernel.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
		},
		GRPC: GRPCConfig{
			Address: "localhost:50051",
			Enabled: true,
			Timeout: 5 * time.Second,
		},
		Kernel: KernelConfig{
			NumDomains:     def.NumDomains,
			DomainSchedule: DomainSchedule(def.DomainSchedule),
			TimeSlice:      uint64(def.TimeSlice),
			WorkUnits:      def.WorkUnitsPerPreemption,
			Fastpath:       def.Fastpath,
			Debug:          def.Debug,
			TimerIRQ:       uint64(def.TimerIRQ),
			SnapshotDir:    "snapshots",
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Addr is the HTTP listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
