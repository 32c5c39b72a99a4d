// Package boot loads boot manifests and builds the initial system they
// describe: the root CSpace, objects retyped from its untyped memory and
// the initial threads.
package boot

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

// Format is a manifest encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ErrUnknownFormat is returned for a manifest path with an unrecognised
// extension.
var ErrUnknownFormat = errors.New("boot: unknown manifest format")

// Manifest describes a system to boot.
type Manifest struct {
	Kernel  kernel.BootSpec `yaml:"kernel" toml:"kernel"`
	Objects []Object        `yaml:"objects" toml:"objects"`
	Threads []Thread        `yaml:"threads" toml:"threads"`
}

// Object is a retype of the root thread's untyped memory into root CNode
// slots [Slot, Slot+Count).
type Object struct {
	Type     string   `yaml:"type" toml:"type"`
	SizeBits abi.Word `yaml:"size_bits" toml:"size_bits"`
	Slot     abi.CPtr `yaml:"slot" toml:"slot"`
	Count    abi.Word `yaml:"count" toml:"count"`
	// Untyped indexes the manifest's untyped regions.
	Untyped int `yaml:"untyped" toml:"untyped"`
}

// Thread is an initial thread sharing the root thread's CSpace and VSpace.
type Thread struct {
	Name         string   `yaml:"name" toml:"name"`
	TCB          abi.CPtr `yaml:"tcb" toml:"tcb"`
	Buffer       abi.CPtr `yaml:"buffer" toml:"buffer"`
	BufferAddr   abi.Word `yaml:"buffer_addr" toml:"buffer_addr"`
	Priority     abi.Word `yaml:"priority" toml:"priority"`
	MCP          abi.Word `yaml:"mcp" toml:"mcp"`
	Domain       *int     `yaml:"domain" toml:"domain"`
	FaultHandler abi.CPtr `yaml:"fault_handler" toml:"fault_handler"`
	// Suspended leaves the thread Inactive.
	Suspended bool `yaml:"suspended" toml:"suspended"`
}

// Default returns the manifest of a bare root server.
func Default() Manifest {
	return Manifest{Kernel: kernel.DefaultBootSpec()}
}

// Load reads a manifest, choosing the decoder by file extension.
func Load(path string) (Manifest, error) {
	f, err := FormatOf(path)
	if err != nil {
		return Manifest{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("boot: %w", err)
	}
	m, err := Parse(data, f)
	if err != nil {
		return Manifest{}, fmt.Errorf("boot: %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest. Kernel fields left out take the default boot
// spec's values.
func Parse(data []byte, f Format) (Manifest, error) {
	var m Manifest
	switch f {
	case FormatYAML:
		if err := yaml.UnmarshalWithOptions(data, &m, yaml.DisallowUnknownField()); err != nil {
			return Manifest{}, err
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return Manifest{}, err
		}
	default:
		return Manifest{}, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
	m = m.WithDefaults()
	return m, m.Validate()
}

// FormatOf returns the format a manifest path is written in.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// WithDefaults fills kernel fields left out with the default boot spec's
// values.
func (m Manifest) WithDefaults() Manifest {
	m.Kernel = withDefaults(m.Kernel)
	return m
}

func withDefaults(s kernel.BootSpec) kernel.BootSpec {
	def := kernel.DefaultBootSpec()
	if s.RootName == "" {
		s.RootName = def.RootName
	}
	if s.RootCNodeBits == 0 {
		s.RootCNodeBits = def.RootCNodeBits
	}
	if s.KernelBase == 0 {
		s.KernelBase = def.KernelBase
	}
	if s.IPCBufferAddr == 0 {
		s.IPCBufferAddr = def.IPCBufferAddr
	}
	if len(s.Untypeds) == 0 {
		s.Untypeds = def.Untypeds
	}
	return s
}

// Validate checks the manifest without booting it.
func (m Manifest) Validate() error {
	if err := m.Kernel.Validate(); err != nil {
		return err
	}
	names := map[string]bool{}
	for i, o := range m.Objects {
		if _, err := abi.ParseObjectType(o.Type); err != nil {
			return fmt.Errorf("object %d: %w", i, err)
		}
		if o.Count == 0 {
			return fmt.Errorf("object %d: zero count", i)
		}
		if o.Untyped < 0 || o.Untyped >= len(m.Kernel.Untypeds) {
			return fmt.Errorf("object %d: untyped %d out of range", i, o.Untyped)
		}
	}
	for i, t := range m.Threads {
		if t.Name == "" {
			return fmt.Errorf("thread %d: no name", i)
		}
		if names[t.Name] {
			return fmt.Errorf("thread %d: duplicate name %q", i, t.Name)
		}
		names[t.Name] = true
		if t.Priority > abi.MaxPrio || t.MCP > abi.MaxPrio {
			return fmt.Errorf("thread %q: priority above %d", t.Name, abi.MaxPrio)
		}
		if t.TCB < kernel.SlotFirstFree || t.Buffer < kernel.SlotFirstFree || t.TCB == t.Buffer {
			return fmt.Errorf("thread %q: tcb and buffer need distinct free slots", t.Name)
		}
	}
	return nil
}
