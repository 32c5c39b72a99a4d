// Package scenario runs scripted workloads against a fresh kernel and
// checks what user level observes.
//
// A scenario is either a YAML file listing steps with expectations, or a
// JavaScript file driving a kernel binding. Both boot from a manifest and
// check the ready queues and derivation tree after every step.
package scenario

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/GriffinCanCode/capkernel/internal/boot"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

// ErrBadScenario is wrapped by every error about a scenario file itself,
// as opposed to a failed expectation.
var ErrBadScenario = errors.New("scenario: invalid")

// Scenario is a YAML scenario.
type Scenario struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Config      *ConfigOverride `yaml:"config"`
	// Manifest is a boot manifest path relative to the scenario file.
	Manifest string         `yaml:"manifest"`
	Boot     *boot.Manifest `yaml:"boot"`
	Steps    []Step         `yaml:"steps"`
	Expect   *Expect        `yaml:"expect"`
}

// ConfigOverride changes kernel parameters for one scenario.
type ConfigOverride struct {
	NumDomains     *int          `yaml:"num_domains"`
	DomainSchedule []DomainEntry `yaml:"domain_schedule"`
	TimeSlice      *abi.Word     `yaml:"time_slice"`
	WorkUnits      *int          `yaml:"work_units"`
	Fastpath       *bool         `yaml:"fastpath"`
	Debug          *bool         `yaml:"debug"`
}

// DomainEntry is one domain schedule slot.
type DomainEntry struct {
	Domain int      `yaml:"domain"`
	Length abi.Word `yaml:"length"`
}

// Apply returns base with the overrides applied.
func (o *ConfigOverride) Apply(base kernel.Config) kernel.Config {
	if o == nil {
		return base
	}
	if o.NumDomains != nil {
		base.NumDomains = *o.NumDomains
	}
	if len(o.DomainSchedule) > 0 {
		base.DomainSchedule = nil
		for _, d := range o.DomainSchedule {
			base.DomainSchedule = append(base.DomainSchedule, kernel.DomainSlot{Domain: d.Domain, Length: d.Length})
		}
	}
	if o.TimeSlice != nil {
		base.TimeSlice = *o.TimeSlice
	}
	if o.WorkUnits != nil {
		base.WorkUnitsPerPreemption = *o.WorkUnits
	}
	if o.Fastpath != nil {
		base.Fastpath = *o.Fastpath
	}
	if o.Debug != nil {
		base.Debug = *o.Debug
	}
	return base
}

// Step is one action. Exactly one of Syscall, Invoke, Tick or IRQ is set.
type Step struct {
	Name string `yaml:"name"`
	// Thread runs the syscall; empty means the root thread.
	Thread    string     `yaml:"thread"`
	Syscall   string     `yaml:"syscall"`
	Invoke    string     `yaml:"invoke"`
	Cap       abi.CPtr   `yaml:"cap"`
	Label     abi.Word   `yaml:"label"`
	MRs       []abi.Word `yaml:"mrs"`
	ExtraCaps []abi.CPtr `yaml:"extra_caps"`
	Receive   *Window    `yaml:"receive"`
	Text      string     `yaml:"text"`
	Tick      int        `yaml:"tick"`
	IRQ       *abi.Word  `yaml:"irq"`
	Expect    *Expect    `yaml:"expect"`
}

// Window is where received caps are stored.
type Window struct {
	Root  abi.CPtr `yaml:"root"`
	Index abi.CPtr `yaml:"index"`
	Depth abi.Word `yaml:"depth"`
}

func (s Step) describe(i int) string {
	if s.Name != "" {
		return fmt.Sprintf("step %d (%s)", i, s.Name)
	}
	return fmt.Sprintf("step %d", i)
}

func (s Step) validate() error {
	n := 0
	for _, set := range []bool{s.Syscall != "", s.Invoke != "", s.Tick > 0, s.IRQ != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return errors.New("want exactly one of syscall, invoke, tick or irq")
	}
	if s.Syscall != "" {
		if _, err := abi.ParseSyscall(s.Syscall); err != nil {
			return err
		}
	}
	if s.Invoke != "" {
		if _, err := abi.ParseLabel(s.Invoke); err != nil {
			return err
		}
	}
	return nil
}

// Expect is what should hold after a step, or after the last one. Reply
// fields describe the message held by Thread, or by the step's thread when
// Thread is empty.
type Expect struct {
	Thread  string            `yaml:"thread"`
	Current string            `yaml:"current"`
	Console *string           `yaml:"console"`
	States  map[string]string `yaml:"states"`
	Queued  map[string]bool   `yaml:"queued"`
	Error   string            `yaml:"error"`
	Label   *abi.Word         `yaml:"label"`
	Badge   *abi.Word         `yaml:"badge"`
	MRs     []abi.Word        `yaml:"mrs"`
	Domain  *int              `yaml:"domain"`
}

// Parse decodes a YAML scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.UnmarshalWithOptions(data, &s, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadScenario, err)
	}
	if s.Manifest != "" && s.Boot != nil {
		return nil, fmt.Errorf("%w: both manifest and boot given", ErrBadScenario)
	}
	for i, st := range s.Steps {
		if err := st.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadScenario, st.describe(i), err)
		}
	}
	return &s, nil
}

// Result is the outcome of one scenario.
type Result struct {
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Steps    int           `json:"steps"`
	Failures []string      `json:"failures,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Passed reports whether the scenario ran and met every expectation.
func (r Result) Passed() bool {
	return r.Err == nil && len(r.Failures) == 0
}

func (r *Result) failf(format string, args ...any) {
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}
