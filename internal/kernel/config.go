package kernel

import (
	"fmt"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

// DomainSlot is one entry of the static domain schedule.
type DomainSlot struct {
	Domain int
	Length abi.Word
}

// Config holds the build-time parameters of a kernel instance.
type Config struct {
	NumDomains     int
	DomainSchedule []DomainSlot
	// TimeSlice is the number of timer ticks a thread runs before it is
	// rotated to the tail of its ready queue.
	TimeSlice abi.Word
	// WorkUnitsPerPreemption is how many units of deletion, revocation or
	// reset work run between checks for a pending interrupt.
	WorkUnitsPerPreemption int
	Fastpath               bool
	Debug                  bool
	TimerIRQ               abi.Word
}

// DefaultConfig returns a single-domain configuration.
func DefaultConfig() Config {
	return Config{
		NumDomains:             1,
		DomainSchedule:         []DomainSlot{{Domain: 0, Length: 1}},
		TimeSlice:              5,
		WorkUnitsPerPreemption: 100,
		Fastpath:               true,
		Debug:                  true,
		TimerIRQ:               0,
	}
}

// Validate checks the configuration for internal consistency
func (c Config) Validate() error {
	if c.NumDomains < 1 {
		return fmt.Errorf("num domains must be at least 1, got %d", c.NumDomains)
	}
	if len(c.DomainSchedule) == 0 {
		return fmt.Errorf("domain schedule is empty")
	}
	for i, s := range c.DomainSchedule {
		if s.Domain < 0 || s.Domain >= c.NumDomains {
			return fmt.Errorf("domain schedule entry %d: domain %d out of range", i, s.Domain)
		}
		if s.Length == 0 {
			return fmt.Errorf("domain schedule entry %d: zero length", i)
		}
	}
	if c.TimeSlice == 0 {
		return fmt.Errorf("time slice must be positive")
	}
	if c.WorkUnitsPerPreemption < 1 {
		return fmt.Errorf("work units per preemption must be positive")
	}
	if c.TimerIRQ > abi.MaxIRQ {
		return fmt.Errorf("timer irq %d exceeds %d", c.TimerIRQ, abi.MaxIRQ)
	}
	return nil
}
