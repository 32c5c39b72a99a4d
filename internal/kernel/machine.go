package kernel

import (
	"errors"
	"fmt"
	"sync"
)

// ErrHalted is returned by every Machine call after the kernel halted.
var ErrHalted = errors.New("kernel: machine halted")

// Machine serialises access to a kernel for concurrent callers and turns a
// halt into an error. Once halted it refuses further work.
type Machine struct {
	mu     sync.Mutex
	k      *Kernel
	reason *HaltError
}

// NewMachine wraps k.
func NewMachine(k *Kernel) *Machine {
	return &Machine{k: k}
}

// Do runs fn with exclusive access to the kernel.
func (m *Machine) Do(fn func(k *Kernel) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reason != nil {
		return fmt.Errorf("%w: %s", ErrHalted, m.reason.Reason)
	}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		h, ok := r.(*HaltError)
		if !ok {
			panic(r)
		}
		m.reason = h
		err = h
	}()
	return fn(m.k)
}

// Halted returns the halt that stopped the machine, or nil.
func (m *Machine) Halted() *HaltError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// State snapshots the kernel under the lock.
func (m *Machine) State() (State, error) {
	var s State
	err := m.Do(func(k *Kernel) error {
		s = k.State()
		return nil
	})
	return s, err
}
