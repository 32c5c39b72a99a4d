package scenario

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/boot"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

// session is one booted kernel driven by a scenario.
type session struct {
	k   *kernel.Kernel
	m   *kernel.Machine
	sys *boot.System
}

func newSession(cfg kernel.Config, log *zap.Logger, rec kernel.Recorder, man boot.Manifest) (*session, error) {
	k, err := kernel.New(cfg, log, rec, nil)
	if err != nil {
		return nil, err
	}
	s := &session{k: k, m: kernel.NewMachine(k)}
	err = s.m.Do(func(k *kernel.Kernel) error {
		sys, err := boot.Build(k, man)
		s.sys = sys
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// thread resolves a thread by name: the root for an empty name, then the
// manifest's threads, then any thread carrying that name.
func (s *session) thread(name string) (*kernel.Thread, error) {
	root := s.sys.Root()
	if name == "" || name == root.Name {
		return root, nil
	}
	if t, ok := s.sys.Threads[name]; ok {
		return t, nil
	}
	for _, t := range s.k.Threads() {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no thread named %q", name)
}

// syscall makes t current and traps.
func (s *session) syscall(t *kernel.Thread, args kernel.SyscallArgs) (kernel.Message, error) {
	var msg kernel.Message
	err := s.m.Do(func(k *kernel.Kernel) error {
		if err := k.Activate(t.Addr); err != nil {
			return fmt.Errorf("activate %s: %w", t.Name, err)
		}
		if err := k.Syscall(args); err != nil {
			return err
		}
		msg = k.ReadMessage(t)
		return coherent(k)
	})
	return msg, err
}

func (s *session) tick(n int) error {
	return s.m.Do(func(k *kernel.Kernel) error {
		for i := 0; i < n; i++ {
			k.Tick()
		}
		return coherent(k)
	})
}

func (s *session) irq(irq abi.Word) error {
	return s.m.Do(func(k *kernel.Kernel) error {
		if err := k.RaiseIRQ(irq); err != nil {
			return err
		}
		k.InterruptEntry()
		return coherent(k)
	})
}

func coherent(k *kernel.Kernel) error {
	if err := k.Ready().Check(); err != nil {
		return fmt.Errorf("ready queues: %w", err)
	}
	if err := k.Arena().Check(); err != nil {
		return fmt.Errorf("derivation tree: %w", err)
	}
	return nil
}
