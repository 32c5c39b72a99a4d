package boot

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
)

// DefaultBufferAddr is where a thread's IPC buffer is mapped when the
// manifest does not say.
const DefaultBufferAddr abi.Word = 0x20_0000

// System is a booted manifest.
type System struct {
	Info    *kernel.BootInfo
	Threads map[string]*kernel.Thread
	// Order lists thread names as the manifest gave them.
	Order []string
}

// Root returns the root thread.
func (s *System) Root() *kernel.Thread { return s.Info.RootThread }

// Build boots k from m. Every object and thread is created by the root
// thread through ordinary invocations, so a manifest can only build what
// the root thread itself could.
func Build(k *kernel.Kernel, m Manifest) (*System, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	info, err := k.Bootstrap(m.Kernel)
	if err != nil {
		return nil, err
	}
	sys := &System{Info: info, Threads: map[string]*kernel.Thread{}}
	b := builder{k: k, root: info.RootThread, info: info}

	for i, o := range m.Objects {
		t, _ := abi.ParseObjectType(o.Type)
		if err := b.retype(info.UntypedStart+abi.CPtr(o.Untyped), t, o.SizeBits, o.Slot, o.Count); err != nil {
			return nil, fmt.Errorf("boot: object %d: %w", i, err)
		}
	}
	for _, spec := range m.Threads {
		t, err := b.thread(spec)
		if err != nil {
			return nil, fmt.Errorf("boot: thread %q: %w", spec.Name, err)
		}
		sys.Threads[spec.Name] = t
		sys.Order = append(sys.Order, spec.Name)
	}
	k.Logger().Debug("Booted manifest",
		zap.Int("objects", len(m.Objects)), zap.Int("threads", len(m.Threads)))
	return sys, nil
}

type builder struct {
	k    *kernel.Kernel
	root *kernel.Thread
	info *kernel.BootInfo
}

func (b builder) call(cptr abi.CPtr, label abi.Label, mrs []abi.Word, extra ...abi.CPtr) error {
	_, err := b.k.Invoke(b.root, cptr, label, mrs, extra...)
	return err
}

func (b builder) retype(ut abi.CPtr, t abi.ObjectType, size abi.Word, slot abi.CPtr, count abi.Word) error {
	return b.call(ut, abi.UntypedRetype,
		[]abi.Word{abi.Word(t), size, 0, 0, slot, count}, kernel.SlotInitThreadCNode)
}

func (b builder) thread(spec Thread) (*kernel.Thread, error) {
	ut := b.info.UntypedStart
	if err := b.retype(ut, abi.TCBObject, 0, spec.TCB, 1); err != nil {
		return nil, err
	}
	if err := b.retype(ut, abi.SmallPageObject, 0, spec.Buffer, 1); err != nil {
		return nil, err
	}
	addr := spec.BufferAddr
	if addr == 0 {
		addr = DefaultBufferAddr
	}
	err := b.call(spec.TCB, abi.TCBConfigure, []abi.Word{spec.FaultHandler, 0, 0, addr},
		kernel.SlotInitThreadCNode, kernel.SlotInitThreadVSpace, spec.Buffer)
	if err != nil {
		return nil, err
	}
	if err := b.call(spec.TCB, abi.TCBSetMCPriority, []abi.Word{spec.MCP}, kernel.SlotInitThreadTCB); err != nil {
		return nil, err
	}
	if err := b.call(spec.TCB, abi.TCBSetPriority, []abi.Word{spec.Priority}, kernel.SlotInitThreadTCB); err != nil {
		return nil, err
	}
	if spec.Domain != nil {
		if err := b.call(kernel.SlotDomain, abi.DomainSetSet, []abi.Word{abi.Word(*spec.Domain)}, spec.TCB); err != nil {
			return nil, err
		}
	}

	t, err := b.threadAt(spec.TCB)
	if err != nil {
		return nil, err
	}
	t.Name = spec.Name
	if !spec.Suspended {
		if err := b.call(spec.TCB, abi.TCBResume, nil); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (b builder) threadAt(cptr abi.CPtr) (*kernel.Thread, error) {
	root, _ := b.k.CNode(b.info.RootCNode)
	c, ok := b.k.CapAt(b.k.Slot(root, cptr)).(caps.Thread)
	if !ok {
		return nil, fmt.Errorf("slot %d holds no thread", cptr)
	}
	t, ok := b.k.Thread(c.Ptr)
	if !ok {
		return nil, fmt.Errorf("slot %d holds no thread", cptr)
	}
	return t, nil
}
