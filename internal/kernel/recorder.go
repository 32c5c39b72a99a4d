package kernel

import (
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
)

// Recorder receives kernel events for metrics.
type Recorder interface {
	Syscall(sys abi.Syscall, ex Exception)
	Preemption(op string)
	Fault(ft abi.FaultType)
	DoubleFault()
	Retype(t abi.ObjectType, n int)
	Fastpath(path string, taken bool, reason string)
	IPCTransfer(kind string)
	Signal()
	Interrupt(irq abi.Word)
	ReadyDepth(domain, depth int)
}

// MMU is the architecture collaborator that owns page tables.
type MMU interface {
	SetVMRoot(thread abi.Word, root caps.Cap)
	UnmapFrame(f caps.Frame)
	DeleteASID(asid, vspace abi.Word)
}

type nopRecorder struct{}

func (nopRecorder) Syscall(abi.Syscall, Exception) {}
func (nopRecorder) Preemption(string) {}
func (nopRecorder) Fault(abi.FaultType) {}
func (nopRecorder) DoubleFault() {}
func (nopRecorder) Retype(abi.ObjectType, int) {}
func (nopRecorder) Fastpath(string, bool, string) {}
func (nopRecorder) IPCTransfer(string) {}
func (nopRecorder) Signal() {}
func (nopRecorder) Interrupt(abi.Word) {}
func (nopRecorder) ReadyDepth(int, int) {}

type nopMMU struct{}

func (nopMMU) SetVMRoot(abi.Word, caps.Cap) {}
func (nopMMU) UnmapFrame(caps.Frame) {}
func (nopMMU) DeleteASID(abi.Word, abi.Word) {}
