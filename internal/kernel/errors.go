package kernel

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

// Exception classifies how a kernel operation ended.
type Exception int

const (
	ExceptionNone Exception = iota
	ExceptionFault
	ExceptionLookupFault
	ExceptionSyscallError
	ExceptionPreempted
)

func (e Exception) String() string {
	switch e {
	case ExceptionNone:
		return "none"
	case ExceptionFault:
		return "fault"
	case ExceptionLookupFault:
		return "lookup_fault"
	case ExceptionSyscallError:
		return "syscall_error"
	case ExceptionPreempted:
		return "preempted"
	}
	return "unknown"
}

// KernelError carries a non-success outcome together with its typed payload.
// Only the field matching Kind is meaningful.
type KernelError struct {
	Kind    Exception
	Fault   abi.Fault
	Lookup  abi.LookupFault
	Syscall abi.SyscallError
}

func (e *KernelError) Error() string {
	switch e.Kind {
	case ExceptionFault:
		return "fault: " + e.Fault.String()
	case ExceptionLookupFault:
		return "lookup fault: " + e.Lookup.String()
	case ExceptionSyscallError:
		return "syscall error: " + e.Syscall.String()
	case ExceptionPreempted:
		return "preempted"
	}
	return e.Kind.String()
}

// ErrPreempted is returned by long-running operations that stopped at a
// preemption point because an interrupt is pending.
var ErrPreempted = &KernelError{Kind: ExceptionPreempted}

// ExceptionOf returns the exception kind of err; nil is ExceptionNone.
func ExceptionOf(err error) Exception {
	if err == nil {
		return ExceptionNone
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ExceptionFault
}

func lookupFault(l abi.LookupFault) *KernelError {
	return &KernelError{Kind: ExceptionLookupFault, Lookup: l}
}

func syscallError(e abi.SyscallError) *KernelError {
	return &KernelError{Kind: ExceptionSyscallError, Syscall: e}
}

func faultError(f abi.Fault) *KernelError {
	return &KernelError{Kind: ExceptionFault, Fault: f}
}

func errInvalidArgument(n abi.Word) *KernelError {
	return syscallError(abi.SyscallError{Type: abi.InvalidArgument, InvalidArgumentNumber: n})
}

func errInvalidCapability(n abi.Word) *KernelError {
	return syscallError(abi.SyscallError{Type: abi.InvalidCapability, InvalidCapNumber: n})
}

func errRange(min, max abi.Word) *KernelError {
	return syscallError(abi.SyscallError{Type: abi.RangeError, RangeMin: min, RangeMax: max})
}

func errFailedLookup(source bool, l abi.LookupFault) *KernelError {
	return syscallError(abi.SyscallError{Type: abi.FailedLookup, FailedLookupWasSource: source, Lookup: l})
}

func errNotEnoughMemory(left abi.Word) *KernelError {
	return syscallError(abi.SyscallError{Type: abi.NotEnoughMemory, MemoryLeft: left})
}

func errCode(c abi.ErrorCode) *KernelError {
	return syscallError(abi.SyscallError{Type: c})
}

var (
	errIllegalOperation = errCode(abi.IllegalOperation)
	errTruncatedMessage = errCode(abi.TruncatedMessage)
	errDeleteFirst      = errCode(abi.DeleteFirst)
	errRevokeFirst      = errCode(abi.RevokeFirst)
	errAlignment        = errCode(abi.AlignmentError)
)

// HaltError is the panic value raised when the kernel reaches a state its
// invariants rule out. The machine stops; no thread state is trusted after it.
type HaltError struct {
	Reason string
}

func (e *HaltError) Error() string { return "kernel halted: " + e.Reason }

// ErrNoCurrentThread is returned when a user operation is attempted while
// the idle thread is running.
var ErrNoCurrentThread = errors.New("kernel: no user thread is running")

// ErrNotRunnable is returned when a debugger switch targets a blocked thread.
var ErrNotRunnable = errors.New("kernel: thread is not runnable")

// ErrNoSuchThread is returned for an unknown thread address.
var ErrNoSuchThread = errors.New("kernel: no such thread")

func (k *Kernel) halt(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	k.halted = true
	k.log.Error("Kernel halted", zap.String("reason", reason))
	panic(&HaltError{Reason: reason})
}

// ErrCallDidNotReturn is returned by Invoke when the caller blocked or
// faulted instead of receiving a reply.
var ErrCallDidNotReturn = errors.New("kernel: call did not return")

// InvocationError is a syscall error reply to an object invocation.
type InvocationError struct {
	Label abi.Label
	Code  abi.ErrorCode
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Label, e.Code)
}
