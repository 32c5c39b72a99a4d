package abi

import "fmt"

// ErrorCode is the user-visible syscall error returned as a reply label.
type ErrorCode Word

const (
	NoError ErrorCode = iota
	InvalidArgument
	InvalidCapability
	IllegalOperation
	RangeError
	AlignmentError
	FailedLookup
	TruncatedMessage
	DeleteFirst
	RevokeFirst
	NotEnoughMemory
)

var errorNames = [...]string{
	"NoError", "InvalidArgument", "InvalidCapability", "IllegalOperation",
	"RangeError", "AlignmentError", "FailedLookup", "TruncatedMessage",
	"DeleteFirst", "RevokeFirst", "NotEnoughMemory",
}

func (c ErrorCode) String() string {
	if int(c) < len(errorNames) {
		return errorNames[c]
	}
	return fmt.Sprintf("ErrorCode(%d)", Word(c))
}

// LookupFaultType classifies a capability address resolution failure.
type LookupFaultType uint8

const (
	LookupInvalidRoot LookupFaultType = iota
	LookupMissingCapability
	LookupDepthMismatch
	LookupGuardMismatch
)

func (t LookupFaultType) String() string {
	switch t {
	case LookupInvalidRoot:
		return "InvalidRoot"
	case LookupMissingCapability:
		return "MissingCapability"
	case LookupDepthMismatch:
		return "DepthMismatch"
	case LookupGuardMismatch:
		return "GuardMismatch"
	}
	return "LookupFault(?)"
}

// LookupFault records why resolving a capability address failed.
type LookupFault struct {
	Type       LookupFaultType
	BitsLeft   Word
	BitsFound  Word
	GuardFound Word
}

func (l LookupFault) String() string {
	switch l.Type {
	case LookupMissingCapability:
		return fmt.Sprintf("%s(bitsLeft=%d)", l.Type, l.BitsLeft)
	case LookupDepthMismatch:
		return fmt.Sprintf("%s(bitsLeft=%d, bitsFound=%d)", l.Type, l.BitsLeft, l.BitsFound)
	case LookupGuardMismatch:
		return fmt.Sprintf("%s(bitsLeft=%d, guard=%#x, bitsFound=%d)", l.Type, l.BitsLeft, l.GuardFound, l.BitsFound)
	}
	return l.Type.String()
}

// MessageWords encodes the fault as the words written at the lookup
// failure offset of a message; the first word is the user type (type + 1).
func (l LookupFault) MessageWords() []Word {
	words := []Word{Word(l.Type) + 1}
	switch l.Type {
	case LookupMissingCapability:
		words = append(words, l.BitsLeft)
	case LookupDepthMismatch:
		words = append(words, l.BitsLeft, l.BitsFound)
	case LookupGuardMismatch:
		words = append(words, l.BitsLeft, l.GuardFound, l.BitsFound)
	}
	return words
}

// SyscallError is a typed error replied to the invoking thread.
type SyscallError struct {
	Type                  ErrorCode
	InvalidArgumentNumber Word
	InvalidCapNumber      Word
	RangeMin              Word
	RangeMax              Word
	MemoryLeft            Word
	FailedLookupWasSource bool
	Lookup                LookupFault
}

func (e SyscallError) String() string {
	switch e.Type {
	case InvalidArgument:
		return fmt.Sprintf("%s(arg=%d)", e.Type, e.InvalidArgumentNumber)
	case InvalidCapability:
		return fmt.Sprintf("%s(cap=%d)", e.Type, e.InvalidCapNumber)
	case RangeError:
		return fmt.Sprintf("%s[%d, %d]", e.Type, e.RangeMin, e.RangeMax)
	case NotEnoughMemory:
		return fmt.Sprintf("%s(left=%d)", e.Type, e.MemoryLeft)
	case FailedLookup:
		return fmt.Sprintf("%s(source=%t, %s)", e.Type, e.FailedLookupWasSource, e.Lookup)
	}
	return e.Type.String()
}

// MessageWords encodes the error payload as reply message words.
func (e SyscallError) MessageWords() []Word {
	switch e.Type {
	case InvalidArgument:
		return []Word{e.InvalidArgumentNumber}
	case InvalidCapability:
		return []Word{e.InvalidCapNumber}
	case RangeError:
		return []Word{e.RangeMin, e.RangeMax}
	case FailedLookup:
		src := Word(0)
		if e.FailedLookupWasSource {
			src = 1
		}
		return append([]Word{src}, e.Lookup.MessageWords()...)
	case NotEnoughMemory:
		return []Word{e.MemoryLeft}
	}
	return nil
}

// FaultType is the label of a fault message.
type FaultType Word

const (
	NullFault FaultType = iota
	CapFault
	UnknownSyscall
	UserException
	_
	VMFault
)

func (f FaultType) String() string {
	switch f {
	case NullFault:
		return "NullFault"
	case CapFault:
		return "CapFault"
	case UnknownSyscall:
		return "UnknownSyscall"
	case UserException:
		return "UserException"
	case VMFault:
		return "VMFault"
	}
	return fmt.Sprintf("FaultType(%d)", Word(f))
}

// Fault describes a thread fault delivered to its fault handler.
type Fault struct {
	Type FaultType

	// CapFault
	Address        Word
	InReceivePhase bool

	// UnknownSyscall
	SyscallNumber Word

	// UserException
	Number Word
	Code   Word

	// VMFault
	InstructionFault bool
	FSR              Word
}

func (f Fault) String() string {
	switch f.Type {
	case CapFault:
		return fmt.Sprintf("CapFault(addr=%#x, recv=%t)", f.Address, f.InReceivePhase)
	case UnknownSyscall:
		return fmt.Sprintf("UnknownSyscall(%d)", int64(f.SyscallNumber))
	case UserException:
		return fmt.Sprintf("UserException(number=%d, code=%d)", f.Number, f.Code)
	case VMFault:
		return fmt.Sprintf("VMFault(addr=%#x, fsr=%#x, prefetch=%t)", f.Address, f.FSR, f.InstructionFault)
	}
	return f.Type.String()
}

// Capability fault message layout.
const (
	CapFaultIP                      = 0
	CapFaultAddr                    = 1
	CapFaultInRecvPhase             = 2
	CapFaultLookupFailureType       = 3
	CapFaultBitsLeft                = 4
	CapFaultDepthMismatchBitsFound  = 5
	CapFaultGuardMismatchGuardFound = 5
	CapFaultGuardMismatchBitsFound  = 6
	CapFaultLength                  = 7
)

// VM fault message layout.
const (
	VMFaultIP            = 0
	VMFaultAddr          = 1
	VMFaultPrefetchFault = 2
	VMFaultFSR           = 3
	VMFaultLength        = 4
)

// Unknown-syscall message layout: the SyscallMessage registers then the number.
const (
	UnknownSyscallX0      = 0
	UnknownSyscallFaultIP = 8
	UnknownSyscallSP      = 9
	UnknownSyscallLR      = 10
	UnknownSyscallSPSR    = 11
	UnknownSyscallSyscall = 12
	UnknownSyscallLength  = 13
)

// User-exception message layout: the ExceptionMessage registers then number and code.
const (
	UserExceptionFaultIP = 0
	UserExceptionSP      = 1
	UserExceptionSPSR    = 2
	UserExceptionNumber  = 3
	UserExceptionCode    = 4
	UserExceptionLength  = 5
)
