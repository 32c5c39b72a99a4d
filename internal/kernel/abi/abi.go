package abi

import "fmt"

// Word is the machine word of the modelled 64-bit architecture.
type Word = uint64

// CPtr is a user capability address.
type CPtr = Word

const (
	WordBits      = 64
	WordSizeBits  = 3
	WordRadixBits = 6

	// MinUntypedBits is the smallest untyped block and the unit of the free index.
	MinUntypedBits = 4
	MaxUntypedBits = 47

	SlotBits         = 5
	EndpointBits     = 4
	NotificationBits = 5
	PageBits         = 12
	LargePageBits    = 21
	VSpaceBits       = 12
	IPCBufferBits    = 10

	// TCBBits sizes the single allocation holding a thread and its
	// TCBSlotCount embedded capability slots.
	TCBBits = 11

	// ResetChunkBits is the granule cleared between preemption points when
	// an untyped region is reset.
	ResetChunkBits = 8

	// RetypeFanOutLimit bounds the number of objects one retype may create.
	RetypeFanOutLimit = 256

	NumPriorities = 256
	MaxPrio       = NumPriorities - 1
	MinPrio       = 0

	MaxIRQ = 127
)

// Embedded TCB slot indices.
const (
	TCBCTable = iota
	TCBVTable
	TCBReply
	TCBCaller
	TCBBuffer
	TCBSlotCount
)

// Mask returns a word with the low n bits set.
func Mask(n uint) Word {
	if n >= WordBits {
		return ^Word(0)
	}
	return (Word(1) << n) - 1
}

// Bit returns 1 << n, or 0 when n overflows the word.
func Bit(n uint) Word {
	if n >= WordBits {
		return 0
	}
	return Word(1) << n
}

// Syscall is a system call number as passed in the syscall register.
type Syscall int64

const (
	SysCall      Syscall = -1
	SysReplyRecv Syscall = -2
	SysSend      Syscall = -3
	SysNBSend    Syscall = -4
	SysRecv      Syscall = -5
	SysReply     Syscall = -6
	SysYield     Syscall = -7
	SysNBRecv    Syscall = -8

	// Debug syscalls, accepted only when the kernel runs with debug enabled.
	SysDebugPutChar     Syscall = -9
	SysDebugDumpSched   Syscall = -10
	SysDebugHalt        Syscall = -11
	SysDebugCapIdentify Syscall = -12
	SysDebugSnapshot    Syscall = -13
	SysDebugNameThread  Syscall = -14
)

var syscallNames = map[Syscall]string{
	SysCall:             "Call",
	SysReplyRecv:        "ReplyRecv",
	SysSend:             "Send",
	SysNBSend:           "NBSend",
	SysRecv:             "Recv",
	SysReply:            "Reply",
	SysYield:            "Yield",
	SysNBRecv:           "NBRecv",
	SysDebugPutChar:     "DebugPutChar",
	SysDebugDumpSched:   "DebugDumpScheduler",
	SysDebugHalt:        "DebugHalt",
	SysDebugCapIdentify: "DebugCapIdentify",
	SysDebugSnapshot:    "DebugSnapshot",
	SysDebugNameThread:  "DebugNameThread",
}

func (s Syscall) String() string {
	if n, ok := syscallNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Syscall(%d)", int64(s))
}

// IsDebug reports whether s is one of the debug-build syscalls.
func (s Syscall) IsDebug() bool {
	return s <= SysDebugPutChar && s >= SysDebugNameThread
}

// ParseSyscall maps a syscall name back to its number.
func ParseSyscall(name string) (Syscall, error) {
	for s, n := range syscallNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown syscall %q", name)
}
