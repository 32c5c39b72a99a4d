package abi

// Register names one slot of a thread's saved user context.
type Register int

const (
	X0 Register = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	LR
	SP
	NextIP
	SPSR
	FaultIP
	TPIDR
	NumRegisters
)

var registerNames = [...]string{
	"X0", "X1", "X2", "X3", "X4", "X5", "X6", "X7", "X8", "X9", "X10",
	"X11", "X12", "X13", "X14", "X15", "LR", "SP", "NextIP", "SPSR",
	"FaultIP", "TPIDR",
}

func (r Register) String() string {
	if r >= 0 && int(r) < len(registerNames) {
		return registerNames[r]
	}
	return "?"
}

// Syscall register conventions.
const (
	CapRegister     = X0
	BadgeRegister   = X0
	MsgInfoRegister = X1
	SyscallRegister = X7
)

// InstructionSize is the width of the trapping syscall instruction.
const InstructionSize = 4

// MsgRegisters carry the first NumMsgRegisters message words.
var MsgRegisters = [NumMsgRegisters]Register{X2, X3, X4, X5}

// FrameRegisters and GPRegisters are the order used by Read/Write/CopyRegisters.
// NextIP is not user-visible; it is reloaded from FaultIP after a write.
var (
	FrameRegisters = []Register{
		FaultIP, SP, SPSR,
		X0, X1, X2, X3, X4, X5, X6, X7, X8, X9, X10, X11, X12, X13, X14, X15,
		LR,
	}
	GPRegisters = []Register{TPIDR}
)

// Fault message register dumps.
var (
	SyscallMessage   = []Register{X0, X1, X2, X3, X4, X5, X6, X7, FaultIP, SP, LR, SPSR}
	ExceptionMessage = []Register{FaultIP, SP, SPSR}
)

// Registers is a thread's saved user context.
type Registers [NumRegisters]Word

// SanitiseRegister clamps values user level may not set directly.
func SanitiseRegister(r Register, v Word) Word {
	if r == SPSR {
		// Only the condition flags survive; the mode is always user.
		return v & 0xf0000000
	}
	return v
}
