package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

// SyscallArgs is what a user thread loads before trapping. Message words
// beyond the registers go to the IPC buffer, as do the extra cap
// addresses and the receive window.
type SyscallArgs struct {
	Sys       abi.Syscall
	Cap       abi.CPtr
	Label     abi.Word
	MRs       []abi.Word
	ExtraCaps []abi.CPtr
	Receive   *abi.CapTransfer
	// Text is written NUL-terminated over the message area of the IPC
	// buffer, where the thread naming syscall reads it.
	Text string
}

// Message is what a thread finds in its registers and IPC buffer after a
// syscall returns.
type Message struct {
	Label         abi.Word
	Badge         abi.Word
	CapsUnwrapped abi.Word
	ExtraCaps     abi.Word
	MRs           []abi.Word
}

// Syscall loads args into the current thread and traps.
func (k *Kernel) Syscall(args SyscallArgs) error {
	t := k.cur
	if t == k.idle {
		return ErrNoCurrentThread
	}
	if len(args.MRs) > abi.MsgMaxLength {
		return fmt.Errorf("message of %d words exceeds %d", len(args.MRs), abi.MsgMaxLength)
	}
	if len(args.ExtraCaps) > abi.MsgMaxExtraCaps {
		return fmt.Errorf("%d extra caps exceed %d", len(args.ExtraCaps), abi.MsgMaxExtraCaps)
	}

	buf := k.lookupIPCBuffer(false, t)
	if buf == 0 && (len(args.MRs) > abi.NumMsgRegisters || len(args.ExtraCaps) > 0 || args.Receive != nil || args.Text != "") {
		return fmt.Errorf("thread %s has no IPC buffer", t.Name)
	}
	if args.Text != "" {
		if len(args.Text) >= (abi.IPCBufWords-abi.IPCBufMsg)*wordBytes {
			return fmt.Errorf("text of %d bytes does not fit the IPC buffer", len(args.Text))
		}
		k.writeBufferString(buf, args.Text)
	}
	for i, w := range args.MRs {
		if i < abi.NumMsgRegisters {
			t.Regs[abi.MsgRegisters[i]] = w
			continue
		}
		k.setBufferWord(buf, abi.IPCBufMsg+i, w)
	}
	for i, c := range args.ExtraCaps {
		k.setBufferWord(buf, abi.IPCBufCapsOrBadges+i, c)
	}
	if r := args.Receive; r != nil {
		k.setBufferWord(buf, abi.IPCBufReceiveCNode, r.ReceiveRoot)
		k.setBufferWord(buf, abi.IPCBufReceiveIndex, r.ReceiveIndex)
		k.setBufferWord(buf, abi.IPCBufReceiveDepth, r.ReceiveDepth)
	}

	info := abi.NewMessageInfo(args.Label, 0, abi.Word(len(args.ExtraCaps)), abi.Word(len(args.MRs)))
	t.Regs[abi.CapRegister] = args.Cap
	t.Regs[abi.MsgInfoRegister] = info.Word()
	t.Regs[abi.SyscallRegister] = abi.Word(args.Sys)
	return k.Enter()
}

func (k *Kernel) writeBufferString(buf abi.Word, text string) {
	raw := make([]byte, (len(text)/wordBytes+1)*wordBytes)
	copy(raw, text)
	for i := 0; i < len(raw); i += wordBytes {
		k.setBufferWord(buf, abi.IPCBufMsg+i/wordBytes, binary.LittleEndian.Uint64(raw[i:]))
	}
}

// ReadMessage decodes the message t last received.
func (k *Kernel) ReadMessage(t *Thread) Message {
	info := abi.MessageInfoFromWord(t.Regs[abi.MsgInfoRegister])
	buf := k.lookupIPCBuffer(true, t)
	m := Message{
		Label:         info.Label,
		Badge:         t.Regs[abi.BadgeRegister],
		CapsUnwrapped: info.CapsUnwrapped,
		ExtraCaps:     info.ExtraCaps,
	}
	for i := 0; i < int(info.Length); i++ {
		if i < abi.NumMsgRegisters {
			m.MRs = append(m.MRs, t.Regs[abi.MsgRegisters[i]])
			continue
		}
		if buf == 0 {
			break
		}
		m.MRs = append(m.MRs, k.bufferWord(buf, abi.IPCBufMsg+i))
	}
	return m
}

// ReceivedBadge returns the badge recorded for extra cap i of the last
// message, when that cap was unwrapped.
func (k *Kernel) ReceivedBadge(t *Thread, i int) abi.Word {
	buf := k.lookupIPCBuffer(true, t)
	if buf == 0 {
		return 0
	}
	return k.bufferWord(buf, abi.IPCBufCapsOrBadges+i)
}

// Activate makes the thread at addr current, as a debugger would, putting
// the previous thread back on its ready queue.
func (k *Kernel) Activate(addr abi.Word) error {
	t, ok := k.threads[addr]
	if !ok {
		return ErrNoSuchThread
	}
	if t == k.cur {
		return nil
	}
	if !t.State.Runnable() {
		return ErrNotRunnable
	}
	if k.cur != k.idle && k.cur.State.Runnable() {
		k.tcbSchedEnqueue(k.cur)
	}
	k.switchToThread(t)
	k.action = SchedulerAction{}
	k.activateThread()
	return nil
}

// Invoke makes t current and calls the object at cptr with label. A reply
// carrying a syscall error is returned as an *InvocationError along with
// the message.
func (k *Kernel) Invoke(t *Thread, cptr abi.CPtr, label abi.Label, mrs []abi.Word, extra ...abi.CPtr) (Message, error) {
	if err := k.Activate(t.Addr); err != nil {
		return Message{}, err
	}
	args := SyscallArgs{Sys: abi.SysCall, Cap: cptr, Label: abi.Word(label), MRs: mrs, ExtraCaps: extra}
	if err := k.Syscall(args); err != nil {
		return Message{}, err
	}
	if !t.State.Runnable() {
		return Message{}, fmt.Errorf("%s on %d by %s: %w", label, cptr, t.Name, ErrCallDidNotReturn)
	}
	msg := k.ReadMessage(t)
	if code := abi.ErrorCode(msg.Label); code != abi.NoError {
		return msg, &InvocationError{Label: label, Code: code}
	}
	return msg, nil
}
