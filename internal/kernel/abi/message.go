package abi

// Message-info word layout: label(63:12) capsUnwrapped(11:9) extraCaps(8:7) length(6:0).
const (
	MsgLengthBits     = 7
	MsgExtraCapBits   = 2
	MsgMaxLength      = 120
	MsgMaxExtraCaps   = (1 << MsgExtraCapBits) - 1
	NumMsgRegisters   = 4
	msgCapsUnwrapBits = 3
	msgLabelShift     = MsgLengthBits + MsgExtraCapBits + msgCapsUnwrapBits
)

// MessageInfo describes a message: its label, length and capability counts.
type MessageInfo struct {
	Label         Word
	CapsUnwrapped Word
	ExtraCaps     Word
	Length        Word
}

// NewMessageInfo builds a message info, truncating fields to their widths.
func NewMessageInfo(label, capsUnwrapped, extraCaps, length Word) MessageInfo {
	return MessageInfo{
		Label:         label & Mask(WordBits-msgLabelShift),
		CapsUnwrapped: capsUnwrapped & Mask(msgCapsUnwrapBits),
		ExtraCaps:     extraCaps & Mask(MsgExtraCapBits),
		Length:        length & Mask(MsgLengthBits),
	}
}

// Word packs the message info.
func (m MessageInfo) Word() Word {
	return m.Label<<msgLabelShift |
		(m.CapsUnwrapped&Mask(msgCapsUnwrapBits))<<(MsgLengthBits+MsgExtraCapBits) |
		(m.ExtraCaps&Mask(MsgExtraCapBits))<<MsgLengthBits |
		m.Length&Mask(MsgLengthBits)
}

// MessageInfoFromWordRaw unpacks w without clamping the length.
func MessageInfoFromWordRaw(w Word) MessageInfo {
	return MessageInfo{
		Label:         w >> msgLabelShift,
		CapsUnwrapped: (w >> (MsgLengthBits + MsgExtraCapBits)) & Mask(msgCapsUnwrapBits),
		ExtraCaps:     (w >> MsgLengthBits) & Mask(MsgExtraCapBits),
		Length:        w & Mask(MsgLengthBits),
	}
}

// MessageInfoFromWord unpacks w and clamps the length to MsgMaxLength.
func MessageInfoFromWord(w Word) MessageInfo {
	m := MessageInfoFromWordRaw(w)
	if m.Length > MsgMaxLength {
		m.Length = MsgMaxLength
	}
	return m
}

// FastpathMessageCheck reports whether w carries extra caps or more words
// than fit in registers.
func FastpathMessageCheck(w Word) bool {
	return w&Mask(MsgLengthBits+MsgExtraCapBits) > NumMsgRegisters
}

// IPC buffer word offsets.
const (
	IPCBufTag          = 0
	IPCBufMsg          = 1
	IPCBufUserData     = IPCBufMsg + MsgMaxLength
	IPCBufCapsOrBadges = IPCBufUserData + 1
	IPCBufReceiveCNode = IPCBufCapsOrBadges + MsgMaxExtraCaps
	IPCBufReceiveIndex = IPCBufReceiveCNode + 1
	IPCBufReceiveDepth = IPCBufReceiveIndex + 1
	IPCBufWords        = IPCBufReceiveDepth + 1
)

// MsgWordOffset returns the byte offset of message word i inside an IPC buffer.
func MsgWordOffset(i int) Word {
	return Word(IPCBufMsg+i) << WordSizeBits
}

// CapsOrBadgesOffset returns the byte offset of extra cap (or badge) slot i.
func CapsOrBadgesOffset(i int) Word {
	return Word(IPCBufCapsOrBadges+i) << WordSizeBits
}

// CapTransfer is the receive window configured in a receiver's IPC buffer.
type CapTransfer struct {
	ReceiveRoot  CPtr
	ReceiveIndex CPtr
	ReceiveDepth Word
}
