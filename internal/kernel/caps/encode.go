package caps

import (
	"fmt"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
)

// Words is the two-word in-memory encoding of a capability. The tag lives
// in bits 63:59 of the first word; object pointers occupy bits 46:0.
type Words [2]abi.Word

const (
	tagShift  = 59
	ptrBits   = 47
	sizeShift = ptrBits
	sizeBits  = 6
	asidShift = 48
)

var ptrMask = abi.Mask(ptrBits)

func b2w(b bool, shift uint) abi.Word {
	if b {
		return 1 << shift
	}
	return 0
}

func bit(w abi.Word, shift uint) bool { return w>>shift&1 == 1 }

// Encode packs c into its two-word form. Pointers above 2^47 are truncated.
func Encode(c Cap) Words {
	tag := abi.Word(c.Type()) << tagShift
	switch c := c.(type) {
	case Untyped:
		return Words{tag | b2w(c.IsDevice, 58) | abi.Word(c.BlockSize)<<sizeShift | c.Ptr&ptrMask, c.FreeIndex}
	case Endpoint:
		return Words{tag | b2w(c.CanGrantReply, 58) | b2w(c.CanGrant, 57) | b2w(c.CanReceive, 56) | b2w(c.CanSend, 55) | c.Ptr&ptrMask, c.Badge}
	case Notification:
		return Words{tag | b2w(c.CanReceive, 56) | b2w(c.CanSend, 55) | c.Ptr&ptrMask, c.Badge}
	case Reply:
		return Words{tag | b2w(c.CanGrant, 1) | b2w(c.Master, 0), c.TCB}
	case CNode:
		return Words{tag | abi.Word(c.GuardSize)<<53 | abi.Word(c.Radix)<<sizeShift | c.Ptr&ptrMask, c.Guard}
	case Thread:
		return Words{tag | c.Ptr&ptrMask, 0}
	case IRQHandler:
		return Words{tag, c.IRQ}
	case Zombie:
		return Words{tag | abi.Word(c.Kind)<<sizeShift | c.Ptr&ptrMask, c.Number}
	case Frame:
		return Words{
			tag | b2w(c.IsDevice, 58) | abi.Word(c.Rights)<<56 | abi.Word(c.SizeBits)<<sizeShift | c.Ptr&ptrMask,
			c.MappedASID<<asidShift | c.MappedAddr&abi.Mask(asidShift),
		}
	case VSpace:
		return Words{tag | c.Ptr&ptrMask, c.ASID}
	}
	return Words{tag, 0}
}

// Decode unpacks a two-word capability.
func Decode(w Words) (Cap, error) {
	t := Type(w[0] >> tagShift)
	ptr := w[0] & ptrMask
	size := uint8(w[0] >> sizeShift & abi.Mask(sizeBits))
	switch t {
	case TypeNull:
		return Null{}, nil
	case TypeUntyped:
		return Untyped{Ptr: ptr, BlockSize: size, FreeIndex: w[1], IsDevice: bit(w[0], 58)}, nil
	case TypeEndpoint:
		return Endpoint{
			Ptr: ptr, Badge: w[1],
			CanSend: bit(w[0], 55), CanReceive: bit(w[0], 56),
			CanGrant: bit(w[0], 57), CanGrantReply: bit(w[0], 58),
		}, nil
	case TypeNotification:
		return Notification{Ptr: ptr, Badge: w[1], CanSend: bit(w[0], 55), CanReceive: bit(w[0], 56)}, nil
	case TypeReply:
		return Reply{TCB: w[1], Master: bit(w[0], 0), CanGrant: bit(w[0], 1)}, nil
	case TypeCNode:
		return CNode{Ptr: ptr, Radix: size, GuardSize: uint8(w[0] >> 53 & abi.Mask(sizeBits)), Guard: w[1]}, nil
	case TypeThread:
		return Thread{Ptr: ptr}, nil
	case TypeIRQControl:
		return IRQControl{}, nil
	case TypeIRQHandler:
		return IRQHandler{IRQ: w[1]}, nil
	case TypeZombie:
		return Zombie{Ptr: ptr, Kind: uint8(w[0] >> sizeShift & abi.Mask(7)), Number: w[1]}, nil
	case TypeDomain:
		return Domain{}, nil
	case TypeFrame:
		return Frame{
			Ptr: ptr, SizeBits: size, IsDevice: bit(w[0], 58),
			Rights:     abi.VMRights(w[0] >> 56 & 3),
			MappedASID: w[1] >> asidShift, MappedAddr: w[1] & abi.Mask(asidShift),
		}, nil
	case TypeVSpace:
		return VSpace{Ptr: ptr, ASID: w[1]}, nil
	}
	return nil, fmt.Errorf("decode cap: unknown tag %d", uint8(t))
}
