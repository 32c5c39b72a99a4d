package kernel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
	"github.com/GriffinCanCode/capkernel/internal/kernel/cspace"
)

// Slots of the initial thread's root CNode.
const (
	SlotNull             abi.CPtr = 0
	SlotInitThreadTCB    abi.CPtr = 1
	SlotInitThreadCNode  abi.CPtr = 2
	SlotInitThreadVSpace abi.CPtr = 3
	SlotIRQControl       abi.CPtr = 4
	SlotInitThreadIPCBuf abi.CPtr = 10
	SlotDomain           abi.CPtr = 11
	SlotFirstFree        abi.CPtr = 16
)

const (
	defaultKernelBase     = 0x8000_0000
	defaultIPCBufferVAddr = 0x10_0000
)

// UntypedRegion is a block of memory handed to the initial thread.
type UntypedRegion struct {
	Base     abi.Word `yaml:"base" toml:"base" json:"base"`
	SizeBits uint8    `yaml:"size_bits" toml:"size_bits" json:"size_bits"`
	Device   bool     `yaml:"device" toml:"device" json:"device"`
}

// BootSpec describes the initial capability tree.
type BootSpec struct {
	RootName      string          `yaml:"root_name" toml:"root_name" json:"root_name"`
	RootCNodeBits uint8           `yaml:"root_cnode_bits" toml:"root_cnode_bits" json:"root_cnode_bits"`
	KernelBase    abi.Word        `yaml:"kernel_base" toml:"kernel_base" json:"kernel_base"`
	IPCBufferAddr abi.Word        `yaml:"ipc_buffer" toml:"ipc_buffer" json:"ipc_buffer"`
	Entry         abi.Word        `yaml:"entry" toml:"entry" json:"entry"`
	Untypeds      []UntypedRegion `yaml:"untypeds" toml:"untypeds" json:"untypeds"`
}

// DefaultBootSpec returns a root CNode of 2^12 slots and one 1 MiB untyped.
func DefaultBootSpec() BootSpec {
	return BootSpec{
		RootName:      "rootserver",
		RootCNodeBits: 12,
		KernelBase:    defaultKernelBase,
		IPCBufferAddr: defaultIPCBufferVAddr,
		Untypeds:      []UntypedRegion{{Base: 0x4000_0000, SizeBits: 20}},
	}
}

// BootInfo tells the initial thread where its resources are.
type BootInfo struct {
	RootThread   *Thread
	RootCNode    abi.Word
	UntypedStart abi.CPtr
	UntypedEnd   abi.CPtr
}

// Validate checks the boot description.
func (s BootSpec) Validate() error {
	if s.RootCNodeBits < 5 || s.RootCNodeBits > abi.WordBits-abi.SlotBits {
		return fmt.Errorf("root cnode bits %d out of range", s.RootCNodeBits)
	}
	if abi.Word(len(s.Untypeds))+SlotFirstFree > abi.Bit(uint(s.RootCNodeBits)) {
		return fmt.Errorf("%d untypeds do not fit a root cnode of %d bits", len(s.Untypeds), s.RootCNodeBits)
	}
	if s.IPCBufferAddr&abi.Mask(abi.IPCBufferBits) != 0 {
		return fmt.Errorf("ipc buffer %#x not aligned", s.IPCBufferAddr)
	}
	for i, u := range s.Untypeds {
		if u.SizeBits < abi.MinUntypedBits || u.SizeBits > abi.MaxUntypedBits {
			return fmt.Errorf("untyped %d: size bits %d out of range", i, u.SizeBits)
		}
		if u.Base == 0 || u.Base&abi.Mask(uint(u.SizeBits)) != 0 {
			return fmt.Errorf("untyped %d: base %#x not a nonzero multiple of its size", i, u.Base)
		}
	}
	return nil
}

type bumpAllocator struct {
	next abi.Word
}

func (b *bumpAllocator) alloc(bits uint) abi.Word {
	addr := alignUp(b.next, bits)
	b.next = addr + abi.Bit(bits)
	return addr
}

// Bootstrap builds the initial thread and its CSpace and switches to it.
// It may only run once, on a kernel with no user objects.
func (k *Kernel) Bootstrap(spec BootSpec) (*BootInfo, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid boot spec: %w", err)
	}
	if len(k.threads) > 0 || len(k.cnodes) > 0 {
		return nil, fmt.Errorf("kernel already booted")
	}
	base := spec.KernelBase
	if base == 0 {
		base = defaultKernelBase
	}
	mem := &bumpAllocator{next: base}

	radix := spec.RootCNodeBits
	cnAddr := mem.alloc(uint(radix) + abi.SlotBits)
	vsAddr := mem.alloc(abi.VSpaceBits)
	bufAddr := mem.alloc(abi.PageBits)
	tcbAddr := mem.alloc(abi.TCBBits)
	for i, u := range spec.Untypeds {
		if u.Base < mem.next && base < u.Base+abi.Bit(uint(u.SizeBits)) {
			return nil, fmt.Errorf("untyped %d at %#x overlaps kernel objects [%#x, %#x)", i, u.Base, base, mem.next)
		}
	}

	k.cnodes[cnAddr] = &CNodeObj{Addr: cnAddr, Radix: radix, slots: make(map[abi.Word]cspace.SlotHandle)}
	root := k.cnodes[cnAddr]
	cnCap := caps.CNode{Ptr: cnAddr, Radix: radix, GuardSize: abi.WordBits - radix}
	k.writeBootSlot(root, SlotInitThreadCNode, cnCap)
	k.writeBootSlot(root, SlotDomain, caps.Domain{})
	k.writeBootSlot(root, SlotIRQControl, caps.IRQControl{})

	vsCap := caps.VSpace{Ptr: vsAddr, ASID: k.nextASID}
	k.nextASID++
	k.writeBootSlot(root, SlotInitThreadVSpace, vsCap)

	bufCap := caps.Frame{Ptr: bufAddr, SizeBits: abi.PageBits, Rights: abi.VMReadWrite}
	k.writeBootSlot(root, SlotInitThreadIPCBuf, bufCap)

	k.createObject(abi.TCBObject, tcbAddr, 0, false)
	t := k.threads[tcbAddr]
	if spec.RootName != "" {
		t.Name = spec.RootName
	}
	t.Priority = abi.MaxPrio
	t.MCP = abi.MaxPrio
	t.IPCBuffer = spec.IPCBufferAddr
	t.Regs[abi.NextIP] = spec.Entry
	k.cteInsert(cnCap, k.cnodeSlot(root, SlotInitThreadCNode), k.tcbSlot(t, abi.TCBCTable))
	k.cteInsert(vsCap, k.cnodeSlot(root, SlotInitThreadVSpace), k.tcbSlot(t, abi.TCBVTable))
	k.cteInsert(bufCap, k.cnodeSlot(root, SlotInitThreadIPCBuf), k.tcbSlot(t, abi.TCBBuffer))
	k.writeBootSlot(root, SlotInitThreadTCB, caps.Thread{Ptr: tcbAddr})
	k.setupReplyMaster(t)
	k.setThreadState(t, Running)

	for i, u := range spec.Untypeds {
		k.writeBootSlot(root, SlotFirstFree+abi.CPtr(i), caps.Untyped{Ptr: u.Base, BlockSize: u.SizeBits, IsDevice: u.Device})
	}

	k.action = SchedulerAction{Kind: SwitchToThread, Target: t}
	k.schedule()
	k.activateThread()

	k.log.Info("Kernel booted",
		zap.String("root", t.Name),
		zap.Uint8("root_cnode_bits", radix),
		zap.Int("untypeds", len(spec.Untypeds)))

	return &BootInfo{
		RootThread:   t,
		RootCNode:    cnAddr,
		UntypedStart: SlotFirstFree,
		UntypedEnd:   SlotFirstFree + abi.CPtr(len(spec.Untypeds)),
	}, nil
}

// writeBootSlot installs an original cap, the root of its own derivation
// tree.
func (k *Kernel) writeBootSlot(cn *CNodeObj, i abi.Word, c caps.Cap) {
	e := k.cte(k.cnodeSlot(cn, i))
	e.Cap = c
	e.MDB = cspace.MDBNode{Revocable: true, FirstBadged: true}
}
