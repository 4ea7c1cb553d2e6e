package pci

// Type 1 (PCI-to-PCI bridge) configuration header.
//
// refs
// PCI-to-PCI Bridge Architecture Specification, Revision 1.2, chapter 3
// https://wiki.osdev.org/PCI#Header_Type_0x1_.28PCI-to-PCI_bridge.29
const (
	VendorID   = 0x00
	DeviceID   = 0x02
	Command    = 0x04
	Status     = 0x06
	ProgIF     = 0x09
	SubClass   = 0x0a
	Class      = 0x0b
	HeaderType = 0x0e

	PriBus        = 0x18
	SecBus        = 0x19
	SubBus        = 0x1a
	SecLat        = 0x1b
	IOBaseLow     = 0x1c
	IOLimitLow    = 0x1d
	SecStat       = 0x1e
	MemBase       = 0x20
	MemLimit      = 0x22
	PrefBaseLow   = 0x24
	PrefLimitLow  = 0x26
	PrefBaseHigh  = 0x28
	PrefLimitHigh = 0x2c
	IOBaseHigh    = 0x30
	IOLimitHigh   = 0x32
	InterruptPin  = 0x3d
	BridgeCtl     = 0x3e

	// CardbusSubBus is the subordinate bus register of a type 2 header.
	CardbusSubBus = 0x1a

	ConfigSize = 0x100
)

// Command register bits.
const (
	CmdIOEnable  = 0x0001
	CmdMemEnable = 0x0002
	CmdBusMaster = 0x0004
)

const (
	HeaderTypeMask    = 0x7f
	HeaderTypeNormal  = 0x00
	HeaderTypeBridge  = 0x01
	HeaderTypeCardbus = 0x02

	ClassBridge       = 0x06
	SubClassPCIBridge = 0x04

	// ProgIFSubtractive marks a bridge that subtractively decodes.
	ProgIFSubtractive = 0x01
)

// Bridge control register bits.
const (
	BridgeCtlISAEnable = 0x0004
	BridgeCtlVGAEnable = 0x0008
)

// The low nibble of the I/O and prefetchable base/limit registers is a
// read-only addressing capability.
const (
	IOWidthMask   = 0x0f
	IOWidth32     = 0x01
	PrefWidthMask = 0x0f
	PrefWidth64   = 0x01
)

// Width is the addressing capability of a bridge window.
type Width int

const (
	Absent Width = iota
	Narrow       // 16-bit I/O, 32-bit prefetchable memory
	Wide         // 32-bit I/O, 64-bit prefetchable memory
)

func (w Width) String() string {
	switch w {
	case Narrow:
		return "narrow"
	case Wide:
		return "wide"
	default:
		return "absent"
	}
}

// DecodeIOBase decodes the I/O base from its high and low registers.
func DecodeIOBase(high, low uint32) uint64 {
	return uint64(high&0xffff)<<16 | uint64(low&0xf0)<<8
}

// DecodeIOLimit decodes the I/O limit from its high and low registers.
func DecodeIOLimit(high, low uint32) uint64 {
	return uint64(high&0xffff)<<16 | uint64(low&0xf0)<<8 | 0xfff
}

// DecodeMemBase decodes a memory or prefetchable base.
func DecodeMemBase(high, low uint32) uint64 {
	return uint64(high)<<32 | uint64(low&0xfff0)<<16
}

// DecodeMemLimit decodes a memory or prefetchable limit.
func DecodeMemLimit(high, low uint32) uint64 {
	return uint64(high)<<32 | uint64(low&0xfff0)<<16 | 0xfffff
}

// IsVGAIOPortRange reports whether [start, end] lies in the legacy VGA
// I/O ports.
func IsVGAIOPortRange(start, end uint64) bool {
	return (start >= 0x3b0 && end <= 0x3bb) || (start >= 0x3c0 && end <= 0x3df)
}

// IsVGAMemoryRange reports whether [start, end] lies in the legacy VGA
// frame buffer.
func IsVGAMemoryRange(start, end uint64) bool {
	return start >= 0xa0000 && end <= 0xbffff
}
