package pci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidWidth   = errors.New("config access width must be 1, 2 or 4")
	ErrShortImage     = errors.New("config image is shorter than a type 1 header")
	ErrPortNotDecoded = errors.New("port is not decoded by the PCI host")
)

// ConfigSpace is the configuration space of a single function. Accesses
// are synchronous; out of range reads return all ones.
type ConfigSpace interface {
	Read(offset uint32, width int) uint32
	Write(offset uint32, width int, value uint32)
}

// BridgeHeader is the type 1 header layout.
type BridgeHeader struct {
	VendorID       uint16
	DeviceID       uint16
	Command        uint16
	Status         uint16
	RevisionID     uint8
	ClassCode      [3]uint8 // prog-if, subclass, class
	CacheLineSize  uint8
	LatencyTimer   uint8
	HeaderType     uint8
	BIST           uint8
	BAR            [2]uint32
	PrimaryBus     uint8
	SecondaryBus   uint8
	SubordinateBus uint8
	SecLatency     uint8
	IOBase         uint8
	IOLimit        uint8
	SecStatus      uint16
	MemBase        uint16
	MemLimit       uint16
	PrefBase       uint16
	PrefLimit      uint16
	PrefBaseUpper  uint32
	PrefLimitUpper uint32
	IOBaseUpper    uint16
	IOLimitUpper   uint16
	CapPointer     uint8
	Reserved       [3]uint8
	ExpansionROM   uint32
	InterruptLine  uint8
	InterruptPin   uint8
	BridgeControl  uint16
}

// NewBridgeHeader returns a header for a PCI-to-PCI bridge with every
// window closed.
func NewBridgeHeader(vendor, device uint16) *BridgeHeader {
	return &BridgeHeader{
		VendorID:   vendor,
		DeviceID:   device,
		ClassCode:  [3]uint8{0, SubClassPCIBridge, ClassBridge},
		HeaderType: HeaderTypeBridge,
		IOBase:     0xf0,
		MemBase:    0xfff0,
		PrefBase:   0xfff0,
	}
}

func (h *BridgeHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Capabilities selects which optional windows an emulated bridge
// implements and how wide they are.
type Capabilities struct {
	IO       Width
	Prefetch Width

	// PowerManagement adds a power management capability at pmCapOffset.
	PowerManagement bool
}

const pmCapOffset = 0x40

// Emulated is an in-memory configuration space with per-byte write masks.
// Bits outside the mask keep their value on writes, which is what the
// window probes rely on.
type Emulated struct {
	data  [ConfigSize]byte
	wmask [ConfigSize]byte
}

// NewEmulated builds a bridge configuration space from h.
func NewEmulated(h *BridgeHeader, caps Capabilities) (*Emulated, error) {
	b, err := h.Bytes()
	if err != nil {
		return nil, err
	}

	return NewEmulatedFromBytes(b, caps)
}

// NewEmulatedFromBytes builds a bridge configuration space from a raw
// image of at least 64 bytes.
func NewEmulatedFromBytes(raw []byte, caps Capabilities) (*Emulated, error) {
	if len(raw) < 0x40 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortImage, len(raw))
	}

	e := &Emulated{}
	copy(e.data[:], raw)

	e.setMask(Command, 0x47, 0x01)
	e.setMask(0x0c, 0xff, 0xff)
	e.setMask(PriBus, 0xff, 0xff, 0xff, 0xff)
	e.setMask(MemBase, 0xf0, 0xff, 0xf0, 0xff)
	e.setMask(0x3c, 0xff)
	e.setMask(BridgeCtl, 0xff, 0x0f)

	var ioCap, prefCap byte

	switch caps.IO {
	case Absent:
		e.data[IOBaseLow], e.data[IOLimitLow] = 0, 0
	case Narrow:
		e.setMask(IOBaseLow, 0xf0, 0xf0)
	case Wide:
		ioCap = IOWidth32
		e.setMask(IOBaseLow, 0xf0, 0xf0)
		e.setMask(IOBaseHigh, 0xff, 0xff, 0xff, 0xff)
	}

	e.data[IOBaseLow] = e.data[IOBaseLow]&0xf0 | ioCap
	e.data[IOLimitLow] = e.data[IOLimitLow]&0xf0 | ioCap

	switch caps.Prefetch {
	case Absent:
		for i := PrefBaseLow; i < PrefBaseLow+4; i++ {
			e.data[i] = 0
		}
	case Narrow:
		e.setMask(PrefBaseLow, 0xf0, 0xff, 0xf0, 0xff)
	case Wide:
		prefCap = PrefWidth64
		e.setMask(PrefBaseLow, 0xf0, 0xff, 0xf0, 0xff)
		e.setMask(PrefBaseHigh, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	}

	e.data[PrefBaseLow] = e.data[PrefBaseLow]&0xf0 | prefCap
	e.data[PrefLimitLow] = e.data[PrefLimitLow]&0xf0 | prefCap
	e.data[MemBase] &= 0xf0
	e.data[MemLimit] &= 0xf0

	if caps.PowerManagement {
		e.data[Status] |= StatusCapList
		e.data[CapPointer] = pmCapOffset
		e.data[pmCapOffset] = CapIDPowerManagement
		e.data[pmCapOffset+1] = 0
		e.setMask(pmCapOffset+PMCSR, PMCSRStateMask)
	}

	if caps.IO != Wide {
		for i := IOBaseHigh; i < IOBaseHigh+4; i++ {
			e.data[i] = 0
		}
	}

	if caps.Prefetch != Wide {
		for i := PrefBaseHigh; i < PrefBaseHigh+8; i++ {
			e.data[i] = 0
		}
	}

	return e, nil
}

func (e *Emulated) setMask(offset int, mask ...byte) {
	copy(e.wmask[offset:], mask)
}

func (e *Emulated) Read(offset uint32, width int) uint32 {
	if !validAccess(offset, width) {
		return allOnes(width)
	}

	v := uint32(0)
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint32(e.data[offset+uint32(i)])
	}

	return v
}

func (e *Emulated) Write(offset uint32, width int, value uint32) {
	if !validAccess(offset, width) {
		return
	}

	for i := 0; i < width; i++ {
		o := offset + uint32(i)
		b := byte(value >> (8 * i))
		e.data[o] = e.data[o]&^e.wmask[o] | b&e.wmask[o]
	}
}

// Bytes returns a copy of the whole configuration space.
func (e *Emulated) Bytes() []byte {
	b := make([]byte, ConfigSize)
	copy(b, e.data[:])

	return b
}

func validAccess(offset uint32, width int) bool {
	switch width {
	case 1, 2, 4:
	default:
		return false
	}

	return offset%uint32(width) == 0 && offset+uint32(width) <= ConfigSize
}

func allOnes(width int) uint32 {
	if width >= 4 || width <= 0 {
		return 0xffffffff
	}

	return 1<<(8*width) - 1
}
