package pci

import (
	"fmt"
	"log"
)

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
const (
	ConfAddrPort = 0xCF8
	ConfDataPort = 0xCFC
)

type address uint32

func newAddress(loc Location, offset uint32) address {
	return address(1<<31 |
		uint32(loc.Bus)<<16 |
		uint32(loc.Device&0x1f)<<11 |
		uint32(loc.Function&0x7)<<8 |
		offset&0xfc)
}

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return uint32(a)>>31 == 0x1
}

func (a address) location() Location {
	return Location{
		Bus:      uint8(a.getBusNumber()),
		Device:   uint8(a.getDeviceNumber()),
		Function: uint8(a.getFunctionNumber()),
	}
}

// Location is a bus/device/function triple.
type Location struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (l Location) String() string {
	return fmt.Sprintf("%02x:%02x.%x", l.Bus, l.Device, l.Function)
}

// PortIO is an x86 I/O port space.
type PortIO interface {
	In(port uint64, values []byte) error
	Out(port uint64, values []byte) error
}

// Host decodes mechanism #1 accesses on ports 0xCF8-0xCFF and routes them
// to the configuration spaces registered at each location.
type Host struct {
	addr    address
	devices map[Location]ConfigSpace
	Verbose bool
}

func NewHost() *Host {
	return &Host{
		devices: make(map[Location]ConfigSpace),
	}
}

// Register attaches cs at loc, replacing any previous function there.
func (h *Host) Register(loc Location, cs ConfigSpace) {
	h.devices[loc] = cs
}

func (h *Host) In(port uint64, values []byte) error {
	switch {
	case port >= ConfAddrPort && port < ConfAddrPort+4:
		return h.PciConfAddrIn(port, values)
	case port >= ConfDataPort && port < ConfDataPort+4:
		return h.PciConfDataIn(port, values)
	}

	return fmt.Errorf("%w: in 0x%x", ErrPortNotDecoded, port)
}

func (h *Host) Out(port uint64, values []byte) error {
	switch {
	case port >= ConfAddrPort && port < ConfAddrPort+4:
		return h.PciConfAddrOut(port, values)
	case port >= ConfDataPort && port < ConfDataPort+4:
		return h.PciConfDataOut(port, values)
	}

	return fmt.Errorf("%w: out 0x%x", ErrPortNotDecoded, port)
}

func (h *Host) target(port uint64) (ConfigSpace, uint32, bool) {
	// offset can be obtained from many source as below:
	//        (address from IO port 0xcf8) & 0xfc + (IO port address for Data) - 0xCFC
	// see pci_conf1_read in linux/arch/x86/pci/direct.c for more detail.
	offset := h.addr.getRegisterOffset() + uint32(port-ConfDataPort)

	if !h.addr.isEnable() {
		return nil, 0, false
	}

	cs, ok := h.devices[h.addr.location()]
	if !ok {
		return nil, 0, false
	}

	return cs, offset, true
}

func (h *Host) PciConfDataIn(port uint64, values []byte) error {
	if !validWidth(len(values)) {
		return ErrInvalidWidth
	}

	cs, offset, ok := h.target(port)
	if !ok {
		for i := range values {
			values[i] = 0xff
		}

		return nil
	}

	v := cs.Read(offset, len(values))
	for i := range values {
		values[i] = byte(v >> (8 * i))
	}

	if h.Verbose {
		log.Printf("PciConfDataIn: %v offset:0x%x values: %#v", h.addr.location(), offset, values)
	}

	return nil
}

func (h *Host) PciConfDataOut(port uint64, values []byte) error {
	if !validWidth(len(values)) {
		return ErrInvalidWidth
	}

	cs, offset, ok := h.target(port)
	if !ok {
		return nil
	}

	v := uint32(0)
	for i := len(values) - 1; i >= 0; i-- {
		v = v<<8 | uint32(values[i])
	}

	cs.Write(offset, len(values), v)

	if h.Verbose {
		log.Printf("PciConfDataOut: %v offset:0x%x values: %#v", h.addr.location(), offset, values)
	}

	return nil
}

func (h *Host) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	values[3] = uint8((h.addr >> 24) & 0xff)
	values[2] = uint8((h.addr >> 16) & 0xff)
	values[1] = uint8((h.addr >> 8) & 0xff)
	values[0] = uint8((h.addr >> 0) & 0xff)

	return nil
}

func (h *Host) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	x := uint32(0)
	x |= uint32(values[3]) << 24
	x |= uint32(values[2]) << 16
	x |= uint32(values[1]) << 8
	x |= uint32(values[0]) << 0

	h.addr = address(x)

	return nil
}

// Mech1 is a ConfigSpace for one function reached through mechanism #1
// on an arbitrary port space.
type Mech1 struct {
	Port PortIO
	Loc  Location

	err error
}

func NewMech1(port PortIO, loc Location) *Mech1 {
	return &Mech1{Port: port, Loc: loc}
}

// Err returns the first port error seen.
func (m *Mech1) Err() error {
	return m.err
}

func (m *Mech1) selectRegister(offset uint32) bool {
	if m.err != nil {
		return false
	}

	a := newAddress(m.Loc, offset)
	values := []byte{byte(a), byte(a >> 8), byte(a >> 16), byte(a >> 24)}

	if err := m.Port.Out(ConfAddrPort, values); err != nil {
		m.err = fmt.Errorf("select %v offset 0x%x: %w", m.Loc, offset, err)

		return false
	}

	return true
}

func (m *Mech1) Read(offset uint32, width int) uint32 {
	if !validAccess(offset, width) || !m.selectRegister(offset) {
		return allOnes(width)
	}

	values := make([]byte, width)
	if err := m.Port.In(ConfDataPort+uint64(offset&3), values); err != nil {
		m.err = fmt.Errorf("read %v offset 0x%x: %w", m.Loc, offset, err)

		return allOnes(width)
	}

	v := uint32(0)
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint32(values[i])
	}

	return v
}

func (m *Mech1) Write(offset uint32, width int, value uint32) {
	if !validAccess(offset, width) || !m.selectRegister(offset) {
		return
	}

	values := make([]byte, width)
	for i := range values {
		values[i] = byte(value >> (8 * i))
	}

	if err := m.Port.Out(ConfDataPort+uint64(offset&3), values); err != nil {
		m.err = fmt.Errorf("write %v offset 0x%x: %w", m.Loc, offset, err)
	}
}

func validWidth(n int) bool {
	return n == 1 || n == 2 || n == 4
}
