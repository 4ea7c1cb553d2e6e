package pci

import "fmt"

const (
	StatusCapList = 0x0010
	CapPointer    = 0x34

	CapIDPowerManagement = 0x01

	// PMCSR is the control/status register offset inside the power
	// management capability.
	PMCSR          = 0x04
	PMCSRStateMask = 0x0003
)

// PowerState is a PCI device power state.
type PowerState int

const (
	D0 PowerState = iota
	D1
	D2
	D3
)

func (p PowerState) String() string {
	return fmt.Sprintf("D%d", int(p))
}

// FindCapability walks the capability list of cs and returns the offset of
// the first capability with the given id.
func FindCapability(cs ConfigSpace, id uint8) (uint32, bool) {
	if cs.Read(Status, 2)&StatusCapList == 0 {
		return 0, false
	}

	ptr := cs.Read(CapPointer, 1) &^ 0x3

	// 48 entries is the most a 256 byte space can hold; the bound stops
	// a looped list.
	for i := 0; i < 48 && ptr >= 0x40; i++ {
		if uint8(cs.Read(ptr, 1)) == id {
			return ptr, true
		}

		ptr = cs.Read(ptr+1, 1) &^ 0x3
	}

	return 0, false
}

// SetPowerState programs the power management capability of cs. It
// reports false when the function has no such capability.
func SetPowerState(cs ConfigSpace, state PowerState) bool {
	off, ok := FindCapability(cs, CapIDPowerManagement)
	if !ok {
		return false
	}

	v := cs.Read(off+PMCSR, 2)
	cs.Write(off+PMCSR, 2, v&^PMCSRStateMask|uint32(state)&PMCSRStateMask)

	return true
}
