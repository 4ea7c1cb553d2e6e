package pcib

import "github.com/bobuhiro11/gopcib/pci"

// QuirkAction is an override applied to a bridge matching a Quirk.
type QuirkAction int

const (
	QuirkSubtractive QuirkAction = iota + 1
	QuirkDisableMSI
	QuirkDisableMSIX
)

func (a QuirkAction) String() string {
	switch a {
	case QuirkSubtractive:
		return "subtractive"
	case QuirkDisableMSI:
		return "disable-msi"
	case QuirkDisableMSIX:
		return "disable-msix"
	default:
		return "unknown"
	}
}

// Quirk matches bridges whose vendor equals Vendor and whose device ID
// equals Device under DeviceMask.
type Quirk struct {
	Vendor     uint16
	Device     uint16
	DeviceMask uint16
	Action     QuirkAction
}

func (q Quirk) matches(vendor, device uint16) bool {
	return vendor == q.Vendor && device&q.DeviceMask == q.Device&q.DeviceMask
}

// DefaultQuirks lists bridges known to decode subtractively without
// saying so in their programming interface.
var DefaultQuirks = []Quirk{
	// Intel 82801AA and later hub-to-PCI bridges.
	{Vendor: 0x8086, Device: 0x2400, DeviceMask: 0xff00, Action: QuirkSubtractive},
	// Intel 82380FB mobile docking controller.
	{Vendor: 0x8086, Device: 0x124b, DeviceMask: 0xffff, Action: QuirkSubtractive},
	// Toshiba 0x0605 bridge.
	{Vendor: 0x13d7, Device: 0x0605, DeviceMask: 0xffff, Action: QuirkSubtractive},
}

func (b *Bridge) applyQuirks() {
	quirks := b.opts.Quirks
	if quirks == nil {
		quirks = DefaultQuirks
	}

	vendor := uint16(b.cfg.Read(pci.VendorID, 2))
	device := uint16(b.cfg.Read(pci.DeviceID, 2))

	for _, q := range quirks {
		if !q.matches(vendor, device) {
			continue
		}

		b.debugf("applying %v quirk for %04x:%04x", q.Action, vendor, device)

		switch q.Action {
		case QuirkSubtractive:
			b.flags |= flagSubtractive
		case QuirkDisableMSI:
			b.flags |= flagDisableMSI
		case QuirkDisableMSIX:
			b.flags |= flagDisableMSIX
		}
	}
}
