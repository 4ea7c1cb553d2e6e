package pcib

import (
	"fmt"

	"github.com/bobuhiro11/gopcib/pci"
)

// State is the saved configuration of a bridge.
type State struct {
	Name        string
	Domain      int
	Primary     uint8
	Secondary   uint8
	Subordinate uint8
	Command     uint16
	BridgeCtl   uint16
	SecLat      uint8
	SecStat     uint16
	Subtractive bool
	Power       pci.PowerState

	IO       Window
	Mem      Window
	Prefetch Window
}

// Save reads the bridge registers that Restore writes back.
func (b *Bridge) Save() State {
	b.command = uint16(b.cfg.Read(pci.Command, 2))
	b.priBus = uint8(b.cfg.Read(pci.PriBus, 1))
	b.bus.sec = uint8(b.cfg.Read(pci.SecBus, 1))
	b.bus.sub = uint8(b.cfg.Read(pci.SubBus, 1))
	b.bridgeCtl = uint16(b.cfg.Read(pci.BridgeCtl, 2))
	b.secLat = uint8(b.cfg.Read(pci.SecLat, 1))

	return b.State()
}

// Restore writes the saved registers back in the order Save read them,
// then reprograms every window from the in-memory windows.
func (b *Bridge) Restore() {
	b.cfg.Write(pci.Command, 2, uint32(b.command))
	b.cfg.Write(pci.PriBus, 1, uint32(b.priBus))
	b.cfg.Write(pci.SecBus, 1, uint32(b.bus.sec))
	b.cfg.Write(pci.SubBus, 1, uint32(b.bus.sub))
	b.cfg.Write(pci.BridgeCtl, 2, uint32(b.bridgeCtl))
	b.cfg.Write(pci.SecLat, 1, uint32(b.secLat))

	b.writeWindows(WindowAll)
}

// State returns the in-memory configuration without touching hardware.
func (b *Bridge) State() State {
	return State{
		Name:        b.name,
		Domain:      b.domain,
		Primary:     b.priBus,
		Secondary:   b.bus.sec,
		Subordinate: b.bus.sub,
		Command:     b.command,
		BridgeCtl:   b.bridgeCtl,
		SecLat:      b.secLat,
		SecStat:     b.secStat,
		Subtractive: b.Subtractive(),
		Power:       b.power,
		IO:          b.io.snapshot(),
		Mem:         b.mem.snapshot(),
		Prefetch:    b.pmem.snapshot(),
	}
}

// Suspend saves the configuration and lowers the power state the parent
// picks for sleep.
func (b *Bridge) Suspend() error {
	b.Save()

	if !b.opts.PowerSuspend {
		return nil
	}

	state, err := b.parent.PowerForSleep(b.opts.Slot, true)
	if err != nil {
		return fmt.Errorf("%s: suspend: %w", b.name, err)
	}

	if pci.SetPowerState(b.cfg, state) {
		b.power = state
	}

	return nil
}

// Resume returns the bridge to D0 and restores the saved configuration.
func (b *Bridge) Resume() error {
	if b.opts.PowerResume {
		if _, err := b.parent.PowerForSleep(b.opts.Slot, false); err != nil {
			return fmt.Errorf("%s: resume: %w", b.name, err)
		}

		if pci.SetPowerState(b.cfg, pci.D0) {
			b.power = pci.D0
		}
	}

	b.Restore()

	return nil
}
