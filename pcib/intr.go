package pcib

import (
	"fmt"

	"github.com/bobuhiro11/gopcib/pci"
)

// Swizzle maps interrupt pin (1 = INTA) of a device in slot on the
// secondary bus to the pin the bridge raises on its primary bus.
func Swizzle(slot uint8, pin int) int {
	return (int(slot)+pin-1)%4 + 1
}

// RouteInterrupt routes a pin from behind the bridge through the bridge's
// own slot on the primary bus.
func (b *Bridge) RouteInterrupt(slot uint8, pin int) (int, error) {
	if pin < 1 || pin > 4 {
		return 0, fmt.Errorf("%s: interrupt pin %d: %w", b.name, pin, ErrInvalidRequest)
	}

	parentPin := Swizzle(slot, pin)

	irq, err := b.parent.RouteInterrupt(b.opts.Slot, parentPin)
	if err != nil {
		return 0, err
	}

	b.debugf("slot %d INT%c routed to irq %d", slot, 'A'+pin-1, irq)

	return irq, nil
}

func (b *Bridge) AllocMSI(count, maxCount int) ([]int, error) {
	if b.flags&flagDisableMSI != 0 {
		return nil, fmt.Errorf("%s: %w", b.name, ErrMSIDisabled)
	}

	return b.parent.AllocMSI(count, maxCount)
}

func (b *Bridge) ReleaseMSI(irqs []int) error {
	return b.parent.ReleaseMSI(irqs)
}

func (b *Bridge) AllocMSIX() (int, error) {
	if b.flags&flagDisableMSIX != 0 {
		return 0, fmt.Errorf("%s: %w", b.name, ErrMSIXDisabled)
	}

	return b.parent.AllocMSIX()
}

func (b *Bridge) ReleaseMSIX(irq int) error {
	return b.parent.ReleaseMSIX(irq)
}

func (b *Bridge) MapMSI(irq int) (uint64, uint32, error) {
	return b.parent.MapMSI(irq)
}

// PowerForSleep asks upstream on behalf of a device behind the bridge.
func (b *Bridge) PowerForSleep(slot uint8, suspend bool) (pci.PowerState, error) {
	return b.parent.PowerForSleep(slot, suspend)
}
