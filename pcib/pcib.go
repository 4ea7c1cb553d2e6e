// Package pcib manages the resource windows of a PCI-to-PCI bridge: the
// I/O, memory and prefetchable memory ranges and the secondary bus number
// range it decodes for downstream devices.
//
// A Bridge does no locking of its own; callers serialize access to it the
// way a bus framework serializes resource requests.
package pcib

import (
	"errors"
	"fmt"
	"log"

	"github.com/bobuhiro11/gopcib/pci"
	"github.com/bobuhiro11/gopcib/region"
)

var (
	// ErrInvalidRequest is a malformed request: zero count, overflow,
	// ISA alias or a VGA range on a bridge that does not forward VGA.
	ErrInvalidRequest = errors.New("invalid resource request")

	// ErrNoSpace means neither growth direction nor a fresh window could
	// satisfy the request.
	ErrNoSpace = errors.New("no space in bridge window")

	// ErrUpstreamDenied is returned by parents refusing an allocation,
	// an adjustment or a release.
	ErrUpstreamDenied = errors.New("parent denied the request")

	ErrNotBridge    = errors.New("device is not a PCI-to-PCI bridge")
	ErrMSIDisabled  = errors.New("MSI is disabled behind this bridge")
	ErrMSIXDisabled = errors.New("MSI-X is disabled behind this bridge")
)

// Kind is the address space of a resource.
type Kind int

const (
	IOPort Kind = iota
	Memory
	BusNumber
)

func (k Kind) String() string {
	switch k {
	case IOPort:
		return "I/O port"
	case Memory:
		return "memory"
	case BusNumber:
		return "bus number"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request asks for Count consecutive addresses of Kind within
// [Start, End]. Flags carry the alignment and the prefetchable/active
// bits.
type Request struct {
	Kind  Kind
	Start uint64
	End   uint64
	Count uint64
	Flags region.Flags
	Owner string
}

func (r Request) String() string {
	return fmt.Sprintf("%v %#x-%#x,%#x", r.Kind, r.Start, r.End, r.Count)
}

// Parent is the upstream bus a bridge obtains its ranges from. A
// *Bridge is itself a Parent for bridges behind it.
type Parent interface {
	AllocRange(req Request) (*region.Region, error)
	AdjustRange(kind Kind, r *region.Region, start, end uint64) error
	ReleaseRange(kind Kind, r *region.Region) error

	// EnableDecode turns on decoding of kind in the child function
	// behind cs.
	EnableDecode(cs pci.ConfigSpace, kind Kind) error

	InterruptRouter
}

// InterruptRouter covers the requests a bridge forwards upward unchanged
// (apart from the interrupt pin swizzle).
type InterruptRouter interface {
	RouteInterrupt(slot uint8, pin int) (int, error)
	AllocMSI(count, maxCount int) ([]int, error)
	ReleaseMSI(irqs []int) error
	AllocMSIX() (int, error)
	ReleaseMSIX(irq int) error
	MapMSI(irq int) (addr uint64, data uint32, err error)
	PowerForSleep(slot uint8, suspend bool) (pci.PowerState, error)
}

// Options configure a bridge at construction.
type Options struct {
	// Name prefixes log lines and region owners.
	Name string

	Domain int
	// Bus is the number of the bus the bridge sits on.
	Bus  uint8
	Slot uint8

	// ClearFirmwareWindows discards the windows programmed by firmware
	// before probing.
	ClearFirmwareWindows bool

	// BusNumbering makes the bridge manage its secondary bus range.
	BusNumbering bool
	MinBusCount  int

	// PowerSuspend and PowerResume let Suspend and Resume negotiate a
	// device power state with the parent.
	PowerSuspend bool
	PowerResume  bool

	// Quirks replaces DefaultQuirks when non-nil.
	Quirks []Quirk

	Logger  *log.Logger
	Verbose bool
}

type bridgeFlags uint

const (
	flagSubtractive bridgeFlags = 1 << iota
	flagDisableMSI
	flagDisableMSIX
)

// Bridge is one PCI-to-PCI bridge.
type Bridge struct {
	cfg    pci.ConfigSpace
	parent Parent
	opts   Options
	log    *log.Logger
	name   string

	domain    int
	priBus    uint8
	command   uint16
	bridgeCtl uint16
	secLat    uint8
	secStat   uint16
	flags     bridgeFlags
	power     pci.PowerState

	bus  secondaryBus
	io   window
	mem  window
	pmem window
}

// New returns a bridge for the function behind cfg. Nothing is read
// from hardware until Attach.
func New(cfg pci.ConfigSpace, parent Parent, opts Options) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		parent: parent,
		opts:   opts,
		log:    opts.Logger,
		name:   opts.Name,
	}

	if b.log == nil {
		b.log = log.Default()
	}

	if b.name == "" {
		b.name = "pcib"
	}

	return b
}

func (b *Bridge) Name() string { return b.name }

// Subtractive reports whether the bridge passes unclaimed transactions
// upstream.
func (b *Bridge) Subtractive() bool {
	return b.flags&flagSubtractive != 0
}

// SecondaryBus returns the secondary and subordinate bus numbers.
func (b *Bridge) SecondaryBus() (sec, sub uint8) {
	return b.bus.sec, b.bus.sub
}

// Attach reads the bridge configuration, applies quirks, sets up bus
// numbering and probes the windows.
func (b *Bridge) Attach() error {
	if b.cfg.Read(pci.Class, 1) != pci.ClassBridge || b.cfg.Read(pci.SubClass, 1) != pci.SubClassPCIBridge {
		return fmt.Errorf("%s: %w", b.name, ErrNotBridge)
	}

	b.domain = b.opts.Domain
	b.secStat = uint16(b.cfg.Read(pci.SecStat, 2))
	b.Save()

	// The primary bus register always names the parent bus.
	b.priBus = b.opts.Bus
	b.cfg.Write(pci.PriBus, 1, uint32(b.priBus))

	b.applyQuirks()

	if b.cfg.Read(pci.ProgIF, 1) == pci.ProgIFSubtractive {
		b.flags |= flagSubtractive
	}

	if b.opts.BusNumbering {
		minCount := b.opts.MinBusCount
		if minCount < 1 {
			minCount = 1
		}

		b.setupSecBus(minCount)
	}

	b.probeWindows()

	if b.opts.Verbose {
		b.dump()
	}

	// Bus mastering forwards transactions initiated on the secondary bus.
	// Decode bits may have been set by the parent while probing.
	b.command = uint16(b.cfg.Read(pci.Command, 2)) | pci.CmdBusMaster
	b.cfg.Write(pci.Command, 2, uint32(b.command))

	return nil
}

// Detach returns every backing range and the bus range to the parent.
func (b *Bridge) Detach() error {
	var errs []error

	for _, w := range []*window{&b.io, &b.mem, &b.pmem} {
		for _, r := range w.ranges {
			if err := b.parent.ReleaseRange(w.kind, r); err != nil {
				errs = append(errs, fmt.Errorf("%s %s window: %w", b.name, w.name, err))
			}
		}

		w.ranges = nil
		w.rm = nil
		w.valid = false
	}

	if b.bus.res != nil {
		if err := b.parent.ReleaseRange(BusNumber, b.bus.res); err != nil {
			errs = append(errs, fmt.Errorf("%s bus numbers: %w", b.name, err))
		}

		b.bus.res = nil
		b.bus.rm = nil
	}

	return errors.Join(errs...)
}

func (b *Bridge) dump() {
	b.log.Printf("%s:   domain            %d", b.name, b.domain)
	b.log.Printf("%s:   secondary bus     %d", b.name, b.bus.sec)
	b.log.Printf("%s:   subordinate bus   %d", b.name, b.bus.sub)

	if b.io.isOpen() {
		b.log.Printf("%s:   I/O decode        %#x-%#x", b.name, b.io.base, b.io.limit)
	}

	if b.mem.isOpen() {
		b.log.Printf("%s:   memory decode     %#x-%#x", b.name, b.mem.base, b.mem.limit)
	}

	if b.pmem.isOpen() {
		b.log.Printf("%s:   prefetched decode %#x-%#x", b.name, b.pmem.base, b.pmem.limit)
	}

	var special []string
	if b.isaEnabled() {
		special = append(special, "ISA")
	}

	if b.bridgeCtl&pci.BridgeCtlVGAEnable != 0 {
		special = append(special, "VGA")
	}

	if b.Subtractive() {
		special = append(special, "subtractive")
	}

	if len(special) > 0 {
		b.log.Printf("%s:   special decode    %v", b.name, special)
	}
}

// debugf logs only in verbose mode.
func (b *Bridge) debugf(format string, args ...interface{}) {
	if b.opts.Verbose {
		b.log.Printf(b.name+": "+format, args...)
	}
}

func (b *Bridge) printf(format string, args ...interface{}) {
	b.log.Printf(b.name+": "+format, args...)
}
