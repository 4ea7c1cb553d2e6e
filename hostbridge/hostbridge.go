// Package hostbridge is the root of a PCI hierarchy: it owns the host I/O
// port, memory and bus number ranges and leases them to the bridges below.
package hostbridge

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/bobuhiro11/gopcib/pci"
	"github.com/bobuhiro11/gopcib/pcib"
	"github.com/bobuhiro11/gopcib/region"
)

var (
	ErrUnknownKind   = errors.New("unknown resource kind")
	ErrUnknownVector = errors.New("message signalled interrupt not allocated")
)

const (
	msiAddress = 0xfee00000
	maxMSI     = 32
)

// Config describes the ranges decoded by the host bridge. Ranges are
// inclusive [start, end] pairs.
type Config struct {
	IO    [2]uint64
	Mem   [2]uint64
	Buses [2]uint64

	// FirstIRQ is the interrupt raised by INTA of slot 0.
	FirstIRQ int
	// FirstMSI is the first message signalled interrupt vector.
	FirstMSI int

	Logger  *log.Logger
	Verbose bool
}

// DefaultConfig mirrors a small x86 host: legacy ports below 0x1000 and
// the root bus number are kept for the host itself.
func DefaultConfig() Config {
	return Config{
		IO:       [2]uint64{0x1000, 0xffff},
		Mem:      [2]uint64{0xc0000000, 0xfebfffff},
		Buses:    [2]uint64{0, 0xff},
		FirstIRQ: 16,
		FirstMSI: 64,
	}
}

// Host implements pcib.Parent. It is safe for concurrent use.
type Host struct {
	mu sync.Mutex

	io   *region.Manager
	mem  *region.Manager
	bus  *region.Manager
	root *region.Region

	firstIRQ int
	nextMSI  int
	msi      map[int]bool

	log     *log.Logger
	verbose bool
}

func New(cfg Config) (*Host, error) {
	h := &Host{
		io:       region.New("host I/O ports", 0, 0xffffffff),
		mem:      region.New("host memory", 0, 0xffffffffffffffff),
		bus:      region.New("host bus numbers", 0, 0xff),
		firstIRQ: cfg.FirstIRQ,
		nextMSI:  cfg.FirstMSI,
		msi:      map[int]bool{},
		log:      cfg.Logger,
		verbose:  cfg.Verbose,
	}

	if h.log == nil {
		h.log = log.Default()
	}

	for _, c := range []struct {
		m *region.Manager
		r [2]uint64
	}{
		{h.io, cfg.IO},
		{h.mem, cfg.Mem},
		{h.bus, cfg.Buses},
	} {
		if err := c.m.Manage(c.r[0], c.r[1]); err != nil {
			return nil, err
		}
	}

	// The root bus itself.
	root, err := h.bus.Reserve(cfg.Buses[0], cfg.Buses[0], 1, 0, "host")
	if err != nil {
		return nil, err
	}

	h.root = root

	return h, nil
}

// RootBus returns the number of the bus the host bridge drives.
func (h *Host) RootBus() uint8 {
	return uint8(h.root.Start())
}

func (h *Host) manager(kind pcib.Kind) (*region.Manager, error) {
	switch kind {
	case pcib.IOPort:
		return h.io, nil
	case pcib.Memory:
		return h.mem, nil
	case pcib.BusNumber:
		return h.bus, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
}

func denied(err error) error {
	return fmt.Errorf("%w: %w", pcib.ErrUpstreamDenied, err)
}

func (h *Host) debugf(format string, args ...interface{}) {
	if h.verbose {
		h.log.Printf("host: "+format, args...)
	}
}

func (h *Host) AllocRange(req pcib.Request) (*region.Region, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.manager(req.Kind)
	if err != nil {
		return nil, denied(err)
	}

	r, err := m.Reserve(req.Start, req.End, req.Count, req.Flags&^region.Active, req.Owner)
	if err != nil {
		return nil, denied(fmt.Errorf("%v: %w", req, err))
	}

	if req.Flags&region.Active != 0 {
		_ = m.Activate(r)
	}

	h.debugf("leased %v %v to %s", req.Kind, r, req.Owner)

	return r, nil
}

func (h *Host) AdjustRange(kind pcib.Kind, r *region.Region, start, end uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.manager(kind)
	if err != nil {
		return denied(err)
	}

	if err := m.Adjust(r, start, end); err != nil {
		return denied(fmt.Errorf("adjust %v %v to %#x-%#x: %w", kind, r, start, end, err))
	}

	h.debugf("adjusted %v lease of %s to %v", kind, r.Owner(), r)

	return nil
}

func (h *Host) ReleaseRange(kind pcib.Kind, r *region.Region) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.manager(kind)
	if err != nil {
		return denied(err)
	}

	if err := m.Release(r); err != nil {
		return denied(fmt.Errorf("release %v %v: %w", kind, r, err))
	}

	return nil
}

// Claim takes a fixed range out of the pool, the way firmware devices
// that are not behind any bridge hold on to their resources.
func (h *Host) Claim(kind pcib.Kind, start, end uint64, owner string) (*region.Region, error) {
	return h.AllocRange(pcib.Request{
		Kind:  kind,
		Start: start,
		End:   end,
		Count: end - start + 1,
		Owner: owner,
	})
}

// Spans returns the current layout of the pool of kind.
func (h *Host) Spans(kind pcib.Kind) []region.Span {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.manager(kind)
	if err != nil {
		return nil
	}

	return m.Spans()
}

func (h *Host) EnableDecode(cs pci.ConfigSpace, kind pcib.Kind) error {
	var bit uint32

	switch kind {
	case pcib.IOPort:
		bit = pci.CmdIOEnable
	case pcib.Memory:
		bit = pci.CmdMemEnable
	default:
		return nil
	}

	cs.Write(pci.Command, 2, cs.Read(pci.Command, 2)|bit)

	return nil
}

// RouteInterrupt maps the four pins of the root bus round robin onto
// four consecutive IRQs starting at FirstIRQ.
func (h *Host) RouteInterrupt(slot uint8, pin int) (int, error) {
	if pin < 1 || pin > 4 {
		return 0, fmt.Errorf("interrupt pin %d: %w", pin, pcib.ErrInvalidRequest)
	}

	return h.firstIRQ + (int(slot)+pin-1)%4, nil
}

func (h *Host) AllocMSI(count, maxCount int) ([]int, error) {
	if count < 1 || count > maxCount || count > maxMSI {
		return nil, fmt.Errorf("%d MSI vectors (max %d): %w", count, maxCount, pcib.ErrInvalidRequest)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	irqs := make([]int, 0, count)
	for i := 0; i < count; i++ {
		irqs = append(irqs, h.nextMSI)
		h.msi[h.nextMSI] = true
		h.nextMSI++
	}

	return irqs, nil
}

func (h *Host) ReleaseMSI(irqs []int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, irq := range irqs {
		if !h.msi[irq] {
			return fmt.Errorf("irq %d: %w", irq, ErrUnknownVector)
		}
	}

	for _, irq := range irqs {
		delete(h.msi, irq)
	}

	return nil
}

func (h *Host) AllocMSIX() (int, error) {
	irqs, err := h.AllocMSI(1, 1)
	if err != nil {
		return 0, err
	}

	return irqs[0], nil
}

func (h *Host) ReleaseMSIX(irq int) error {
	return h.ReleaseMSI([]int{irq})
}

// MapMSI returns the message address and data a device writes to raise
// irq.
func (h *Host) MapMSI(irq int) (uint64, uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.msi[irq] {
		return 0, 0, fmt.Errorf("irq %d: %w", irq, ErrUnknownVector)
	}

	return msiAddress, uint32(irq), nil
}

// PowerForSleep puts every device in D3 for sleep and D0 otherwise.
func (h *Host) PowerForSleep(slot uint8, suspend bool) (pci.PowerState, error) {
	if suspend {
		return pci.D3, nil
	}

	return pci.D0, nil
}
