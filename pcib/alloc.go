package pcib

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gopcib/pci"
	"github.com/bobuhiro11/gopcib/region"
)

// suballoc reserves the request from the ranges w already holds.
func (b *Bridge) suballoc(w *window, req Request) (*region.Region, error) {
	if !w.isOpen() {
		return nil, fmt.Errorf("%s window closed: %w", w.name, region.ErrBusy)
	}

	r, err := w.rm.Reserve(req.Start, req.End, req.Count, req.Flags&^region.Active, req.Owner)
	if err != nil {
		return nil, err
	}

	b.debugf("allocated %s range (%#x-%#x) for %s", w.name, r.Start(), r.End(), req.Owner)

	if req.Flags&region.Active != 0 {
		if err := w.rm.Activate(r); err != nil {
			_ = w.rm.Release(r)

			return nil, err
		}
	}

	return r, nil
}

// growAndSuballoc grows w for req and reserves from it.
func (b *Bridge) growAndSuballoc(w *window, req Request, flags region.Flags) (*region.Region, error) {
	if err := b.growWindow(w, req.Start, req.End, req.Count, flags); err != nil {
		return nil, err
	}

	r, err := b.suballoc(w, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSpace, err)
	}

	return r, nil
}

// AllocResource serves a request from a downstream device, growing the
// matching window when it has no room.
func (b *Bridge) AllocResource(req Request) (*region.Region, error) {
	if req.Count == 0 || req.Start+req.Count-1 < req.Start || req.Start+req.Count-1 > req.End {
		return nil, fmt.Errorf("%s: %v: %w", b.name, req, ErrInvalidRequest)
	}

	// VGA ranges sit outside the windows and are decoded only with the
	// VGA enable bit.
	if (req.Kind == IOPort && pci.IsVGAIOPortRange(req.Start, req.End)) ||
		(req.Kind == Memory && pci.IsVGAMemoryRange(req.Start, req.End)) {
		if b.bridgeCtl&pci.BridgeCtlVGAEnable != 0 {
			return b.parent.AllocRange(req)
		}

		return nil, fmt.Errorf("%s: VGA range %v not forwarded: %w", b.name, req, ErrInvalidRequest)
	}

	var (
		r   *region.Region
		err error
	)

	switch req.Kind {
	case BusNumber:
		if b.bus.rm == nil {
			return b.parent.AllocRange(req)
		}

		return b.allocSubBus(req)
	case IOPort:
		if b.isISARange(req.Start, req.End, req.Count) {
			return nil, fmt.Errorf("%s: %v overlaps an ISA alias: %w", b.name, req, ErrInvalidRequest)
		}

		if r, err = b.suballoc(&b.io, req); err == nil || b.Subtractive() {
			break
		}

		r, err = b.growAndSuballoc(&b.io, req, req.Flags)
	case Memory:
		// Try both windows before growing: firmware may have put a
		// prefetchable BAR in the plain memory window.
		prefetch := req.Flags&region.Prefetchable != 0
		if prefetch {
			if r, err = b.suballoc(&b.pmem, req); err == nil {
				break
			}
		}

		if r, err = b.suballoc(&b.mem, req); err == nil || b.Subtractive() {
			break
		}

		if prefetch {
			if r, err = b.growAndSuballoc(&b.pmem, req, req.Flags); err == nil {
				break
			}
		}

		r, err = b.growAndSuballoc(&b.mem, req, req.Flags&^region.Prefetchable)
	default:
		return b.parent.AllocRange(req)
	}

	if r == nil && b.Subtractive() {
		b.debugf("passing %v to the parent", req)

		return b.parent.AllocRange(req)
	}

	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", b.name, req, err)
	}

	return r, nil
}

// managerOf returns the allocator r was reserved from, or nil when r
// came from upstream.
func (b *Bridge) managerOf(kind Kind, r *region.Region) *region.Manager {
	var ms []*region.Manager

	switch kind {
	case IOPort:
		ms = append(ms, b.io.rm)
	case Memory:
		ms = append(ms, b.mem.rm, b.pmem.rm)
	case BusNumber:
		ms = append(ms, b.bus.rm)
	}

	for _, m := range ms {
		if m != nil && m.Owns(r) {
			return m
		}
	}

	return nil
}

// IsManaged reports whether r was sub-allocated by this bridge.
func (b *Bridge) IsManaged(kind Kind, r *region.Region) bool {
	return b.managerOf(kind, r) != nil
}

// ReleaseResource returns r to the window it came from, or to the parent
// if the bridge passed it through.
func (b *Bridge) ReleaseResource(kind Kind, r *region.Region) error {
	m := b.managerOf(kind, r)
	if m == nil {
		return b.parent.ReleaseRange(kind, r)
	}

	if r.IsActive() {
		if err := m.Deactivate(r); err != nil {
			return err
		}
	}

	return m.Release(r)
}

// AdjustResource moves the bounds of r within its window. Windows are
// not grown for an adjustment.
func (b *Bridge) AdjustResource(kind Kind, r *region.Region, start, end uint64) error {
	m := b.managerOf(kind, r)
	if m == nil {
		return b.parent.AdjustRange(kind, r, start, end)
	}

	return m.Adjust(r, start, end)
}

func denied(err error) error {
	if err == nil || errors.Is(err, ErrUpstreamDenied) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrUpstreamDenied, err)
}

// AllocRange lets a bridge behind b lease from b's windows.
func (b *Bridge) AllocRange(req Request) (*region.Region, error) {
	r, err := b.AllocResource(req)

	return r, denied(err)
}

func (b *Bridge) AdjustRange(kind Kind, r *region.Region, start, end uint64) error {
	return denied(b.AdjustResource(kind, r, start, end))
}

func (b *Bridge) ReleaseRange(kind Kind, r *region.Region) error {
	return denied(b.ReleaseResource(kind, r))
}

// EnableDecode sets the command register enable bit for kind in the
// function behind cs.
func (b *Bridge) EnableDecode(cs pci.ConfigSpace, kind Kind) error {
	var bit uint32

	switch kind {
	case IOPort:
		bit = pci.CmdIOEnable
	case Memory:
		bit = pci.CmdMemEnable
	default:
		return nil
	}

	cs.Write(pci.Command, 2, cs.Read(pci.Command, 2)|bit)

	return nil
}
