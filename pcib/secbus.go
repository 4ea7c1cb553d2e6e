package pcib

import (
	"fmt"

	"github.com/bobuhiro11/gopcib/pci"
	"github.com/bobuhiro11/gopcib/region"
)

const busMax = 0xff

// secondaryBus is the range of bus numbers decoded behind the bridge:
// the secondary bus itself up to the subordinate bus.
type secondaryBus struct {
	sec    uint8
	sub    uint8
	subReg uint32

	rm  *region.Manager
	res *region.Region
}

// setupSecBus leases a bus number range of at least minCount numbers,
// or a single number when the parent cannot spare more.
func (b *Bridge) setupSecBus(minCount int) {
	switch b.cfg.Read(pci.HeaderType, 1) & pci.HeaderTypeMask {
	case pci.HeaderTypeBridge:
		b.bus.subReg = pci.SubBus
	case pci.HeaderTypeCardbus:
		b.bus.subReg = pci.CardbusSubBus
	default:
		panic(fmt.Sprintf("%s: not a PCI bridge", b.name))
	}

	count := uint64(minCount)
	req := Request{Kind: BusNumber, Start: 0, End: busMax, Count: count, Owner: b.name}

	var (
		res *region.Region
		err error
	)

	// Keep the numbers firmware assigned when the parent agrees.
	sec, sub := uint64(b.cfg.Read(pci.SecBus, 1)), uint64(b.cfg.Read(pci.SubBus, 1))
	if sec != 0 && sub >= sec {
		fixed := req
		fixed.Start, fixed.End, fixed.Count = sec, sub, sub-sec+1
		res, err = b.parent.AllocRange(fixed)
	}

	if res == nil {
		res, err = b.parent.AllocRange(req)
	}

	if err != nil {
		req.Count = 1
		res, err = b.parent.AllocRange(req)
	} else if res.Size() < count {
		if aerr := b.parent.AdjustRange(BusNumber, res, res.Start(), res.Start()+count-1); aerr != nil {
			b.debugf("failed to extend bus range %v to %d numbers: %v", res, count, aerr)
		}
	}

	if err != nil {
		b.printf("failed to allocate bus numbers: %v", err)

		return
	}

	b.bus.rm = region.New(b.name+" bus numbers", 0, busMax)
	if err := b.bus.rm.Manage(res.Start(), res.End()); err != nil {
		panic(fmt.Sprintf("%s: failed to add bus range %v: %v", b.name, res, err))
	}

	b.bus.res = res
	b.bus.sec = uint8(res.Start())
	b.bus.sub = uint8(res.End())
	b.cfg.Write(pci.SecBus, 1, uint32(b.bus.sec))
	b.cfg.Write(b.bus.subReg, 1, uint32(b.bus.sub))
}

// growSubBus raises the subordinate bus number to newEnd.
func (b *Bridge) growSubBus(newEnd uint64) error {
	oldEnd := b.bus.res.End()
	if newEnd <= oldEnd {
		panic(fmt.Sprintf("%s: attempt to shrink subordinate bus to %d", b.name, newEnd))
	}

	if err := b.parent.AdjustRange(BusNumber, b.bus.res, b.bus.res.Start(), newEnd); err != nil {
		return err
	}

	b.debugf("grew bus range to %d-%d", b.bus.res.Start(), b.bus.res.End())

	if err := b.bus.rm.Manage(oldEnd+1, b.bus.res.End()); err != nil {
		panic(fmt.Sprintf("%s: failed to add bus numbers %d-%d: %v", b.name, oldEnd+1, newEnd, err))
	}

	b.bus.sub = uint8(b.bus.res.End())
	b.cfg.Write(b.bus.subReg, 1, uint32(b.bus.sub))

	return nil
}

func (b *Bridge) reserveBus(req Request) (*region.Region, error) {
	r, err := b.bus.rm.Reserve(req.Start, req.End, req.Count, req.Flags, req.Owner)
	if err != nil {
		return nil, err
	}

	b.debugf("allocated bus range (%d-%d) for %s", r.Start(), r.End(), req.Owner)

	return r, nil
}

// allocSubBus serves a bus number request, growing the subordinate bus
// once if the current range has no room.
func (b *Bridge) allocSubBus(req Request) (*region.Region, error) {
	if r, err := b.reserveBus(req); err == nil {
		return r, nil
	}

	// The new numbers go after the last allocated one.
	startFree := uint64(b.bus.sub) + 1
	if s, e, ok := b.bus.rm.LastFree(); ok && e == uint64(b.bus.sub) {
		startFree = s
	}

	if startFree < req.Start {
		startFree = req.Start
	}

	newEnd := startFree + req.Count - 1
	if newEnd > req.End || newEnd > busMax || newEnd <= uint64(b.bus.sub) {
		return nil, fmt.Errorf("%s: bus numbers %v: %w", b.name, req, ErrNoSpace)
	}

	b.debugf("attempting to grow bus range for %d buses, back candidate %d-%d", req.Count, startFree, newEnd)

	if err := b.growSubBus(newEnd); err != nil {
		return nil, fmt.Errorf("%s: bus numbers %v: %w: %w", b.name, req, ErrNoSpace, err)
	}

	r, err := b.reserveBus(req)
	if err != nil {
		return nil, fmt.Errorf("%s: bus numbers %v: %w: %w", b.name, req, ErrNoSpace, err)
	}

	return r, nil
}
