package pcib

import (
	"fmt"
	"sort"

	"github.com/bobuhiro11/gopcib/pci"
	"github.com/bobuhiro11/gopcib/region"
)

// WindowMask selects windows for register writes.
type WindowMask uint

const (
	WindowIO WindowMask = 1 << iota
	WindowMem
	WindowPrefetch

	WindowAll = WindowIO | WindowMem | WindowPrefetch
)

type window struct {
	name     string
	kind     Kind
	prefetch bool
	mask     WindowMask

	valid bool
	base  uint64
	limit uint64
	step  uint
	width pci.Width

	// ranges are the backing ranges leased from the parent.
	ranges []*region.Region
	rm     *region.Manager
}

func (w *window) isOpen() bool {
	return w.valid && w.base < w.limit
}

func (w *window) maxAddress() uint64 {
	if w.rm == nil {
		return 0
	}

	_, end := w.rm.Bounds()

	return end
}

// Window is a snapshot of one bridge window.
type Window struct {
	Name   string
	Valid  bool
	Open   bool
	Base   uint64
	Limit  uint64
	Step   uint
	Width  pci.Width
	Ranges [][2]uint64
}

func (w *window) snapshot() Window {
	s := Window{
		Name:  w.name,
		Valid: w.valid,
		Open:  w.isOpen(),
		Base:  w.base,
		Limit: w.limit,
		Step:  w.step,
		Width: w.width,
	}

	for _, r := range w.ranges {
		s.Ranges = append(s.Ranges, [2]uint64{r.Start(), r.End()})
	}

	return s
}

// Window returns a snapshot of the window selected by m, which must name
// exactly one window.
func (b *Bridge) Window(m WindowMask) Window {
	switch m {
	case WindowIO:
		return b.io.snapshot()
	case WindowMem:
		return b.mem.snapshot()
	case WindowPrefetch:
		return b.pmem.snapshot()
	}

	panic(fmt.Sprintf("%s: window mask %#x does not name one window", b.name, m))
}

func (b *Bridge) isaEnabled() bool {
	return b.bridgeCtl&pci.BridgeCtlISAEnable != 0
}

// activateWindow has the parent turn on decoding of kind in this bridge.
func (b *Bridge) activateWindow(kind Kind) {
	if err := b.parent.EnableDecode(b.cfg, kind); err != nil {
		b.printf("failed to enable %v decode: %v", kind, err)
	}
}

// writeWindows programs the base and limit registers of the windows in
// mask from the in-memory state.
func (b *Bridge) writeWindows(mask WindowMask) {
	if b.io.valid && mask&WindowIO != 0 {
		if b.io.width == pci.Wide {
			b.cfg.Write(pci.IOBaseHigh, 2, uint32(b.io.base>>16)&0xffff)
			b.cfg.Write(pci.IOLimitHigh, 2, uint32(b.io.limit>>16)&0xffff)
		}

		b.cfg.Write(pci.IOBaseLow, 1, uint32(b.io.base>>8)&0xff)
		b.cfg.Write(pci.IOLimitLow, 1, uint32(b.io.limit>>8)&0xff)
	}

	if mask&WindowMem != 0 {
		b.cfg.Write(pci.MemBase, 2, uint32(b.mem.base>>16)&0xffff)
		b.cfg.Write(pci.MemLimit, 2, uint32(b.mem.limit>>16)&0xffff)
	}

	if b.pmem.valid && mask&WindowPrefetch != 0 {
		if b.pmem.width == pci.Wide {
			b.cfg.Write(pci.PrefBaseHigh, 4, uint32(b.pmem.base>>32))
			b.cfg.Write(pci.PrefLimitHigh, 4, uint32(b.pmem.limit>>32))
		}

		b.cfg.Write(pci.PrefBaseLow, 2, uint32(b.pmem.base>>16)&0xffff)
		b.cfg.Write(pci.PrefLimitLow, 2, uint32(b.pmem.limit>>16)&0xffff)
	}
}

// addWindowResources records leased ranges, kept sorted by start, and
// hands them to the window allocator.
func (b *Bridge) addWindowResources(w *window, rs ...*region.Region) {
	w.ranges = append(w.ranges, rs...)
	sort.Slice(w.ranges, func(i, j int) bool {
		return w.ranges[i].Start() < w.ranges[j].Start()
	})

	for _, r := range rs {
		if err := w.rm.Manage(r.Start(), r.End()); err != nil {
			panic(fmt.Sprintf("%s: failed to add %v to %s window: %v", b.name, r, w.name, err))
		}
	}
}

// allocWindow sets up the allocator of w and leases the range firmware
// left programmed, if any. A window that cannot be backed is closed.
func (b *Bridge) allocWindow(w *window, flags region.Flags, maxAddr uint64) {
	w.rm = region.New(fmt.Sprintf("%s %s window", b.name, w.name), 0, maxAddr)

	if !w.isOpen() {
		return
	}

	if w.base > maxAddr || w.limit > maxAddr {
		b.printf("initial %s window has too many bits, ignoring", w.name)

		return
	}

	if w.kind == IOPort && b.isaEnabled() {
		_ = b.allocNonISARanges(w.base, w.limit)
	} else {
		r, err := b.parent.AllocRange(Request{
			Kind:  w.kind,
			Start: w.base,
			End:   w.limit,
			Count: w.limit - w.base + 1,
			Flags: flags,
			Owner: b.name,
		})
		if err == nil {
			b.addWindowResources(w, r)
		}
	}

	if len(w.ranges) == 0 {
		b.printf("failed to allocate initial %s window: %#x-%#x", w.name, w.base, w.limit)

		w.base = maxAddr
		w.limit = 0
		b.writeWindows(w.mask)

		return
	}

	b.activateWindow(w.kind)
}

// probeWindows discovers which windows are implemented, their width and
// their current decode.
func (b *Bridge) probeWindows() {
	cfg := b.cfg

	if b.opts.ClearFirmwareWindows {
		cfg.Write(pci.IOBaseLow, 1, 0xff)
		cfg.Write(pci.IOBaseHigh, 2, 0xffff)
		cfg.Write(pci.IOLimitLow, 1, 0)
		cfg.Write(pci.IOLimitHigh, 2, 0)
		cfg.Write(pci.MemBase, 2, 0xffff)
		cfg.Write(pci.MemLimit, 2, 0)
		cfg.Write(pci.PrefBaseLow, 2, 0xffff)
		cfg.Write(pci.PrefBaseHigh, 4, 0xffffffff)
		cfg.Write(pci.PrefLimitLow, 2, 0)
		cfg.Write(pci.PrefLimitHigh, 4, 0)
	}

	b.io = window{name: "I/O port", kind: IOPort, mask: WindowIO}
	b.mem = window{name: "memory", kind: Memory, mask: WindowMem}
	b.pmem = window{name: "prefetch", kind: Memory, prefetch: true, mask: WindowPrefetch}

	// A zero I/O base is either unimplemented or a 16-bit window at 0;
	// only the unimplemented one keeps reading zero after a write.
	val := cfg.Read(pci.IOBaseLow, 1)
	if val == 0 {
		cfg.Write(pci.IOBaseLow, 1, 0xff)

		if cfg.Read(pci.IOBaseLow, 1) != 0 {
			b.io.valid = true

			cfg.Write(pci.IOBaseLow, 1, 0)
		}
	} else {
		b.io.valid = true
	}

	if b.io.valid {
		var maxAddr uint64

		b.io.step = 12

		if val&pci.IOWidthMask == pci.IOWidth32 {
			b.io.width = pci.Wide
			b.io.base = pci.DecodeIOBase(cfg.Read(pci.IOBaseHigh, 2), val)
			b.io.limit = pci.DecodeIOLimit(cfg.Read(pci.IOLimitHigh, 2), cfg.Read(pci.IOLimitLow, 1))
			maxAddr = 0xffffffff
		} else {
			b.io.width = pci.Narrow
			b.io.base = pci.DecodeIOBase(0, val)
			b.io.limit = pci.DecodeIOLimit(0, cfg.Read(pci.IOLimitLow, 1))
			maxAddr = 0xffff
		}

		b.allocWindow(&b.io, 0, maxAddr)
	}

	b.mem.valid = true
	b.mem.step = 20
	b.mem.width = pci.Narrow
	b.mem.base = pci.DecodeMemBase(0, cfg.Read(pci.MemBase, 2))
	b.mem.limit = pci.DecodeMemLimit(0, cfg.Read(pci.MemLimit, 2))
	b.allocWindow(&b.mem, 0, 0xffffffff)

	val = cfg.Read(pci.PrefBaseLow, 2)
	if val == 0 {
		cfg.Write(pci.PrefBaseLow, 2, 0xffff)

		if cfg.Read(pci.PrefBaseLow, 2) != 0 {
			b.pmem.valid = true

			cfg.Write(pci.PrefBaseLow, 2, 0)
		}
	} else {
		b.pmem.valid = true
	}

	if b.pmem.valid {
		var maxAddr uint64

		b.pmem.step = 20

		if val&pci.PrefWidthMask == pci.PrefWidth64 {
			b.pmem.width = pci.Wide
			b.pmem.base = pci.DecodeMemBase(cfg.Read(pci.PrefBaseHigh, 4), val)
			b.pmem.limit = pci.DecodeMemLimit(cfg.Read(pci.PrefLimitHigh, 4), cfg.Read(pci.PrefLimitLow, 2))
			maxAddr = 0xffffffffffffffff
		} else {
			b.pmem.width = pci.Narrow
			b.pmem.base = pci.DecodeMemBase(0, val)
			b.pmem.limit = pci.DecodeMemLimit(0, cfg.Read(pci.PrefLimitLow, 2))
			maxAddr = 0xffffffff
		}

		b.allocWindow(&b.pmem, region.Prefetchable, maxAddr)
	}
}
