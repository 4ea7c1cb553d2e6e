package pcib_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/bobuhiro11/gopcib/hostbridge"
	"github.com/bobuhiro11/gopcib/pci"
	"github.com/bobuhiro11/gopcib/pcib"
	"github.com/bobuhiro11/gopcib/region"
)

func TestAttachClosedWindows(t *testing.T) {
	t.Parallel()

	b := attach(t, newConfig(t, allCaps, nil), newHost(t, nil), pcib.Options{})

	for _, c := range []struct {
		mask  pcib.WindowMask
		step  uint
		width pci.Width
	}{
		{pcib.WindowIO, 12, pci.Narrow},
		{pcib.WindowMem, 20, pci.Narrow},
		{pcib.WindowPrefetch, 20, pci.Wide},
	} {
		w := b.Window(c.mask)

		if !w.Valid || w.Open || len(w.Ranges) != 0 {
			t.Fatalf("%s: unexpected window: %+v", w.Name, w)
		}

		if w.Step != c.step || w.Width != c.width {
			t.Fatalf("%s: expected: %d/%v, actual: %d/%v", w.Name, c.step, c.width, w.Step, w.Width)
		}
	}
}

func TestAttachAbsentWindows(t *testing.T) {
	t.Parallel()

	b := attach(t, newConfig(t, pci.Capabilities{}, nil), newHost(t, nil), pcib.Options{})

	if b.Window(pcib.WindowIO).Valid || b.Window(pcib.WindowPrefetch).Valid {
		t.Fatal("absent windows reported as implemented")
	}

	if !b.Window(pcib.WindowMem).Valid {
		t.Fatal("memory window is always implemented")
	}

	_, err := b.AllocResource(ioRequest(0x1000, 0xffff, 0x100))
	if !errors.Is(err, pcib.ErrInvalidRequest) {
		t.Fatalf("expected: %v, actual: %v", pcib.ErrInvalidRequest, err)
	}
}

func TestAttachNotBridge(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t, allCaps, func(h *pci.BridgeHeader) {
		h.ClassCode = [3]uint8{0, 0, 0x02}
	})

	err := pcib.New(cfg, newHost(t, nil), pcib.Options{Logger: quiet}).Attach()
	if !errors.Is(err, pcib.ErrNotBridge) {
		t.Fatalf("expected: %v, actual: %v", pcib.ErrNotBridge, err)
	}
}

func TestAttachFirmwareWindows(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t, allCaps, func(h *pci.BridgeHeader) {
		h.IOBase, h.IOLimit = 0x20, 0x2f
		h.MemBase, h.MemLimit = 0xc010, 0xc01f
	})
	host := newHost(t, nil)
	b := attach(t, cfg, host, pcib.Options{Bus: 3})

	io := b.Window(pcib.WindowIO)
	if !io.Open || io.Base != 0x2000 || io.Limit != 0x2fff {
		t.Fatalf("unexpected io window: %+v", io)
	}

	mem := b.Window(pcib.WindowMem)
	if !mem.Open || mem.Base != 0xc0100000 || mem.Limit != 0xc01fffff {
		t.Fatalf("unexpected mem window: %+v", mem)
	}

	checkWindow(t, io)
	checkWindow(t, mem)

	expected := [][2]uint64{{0x2000, 0x2fff}}
	if actual := allocatedSpans(host.Spans(pcib.IOPort)); !reflect.DeepEqual(expected, actual) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}

	cmd := cfg.Read(pci.Command, 2)
	if want := uint32(pci.CmdIOEnable | pci.CmdMemEnable | pci.CmdBusMaster); cmd != want {
		t.Fatalf("expected: %#x, actual: %#x", want, cmd)
	}

	if actual := cfg.Read(pci.PriBus, 1); actual != 3 {
		t.Fatalf("expected: 3, actual: %d", actual)
	}
}

func TestAttachFirmwareWindowNotBacked(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t, allCaps, func(h *pci.BridgeHeader) {
		h.IOBase, h.IOLimit = 0x20, 0x2f
	})
	host := newHost(t, nil)

	if _, err := host.Claim(pcib.IOPort, 0x2000, 0x2fff, "firmware"); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	b := attach(t, cfg, host, pcib.Options{})

	if w := b.Window(pcib.WindowIO); w.Open || len(w.Ranges) != 0 {
		t.Fatalf("unexpected io window: %+v", w)
	}

	if d := pci.ReadDecode(cfg); d.IOOpen() {
		t.Fatalf("window left open in hardware: %#x-%#x", d.IOBase, d.IOLimit)
	}
}

func TestClearFirmwareWindows(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t, allCaps, func(h *pci.BridgeHeader) {
		h.IOBase, h.IOLimit = 0x20, 0x2f
	})
	host := newHost(t, nil)
	b := attach(t, cfg, host, pcib.Options{ClearFirmwareWindows: true})

	if w := b.Window(pcib.WindowIO); !w.Valid || w.Open {
		t.Fatalf("unexpected io window: %+v", w)
	}

	if actual := allocatedSpans(host.Spans(pcib.IOPort)); len(actual) != 0 {
		t.Fatalf("expected no leases, actual: %v", actual)
	}
}

func TestSubtractive(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t, allCaps, func(h *pci.BridgeHeader) {
		h.ClassCode[0] = pci.ProgIFSubtractive
	})
	b := attach(t, cfg, newHost(t, nil), pcib.Options{})

	if !b.Subtractive() {
		t.Fatal("expected a subtractive bridge")
	}

	r, err := b.AllocResource(ioRequest(0x1000, 0xffff, 0x100))
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if b.IsManaged(pcib.IOPort, r) {
		t.Fatal("subtractive miss was sub-allocated")
	}

	if b.Window(pcib.WindowIO).Open {
		t.Fatal("subtractive bridge grew its window")
	}

	if err := b.ReleaseResource(pcib.IOPort, r); err != nil {
		t.Fatalf("err: %v\n", err)
	}
}

func TestQuirks(t *testing.T) {
	t.Parallel()

	intel := func(h *pci.BridgeHeader) {
		h.VendorID, h.DeviceID = 0x8086, 0x244e
	}

	b := attach(t, newConfig(t, allCaps, intel), newHost(t, nil), pcib.Options{})
	if !b.Subtractive() {
		t.Fatal("default quirk not applied")
	}

	b = attach(t, newConfig(t, allCaps, intel), newHost(t, nil), pcib.Options{Quirks: []pcib.Quirk{}})
	if b.Subtractive() {
		t.Fatal("empty quirk table still applied defaults")
	}

	b = attach(t, newConfig(t, allCaps, nil), newHost(t, nil), pcib.Options{
		Quirks: []pcib.Quirk{
			{Vendor: testVendor, Device: testDevice, DeviceMask: 0xffff, Action: pcib.QuirkDisableMSI},
			{Vendor: testVendor, Device: 0, DeviceMask: 0, Action: pcib.QuirkDisableMSIX},
		},
	})

	if _, err := b.AllocMSI(1, 1); !errors.Is(err, pcib.ErrMSIDisabled) {
		t.Fatalf("expected: %v, actual: %v", pcib.ErrMSIDisabled, err)
	}

	if _, err := b.AllocMSIX(); !errors.Is(err, pcib.ErrMSIXDisabled) {
		t.Fatalf("expected: %v, actual: %v", pcib.ErrMSIXDisabled, err)
	}
}

func TestSwizzle(t *testing.T) {
	t.Parallel()

	for _, c := range []struct {
		slot     uint8
		pin      int
		expected int
	}{
		{0, 1, 1},
		{0, 4, 4},
		{1, 1, 2},
		{1, 4, 1},
		{3, 2, 1},
		{31, 1, 4},
	} {
		if actual := pcib.Swizzle(c.slot, c.pin); actual != c.expected {
			t.Fatalf("slot %d pin %d: expected: %d, actual: %d", c.slot, c.pin, c.expected, actual)
		}
	}
}

func TestRouteInterrupt(t *testing.T) {
	t.Parallel()

	b := attach(t, newConfig(t, allCaps, nil), newHost(t, nil), pcib.Options{Slot: 2})

	// slot 1 INTA leaves the bridge as INTB of slot 2.
	irq, err := b.RouteInterrupt(1, 1)
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if irq != 19 {
		t.Fatalf("expected: 19, actual: %d", irq)
	}

	if _, err := b.RouteInterrupt(1, 0); !errors.Is(err, pcib.ErrInvalidRequest) {
		t.Fatalf("expected: %v, actual: %v", pcib.ErrInvalidRequest, err)
	}
}

func TestMSIPassThrough(t *testing.T) {
	t.Parallel()

	b := attach(t, newConfig(t, allCaps, nil), newHost(t, nil), pcib.Options{})

	irqs, err := b.AllocMSI(2, 4)
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if !reflect.DeepEqual(irqs, []int{64, 65}) {
		t.Fatalf("expected: [64 65], actual: %v", irqs)
	}

	addr, data, err := b.MapMSI(65)
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if addr != 0xfee00000 || data != 65 {
		t.Fatalf("unexpected message: %#x/%d", addr, data)
	}

	if err := b.ReleaseMSI(irqs); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if _, _, err := b.MapMSI(65); !errors.Is(err, hostbridge.ErrUnknownVector) {
		t.Fatalf("expected: %v, actual: %v", hostbridge.ErrUnknownVector, err)
	}

	irq, err := b.AllocMSIX()
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if err := b.ReleaseMSIX(irq); err != nil {
		t.Fatalf("err: %v\n", err)
	}
}

func TestVGARanges(t *testing.T) {
	t.Parallel()

	lowIO := func(c *hostbridge.Config) {
		c.IO = [2]uint64{0, 0xffff}
	}

	vgaIO := ioRequest(0x3c0, 0x3df, 0x20)

	b := attach(t, newConfig(t, allCaps, nil), newHost(t, lowIO), pcib.Options{})
	if _, err := b.AllocResource(vgaIO); !errors.Is(err, pcib.ErrInvalidRequest) {
		t.Fatalf("expected: %v, actual: %v", pcib.ErrInvalidRequest, err)
	}

	cfg := newConfig(t, allCaps, func(h *pci.BridgeHeader) {
		h.BridgeControl = pci.BridgeCtlVGAEnable
	})
	b = attach(t, cfg, newHost(t, lowIO), pcib.Options{})

	r, err := b.AllocResource(vgaIO)
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if r.Start() != 0x3c0 || r.End() != 0x3df || b.IsManaged(pcib.IOPort, r) {
		t.Fatalf("unexpected VGA lease: %v", r)
	}

	if b.Window(pcib.WindowIO).Open {
		t.Fatal("VGA range opened the I/O window")
	}
}

func TestReleaseAndAdjust(t *testing.T) {
	t.Parallel()

	b := attach(t, newConfig(t, allCaps, nil), newHost(t, nil), pcib.Options{})

	r, err := b.AllocResource(memRequest(0, 0xffffffff, 0x2000, region.Active))
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if !b.IsManaged(pcib.Memory, r) || !r.IsActive() {
		t.Fatalf("unexpected resource: %v active=%v", r, r.IsActive())
	}

	start := r.Start()

	if err := b.AdjustResource(pcib.Memory, r, start, start+0xfff); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if r.Size() != 0x1000 {
		t.Fatalf("expected: 0x1000, actual: %#x", r.Size())
	}

	if err := b.ReleaseResource(pcib.Memory, r); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if b.IsManaged(pcib.Memory, r) {
		t.Fatal("released resource still managed")
	}

	again, err := b.AllocResource(memRequest(0, 0xffffffff, 0x2000, 0))
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if again.Start() != start {
		t.Fatalf("expected: %#x, actual: %#x", start, again.Start())
	}
}

func TestInvalidRequests(t *testing.T) {
	t.Parallel()

	b := attach(t, newConfig(t, allCaps, nil), newHost(t, nil), pcib.Options{})

	for _, req := range []pcib.Request{
		ioRequest(0x1000, 0x1fff, 0),
		ioRequest(0x1000, 0x10ff, 0x200),
		ioRequest(0xffffffffffffff00, 0xffffffffffffffff, 0x200),
		// Above what a 16-bit I/O window decodes.
		ioRequest(0x10000, 0x1ffff, 0x100),
	} {
		if _, err := b.AllocResource(req); !errors.Is(err, pcib.ErrInvalidRequest) {
			t.Fatalf("%v: expected: %v, actual: %v", req, pcib.ErrInvalidRequest, err)
		}
	}
}

func TestNestedBridges(t *testing.T) {
	t.Parallel()

	host := newHost(t, nil)
	upper := attach(t, newConfig(t, allCaps, nil), host, pcib.Options{Name: "upper"})
	lowerCfg := newConfig(t, allCaps, nil)
	lower := attach(t, lowerCfg, upper, pcib.Options{Name: "lower"})

	r, err := lower.AllocResource(memRequest(0, 0xffffffff, 0x1000, 0))
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	uw, lw := upper.Window(pcib.WindowMem), lower.Window(pcib.WindowMem)
	checkWindow(t, uw)
	checkWindow(t, lw)

	if lw.Base < uw.Base || lw.Limit > uw.Limit {
		t.Fatalf("lower window %#x-%#x outside upper %#x-%#x", lw.Base, lw.Limit, uw.Base, uw.Limit)
	}

	if r.Start() < lw.Base || r.End() > lw.Limit {
		t.Fatalf("resource %v outside window %#x-%#x", r, lw.Base, lw.Limit)
	}

	if lowerCfg.Read(pci.Command, 2)&pci.CmdMemEnable == 0 {
		t.Fatal("upper bridge did not enable memory decode of the lower bridge")
	}

	if err := lower.Detach(); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if err := upper.Detach(); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if actual := allocatedSpans(host.Spans(pcib.Memory)); len(actual) != 0 {
		t.Fatalf("expected no leases, actual: %v", actual)
	}
}

func TestNestedDenialIsUpstreamDenied(t *testing.T) {
	t.Parallel()

	host := newHost(t, func(c *hostbridge.Config) {
		c.Mem = [2]uint64{0xc0000000, 0xc00fffff}
	})
	upper := attach(t, newConfig(t, allCaps, nil), host, pcib.Options{Name: "upper"})
	lower := attach(t, newConfig(t, allCaps, nil), upper, pcib.Options{Name: "lower"})

	_, err := lower.AllocResource(memRequest(0, 0xffffffff, 0x200000, 0))
	if !errors.Is(err, pcib.ErrNoSpace) || !errors.Is(err, pcib.ErrUpstreamDenied) {
		t.Fatalf("unexpected error: %v", err)
	}
}
