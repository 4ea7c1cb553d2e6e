package hostbridge_test

import (
	"errors"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"

	"github.com/bobuhiro11/gopcib/hostbridge"
	"github.com/bobuhiro11/gopcib/pci"
	"github.com/bobuhiro11/gopcib/pcib"
	"github.com/bobuhiro11/gopcib/region"
)

func newHost(t *testing.T) *hostbridge.Host {
	t.Helper()

	c := hostbridge.DefaultConfig()
	c.Logger = log.New(io.Discard, "", 0)

	h, err := hostbridge.New(c)
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	return h
}

func TestRootBusReserved(t *testing.T) {
	t.Parallel()

	h := newHost(t)

	if h.RootBus() != 0 {
		t.Fatalf("expected: 0, actual: %d", h.RootBus())
	}

	r, err := h.AllocRange(pcib.Request{Kind: pcib.BusNumber, Start: 0, End: 0xff, Count: 1, Owner: "pcib"})
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if r.Start() != 1 {
		t.Fatalf("expected: 1, actual: %d", r.Start())
	}
}

func TestAllocAdjustRelease(t *testing.T) {
	t.Parallel()

	h := newHost(t)

	r, err := h.AllocRange(pcib.Request{
		Kind:  pcib.Memory,
		Start: 0,
		End:   0xffffffff,
		Count: 0x100000,
		Flags: region.Flags(0).WithAlignment(20),
		Owner: "pcib",
	})
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if r.Start() != 0xc0000000 || r.End() != 0xc00fffff {
		t.Fatalf("unexpected lease: %v", r)
	}

	if err := h.AdjustRange(pcib.Memory, r, 0xc0000000, 0xc01fffff); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if r.Size() != 0x200000 {
		t.Fatalf("expected: 0x200000, actual: %#x", r.Size())
	}

	if err := h.ReleaseRange(pcib.Memory, r); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	expected := []region.Span{{Start: 0xc0000000, End: 0xfebfffff}}
	if spans := h.Spans(pcib.Memory); !reflect.DeepEqual(spans, expected) {
		t.Fatalf("expected: %v, actual: %v", expected, spans)
	}
}

func TestDenialsWrapUpstreamDenied(t *testing.T) {
	t.Parallel()

	h := newHost(t)

	_, err := h.AllocRange(pcib.Request{Kind: pcib.IOPort, Start: 0, End: 0xfff, Count: 0x100, Owner: "pcib"})
	if !errors.Is(err, pcib.ErrUpstreamDenied) {
		t.Fatalf("expected: %v, actual: %v", pcib.ErrUpstreamDenied, err)
	}

	if !errors.Is(err, region.ErrBusy) {
		t.Fatalf("expected: %v, actual: %v", region.ErrBusy, err)
	}

	_, err = h.AllocRange(pcib.Request{Kind: pcib.Kind(7), Start: 0, End: 1, Count: 1})
	if !errors.Is(err, hostbridge.ErrUnknownKind) || !errors.Is(err, pcib.ErrUpstreamDenied) {
		t.Fatalf("unexpected error: %v", err)
	}

	claimed, err := h.Claim(pcib.IOPort, 0x2000, 0x20ff, "uart")
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	r, err := h.Claim(pcib.IOPort, 0x1000, 0x1fff, "pcib")
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if err := h.AdjustRange(pcib.IOPort, r, 0x1000, 0x2fff); !errors.Is(err, pcib.ErrUpstreamDenied) {
		t.Fatalf("expected: %v, actual: %v", pcib.ErrUpstreamDenied, err)
	}

	if err := h.ReleaseRange(pcib.IOPort, claimed); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if err := h.ReleaseRange(pcib.IOPort, claimed); !errors.Is(err, pcib.ErrUpstreamDenied) {
		t.Fatalf("expected: %v, actual: %v", pcib.ErrUpstreamDenied, err)
	}
}

func TestConcurrentLeases(t *testing.T) {
	t.Parallel()

	h := newHost(t)

	var wg sync.WaitGroup

	leases := make([]*region.Region, 16)

	for i := range leases {
		i := i

		wg.Add(1)

		go func() {
			defer wg.Done()

			r, err := h.AllocRange(pcib.Request{Kind: pcib.IOPort, Start: 0, End: 0xffff, Count: 0x100, Owner: "dev"})
			if err == nil {
				leases[i] = r
			}
		}()
	}

	wg.Wait()

	seen := map[uint64]bool{}

	for _, r := range leases {
		if r == nil {
			t.Fatal("lease failed")
		}

		if seen[r.Start()] {
			t.Fatalf("%v leased twice", r)
		}

		seen[r.Start()] = true
	}
}

func TestRouteInterrupt(t *testing.T) {
	t.Parallel()

	h := newHost(t)

	for _, tt := range []struct {
		slot uint8
		pin  int
		irq  int
	}{
		{slot: 0, pin: 1, irq: 16},
		{slot: 0, pin: 4, irq: 19},
		{slot: 1, pin: 1, irq: 17},
		{slot: 3, pin: 2, irq: 16},
	} {
		irq, err := h.RouteInterrupt(tt.slot, tt.pin)
		if err != nil {
			t.Fatalf("err: %v\n", err)
		}

		if irq != tt.irq {
			t.Fatalf("slot %d pin %d: expected: %d, actual: %d", tt.slot, tt.pin, tt.irq, irq)
		}
	}

	if _, err := h.RouteInterrupt(0, 5); !errors.Is(err, pcib.ErrInvalidRequest) {
		t.Fatalf("expected: %v, actual: %v", pcib.ErrInvalidRequest, err)
	}
}

func TestMSI(t *testing.T) {
	t.Parallel()

	h := newHost(t)

	irqs, err := h.AllocMSI(2, 4)
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if !reflect.DeepEqual(irqs, []int{64, 65}) {
		t.Fatalf("expected: [64 65], actual: %v", irqs)
	}

	addr, data, err := h.MapMSI(65)
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if addr != 0xfee00000 || data != 65 {
		t.Fatalf("unexpected message: %#x %d", addr, data)
	}

	if err := h.ReleaseMSI(irqs); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if _, _, err := h.MapMSI(65); !errors.Is(err, hostbridge.ErrUnknownVector) {
		t.Fatalf("expected: %v, actual: %v", hostbridge.ErrUnknownVector, err)
	}

	irq, err := h.AllocMSIX()
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if err := h.ReleaseMSIX(irq); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if err := h.ReleaseMSIX(irq); !errors.Is(err, hostbridge.ErrUnknownVector) {
		t.Fatalf("expected: %v, actual: %v", hostbridge.ErrUnknownVector, err)
	}

	if _, err := h.AllocMSI(3, 2); !errors.Is(err, pcib.ErrInvalidRequest) {
		t.Fatalf("expected: %v, actual: %v", pcib.ErrInvalidRequest, err)
	}
}

func TestPowerAndDecode(t *testing.T) {
	t.Parallel()

	h := newHost(t)

	if s, _ := h.PowerForSleep(1, true); s != pci.D3 {
		t.Fatalf("expected: D3, actual: %v", s)
	}

	if s, _ := h.PowerForSleep(1, false); s != pci.D0 {
		t.Fatalf("expected: D0, actual: %v", s)
	}

	cs, err := pci.NewEmulated(pci.NewBridgeHeader(0x1b36, 0x0001), pci.Capabilities{IO: pci.Narrow})
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if err := h.EnableDecode(cs, pcib.IOPort); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if err := h.EnableDecode(cs, pcib.Memory); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	if cmd := cs.Read(pci.Command, 2); cmd != pci.CmdIOEnable|pci.CmdMemEnable {
		t.Fatalf("expected: 0x3, actual: %#x", cmd)
	}
}
