package pcib_test

import (
	"io"
	"log"
	"testing"

	"github.com/bobuhiro11/gopcib/hostbridge"
	"github.com/bobuhiro11/gopcib/pci"
	"github.com/bobuhiro11/gopcib/pcib"
	"github.com/bobuhiro11/gopcib/region"
)

const (
	testVendor = 0x1b36
	testDevice = 0x0001
)

var quiet = log.New(io.Discard, "", 0)

func newHost(t *testing.T, mod func(c *hostbridge.Config)) *hostbridge.Host {
	t.Helper()

	c := hostbridge.DefaultConfig()
	c.Logger = quiet

	if mod != nil {
		mod(&c)
	}

	h, err := hostbridge.New(c)
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	return h
}

func newConfig(t *testing.T, caps pci.Capabilities, mod func(h *pci.BridgeHeader)) *pci.Emulated {
	t.Helper()

	h := pci.NewBridgeHeader(testVendor, testDevice)
	if mod != nil {
		mod(h)
	}

	e, err := pci.NewEmulated(h, caps)
	if err != nil {
		t.Fatalf("err: %v\n", err)
	}

	return e
}

func attach(t *testing.T, cfg pci.ConfigSpace, parent pcib.Parent, opts pcib.Options) *pcib.Bridge {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = quiet
	}

	b := pcib.New(cfg, parent, opts)
	if err := b.Attach(); err != nil {
		t.Fatalf("err: %v\n", err)
	}

	return b
}

var allCaps = pci.Capabilities{IO: pci.Narrow, Prefetch: pci.Wide}

func ioRequest(start, end, count uint64) pcib.Request {
	return pcib.Request{Kind: pcib.IOPort, Start: start, End: end, Count: count, Owner: "dev"}
}

func memRequest(start, end, count uint64, flags region.Flags) pcib.Request {
	return pcib.Request{Kind: pcib.Memory, Start: start, End: end, Count: count, Flags: flags, Owner: "dev"}
}

// checkWindow verifies the alignment every programmed window must keep.
func checkWindow(t *testing.T, w pcib.Window) {
	t.Helper()

	if !w.Open {
		return
	}

	mask := uint64(1)<<w.Step - 1
	if w.Base&mask != 0 || (w.Limit+1)&mask != 0 {
		t.Fatalf("%s window %#x-%#x not aligned to %#x", w.Name, w.Base, w.Limit, mask+1)
	}

	for _, r := range w.Ranges {
		if r[0] < w.Base || r[1] > w.Limit {
			t.Fatalf("%s window %#x-%#x: backing range %#x-%#x outside", w.Name, w.Base, w.Limit, r[0], r[1])
		}
	}
}

func allocatedSpans(spans []region.Span) [][2]uint64 {
	var got [][2]uint64

	for _, s := range spans {
		if s.Allocated {
			got = append(got, [2]uint64{s.Start, s.End})
		}
	}

	return got
}
