package flag

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gopcib/hostbridge"
	"github.com/bobuhiro11/gopcib/pci"
	"github.com/bobuhiro11/gopcib/pcib"
	"github.com/bobuhiro11/gopcib/region"
	"github.com/bobuhiro11/gopcib/snapshot"
	"github.com/pkg/profile"
	"golang.org/x/sync/errgroup"
)

// Vendor and device of the emulated bridges: the QEMU PCI-PCI bridge.
const (
	emulatedVendor = 0x1b36
	emulatedDevice = 0x0001
)

type CLI struct {
	Simulate SimulateCMD `cmd:"" help:"Attach emulated bridges and run resource requests behind them."`
	Probe    ProbeCMD    `cmd:"" help:"Print the windows programmed in the PCI-to-PCI bridges of this host."`
	Show     ShowCMD     `cmd:"" help:"Print a state file written by simulate."`
}

type SimulateCMD struct {
	Images   []string `name:"image" type:"existingfile" help:"Configuration space dump of the top bridge, one scenario per image."`
	Depth    int      `short:"d" default:"1" help:"Number of nested bridges per scenario."`
	ISA      bool     `name:"isa" help:"Set the ISA enable bit of emulated bridges."`
	VGA      bool     `name:"vga" help:"Set the VGA enable bit of emulated bridges."`
	WideIO   bool     `name:"wide-io" help:"Emulate 32-bit I/O windows."`
	NoPref   bool     `name:"no-prefetch" help:"Emulate bridges without a prefetchable window."`
	BusCount int      `short:"b" name:"bus-count" default:"1" help:"Bus numbers each bridge asks for at attach."`
	MemBase  string   `name:"mem-base" default:"0xc0000000" help:"Start of the host memory aperture."`
	MemSize  string   `short:"m" name:"mem-size" default:"1G" help:"Size of the host memory aperture, num[gGmMkK]."`
	State    string   `short:"s" type:"path" help:"Write the final bridge states to this file."`
	Profile  string   `enum:"none,cpu,mem" default:"none" help:"Write a cpu or mem profile to the working directory."`
	Verbose  bool     `short:"v" help:"Log every window change."`

	Requests []string `arg:"" optional:"" help:"Requests for the deepest bridge, as kind:start-end:count[:align]."`
}

type ProbeCMD struct {
	Root string `default:"/sys/bus/pci/devices" type:"path" help:"sysfs PCI devices directory."`
}

type ShowCMD struct {
	File string `arg:"" type:"existingfile" help:"State file."`
}

func Parse() error {
	c := CLI{}

	programName := "gopcib"
	programDesc := "gopcib manages the resource windows of PCI-to-PCI bridges"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

// scenario is one host bridge with a chain of bridges below it.
type scenario struct {
	name    string
	bridges []*pcib.Bridge
	configs []*pci.Emulated
	results []string
}

func (s *SimulateCMD) Run() error {
	switch s.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	}

	return s.run(os.Stdout)
}

func (s *SimulateCMD) run(w io.Writer) error {
	if s.Depth < 1 {
		return fmt.Errorf("depth must be at least 1, got %d", s.Depth)
	}

	reqs := make([]pcib.Request, 0, len(s.Requests))

	for _, arg := range s.Requests {
		req, err := ParseRequest(arg)
		if err != nil {
			return err
		}

		reqs = append(reqs, req)
	}

	n := len(s.Images)
	if n == 0 {
		n = 1
	}

	scenarios := make([]*scenario, n)

	g := new(errgroup.Group)

	for i := 0; i < n; i++ {
		i := i

		g.Go(func() error {
			sc, err := s.simulate(i, reqs)
			if err != nil {
				return err
			}

			scenarios[i] = sc

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, sc := range scenarios {
		fmt.Fprintf(w, "== %s\n", sc.name)

		for _, b := range sc.bridges {
			printState(w, b.State())
		}

		for _, r := range sc.results {
			fmt.Fprintf(w, "  %s\n", r)
		}
	}

	if s.State != "" {
		return s.writeState(scenarios)
	}

	return nil
}

func (s *SimulateCMD) config(i, depth int) (*pci.Emulated, error) {
	if depth == 0 && i < len(s.Images) {
		return pci.LoadImage(s.Images[i])
	}

	h := pci.NewBridgeHeader(emulatedVendor, emulatedDevice)
	if s.ISA {
		h.BridgeControl |= pci.BridgeCtlISAEnable
	}

	if s.VGA {
		h.BridgeControl |= pci.BridgeCtlVGAEnable
	}

	caps := pci.Capabilities{IO: pci.Narrow, Prefetch: pci.Wide, PowerManagement: true}
	if s.WideIO {
		caps.IO = pci.Wide
	}

	if s.NoPref {
		caps.Prefetch = pci.Absent
	}

	return pci.NewEmulated(h, caps)
}

func (s *SimulateCMD) simulate(i int, reqs []pcib.Request) (*scenario, error) {
	memBase, err := ParseSize(s.MemBase, "")
	if err != nil {
		return nil, err
	}

	memSize, err := ParseSize(s.MemSize, "")
	if err != nil {
		return nil, err
	}

	if memSize <= 0 {
		return nil, fmt.Errorf("memory aperture size %q must be positive", s.MemSize)
	}

	cfg := hostbridge.DefaultConfig()
	cfg.Mem = [2]uint64{uint64(memBase), uint64(memBase) + uint64(memSize) - 1}
	cfg.Verbose = s.Verbose

	host, err := hostbridge.New(cfg)
	if err != nil {
		return nil, err
	}

	sc := &scenario{name: "emulated"}
	if i < len(s.Images) {
		sc.name = s.Images[i]
	}

	ports := pci.NewHost()

	var parent pcib.Parent = host

	bus := host.RootBus()

	for d := 0; d < s.Depth; d++ {
		e, err := s.config(i, d)
		if err != nil {
			return nil, err
		}

		loc := pci.Location{Bus: bus, Device: 1}
		ports.Register(loc, e)

		cs := pci.NewMech1(ports, loc)
		b := pcib.New(cs, parent, pcib.Options{
			Name:         fmt.Sprintf("pcib%d", d+1),
			Bus:          bus,
			Slot:         loc.Device,
			BusNumbering: true,
			MinBusCount:  s.BusCount,
			PowerSuspend: true,
			PowerResume:  true,
			Verbose:      s.Verbose,
		})

		if err := b.Attach(); err != nil {
			return nil, fmt.Errorf("%s: %w", sc.name, err)
		}

		if err := cs.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", sc.name, err)
		}

		sc.bridges = append(sc.bridges, b)
		sc.configs = append(sc.configs, e)

		sec, _ := b.SecondaryBus()
		if sec == 0 {
			break
		}

		// The secondary bus claims its own number, as a bus driver does
		// before probing the slots.
		if _, err := b.AllocResource(pcib.Request{
			Kind:  pcib.BusNumber,
			Start: uint64(sec),
			End:   uint64(sec),
			Count: 1,
			Owner: fmt.Sprintf("bus %d", sec),
		}); err != nil {
			return nil, fmt.Errorf("%s: %w", sc.name, err)
		}

		parent = b
		bus = sec
	}

	last := sc.bridges[len(sc.bridges)-1]

	for _, req := range reqs {
		req.Flags |= region.Active

		r, err := last.AllocResource(req)
		if err != nil {
			sc.results = append(sc.results, fmt.Sprintf("%s -> %v", req.Owner, err))

			continue
		}

		sc.results = append(sc.results, fmt.Sprintf("%s -> %v", req.Owner, r))
	}

	return sc, nil
}

func (s *SimulateCMD) writeState(scenarios []*scenario) error {
	f, err := os.Create(s.State)
	if err != nil {
		return err
	}
	defer f.Close()

	sw := snapshot.NewWriter(f)

	for _, sc := range scenarios {
		for i, b := range sc.bridges {
			st := b.State()
			if err := sw.WriteBridge(&st); err != nil {
				return err
			}

			if err := sw.WriteConfig(sc.configs[i].Bytes()); err != nil {
				return err
			}
		}
	}

	if err := sw.Close(); err != nil {
		return err
	}

	return f.Close()
}

func (p *ProbeCMD) Run() error {
	return p.run(os.Stdout)
}

func (p *ProbeCMD) run(w io.Writer) error {
	names, err := pci.ListBridges(p.Root)
	if err != nil {
		return err
	}

	decodes := make([]pci.Decode, len(names))

	g := new(errgroup.Group)

	for i, name := range names {
		i, name := i, name

		g.Go(func() error {
			cs, err := pci.OpenSysfs(p.Root, name, true)
			if err != nil {
				return err
			}
			defer cs.Close()

			decodes[i] = pci.ReadDecode(cs)

			return cs.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for i, name := range names {
		fmt.Fprintf(w, "%s\n", name)
		printDecode(w, decodes[i])
	}

	return nil
}

func (c *ShowCMD) Run() error {
	return c.run(os.Stdout)
}

func (c *ShowCMD) run(w io.Writer) error {
	f, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer f.Close()

	records, err := snapshot.ReadAll(f)
	if err != nil {
		return err
	}

	for _, rec := range records {
		printState(w, rec.State)

		if rec.Config == nil {
			continue
		}

		e, err := pci.NewEmulatedFromBytes(rec.Config, pci.CapabilitiesOf(rec.Config))
		if err != nil {
			return fmt.Errorf("%s: %w", rec.State.Name, err)
		}

		printDecode(w, pci.ReadDecode(e))
	}

	return nil
}

func printState(w io.Writer, st pcib.State) {
	fmt.Fprintf(w, "%s: bus %02x, secondary %02x-%02x, command %#04x, power %v\n",
		st.Name, st.Primary, st.Secondary, st.Subordinate, st.Command, st.Power)

	for _, win := range []pcib.Window{st.IO, st.Mem, st.Prefetch} {
		switch {
		case !win.Valid:
			fmt.Fprintf(w, "  %-8s absent\n", win.Name)
		case !win.Open:
			fmt.Fprintf(w, "  %-8s closed\n", win.Name)
		default:
			fmt.Fprintf(w, "  %-8s %#x-%#x %v\n", win.Name, win.Base, win.Limit, win.Ranges)
		}
	}
}

func printDecode(w io.Writer, d pci.Decode) {
	fmt.Fprintf(w, "  decode   secondary %02x-%02x, control %#04x\n", d.Secondary, d.Subord, d.BridgeCtl)

	if d.IOOpen() {
		fmt.Fprintf(w, "  decode   I/O %#x-%#x (%v)\n", d.IOBase, d.IOLimit, d.IOWidth)
	}

	if d.MemOpen() {
		fmt.Fprintf(w, "  decode   memory %#x-%#x\n", d.MemBase, d.MemLimit)
	}

	if d.PrefOpen() {
		fmt.Fprintf(w, "  decode   prefetch %#x-%#x (%v)\n", d.PrefBase, d.PrefLimit, d.PrefWidth)
	}
}
