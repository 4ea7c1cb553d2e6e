package pci

// Decode is the window configuration currently programmed in a bridge,
// read without any write probes.
type Decode struct {
	IOWidth   Width
	IOBase    uint64
	IOLimit   uint64
	MemBase   uint64
	MemLimit  uint64
	PrefWidth Width
	PrefBase  uint64
	PrefLimit uint64
	BridgeCtl uint16
	Secondary uint8
	Subord    uint8
}

// ReadDecode reads the windows of the bridge behind cs. A zero I/O or
// prefetchable base register is reported as an absent window since it
// cannot be told apart from an unimplemented one without writing.
func ReadDecode(cs ConfigSpace) Decode {
	d := Decode{
		MemBase:   DecodeMemBase(0, cs.Read(MemBase, 2)),
		MemLimit:  DecodeMemLimit(0, cs.Read(MemLimit, 2)),
		BridgeCtl: uint16(cs.Read(BridgeCtl, 2)),
		Secondary: uint8(cs.Read(SecBus, 1)),
		Subord:    uint8(cs.Read(SubBus, 1)),
	}

	if io := cs.Read(IOBaseLow, 1); io != 0 {
		d.IOWidth = Narrow

		var baseHigh, limitHigh uint32
		if io&IOWidthMask == IOWidth32 {
			d.IOWidth = Wide
			baseHigh = cs.Read(IOBaseHigh, 2)
			limitHigh = cs.Read(IOLimitHigh, 2)
		}

		d.IOBase = DecodeIOBase(baseHigh, io)
		d.IOLimit = DecodeIOLimit(limitHigh, cs.Read(IOLimitLow, 1))
	}

	if pm := cs.Read(PrefBaseLow, 2); pm != 0 {
		d.PrefWidth = Narrow

		var baseHigh, limitHigh uint32
		if pm&PrefWidthMask == PrefWidth64 {
			d.PrefWidth = Wide
			baseHigh = cs.Read(PrefBaseHigh, 4)
			limitHigh = cs.Read(PrefLimitHigh, 4)
		}

		d.PrefBase = DecodeMemBase(baseHigh, pm)
		d.PrefLimit = DecodeMemLimit(limitHigh, cs.Read(PrefLimitLow, 2))
	}

	return d
}

// IOOpen reports whether the I/O window decodes anything.
func (d Decode) IOOpen() bool {
	return d.IOWidth != Absent && d.IOBase < d.IOLimit
}

func (d Decode) MemOpen() bool {
	return d.MemBase < d.MemLimit
}

func (d Decode) PrefOpen() bool {
	return d.PrefWidth != Absent && d.PrefBase < d.PrefLimit
}
