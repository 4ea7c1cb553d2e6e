package pcib

import (
	"github.com/bobuhiro11/gopcib/region"
)

// ISA devices decode only ten address bits, so below 64k every 1k block
// repeats the legacy ports in its upper 768 bytes. Only the low 256 bytes
// of each block (and never the first block) are safe for PCI devices.
const (
	isaAliasLimit = 0xffff
	isaBlockSize  = 0x400
	isaBlockMask  = 0x3ff
	isaAliasBits  = 0x300
	isaSystemIO   = 0x100
)

// isISARange reports whether a fixed I/O request overlaps an ISA alias
// behind an ISA-enabled bridge.
func (b *Bridge) isISARange(start, end, count uint64) bool {
	if !b.isaEnabled() {
		return false
	}

	// Only fixed ranges are checked.
	if start+count-1 != end {
		return false
	}

	if start > isaAliasLimit {
		return false
	}

	alias := start < isaSystemIO || start&isaAliasBits != 0
	if !alias {
		next := start&^isaBlockMask | isaSystemIO
		alias = next <= end
	}

	if alias {
		b.debugf("I/O range %#x-%#x overlaps with an ISA alias", start, end)
	}

	return alias
}

// NonAliasRanges walks the parts of an I/O range that are not ISA
// aliases: the low 256 bytes of each 1k block below 64k, then whatever
// lies above 64k as a single range. Reset restarts the walk.
type NonAliasRanges struct {
	start uint64
	end   uint64

	cur  uint64
	tail bool
}

func NewNonAliasRanges(start, end uint64) *NonAliasRanges {
	it := &NonAliasRanges{start: start, end: end}
	it.Reset()

	return it
}

func (it *NonAliasRanges) Reset() {
	it.cur = it.start
	it.tail = false

	if it.cur <= isaAliasLimit && (it.cur < isaSystemIO || it.cur&isaAliasBits != 0) {
		it.cur = it.cur&^isaBlockMask + isaBlockSize
	}
}

// Next returns the next non-alias range.
func (it *NonAliasRanges) Next() (start, end uint64, ok bool) {
	if !it.tail && it.cur <= minU64(it.end, isaAliasLimit) {
		start = it.cur
		end = minU64(it.cur|0xff, it.end)
		it.cur += isaBlockSize

		return start, end, true
	}

	if !it.tail && it.cur <= it.end {
		it.tail = true

		// An unaligned walk overshoots 64k; everything above it is usable.
		start = it.cur
		if it.start < isaIOLimit && start > isaIOLimit {
			start = isaIOLimit
		}

		return start, it.end, true
	}

	it.tail = true

	return 0, 0, false
}

// Count returns the number of ranges the walk yields and restarts it.
func (it *NonAliasRanges) Count() int {
	it.Reset()

	n := 0
	for _, _, ok := it.Next(); ok; _, _, ok = it.Next() {
		n++
	}

	it.Reset()

	return n
}

// allocNonISARanges leases every non-alias piece of [start, end] from the
// parent and adds them to the I/O window. Either all pieces are leased or
// none is.
func (b *Bridge) allocNonISARanges(start, end uint64) error {
	it := NewNonAliasRanges(start, end)
	leased := make([]*region.Region, 0, it.Count())

	for s, e, ok := it.Next(); ok; s, e, ok = it.Next() {
		b.debugf("allocating non-ISA range %#x-%#x", s, e)

		r, err := b.parent.AllocRange(Request{
			Kind:  IOPort,
			Start: s,
			End:   e,
			Count: e - s + 1,
			Owner: b.name,
		})
		if err != nil {
			for _, r := range leased {
				if rerr := b.parent.ReleaseRange(IOPort, r); rerr != nil {
					b.printf("failed to release non-ISA range %v: %v", r, rerr)
				}
			}

			return err
		}

		leased = append(leased, r)
	}

	b.addWindowResources(&b.io, leased...)

	return nil
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}
