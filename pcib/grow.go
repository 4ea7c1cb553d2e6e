package pcib

import (
	"fmt"

	"github.com/bobuhiro11/gopcib/region"
)

const isaIOLimit = 0x10000

// allocNewWindow leases a fresh backing range for a window that has none.
func (b *Bridge) allocNewWindow(w *window, start, end, count uint64, flags region.Flags) error {
	// Behind an ISA bridge try 4k windows from 0xf000 down. Larger
	// requests were already moved above 64k by the caller.
	if w.kind == IOPort && b.isaEnabled() && start < isaIOLimit {
		for base := uint64(0xf000); ; base -= 0x1000 {
			limit := base + 0xfff

			switch {
			case start+count > limit-0x400:
			case base == 0 && end-count+1 < 0x400:
			case base != 0 && end-count+1 < base:
			default:
				if err := b.allocNonISARanges(base, limit); err == nil {
					w.base, w.limit = base, limit
					b.activateWindow(w.kind)

					return nil
				}
			}

			if base == 0 {
				return ErrNoSpace
			}
		}
	}

	wmask := uint64(1)<<w.step - 1
	if flags.Alignment() < w.step {
		flags = flags.WithAlignment(w.step)
	}

	start &^= wmask
	end |= wmask
	count = (count + wmask) &^ wmask

	r, err := b.parent.AllocRange(Request{
		Kind:  w.kind,
		Start: start,
		End:   end,
		Count: count,
		Flags: flags &^ region.Active,
		Owner: b.name,
	})
	if err != nil {
		return err
	}

	b.addWindowResources(w, r)
	b.activateWindow(w.kind)
	w.base, w.limit = r.Start(), r.End()

	return nil
}

// expandWindow moves one edge of w outward to [base, limit].
func (b *Bridge) expandWindow(w *window, base, limit uint64) error {
	if base > w.base || limit < w.limit {
		panic(fmt.Sprintf("%s: attempting to shrink %s window", b.name, w.name))
	}

	if limit != w.limit && base != w.base {
		panic(fmt.Sprintf("%s: attempting to grow both ends of %s window", b.name, w.name))
	}

	// Below 64k the non-alias pieces of an ISA bridge are separate
	// leases, so growth there always means new leases. A window that
	// ends below 64k has no range above it to extend either.
	isa := w.kind == IOPort && b.isaEnabled()
	if isa && (limit < isaIOLimit || w.limit < isaIOLimit || (base < isaIOLimit && base != w.base)) {
		var err error
		if base != w.base {
			err = b.allocNonISARanges(base, w.base-1)
		} else {
			err = b.allocNonISARanges(w.limit+1, limit)
		}

		if err != nil {
			return err
		}

		w.base, w.limit = base, limit
		b.activateWindow(w.kind)

		return nil
	}

	var res *region.Region

	for _, r := range w.ranges {
		if r.End() == w.limit {
			res = r

			break
		}
	}

	if res == nil {
		panic(fmt.Sprintf("%s: no backing range ends at %s window limit %#x", b.name, w.name, w.limit))
	}

	// An ISA window reaching below 64k is backed above 64k by one range
	// starting at 64k; only its end moves.
	force64k := isa && w.base < isaIOLimit
	if force64k && res.Start() != isaIOLimit {
		panic(fmt.Sprintf("%s: %s backing range %v does not start at 64k", b.name, w.name, res))
	}

	if !force64k && res.Start() != w.base {
		panic(fmt.Sprintf("%s: %s backing range %v does not match window base %#x", b.name, w.name, res, w.base))
	}

	newStart := base
	if force64k {
		newStart = res.Start()
	}

	if err := b.parent.AdjustRange(w.kind, res, newStart, limit); err != nil {
		return err
	}

	if base != w.base {
		if err := w.rm.Manage(base, w.base-1); err != nil {
			panic(fmt.Sprintf("%s: failed to expand %s window: %v", b.name, w.name, err))
		}

		w.base = base
	} else {
		if err := w.rm.Manage(w.limit+1, limit); err != nil {
			panic(fmt.Sprintf("%s: failed to expand %s window: %v", b.name, w.name, err))
		}

		w.limit = limit
	}

	b.activateWindow(w.kind)

	return nil
}

// growWindow makes room in w for count addresses within [start, end],
// either by leasing a fresh window or by moving one edge outward.
func (b *Bridge) growWindow(w *window, start, end, count uint64, flags region.Flags) error {
	if !w.valid {
		return fmt.Errorf("%s: %s window not implemented: %w", b.name, w.name, ErrInvalidRequest)
	}

	if w.kind == IOPort && b.isaEnabled() && count > isaSystemIO && start < isaIOLimit {
		start = isaIOLimit
	}

	if maxAddr := w.maxAddress(); end > maxAddr {
		end = maxAddr
	}

	if count == 0 || start+count-1 < start || start+count-1 > end {
		return fmt.Errorf("%s: %s window cannot hold %#x-%#x,%#x: %w",
			b.name, w.name, start, end, count, ErrInvalidRequest)
	}

	wmask := uint64(1)<<w.step - 1

	if len(w.ranges) == 0 {
		if err := b.allocNewWindow(w, start, end, count, flags); err != nil {
			b.debugf("failed to allocate initial %s window (%#x-%#x,%#x): %v", w.name, start, end, count, err)

			return fmt.Errorf("%s: %w: %w", b.name, ErrNoSpace, err)
		}

		b.debugf("allocated initial %s window of %#x-%#x", w.name, w.base, w.limit)
		b.finishGrowth(w, wmask)

		return nil
	}

	b.debugf("attempting to grow %s window for (%#x-%#x,%#x)", w.name, start, end, count)

	align := uint64(1) << flags.Alignment()

	// front and back are the number of addresses to add at each edge;
	// zero means the edge cannot help.
	var front, back uint64

	if start < w.base {
		// bound is one past the highest usable address.
		bound := w.base
		if s, e, ok := w.rm.FirstFree(); ok && s == w.base {
			bound = e + 1
		}

		if bound > end {
			bound = end + 1
		}

		bound &^= align - 1
		endFree := bound - 1
		lo := endFree - (count - 1)

		if bound != 0 && lo >= start && lo <= endFree {
			b.debugf("front candidate range: %#x-%#x", lo, endFree)

			lo &^= wmask
			if lo < w.base {
				front = w.base - lo
			}
		}
	}

	if end > w.limit {
		startFree := w.limit + 1
		if s, e, ok := w.rm.LastFree(); ok && e == w.limit {
			startFree = s
		}

		if startFree < start {
			startFree = start
		}

		startFree = (startFree + align - 1) &^ (align - 1)
		hi := startFree + count - 1

		if startFree != 0 && hi <= end && startFree <= hi {
			b.debugf("back candidate range: %#x-%#x", startFree, hi)

			hi |= wmask
			if hi > w.limit {
				back = hi - w.limit
			}
		}
	}

	err := fmt.Errorf("%s: no growth candidate for %#x-%#x,%#x", w.name, start, end, count)

	for front != 0 || back != 0 {
		if front != 0 && (back == 0 || front <= back) {
			if err = b.expandWindow(w, w.base-front, w.limit); err == nil {
				break
			}

			front = 0
		} else {
			if err = b.expandWindow(w, w.base, w.limit+back); err == nil {
				break
			}

			back = 0
		}
	}

	if err != nil {
		return fmt.Errorf("%s: %w: %w", b.name, ErrNoSpace, err)
	}

	b.debugf("grew %s window to %#x-%#x", w.name, w.base, w.limit)
	b.finishGrowth(w, wmask)

	return nil
}

func (b *Bridge) finishGrowth(w *window, wmask uint64) {
	if w.base&wmask != 0 {
		panic(fmt.Sprintf("%s: %s window base %#x is not aligned", b.name, w.name, w.base))
	}

	if w.limit&wmask != wmask {
		panic(fmt.Sprintf("%s: %s window limit %#x is not aligned", b.name, w.name, w.limit))
	}

	b.writeWindows(w.mask)
}
