// Package region implements an interval allocator over a bounded address
// range. A Manager is seeded with one or more disjoint spans via Manage and
// hands out aligned sub-ranges with Reserve.
package region

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy means no free span satisfies the request.
	ErrBusy = errors.New("no free region satisfies the request")

	// ErrInvalid means the request is malformed (zero count, overflow,
	// start after end or out of the manager bounds).
	ErrInvalid = errors.New("invalid region request")

	// ErrOverlap means a span passed to Manage intersects an already
	// managed span.
	ErrOverlap = errors.New("region overlaps a managed region")

	// ErrNotOwned means the region does not belong to the manager or is
	// not currently reserved.
	ErrNotOwned = errors.New("region is not reserved from this manager")
)

// Flags modify a reservation. The alignment (log2) is packed into the high
// bits, see WithAlignment.
type Flags uint32

const (
	// Active marks a reservation whose decode has been enabled.
	Active Flags = 1 << iota
	// Prefetchable marks a memory reservation that tolerates prefetching.
	Prefetchable
	// TopDown places a reservation at the highest fitting address.
	TopDown

	alignmentShift       = 16
	alignmentMask  Flags = 0x3f << alignmentShift
)

// Alignment returns the log2 alignment carried in f.
func (f Flags) Alignment() uint {
	return uint((f & alignmentMask) >> alignmentShift)
}

// WithAlignment returns f with its alignment replaced by 2^log2.
func (f Flags) WithAlignment(log2 uint) Flags {
	return (f &^ alignmentMask) | (Flags(log2)<<alignmentShift)&alignmentMask
}

// Region is one span of a Manager, either free or reserved.
type Region struct {
	start     uint64
	end       uint64
	flags     Flags
	allocated bool
	owner     string
	m         *Manager
}

func (r *Region) Start() uint64 { return r.start }
func (r *Region) End() uint64   { return r.end }

// Size returns the number of addresses covered by r.
func (r *Region) Size() uint64 { return r.end - r.start + 1 }

func (r *Region) Flags() Flags  { return r.flags }
func (r *Region) Owner() string { return r.owner }

// IsActive reports whether the Active flag is set.
func (r *Region) IsActive() bool { return r.flags&Active != 0 }

func (r *Region) String() string {
	return fmt.Sprintf("%#x-%#x", r.start, r.end)
}

// Span is a read-only view of one entry of the manager list.
type Span struct {
	Start     uint64
	End       uint64
	Allocated bool
}

// Manager tracks which parts of [start, end] are managed, free or
// reserved. Spans are kept sorted by address and never overlap. Adjacent
// free spans are always merged.
type Manager struct {
	Name  string
	start uint64
	end   uint64
	list  []*Region
}

// New returns an empty manager whose spans must lie within [start, end].
func New(name string, start, end uint64) *Manager {
	return &Manager{
		Name:  name,
		start: start,
		end:   end,
	}
}

// Bounds returns the address range the manager may cover.
func (m *Manager) Bounds() (start, end uint64) {
	return m.start, m.end
}

// Owns reports whether r is a live reservation of m.
func (m *Manager) Owns(r *Region) bool {
	return r != nil && r.m == m && r.allocated
}

// Spans returns a copy of the manager list.
func (m *Manager) Spans() []Span {
	spans := make([]Span, 0, len(m.list))

	for _, r := range m.list {
		spans = append(spans, Span{Start: r.start, End: r.end, Allocated: r.allocated})
	}

	return spans
}

// Manage adds [start, end] to the free pool.
func (m *Manager) Manage(start, end uint64) error {
	if start > end || start < m.start || end > m.end {
		return fmt.Errorf("%s: manage %#x-%#x: %w", m.Name, start, end, ErrInvalid)
	}

	i := m.search(start)

	if i > 0 && m.list[i-1].end >= start {
		return fmt.Errorf("%s: manage %#x-%#x: %w", m.Name, start, end, ErrOverlap)
	}

	if i < len(m.list) && m.list[i].start <= end {
		return fmt.Errorf("%s: manage %#x-%#x: %w", m.Name, start, end, ErrOverlap)
	}

	m.insert(i, &Region{start: start, end: end, m: m})
	m.coalesce(i)

	return nil
}

// Reserve finds a free sub-range of count addresses within [start, end]
// that honors the alignment in flags.
func (m *Manager) Reserve(start, end, count uint64, flags Flags, owner string) (*Region, error) {
	if count == 0 || start > end || start+count-1 < start || start+count-1 > end {
		return nil, fmt.Errorf("%s: reserve %#x-%#x,%#x: %w", m.Name, start, end, count, ErrInvalid)
	}

	align := uint64(1) << flags.Alignment()
	amask := align - 1

	if flags&TopDown != 0 {
		for i := len(m.list) - 1; i >= 0; i-- {
			s := m.list[i]
			if s.allocated || s.start > end || s.end < start {
				continue
			}

			lo, hi := maxU64(s.start, start), minU64(s.end, end)
			if hi-lo < count-1 {
				continue
			}

			rstart := (hi - count + 1) &^ amask
			if rstart < lo {
				continue
			}

			return m.carve(i, rstart, rstart+count-1, flags, owner), nil
		}

		return nil, ErrBusy
	}

	for i, s := range m.list {
		if s.allocated || s.end < start || s.start > end {
			continue
		}

		lo, hi := maxU64(s.start, start), minU64(s.end, end)

		rstart := (lo + amask) &^ amask
		if rstart < lo {
			continue
		}

		rend := rstart + count - 1
		if rend < rstart || rend > hi {
			continue
		}

		return m.carve(i, rstart, rend, flags, owner), nil
	}

	return nil, ErrBusy
}

// Release returns r to the free pool.
func (m *Manager) Release(r *Region) error {
	if !m.Owns(r) {
		return ErrNotOwned
	}

	i := m.index(r)
	if i < 0 {
		panic(fmt.Sprintf("%s: reserved region %v missing from list", m.Name, r))
	}

	free := &Region{start: r.start, end: r.end, m: m}
	m.list[i] = free
	m.coalesce(i)

	r.allocated = false
	r.m = nil

	return nil
}

// Adjust moves the bounds of the reservation r to [start, end]. The new
// range must overlap the old one; growth only succeeds into adjacent free
// space, shrinking returns space to the pool.
func (m *Manager) Adjust(r *Region, start, end uint64) error {
	if !m.Owns(r) {
		return ErrNotOwned
	}

	if start > end || start > r.end || end < r.start {
		return fmt.Errorf("%s: adjust %v to %#x-%#x: %w", m.Name, r, start, end, ErrInvalid)
	}

	i := m.index(r)

	var prev, next *Region
	if i > 0 {
		prev = m.list[i-1]
	}

	if i+1 < len(m.list) {
		next = m.list[i+1]
	}

	if start < r.start {
		if prev == nil || prev.allocated || prev.end+1 != r.start || prev.start > start {
			return ErrBusy
		}
	}

	if end > r.end {
		if next == nil || next.allocated || next.start != r.end+1 || next.end < end {
			return ErrBusy
		}
	}

	oldStart, oldEnd := r.start, r.end
	r.start, r.end = start, end

	// Rebuild the neighbourhood of r: [prev] r [next].
	var around []*Region

	if prev != nil {
		switch {
		case start < oldStart:
			if prev.start < start {
				prev.end = start - 1
				around = append(around, prev)
			}
		case start > oldStart:
			if !prev.allocated && prev.end+1 == oldStart {
				prev.end = start - 1
				around = append(around, prev)
			} else {
				around = append(around, prev, &Region{start: oldStart, end: start - 1, m: m})
			}
		default:
			around = append(around, prev)
		}
	} else if start > oldStart {
		around = append(around, &Region{start: oldStart, end: start - 1, m: m})
	}

	around = append(around, r)

	if next != nil {
		switch {
		case end > oldEnd:
			if next.end > end {
				next.start = end + 1
				around = append(around, next)
			}
		case end < oldEnd:
			if !next.allocated && next.start == oldEnd+1 {
				next.start = end + 1
				around = append(around, next)
			} else {
				around = append(around, &Region{start: end + 1, end: oldEnd, m: m}, next)
			}
		default:
			around = append(around, next)
		}
	} else if end < oldEnd {
		around = append(around, &Region{start: end + 1, end: oldEnd, m: m})
	}

	lo := i
	if prev != nil {
		lo = i - 1
	}

	hi := i + 1
	if next != nil {
		hi = i + 2
	}

	list := make([]*Region, 0, len(m.list)+2)
	list = append(list, m.list[:lo]...)
	list = append(list, around...)
	list = append(list, m.list[hi:]...)
	m.list = list

	return nil
}

// Activate sets the Active flag on a reservation.
func (m *Manager) Activate(r *Region) error {
	if !m.Owns(r) {
		return ErrNotOwned
	}

	r.flags |= Active

	return nil
}

// Deactivate clears the Active flag on a reservation.
func (m *Manager) Deactivate(r *Region) error {
	if !m.Owns(r) {
		return ErrNotOwned
	}

	r.flags &^= Active

	return nil
}

// FirstFree returns the lowest free span.
func (m *Manager) FirstFree() (start, end uint64, ok bool) {
	for _, r := range m.list {
		if !r.allocated {
			return r.start, r.end, true
		}
	}

	return 0, 0, false
}

// LastFree returns the highest free span.
func (m *Manager) LastFree() (start, end uint64, ok bool) {
	for i := len(m.list) - 1; i >= 0; i-- {
		if r := m.list[i]; !r.allocated {
			return r.start, r.end, true
		}
	}

	return 0, 0, false
}

// carve splits the free span at index i around [start, end] and returns
// the reserved middle piece.
func (m *Manager) carve(i int, start, end uint64, flags Flags, owner string) *Region {
	s := m.list[i]
	r := &Region{
		start:     start,
		end:       end,
		flags:     flags &^ alignmentMask,
		allocated: true,
		owner:     owner,
		m:         m,
	}

	pieces := make([]*Region, 0, 3)
	if s.start < start {
		pieces = append(pieces, &Region{start: s.start, end: start - 1, m: m})
	}

	pieces = append(pieces, r)

	if end < s.end {
		pieces = append(pieces, &Region{start: end + 1, end: s.end, m: m})
	}

	list := make([]*Region, 0, len(m.list)+2)
	list = append(list, m.list[:i]...)
	list = append(list, pieces...)
	list = append(list, m.list[i+1:]...)
	m.list = list

	return r
}

// coalesce merges the free span at index i with free neighbours that are
// directly adjacent.
func (m *Manager) coalesce(i int) {
	r := m.list[i]

	if i+1 < len(m.list) {
		if n := m.list[i+1]; !n.allocated && r.end+1 == n.start {
			r.end = n.end
			m.list = append(m.list[:i+1], m.list[i+2:]...)
		}
	}

	if i > 0 {
		if p := m.list[i-1]; !p.allocated && p.end+1 == r.start {
			p.end = r.end
			m.list = append(m.list[:i], m.list[i+1:]...)
		}
	}
}

// search returns the index of the first span starting after addr.
func (m *Manager) search(addr uint64) int {
	lo, hi := 0, len(m.list)

	for lo < hi {
		mid := (lo + hi) / 2
		if m.list[mid].start <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	return lo
}

func (m *Manager) insert(i int, r *Region) {
	m.list = append(m.list, nil)
	copy(m.list[i+1:], m.list[i:])
	m.list[i] = r
}

func (m *Manager) index(r *Region) int {
	for i, s := range m.list {
		if s == r {
			return i
		}
	}

	return -1
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}
