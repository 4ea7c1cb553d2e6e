package flag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bobuhiro11/gopcib/pcib"
	"github.com/bobuhiro11/gopcib/region"
)

var ErrBadRequest = errors.New("request must be kind:start-end:count[:align]")

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// ParseRequest parses a resource request such as
//
//	io:0x1000-0x1fff:0x100
//	pmem:0-0xffffffff:1M:20
//
// where kind is io, mem, pmem or bus, count takes the ParseSize units and
// the optional align is a log2 alignment.
func ParseRequest(s string) (pcib.Request, error) {
	var req pcib.Request

	fields := strings.Split(s, ":")
	if len(fields) != 3 && len(fields) != 4 {
		return req, fmt.Errorf("%q: %w", s, ErrBadRequest)
	}

	switch fields[0] {
	case "io":
		req.Kind = pcib.IOPort
	case "mem":
		req.Kind = pcib.Memory
	case "pmem":
		req.Kind = pcib.Memory
		req.Flags |= region.Prefetchable
	case "bus":
		req.Kind = pcib.BusNumber
	default:
		return req, fmt.Errorf("%q: unknown kind %q: %w", s, fields[0], ErrBadRequest)
	}

	bounds := strings.SplitN(fields[1], "-", 2)
	if len(bounds) != 2 {
		return req, fmt.Errorf("%q: %w", s, ErrBadRequest)
	}

	var err error

	if req.Start, err = strconv.ParseUint(bounds[0], 0, 64); err != nil {
		return req, fmt.Errorf("%q: start: %w", s, err)
	}

	if req.End, err = strconv.ParseUint(bounds[1], 0, 64); err != nil {
		return req, fmt.Errorf("%q: end: %w", s, err)
	}

	count, err := ParseSize(fields[2], "")
	if err != nil {
		return req, fmt.Errorf("%q: count: %w", s, err)
	}

	req.Count = uint64(count)

	if len(fields) == 4 {
		align, err := strconv.ParseUint(fields[3], 0, 8)
		if err != nil {
			return req, fmt.Errorf("%q: align: %w", s, err)
		}

		req.Flags = req.Flags.WithAlignment(uint(align))
	}

	req.Owner = s

	return req, nil
}
