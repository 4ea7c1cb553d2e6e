package pci

import (
	"fmt"

	"golang.org/x/exp/mmap"
)

// LoadImage maps a saved configuration space dump (for example a copy of
// a sysfs config file) and builds an emulated bridge from it. Window
// capabilities are inferred from the read-only nibbles of the image.
func LoadImage(path string) (*Emulated, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	n := r.Len()
	if n > ConfigSize {
		n = ConfigSize
	}

	raw := make([]byte, n)
	if _, err := r.ReadAt(raw, 0); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if len(raw) < 0x40 {
		return nil, fmt.Errorf("%s: %w: %d bytes", path, ErrShortImage, len(raw))
	}

	if raw[HeaderType]&HeaderTypeMask != HeaderTypeBridge {
		return nil, fmt.Errorf("%s: header type 0x%x is not a bridge", path, raw[HeaderType])
	}

	return NewEmulatedFromBytes(raw, CapabilitiesOf(raw))
}

// CapabilitiesOf infers window capabilities from a raw type 1 header.
// A window whose base and limit registers are both zero is treated as
// not implemented.
func CapabilitiesOf(raw []byte) Capabilities {
	var caps Capabilities

	if raw[IOBaseLow] != 0 || raw[IOLimitLow] != 0 {
		caps.IO = Narrow
		if raw[IOBaseLow]&IOWidthMask == IOWidth32 {
			caps.IO = Wide
		}
	}

	if raw[PrefBaseLow] != 0 || raw[PrefBaseLow+1] != 0 || raw[PrefLimitLow] != 0 || raw[PrefLimitLow+1] != 0 {
		caps.Prefetch = Narrow
		if raw[PrefBaseLow]&PrefWidthMask == PrefWidth64 {
			caps.Prefetch = Wide
		}
	}

	return caps
}
