package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// SysfsDevicesPath is where Linux exposes PCI functions.
const SysfsDevicesPath = "/sys/bus/pci/devices"

// Sysfs accesses the configuration space of a host PCI function through
// its sysfs config file.
type Sysfs struct {
	Path string

	fd  int
	err error
}

// OpenSysfs opens the config file of the function named addr (for
// example "0000:00:1c.0") under root. Writes need root privileges; the
// file is opened read-only when readOnly is set.
func OpenSysfs(root, addr string, readOnly bool) (*Sysfs, error) {
	path := filepath.Join(root, addr, "config")

	flags := unix.O_RDWR
	if readOnly {
		flags = unix.O_RDONLY
	}

	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &Sysfs{Path: path, fd: fd}, nil
}

func (s *Sysfs) Close() error {
	return unix.Close(s.fd)
}

// Err returns the first I/O error seen.
func (s *Sysfs) Err() error {
	return s.err
}

func (s *Sysfs) Read(offset uint32, width int) uint32 {
	if !validAccess(offset, width) {
		return allOnes(width)
	}

	buf := make([]byte, width)

	n, err := unix.Pread(s.fd, buf, int64(offset))
	if err != nil || n != width {
		if s.err == nil {
			s.err = fmt.Errorf("pread %s at 0x%x: n=%d: %w", s.Path, offset, n, err)
		}

		return allOnes(width)
	}

	v := uint32(0)
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint32(buf[i])
	}

	return v
}

func (s *Sysfs) Write(offset uint32, width int, value uint32) {
	if !validAccess(offset, width) {
		return
	}

	buf := make([]byte, width)
	for i := range buf {
		buf[i] = byte(value >> (8 * i))
	}

	if _, err := unix.Pwrite(s.fd, buf, int64(offset)); err != nil && s.err == nil {
		s.err = fmt.Errorf("pwrite %s at 0x%x: %w", s.Path, offset, err)
	}
}

// ListBridges returns the sysfs names of every PCI-to-PCI bridge under
// root, judged by the class file.
func ListBridges(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var names []string

	for _, e := range entries {
		class, err := os.ReadFile(filepath.Join(root, e.Name(), "class"))
		if err != nil {
			continue
		}

		// class is "0xCCSSPP"
		if strings.HasPrefix(strings.TrimSpace(string(class)), fmt.Sprintf("0x%02x%02x", ClassBridge, SubClassPCIBridge)) {
			names = append(names, e.Name())
		}
	}

	return names, nil
}
