// Package device enumerates block devices, classifies them as removable or
// fixed, and provides the low-level helpers the writer and verifier need.
package device

import (
	"context"
	"strings"

	"github.com/softreck/sdflash/pkg/errors"
)

// DefaultSectorSize is used when the logical sector size cannot be read.
const DefaultSectorSize = 512

// ErrNotFound is returned by Lookup when the path is not present.
var ErrNotFound = errors.New("device not found")

// Mount is a mounted partition belonging to a disk.
type Mount struct {
	Partition  string
	Mountpoint string
}

// Device is an immutable snapshot of one whole disk taken during a poll.
type Device struct {
	Path       string
	Name       string
	Size       int64
	SectorSize int64
	Removable  bool
	// System is set when the disk hosts the running system's root or boot mounts.
	System bool
	Mounts []Mount
	Model  string
	Serial string
}

// Mounted reports whether any partition of the device is mounted.
func (d Device) Mounted() bool {
	return len(d.Mounts) > 0
}

// LogicalSectorSize returns the sector size, falling back to DefaultSectorSize.
func (d Device) LogicalSectorSize() int64 {
	if d.SectorSize <= 0 {
		return DefaultSectorSize
	}
	return d.SectorSize
}

// Catalog enumerates storage devices. Implementations are read-only.
type Catalog interface {
	// ListDevices returns every whole disk with its classification.
	ListDevices(ctx context.Context) ([]Device, error)

	// Lookup resolves a single device path from a fresh enumeration.
	Lookup(ctx context.Context, path string) (Device, error)
}

// Removable filters devices down to those safe to offer for flashing.
func Removable(devs []Device) []Device {
	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		if d.Removable && !d.System {
			out = append(out, d)
		}
	}
	return out
}

// BaseDisk takes a device like "/dev/mmcblk0p2" or "/dev/sda1" and returns
// the disk it belongs to ("/dev/mmcblk0" or "/dev/sda").
func BaseDisk(dev string) string {
	if !strings.HasPrefix(dev, "/dev/") {
		return dev
	}

	s := dev
	for len(s) > 0 {
		last := s[len(s)-1]
		if last < '0' || last > '9' {
			break
		}
		s = s[:len(s)-1]
	}

	// mmcblk0p2 and nvme0n1p2 keep their trailing number before the 'p'
	if strings.HasSuffix(s, "p") && (strings.Contains(s, "mmcblk") || strings.Contains(s, "nvme")) {
		return s[:len(s)-1]
	}
	if strings.Contains(s, "mmcblk") || strings.Contains(s, "nvme") {
		// whole disk already, e.g. /dev/mmcblk0
		return dev
	}

	return s
}

func ensureDevPrefix(name string) string {
	if strings.HasPrefix(name, "/dev/") {
		return name
	}
	return "/dev/" + name
}
