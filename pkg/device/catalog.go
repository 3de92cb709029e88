package device

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/softreck/sdflash/pkg/errors"
)

// systemMountpoints identify disks hosting the running system.
var systemMountpoints = map[string]bool{
	"/":              true,
	"/boot":          true,
	"/boot/firmware": true,
	"/boot/efi":      true,
}

// skippedPrefixes are virtual or non-flashable block devices.
var skippedPrefixes = []string{"loop", "zram", "ram", "sr", "dm-", "md", "nbd"}

// SysCatalog builds Device snapshots from ghw block information and the
// mount table reported by gopsutil.
type SysCatalog struct {
	blockInfo  func() (*ghw.BlockInfo, error)
	mounts     func(ctx context.Context) ([]disk.PartitionStat, error)
	sectorSize func(name string) int64
}

// ListDevices enumerates whole disks. A disk whose removable attribute cannot
// be read is reported as non-removable.
func (c *SysCatalog) ListDevices(ctx context.Context) ([]Device, error) {
	info, err := c.blockInfo()
	if err != nil {
		slog.Error("catalog_block_info_failed", "error", err)
		return nil, errors.Wrap(err, "failed to read block devices")
	}

	mounts, err := c.mounts(ctx)
	if err != nil {
		// Without a mount table we cannot prove a disk is not the system
		// disk, so refuse to enumerate.
		slog.Error("catalog_mount_table_failed", "error", err)
		return nil, errors.Wrap(err, "failed to read mount table")
	}

	return buildDevices(info, mounts, c.sectorSize), nil
}

// Lookup resolves path from a fresh enumeration.
func (c *SysCatalog) Lookup(ctx context.Context, path string) (Device, error) {
	devs, err := c.ListDevices(ctx)
	if err != nil {
		return Device{}, err
	}
	path = ensureDevPrefix(path)
	for _, d := range devs {
		if d.Path == path {
			return d, nil
		}
	}
	return Device{}, errors.Wrap(ErrNotFound, path)
}

func buildDevices(info *ghw.BlockInfo, mounts []disk.PartitionStat, sectorSize func(string) int64) []Device {
	if info == nil {
		return nil
	}

	byDisk := make(map[string][]Mount)
	for _, m := range mounts {
		if !strings.HasPrefix(m.Device, "/dev/") {
			continue
		}
		base := BaseDisk(m.Device)
		byDisk[base] = append(byDisk[base], Mount{Partition: m.Device, Mountpoint: m.Mountpoint})
	}

	devs := make([]Device, 0, len(info.Disks))
	for _, d := range info.Disks {
		if d == nil || skipped(d.Name) {
			continue
		}

		path := ensureDevPrefix(d.Name)
		dev := Device{
			Path:       path,
			Name:       d.Name,
			Size:       int64(d.SizeBytes),
			SectorSize: DefaultSectorSize,
			Mounts:     byDisk[path],
			Model:      cleanAttr(d.Model),
			Serial:     cleanAttr(d.SerialNumber),
		}
		if sectorSize != nil {
			if s := sectorSize(d.Name); s > 0 {
				dev.SectorSize = s
			}
		}
		for _, m := range dev.Mounts {
			if systemMountpoints[m.Mountpoint] {
				dev.System = true
				break
			}
		}
		dev.Removable = d.IsRemovable && !dev.System

		devs = append(devs, dev)
	}
	return devs
}

func skipped(name string) bool {
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// cleanAttr normalises ghw's placeholder for unknown attributes.
func cleanAttr(s string) string {
	if strings.EqualFold(s, "unknown") {
		return ""
	}
	return strings.TrimSpace(s)
}
