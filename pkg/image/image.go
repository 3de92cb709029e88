// Package image describes the source image a job writes. Partitioned images
// are written byte-for-byte; the partition table is read only for reporting.
package image

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/dustin/go-humanize"

	"github.com/softreck/sdflash/pkg/errors"
)

// Partition is one entry of the image's partition table.
type Partition struct {
	Index int
	Start int64
	Size  int64
	Label string
}

// PartitionTable is the optional layout metadata of a partitioned image.
type PartitionTable struct {
	Type       string
	Partitions []Partition
}

// Source is an immutable description of an image file.
type Source struct {
	Path     string
	Size     int64
	Checksum string
	Table    *PartitionTable
}

// Open stats the image and reads its partition table if it has one.
// checksum may be empty.
func Open(path, checksum string) (*Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat image")
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("image %s is not a regular file", path)
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("image %s is empty", path)
	}

	src := &Source{
		Path:     path,
		Size:     fi.Size(),
		Checksum: checksum,
		Table:    readPartitionTable(path),
	}

	attrs := []any{"path", path, "size", humanize.IBytes(uint64(src.Size))}
	if src.Table != nil {
		attrs = append(attrs, "table", src.Table.Type, "partitions", len(src.Table.Partitions))
	}
	slog.Info("image_opened", attrs...)

	return src, nil
}

// String returns a short human-readable description.
func (s *Source) String() string {
	return fmt.Sprintf("%s (%s)", s.Path, humanize.IBytes(uint64(s.Size)))
}

// readPartitionTable returns nil for raw images or when the table cannot be
// parsed.
func readPartitionTable(path string) *PartitionTable {
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		slog.Debug("image_open_diskfs_failed", "path", path, "error", err)
		return nil
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil || table == nil {
		return nil
	}

	pt := &PartitionTable{Type: table.Type()}
	for i, p := range table.GetPartitions() {
		if p == nil || p.GetSize() == 0 {
			continue
		}
		part := Partition{
			Index: i + 1,
			Start: p.GetStart(),
			Size:  p.GetSize(),
		}
		// only GPT entries carry a name
		if g, ok := p.(*gpt.Partition); ok {
			part.Label = g.Name
		}
		pt.Partitions = append(pt.Partitions, part)
	}
	return pt
}
