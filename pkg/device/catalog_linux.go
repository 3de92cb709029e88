//go:build linux

package device

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v4/disk"
)

// NewCatalog returns a Catalog backed by sysfs (through ghw) and the mount
// table (through gopsutil).
func NewCatalog() Catalog {
	return &SysCatalog{
		blockInfo: func() (*ghw.BlockInfo, error) { return ghw.Block() },
		mounts: func(ctx context.Context) ([]disk.PartitionStat, error) {
			return disk.PartitionsWithContext(ctx, true)
		},
		sectorSize: sysfsSectorSize,
	}
}

func sysfsSectorSize(name string) int64 {
	data, err := os.ReadFile(filepath.Join("/sys/block", name, "queue", "logical_block_size"))
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
