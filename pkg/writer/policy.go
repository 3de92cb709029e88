package writer

import (
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"strconv"
	"strings"
)

const (
	// LargeChunk is used for images of at least LargeChunk bytes.
	LargeChunk int64 = 64 * 1024 * 1024
	// SmallChunk is used for smaller images.
	SmallChunk int64 = 1024 * 1024
	// MaxChunk caps an override so a single buffer stays allocatable.
	MaxChunk int64 = 256 * 1024 * 1024
)

// BlockSizePolicy chooses the chunk size for an image.
type BlockSizePolicy struct {
	// Override replaces the size-based default when positive.
	Override int64
}

// NewBlockSizePolicy parses a BLOCK_SIZE style override. An empty, invalid or
// non-positive value leaves the default policy in place.
func NewBlockSizePolicy(override string) BlockSizePolicy {
	if strings.TrimSpace(override) == "" {
		return BlockSizePolicy{}
	}
	n, err := ParseSize(override)
	if err != nil || n <= 0 {
		slog.Warn("block_size_override_ignored", "value", override, "error", err)
		return BlockSizePolicy{}
	}
	return BlockSizePolicy{Override: n}
}

// ChunkSize returns the base chunk size for an image of imageSize bytes on a
// device with the given logical sector size. The result is a power of two and
// a multiple of sectorSize.
func (p BlockSizePolicy) ChunkSize(imageSize, sectorSize int64) int64 {
	chunk := SmallChunk
	if imageSize >= LargeChunk {
		chunk = LargeChunk
	}
	if p.Override > 0 {
		chunk = floorPow2(min(p.Override, MaxChunk))
	}
	if sectorSize > 0 && chunk < sectorSize {
		chunk = sectorSize
	}
	return chunk
}

// Next returns the length of the next chunk given the bytes remaining. A short
// final chunk is rounded down to whole sectors; a sub-sector tail is returned
// as-is so the image is written completely.
func Next(chunk, remaining, sectorSize int64) int64 {
	if remaining >= chunk {
		return chunk
	}
	if sectorSize > 0 && remaining >= sectorSize {
		return remaining - remaining%sectorSize
	}
	return remaining
}

func floorPow2(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return int64(1) << (63 - bits.LeadingZeros64(uint64(n)))
}

// ParseSize converts strings like "32M", "512K", "1G", "4MiB" or "4096" to
// bytes using binary multiples.
func ParseSize(s string) (int64, error) {
	ss := strings.TrimSpace(strings.ToLower(s))
	if ss == "" {
		return 0, fmt.Errorf("empty size")
	}
	ss = strings.TrimSuffix(ss, "ib")
	ss = strings.TrimSuffix(ss, "b")

	mult := int64(1)
	switch {
	case strings.HasSuffix(ss, "k"):
		mult = 1024
		ss = strings.TrimSuffix(ss, "k")
	case strings.HasSuffix(ss, "m"):
		mult = 1024 * 1024
		ss = strings.TrimSuffix(ss, "m")
	case strings.HasSuffix(ss, "g"):
		mult = 1024 * 1024 * 1024
		ss = strings.TrimSuffix(ss, "g")
	}

	v, err := strconv.ParseInt(ss, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("size must be positive: %q", s)
	}
	if v > math.MaxInt64/mult {
		return 0, fmt.Errorf("size overflows: %q", s)
	}
	return v * mult, nil
}
