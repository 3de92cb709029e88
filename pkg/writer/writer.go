// Package writer streams an image to a device in adaptively sized chunks.
package writer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/softreck/sdflash/pkg/device"
	"github.com/softreck/sdflash/pkg/errors"
	"github.com/softreck/sdflash/pkg/image"
)

// DefaultSyncInterval is how many bytes may be written between flushes.
const DefaultSyncInterval int64 = 256 * 1024 * 1024

// Progress is reported after each chunk.
type Progress struct {
	DevicePath string
	Written    int64
	Total      int64
	// Throughput is the instantaneous rate of the last chunk in bytes/s.
	Throughput float64
	ETA        time.Duration
}

// ProgressFunc receives progress updates. It is called from the writing
// goroutine and must not block for long.
type ProgressFunc func(Progress)

// Result describes a finished (or cancelled) write.
type Result struct {
	BytesWritten int64
	Elapsed      time.Duration
	ChunkSize    int64
	// Cancelled is set when the context ended between chunks.
	Cancelled bool
}

// Writer copies images onto devices.
type Writer struct {
	policy       BlockSizePolicy
	syncInterval int64
}

// New creates a Writer. A non-positive syncInterval selects DefaultSyncInterval.
func New(policy BlockSizePolicy, syncInterval int64) *Writer {
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	return &Writer{policy: policy, syncInterval: syncInterval}
}

// Policy returns the block size policy in use.
func (w *Writer) Policy() BlockSizePolicy {
	return w.policy
}

// Write streams src onto dev. Any read, write or flush fault aborts with an
// *errors.IOError carrying the offset; the chunk is not retried.
func (w *Writer) Write(ctx context.Context, dev device.Device, src *image.Source, onProgress ProgressFunc) (*Result, error) {
	in, err := os.Open(src.Path)
	if err != nil {
		return nil, &errors.IOError{Offset: 0, Op: "open image", Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dev.Path, os.O_WRONLY, 0)
	if err != nil {
		return nil, &errors.IOError{Offset: 0, Op: "open device", Err: err}
	}
	defer out.Close()

	sectorSize := dev.LogicalSectorSize()
	if s := device.LogicalSectorSize(out); s > 0 {
		sectorSize = s
	}

	chunk := w.policy.ChunkSize(src.Size, sectorSize)
	slog.Info("write_started",
		"device", dev.Path,
		"image", src.Path,
		"size", humanize.IBytes(uint64(src.Size)),
		"chunk", humanize.IBytes(uint64(chunk)),
		"sector_size", sectorSize)

	res, err := w.copy(ctx, in, out, dev.Path, src.Size, chunk, sectorSize, onProgress)
	if err != nil {
		slog.Error("write_failed", "device", dev.Path, "error", err)
		return nil, err
	}
	if res.Cancelled {
		slog.Warn("write_cancelled", "device", dev.Path, "written", res.BytesWritten)
		return res, nil
	}

	slog.Info("write_complete",
		"device", dev.Path,
		"written", humanize.IBytes(uint64(res.BytesWritten)),
		"elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

func (w *Writer) copy(ctx context.Context, in io.Reader, out *os.File, devPath string, total, chunk, sectorSize int64, onProgress ProgressFunc) (*Result, error) {
	// never larger than the image itself
	buf := make([]byte, max(min(chunk, total), 0))
	res := &Result{ChunkSize: chunk}
	start := time.Now()
	var sinceSync int64

	for res.BytesWritten < total {
		if ctx.Err() != nil {
			res.Cancelled = true
			res.Elapsed = time.Since(start)
			return res, nil
		}

		n := Next(chunk, total-res.BytesWritten, sectorSize)
		chunkStart := time.Now()

		if _, err := io.ReadFull(in, buf[:n]); err != nil {
			return nil, &errors.IOError{Offset: res.BytesWritten, Op: "read image", Err: err}
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return nil, &errors.IOError{Offset: res.BytesWritten, Op: "write device", Err: err}
		}

		res.BytesWritten += n
		sinceSync += n

		if sinceSync >= w.syncInterval {
			if err := device.Flush(out); err != nil {
				return nil, &errors.IOError{Offset: res.BytesWritten, Op: "flush device", Err: err}
			}
			sinceSync = 0
		}

		if onProgress != nil {
			onProgress(progressFor(devPath, res.BytesWritten, total, n, time.Since(chunkStart)))
		}
	}

	// reads-back must see durable state
	if err := device.Flush(out); err != nil {
		return nil, &errors.IOError{Offset: res.BytesWritten, Op: "flush device", Err: err}
	}

	res.Elapsed = time.Since(start)
	return res, nil
}

func progressFor(devPath string, written, total, chunk int64, took time.Duration) Progress {
	p := Progress{DevicePath: devPath, Written: written, Total: total}
	if took > 0 {
		p.Throughput = float64(chunk) / took.Seconds()
	}
	if p.Throughput > 0 {
		p.ETA = time.Duration(float64(total-written) / p.Throughput * float64(time.Second))
	}
	return p
}
