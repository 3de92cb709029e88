// Package verify re-reads written data and compares it against the source
// image, either completely or by sampling fixed windows.
package verify

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/softreck/sdflash/pkg/device"
	"github.com/softreck/sdflash/pkg/errors"
	"github.com/softreck/sdflash/pkg/image"
)

// Mode selects the verification strategy.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeSampled Mode = "sampled"
	ModeSkip    Mode = "skip"
)

const (
	// FullThreshold is the largest image verified in full by default.
	FullThreshold int64 = 64 * 1024 * 1024
	// DefaultWindowSize is the length of each sampled window.
	DefaultWindowSize int64 = 1024 * 1024
	// DefaultSampleWindows is the number of windows between the first and
	// the last one.
	DefaultSampleWindows = 8

	fullBufferSize = 4 * 1024 * 1024
)

// SelectMode picks the verification mode. Skip is only ever returned when
// explicitly requested.
func SelectMode(imageSize int64, skip, forceFull bool) Mode {
	switch {
	case skip:
		return ModeSkip
	case forceFull || imageSize <= FullThreshold:
		return ModeFull
	default:
		return ModeSampled
	}
}

// Result reports what was verified.
type Result struct {
	Mode          Mode
	BytesVerified int64
	Cancelled     bool
}

// Verifier compares device contents with the source image.
type Verifier struct {
	windows    int
	windowSize int64
}

// New creates a Verifier with the given number of interior sample windows.
// Non-positive values select the defaults.
func New(windows int, windowSize int64) *Verifier {
	if windows <= 0 {
		windows = DefaultSampleWindows
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Verifier{windows: windows, windowSize: windowSize}
}

// Verify checks dev against src. It stops at the first differing byte and
// returns an *errors.MismatchError with its offset.
func (v *Verifier) Verify(ctx context.Context, dev device.Device, src *image.Source, mode Mode) (*Result, error) {
	if mode == ModeSkip {
		slog.Warn("verify_skipped", "device", dev.Path)
		return &Result{Mode: ModeSkip}, nil
	}

	in, err := os.Open(src.Path)
	if err != nil {
		return nil, &errors.IOError{Offset: 0, Op: "open image", Err: err}
	}
	defer in.Close()

	out, err := os.Open(dev.Path)
	if err != nil {
		return nil, &errors.IOError{Offset: 0, Op: "open device", Err: err}
	}
	defer out.Close()

	if err := device.DropCache(out); err != nil {
		slog.Debug("verify_drop_cache_failed", "device", dev.Path, "error", err)
	}

	slog.Info("verify_started", "device", dev.Path, "mode", mode, "size", src.Size)

	var res *Result
	switch mode {
	case ModeSampled:
		res, err = v.sampled(ctx, in, out, src.Size, dev.LogicalSectorSize())
	default:
		res, err = v.full(ctx, in, out, src.Size)
	}
	if err != nil {
		slog.Error("verify_failed", "device", dev.Path, "mode", mode, "error", err)
		return nil, err
	}

	slog.Info("verify_complete", "device", dev.Path, "mode", mode, "verified", res.BytesVerified, "cancelled", res.Cancelled)
	return res, nil
}

func (v *Verifier) full(ctx context.Context, in, out io.ReaderAt, size int64) (*Result, error) {
	res := &Result{Mode: ModeFull}
	want := make([]byte, fullBufferSize)
	got := make([]byte, fullBufferSize)

	for res.BytesVerified < size {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res, nil
		}
		n := min(int64(fullBufferSize), size-res.BytesVerified)
		if err := compareAt(in, out, want[:n], got[:n], res.BytesVerified); err != nil {
			return nil, err
		}
		res.BytesVerified += n
	}
	return res, nil
}

func (v *Verifier) sampled(ctx context.Context, in, out io.ReaderAt, size, sectorSize int64) (*Result, error) {
	res := &Result{Mode: ModeSampled}
	window := min(v.windowSize, size)
	want := make([]byte, window)
	got := make([]byte, window)

	for _, off := range Windows(size, window, sectorSize, v.windows) {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res, nil
		}
		n := min(window, size-off)
		if err := compareAt(in, out, want[:n], got[:n], off); err != nil {
			return nil, err
		}
		res.BytesVerified += n
	}
	return res, nil
}

// Windows returns the sampled window offsets: the first window, count
// evenly spaced sector-aligned windows, and a last window ending exactly at
// size so the final sector is always inspected.
func Windows(size, window, sectorSize int64, count int) []int64 {
	if size <= 0 {
		return nil
	}
	if window >= size {
		return []int64{0}
	}
	if sectorSize <= 0 {
		sectorSize = device.DefaultSectorSize
	}

	last := size - window
	offsets := []int64{0}
	prev := int64(0)
	for i := 1; i <= count; i++ {
		off := last * int64(i) / int64(count+1)
		off -= off % sectorSize
		if off <= prev || off >= last {
			continue
		}
		offsets = append(offsets, off)
		prev = off
	}
	return append(offsets, last)
}

func compareAt(in, out io.ReaderAt, want, got []byte, off int64) error {
	if n, err := in.ReadAt(want, off); n < len(want) {
		return &errors.IOError{Offset: off + int64(n), Op: "read image", Err: shortRead(err)}
	}
	if n, err := out.ReadAt(got, off); n < len(got) {
		return &errors.IOError{Offset: off + int64(n), Op: "read device", Err: shortRead(err)}
	}

	if bytes.Equal(want, got) {
		return nil
	}
	for i := range want {
		if want[i] != got[i] {
			return &errors.MismatchError{Offset: off + int64(i)}
		}
	}
	return nil
}

func shortRead(err error) error {
	if err == nil || err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
