package writer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/softreck/sdflash/pkg/device"
	"github.com/softreck/sdflash/pkg/errors"
	"github.com/softreck/sdflash/pkg/image"
)

func pattern(size int64) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*7 + i>>12)
	}
	return b
}

// fixture creates an image of imgSize bytes and a blank "device" file of
// devSize bytes.
func fixture(t *testing.T, imgSize, devSize int64) (*image.Source, device.Device, []byte) {
	t.Helper()
	dir := t.TempDir()

	data := pattern(imgSize)
	imgPath := filepath.Join(dir, "card.img")
	if err := os.WriteFile(imgPath, data, 0644); err != nil {
		t.Fatal(err)
	}

	devPath := filepath.Join(dir, "sdx")
	f, err := os.Create(devPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(devSize); err != nil {
		t.Fatal(err)
	}
	f.Close()

	src := &image.Source{Path: imgPath, Size: imgSize}
	dev := device.Device{Path: devPath, Size: devSize, SectorSize: 512, Removable: true}
	return src, dev, data
}

func TestWrite_RoundTrip(t *testing.T) {
	src, dev, data := fixture(t, 3*mib+700, 8*mib)

	var events []Progress
	w := New(BlockSizePolicy{}, 0)
	res, err := w.Write(context.Background(), dev, src, func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if res.Cancelled {
		t.Fatal("write should not be cancelled")
	}
	if res.BytesWritten != src.Size {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, src.Size)
	}
	if res.ChunkSize != SmallChunk {
		t.Errorf("ChunkSize = %d, want 1MiB for a small image", res.ChunkSize)
	}

	// 3 full chunks, one 512-byte sector, one 188-byte tail
	if len(events) != 5 {
		t.Errorf("expected 5 progress events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Written != src.Size || last.Total != src.Size {
		t.Errorf("last progress = %+v", last)
	}
	if last.ETA != 0 {
		t.Errorf("ETA after completion = %v, want 0", last.ETA)
	}

	got, err := os.ReadFile(dev.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:src.Size], data) {
		t.Error("device content differs from image")
	}
	if int64(len(got)) != dev.Size {
		t.Errorf("device size changed: %d", len(got))
	}
}

func TestWrite_BlockSizeOverride(t *testing.T) {
	src, dev, _ := fixture(t, 5*mib, 8*mib)

	var sizes []int64
	var prev int64
	w := New(NewBlockSizePolicy("2M"), 0)
	res, err := w.Write(context.Background(), dev, src, func(p Progress) {
		sizes = append(sizes, p.Written-prev)
		prev = p.Written
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if res.ChunkSize != 2*mib {
		t.Errorf("ChunkSize = %d, want 2MiB", res.ChunkSize)
	}

	want := []int64{2 * mib, 2 * mib, mib}
	if len(sizes) != len(want) {
		t.Fatalf("chunk sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("chunk %d = %d, want %d", i, sizes[i], want[i])
		}
	}
}

func TestWrite_OverrideLargerThanImage(t *testing.T) {
	src, dev, data := fixture(t, 3*mib+100, 8*mib)

	w := New(NewBlockSizePolicy("1048576G"), 0)
	res, err := w.Write(context.Background(), dev, src, nil)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if res.ChunkSize != MaxChunk {
		t.Errorf("ChunkSize = %d, want %d", res.ChunkSize, MaxChunk)
	}
	if res.BytesWritten != src.Size {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, src.Size)
	}

	got, err := os.ReadFile(dev.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:src.Size], data) {
		t.Error("device content differs from image")
	}
}

func TestWrite_CancelledBetweenChunks(t *testing.T) {
	src, dev, _ := fixture(t, 4*mib, 4*mib)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(BlockSizePolicy{}, 0)
	res, err := w.Write(ctx, dev, src, func(p Progress) {
		cancel()
	})
	if err != nil {
		t.Fatalf("cancellation must not be an error, got %v", err)
	}
	if !res.Cancelled {
		t.Fatal("expected Cancelled result")
	}
	if res.BytesWritten != mib {
		t.Errorf("BytesWritten = %d, want exactly one chunk", res.BytesWritten)
	}
}

func TestWrite_IOErrorCarriesOffset(t *testing.T) {
	src, dev, _ := fixture(t, 2*mib, 8*mib)
	// claim more bytes than the file holds so the third chunk read fails
	src.Size = 3 * mib

	w := New(BlockSizePolicy{}, 0)
	_, err := w.Write(context.Background(), dev, src, nil)
	if err == nil {
		t.Fatal("expected an I/O error")
	}

	var ioErr *errors.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected *errors.IOError, got %T: %v", err, err)
	}
	if ioErr.Offset != 2*mib {
		t.Errorf("Offset = %d, want %d", ioErr.Offset, 2*mib)
	}
	if errors.ReasonOf(err) != errors.ReasonIO {
		t.Errorf("ReasonOf = %s, want %s", errors.ReasonOf(err), errors.ReasonIO)
	}
}

func TestWrite_MissingDevice(t *testing.T) {
	src, dev, _ := fixture(t, mib, mib)
	dev.Path = filepath.Join(t.TempDir(), "gone")

	w := New(BlockSizePolicy{}, 0)
	_, err := w.Write(context.Background(), dev, src, nil)

	var ioErr *errors.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected *errors.IOError, got %v", err)
	}
	if ioErr.Op != "open device" {
		t.Errorf("Op = %q, want open device", ioErr.Op)
	}
}
