package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
)

func TestOpen_RawImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.img")
	if err := os.WriteFile(path, make([]byte, 3*4096), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := Open(path, "abc123")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if src.Size != 3*4096 {
		t.Errorf("Size = %d, want %d", src.Size, 3*4096)
	}
	if src.Checksum != "abc123" {
		t.Errorf("Checksum = %q, want abc123", src.Checksum)
	}
	if src.Table != nil && len(src.Table.Partitions) != 0 {
		t.Errorf("zeroed image should not report partitions, got %+v", src.Table)
	}
}

func TestOpen_Rejects(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.img")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "missing.img")},
		{"directory", dir},
		{"empty", empty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.path, ""); err == nil {
				t.Errorf("expected error for %s", tt.path)
			}
		})
	}
}

func TestOpen_GPTImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpt.img")
	if err := os.WriteFile(path, make([]byte, 4*1024*1024), 0644); err != nil {
		t.Fatal(err)
	}

	d, err := diskfs.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	table := &gpt.Table{
		LogicalSectorSize:  512,
		PhysicalSectorSize: 512,
		ProtectiveMBR:      true,
		Partitions: []*gpt.Partition{
			{Start: 2048, End: 4095, Type: gpt.LinuxFilesystem, Name: "rootfs"},
		},
	}
	if err := d.Partition(table); err != nil {
		t.Fatalf("failed to partition: %v", err)
	}
	d.Close()

	src, err := Open(path, "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if src.Table == nil || src.Table.Type != "gpt" {
		t.Fatalf("Table = %+v, want gpt", src.Table)
	}
	if len(src.Table.Partitions) != 1 {
		t.Fatalf("partitions = %+v, want 1", src.Table.Partitions)
	}
	p := src.Table.Partitions[0]
	if p.Index != 1 || p.Label != "rootfs" || p.Size != 2048*512 {
		t.Errorf("partition = %+v", p)
	}
}
