//go:build linux

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

// Flush forces written data to the device (fdatasync).
func Flush(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// DropCache asks the kernel to discard cached pages for f so that reads
// reflect what is on the medium.
func DropCache(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED)
}

// LogicalSectorSize queries BLKSSZGET. Regular files report 0.
func LogicalSectorSize(f *os.File) int64 {
	n, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil || n <= 0 {
		return 0
	}
	return int64(n)
}

// Unmount detaches the filesystem mounted at mountpoint.
func Unmount(mountpoint string) error {
	return unix.Unmount(mountpoint, 0)
}
