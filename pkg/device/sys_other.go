//go:build !linux

package device

import (
	"fmt"
	"os"
	"runtime"
)

// Flush forces written data to the device.
func Flush(f *os.File) error {
	return f.Sync()
}

// DropCache is a no-op outside Linux.
func DropCache(f *os.File) error {
	return nil
}

// LogicalSectorSize is unknown outside Linux.
func LogicalSectorSize(f *os.File) int64 {
	return 0
}

// Unmount is not supported outside Linux.
func Unmount(mountpoint string) error {
	return fmt.Errorf("unmount not supported on %s", runtime.GOOS)
}
