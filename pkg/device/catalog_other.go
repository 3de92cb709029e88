//go:build !linux

package device

import (
	"context"
	"fmt"
	"runtime"
)

// StubCatalog is used on platforms without a supported enumeration primitive.
type StubCatalog struct{}

// NewCatalog returns a stub catalog on non-Linux systems.
func NewCatalog() Catalog {
	return StubCatalog{}
}

func (StubCatalog) ListDevices(ctx context.Context) ([]Device, error) {
	return nil, fmt.Errorf("device enumeration not supported on %s", runtime.GOOS)
}

func (StubCatalog) Lookup(ctx context.Context, path string) (Device, error) {
	return Device{}, fmt.Errorf("device enumeration not supported on %s", runtime.GOOS)
}
