// Package errors provides error wrapping utilities and the typed failures a
// flash job can end with. Every failure maps to a machine-checkable Reason.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Reason is the machine-checkable code attached to every rejection and
// terminal job state.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonNotRemovable         Reason = "DeviceNotRemovable"
	ReasonSystemDisk           Reason = "SystemDisk"
	ReasonDeviceAlreadyOwned   Reason = "DeviceAlreadyOwned"
	ReasonInsufficientCapacity Reason = "InsufficientCapacity"
	ReasonDeviceBusy           Reason = "DeviceBusy"
	ReasonInvalidImage         Reason = "InvalidImage"
	ReasonIO                   Reason = "IoError"
	ReasonMismatch             Reason = "Mismatch"
	ReasonDeviceRemoved        Reason = "DeviceRemoved"
	ReasonCancelled            Reason = "Cancelled"
	ReasonInternal             Reason = "Internal"
)

var (
	// ErrDeviceRemoved is the cancellation cause used when a device
	// disappears while its job is still running.
	ErrDeviceRemoved = stderrors.New("device removed")

	// ErrShutdown is the cancellation cause used on orchestrator shutdown.
	ErrShutdown = stderrors.New("shutdown requested")
)

// ValidationError is returned when a device fails a safety predicate.
// No write has been attempted when it is returned.
type ValidationError struct {
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation rejected (%s): %s", e.Reason, e.Detail)
}

// Rejected builds a ValidationError.
func Rejected(reason Reason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IOError reports an I/O fault at a byte offset. The destination contents at
// and after Offset are undefined.
type IOError struct {
	Offset int64
	Op     string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s failed at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// MismatchError reports the first byte offset where the device content
// differs from the source image.
type MismatchError struct {
	Offset int64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("verification mismatch at offset %d", e.Offset)
}

// ReasonOf maps an error to its Reason code.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}

	var verr *ValidationError
	if stderrors.As(err, &verr) {
		return verr.Reason
	}
	var ioErr *IOError
	if stderrors.As(err, &ioErr) {
		return ReasonIO
	}
	var mismatch *MismatchError
	if stderrors.As(err, &mismatch) {
		return ReasonMismatch
	}

	switch {
	case stderrors.Is(err, ErrDeviceRemoved):
		return ReasonDeviceRemoved
	case stderrors.Is(err, ErrShutdown):
		return ReasonCancelled
	}
	return ReasonInternal
}

// Is and As re-export the standard library helpers so callers importing this
// package do not need a second errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// New re-exports errors.New.
func New(text string) error { return stderrors.New(text) }
