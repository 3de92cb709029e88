package errors

import (
	"context"
	"fmt"
	"io"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	err := Wrap(io.EOF, "read image")
	if err.Error() != "read image: EOF" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !Is(err, io.EOF) {
		t.Error("wrapped error lost its cause")
	}
}

func TestReasonOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"nil", nil, ReasonNone},
		{"validation", Rejected(ReasonSystemDisk, "hosts /"), ReasonSystemDisk},
		{"wrapped validation", Wrap(Rejected(ReasonDeviceBusy, "mounted"), "validate"), ReasonDeviceBusy},
		{"io", &IOError{Offset: 4096, Op: "write device", Err: io.ErrShortWrite}, ReasonIO},
		{"mismatch", &MismatchError{Offset: 7}, ReasonMismatch},
		{"device removed", fmt.Errorf("cancel: %w", ErrDeviceRemoved), ReasonDeviceRemoved},
		{"shutdown", ErrShutdown, ReasonCancelled},
		{"unknown", context.DeadlineExceeded, ReasonInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReasonOf(tt.err); got != tt.want {
				t.Errorf("ReasonOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIOError(t *testing.T) {
	err := Wrap(&IOError{Offset: 2 << 20, Op: "read image", Err: io.ErrUnexpectedEOF}, "write")

	var ioErr *IOError
	if !As(err, &ioErr) {
		t.Fatal("As did not find the IOError")
	}
	if ioErr.Offset != 2<<20 {
		t.Errorf("Offset = %d", ioErr.Offset)
	}
	if !Is(err, io.ErrUnexpectedEOF) {
		t.Error("IOError should unwrap to its cause")
	}
}
