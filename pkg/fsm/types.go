package fsm

import (
	"time"

	"github.com/softreck/sdflash/pkg/errors"
	"github.com/softreck/sdflash/pkg/verify"
)

// JobRequest is the FSM input. It only carries identifiers; live job state
// stays in the machine's registry.
type JobRequest struct {
	JobID      string
	DevicePath string
	ImagePath  string
}

// JobResponse is the FSM output (accumulated across transitions)
type JobResponse struct {
	// From Validate
	DeviceSize int64
	SectorSize int64

	// From Write
	BytesWritten int64
	ChunkSize    int64

	// From Verify
	VerifyMode    string
	BytesVerified int64
}

// EventKind names the events a job or the orchestrator publishes.
type EventKind string

const (
	EventDeviceDiscovered EventKind = "device-discovered"
	EventDeviceRemoved    EventKind = "device-removed"
	EventStateChanged     EventKind = "job-state-changed"
	EventWriteProgress    EventKind = "write-progress"
	EventTerminal         EventKind = "job-terminal"
)

// Event is published to the presentation layer. Fields not relevant to Kind
// are left zero.
type Event struct {
	Kind       EventKind
	JobID      string
	DevicePath string

	From   State
	To     State
	Reason errors.Reason
	Detail string

	Written    int64
	Total      int64
	Throughput float64
	ETA        time.Duration

	At time.Time
}

// Sink receives events. Events of one job arrive in order.
type Sink func(Event)

// Snapshot is a point-in-time copy of a job.
type Snapshot struct {
	ID            string
	DevicePath    string
	ImagePath     string
	State         State
	Total         int64
	BytesWritten  int64
	BytesVerified int64
	VerifyMode    verify.Mode
	Reason        errors.Reason
	Detail        string
	Started       time.Time
	Ended         time.Time
}
