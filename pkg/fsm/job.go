package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/softreck/sdflash/pkg/device"
	"github.com/softreck/sdflash/pkg/errors"
	"github.com/softreck/sdflash/pkg/image"
	"github.com/softreck/sdflash/pkg/verify"
	"github.com/softreck/sdflash/pkg/writer"
)

// Job is one attempt to write a source image to one device. Its state only
// moves forward along the transition table.
type Job struct {
	id         string
	seq        uint64
	devicePath string
	source     *image.Source

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	sink   Sink

	mu            sync.Mutex
	state         State
	dev           device.Device
	bytesWritten  int64
	bytesVerified int64
	verifyMode    verify.Mode
	reason        errors.Reason
	detail        string
	started       time.Time
	ended         time.Time
}

func newJob(parent context.Context, seq uint64, devicePath string, src *image.Source, sink Sink) *Job {
	ctx, cancel := context.WithCancelCause(parent)
	return &Job{
		id:         uuid.NewString(),
		seq:        seq,
		devicePath: devicePath,
		source:     src,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		sink:       sink,
		state:      StatePending,
		started:    time.Now(),
	}
}

// ID returns the job's unique id.
func (j *Job) ID() string { return j.id }

// DevicePath returns the device this job targets.
func (j *Job) DevicePath() string { return j.devicePath }

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel requests cooperative cancellation. cause decides the terminal
// state: errors.ErrDeviceRemoved ends the job as failed, anything else as
// cancelled.
func (j *Job) Cancel(cause error) {
	j.cancel(cause)
}

// Snapshot returns a consistent copy of the job.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:            j.id,
		DevicePath:    j.devicePath,
		ImagePath:     j.source.Path,
		State:         j.state,
		Total:         j.source.Size,
		BytesWritten:  j.bytesWritten,
		BytesVerified: j.bytesVerified,
		VerifyMode:    j.verifyMode,
		Reason:        j.reason,
		Detail:        j.detail,
		Started:       j.started,
		Ended:         j.ended,
	}
}

func (j *Job) device() device.Device {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dev
}

func (j *Job) setDevice(dev device.Device) {
	j.mu.Lock()
	j.dev = dev
	j.mu.Unlock()
}

func (j *Job) setVerified(mode verify.Mode, n int64) {
	j.mu.Lock()
	j.verifyMode = mode
	j.bytesVerified = n
	j.mu.Unlock()
}

// transition moves the job to next and publishes the change. Events are
// published while the job lock is held so a job's events never reorder.
func (j *Job) transition(next State, reason errors.Reason, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	from := j.state
	if !from.CanTransition(next) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.id, from, next)
	}

	now := time.Now()
	j.state = next
	j.reason = reason
	j.detail = detail

	j.emit(Event{Kind: EventStateChanged, From: from, To: next, Reason: reason, Detail: detail, At: now})
	if next.Terminal() {
		j.ended = now
		j.emit(Event{Kind: EventTerminal, From: from, To: next, Reason: reason, Detail: detail, At: now})
		// the first cause recorded is kept
		j.cancel(context.Canceled)
		close(j.done)
	}
	return nil
}

func (j *Job) progress(p writer.Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bytesWritten = p.Written
	j.emit(Event{
		Kind:       EventWriteProgress,
		To:         j.state,
		Written:    p.Written,
		Total:      p.Total,
		Throughput: p.Throughput,
		ETA:        p.ETA,
		At:         time.Now(),
	})
}

// emit must be called with j.mu held.
func (j *Job) emit(ev Event) {
	if j.sink == nil {
		return
	}
	ev.JobID = j.id
	ev.DevicePath = j.devicePath
	j.sink(ev)
}
