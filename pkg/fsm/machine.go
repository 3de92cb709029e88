// Package fsm implements the flash job lifecycle. Each job runs as a
// superfly/fsm workflow: validate the device, write the image, verify it.
package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/superfly/fsm"

	"github.com/softreck/sdflash/pkg/db"
	"github.com/softreck/sdflash/pkg/device"
	"github.com/softreck/sdflash/pkg/errors"
	"github.com/softreck/sdflash/pkg/image"
	"github.com/softreck/sdflash/pkg/safety"
	"github.com/softreck/sdflash/pkg/verify"
	"github.com/softreck/sdflash/pkg/writer"
)

// Options tune how jobs write and verify.
type Options struct {
	SkipVerify bool
	ForceFull  bool
	// Force accepts devices with mounted partitions and unmounts them
	// before writing.
	Force bool
}

// Machine holds dependencies for FSM transitions and the registry of live jobs.
type Machine struct {
	catalog   device.Catalog
	validator *safety.Validator
	writer    *writer.Writer
	verifier  *verify.Verifier
	history   *db.Repository
	sink      Sink
	opts      Options

	mu   sync.Mutex
	jobs map[string]*Job
	seq  uint64

	manager *fsm.Manager
	start   fsm.Start[JobRequest, JobResponse]
}

// NewMachine creates a new FSM machine with dependencies. history may be nil.
func NewMachine(
	catalog device.Catalog,
	w *writer.Writer,
	v *verify.Verifier,
	history *db.Repository,
	sink Sink,
	opts Options,
) *Machine {
	m := &Machine{
		catalog:  catalog,
		writer:   w,
		verifier: v,
		history:  history,
		sink:     sink,
		opts:     opts,
		jobs:     make(map[string]*Job),
	}
	m.validator = safety.NewValidator(m, opts.Force)
	return m
}

// Register registers the flash job FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) error {
	start, _, err := fsm.Register[JobRequest, JobResponse](manager, "flash-job").
		Start(string(StateValidating), m.handleValidate).
		To(string(StateWriting), m.handleWrite).
		To(string(StateVerifying), m.handleVerify).
		End(string(StateSucceeded)).
		Build(ctx)

	if err != nil {
		return errors.Wrap(err, "failed to register FSM")
	}

	m.manager = manager
	m.start = start
	return nil
}

// NewJob creates a pending job for devicePath and adds it to the registry.
func (m *Machine) NewJob(ctx context.Context, devicePath string, src *image.Source) *Job {
	m.mu.Lock()
	m.seq++
	job := newJob(ctx, m.seq, devicePath, src, m.sink)
	m.jobs[job.id] = job
	m.mu.Unlock()

	slog.Info("job_created", "job_id", job.id, "device", devicePath, "image", src.Path)
	return job
}

// Owner reports the active job owning path. When several jobs target the
// same path the oldest one owns it.
func (m *Machine) Owner(path string) (string, bool) {
	m.mu.Lock()
	candidates := make([]*Job, 0, 1)
	for _, j := range m.jobs {
		if j.devicePath == path {
			candidates = append(candidates, j)
		}
	}
	m.mu.Unlock()

	sort.Slice(candidates, func(a, b int) bool { return candidates[a].seq < candidates[b].seq })
	for _, j := range candidates {
		if !j.State().Terminal() {
			return j.id, true
		}
	}
	return "", false
}

// Job returns a registered job by id.
func (m *Machine) Job(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// Forget drops a job from the registry.
func (m *Machine) Forget(id string) {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
}

// Execute runs job to a terminal state and returns its final snapshot.
func (m *Machine) Execute(ctx context.Context, job *Job) Snapshot {
	if m.start == nil {
		m.finish(job, StateFailed, errors.ReasonInternal, "flash workflow not registered")
		return job.Snapshot()
	}

	req := &JobRequest{JobID: job.id, DevicePath: job.devicePath, ImagePath: job.source.Path}
	version, err := m.start(ctx, job.id, fsm.NewRequest(req, &JobResponse{}))
	if err != nil {
		slog.Error("fsm_start_failed", "job_id", job.id, "error", err)
		m.finish(job, StateFailed, errors.ReasonInternal, fmt.Sprintf("failed to start workflow: %v", err))
		return job.Snapshot()
	}

	slog.Info("fsm_started", "job_id", job.id, "version", version)

	waitErr := m.manager.Wait(ctx, version)
	if !job.State().Terminal() {
		detail := "workflow ended without a terminal state"
		if waitErr != nil {
			detail = fmt.Sprintf("%s: %v", detail, waitErr)
		}
		m.finish(job, StateFailed, errors.ReasonInternal, detail)
	}

	snap := job.Snapshot()
	slog.Info("fsm_complete", "job_id", job.id, "device", job.devicePath, "state", snap.State, "reason", snap.Reason)
	return snap
}

// handleValidate re-resolves the device and runs the safety checks.
func (m *Machine) handleValidate(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	slog.Info("fsm_state_validate", "job_id", req.Msg.JobID, "device", req.Msg.DevicePath)

	job, err := m.lookup(req.Msg.JobID)
	if err != nil {
		return nil, err
	}
	if job.ctx.Err() != nil {
		return nil, m.cancelled(job)
	}
	if err := job.transition(StateValidating, errors.ReasonNone, ""); err != nil {
		return nil, fsm.Abort(err)
	}

	dev, err := m.catalog.Lookup(job.ctx, job.devicePath)
	if err != nil && job.ctx.Err() != nil {
		return nil, m.cancelled(job)
	}
	if errors.Is(err, device.ErrNotFound) {
		return nil, m.fail(job, errors.ReasonDeviceRemoved, fmt.Sprintf("%s is no longer present", job.devicePath))
	}
	if err != nil {
		slog.Error("device_lookup_failed", "job_id", job.id, "device", job.devicePath, "error", err)
		return nil, m.fail(job, errors.ReasonInternal, err.Error())
	}

	if err := m.validator.Validate(dev, job.source, job.id); err != nil {
		var verr *errors.ValidationError
		if errors.As(err, &verr) {
			return nil, m.fail(job, verr.Reason, verr.Detail)
		}
		return nil, m.fail(job, errors.ReasonOf(err), err.Error())
	}

	if m.opts.Force && dev.Mounted() {
		for _, mnt := range dev.Mounts {
			slog.Warn("unmounting_partition", "job_id", job.id, "partition", mnt.Partition, "mountpoint", mnt.Mountpoint)
			if err := device.Unmount(mnt.Mountpoint); err != nil {
				slog.Error("unmount_failed", "job_id", job.id, "mountpoint", mnt.Mountpoint, "error", err)
				return nil, m.fail(job, errors.ReasonDeviceBusy,
					fmt.Sprintf("failed to unmount %s: %v", mnt.Mountpoint, err))
			}
		}
		dev.Mounts = nil
	}

	job.setDevice(dev)

	resp := req.W.Msg
	if resp == nil {
		resp = &JobResponse{}
	}
	resp.DeviceSize = dev.Size
	resp.SectorSize = dev.LogicalSectorSize()

	slog.Info("device_validated", "job_id", job.id, "device", dev.Path,
		"size", humanize.IBytes(uint64(dev.Size)), "model", dev.Model)
	return fsm.NewResponse(resp), nil
}

// handleWrite streams the image onto the device.
func (m *Machine) handleWrite(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	slog.Info("fsm_state_write", "job_id", req.Msg.JobID, "device", req.Msg.DevicePath)

	job, err := m.lookup(req.Msg.JobID)
	if err != nil {
		return nil, err
	}
	if job.ctx.Err() != nil {
		return nil, m.cancelled(job)
	}
	if err := job.transition(StateWriting, errors.ReasonNone, ""); err != nil {
		return nil, fsm.Abort(err)
	}

	dev := job.device()
	res, err := m.writer.Write(job.ctx, dev, job.source, job.progress)
	if err != nil {
		return nil, m.ioFailure(job, err)
	}
	if res.Cancelled {
		return nil, m.cancelled(job)
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &JobResponse{}
	}
	resp.BytesWritten = res.BytesWritten
	resp.ChunkSize = res.ChunkSize

	return fsm.NewResponse(resp), nil
}

// handleVerify compares the device with the image and ends the job.
func (m *Machine) handleVerify(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	slog.Info("fsm_state_verify", "job_id", req.Msg.JobID, "device", req.Msg.DevicePath)

	job, err := m.lookup(req.Msg.JobID)
	if err != nil {
		return nil, err
	}
	if job.ctx.Err() != nil {
		return nil, m.cancelled(job)
	}
	if err := job.transition(StateVerifying, errors.ReasonNone, ""); err != nil {
		return nil, fsm.Abort(err)
	}

	mode := verify.SelectMode(job.source.Size, m.opts.SkipVerify, m.opts.ForceFull)
	res, err := m.verifier.Verify(job.ctx, job.device(), job.source, mode)
	if err != nil {
		var mismatch *errors.MismatchError
		if errors.As(err, &mismatch) {
			job.setVerified(mode, mismatch.Offset)
			return nil, m.fail(job, errors.ReasonMismatch,
				fmt.Sprintf("device content differs from image at offset %d", mismatch.Offset))
		}
		return nil, m.ioFailure(job, err)
	}
	job.setVerified(res.Mode, res.BytesVerified)
	if res.Cancelled {
		return nil, m.cancelled(job)
	}

	detail := fmt.Sprintf("%s written, verified %s (%s)",
		humanize.IBytes(uint64(job.source.Size)), humanize.IBytes(uint64(res.BytesVerified)), res.Mode)
	if res.Mode == verify.ModeSkip {
		detail = fmt.Sprintf("%s written, verification skipped", humanize.IBytes(uint64(job.source.Size)))
	}
	m.finish(job, StateSucceeded, errors.ReasonNone, detail)

	resp := req.W.Msg
	if resp == nil {
		resp = &JobResponse{}
	}
	resp.VerifyMode = string(res.Mode)
	resp.BytesVerified = res.BytesVerified

	return fsm.NewResponse(resp), nil
}

func (m *Machine) lookup(id string) (*Job, error) {
	job, ok := m.Job(id)
	if !ok {
		slog.Error("job_not_registered", "job_id", id)
		return nil, fsm.Abort(fmt.Errorf("job %s not registered", id))
	}
	return job, nil
}

// ioFailure maps a write or verify fault. A device that vanished is reported
// as removed rather than as an I/O error.
func (m *Machine) ioFailure(job *Job, err error) error {
	if errors.Is(context.Cause(job.ctx), errors.ErrDeviceRemoved) || !m.present(job.devicePath) {
		return m.fail(job, errors.ReasonDeviceRemoved, fmt.Sprintf("%s was removed: %v", job.devicePath, err))
	}

	var ioErr *errors.IOError
	if errors.As(err, &ioErr) {
		return m.fail(job, errors.ReasonIO,
			fmt.Sprintf("destination state indeterminate at offset %d: %v", ioErr.Offset, ioErr))
	}
	return m.fail(job, errors.ReasonInternal, err.Error())
}

func (m *Machine) present(path string) bool {
	// use a fresh context; the job's own may already be cancelled
	_, err := m.catalog.Lookup(context.Background(), path)
	return !errors.Is(err, device.ErrNotFound)
}

// cancelled ends a job whose context is done. Removal of the device is a
// failure; any other cause is a cancellation.
func (m *Machine) cancelled(job *Job) error {
	cause := context.Cause(job.ctx)
	if errors.Is(cause, errors.ErrDeviceRemoved) {
		return m.fail(job, errors.ReasonDeviceRemoved, fmt.Sprintf("%s was removed while the job was running", job.devicePath))
	}

	detail := "cancelled"
	if cause != nil {
		detail = fmt.Sprintf("cancelled: %v", cause)
	}
	m.finish(job, StateCancelled, errors.ReasonCancelled, detail)
	return fsm.Abort(fmt.Errorf("job %s %s", job.id, detail))
}

func (m *Machine) fail(job *Job, reason errors.Reason, detail string) error {
	m.finish(job, StateFailed, reason, detail)
	return fsm.Abort(fmt.Errorf("job %s failed (%s): %s", job.id, reason, detail))
}

// finish moves job to a terminal state and records it in the history.
func (m *Machine) finish(job *Job, state State, reason errors.Reason, detail string) {
	if err := job.transition(state, reason, detail); err != nil {
		slog.Error("job_transition_refused", "job_id", job.id, "error", err)
		return
	}

	if state == StateSucceeded {
		slog.Info("job_succeeded", "job_id", job.id, "device", job.devicePath, "detail", detail)
	} else {
		slog.Error("job_ended", "job_id", job.id, "device", job.devicePath, "state", state, "reason", reason, "detail", detail)
	}

	if m.history == nil {
		return
	}
	snap := job.Snapshot()
	rec := &db.JobRecord{
		ID:            snap.ID,
		DevicePath:    snap.DevicePath,
		ImagePath:     snap.ImagePath,
		ImageSHA256:   job.source.Checksum,
		State:         string(snap.State),
		Reason:        string(snap.Reason),
		Detail:        snap.Detail,
		ImageSize:     snap.Total,
		BytesWritten:  snap.BytesWritten,
		BytesVerified: snap.BytesVerified,
		VerifyMode:    string(snap.VerifyMode),
		StartedAt:     snap.Started,
		EndedAt:       snap.Ended,
	}
	if err := m.history.Record(rec); err != nil {
		slog.Error("history_record_failed", "job_id", job.id, "error", err)
	}
}
