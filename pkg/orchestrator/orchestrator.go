// Package orchestrator watches the device catalog and runs one flash job
// per inserted removable device.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/softreck/sdflash/pkg/device"
	"github.com/softreck/sdflash/pkg/errors"
	"github.com/softreck/sdflash/pkg/fsm"
	"github.com/softreck/sdflash/pkg/image"
)

// DefaultPollInterval is the time between two catalog enumerations.
const DefaultPollInterval = 2 * time.Second

// MaxFinished bounds the retired job snapshots kept for Snapshot.
const MaxFinished = 64

// Orchestrator tracks at most one job per device path.
type Orchestrator struct {
	catalog  device.Catalog
	machine  *fsm.Machine
	src      *image.Source
	interval time.Duration
	sink     fsm.Sink

	// base is the parent of every job context. It outlives the Run context
	// so Shutdown can choose the cancellation cause.
	base context.Context

	mu       sync.RWMutex
	jobs     map[string]*fsm.Job
	known    map[string]bool
	// pending holds insertions whose job has not started yet because the
	// previous job on the same path is still winding down.
	pending  map[string]bool
	finished []fsm.Snapshot

	wg sync.WaitGroup
}

// New creates an orchestrator writing src to every inserted device.
// sink receives device events; job events go to the sink given to machine.
func New(catalog device.Catalog, machine *fsm.Machine, src *image.Source, interval time.Duration, sink fsm.Sink) *Orchestrator {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Orchestrator{
		catalog:  catalog,
		machine:  machine,
		src:      src,
		interval: interval,
		sink:     sink,
		base:     context.Background(),
		jobs:     make(map[string]*fsm.Job),
		known:    make(map[string]bool),
		pending:  make(map[string]bool),
	}
}

// Run polls until ctx is done, then shuts down all jobs.
func (o *Orchestrator) Run(ctx context.Context) error {
	slog.Info("orchestrator_started", "interval", o.interval, "image", o.src.Path)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("orchestrator_stopping", "cause", context.Cause(ctx))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return o.Shutdown(shutdownCtx)
		case <-ticker.C:
			o.Poll(ctx)
		}
	}
}

// Poll runs one enumeration-and-diff cycle. Catalog failures are logged and
// leave the tracking state untouched.
func (o *Orchestrator) Poll(ctx context.Context) {
	devs, err := o.catalog.ListDevices(ctx)
	if err != nil {
		slog.Error("device_enumeration_failed", "error", err)
		return
	}

	present := make(map[string]bool, len(devs))
	for _, d := range devs {
		present[d.Path] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for path, job := range o.jobs {
		if present[path] {
			continue
		}
		if job.State().Terminal() {
			o.retire(path, job)
			continue
		}
		slog.Warn("device_removed_during_job", "device", path, "job_id", job.ID(), "state", job.State())
		job.Cancel(errors.ErrDeviceRemoved)
	}

	for path := range o.known {
		if !present[path] {
			delete(o.known, path)
			delete(o.pending, path)
			o.emit(fsm.Event{Kind: fsm.EventDeviceRemoved, DevicePath: path})
		}
	}

	// a device is flashed once per insertion
	for _, d := range device.Removable(devs) {
		if !o.known[d.Path] {
			o.known[d.Path] = true
			o.pending[d.Path] = true
			slog.Info("device_discovered", "device", d.Path, "model", d.Model, "size", d.Size)
			o.emit(fsm.Event{Kind: fsm.EventDeviceDiscovered, DevicePath: d.Path})
		}
		if !o.pending[d.Path] {
			continue
		}
		if job, tracked := o.jobs[d.Path]; tracked {
			if !job.State().Terminal() {
				continue
			}
			o.retire(d.Path, job)
		}
		delete(o.pending, d.Path)
		o.launch(d.Path)
	}
}

// Submit starts a job for a caller-chosen device path. It is refused when a
// job for that path is still active.
func (o *Orchestrator) Submit(path string) (*fsm.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if job, ok := o.jobs[path]; ok {
		if !job.State().Terminal() {
			return nil, errors.Rejected(errors.ReasonDeviceAlreadyOwned,
				"%s is already being flashed by job %s", path, job.ID())
		}
		o.retire(path, job)
	}
	// counts as this insertion's job so the next poll does not flash it again
	o.known[path] = true
	delete(o.pending, path)
	return o.launch(path), nil
}

// Job returns the job tracked for path.
func (o *Orchestrator) Job(path string) (*fsm.Job, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	job, ok := o.jobs[path]
	return job, ok
}

// Snapshot returns the tracked jobs followed by finished ones.
func (o *Orchestrator) Snapshot() []fsm.Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]fsm.Snapshot, 0, len(o.jobs)+len(o.finished))
	for _, job := range o.jobs {
		out = append(out, job.Snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].DevicePath < out[b].DevicePath })
	return append(out, o.finished...)
}

// Acknowledge drops a terminal job from tracking. A device left in its slot
// is not flashed again until it is removed and reinserted.
func (o *Orchestrator) Acknowledge(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for path, job := range o.jobs {
		if job.ID() == jobID && job.State().Terminal() {
			o.retire(path, job)
			return true
		}
	}
	return false
}

// Wait blocks until every launched job has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels all active jobs and waits for them to reach a terminal
// state or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	active := 0
	for _, job := range o.jobs {
		if !job.State().Terminal() {
			job.Cancel(errors.ErrShutdown)
			active++
		}
	}
	o.mu.RUnlock()

	slog.Info("orchestrator_shutdown", "active_jobs", active)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("orchestrator_stopped")
		return nil
	case <-ctx.Done():
		slog.Error("orchestrator_shutdown_timeout", "error", ctx.Err())
		return errors.Wrap(ctx.Err(), "jobs still running at shutdown")
	}
}

// launch must be called with o.mu held.
func (o *Orchestrator) launch(path string) *fsm.Job {
	job := o.machine.NewJob(o.base, path, o.src)
	o.jobs[path] = job

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.machine.Execute(o.base, job)
	}()
	return job
}

// retire must be called with o.mu held.
func (o *Orchestrator) retire(path string, job *fsm.Job) {
	delete(o.jobs, path)
	o.machine.Forget(job.ID())
	o.finished = append(o.finished, job.Snapshot())
	if n := len(o.finished); n > MaxFinished {
		o.finished = append(o.finished[:0], o.finished[n-MaxFinished:]...)
	}
}

func (o *Orchestrator) emit(ev fsm.Event) {
	if o.sink == nil {
		return
	}
	ev.At = time.Now()
	o.sink(ev)
}
