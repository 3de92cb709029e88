package fsm

import (
	"context"
	"sync"
	"testing"

	"github.com/softreck/sdflash/pkg/errors"
	"github.com/softreck/sdflash/pkg/image"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) sink(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateValidating, true},
		{StatePending, StateFailed, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateWriting, false},
		{StateValidating, StateWriting, true},
		{StateValidating, StateCancelled, true},
		{StateValidating, StateSucceeded, false},
		{StateWriting, StateVerifying, true},
		{StateWriting, StateFailed, true},
		{StateWriting, StateValidating, false},
		{StateVerifying, StateSucceeded, true},
		{StateVerifying, StateCancelled, true},
		{StateSucceeded, StateFailed, false},
		{StateFailed, StateValidating, false},
		{StateCancelled, StateCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.ok {
				t.Errorf("CanTransition() = %v, want %v", got, tt.ok)
			}
		})
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateSucceeded, StateFailed, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StatePending, StateValidating, StateWriting, StateVerifying} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestJob_TransitionEmitsOrderedEvents(t *testing.T) {
	rec := &recorder{}
	job := newJob(context.Background(), 1, "/dev/sdb", &image.Source{Path: "card.img", Size: 1}, rec.sink)

	for _, s := range []State{StateValidating, StateWriting, StateVerifying} {
		if err := job.transition(s, errors.ReasonNone, ""); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if err := job.transition(StateSucceeded, errors.ReasonNone, "ok"); err != nil {
		t.Fatalf("transition to succeeded: %v", err)
	}

	changes := rec.kinds(EventStateChanged)
	want := []State{StateValidating, StateWriting, StateVerifying, StateSucceeded}
	if len(changes) != len(want) {
		t.Fatalf("got %d state events, want %d", len(changes), len(want))
	}
	for i, ev := range changes {
		if ev.To != want[i] {
			t.Errorf("event %d: To = %s, want %s", i, ev.To, want[i])
		}
		if ev.JobID != job.ID() || ev.DevicePath != "/dev/sdb" {
			t.Errorf("event %d not attributed to job: %+v", i, ev)
		}
	}
	if terminal := rec.kinds(EventTerminal); len(terminal) != 1 || terminal[0].To != StateSucceeded {
		t.Errorf("expected one terminal event, got %+v", terminal)
	}

	select {
	case <-job.Done():
	default:
		t.Error("Done() not closed after terminal transition")
	}
	if job.Snapshot().Ended.IsZero() {
		t.Error("end time not set")
	}
}

func TestJob_TerminalIsFinal(t *testing.T) {
	job := newJob(context.Background(), 1, "/dev/sdb", &image.Source{Size: 1}, nil)

	if err := job.transition(StateFailed, errors.ReasonNotRemovable, "fixed disk"); err != nil {
		t.Fatal(err)
	}
	if err := job.transition(StateCancelled, errors.ReasonCancelled, ""); err == nil {
		t.Error("expected transition out of a terminal state to be refused")
	}

	snap := job.Snapshot()
	if snap.State != StateFailed || snap.Reason != errors.ReasonNotRemovable {
		t.Errorf("terminal state changed: %+v", snap)
	}
}
