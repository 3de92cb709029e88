package db

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func record(id, dev, state string, started time.Time) *JobRecord {
	return &JobRecord{
		ID:           id,
		DevicePath:   dev,
		ImagePath:    "/images/card.img",
		State:        state,
		ImageSize:    10 << 20,
		BytesWritten: 10 << 20,
		VerifyMode:   "full",
		StartedAt:    started,
		EndedAt:      started.Add(time.Minute),
	}
}

func TestRepository_RecordAndGet(t *testing.T) {
	repo := newTestRepo(t)
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := record("job-1", "/dev/sdb", StateFailed, started)
	rec.Reason = "Mismatch"
	rec.Detail = "content differs at offset 4096"
	if err := repo.Record(rec); err != nil {
		t.Fatalf("failed to record job: %v", err)
	}

	got, err := repo.Get("job-1")
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if got == nil {
		t.Fatal("recorded job not found")
	}
	if got.DevicePath != rec.DevicePath || got.Reason != rec.Reason || got.Detail != rec.Detail {
		t.Errorf("retrieved job mismatch: got %+v, want %+v", got, rec)
	}
	if !got.StartedAt.Equal(started) || !got.EndedAt.Equal(started.Add(time.Minute)) {
		t.Errorf("timestamps not preserved: %v / %v", got.StartedAt, got.EndedAt)
	}
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.Get("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown job, got %+v", got)
	}
}

func TestRepository_RecordUpserts(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now()

	if err := repo.Record(record("job-1", "/dev/sdb", StateCancelled, now)); err != nil {
		t.Fatal(err)
	}
	rec := record("job-1", "/dev/sdb", StateSucceeded, now)
	rec.BytesVerified = rec.BytesWritten
	if err := repo.Record(rec); err != nil {
		t.Fatal(err)
	}

	got, _ := repo.Get("job-1")
	if got.State != StateSucceeded || got.BytesVerified != rec.BytesVerified {
		t.Errorf("record not replaced: %+v", got)
	}
	all, _ := repo.List(0)
	if len(all) != 1 {
		t.Errorf("expected 1 row after upsert, got %d", len(all))
	}
}

func TestRepository_RejectsNonTerminalState(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.Record(record("job-1", "/dev/sdb", "writing", time.Now())); err == nil {
		t.Error("expected check constraint to reject a non-terminal state")
	}
}

func TestRepository_ListAndListByDevice(t *testing.T) {
	repo := newTestRepo(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	repo.Record(record("a", "/dev/sdb", StateSucceeded, base))
	repo.Record(record("b", "/dev/sdc", StateFailed, base.Add(time.Hour)))
	repo.Record(record("c", "/dev/sdb", StateSucceeded, base.Add(2*time.Hour)))

	all, err := repo.List(10)
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
	if all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("expected newest first, got %s..%s", all[0].ID, all[2].ID)
	}

	limited, _ := repo.List(2)
	if len(limited) != 2 {
		t.Errorf("limit not applied: got %d", len(limited))
	}

	sdb, err := repo.ListByDevice("/dev/sdb")
	if err != nil {
		t.Fatalf("failed to list by device: %v", err)
	}
	if len(sdb) != 2 {
		t.Errorf("expected 2 jobs for /dev/sdb, got %d", len(sdb))
	}
	for _, rec := range sdb {
		if rec.DevicePath != "/dev/sdb" {
			t.Errorf("unexpected device %s", rec.DevicePath)
		}
	}
}
