package db

import "time"

// Schema defines the SQLite schema for the flash job history.
// One row per job, written when the job reaches a terminal state.
const Schema = `
CREATE TABLE IF NOT EXISTS flash_jobs (
    id TEXT PRIMARY KEY,
    device_path TEXT NOT NULL,
    image_path TEXT NOT NULL,
    image_sha256 TEXT,
    state TEXT NOT NULL CHECK(state IN ('succeeded', 'failed', 'cancelled')),
    reason TEXT,
    detail TEXT,
    image_size INTEGER NOT NULL DEFAULT 0,
    bytes_written INTEGER NOT NULL DEFAULT 0,
    bytes_verified INTEGER NOT NULL DEFAULT 0,
    verify_mode TEXT,
    started_at TEXT NOT NULL,
    ended_at TEXT NOT NULL,
    recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_flash_jobs_device ON flash_jobs(device_path);
CREATE INDEX IF NOT EXISTS idx_flash_jobs_state ON flash_jobs(state);
CREATE INDEX IF NOT EXISTS idx_flash_jobs_started_at ON flash_jobs(started_at);
`

// State constants for recorded jobs
const (
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// JobRecord is the persisted outcome of one flash job.
type JobRecord struct {
	ID            string
	DevicePath    string
	ImagePath     string
	ImageSHA256   string
	State         string
	Reason        string
	Detail        string
	ImageSize     int64
	BytesWritten  int64
	BytesVerified int64
	VerifyMode    string
	StartedAt     time.Time
	EndedAt       time.Time
}
