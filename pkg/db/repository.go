package db

import (
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/softreck/sdflash/pkg/errors"
)

// DefaultListLimit bounds List when the caller passes a non-positive limit.
const DefaultListLimit = 50

const columns = `id, device_path, image_path, image_sha256, state, reason, detail,
       image_size, bytes_written, bytes_verified, verify_mode, started_at, ended_at`

// Repository provides database operations for the job history
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Jobs finish on their own goroutines; sqlite allows one writer.
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Record inserts a terminal job, replacing any earlier row with the same id.
func (r *Repository) Record(rec *JobRecord) error {
	slog.Info("database_record_job", "job_id", rec.ID, "device", rec.DevicePath, "state", rec.State)

	query := `
		INSERT INTO flash_jobs (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    state = excluded.state,
		    reason = excluded.reason,
		    detail = excluded.detail,
		    bytes_written = excluded.bytes_written,
		    bytes_verified = excluded.bytes_verified,
		    verify_mode = excluded.verify_mode,
		    ended_at = excluded.ended_at,
		    recorded_at = CURRENT_TIMESTAMP
	`
	_, err := r.db.Exec(query,
		rec.ID, rec.DevicePath, rec.ImagePath, rec.ImageSHA256, rec.State, rec.Reason, rec.Detail,
		rec.ImageSize, rec.BytesWritten, rec.BytesVerified, rec.VerifyMode,
		formatTime(rec.StartedAt), formatTime(rec.EndedAt))
	if err != nil {
		slog.Error("database_record_failed", "job_id", rec.ID, "error", err)
		return errors.Wrap(err, "failed to record job")
	}

	slog.Info("database_job_recorded", "job_id", rec.ID, "state", rec.State)
	return nil
}

// Get retrieves a job by id. It returns nil, nil when the job is unknown.
func (r *Repository) Get(id string) (*JobRecord, error) {
	slog.Info("database_query_job", "job_id", id)

	row := r.db.QueryRow(`SELECT `+columns+` FROM flash_jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		slog.Info("database_job_not_found", "job_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "job_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query job")
	}
	return rec, nil
}

// List returns the most recent jobs, newest first.
func (r *Repository) List(limit int) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	slog.Info("database_list_jobs", "limit", limit)

	rows, err := r.db.Query(`SELECT `+columns+` FROM flash_jobs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return collect(rows)
}

// ListByDevice returns every recorded job for a device path, newest first.
func (r *Repository) ListByDevice(devicePath string) ([]*JobRecord, error) {
	slog.Info("database_list_jobs_by_device", "device", devicePath)

	rows, err := r.db.Query(`SELECT `+columns+` FROM flash_jobs WHERE device_path = ? ORDER BY started_at DESC`, devicePath)
	if err != nil {
		slog.Error("database_list_query_failed", "device", devicePath, "error", err)
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*JobRecord, error) {
	var rec JobRecord
	var sha, reason, detail, mode sql.NullString
	var started, ended string

	err := s.Scan(
		&rec.ID, &rec.DevicePath, &rec.ImagePath, &sha, &rec.State, &reason, &detail,
		&rec.ImageSize, &rec.BytesWritten, &rec.BytesVerified, &mode, &started, &ended)
	if err != nil {
		return nil, err
	}

	rec.ImageSHA256 = sha.String
	rec.Reason = reason.String
	rec.Detail = detail.String
	rec.VerifyMode = mode.String
	rec.StartedAt = parseTime(started)
	rec.EndedAt = parseTime(ended)
	return &rec, nil
}

func collect(rows *sql.Rows) ([]*JobRecord, error) {
	defer rows.Close()

	var out []*JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "job_count", len(out))
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
