// Package store persists jobs, the bounded event log and gateway settings in
// a single SQLite database so state survives process restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a job id has no row.
	ErrNotFound = errors.New("store: job not found")
	// ErrDuplicateJob is returned when a job id already exists.
	ErrDuplicateJob = errors.New("store: duplicate job id")
)

// Store wraps the SQLite database. Safe for concurrent use; SQLite serializes
// writers and the dispatch engine additionally funnels all job mutations
// through a single goroutine.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sms_jobs (
		id TEXT PRIMARY KEY,
		destination TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		sent_at INTEGER,
		delivered_at INTEGER,
		last_error_code INTEGER,
		last_error_message TEXT,
		next_retry_at INTEGER,
		pending_report INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON sms_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_next_retry ON sms_jobs(next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_pending_report ON sms_jobs(pending_report);

	CREATE TABLE IF NOT EXISTS event_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Setting keys.
const (
	settingDeviceID       = "device_id"
	settingDesiredRunning = "desired_running"
	settingEndpoint       = "endpoint_url"
)

// Setting returns the value for key, or "" when unset.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting writes a settings key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: write setting %s: %w", key, err)
	}
	return nil
}

// DeviceID returns the stable device identity, generating and persisting one
// on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	id, err := s.Setting(ctx, settingDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.SetSetting(ctx, settingDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// DesiredRunning reports whether the gateway was running when it last shut
// down, used to decide whether to resume after a restart.
func (s *Store) DesiredRunning(ctx context.Context) (bool, error) {
	v, err := s.Setting(ctx, settingDesiredRunning)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// SetDesiredRunning records the desired-running flag.
func (s *Store) SetDesiredRunning(ctx context.Context, running bool) error {
	v := "false"
	if running {
		v = "true"
	}
	return s.SetSetting(ctx, settingDesiredRunning, v)
}

// Endpoint returns the persisted controller endpoint override, or "".
func (s *Store) Endpoint(ctx context.Context) (string, error) {
	return s.Setting(ctx, settingEndpoint)
}

// SetEndpoint persists the controller endpoint.
func (s *Store) SetEndpoint(ctx context.Context, url string) error {
	return s.SetSetting(ctx, settingEndpoint, url)
}
