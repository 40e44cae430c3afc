// Package queue is the durable offline buffer of analytics events that
// could not reach the API when they were created.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS analytics_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0
);
`

// ErrInvalidPayload is returned when an event payload is not valid JSON.
var ErrInvalidPayload = errors.New("event payload must be valid JSON")

// Event is a queued analytics event.
type Event struct {
	ID        int64           `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
}

// Store is a SQLite-backed event queue.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens the queue database at path, creating it on first use. Opening
// an existing database is safe and keeps its events.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("queue path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps id assignment and deletes strictly ordered.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Enqueue appends an event and returns its id.
func (s *Store) Enqueue(ctx context.Context, payload json.RawMessage) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("queue is not configured")
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return 0, ErrInvalidPayload
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO analytics_events (payload, created_at) VALUES (?, ?)`,
		string(payload), s.now().UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("enqueue event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue event: %w", err)
	}
	return id, nil
}

// DrainAll returns every queued event in insertion order without removing
// anything.
func (s *Store) DrainAll(ctx context.Context) ([]Event, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("queue is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, payload, created_at, attempts FROM analytics_events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			payload   string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &payload, &createdAt, &e.Attempts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if t, err := time.Parse(timeFormat, createdAt); err == nil {
			e.CreatedAt = t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

// Remove deletes exactly one event.
func (s *Store) Remove(ctx context.Context, id int64) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("queue is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM analytics_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove event %d: %w", id, err)
	}
	return nil
}

// MarkFailed records one more failed delivery attempt for an event.
func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("queue is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`UPDATE analytics_events SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark event %d failed: %w", id, err)
	}
	return nil
}

// Count returns the number of queued events.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("queue is not configured")
	}
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM analytics_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
