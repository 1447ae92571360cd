// Package outbox implements the durable local event log and the relay that
// drains it into the external broker. The store is a single SQLite file in
// WAL mode; every mutation commits before returning, so a crash between
// emission and delivery never loses an event.
package outbox

import (
	"database/sql"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// StatusPending marks freshly inserted rows.
	StatusPending = "pending"
	// StatusFailed marks rows awaiting a retry after a delivery failure.
	StatusFailed = "failed"
	// StatusPublished is terminal: the broker accepted the event.
	StatusPublished = "published"
	// StatusPermanentlyFailed is terminal: retries are exhausted.
	StatusPermanentlyFailed = "permanently_failed"

	maxErrorRunes = 500
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_name TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		published_at INTEGER NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		next_retry_at INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events(status, next_retry_at);`,
}

// Record is one outbox row as seen by the relay.
type Record struct {
	ID        int64
	EventName string
	Payload   []byte
	CreatedAt int64
	Attempts  int
}

// Store wraps the embedded database. Safe for use from the scheduler and the
// relay concurrently; SQLite serializes the writes.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open opens (or creates) the outbox database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}

	// Single writer; more connections only buy lock contention.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=10000;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("outbox pragma: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("outbox schema: %w", err)
		}
	}

	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[OUTBOX] ", log.LstdFlags),
	}, nil
}

// Store inserts a pending row and returns its id.
func (s *Store) Store(eventName string, payload []byte, createdAt int64) (int64, error) {
	res, err := s.execRetry(
		`INSERT INTO outbox_events (event_name, payload_json, created_at) VALUES (?, ?, ?)`,
		eventName, string(payload), createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("store event %s: %w", eventName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FetchReady returns at most limit rows eligible for delivery at now, oldest
// first. A non-positive limit returns nothing without touching the table.
func (s *Store) FetchReady(limit int, now int64) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT id, event_name, payload_json, created_at, attempts
		 FROM outbox_events
		 WHERE status IN (?, ?) AND next_retry_at <= ?
		 ORDER BY id ASC
		 LIMIT ?`,
		StatusPending, StatusFailed, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch ready: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var payload string
		if err := rows.Scan(&r.ID, &r.EventName, &payload, &r.CreatedAt, &r.Attempts); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkPublished transitions a row to its terminal published state. Rows
// already in a terminal state are left untouched.
func (s *Store) MarkPublished(id int64) error {
	now := time.Now().Unix()
	_, err := s.execRetry(
		`UPDATE outbox_events SET published_at = ?, status = ?, last_error = NULL
		 WHERE id = ? AND status IN (?, ?)`,
		now, StatusPublished, id, StatusPending, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("mark published %d: %w", id, err)
	}
	return nil
}

// MarkFailed advances a row's retry state. Below maxRetries the row returns
// to failed with next_retry_at = now + base·2^attempts plus up to 20% jitter;
// at or beyond maxRetries it becomes permanently_failed.
func (s *Store) MarkFailed(id int64, errMsg string, currentAttempts, maxRetries int, baseDelay time.Duration) error {
	newAttempts := currentAttempts + 1
	truncated := truncateRunes(errMsg, maxErrorRunes)

	if newAttempts >= maxRetries {
		_, err := s.execRetry(
			`UPDATE outbox_events SET attempts = ?, last_error = ?, status = ?
			 WHERE id = ? AND status IN (?, ?)`,
			newAttempts, truncated, StatusPermanentlyFailed, id, StatusPending, StatusFailed,
		)
		if err != nil {
			return fmt.Errorf("mark permanently failed %d: %w", id, err)
		}
		return nil
	}

	delay := baseDelay.Seconds() * math.Pow(2, float64(currentAttempts))
	jitter := rand.Float64() * 0.2 * delay
	nextRetryAt := time.Now().Unix() + int64(delay+jitter)

	_, err := s.execRetry(
		`UPDATE outbox_events SET attempts = ?, last_error = ?, status = ?, next_retry_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		newAttempts, truncated, StatusFailed, nextRetryAt, id, StatusPending, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}

// CountPending reports rows still awaiting delivery, for the pending gauge.
func (s *Store) CountPending() (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM outbox_events WHERE status IN (?, ?)`,
		StatusPending, StatusFailed,
	).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// execRetry retries a mutation once on transient failure before escalating.
func (s *Store) execRetry(query string, args ...interface{}) (sql.Result, error) {
	res, err := s.db.Exec(query, args...)
	if err == nil {
		return res, nil
	}
	s.logger.Printf("⚠️  Outbox write failed, retrying once: %v", err)
	time.Sleep(50 * time.Millisecond)
	return s.db.Exec(query, args...)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
