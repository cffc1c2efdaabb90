// Package store persists the client's local state in sqlite: the offline
// event queue, link timestamps, and the capped emergency session history.
// Everything here must survive a process restart in the field, so the
// schema is managed with versioned migrations embedded in the binary.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite handle for the client's local state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}

	// Note: the migrate instance is not closed because that would close the
	// underlying DB connection.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// QueuedEventRecord is the persisted form of an offline queue entry.
type QueuedEventRecord struct {
	ID         string
	EventName  string
	Payload    []byte
	Timestamp  time.Time
	Priority   int
	RetryCount int
}

// ReplaceQueue rewrites the persisted offline queue atomically. The queue
// is capped at a small size, so a full rewrite keeps insert order and the
// on-disk state trivially consistent with memory.
func (s *Store) ReplaceQueue(events []QueuedEventRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin queue rewrite: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM queued_events`); err != nil {
		return fmt.Errorf("failed to clear queued events: %w", err)
	}
	for i, e := range events {
		_, err := tx.Exec(
			`INSERT INTO queued_events (id, position, event_name, payload, ts_unix_ms, priority, retry_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, i, e.EventName, e.Payload, e.Timestamp.UnixMilli(), e.Priority, e.RetryCount,
		)
		if err != nil {
			return fmt.Errorf("failed to insert queued event %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue rewrite: %w", err)
	}
	return nil
}

// LoadQueue returns the persisted offline queue in stored order.
func (s *Store) LoadQueue() ([]QueuedEventRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, event_name, payload, ts_unix_ms, priority, retry_count
		 FROM queued_events ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to load queued events: %w", err)
	}
	defer rows.Close()

	var out []QueuedEventRecord
	for rows.Next() {
		var e QueuedEventRecord
		var tsMs int64
		if err := rows.Scan(&e.ID, &e.EventName, &e.Payload, &tsMs, &e.Priority, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan queued event: %w", err)
		}
		e.Timestamp = time.UnixMilli(tsMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveLinkState records the last successful connection and sync times.
func (s *Store) SaveLinkState(lastConnected, lastSync time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO link_state (id, last_connected_unix_ms, last_sync_unix_ms)
		 VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   last_connected_unix_ms = excluded.last_connected_unix_ms,
		   last_sync_unix_ms = excluded.last_sync_unix_ms`,
		unixMilliOrZero(lastConnected), unixMilliOrZero(lastSync),
	)
	if err != nil {
		return fmt.Errorf("failed to save link state: %w", err)
	}
	return nil
}

// LoadLinkState returns the persisted connection timestamps. Zero times mean
// the client has never connected.
func (s *Store) LoadLinkState() (lastConnected, lastSync time.Time, err error) {
	var connMs, syncMs int64
	row := s.db.QueryRow(`SELECT last_connected_unix_ms, last_sync_unix_ms FROM link_state WHERE id = 1`)
	if scanErr := row.Scan(&connMs, &syncMs); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return time.Time{}, time.Time{}, nil
		}
		return time.Time{}, time.Time{}, fmt.Errorf("failed to load link state: %w", scanErr)
	}
	return timeFromMilli(connMs), timeFromMilli(syncMs), nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
