package store

import (
	"fmt"
	"time"
)

// SessionRecord is an archived emergency session. Snapshot carries the full
// session JSON as produced by the session manager; the scalar columns exist
// for querying without unmarshalling.
type SessionRecord struct {
	ID        string
	VehicleID string
	StartTime time.Time
	EndTime   time.Time
	Status    string
	Snapshot  []byte
}

// ArchiveSession inserts a finished session and prunes the history down to
// keep entries, newest first.
func (s *Store) ArchiveSession(rec SessionRecord, keep int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin session archive: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sessions (id, vehicle_id, start_unix_ms, end_unix_ms, status, snapshot)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   end_unix_ms = excluded.end_unix_ms,
		   status = excluded.status,
		   snapshot = excluded.snapshot`,
		rec.ID, rec.VehicleID, unixMilliOrZero(rec.StartTime), unixMilliOrZero(rec.EndTime),
		rec.Status, rec.Snapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", rec.ID, err)
	}

	if keep > 0 {
		_, err = tx.Exec(
			`DELETE FROM sessions WHERE id NOT IN (
			   SELECT id FROM sessions ORDER BY start_unix_ms DESC, id DESC LIMIT ?
			 )`, keep)
		if err != nil {
			return fmt.Errorf("failed to prune session history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session archive: %w", err)
	}
	return nil
}

// RecentSessions returns up to n archived sessions, newest first.
func (s *Store) RecentSessions(n int) ([]SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, vehicle_id, start_unix_ms, end_unix_ms, status, snapshot
		 FROM sessions ORDER BY start_unix_ms DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var startMs, endMs int64
		if err := rows.Scan(&rec.ID, &rec.VehicleID, &startMs, &endMs, &rec.Status, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.StartTime = timeFromMilli(startMs)
		rec.EndTime = timeFromMilli(endMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}
