// Package lifecyclelog is the process-wide, append-only lifecycle log:
// every session create/exit, respawn cycle, and circuit-breaker trip
// is appended as a row and the table is trimmed to the most recent
// maxRows entries on each open, per spec.md §6's "Lifecycle log:
// append-only, size-trimmed."
package lifecyclelog

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const maxRows = 10000

// Entry is one row of the lifecycle log.
type Entry struct {
	ID        int64
	At        time.Time
	SessionID string
	Kind      string
	Detail    string
}

// Log wraps a single sqlite-backed table. Opened once by
// supervisor.New and passed down explicitly, never a package
// global, per the Design Notes resolution.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the lifecycle log at path and trims
// it to the most recent maxRows rows.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("lifecyclelog: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("lifecyclelog: ping: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("lifecyclelog: create schema: %w", err)
	}

	l := &Log{db: db}
	if err := l.trim(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Append records one lifecycle event and trims the table if it has
// grown past maxRows.
func (l *Log) Append(sessionID, kind, detail string) error {
	_, err := l.db.Exec(
		`INSERT INTO events (at, session_id, kind, detail) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), sessionID, kind, detail,
	)
	if err != nil {
		return fmt.Errorf("lifecyclelog: append: %w", err)
	}
	return l.trim()
}

// Recent returns the most recent n entries, newest first.
func (l *Log) Recent(n int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, at, session_id, kind, detail FROM events ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("lifecyclelog: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &at, &e.SessionID, &e.Kind, &e.Detail); err != nil {
			return nil, fmt.Errorf("lifecyclelog: scan: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// trim deletes the oldest rows beyond maxRows, keeping the table
// bounded without a separate background job.
func (l *Log) trim() error {
	_, err := l.db.Exec(
		`DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)`, maxRows,
	)
	if err != nil {
		return fmt.Errorf("lifecyclelog: trim: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
