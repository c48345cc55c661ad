// journal.go: sqlite store for launch events seen by a subscriber
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/agilira/go-timecache"
	_ "github.com/mattn/go-sqlite3"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS launch_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	observed_at INTEGER NOT NULL,
	uid         INTEGER NOT NULL,
	pid         INTEGER NOT NULL,
	package     TEXT NOT NULL DEFAULT '',
	process     TEXT NOT NULL DEFAULT '',
	host_type   TEXT NOT NULL DEFAULT '',
	host_name   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_launch_events_package ON launch_events(package);
`

// EventJournal persists launch events.
type EventJournal struct {
	db     *sql.DB
	logger Logger
}

// OpenEventJournal opens, creating if needed, the journal at path. The
// special path ":memory:" keeps it in memory.
func OpenEventJournal(path string, logger any) (*EventJournal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, NewJournalOpenError(path, err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, NewJournalOpenError(path, err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, NewJournalOpenError(path, err)
		}
	}
	if _, err := db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, NewJournalOpenError(path, err)
	}
	return &EventJournal{db: db, logger: NewLogger(logger).With("component", "event_journal")}, nil
}

// Record stores ev. A zero ObservedAt is stamped with the cached clock.
func (j *EventJournal) Record(ctx context.Context, ev LaunchEvent) error {
	at := ev.ObservedAt
	if at.IsZero() {
		at = timecache.CachedTime()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO launch_events (observed_at, uid, pid, package, process, host_type, host_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		at.UnixNano(), ev.UID, ev.PID, ev.Package, ev.Process, ev.Type, ev.Name)
	if err != nil {
		return NewJournalQueryError("record", err)
	}
	j.logger.Debug("Launch event recorded", "pid", ev.PID, "package", ev.Package)
	return nil
}

// Recent returns up to limit events, newest first.
func (j *EventJournal) Recent(ctx context.Context, limit int) ([]LaunchEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT observed_at, uid, pid, package, process, host_type, host_name
		 FROM launch_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, NewJournalQueryError("recent", err)
	}
	defer rows.Close()

	var out []LaunchEvent
	for rows.Next() {
		var ev LaunchEvent
		var at int64
		if err := rows.Scan(&at, &ev.UID, &ev.PID, &ev.Package, &ev.Process, &ev.Type, &ev.Name); err != nil {
			return nil, NewJournalQueryError("recent", err)
		}
		ev.ObservedAt = time.Unix(0, at)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, NewJournalQueryError("recent", err)
	}
	return out, nil
}

// CountByPackage returns how many launches each package had.
func (j *EventJournal) CountByPackage(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT package, COUNT(*) FROM launch_events GROUP BY package`)
	if err != nil {
		return nil, NewJournalQueryError("count_by_package", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var pkg string
		var n int
		if err := rows.Scan(&pkg, &n); err != nil {
			return nil, NewJournalQueryError("count_by_package", err)
		}
		out[pkg] = n
	}
	if err := rows.Err(); err != nil {
		return nil, NewJournalQueryError("count_by_package", err)
	}
	return out, nil
}

// Close releases the database.
func (j *EventJournal) Close() error {
	return j.db.Close()
}
