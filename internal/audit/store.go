// Package audit provides an optional, observational trail of fleet events
// backed by an embedded SQLite database — never consulted to reconstruct
// control-plane state, since persistence across restarts is explicitly out
// of scope. Migrations are SQL statements living in an ordered slice,
// applied exactly once and tracked in a schema_migrations table.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id  TEXT NOT NULL DEFAULT '',
		kind       TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
	`PRAGMA journal_mode=WAL`,
}

// maxEvents bounds retention; the oldest rows are purged past this count on
// every insert.
const maxEvents = 10000

// Event kinds recorded by the trail.
const (
	KindConnect     = "connect"
	KindDisconnect  = "disconnect"
	KindAuthFailed  = "auth_failed"
	KindBroadcast   = "broadcast_start"
	KindBroadcastEnd = "broadcast_stop"
	KindSync        = "sync"
	KindKick        = "kick"
)

// Store owns the database lifecycle and exposes an append/query API for
// fleet events.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests, or operators who don't want a history file at all).
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Warn("audit: busy_timeout pragma failed", "err", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
	}
	return nil
}

// Record appends one event to the trail and purges entries beyond
// maxEvents. Failures are logged, not returned, since the audit trail is
// observational only — it must never be able to fail a control-plane
// operation.
func (s *Store) Record(clientID, kind, detail string) {
	if _, err := s.db.Exec(
		`INSERT INTO events(client_id, kind, detail) VALUES(?, ?, ?)`,
		clientID, kind, detail,
	); err != nil {
		s.log.Error("audit: insert failed", "kind", kind, "err", err)
		return
	}
	if _, err := s.db.Exec(
		`DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)`, maxEvents,
	); err != nil {
		s.log.Error("audit: purge failed", "err", err)
	}
}

// Event is one row of the trail, returned most-recent-first by Recent.
type Event struct {
	ID        int64
	ClientID  string
	Kind      string
	Detail    string
	CreatedAt int64
}

// Recent returns up to limit events, optionally filtered to one kind
// (kind == "" means all kinds), most recent first.
func (s *Store) Recent(kind string, limit int) ([]Event, error) {
	var rows *sql.Rows
	var err error
	if kind != "" {
		rows, err = s.db.Query(
			`SELECT id, client_id, kind, detail, created_at FROM events WHERE kind = ? ORDER BY id DESC LIMIT ?`,
			kind, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, client_id, kind, detail, created_at FROM events ORDER BY id DESC LIMIT ?`, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns the number of events currently retained.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}
