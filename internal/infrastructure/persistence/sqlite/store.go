// Package sqlite implements the client-resident durable store: the local
// WorkshopProgress record and the outbox queue of not-yet-acknowledged
// events. One file on disk, exactly one writer (the active session), no
// cross-key transactions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/UzyOrg/celesta/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("sqlite: store is closed")

	// ErrNotFound is returned when a key has no record. Matches
	// shared.ErrNotFound under errors.Is.
	ErrNotFound = fmt.Errorf("sqlite: %w", shared.ErrNotFound)
)

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// Store wraps the local sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the local store at the given path and applies
// migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn != ":memory:" {
		// Single writer; WAL keeps reads cheap while a flush is deleting rows.
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// database/sql pooling would break the single-writer assumption.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the store is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the raw handle to the repositories in this package.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies the schema. Safe to run repeatedly.
func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration %d: %w", i+1, err)
		}
	}
	return nil
}

// migrations are the local schema, applied in order.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workshop_progress (
		session_id   TEXT NOT NULL,
		workshop_id  TEXT NOT NULL,
		document     TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (session_id, workshop_id)
	)`,

	`CREATE TABLE IF NOT EXISTS outbox (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		client_event_id TEXT NOT NULL UNIQUE,
		payload         TEXT NOT NULL,
		enqueued_at     TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS outbox_dead (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		client_event_id TEXT NOT NULL UNIQUE,
		payload         TEXT NOT NULL,
		reason          TEXT NOT NULL,
		dead_at         TEXT NOT NULL
	)`,
}

// nowUTC returns the current time formatted for storage.
func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
