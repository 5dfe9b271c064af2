// Package store persists tasks, their status history, principals and group
// chats in SQLite. All read-modify-write paths are single conditional
// UPDATEs or short transactions so concurrent writers cannot clobber
// each other.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for created/registered stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func Open(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// dsn sets the pragmas per pooled connection. Transactions take the write
// lock at BEGIN.
func dsn(dbPath string) string {
	pragmas := []string{
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	return dbPath + "?" + strings.Join(pragmas, "&")
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS principals (
			id INTEGER PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'assignee',
			chat_handle INTEGER NOT NULL DEFAULT 0,
			registered_from INTEGER NOT NULL DEFAULT 0,
			registered_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_principals_role ON principals(role)`,
		`CREATE TABLE IF NOT EXISTS group_chats (
			chat_id INTEGER PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			admin_id INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			creator_id INTEGER NOT NULL,
			creator_name TEXT NOT NULL DEFAULT '',
			assignee_id INTEGER NOT NULL,
			assignee_name TEXT NOT NULL DEFAULT '',
			media_kind TEXT NOT NULL DEFAULT '',
			media_file_id TEXT NOT NULL DEFAULT '',
			review_media_kind TEXT NOT NULL DEFAULT '',
			review_media_file_id TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL,
			deadline_ms INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER,
			last_reminder_at_ms INTEGER,
			reminder_lease_owner TEXT,
			reminder_lease_until_ms INTEGER,
			CHECK (status IN ('active', 'on_review', 'completed')),
			CHECK ((status = 'completed') = (completed_at_ms IS NOT NULL))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_creator ON tasks(creator_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_deadline ON tasks(status, deadline_ms)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL,
			actor_id INTEGER NOT NULL DEFAULT 0,
			at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func toMs(t time.Time) int64 { return t.UnixMilli() }

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}
