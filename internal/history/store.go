// Package history archives completed sessions to SQLite. The pipeline never
// depends on archiving succeeding.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one archived session.
type Record struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	Stage        string
	RawText      string
	EnhancedText string
	ErrorKind    string
	AppID        string
	URL          string
}

// Store persists session records.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".quill", "history.sqlite")
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER NOT NULL,
	stage         TEXT NOT NULL,
	raw_text      TEXT NOT NULL DEFAULT '',
	enhanced_text TEXT NOT NULL DEFAULT '',
	error_kind    TEXT NOT NULL DEFAULT '',
	app_id        TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at DESC);
`

// Open opens (creating if needed) the history database.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces a session record.
func (s *Store) Save(r *Record) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions
			(id, started_at, finished_at, stage, raw_text, enhanced_text, error_kind, app_id, url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(), r.Stage,
		r.RawText, r.EnhancedText, r.ErrorKind, r.AppID, r.URL)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Recent returns the most recent records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, stage, raw_text, enhanced_text, error_kind, app_id, url
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var startedAt, finishedAt int64
		if err := rows.Scan(&r.ID, &startedAt, &finishedAt, &r.Stage,
			&r.RawText, &r.EnhancedText, &r.ErrorKind, &r.AppID, &r.URL); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.StartedAt = time.UnixMilli(startedAt)
		r.FinishedAt = time.UnixMilli(finishedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}
