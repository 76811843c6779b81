package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	metadata   BLOB,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	thread_id  TEXT NOT NULL REFERENCES threads(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	metadata   BLOB,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	thread_id    TEXT NOT NULL,
	agent_type   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	config       BLOB,
	created_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	last_error   TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore implements Store over a SQLite database file (or :memory:).
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{sqlStore{db: db}}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
