// SPDX-License-Identifier: GPL-2.0-only

// Package journal keeps a SQLite record of every file the command
// dispatcher writes.
package journal

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	_ "github.com/mattn/go-sqlite3"
)

type EntryKind string

const (
	KindSample    EntryKind = "sample"
	KindDetection EntryKind = "detection"
)

type Entry struct {
	ID         int64
	Kind       EntryKind
	Path       string
	CapturedAt time.Time
	Labels     []string
	MessageID  string
	CreatedAt  time.Time
}

// Journal wraps the SQLite connection with serialized access.
type Journal struct {
	conn *sql.DB
	mu   sync.Mutex
}

func Open(dbPath string) (*Journal, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open journal")
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	j := &Journal{conn: conn}
	if err := j.migrate(); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to migrate journal")
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS captures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		captured_at DATETIME NOT NULL,
		labels TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_captures_kind ON captures(kind);
	CREATE INDEX IF NOT EXISTS idx_captures_captured_at ON captures(captured_at);
	`
	_, err := j.conn.Exec(schema)
	return err
}

// Record inserts e and returns its ID. An entry for the same path replaces
// the previous one, mirroring the file being overwritten on disk.
func (j *Journal) Record(e Entry) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	result, err := j.conn.Exec(`
		INSERT OR REPLACE INTO captures (kind, path, captured_at, labels, message_id)
		VALUES (?, ?, ?, ?, ?)
	`, string(e.Kind), e.Path, e.CapturedAt.UTC(), strings.Join(e.Labels, "\n"), e.MessageID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert capture")
	}
	return result.LastInsertId()
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.conn.Query(`
		SELECT id, kind, path, captured_at, labels, message_id, created_at
		FROM captures ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query captures")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind, labels string
		if err := rows.Scan(&e.ID, &kind, &e.Path, &e.CapturedAt, &labels, &e.MessageID, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan capture")
		}
		e.Kind = EntryKind(kind)
		if labels != "" {
			e.Labels = strings.Split(labels, "\n")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *Journal) Close() error {
	return j.conn.Close()
}
