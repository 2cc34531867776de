package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// journalDDL defines the sqlite schema for the task journal.
const journalDDL = `
CREATE TABLE IF NOT EXISTS task_events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    task_id TEXT,
    slot TEXT,
    repo TEXT,
    detail TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// Journal is the persistent task event log. Writes are best-effort: a
// journal failure is logged by the caller, never allowed to affect task
// processing. A nil *Journal is valid and records nothing.
type Journal struct {
	db *sql.DB
}

// JournalEntry is one recorded task event.
type JournalEntry struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Slot      string `json:"slot"`
	Repo      string `json:"repo"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

// OpenJournal opens (creating if needed) the journal database at path with
// WAL mode and a 5-second busy timeout.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, journalDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record inserts a task event.
func (j *Journal) Record(ctx context.Context, evType, taskID, slot, repo, detail string) error {
	if j == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO task_events (type, task_id, slot, repo, detail) VALUES (?, ?, ?, ?, ?)`,
		evType, taskID, slot, repo, detail)
	if err != nil {
		return fmt.Errorf("record task event: %w", err)
	}
	return nil
}

// Recent returns the latest limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]JournalEntry, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, type, COALESCE(task_id,''), COALESCE(slot,''), COALESCE(repo,''), COALESCE(detail,''), created_at
		 FROM task_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.TaskID, &e.Slot, &e.Repo, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return out, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

// journalTimeout bounds best-effort journal writes during task processing.
const journalTimeout = 5 * time.Second
