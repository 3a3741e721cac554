// Package runlog keeps an append-only history of task executions in a
// local SQLite database, beyond the last-run snapshot in the daemon
// state file.
package runlog

import (
	"database/sql"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	task           TEXT NOT NULL,
	status         TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	output_preview TEXT NOT NULL DEFAULT '',
	steps_done     INTEGER NOT NULL DEFAULT 0,
	steps_total    INTEGER NOT NULL DEFAULT 0,
	started_at     TIMESTAMP NOT NULL,
	duration_ms    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_task_started ON runs(task, started_at DESC);
`

// Entry is one recorded task execution
type Entry struct {
	ID            string
	Task          string
	Status        string
	Detail        string
	OutputPreview string
	StepsDone     int
	StepsTotal    int
	StartedAt     time.Time
	Duration      time.Duration
}

// Log is the run-history store
type Log struct {
	db *sql.DB
}

// Open creates or opens the history database
func Open(path string) (*Log, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply run log schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the database handle
func (l *Log) Close() error {
	return l.db.Close()
}

// Append records one finished run. A missing id is generated.
func (l *Log) Append(e Entry) error {
	if e.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return fmt.Errorf("failed to generate run id: %w", err)
		}
		e.ID = id
	}
	_, err := l.db.Exec(
		`INSERT INTO runs (id, task, status, detail, output_preview, steps_done, steps_total, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Task, e.Status, e.Detail, e.OutputPreview, e.StepsDone, e.StepsTotal,
		e.StartedAt.UTC(), e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to append run: %w", err)
	}
	return nil
}

// Recent returns the latest runs for a task, newest first. An empty
// task name returns runs across all tasks.
func (l *Log) Recent(task string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, task, status, detail, output_preview, steps_done, steps_total, started_at, duration_ms
		  FROM runs`
	args := []any{}
	if task != "" {
		query += ` WHERE task = ?`
		args = append(args, task)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.ID, &e.Task, &e.Status, &e.Detail, &e.OutputPreview,
			&e.StepsDone, &e.StepsTotal, &e.StartedAt, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
