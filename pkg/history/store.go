// Package history archives run summaries in a local SQLite database so
// CI tooling can query past runs. The archive is informational; the
// streamed protocol never references it.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Record is one archived run.
type Record struct {
	RunID     string
	BundleDir string
	Total     int
	Passed    int
	Failed    int
	Skipped   int
	Cancelled bool
	Fault     bool
	Duration  time.Duration
	Artifact  string
	StartedAt time.Time
}

// Store wraps the archive database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	bundle_dir TEXT NOT NULL,
	total      INTEGER NOT NULL,
	passed     INTEGER NOT NULL,
	failed     INTEGER NOT NULL,
	skipped    INTEGER NOT NULL,
	cancelled  INTEGER NOT NULL,
	fault      INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	artifact   TEXT,
	started_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Open creates or opens the archive at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// The archive is written by one host process; a single connection
	// avoids SQLite write contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record archives one finished run.
func (s *Store) Record(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs
	(run_id, bundle_dir, total, passed, failed, skipped, cancelled, fault, duration_ms, artifact, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.BundleDir, r.Total, r.Passed, r.Failed, r.Skipped,
		boolInt(r.Cancelled), boolInt(r.Fault),
		r.Duration.Milliseconds(), r.Artifact,
		r.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.RunID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, bundle_dir, total, passed, failed, skipped, cancelled, fault, duration_ms, artifact, started_at
FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var cancelled, fault int
		var durationMS int64
		var startedAt string
		if err := rows.Scan(&r.RunID, &r.BundleDir, &r.Total, &r.Passed,
			&r.Failed, &r.Skipped, &cancelled, &fault,
			&durationMS, &r.Artifact, &startedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.Cancelled = cancelled != 0
		r.Fault = fault != 0
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			r.StartedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
