// Package journal keeps an SQLite index of runs and an append-only log of
// part status transitions. The manifests remain authoritative; the journal
// answers "which runs exist" and "what happened when" without reading every
// part document.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bamsammich/bale/internal/manifest"
)

const schemaVersion = "1"

// Journal is safe for concurrent use.
type Journal struct {
	db   *sql.DB
	path string
}

// Run is one row of the runs table.
type Run struct {
	CreatedAt   time.Time
	UpdatedAt   time.Time
	RunID       string
	Name        string
	SourceRoot  string
	Destination string
	Budget      int64
	TotalSize   int64
	TotalFiles  int
	Parts       int
}

// Entry is one logged transition.
type Entry struct {
	manifest.Transition
	RunID  string
	PartID int
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// Workers log concurrently; a single connection serializes writers
	// without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, path: path}
	if err := j.init(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			source_root TEXT NOT NULL,
			destination TEXT NOT NULL DEFAULT '',
			budget      INTEGER NOT NULL,
			parts       INTEGER NOT NULL,
			total_size  INTEGER NOT NULL,
			total_files INTEGER NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS transitions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL,
			part_id     INTEGER NOT NULL,
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			retry       INTEGER NOT NULL DEFAULT 0,
			note        TEXT NOT NULL DEFAULT '',
			at          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS transitions_run_part ON transitions (run_id, part_id, id);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var stored string
	err = j.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := j.db.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion); err != nil {
			return fmt.Errorf("store meta: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read meta: %w", err)
	case stored != schemaVersion:
		return fmt.Errorf("journal %s has schema %s, want %s", j.path, stored, schemaVersion)
	}
	return nil
}

// Path returns the database file path.
func (j *Journal) Path() string { return j.path }

// RecordRun inserts or refreshes a run row.
func (j *Journal) RecordRun(ctx context.Context, r Run) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, name, source_root, destination, budget, parts, total_size, total_files, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			destination = CASE WHEN excluded.destination = '' THEN runs.destination ELSE excluded.destination END,
			updated_at  = excluded.updated_at`,
		r.RunID, r.Name, r.SourceRoot, r.Destination, r.Budget, r.Parts, r.TotalSize, r.TotalFiles,
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.RunID, err)
	}
	return nil
}

// RecordTransition appends one status change and bumps the run's update time.
func (j *Journal) RecordTransition(ctx context.Context, runID string, partID int, t manifest.Transition) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO transitions (run_id, part_id, from_status, to_status, retry, note, at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		runID, partID, string(t.From), string(t.To), t.Retry, t.Note, t.At.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE runs SET updated_at = MAX(updated_at, ?) WHERE run_id = ?", t.At.UnixNano(), runID,
	); err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Runs lists every recorded run, most recently updated first.
func (j *Journal) Runs(ctx context.Context) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, name, source_root, destination, budget, parts, total_size, total_files, created_at, updated_at
		FROM runs ORDER BY updated_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var created, updated int64
		if err := rows.Scan(&r.RunID, &r.Name, &r.SourceRoot, &r.Destination, &r.Budget, &r.Parts,
			&r.TotalSize, &r.TotalFiles, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		r.UpdatedAt = time.Unix(0, updated).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// History returns the logged transitions of a run in the order they were
// recorded. partID 0 selects every part.
func (j *Journal) History(ctx context.Context, runID string, partID int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT part_id, from_status, to_status, retry, note, at
		FROM transitions
		WHERE run_id = ? AND (? = 0 OR part_id = ?)
		ORDER BY id`, runID, partID, partID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e := Entry{RunID: runID}
		var from, to string
		var at int64
		if err := rows.Scan(&e.PartID, &from, &to, &e.Retry, &e.Note, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.From, e.To = manifest.Status(from), manifest.Status(to)
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
