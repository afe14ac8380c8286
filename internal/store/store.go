// Package store persists exact source->target mappings of successful runs
// and an audit row per run in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS exact_mappings (
	inventory_checksum TEXT NOT NULL,
	source_key         TEXT NOT NULL,
	target_field_key   TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	PRIMARY KEY (inventory_checksum, source_key)
);
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	program       TEXT NOT NULL,
	location      TEXT NOT NULL,
	status        INTEGER NOT NULL,
	state         TEXT NOT NULL,
	success       INTEGER NOT NULL,
	error_tag     TEXT NOT NULL DEFAULT '',
	fields_filled INTEGER NOT NULL,
	total_fields  INTEGER NOT NULL,
	unresolved    INTEGER NOT NULL,
	degraded      INTEGER NOT NULL,
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started ON runs(started_at);
`

// Store owns the database handle shared by the mapping and audit views.
type Store struct {
	db       *sql.DB
	Mappings *MappingStore
	Audit    *AuditStore
}

// Open creates or opens the database at path and applies the schema.
// ":memory:" is accepted for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// One writer at a time; runs are sequential anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: exec schema: %w", err)
	}
	logger.Debug("Store opened", zap.String("path", path))
	return &Store{
		db:       db,
		Mappings: &MappingStore{db: db, logger: logger},
		Audit:    &AuditStore{db: db},
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// MappingStore remembers source->target pairs per inventory checksum.
type MappingStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Lookup returns the target previously saved for sourceKey against the
// inventory identified by checksum.
func (m *MappingStore) Lookup(ctx context.Context, checksum, sourceKey string) (string, bool, error) {
	var target string
	err := m.db.QueryRowContext(ctx,
		`SELECT target_field_key FROM exact_mappings WHERE inventory_checksum = ? AND source_key = ?`,
		checksum, sourceKey).Scan(&target)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup exact mapping: %w", err)
	}
	return target, true, nil
}

// Save upserts pairs (source -> target) for checksum in one transaction.
func (m *MappingStore) Save(ctx context.Context, checksum string, pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO exact_mappings (inventory_checksum, source_key, target_field_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (inventory_checksum, source_key) DO UPDATE SET
			target_field_key = excluded.target_field_key,
			created_at = excluded.created_at`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for src, dst := range pairs {
		if _, err := stmt.ExecContext(ctx, checksum, src, dst, now); err != nil {
			return fmt.Errorf("save mapping %s: %w", src, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	m.logger.Debug("Exact mappings saved", zap.String("checksum", checksum), zap.Int("count", len(pairs)))
	return nil
}

// Count returns the number of pairs stored for checksum.
func (m *MappingStore) Count(ctx context.Context, checksum string) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exact_mappings WHERE inventory_checksum = ?`, checksum).Scan(&n)
	return n, err
}

// Run is one audit row.
type Run struct {
	ID           string    `json:"id"`
	Program      string    `json:"program"`
	Location     string    `json:"location"`
	Status       int       `json:"status"`
	State        string    `json:"state"`
	Success      bool      `json:"success"`
	ErrorTag     string    `json:"errorTag,omitempty"`
	FieldsFilled int       `json:"fieldsFilled"`
	TotalFields  int       `json:"totalFields"`
	Unresolved   int       `json:"unresolved"`
	Degraded     bool      `json:"degraded"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// AuditStore records one row per run.
type AuditStore struct {
	db *sql.DB
}

func (a *AuditStore) RecordRun(ctx context.Context, r Run) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO runs (id, program, location, status, state, success, error_tag,
			fields_filled, total_fields, unresolved, degraded, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Program, r.Location, r.Status, r.State, boolInt(r.Success), r.ErrorTag,
		r.FieldsFilled, r.TotalFields, r.Unresolved, boolInt(r.Degraded),
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (a *AuditStore) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, program, location, status, state, success, error_tag,
			fields_filled, total_fields, unresolved, degraded, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			success, degraded int
			started, finished string
		)
		if err := rows.Scan(&r.ID, &r.Program, &r.Location, &r.Status, &r.State, &success, &r.ErrorTag,
			&r.FieldsFilled, &r.TotalFields, &r.Unresolved, &degraded, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Success = success != 0
		r.Degraded = degraded != 0
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
