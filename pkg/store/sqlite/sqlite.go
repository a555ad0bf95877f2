package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/devbox/pkg/store"
)

// Store implements store.RunStore using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.RunStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		command TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Create(ctx context.Context, run *store.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	args, err := json.Marshal(run.Args)
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, command, args, status, url, exit_code, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.Command, string(args), run.Status, run.URL,
		nullableInt(run.ExitCode), run.Error, run.StartedAt, nullableTime(run.FinishedAt),
	)
	return err
}

func (s *Store) Update(ctx context.Context, run *store.Run) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, url=?, exit_code=?, error=?, finished_at=? WHERE id=?`,
		run.Status, run.URL, nullableInt(run.ExitCode), run.Error, nullableTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, store.ErrNotFound)
	}
	return nil
}

const selectRuns = `SELECT id, kind, command, args, status, url, exit_code, error, started_at, finished_at FROM runs`

func (s *Store) Get(ctx context.Context, id string) (*store.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return run, err
}

func (s *Store) List(ctx context.Context, limit int) ([]store.Run, error) {
	query := selectRuns + ` ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*store.Run, error) {
	var (
		run      store.Run
		args     string
		exitCode sql.NullInt64
		finished sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.Kind, &run.Command, &args, &run.Status, &run.URL,
		&exitCode, &run.Error, &run.StartedAt, &finished,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &run.Args); err != nil {
		return nil, fmt.Errorf("decoding args of run %s: %w", run.ID, err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
