// Package store archives pipeline runs in SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/errors"
	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/internal/store/driver"
)

//go:embed schema/*.sql schema/postgres/*.sql
var schemaFS embed.FS

// RunRecord is one archived run.
type RunRecord struct {
	ID           int64
	Pipeline     string
	Branch       string
	Status       string
	FailingStage string
	ErrorKind    string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration returns the recorded wall-clock duration, zero if unfinished.
func (r RunRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store persists run records through a dialect-abstracted driver.
type Store struct {
	drv driver.Driver
}

// Open connects to the configured archive backend and applies pending
// migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	dialect, err := driver.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, errors.ErrConfigInvalid("database.driver", err.Error())
	}
	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}

	dsn := cfg.Path
	if dialect == driver.DialectPostgres {
		dsn = postgresDSN(cfg.Postgres)
	} else if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	if err := drv.Open(dsn); err != nil {
		return nil, err
	}
	if err := drv.Migrate(ctx, schemaFS, "archive"); err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}
	return &Store{drv: drv}, nil
}

func postgresDSN(pg config.PostgresConfig) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", pg.Host, pg.Port),
		Path:   "/" + pg.Database,
	}
	if pg.Password != "" {
		u.User = url.UserPassword(pg.User, pg.Password)
	} else {
		u.User = url.User(pg.User)
	}
	q := u.Query()
	if pg.SSLMode != "" {
		q.Set("sslmode", pg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.drv.Close()
}

// CreateRun inserts a pending run and returns its assigned ID.
func (s *Store) CreateRun(ctx context.Context, pipelineName, branch string) (int64, error) {
	if s.drv.Dialect() == driver.DialectPostgres {
		var id int64
		row := s.drv.QueryRow(ctx,
			"INSERT INTO runs (pipeline, branch) VALUES ($1, $2) RETURNING id",
			pipelineName, branch)
		if err := row.Scan(&id); err != nil {
			return 0, fmt.Errorf("insert run: %w", err)
		}
		return id, nil
	}

	res, err := s.drv.Exec(ctx,
		"INSERT INTO runs (pipeline, branch) VALUES (?, ?)",
		pipelineName, branch)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}
	return id, nil
}

// RecordResult writes a run's terminal state into its archive row.
func (s *Store) RecordResult(ctx context.Context, run *pipeline.Run) error {
	query := fmt.Sprintf(`UPDATE runs
		SET status = %s, failing_stage = %s, error_kind = %s, started_at = %s, finished_at = %s
		WHERE id = %s`,
		s.drv.Placeholder(1), s.drv.Placeholder(2), s.drv.Placeholder(3),
		s.drv.Placeholder(4), s.drv.Placeholder(5), s.drv.Placeholder(6))

	res, err := s.drv.Exec(ctx, query,
		string(run.Status), run.FailingStage, run.ErrorKind,
		formatTime(run.StartedAt), formatTime(run.FinishedAt), run.ID)
	if err != nil {
		return fmt.Errorf("update run %d: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.ErrRunNotFound(run.ID)
	}
	return nil
}

// GetRun loads one archived run.
func (s *Store) GetRun(ctx context.Context, id int64) (*RunRecord, error) {
	query := fmt.Sprintf(`SELECT id, pipeline, branch, status, failing_stage, error_kind,
		COALESCE(started_at, ''), COALESCE(finished_at, '')
		FROM runs WHERE id = %s`, s.drv.Placeholder(1))

	rec, err := scanRun(s.drv.QueryRow(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrRunNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT id, pipeline, branch, status, failing_stage, error_kind,
		COALESCE(started_at, ''), COALESCE(finished_at, '')
		FROM runs ORDER BY id DESC LIMIT %s`, s.drv.Placeholder(1))

	rows, err := s.drv.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []RunRecord
	for rows.Next() {
		rec, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row *sql.Row) (*RunRecord, error) {
	return scanRunRow(row)
}

func scanRunRow(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var started, finished string
	if err := row.Scan(&rec.ID, &rec.Pipeline, &rec.Branch, &rec.Status,
		&rec.FailingStage, &rec.ErrorKind, &started, &finished); err != nil {
		return nil, err
	}
	rec.StartedAt = parseTime(started)
	rec.FinishedAt = parseTime(finished)
	return &rec, nil
}

// Timestamps are stored as RFC3339 text so both dialects scan the same way.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
