package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/comfyq/comfyq/pkg/api"
)

// Store is a SQLite-backed journal of scheduler runs and task outcomes.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// BeginRun inserts a pending run row and returns its id.
func (s *Store) BeginRun(ctx context.Context, total int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (started_at, status, total) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), api.RunRunning, total)
	if err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun stamps the run with its final status and counts.
func (s *Store) FinishRun(ctx context.Context, id int64, succeeded, failed int) error {
	status := api.RunSucceeded
	if failed > 0 {
		status = api.RunFailed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, succeeded = ?, failed = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), status, succeeded, failed, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecordOutcome appends one task outcome under a run.
func (s *Store) RecordOutcome(ctx context.Context, o api.TaskOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_results (run_id, name, handle, attempts, error) VALUES (?, ?, ?, ?, ?)`,
		o.RunID, o.Name, o.Handle, o.Attempts, o.Error)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]api.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, COALESCE(finished_at, ''), status, total, succeeded, failed
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []api.RunSummary
	for rows.Next() {
		var r api.RunSummary
		var started, finished string
		if err := rows.Scan(&r.ID, &started, &finished, &r.Status, &r.Total, &r.Succeeded, &r.Failed); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Outcomes returns the task outcomes for a run.
func (s *Store) Outcomes(ctx context.Context, runID int64) ([]api.TaskOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, name, handle, attempts, error FROM task_results WHERE run_id = ? ORDER BY rowid`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()
	var out []api.TaskOutcome
	for rows.Next() {
		var o api.TaskOutcome
		if err := rows.Scan(&o.RunID, &o.Name, &o.Handle, &o.Attempts, &o.Error); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
