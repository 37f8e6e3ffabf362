package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const runColumns = `id, created_at, goal, table_name, mode, stop_reason, result, row_count, iterations, tool_calls, duration_ms, error`

// SaveRun records a finished run.
func (s *Store) SaveRun(ctx context.Context, r Run) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, createdAt.UTC().Format(time.RFC3339Nano), r.Goal, r.TableName, r.Mode, r.StopReason,
		r.Result, r.Rows, r.Iterations, r.ToolCalls, r.DurationMs, r.Error,
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun returns the run with the given ID or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	return r, err
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var r Run
	var createdAt string
	err := sc.Scan(&r.ID, &createdAt, &r.Goal, &r.TableName, &r.Mode, &r.StopReason,
		&r.Result, &r.Rows, &r.Iterations, &r.ToolCalls, &r.DurationMs, &r.Error)
	if err != nil {
		return Run{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Run{}, fmt.Errorf("parsing created_at for run %s: %w", r.ID, err)
	}
	r.CreatedAt = t
	return r, nil
}
