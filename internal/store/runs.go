package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/mnemo/internal/model"
)

// Run states as stored.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// CreateRun records the start of a consolidation run.
func (db *DB) CreateRun(ctx context.Context, id string, w model.Window, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO consolidation_runs (id, state, window_start, window_end, started_at)
		VALUES (?, 'running', ?, ?, ?)
	`, id, w.Start.UnixMilli(), w.End.UnixMilli(), at.UnixMilli())
	if err != nil {
		return model.Unavailable("create run", err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (db *DB) FinishRun(ctx context.Context, id, state string, report model.ConsolidationReport, runErr error, at time.Time) error {
	if state != RunCompleted && state != RunFailed {
		return fmt.Errorf("%w: run state %q", model.ErrInvalid, state)
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := db.ExecContext(ctx, `
		UPDATE consolidation_runs SET state = ?, report = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, state, string(body), msg, at.UnixMilli(), id)
	if err != nil {
		return model.Unavailable("finish run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, model.ErrNotFound)
	}
	return nil
}

const runColumns = `id, state, window_start, window_end, report, error, started_at, finished_at`

func scanRun(s scanner) (model.RunRecord, error) {
	var r model.RunRecord
	var ws, we, started int64
	var finished sql.NullInt64
	var report string
	if err := s.Scan(&r.ID, &r.State, &ws, &we, &report, &r.Error, &started, &finished); err != nil {
		return r, err
	}
	r.Window = model.Window{Start: fromMillis(ws), End: fromMillis(we)}
	r.StartedAt = fromMillis(started)
	r.FinishedAt = fromNullMillis(finished)
	if err := json.Unmarshal([]byte(report), &r.Report); err != nil {
		return r, fmt.Errorf("decode report for %s: %w", r.ID, err)
	}
	return r, nil
}

// LastCompletedRun returns the completed run with the latest window end, or nil.
func (db *DB) LastCompletedRun(ctx context.Context) (*model.RunRecord, error) {
	row := db.QueryRowContext(ctx, "SELECT "+runColumns+` FROM consolidation_runs
		WHERE state = 'completed' ORDER BY window_end DESC LIMIT 1`)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("last completed run", err)
	}
	return &r, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, "SELECT "+runColumns+" FROM consolidation_runs ORDER BY started_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, model.Unavailable("list runs", err)
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, model.Unavailable("scan run", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Unavailable("list runs", err)
	}
	return runs, nil
}
