package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/mnemo/internal/model"
)

// budgetTolerance absorbs float rounding in cumulative epsilon sums.
const budgetTolerance = 1e-9

func scanBudget(s scanner) (model.PrivacyBudget, error) {
	var b model.PrivacyBudget
	var startedAt int64
	err := s.Scan(&b.SessionID, &b.CumulativeEpsilon, &b.Ceiling, &startedAt)
	b.SessionStart = fromMillis(startedAt)
	return b, err
}

// StartPrivacySession closes any active session and opens a new one with a
// zero budget.
func (db *DB) StartPrivacySession(ctx context.Context, ceiling float64, at time.Time) (*model.PrivacyBudget, error) {
	if ceiling <= 0 {
		return nil, fmt.Errorf("%w: ceiling must be positive", model.ErrInvalid)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, model.Unavailable("start privacy session", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE privacy_sessions SET status = 'closed', ended_at = ? WHERE status = 'active'
	`, at.UnixMilli()); err != nil {
		return nil, model.Unavailable("start privacy session", err)
	}

	b := model.PrivacyBudget{
		SessionID:    uuid.NewString(),
		Ceiling:      ceiling,
		SessionStart: at.UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO privacy_sessions (session_id, cumulative_epsilon, ceiling, status, started_at)
		VALUES (?, 0, ?, 'active', ?)
	`, b.SessionID, b.Ceiling, at.UnixMilli()); err != nil {
		return nil, model.Unavailable("start privacy session", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, model.Unavailable("start privacy session", err)
	}
	return &b, nil
}

// ActivePrivacySession returns the open session, or nil if none.
func (db *DB) ActivePrivacySession(ctx context.Context) (*model.PrivacyBudget, error) {
	row := db.QueryRowContext(ctx, `
		SELECT session_id, cumulative_epsilon, ceiling, started_at FROM privacy_sessions
		WHERE status = 'active' ORDER BY started_at DESC LIMIT 1
	`)
	b, err := scanBudget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("active privacy session", err)
	}
	return &b, nil
}

// GetPrivacySession returns a session by id, or nil if not found.
func (db *DB) GetPrivacySession(ctx context.Context, sessionID string) (*model.PrivacyBudget, error) {
	row := db.QueryRowContext(ctx, `
		SELECT session_id, cumulative_epsilon, ceiling, started_at FROM privacy_sessions
		WHERE session_id = ?
	`, sessionID)
	b, err := scanBudget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("get privacy session", err)
	}
	return &b, nil
}

// ChargeBudget adds epsilon to an active session only if the result stays
// within the ceiling. The check and the add are one conditional UPDATE. A
// closed session fails with model.ErrSessionClosed whatever its balance.
func (db *DB) ChargeBudget(ctx context.Context, sessionID string, epsilon float64) (*model.PrivacyBudget, error) {
	if epsilon <= 0 {
		return nil, fmt.Errorf("%w: epsilon must be positive", model.ErrInvalid)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE privacy_sessions SET cumulative_epsilon = cumulative_epsilon + ?
		WHERE session_id = ? AND status = 'active' AND cumulative_epsilon + ? <= ceiling + ?
	`, epsilon, sessionID, epsilon, budgetTolerance)
	if err != nil {
		return nil, model.Unavailable("charge budget", err)
	}
	n, _ := res.RowsAffected()

	b, err := db.GetPrivacySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("privacy session %s: %w", sessionID, model.ErrNotFound)
	}
	if n == 0 {
		var status string
		if err := db.QueryRowContext(ctx, "SELECT status FROM privacy_sessions WHERE session_id = ?", sessionID).Scan(&status); err != nil {
			return nil, model.Unavailable("charge budget", err)
		}
		if status != "active" {
			return b, fmt.Errorf("session %s: %w", sessionID, model.ErrSessionClosed)
		}
		return b, fmt.Errorf("session %s: %.4f + %.4f > %.4f: %w",
			sessionID, b.CumulativeEpsilon, epsilon, b.Ceiling, model.ErrPrivacyBudgetExceeded)
	}
	return b, nil
}
