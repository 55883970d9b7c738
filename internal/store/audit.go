package store

import (
	"context"
	"time"

	"github.com/lazypower/mnemo/internal/model"
)

// AppendAudit writes privacy gate decisions in one transaction.
func (db *DB) AppendAudit(ctx context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.Unavailable("append audit", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, e := range entries {
		created := now
		if !e.CreatedAt.IsZero() {
			created = e.CreatedAt.UnixMilli()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO share_audit (session_id, pattern_id, decision, reason, scope, epsilon, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.SessionID, e.PatternID, e.Decision, string(e.Reason), string(e.Scope), e.Epsilon, created); err != nil {
			return model.Unavailable("append audit", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Unavailable("append audit", err)
	}
	return nil
}

// ListAudit returns a session's decisions in the order they were made.
// An empty sessionID lists every session.
func (db *DB) ListAudit(ctx context.Context, sessionID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, session_id, pattern_id, decision, reason, scope, epsilon, created_at FROM share_audit`
	var args []any
	if sessionID != "" {
		q += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY id LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, model.Unavailable("list audit", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var reason, scope string
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.PatternID, &e.Decision, &reason, &scope, &e.Epsilon, &created); err != nil {
			return nil, model.Unavailable("scan audit", err)
		}
		e.Reason = model.Reason(reason)
		e.Scope = model.Scope(scope)
		e.CreatedAt = fromMillis(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Unavailable("list audit", err)
	}
	return entries, nil
}
