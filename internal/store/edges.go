package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lazypower/mnemo/internal/model"
)

const edgeColumns = `from_concept, to_concept, strength, co_occurrence_count, activation_count, created_at, last_activated_at`

func scanEdge(s scanner) (model.AssociationEdge, error) {
	var e model.AssociationEdge
	var createdAt int64
	var activated sql.NullInt64
	err := s.Scan(&e.From, &e.To, &e.Strength, &e.CoOccurrenceCount, &e.ActivationCount, &createdAt, &activated)
	if err != nil {
		return e, err
	}
	e.CreatedAt = fromMillis(createdAt)
	e.LastActivatedAt = fromNullMillis(activated)
	return e, nil
}

// AddCoOccurrence adds delta to the co-occurrence count of from->to, creating
// the edge if needed, and recomputes its strength from the new count.
func (db *DB) AddCoOccurrence(ctx context.Context, from, to string, delta int, at time.Time) (*model.AssociationEdge, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, model.Unavailable("add co-occurrence", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		"SELECT co_occurrence_count FROM edges WHERE from_concept = ? AND to_concept = ?", from, to,
	).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return nil, model.Unavailable("add co-occurrence", err)
	}
	count += delta
	strength := model.EdgeStrength(count)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO edges (from_concept, to_concept, strength, co_occurrence_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_concept, to_concept) DO UPDATE SET
			strength = excluded.strength,
			co_occurrence_count = excluded.co_occurrence_count
	`, from, to, strength, count, at.UnixMilli())
	if err != nil {
		return nil, model.Unavailable("add co-occurrence", err)
	}

	row := tx.QueryRowContext(ctx, "SELECT "+edgeColumns+" FROM edges WHERE from_concept = ? AND to_concept = ?", from, to)
	e, err := scanEdge(row)
	if err != nil {
		return nil, model.Unavailable("add co-occurrence", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, model.Unavailable("add co-occurrence", err)
	}
	return &e, nil
}

// GetEdge returns the from->to edge, or nil if absent.
func (db *DB) GetEdge(ctx context.Context, from, to string) (*model.AssociationEdge, error) {
	row := db.QueryRowContext(ctx, "SELECT "+edgeColumns+" FROM edges WHERE from_concept = ? AND to_concept = ?", from, to)
	e, err := scanEdge(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("get edge", err)
	}
	return &e, nil
}

// EdgesFrom returns outgoing edges of concept with strength >= minStrength,
// ordered by strength desc, count desc, then target name.
func (db *DB) EdgesFrom(ctx context.Context, concept string, minStrength float64) ([]model.AssociationEdge, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+edgeColumns+` FROM edges
		WHERE from_concept = ? AND strength >= ?
		ORDER BY strength DESC, co_occurrence_count DESC, to_concept
	`, concept, minStrength)
	if err != nil {
		return nil, model.Unavailable("edges from", err)
	}
	defer rows.Close()

	var edges []model.AssociationEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, model.Unavailable("scan edge", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Unavailable("edges from", err)
	}
	return edges, nil
}

// EdgeKey identifies a directed edge.
type EdgeKey struct {
	From, To string
}

// TouchEdges increments the activation counter of each edge. Strength is untouched.
func (db *DB) TouchEdges(ctx context.Context, keys []EdgeKey, at time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.Unavailable("touch edges", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			UPDATE edges SET activation_count = activation_count + 1, last_activated_at = ?
			WHERE from_concept = ? AND to_concept = ?
		`, at.UnixMilli(), k.From, k.To); err != nil {
			return model.Unavailable("touch edges", fmt.Errorf("%s->%s: %w", k.From, k.To, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Unavailable("touch edges", err)
	}
	return nil
}

// CountEdges returns the number of edges in the graph.
func (db *DB) CountEdges(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM edges").Scan(&n); err != nil {
		return 0, model.Unavailable("count edges", err)
	}
	return n, nil
}
