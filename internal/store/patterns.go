package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/mnemo/internal/model"
)

const patternColumns = `id, centroid, source_record_ids, instance_count, strength, feature_summary,
	representative, votes_positive, votes_total, created_at, last_reinforced_at`

func scanPattern(s scanner) (model.PatternCluster, error) {
	var p model.PatternCluster
	var (
		blob                     []byte
		sourcesJSON, summaryJSON string
		createdAt, reinforcedAt  int64
	)
	err := s.Scan(&p.ID, &blob, &sourcesJSON, &p.InstanceCount, &p.Strength, &summaryJSON,
		&p.Representative, &p.VotesPositive, &p.VotesTotal, &createdAt, &reinforcedAt)
	if err != nil {
		return p, err
	}
	p.Centroid = decodeEmbedding(blob)
	p.CreatedAt = fromMillis(createdAt)
	p.LastReinforcedAt = fromMillis(reinforcedAt)
	if err := json.Unmarshal([]byte(sourcesJSON), &p.SourceRecordIDs); err != nil {
		return p, fmt.Errorf("decode sources for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(summaryJSON), &p.FeatureSummary); err != nil {
		return p, fmt.Errorf("decode summary for %s: %w", p.ID, err)
	}
	return p, nil
}

func writePattern(ctx context.Context, q execer, p *model.PatternCluster) error {
	sources, err := json.Marshal(p.SourceRecordIDs)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	summary, err := json.Marshal(p.FeatureSummary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if p.FeatureSummary == nil {
		summary = []byte("{}")
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO patterns (`+patternColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			centroid = excluded.centroid,
			source_record_ids = excluded.source_record_ids,
			instance_count = excluded.instance_count,
			strength = excluded.strength,
			feature_summary = excluded.feature_summary,
			representative = excluded.representative,
			votes_positive = excluded.votes_positive,
			votes_total = excluded.votes_total,
			last_reinforced_at = excluded.last_reinforced_at
	`, p.ID, encodeEmbedding(p.Centroid), string(sources), p.InstanceCount, model.ClampStrength(p.Strength),
		string(summary), p.Representative, p.VotesPositive, p.VotesTotal,
		toMillis(p.CreatedAt), toMillis(p.LastReinforcedAt))
	return err
}

func listPatterns(ctx context.Context, q querier) ([]model.PatternCluster, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+patternColumns+" FROM patterns ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []model.PatternCluster
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// ListPatterns returns every pattern, oldest first.
func (db *DB) ListPatterns(ctx context.Context) ([]model.PatternCluster, error) {
	patterns, err := listPatterns(ctx, db)
	if err != nil {
		return nil, model.Unavailable("list patterns", err)
	}
	return patterns, nil
}

func getPattern(ctx context.Context, q querier, id string) (*model.PatternCluster, error) {
	row := q.QueryRowContext(ctx, "SELECT "+patternColumns+" FROM patterns WHERE id = ?", id)
	p, err := scanPattern(row)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPattern returns a pattern by id, or nil if not found.
func (db *DB) GetPattern(ctx context.Context, id string) (*model.PatternCluster, error) {
	p, err := getPattern(ctx, db, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("get pattern", err)
	}
	return p, nil
}

// CreatePatternIfAbsent inserts p unless an existing pattern satisfies match.
// The check and the insert are serialized, so concurrent discoveries of the same
// group cannot both insert. When a match exists it is returned with false.
func (db *DB) CreatePatternIfAbsent(ctx context.Context, p *model.PatternCluster, match func(model.PatternCluster) bool) (*model.PatternCluster, bool, error) {
	if p.InstanceCount != len(p.SourceRecordIDs) {
		return nil, false, fmt.Errorf("%w: instance count %d != %d sources", model.ErrInvalid, p.InstanceCount, len(p.SourceRecordIDs))
	}

	db.patternMu.Lock()
	defer db.patternMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, model.Unavailable("create pattern", err)
	}
	defer tx.Rollback()

	existing, err := listPatterns(ctx, tx)
	if err != nil {
		return nil, false, model.Unavailable("create pattern", err)
	}
	for i := range existing {
		if match != nil && match(existing[i]) {
			return &existing[i], false, nil
		}
	}

	if p.ID == "" {
		p.ID = model.NewID(p.CreatedAt)
	}
	if err := writePattern(ctx, tx, p); err != nil {
		return nil, false, model.Unavailable("create pattern", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, model.Unavailable("create pattern", err)
	}
	return p, true, nil
}

// ReinforcePattern unions members into a pattern's sources, folds the new
// members' embeddings into the centroid and raises strength by boost. When no
// member is new the pattern is returned unchanged with added == 0.
func (db *DB) ReinforcePattern(ctx context.Context, id string, members map[string][]float64, boost float64, at time.Time) (*model.PatternCluster, int, error) {
	db.patternMu.Lock()
	defer db.patternMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, model.Unavailable("reinforce pattern", err)
	}
	defer tx.Rollback()

	p, err := getPattern(ctx, tx, id)
	if err == sql.ErrNoRows {
		return nil, 0, fmt.Errorf("pattern %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, 0, model.Unavailable("reinforce pattern", err)
	}

	var fresh []string
	for mid, emb := range members {
		if !p.HasSource(mid) && len(emb) == len(p.Centroid) {
			fresh = append(fresh, mid)
		}
	}
	if len(fresh) == 0 {
		return p, 0, nil
	}

	n := float64(p.InstanceCount)
	sum := make([]float64, len(p.Centroid))
	for i, c := range p.Centroid {
		sum[i] = c * n
	}
	for _, mid := range fresh {
		for i, x := range members[mid] {
			sum[i] += x
		}
	}

	added := p.UnionSources(fresh)
	for i := range sum {
		sum[i] /= float64(p.InstanceCount)
	}
	p.Centroid = sum
	p.Strength = model.ClampStrength(p.Strength + boost)
	p.LastReinforcedAt = at

	if err := writePattern(ctx, tx, p); err != nil {
		return nil, 0, model.Unavailable("reinforce pattern", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, model.Unavailable("reinforce pattern", err)
	}
	return p, added, nil
}

// VotePattern records feedback on a pattern.
func (db *DB) VotePattern(ctx context.Context, id string, positive bool) (*model.PatternCluster, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE patterns SET votes_total = votes_total + 1, votes_positive = votes_positive + ?
		WHERE id = ?
	`, boolInt(positive), id)
	if err != nil {
		return nil, model.Unavailable("vote pattern", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("pattern %s: %w", id, model.ErrNotFound)
	}
	return db.GetPattern(ctx, id)
}
