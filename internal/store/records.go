package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/mnemo/internal/model"
	"github.com/lazypower/mnemo/internal/vector"
)

const recordColumns = `
	r.id, r.tier, r.content, r.strength, r.importance, r.access_count, r.total_accesses,
	r.archived, r.decayed_at, r.associated_at, COALESCE(r.source_id, ''), COALESCE(r.promoted_to, ''),
	r.tags, r.metadata, r.created_at, r.last_accessed_at, v.embedding, COALESCE(v.model, '')`

const recordFrom = `FROM records r LEFT JOIN record_vectors v ON v.record_id = r.id`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (model.MemoryRecord, error) {
	var r model.MemoryRecord
	var (
		tier                  string
		archived              int
		decayedAt, associated sql.NullInt64
		tagsJSON, metaJSON    string
		createdAt, accessedAt int64
		blob                  []byte
	)
	err := s.Scan(&r.ID, &tier, &r.Content, &r.Strength, &r.Importance, &r.AccessCount, &r.TotalAccesses,
		&archived, &decayedAt, &associated, &r.SourceID, &r.PromotedTo,
		&tagsJSON, &metaJSON, &createdAt, &accessedAt, &blob, &r.EmbeddingModel)
	if err != nil {
		return r, err
	}
	r.Tier = model.Tier(tier)
	r.Archived = archived != 0
	r.DecayedAt = fromNullMillis(decayedAt)
	r.AssociatedAt = fromNullMillis(associated)
	r.CreatedAt = fromMillis(createdAt)
	r.LastAccessedAt = fromMillis(accessedAt)
	r.Embedding = decodeEmbedding(blob)
	if err := json.Unmarshal([]byte(tagsJSON), &r.Tags); err != nil {
		return r, fmt.Errorf("decode tags for %s: %w", r.ID, err)
	}
	meta, err := model.UpgradeMetadata([]byte(metaJSON))
	if err != nil {
		return r, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
	}
	r.Metadata = meta
	return r, nil
}

// prepareRecord fills defaults and validates a record before it is written.
func prepareRecord(r *model.MemoryRecord) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.LastAccessedAt.IsZero() {
		r.LastAccessedAt = r.CreatedAt
	}
	if r.ID == "" {
		r.ID = model.NewID(r.CreatedAt)
	}
	if r.Tier == "" {
		r.Tier = model.TierWorking
	}
	if !model.ValidTiers[r.Tier] {
		return fmt.Errorf("%w: tier %q", model.ErrInvalid, r.Tier)
	}
	if r.Metadata.Kind == "" {
		r.Metadata = model.NewInteractionMetadata("", nil)
	}
	if err := r.Metadata.Validate(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	r.Strength = model.ClampStrength(r.Strength)
	r.Tags = model.NormalizeTags(r.Tags)
	return nil
}

func insertRecord(ctx context.Context, q execer, r *model.MemoryRecord) error {
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	if r.Tags == nil {
		tags = []byte("[]")
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO records (id, tier, content, strength, importance, access_count, total_accesses,
			archived, decayed_at, associated_at, source_id, promoted_to, tags, metadata, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier,
			content = excluded.content,
			strength = excluded.strength,
			importance = excluded.importance,
			access_count = excluded.access_count,
			total_accesses = excluded.total_accesses,
			archived = excluded.archived,
			decayed_at = excluded.decayed_at,
			associated_at = excluded.associated_at,
			source_id = excluded.source_id,
			promoted_to = excluded.promoted_to,
			tags = excluded.tags,
			metadata = excluded.metadata,
			last_accessed_at = excluded.last_accessed_at
	`, r.ID, string(r.Tier), r.Content, r.Strength, r.Importance, r.AccessCount, r.TotalAccesses,
		boolInt(r.Archived), nullMillis(r.DecayedAt), nullMillis(r.AssociatedAt), r.SourceID, r.PromotedTo,
		string(tags), string(meta), toMillis(r.CreatedAt), toMillis(r.LastAccessedAt))
	if err != nil {
		return err
	}

	if len(r.Embedding) > 0 {
		modelName := r.EmbeddingModel
		if modelName == "" {
			modelName = "external"
		}
		if err := saveVector(ctx, q, r.ID, r.Embedding, modelName); err != nil {
			return fmt.Errorf("save vector: %w", err)
		}
	}
	return nil
}

// Upsert inserts or replaces a record and its embedding, returning its id.
// An empty id is assigned a ULID derived from CreatedAt.
func (db *DB) Upsert(ctx context.Context, r *model.MemoryRecord) (string, error) {
	if err := prepareRecord(r); err != nil {
		return "", err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", model.Unavailable("upsert record", err)
	}
	if err := insertRecord(ctx, tx, r); err != nil {
		tx.Rollback()
		return "", model.Unavailable("upsert record", err)
	}
	if err := tx.Commit(); err != nil {
		return "", model.Unavailable("upsert record", err)
	}
	return r.ID, nil
}

// GetRecord returns a record by id, or nil if not found.
func (db *DB) GetRecord(ctx context.Context, id string) (*model.MemoryRecord, error) {
	row := db.QueryRowContext(ctx, "SELECT "+recordColumns+" "+recordFrom+" WHERE r.id = ?", id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("get record", err)
	}
	return &r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func buildRecordFilter(f model.Filter) (string, []any) {
	var clauses []string
	var args []any

	if !f.IncludeArchived {
		clauses = append(clauses, "r.archived = 0")
	}
	if len(f.IDs) > 0 {
		clauses = append(clauses, "r.id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.Tiers) > 0 {
		clauses = append(clauses, "r.tier IN ("+placeholders(len(f.Tiers))+")")
		for _, t := range f.Tiers {
			args = append(args, string(t))
		}
	}
	if tags := model.NormalizeTags(f.Tags); len(tags) > 0 {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(r.tags) WHERE json_each.value IN ("+placeholders(len(tags))+"))")
		for _, t := range tags {
			args = append(args, t)
		}
	}
	if !f.CreatedAfter.IsZero() {
		clauses = append(clauses, "r.created_at >= ?")
		args = append(args, f.CreatedAfter.UnixMilli())
	}
	if !f.CreatedBefore.IsZero() {
		clauses = append(clauses, "r.created_at < ?")
		args = append(args, f.CreatedBefore.UnixMilli())
	}
	if !f.AccessedAfter.IsZero() {
		clauses = append(clauses, "r.last_accessed_at >= ?")
		args = append(args, f.AccessedAfter.UnixMilli())
	}
	if !f.AccessedBefore.IsZero() {
		clauses = append(clauses, "r.last_accessed_at < ?")
		args = append(args, f.AccessedBefore.UnixMilli())
	}
	if !f.DecayedBefore.IsZero() {
		clauses = append(clauses, "(r.decayed_at IS NULL OR r.decayed_at < ?)")
		args = append(args, f.DecayedBefore.UnixMilli())
	}
	if f.Unassociated {
		clauses = append(clauses, "r.associated_at IS NULL")
	}
	if f.MinAccessCount > 0 {
		clauses = append(clauses, "r.access_count >= ?")
		args = append(args, f.MinAccessCount)
	}
	if f.Unpromoted {
		if f.ClaimStaleBefore.IsZero() {
			clauses = append(clauses, "r.promoted_to IS NULL AND r.promoting = 0")
		} else {
			clauses = append(clauses, "r.promoted_to IS NULL AND (r.promoting = 0 OR r.promoting_at IS NULL OR r.promoting_at < ?)")
			args = append(args, f.ClaimStaleBefore.UnixMilli())
		}
	}
	if f.StrengthBelow > 0 {
		clauses = append(clauses, "r.strength < ?")
		args = append(args, f.StrengthBelow)
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	return where, args
}

// Query returns records matching the filter, ordered by creation time then id.
func (db *DB) Query(ctx context.Context, f model.Filter) ([]model.MemoryRecord, error) {
	where, args := buildRecordFilter(f)
	q := "SELECT " + recordColumns + " " + recordFrom + where + " ORDER BY r.created_at, r.id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, model.Unavailable("query records", err)
	}
	defer rows.Close()

	var records []model.MemoryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, model.Unavailable("scan record", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Unavailable("query records", err)
	}
	return records, nil
}

// SimilaritySearch returns up to topK records matching the filter whose
// embedding has cosine similarity >= minSimilarity to the query, best first.
func (db *DB) SimilaritySearch(ctx context.Context, embedding []float64, topK int, minSimilarity float64, f model.Filter) ([]model.ScoredRecord, error) {
	if len(embedding) == 0 {
		return nil, model.ErrEmbeddingMissing
	}
	f.Limit = 0
	records, err := db.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	return RankBySimilarity(records, embedding, topK, minSimilarity), nil
}

// RankBySimilarity scores records against a query embedding. Records without a
// matching embedding are ignored. Ties break on id.
func RankBySimilarity(records []model.MemoryRecord, embedding []float64, topK int, minSimilarity float64) []model.ScoredRecord {
	var scored []model.ScoredRecord
	for _, r := range records {
		if !r.HasEmbedding(len(embedding)) {
			continue
		}
		sim := vector.Cosine(embedding, r.Embedding)
		if sim < minSimilarity {
			continue
		}
		scored = append(scored, model.ScoredRecord{Record: r, Similarity: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Record.ID < scored[j].Record.ID
	})
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// BatchUpdateStrength applies strength updates in one transaction and returns
// the number of records changed.
func (db *DB) BatchUpdateStrength(ctx context.Context, updates []model.StrengthUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.Unavailable("batch update strength", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE records SET
			strength = ?,
			decayed_at = COALESCE(?, decayed_at),
			access_count = CASE WHEN ? = 1 THEN 0 ELSE access_count END
		WHERE id = ?
	`)
	if err != nil {
		tx.Rollback()
		return 0, model.Unavailable("batch update strength", err)
	}
	defer stmt.Close()

	updated := 0
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, model.ClampStrength(u.Strength), nullMillis(u.DecayedAt), boolInt(u.ResetAccessCount), u.ID)
		if err != nil {
			tx.Rollback()
			return 0, model.Unavailable("batch update strength", fmt.Errorf("record %s: %w", u.ID, err))
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, model.Unavailable("batch update strength", err)
	}
	return updated, nil
}

// RecordAccess bumps a record's access counters and last access time.
func (db *DB) RecordAccess(ctx context.Context, id string, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE records SET access_count = access_count + 1, total_accesses = total_accesses + 1,
			last_accessed_at = ?
		WHERE id = ?
	`, at.UnixMilli(), id)
	if err != nil {
		return model.Unavailable("record access", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// SetTier moves a record to another tier in place.
func (db *DB) SetTier(ctx context.Context, id string, tier model.Tier) error {
	if !model.ValidTiers[tier] {
		return fmt.Errorf("%w: tier %q", model.ErrInvalid, tier)
	}
	res, err := db.ExecContext(ctx, "UPDATE records SET tier = ? WHERE id = ?", string(tier), id)
	if err != nil {
		return model.Unavailable("set tier", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// ClaimPromotion marks a record as being promoted by a claim taken at at. A
// claim older than staleBefore is treated as abandoned and taken over. It
// reports false when the record is promoted or holds a live claim.
func (db *DB) ClaimPromotion(ctx context.Context, id string, at, staleBefore time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE records SET promoting = 1, promoting_at = ?
		WHERE id = ? AND promoted_to IS NULL
		  AND (promoting = 0 OR promoting_at IS NULL OR promoting_at < ?)
	`, at.UnixMilli(), id, staleBefore.UnixMilli())
	if err != nil {
		return false, model.Unavailable("claim promotion", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompletePromotion writes the promoted record and links the source to it.
// It fails with model.ErrClaimLost unless the claim taken at claimedAt still
// holds.
func (db *DB) CompletePromotion(ctx context.Context, sourceID string, claimedAt time.Time, promoted *model.MemoryRecord) (string, error) {
	if err := prepareRecord(promoted); err != nil {
		return "", err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", model.Unavailable("complete promotion", err)
	}
	if err := insertRecord(ctx, tx, promoted); err != nil {
		tx.Rollback()
		return "", model.Unavailable("complete promotion", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE records SET promoted_to = ?, promoting = 0, promoting_at = NULL
		WHERE id = ? AND promoting = 1 AND promoting_at = ?
	`, promoted.ID, sourceID, claimedAt.UnixMilli())
	if err != nil {
		tx.Rollback()
		return "", model.Unavailable("complete promotion", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return "", fmt.Errorf("record %s: %w", sourceID, model.ErrClaimLost)
	}
	if err := tx.Commit(); err != nil {
		return "", model.Unavailable("complete promotion", err)
	}
	return promoted.ID, nil
}

// ReleasePromotion drops the claim taken at claimedAt without promoting. A
// claim since taken over by another promoter is left alone.
func (db *DB) ReleasePromotion(ctx context.Context, id string, claimedAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE records SET promoting = 0, promoting_at = NULL
		WHERE id = ? AND promoted_to IS NULL AND promoting_at = ?
	`, id, claimedAt.UnixMilli())
	if err != nil {
		return model.Unavailable("release promotion", err)
	}
	return nil
}

// SetArchived archives the given records and returns how many changed.
func (db *DB) SetArchived(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := db.ExecContext(ctx,
		"UPDATE records SET archived = 1 WHERE archived = 0 AND id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return 0, model.Unavailable("set archived", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkAssociated records that the association step has processed these records.
func (db *DB) MarkAssociated(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{at.UnixMilli()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := db.ExecContext(ctx,
		"UPDATE records SET associated_at = ? WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return model.Unavailable("mark associated", err)
	}
	return nil
}

// CountByTier returns the number of live records per tier.
func (db *DB) CountByTier(ctx context.Context) (model.TierCounts, error) {
	rows, err := db.QueryContext(ctx, "SELECT tier, COUNT(*) FROM records WHERE archived = 0 GROUP BY tier")
	if err != nil {
		return nil, model.Unavailable("count records", err)
	}
	defer rows.Close()

	counts := model.TierCounts{}
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, model.Unavailable("count records", err)
		}
		counts[model.Tier(tier)] = n
	}
	return counts, rows.Err()
}
