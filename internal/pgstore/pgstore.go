// Package pgstore is a Postgres + pgvector record store. Similarity search runs
// in the database with the cosine distance operator.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/lazypower/mnemo/internal/model"
	"github.com/lazypower/mnemo/internal/vector"
)


// Store provides pgvector-backed record storage and search.
type Store struct {
	pool *pgxpool.Pool
	dims int
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, pgURL string, dims int) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, model.Unavailable("ping postgres", err)
	}

	return &Store{pool: pool, dims: dims}, nil
}

// Init creates the pgvector extension, tables and indexes if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	if s.dims <= 0 {
		return fmt.Errorf("%w: postgres store needs fixed embedding dimensions", model.ErrInvalid)
	}
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS mnemo_records (
			id               TEXT PRIMARY KEY,
			tier             TEXT NOT NULL CHECK (tier IN ('working', 'episodic', 'semantic')),
			content          TEXT NOT NULL DEFAULT '',
			strength         DOUBLE PRECISION NOT NULL CHECK (strength >= 0 AND strength <= 1),
			importance       DOUBLE PRECISION NOT NULL DEFAULT 5,
			access_count     INTEGER NOT NULL DEFAULT 0,
			total_accesses   INTEGER NOT NULL DEFAULT 0,
			archived         BOOLEAN NOT NULL DEFAULT FALSE,
			decayed_at       TIMESTAMPTZ,
			associated_at    TIMESTAMPTZ,
			source_id        TEXT,
			promoted_to      TEXT,
			promoting        BOOLEAN NOT NULL DEFAULT FALSE,
			promoting_at     TIMESTAMPTZ,
			tags             TEXT[] NOT NULL DEFAULT '{}',
			metadata         JSONB NOT NULL DEFAULT '{}',
			created_at       TIMESTAMPTZ NOT NULL,
			last_accessed_at TIMESTAMPTZ NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mnemo_record_vectors (
			record_id  TEXT PRIMARY KEY REFERENCES mnemo_records(id) ON DELETE CASCADE,
			embedding  vector(%d) NOT NULL,
			model      TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dims),
		"ALTER TABLE mnemo_records ADD COLUMN IF NOT EXISTS promoting_at TIMESTAMPTZ",
		"CREATE INDEX IF NOT EXISTS idx_mnemo_records_created ON mnemo_records(created_at, id)",
		"CREATE INDEX IF NOT EXISTS idx_mnemo_records_tier ON mnemo_records(tier, archived)",
		`CREATE INDEX IF NOT EXISTS idx_mnemo_vectors_hnsw
			ON mnemo_record_vectors USING hnsw (embedding vector_cosine_ops)
			WITH (m = 16, ef_construction = 64)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return model.Unavailable("init postgres", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const recordColumns = `
	r.id, r.tier, r.content, r.strength, r.importance, r.access_count, r.total_accesses,
	r.archived, r.decayed_at, r.associated_at, COALESCE(r.source_id, ''), COALESCE(r.promoted_to, ''),
	r.tags, r.metadata, r.created_at, r.last_accessed_at, v.embedding, COALESCE(v.model, '')`

const recordFrom = `FROM mnemo_records r LEFT JOIN mnemo_record_vectors v ON v.record_id = r.id`

func scanRecord(row pgx.Row, extra ...any) (model.MemoryRecord, error) {
	var r model.MemoryRecord
	var (
		tier      string
		meta      []byte
		embedding *pgvector.Vector
	)
	dest := []any{&r.ID, &tier, &r.Content, &r.Strength, &r.Importance, &r.AccessCount, &r.TotalAccesses,
		&r.Archived, &r.DecayedAt, &r.AssociatedAt, &r.SourceID, &r.PromotedTo,
		&r.Tags, &meta, &r.CreatedAt, &r.LastAccessedAt, &embedding, &r.EmbeddingModel}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return r, err
	}
	r.Tier = model.Tier(tier)
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastAccessedAt = r.LastAccessedAt.UTC()
	if embedding != nil {
		r.Embedding = vector.FromFloat32(embedding.Slice())
	}
	m, err := model.UpgradeMetadata(meta)
	if err != nil {
		return r, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
	}
	r.Metadata = m
	return r, nil
}

func prepare(r *model.MemoryRecord) error {
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
	if r.Tags == nil {
		r.Tags = []string{}
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func insertRecord(ctx context.Context, tx pgx.Tx, r *model.MemoryRecord) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO mnemo_records (id, tier, content, strength, importance, access_count, total_accesses,
			archived, decayed_at, associated_at, source_id, promoted_to, tags, metadata, created_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			tier = EXCLUDED.tier,
			content = EXCLUDED.content,
			strength = EXCLUDED.strength,
			importance = EXCLUDED.importance,
			access_count = EXCLUDED.access_count,
			total_accesses = EXCLUDED.total_accesses,
			archived = EXCLUDED.archived,
			decayed_at = EXCLUDED.decayed_at,
			associated_at = EXCLUDED.associated_at,
			source_id = EXCLUDED.source_id,
			promoted_to = EXCLUDED.promoted_to,
			tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata,
			last_accessed_at = EXCLUDED.last_accessed_at
	`, r.ID, string(r.Tier), r.Content, r.Strength, r.Importance, r.AccessCount, r.TotalAccesses,
		r.Archived, r.DecayedAt, r.AssociatedAt, nullString(r.SourceID), nullString(r.PromotedTo),
		r.Tags, meta, r.CreatedAt, r.LastAccessedAt)
	if err != nil {
		return err
	}

	if len(r.Embedding) > 0 {
		modelName := r.EmbeddingModel
		if modelName == "" {
			modelName = "external"
		}
		vec := pgvector.NewVector(vector.ToFloat32(r.Embedding))
		_, err = tx.Exec(ctx, `
			INSERT INTO mnemo_record_vectors (record_id, embedding, model, created_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (record_id) DO UPDATE
			SET embedding = EXCLUDED.embedding, model = EXCLUDED.model, created_at = now()
		`, r.ID, vec, modelName)
		if err != nil {
			return fmt.Errorf("insert embedding %s: %w", r.ID, err)
		}
	}
	return nil
}

// Upsert inserts or replaces a record and its embedding, returning its id.
func (s *Store) Upsert(ctx context.Context, r *model.MemoryRecord) (string, error) {
	if err := prepare(r); err != nil {
		return "", err
	}
	if len(r.Embedding) > 0 && len(r.Embedding) != s.dims {
		return "", fmt.Errorf("%w: embedding has %d dimensions, store expects %d", model.ErrInvalid, len(r.Embedding), s.dims)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", model.Unavailable("upsert record", err)
	}
	defer tx.Rollback(ctx)

	if err := insertRecord(ctx, tx, r); err != nil {
		return "", model.Unavailable("upsert record", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", model.Unavailable("upsert record", err)
	}
	return r.ID, nil
}

// GetRecord returns a record by id, or nil if not found.
func (s *Store) GetRecord(ctx context.Context, id string) (*model.MemoryRecord, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+recordColumns+" "+recordFrom+" WHERE r.id = $1", id)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("get record", err)
	}
	return &r, nil
}

// filterBuilder accumulates WHERE clauses with numbered placeholders.
type filterBuilder struct {
	clauses []string
	args    []any
}

func (b *filterBuilder) add(clause string, arg any) {
	b.args = append(b.args, arg)
	b.clauses = append(b.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(b.args))))
}

func (b *filterBuilder) where() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.clauses, " AND ")
}

func buildFilter(f model.Filter, b *filterBuilder) {
	if !f.IncludeArchived {
		b.clauses = append(b.clauses, "NOT r.archived")
	}
	if len(f.IDs) > 0 {
		b.add("r.id = ANY(?)", f.IDs)
	}
	if len(f.Tiers) > 0 {
		tiers := make([]string, len(f.Tiers))
		for i, t := range f.Tiers {
			tiers[i] = string(t)
		}
		b.add("r.tier = ANY(?)", tiers)
	}
	if tags := model.NormalizeTags(f.Tags); len(tags) > 0 {
		b.add("r.tags && ?", tags)
	}
	if !f.CreatedAfter.IsZero() {
		b.add("r.created_at >= ?", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		b.add("r.created_at < ?", f.CreatedBefore)
	}
	if !f.AccessedAfter.IsZero() {
		b.add("r.last_accessed_at >= ?", f.AccessedAfter)
	}
	if !f.AccessedBefore.IsZero() {
		b.add("r.last_accessed_at < ?", f.AccessedBefore)
	}
	if !f.DecayedBefore.IsZero() {
		b.add("(r.decayed_at IS NULL OR r.decayed_at < ?)", f.DecayedBefore)
	}
	if f.Unassociated {
		b.clauses = append(b.clauses, "r.associated_at IS NULL")
	}
	if f.MinAccessCount > 0 {
		b.add("r.access_count >= ?", f.MinAccessCount)
	}
	if f.Unpromoted {
		if f.ClaimStaleBefore.IsZero() {
			b.clauses = append(b.clauses, "r.promoted_to IS NULL AND NOT r.promoting")
		} else {
			b.add("r.promoted_to IS NULL AND (NOT r.promoting OR r.promoting_at IS NULL OR r.promoting_at < ?)", f.ClaimStaleBefore)
		}
	}
	if f.StrengthBelow > 0 {
		b.add("r.strength < ?", f.StrengthBelow)
	}
}

func (s *Store) collect(rows pgx.Rows, withSim bool) ([]model.ScoredRecord, error) {
	defer rows.Close()
	var out []model.ScoredRecord
	for rows.Next() {
		var sr model.ScoredRecord
		var extra []any
		if withSim {
			extra = append(extra, &sr.Similarity)
		}
		r, err := scanRecord(rows, extra...)
		if err != nil {
			return nil, model.Unavailable("scan record", err)
		}
		sr.Record = r
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Unavailable("query records", err)
	}
	return out, nil
}

// Query returns records matching the filter, ordered by creation time then id.
func (s *Store) Query(ctx context.Context, f model.Filter) ([]model.MemoryRecord, error) {
	var b filterBuilder
	buildFilter(f, &b)
	q := "SELECT " + recordColumns + " " + recordFrom + b.where() + " ORDER BY r.created_at, r.id"
	if f.Limit > 0 {
		b.args = append(b.args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(b.args))
	}

	rows, err := s.pool.Query(ctx, q, b.args...)
	if err != nil {
		return nil, model.Unavailable("query records", err)
	}
	scored, err := s.collect(rows, false)
	if err != nil {
		return nil, err
	}
	records := make([]model.MemoryRecord, len(scored))
	for i := range scored {
		records[i] = scored[i].Record
	}
	return records, nil
}

// SimilaritySearch ranks records by cosine similarity inside Postgres.
func (s *Store) SimilaritySearch(ctx context.Context, embedding []float64, topK int, minSimilarity float64, f model.Filter) ([]model.ScoredRecord, error) {
	if len(embedding) == 0 {
		return nil, model.ErrEmbeddingMissing
	}
	if len(embedding) != s.dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, store expects %d", model.ErrInvalid, len(embedding), s.dims)
	}
	if topK <= 0 {
		topK = 10
	}

	var b filterBuilder
	b.args = append(b.args, pgvector.NewVector(vector.ToFloat32(embedding)))
	b.clauses = append(b.clauses, "v.embedding IS NOT NULL")
	buildFilter(f, &b)
	b.add("1 - (v.embedding <=> $1) >= ?", minSimilarity)
	b.args = append(b.args, topK)

	q := "SELECT " + recordColumns + ", 1 - (v.embedding <=> $1) AS similarity " + recordFrom + b.where() +
		fmt.Sprintf(" ORDER BY v.embedding <=> $1, r.id LIMIT $%d", len(b.args))

	rows, err := s.pool.Query(ctx, q, b.args...)
	if err != nil {
		return nil, model.Unavailable("similarity search", err)
	}
	return s.collect(rows, true)
}

// BatchUpdateStrength applies strength updates in one transaction.
func (s *Store) BatchUpdateStrength(ctx context.Context, updates []model.StrengthUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, model.Unavailable("batch update strength", err)
	}
	defer tx.Rollback(ctx)

	updated := 0
	for _, u := range updates {
		tag, err := tx.Exec(ctx, `
			UPDATE mnemo_records SET
				strength = $1,
				decayed_at = COALESCE($2, decayed_at),
				access_count = CASE WHEN $3 THEN 0 ELSE access_count END
			WHERE id = $4
		`, model.ClampStrength(u.Strength), u.DecayedAt, u.ResetAccessCount, u.ID)
		if err != nil {
			return 0, model.Unavailable("batch update strength", fmt.Errorf("record %s: %w", u.ID, err))
		}
		updated += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, model.Unavailable("batch update strength", err)
	}
	return updated, nil
}

// RecordAccess bumps a record's access counters and last access time.
func (s *Store) RecordAccess(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mnemo_records SET access_count = access_count + 1, total_accesses = total_accesses + 1,
			last_accessed_at = $1
		WHERE id = $2
	`, at, id)
	if err != nil {
		return model.Unavailable("record access", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// SetTier moves a record to another tier in place.
func (s *Store) SetTier(ctx context.Context, id string, tier model.Tier) error {
	if !model.ValidTiers[tier] {
		return fmt.Errorf("%w: tier %q", model.ErrInvalid, tier)
	}
	tag, err := s.pool.Exec(ctx, "UPDATE mnemo_records SET tier = $1 WHERE id = $2", string(tier), id)
	if err != nil {
		return model.Unavailable("set tier", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// ClaimPromotion marks a record as being promoted by a claim taken at at,
// taking over claims older than staleBefore.
func (s *Store) ClaimPromotion(ctx context.Context, id string, at, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mnemo_records SET promoting = TRUE, promoting_at = $2
		WHERE id = $1 AND promoted_to IS NULL
		  AND (NOT promoting OR promoting_at IS NULL OR promoting_at < $3)
	`, id, at.UTC(), staleBefore.UTC())
	if err != nil {
		return false, model.Unavailable("claim promotion", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompletePromotion writes the promoted record and links the source to it
// while the claim taken at claimedAt still holds.
func (s *Store) CompletePromotion(ctx context.Context, sourceID string, claimedAt time.Time, promoted *model.MemoryRecord) (string, error) {
	if err := prepare(promoted); err != nil {
		return "", err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", model.Unavailable("complete promotion", err)
	}
	defer tx.Rollback(ctx)

	if err := insertRecord(ctx, tx, promoted); err != nil {
		return "", model.Unavailable("complete promotion", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE mnemo_records SET promoted_to = $1, promoting = FALSE, promoting_at = NULL
		WHERE id = $2 AND promoting AND promoting_at = $3
	`, promoted.ID, sourceID, claimedAt.UTC())
	if err != nil {
		return "", model.Unavailable("complete promotion", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("record %s: %w", sourceID, model.ErrClaimLost)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", model.Unavailable("complete promotion", err)
	}
	return promoted.ID, nil
}

// ReleasePromotion drops the claim taken at claimedAt without promoting.
func (s *Store) ReleasePromotion(ctx context.Context, id string, claimedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mnemo_records SET promoting = FALSE, promoting_at = NULL
		WHERE id = $1 AND promoted_to IS NULL AND promoting_at = $2
	`, id, claimedAt.UTC())
	if err != nil {
		return model.Unavailable("release promotion", err)
	}
	return nil
}

// SetArchived archives the given records and returns how many changed.
func (s *Store) SetArchived(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, "UPDATE mnemo_records SET archived = TRUE WHERE NOT archived AND id = ANY($1)", ids)
	if err != nil {
		return 0, model.Unavailable("set archived", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkAssociated records that the association step has processed these records.
func (s *Store) MarkAssociated(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, "UPDATE mnemo_records SET associated_at = $1 WHERE id = ANY($2)", at, ids)
	if err != nil {
		return model.Unavailable("mark associated", err)
	}
	return nil
}

// CountByTier returns the number of live records per tier.
func (s *Store) CountByTier(ctx context.Context) (model.TierCounts, error) {
	rows, err := s.pool.Query(ctx, "SELECT tier, COUNT(*) FROM mnemo_records WHERE NOT archived GROUP BY tier")
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
