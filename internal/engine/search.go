package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lazypower/mnemo/internal/model"
)

// RetrieveResult is a single retrieval hit. Score is similarity * strength.
type RetrieveResult struct {
	Record     model.MemoryRecord `json:"record"`
	Similarity float64            `json:"similarity"`
	Score      float64            `json:"score"`
}

// RetrieveQuery selects records by similarity. Either Text or Embedding is
// required; Text is embedded with the configured embedder.
type RetrieveQuery struct {
	Text          string       `json:"text"`
	Embedding     []float64    `json:"embedding,omitempty"`
	Tiers         []model.Tier `json:"tiers,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	MinSimilarity float64      `json:"min_similarity" validate:"gte=0,lte=1"`
	Limit         int          `json:"limit" validate:"gte=0,lte=100"`
	// WeightByStrength ranks by Score instead of raw similarity, so faded
	// records sink below fresher, slightly less similar ones.
	WeightByStrength bool `json:"weight_by_strength"`
}

func (q RetrieveQuery) limit() int {
	if q.Limit <= 0 {
		return 10
	}
	return q.Limit
}

// overfetch widens the candidate set before strength re-ranking.
const overfetch = 3

// Retrieve returns the records most similar to the query, ranked by
// similarity, or by similarity * strength when the query asks for it. Every
// returned record counts as accessed.
func (e *Engine) Retrieve(ctx context.Context, q RetrieveQuery) ([]RetrieveResult, error) {
	if err := validate.Struct(q); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	for _, t := range q.Tiers {
		if !model.ValidTiers[t] {
			return nil, fmt.Errorf("%w: tier %q", model.ErrInvalid, t)
		}
	}

	queryVec := q.Embedding
	if len(queryVec) == 0 {
		if q.Text == "" {
			return nil, fmt.Errorf("%w: query needs text or an embedding", model.ErrInvalid)
		}
		if e.Embedder == nil {
			return nil, fmt.Errorf("retrieve: no embedder configured: %w", model.ErrEmbeddingMissing)
		}
		vec, err := e.Embedder.Embed(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		queryVec = vec
	}

	limit := q.limit()
	fetch := limit
	if q.WeightByStrength {
		fetch = limit * overfetch
	}
	scored, err := e.Records.SimilaritySearch(ctx, queryVec, fetch, q.MinSimilarity, model.Filter{
		Tiers: q.Tiers,
		Tags:  q.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	results := make([]RetrieveResult, 0, len(scored))
	for _, s := range scored {
		results = append(results, RetrieveResult{
			Record:     s.Record,
			Similarity: s.Similarity,
			Score:      s.Similarity * s.Record.Strength,
		})
	}
	rank := func(r RetrieveResult) float64 { return r.Similarity }
	if q.WeightByStrength {
		rank = func(r RetrieveResult) float64 { return r.Score }
	}
	sort.SliceStable(results, func(i, j int) bool {
		if ri, rj := rank(results[i]), rank(results[j]); ri != rj {
			return ri > rj
		}
		return results[i].Record.ID < results[j].Record.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	// Retrieval counts as access
	at := e.now()
	for _, r := range results {
		if err := e.Records.RecordAccess(ctx, r.Record.ID, at); err != nil {
			e.log.Warn("retrieve: record access failed", zap.String("record_id", r.Record.ID), zap.Error(err))
		}
	}
	return results, nil
}
