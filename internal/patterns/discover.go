// Package patterns discovers recurring patterns by clustering record
// embeddings and persists them as pattern clusters.
package patterns

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/mnemo/internal/model"
	"github.com/lazypower/mnemo/internal/vector"
)

// RecordSource reads candidate records.
type RecordSource interface {
	Query(ctx context.Context, f model.Filter) ([]model.MemoryRecord, error)
}

// Store persists pattern clusters.
type Store interface {
	ListPatterns(ctx context.Context) ([]model.PatternCluster, error)
	CreatePatternIfAbsent(ctx context.Context, p *model.PatternCluster, match func(model.PatternCluster) bool) (*model.PatternCluster, bool, error)
	ReinforcePattern(ctx context.Context, id string, members map[string][]float64, boost float64, at time.Time) (*model.PatternCluster, int, error)
}

// Options tune a Discoverer.
type Options struct {
	// ReuseSimilarity is the centroid similarity at which a group reinforces an
	// existing pattern instead of creating one.
	ReuseSimilarity float64
	ReinforceBoost  float64
	// Dimensions fixes the embedding length. 0 takes it from the first
	// embedded record of each pass.
	Dimensions int

	Index    string
	LSHBits  int
	LSHBands int
	LSHSeed  uint64
}

// DefaultOptions match the configuration defaults.
func DefaultOptions() Options {
	return Options{
		ReuseSimilarity: 0.90,
		ReinforceBoost:  0.1,
		Index:           "exact",
		LSHBits:         8,
		LSHBands:        4,
		LSHSeed:         1,
	}
}

// Discoverer runs discovery passes over a time window.
type Discoverer struct {
	records RecordSource
	store   Store
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

// New creates a Discoverer. A nil logger discards output.
func New(records RecordSource, store Store, opts Options, log *zap.Logger) *Discoverer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Discoverer{
		records: records,
		store:   store,
		opts:    opts,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (d *Discoverer) SetClock(now func() time.Time) { d.now = now }

// Discover clusters the window's live records and creates or reinforces a
// pattern for every group with at least th.MinInstances members. Records
// without an embedding are skipped. An empty outcome carries a reason code
// instead of an error.
func (d *Discoverer) Discover(ctx context.Context, w model.Window, th model.DiscoveryThresholds) (model.DiscoveryResult, error) {
	var res model.DiscoveryResult
	if th.SimilarityThreshold <= 0 || th.SimilarityThreshold > 1 || th.MinInstances < 1 {
		return res, fmt.Errorf("%w: thresholds %+v", model.ErrInvalid, th)
	}

	records, err := d.records.Query(ctx, model.Filter{CreatedAfter: w.Start, CreatedBefore: w.End})
	if err != nil {
		return res, fmt.Errorf("discover: query window: %w", err)
	}

	embedded := d.embedded(records, &res)
	res.Considered = len(embedded)
	if len(embedded) == 0 {
		res.Reason = model.ReasonInsufficientData
		return res, nil
	}

	SortByCreation(embedded)
	idx := NewIndex(d.opts.Index, d.opts.LSHBits, d.opts.LSHBands, d.opts.LSHSeed)
	groups, err := Cluster(embedded, th.SimilarityThreshold, idx)
	if err != nil {
		return res, fmt.Errorf("discover: cluster: %w", err)
	}
	res.Groups = len(groups)

	existing, err := d.store.ListPatterns(ctx)
	if err != nil {
		return res, fmt.Errorf("discover: list patterns: %w", err)
	}

	for i := range groups {
		g := &groups[i]
		if len(g.Members) < th.MinInstances {
			continue
		}
		p, created, err := d.apply(ctx, g, existing)
		if err != nil {
			return res, err
		}
		switch {
		case p == nil:
		case created:
			existing = append(existing, *p)
			res.Created = append(res.Created, *p)
		default:
			res.Reinforced = append(res.Reinforced, *p)
		}
	}

	if res.Discovered() == 0 {
		res.Reason = model.ReasonInsufficientData
	}
	d.log.Info("patterns: discovery complete",
		zap.Int("considered", res.Considered),
		zap.Int("skipped", res.Skipped),
		zap.Int("groups", res.Groups),
		zap.Int("created", len(res.Created)),
		zap.Int("reinforced", len(res.Reinforced)))
	return res, nil
}

// embedded filters out records that cannot be clustered.
func (d *Discoverer) embedded(records []model.MemoryRecord, res *model.DiscoveryResult) []model.MemoryRecord {
	dims := d.opts.Dimensions
	if dims <= 0 {
		for i := range records {
			if records[i].HasEmbedding(0) {
				dims = len(records[i].Embedding)
				break
			}
		}
	}

	out := make([]model.MemoryRecord, 0, len(records))
	for _, r := range records {
		if !r.HasEmbedding(dims) {
			res.Skipped++
			d.log.Debug("patterns: skipping record",
				zap.String("record_id", r.ID),
				zap.String("reason", string(model.ReasonEmbeddingMissing)))
			continue
		}
		out = append(out, r)
	}
	return out
}

// apply reinforces the best matching pattern or creates a new one. A nil
// pattern means the group matched a pattern that already holds every member.
func (d *Discoverer) apply(ctx context.Context, g *Group, existing []model.PatternCluster) (*model.PatternCluster, bool, error) {
	now := d.now()
	if match := d.bestMatch(g.Centroid, existing); match != nil {
		p, err := d.reinforce(ctx, match.ID, g, now)
		return p, false, err
	}

	p := &model.PatternCluster{
		Centroid:         vector.Clone(g.Centroid),
		Strength:         meanStrength(g.Members),
		FeatureSummary:   Summarize(g.Members),
		Representative:   Representative(g.Members, g.Centroid),
		CreatedAt:        now,
		LastReinforcedAt: now,
	}
	p.UnionSources(g.IDs())
	p.ID = model.NewID(now)

	stored, created, err := d.store.CreatePatternIfAbsent(ctx, p, func(c model.PatternCluster) bool {
		return d.matches(g.Centroid, c.Centroid)
	})
	if err != nil {
		return nil, false, fmt.Errorf("discover: create pattern: %w", err)
	}
	if created {
		d.log.Info("patterns: created",
			zap.String("pattern_id", stored.ID),
			zap.Int("instances", stored.InstanceCount))
		return stored, true, nil
	}

	// Another writer stored a matching pattern first.
	reinforced, err := d.reinforce(ctx, stored.ID, g, now)
	return reinforced, false, err
}

func (d *Discoverer) reinforce(ctx context.Context, id string, g *Group, now time.Time) (*model.PatternCluster, error) {
	p, added, err := d.store.ReinforcePattern(ctx, id, g.Embeddings(), d.opts.ReinforceBoost, now)
	if err != nil {
		return nil, fmt.Errorf("discover: reinforce pattern %s: %w", id, err)
	}
	if added == 0 {
		return nil, nil
	}
	d.log.Info("patterns: reinforced",
		zap.String("pattern_id", p.ID),
		zap.Int("added", added),
		zap.Int("instances", p.InstanceCount))
	return p, nil
}

func (d *Discoverer) matches(a, b []float64) bool {
	return len(a) == len(b) && vector.Cosine(a, b) >= d.opts.ReuseSimilarity
}

// bestMatch returns the most similar pattern at or above ReuseSimilarity.
// Ties keep the earlier pattern.
func (d *Discoverer) bestMatch(centroid []float64, existing []model.PatternCluster) *model.PatternCluster {
	var best *model.PatternCluster
	bestSim := 0.0
	for i := range existing {
		if !d.matches(centroid, existing[i].Centroid) {
			continue
		}
		sim := vector.Cosine(centroid, existing[i].Centroid)
		if best == nil || sim > bestSim {
			best, bestSim = &existing[i], sim
		}
	}
	return best
}
