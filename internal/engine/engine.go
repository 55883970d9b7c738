package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/mnemo/internal/config"
	"github.com/lazypower/mnemo/internal/graph"
	"github.com/lazypower/mnemo/internal/metrics"
	"github.com/lazypower/mnemo/internal/model"
	"github.com/lazypower/mnemo/internal/patterns"
	"github.com/lazypower/mnemo/internal/privacy"
	"github.com/lazypower/mnemo/internal/store"
)

// RecordStore is the record backend. store.DB and pgstore.Store both
// implement it.
type RecordStore interface {
	Upsert(ctx context.Context, r *model.MemoryRecord) (string, error)
	GetRecord(ctx context.Context, id string) (*model.MemoryRecord, error)
	Query(ctx context.Context, f model.Filter) ([]model.MemoryRecord, error)
	SimilaritySearch(ctx context.Context, embedding []float64, topK int, minSimilarity float64, f model.Filter) ([]model.ScoredRecord, error)
	BatchUpdateStrength(ctx context.Context, updates []model.StrengthUpdate) (int, error)
	RecordAccess(ctx context.Context, id string, at time.Time) error
	SetTier(ctx context.Context, id string, tier model.Tier) error
	ClaimPromotion(ctx context.Context, id string, at, staleBefore time.Time) (bool, error)
	CompletePromotion(ctx context.Context, sourceID string, claimedAt time.Time, promoted *model.MemoryRecord) (string, error)
	ReleasePromotion(ctx context.Context, id string, claimedAt time.Time) error
	SetArchived(ctx context.Context, ids []string) (int, error)
	MarkAssociated(ctx context.Context, ids []string, at time.Time) error
	CountByTier(ctx context.Context) (model.TierCounts, error)
}

// Options carry the optional collaborators of an Engine.
type Options struct {
	// Records overrides the record backend. nil keeps records in DB.
	Records    RecordStore
	Embedder   Embedder
	Summarizer Summarizer
	// Ledger overrides the privacy budget ledger. nil persists budgets in DB.
	Ledger  privacy.Ledger
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	// Seed fixes the privacy noise source. 0 is random.
	Seed uint64
}

// Engine ties the record store, consolidation steps, pattern discovery, the
// association graph and the privacy gate together.
type Engine struct {
	Records    RecordStore
	DB         *store.DB
	Embedder   Embedder
	Summarizer Summarizer
	Patterns   *patterns.Discoverer
	Graph      *graph.Graph
	Gate       *privacy.Gate
	Scheduler  *Scheduler

	cfg     config.Config
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an Engine over db. Patterns, edges, budgets, audit entries and
// run history always live in db; records live in opts.Records when set.
func New(db *store.DB, cfg config.Config, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	records := opts.Records
	if records == nil {
		records = db
	}
	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = FallbackSummarizer{}
	}
	ledger := opts.Ledger
	if ledger == nil {
		ledger = privacy.NewStoreLedger(db)
	}

	popts := patterns.Options{
		ReuseSimilarity: cfg.Patterns.ReuseSimilarity,
		ReinforceBoost:  cfg.Patterns.ReinforceBoost,
		Dimensions:      cfg.Embedding.Dimensions,
		Index:           cfg.Patterns.Index,
		LSHBits:         cfg.Patterns.LSHBits,
		LSHBands:        cfg.Patterns.LSHBands,
		LSHSeed:         1,
	}
	gate, err := privacy.NewGate(ledger, db, privacy.Options{
		K:              cfg.Privacy.K,
		Epsilon:        cfg.Privacy.Epsilon,
		Sensitivity:    cfg.Privacy.Sensitivity,
		Ceiling:        cfg.Privacy.BudgetCeiling,
		MinLabelWeight: cfg.Privacy.MinLabelWeight,
		SensitiveTerms: cfg.Privacy.SensitiveTerms,
		Seed:           opts.Seed,
	}, log.Named("privacy"))
	if err != nil {
		return nil, fmt.Errorf("privacy gate: %w", err)
	}

	e := &Engine{
		Records:    records,
		DB:         db,
		Embedder:   opts.Embedder,
		Summarizer: summarizer,
		Patterns:   patterns.New(records, db, popts, log.Named("patterns")),
		Graph:      graph.New(db, log.Named("graph")),
		Gate:       gate,
		cfg:        cfg,
		metrics:    opts.Metrics,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		stopCh:     make(chan struct{}),
	}
	e.Scheduler = newScheduler(e, cfg.Consolidation, log.Named("consolidation"))
	return e, nil
}

// SetClock replaces the time source of the engine and its components.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.Patterns.SetClock(now)
	e.Graph.SetClock(now)
}

// Config returns the engine configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// StoreInteraction validates a raw interaction and writes it as a working
// record. Content without an embedding is embedded when an embedder is
// configured; an embedding failure stores the record unembedded.
func (e *Engine) StoreInteraction(ctx context.Context, in model.Interaction) (string, error) {
	in, err := validateInteraction(in, e.cfg.Embedding.Dimensions)
	if err != nil {
		return "", err
	}

	created := in.OccurredAt
	if created.IsZero() {
		created = e.now()
	}
	importance := in.Importance
	if importance == 0 {
		importance = defaultImportance
	}
	r := &model.MemoryRecord{
		Tier:           model.TierWorking,
		Content:        in.Content,
		Embedding:      in.Embedding,
		Strength:       initialStrength,
		Importance:     importance,
		CreatedAt:      created.UTC(),
		LastAccessedAt: created.UTC(),
		Tags:           in.Tags,
		Metadata:       model.NewInteractionMetadata(in.Source, in.Attributes),
	}
	if len(r.Embedding) == 0 {
		e.embed(ctx, r)
	}

	id, err := e.Records.Upsert(ctx, r)
	if err != nil {
		return "", fmt.Errorf("store interaction: %w", err)
	}
	e.log.Debug("engine: stored interaction",
		zap.String("record_id", id),
		zap.Bool("embedded", r.HasEmbedding(0)),
		zap.Strings("tags", r.Tags))
	return id, nil
}

func (e *Engine) embed(ctx context.Context, r *model.MemoryRecord) {
	if e.Embedder == nil || r.Content == "" {
		return
	}
	vec, err := e.Embedder.Embed(ctx, r.Content)
	if err != nil {
		e.log.Warn("engine: embedding failed",
			zap.String("reason", string(model.ReasonEmbeddingMissing)),
			zap.Error(err))
		return
	}
	r.Embedding = vec
	r.EmbeddingModel = e.Embedder.Model()
	if !r.HasEmbedding(e.cfg.Embedding.Dimensions) {
		r.Embedding = nil
		r.EmbeddingModel = ""
	}
}

// RecordAccess counts an access to a record.
func (e *Engine) RecordAccess(ctx context.Context, id string) error {
	if err := e.Records.RecordAccess(ctx, id, e.now()); err != nil {
		return fmt.Errorf("record access %s: %w", id, err)
	}
	return nil
}

// GetRecord returns a record by id.
func (e *Engine) GetRecord(ctx context.Context, id string) (*model.MemoryRecord, error) {
	r, err := e.Records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("record %s: %w", id, model.ErrNotFound)
	}
	return r, nil
}

// RunConsolidation runs one consolidation pass now.
func (e *Engine) RunConsolidation(ctx context.Context) (model.ConsolidationReport, error) {
	return e.Scheduler.Run(ctx)
}

// DiscoverPatterns runs pattern discovery over w. Zero thresholds take the
// configured defaults and a zero window is the configured lookback.
func (e *Engine) DiscoverPatterns(ctx context.Context, w model.Window, th model.DiscoveryThresholds) (model.DiscoveryResult, error) {
	if w.End.IsZero() {
		w.End = e.now()
	}
	if w.Start.IsZero() {
		w.Start = w.End.Add(-e.cfg.Patterns.Window)
	}
	if th.SimilarityThreshold == 0 {
		th.SimilarityThreshold = e.cfg.Patterns.SimilarityThreshold
	}
	if th.MinInstances == 0 {
		th.MinInstances = e.cfg.Patterns.MinInstances
	}
	res, err := e.Patterns.Discover(ctx, w, th)
	if err != nil {
		return res, err
	}
	e.metrics.ObserveDiscovery(res)
	return res, nil
}

// ListPatterns returns every persisted pattern.
func (e *Engine) ListPatterns(ctx context.Context) ([]model.PatternCluster, error) {
	return e.DB.ListPatterns(ctx)
}

// VotePattern records feedback on a pattern.
func (e *Engine) VotePattern(ctx context.Context, id string, positive bool) (*model.PatternCluster, error) {
	p, err := e.DB.VotePattern(ctx, id, positive)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("pattern %s: %w", id, model.ErrNotFound)
	}
	return p, nil
}

// GetAssociations returns the strongest edges leaving concept.
func (e *Engine) GetAssociations(ctx context.Context, concept string, minStrength float64, maxResults int) ([]model.AssociationEdge, error) {
	if maxResults <= 0 {
		maxResults = e.cfg.Graph.MaxResults
	}
	return e.Graph.GetAssociations(ctx, concept, minStrength, maxResults)
}

// Traverse spreads activation from start.
func (e *Engine) Traverse(ctx context.Context, start string, maxDepth int, minStrength float64) (*model.Traversal, error) {
	if maxDepth <= 0 {
		maxDepth = e.cfg.Graph.MaxDepth
	}
	return e.Graph.Traverse(ctx, start, maxDepth, minStrength)
}

// Associate forms concept edges from the tags of records created before
// w.End that the association step has not seen. Each record is marked once
// its edges are written, so a retried pass does not count it twice.
func (e *Engine) Associate(ctx context.Context, w model.Window) (int, error) {
	recs, err := e.Records.Query(ctx, model.Filter{Unassociated: true, CreatedBefore: w.End})
	if err != nil {
		return 0, fmt.Errorf("associate: %w", err)
	}
	total := 0
	at := e.now()
	for _, r := range recs {
		n, err := e.Graph.AssociateRecords(ctx, []model.MemoryRecord{r})
		if err != nil {
			return total, fmt.Errorf("associate %s: %w", r.ID, err)
		}
		if err := e.Records.MarkAssociated(ctx, []string{r.ID}, at); err != nil {
			return total, fmt.Errorf("associate %s: %w", r.ID, err)
		}
		total += n
	}
	return total, nil
}

// PreparePatternsForSharing loads the requested patterns, or every pattern
// when none are named, and runs them through the privacy gate. Unknown ids
// are rejected as not_found.
func (e *Engine) PreparePatternsForSharing(ctx context.Context, req model.ShareRequest) (model.ShareResult, error) {
	var (
		selected []model.PatternCluster
		missing  []model.Rejection
	)
	if len(req.PatternIDs) == 0 {
		all, err := e.DB.ListPatterns(ctx)
		if err != nil {
			return model.ShareResult{}, fmt.Errorf("load patterns: %w", err)
		}
		selected = all
	} else {
		for _, id := range req.PatternIDs {
			p, err := e.DB.GetPattern(ctx, id)
			if err != nil {
				return model.ShareResult{}, fmt.Errorf("load pattern %s: %w", id, err)
			}
			if p == nil {
				missing = append(missing, model.Rejection{PatternID: id, Reason: model.ReasonNotFound})
				continue
			}
			selected = append(selected, *p)
		}
	}

	res, err := e.Gate.Prepare(ctx, selected, req)
	res.Rejected = append(res.Rejected, missing...)
	e.metrics.ObserveShare(res)
	return res, err
}

// StartPrivacySession opens a new privacy session. ceiling <= 0 uses the
// configured ceiling.
func (e *Engine) StartPrivacySession(ctx context.Context, ceiling float64) (*model.PrivacyBudget, error) {
	return e.Gate.StartSession(ctx, ceiling)
}

// PrivacyBudget returns a session's budget, or the active session's.
func (e *Engine) PrivacyBudget(ctx context.Context, sessionID string) (*model.PrivacyBudget, error) {
	return e.Gate.Budget(ctx, sessionID)
}

// Status reports scheduler state and tier counts.
type Status struct {
	State      string                     `json:"state"`
	LastState  string                     `json:"last_state"`
	LastReport *model.ConsolidationReport `json:"last_report,omitempty"`
	Records    model.TierCounts           `json:"records"`
}

// Status returns the current engine status.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	counts, err := e.Records.CountByTier(ctx)
	if err != nil {
		return Status{}, err
	}
	e.metrics.SetTierCounts(counts)
	s := Status{
		State:      e.Scheduler.State().String(),
		LastState:  e.Scheduler.LastState().String(),
		LastReport: e.Scheduler.LastReport(),
		Records:    counts,
	}
	return s, nil
}

// Start runs a consolidation pass every interval until Stop or ctx is done.
// A pass that collides with an on-demand run is skipped.
func (e *Engine) Start(ctx context.Context) {
	interval := e.cfg.Consolidation.Interval
	if interval <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, err := e.Scheduler.Run(ctx)
				switch {
				case errors.Is(err, model.ErrConcurrentConsolidation):
					e.log.Info("consolidation: scheduled pass skipped, run in progress")
				case err != nil:
					e.log.Error("consolidation: scheduled pass failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down background goroutines and waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// LoadCorpus returns record content for fitting a TF-IDF embedder.
func LoadCorpus(ctx context.Context, records RecordStore, limit int) ([]string, error) {
	recs, err := records.Query(ctx, model.Filter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	docs := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.Content != "" {
			docs = append(docs, r.Content)
		}
	}
	return docs, nil
}
