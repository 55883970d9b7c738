package privacy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/mnemo/internal/model"
)

// AuditSink records gate decisions.
type AuditSink interface {
	AppendAudit(ctx context.Context, entries []model.AuditEntry) error
}

// Options are the gate defaults. Request fields override them per call.
type Options struct {
	K              int
	Epsilon        float64
	Sensitivity    float64
	Ceiling        float64
	MinLabelWeight float64
	SensitiveTerms []string
	// Seed fixes the noise source for tests. 0 is random.
	Seed uint64
}

// Gate runs every share request through the privacy pipeline:
// classify, redact, k-anonymity, charge the budget, add noise, release.
type Gate struct {
	classifier *Classifier
	ledger     Ledger
	audit      AuditSink
	noise      *Noise
	opts       Options
	log        *zap.Logger
	now        func() time.Time

	// startMu serializes the implicit session start so concurrent first
	// requests share one session.
	startMu sync.Mutex
}

// NewGate builds a gate. audit may be nil. A nil logger discards output.
func NewGate(ledger Ledger, audit AuditSink, opts Options, log *zap.Logger) (*Gate, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := NewClassifier(opts.SensitiveTerms)
	if err != nil {
		return nil, err
	}
	return &Gate{
		classifier: c,
		ledger:     ledger,
		audit:      audit,
		noise:      NewNoise(opts.Seed),
		opts:       opts,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Classifier exposes the gate's sensitivity classifier.
func (g *Gate) Classifier() *Classifier { return g.classifier }

// ClassifySensitivity reports whether a pattern must stay private.
func (g *Gate) ClassifySensitivity(p *model.PatternCluster) Finding {
	return g.classifier.Classify(p)
}

// StartSession opens a new privacy session, resetting the budget.
func (g *Gate) StartSession(ctx context.Context, ceiling float64) (*model.PrivacyBudget, error) {
	if ceiling <= 0 {
		ceiling = g.opts.Ceiling
	}
	return g.ledger.Start(ctx, ceiling)
}

// Budget returns the session named by id, or the active one when id is empty.
func (g *Gate) Budget(ctx context.Context, sessionID string) (*model.PrivacyBudget, error) {
	return g.session(ctx, sessionID, false)
}

func (g *Gate) session(ctx context.Context, sessionID string, create bool) (*model.PrivacyBudget, error) {
	if sessionID != "" {
		b, err := g.ledger.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, fmt.Errorf("privacy session %s: %w", sessionID, model.ErrNotFound)
		}
		return b, nil
	}
	b, err := g.ledger.Active(ctx)
	if err != nil {
		return nil, err
	}
	if b == nil && create {
		g.startMu.Lock()
		defer g.startMu.Unlock()
		if b, err = g.ledger.Active(ctx); err != nil || b != nil {
			return b, err
		}
		g.log.Info("privacy: no active session, starting one", zap.Float64("ceiling", g.opts.Ceiling))
		return g.ledger.Start(ctx, g.opts.Ceiling)
	}
	if b == nil {
		return nil, fmt.Errorf("no active privacy session: %w", model.ErrNotFound)
	}
	return b, nil
}

type params struct {
	epsilon     float64
	k           int
	sensitivity float64
	scope       model.Scope
}

func (g *Gate) params(req model.ShareRequest) params {
	p := params{
		epsilon:     req.Epsilon,
		k:           req.K,
		sensitivity: req.Sensitivity,
		scope:       req.Scope,
	}
	if p.epsilon <= 0 {
		p.epsilon = g.opts.Epsilon
	}
	if p.k < 2 {
		p.k = g.opts.K
	}
	if p.sensitivity <= 0 {
		p.sensitivity = g.opts.Sensitivity
	}
	if p.scope == "" {
		p.scope = model.ScopeShared
	}
	return p
}

// Prepare treats patterns for export. Sensitive patterns and patterns that
// fail k-anonymity are rejected individually. If anything survives, the
// request's epsilon is charged once and every survivor is released with a
// noised instance count. A request that would exceed the session ceiling is
// rejected whole with ErrPrivacyBudgetExceeded and nothing is released.
func (g *Gate) Prepare(ctx context.Context, patterns []model.PatternCluster, req model.ShareRequest) (model.ShareResult, error) {
	prm := g.params(req)
	res := model.ShareResult{Released: []model.SharedPattern{}, Rejected: []model.Rejection{}}

	budget, err := g.session(ctx, req.SessionID, true)
	if err != nil {
		return res, err
	}
	res.SessionID = budget.SessionID
	res.EpsilonRemain = budget.Remaining()

	if budget.CumulativeEpsilon+prm.epsilon > budget.Ceiling+budgetTolerance {
		return g.rejectAll(ctx, res, budget, patterns, prm)
	}

	var candidates []model.PatternCluster
	for _, p := range patterns {
		if f := g.classifier.Classify(&p); f.Sensitive {
			res.Rejected = append(res.Rejected, model.Rejection{
				PatternID: p.ID,
				Reason:    model.ReasonSensitive,
				Detail:    strings.Join(f.Matches, ","),
			})
			continue
		}
		var dropped int
		p.FeatureSummary, dropped = Redact(p.FeatureSummary, g.opts.MinLabelWeight)
		if dropped > 0 {
			g.log.Debug("privacy: redacted feature labels",
				zap.String("pattern_id", p.ID),
				zap.Int("dropped", dropped))
		}
		candidates = append(candidates, p)
	}

	kres := EnsureKAnonymity(candidates, prm.k)
	res.Rejected = append(res.Rejected, kres.Rejected...)

	if len(kres.Released) == 0 {
		return res, g.record(ctx, res, prm)
	}

	charged, err := g.ledger.Charge(ctx, budget.SessionID, prm.epsilon)
	if err != nil {
		if errors.Is(err, model.ErrPrivacyBudgetExceeded) {
			if charged != nil {
				budget = charged
			}
			res.Rejected = res.Rejected[:0]
			return g.rejectAll(ctx, res, budget, patterns, prm)
		}
		return res, err
	}
	res.EpsilonSpent = prm.epsilon
	res.EpsilonRemain = charged.Remaining()

	for _, r := range kres.Released {
		res.Released = append(res.Released, g.release(r, prm))
	}
	if err := g.record(ctx, res, prm); err != nil {
		// Nothing leaves the gate unaudited.
		res.Released = []model.SharedPattern{}
		return res, err
	}
	return res, nil
}

func (g *Gate) release(r Released, prm params) model.SharedPattern {
	p := r.Pattern
	scope := prm.scope
	// Global release needs the pre-noise count at k; non-sensitive is
	// guaranteed by classification upstream.
	if scope == model.ScopeGlobal && p.InstanceCount < prm.k {
		scope = model.ScopeShared
	}
	sp := model.SharedPattern{
		SourcePatternID:     p.ID,
		Scope:               scope,
		Confidence:          Confidence(p),
		Votes:               model.Votes{Positive: p.VotesPositive, Total: p.VotesTotal},
		Generalized:         r.Generalized,
		NoisedInstanceCount: g.noise.NoisyCount(float64(p.InstanceCount), prm.epsilon, prm.sensitivity),
		FeatureSummary:      p.FeatureSummary,
	}
	if r.Generalized {
		sp.SourcePatternIDs = r.SourceIDs
	}
	return sp
}

func (g *Gate) rejectAll(ctx context.Context, res model.ShareResult, budget *model.PrivacyBudget, patterns []model.PatternCluster, prm params) (model.ShareResult, error) {
	for _, p := range patterns {
		res.Rejected = append(res.Rejected, model.Rejection{PatternID: p.ID, Reason: model.ReasonBudgetExceeded})
	}
	res.EpsilonRemain = budget.Remaining()
	if err := g.record(ctx, res, prm); err != nil {
		return res, err
	}
	return res, fmt.Errorf("session %s: %.4f + %.4f > %.4f: %w",
		budget.SessionID, budget.CumulativeEpsilon, prm.epsilon, budget.Ceiling, model.ErrPrivacyBudgetExceeded)
}

// record logs and audits every decision of a request.
func (g *Gate) record(ctx context.Context, res model.ShareResult, prm params) error {
	at := g.now()
	entries := make([]model.AuditEntry, 0, len(res.Released)+len(res.Rejected))
	for _, sp := range res.Released {
		g.log.Info("privacy: released",
			zap.String("pattern_id", sp.SourcePatternID),
			zap.String("scope", string(sp.Scope)),
			zap.Bool("generalized", sp.Generalized))
		entries = append(entries, model.AuditEntry{
			SessionID: res.SessionID,
			PatternID: sp.SourcePatternID,
			Decision:  model.DecisionReleased,
			Scope:     sp.Scope,
			Epsilon:   prm.epsilon,
			CreatedAt: at,
		})
	}
	for _, rj := range res.Rejected {
		g.log.Info("privacy: rejected",
			zap.String("pattern_id", rj.PatternID),
			zap.String("reason", string(rj.Reason)))
		entries = append(entries, model.AuditEntry{
			SessionID: res.SessionID,
			PatternID: rj.PatternID,
			Decision:  model.DecisionRejected,
			Reason:    rj.Reason,
			CreatedAt: at,
		})
	}
	if g.audit == nil || len(entries) == 0 {
		return nil
	}
	if err := g.audit.AppendAudit(ctx, entries); err != nil {
		g.log.Error("privacy: audit write failed", zap.Error(err))
		return fmt.Errorf("audit share decisions: %w", err)
	}
	return nil
}

// Confidence is the Laplace-smoothed vote ratio when votes exist, else the
// pattern's strength.
func Confidence(p model.PatternCluster) float64 {
	if p.VotesTotal > 0 {
		return float64(p.VotesPositive+1) / float64(p.VotesTotal+2)
	}
	return p.Strength
}
