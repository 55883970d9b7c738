package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lazypower/mnemo/internal/config"
	"github.com/lazypower/mnemo/internal/model"
	"github.com/lazypower/mnemo/internal/store"
)

const tracerName = "github.com/lazypower/mnemo/internal/engine"

// Scheduler runs consolidation passes one at a time. A pass runs decay,
// reinforcement, promotion, archival, discovery and association in order.
// Transient store failures retry the whole pass with exponential backoff.
type Scheduler struct {
	e      *Engine
	cfg    config.ConsolidationConfig
	sem    *semaphore.Weighted
	tracer trace.Tracer
	log    *zap.Logger

	state      atomic.Int32
	lastState  atomic.Int32
	lastReport atomic.Pointer[model.ConsolidationReport]
}

func newScheduler(e *Engine, cfg config.ConsolidationConfig, log *zap.Logger) *Scheduler {
	return &Scheduler{
		e:      e,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(1),
		tracer: otel.Tracer(tracerName),
		log:    log,
	}
}

// State is Running while a pass is in progress, else Idle.
func (s *Scheduler) State() model.RunState { return model.RunState(s.state.Load()) }

// LastState is the outcome of the most recent pass: Completed, Failed, or
// Idle before the first pass.
func (s *Scheduler) LastState() model.RunState { return model.RunState(s.lastState.Load()) }

// LastReport returns the report of the most recent completed pass.
func (s *Scheduler) LastReport() *model.ConsolidationReport {
	r := s.lastReport.Load()
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Run executes one pass. A second call while a pass is running returns
// model.ErrConcurrentConsolidation at once. A failed pass returns a
// *model.RunError and a zero-effect report.
func (s *Scheduler) Run(ctx context.Context) (model.ConsolidationReport, error) {
	if !s.sem.TryAcquire(1) {
		s.e.metrics.ObserveRun(model.NewReport(), model.ErrConcurrentConsolidation, 0)
		return model.NewReport(), model.ErrConcurrentConsolidation
	}
	defer s.sem.Release(1)

	s.state.Store(int32(model.StateRunning))
	defer s.state.Store(int32(model.StateIdle))

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "consolidation.run")
	defer span.End()

	started := s.e.now()
	runID := uuid.NewString()
	span.SetAttributes(attribute.String("run_id", runID))

	w, err := s.window(ctx, started)
	if err != nil {
		return s.fail(ctx, span, runID, model.Window{}, 0, started, &model.RunError{Step: "window", Err: err}, false)
	}
	span.SetAttributes(
		attribute.String("window.start", w.Start.Format(time.RFC3339)),
		attribute.String("window.end", w.End.Format(time.RFC3339)))
	if err := s.e.DB.CreateRun(ctx, runID, w, started); err != nil {
		return s.fail(ctx, span, runID, w, 0, started, &model.RunError{Step: "start", Err: err}, false)
	}

	var (
		report   model.ConsolidationReport
		attempts int
	)
	op := func() error {
		attempts++
		report = model.NewReport()
		err := s.pass(ctx, w, &report)
		if err == nil || errors.Is(err, model.ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}
	err = backoff.RetryNotify(op, s.policy(ctx), func(err error, next time.Duration) {
		s.log.Warn("consolidation: pass failed, retrying",
			zap.String("run_id", runID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", next),
			zap.Error(err))
	})
	if err != nil {
		var runErr *model.RunError
		if !errors.As(err, &runErr) {
			runErr = &model.RunError{Err: err}
		}
		return s.fail(ctx, span, runID, w, attempts, started, runErr, true)
	}

	report.RunID = runID
	report.Window = w
	report.Attempts = attempts
	report.StartedAt = started
	report.FinishedAt = s.e.now()
	if err := s.e.DB.FinishRun(context.WithoutCancel(ctx), runID, store.RunCompleted, report, nil, report.FinishedAt); err != nil {
		s.log.Warn("consolidation: record run failed", zap.String("run_id", runID), zap.Error(err))
	}

	s.lastState.Store(int32(model.StateCompleted))
	s.lastReport.Store(&report)
	s.e.metrics.ObserveRun(report, nil, report.FinishedAt.Sub(started))
	s.log.Info("consolidation: pass complete",
		zap.String("run_id", runID),
		zap.Int("attempts", attempts),
		zap.Int("decayed", report.Decayed.Total()),
		zap.Int("strengthened", report.Strengthened.Total()),
		zap.Int("promoted", report.Promoted),
		zap.Int("archived", report.Archived),
		zap.Int("patterns", report.PatternsDiscovered),
		zap.Int("edges", report.EdgesUpdated),
		zap.Duration("took", report.FinishedAt.Sub(started)))
	return report, nil
}

func (s *Scheduler) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if s.cfg.InitialBackoff > 0 {
		b.InitialInterval = s.cfg.InitialBackoff
	}
	b.MaxElapsedTime = 0
	attempts := s.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

func (s *Scheduler) fail(ctx context.Context, span trace.Span, runID string, w model.Window, attempts int, started time.Time, err *model.RunError, created bool) (model.ConsolidationReport, error) {
	zero := model.NewReport()
	zero.RunID = runID
	zero.Window = w
	zero.Attempts = attempts
	zero.StartedAt = started
	zero.FinishedAt = s.e.now()

	if created {
		if ferr := s.e.DB.FinishRun(context.WithoutCancel(ctx), runID, store.RunFailed, zero, err, zero.FinishedAt); ferr != nil {
			s.log.Warn("consolidation: record run failed", zap.String("run_id", runID), zap.Error(ferr))
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	s.lastState.Store(int32(model.StateFailed))
	s.e.metrics.ObserveRun(zero, err, zero.FinishedAt.Sub(started))
	s.log.Error("consolidation: pass failed",
		zap.String("run_id", runID),
		zap.String("step", err.Step),
		zap.String("reason", string(model.ReasonFor(err))),
		zap.Int("attempts", attempts),
		zap.Error(err.Err))
	return zero, err
}

// window runs from the end of the last completed pass to now.
func (s *Scheduler) window(ctx context.Context, now time.Time) (model.Window, error) {
	last, err := s.e.DB.LastCompletedRun(ctx)
	if err != nil {
		return model.Window{}, err
	}
	if last != nil && last.Window.End.Before(now) {
		return model.Window{Start: last.Window.End, End: now}, nil
	}
	return model.LastN(s.cfg.InitialWindow, now), nil
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// pass runs every step in order. The first failing step aborts the pass.
func (s *Scheduler) pass(ctx context.Context, w model.Window, r *model.ConsolidationReport) error {
	e := s.e
	steps := []step{
		{"decay", func(ctx context.Context) error {
			d, err := e.ApplyDecay(ctx, w)
			r.Decayed = d.Affected
			return err
		}},
		{"reinforce", func(ctx context.Context) error {
			d, err := e.ApplyReinforcement(ctx, w)
			r.Strengthened = d.Affected
			return err
		}},
		{"promote", func(ctx context.Context) error {
			p, err := e.PromoteAll(ctx, w)
			r.Promoted = p.ToSemantic
			r.PromotedToEpisodic = p.ToEpisodic
			return err
		}},
		{"archive", func(ctx context.Context) error {
			n, err := e.ArchiveWeak(ctx)
			r.Archived = n
			return err
		}},
		{"discover", func(ctx context.Context) error {
			res, err := e.Patterns.Discover(ctx, model.LastN(e.cfg.Patterns.Window, w.End), model.DiscoveryThresholds{
				SimilarityThreshold: e.cfg.Patterns.SimilarityThreshold,
				MinInstances:        e.cfg.Patterns.MinInstances,
			})
			r.PatternsDiscovered = res.Discovered()
			return err
		}},
		{"associate", func(ctx context.Context) error {
			n, err := e.Associate(ctx, w)
			r.EdgesUpdated = n
			return err
		}},
	}

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return &model.RunError{Step: st.name, Err: err}
		}
		sctx, span := s.tracer.Start(ctx, "consolidation."+st.name)
		err := st.run(sctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			return &model.RunError{Step: st.name, Err: err}
		}
	}
	return nil
}
