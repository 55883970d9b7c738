package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/mnemo/internal/model"
	"github.com/lazypower/mnemo/internal/vector"
)

// errContended means another pass holds or finished the promotion.
var errContended = errors.New("promotion contended")

// Eligible reports whether an episodic record qualifies for semantic promotion.
func (e *Engine) Eligible(r *model.MemoryRecord) bool {
	cc := e.cfg.Consolidation
	return r.Tier == model.TierEpisodic &&
		!r.Archived &&
		r.PromotedTo == "" &&
		r.TotalAccesses >= cc.SemanticPromotionThreshold &&
		r.Strength >= cc.PromotionStrengthFloor
}

// Promote creates the semantic copy of an eligible episodic record. The
// source stays in place and links to the copy. Concurrent callers race on a
// claim; the loser gets an error wrapping model.ErrClaimLost.
func (e *Engine) Promote(ctx context.Context, r *model.MemoryRecord) (*model.MemoryRecord, error) {
	if !e.Eligible(r) {
		return nil, fmt.Errorf("%w: record %s is not eligible for promotion", model.ErrInvalid, r.ID)
	}

	claimedAt := e.now()
	ok, err := e.Records.ClaimPromotion(ctx, r.ID, claimedAt, e.claimStaleBefore(claimedAt))
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", r.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("promote %s: %w: %w", r.ID, errContended, model.ErrClaimLost)
	}

	summarizer := e.Summarizer
	summary, err := summarizer.Summarize(ctx, r)
	if err != nil {
		e.log.Warn("promote: summarizer failed, using fallback",
			zap.String("record_id", r.ID), zap.Error(err))
		summarizer = FallbackSummarizer{}
		summary, _ = summarizer.Summarize(ctx, r)
	}

	now := e.now()
	promoted := &model.MemoryRecord{
		Tier:           model.TierSemantic,
		Content:        summary,
		Embedding:      vector.Clone(r.Embedding),
		EmbeddingModel: r.EmbeddingModel,
		Strength:       r.Strength,
		Importance:     r.Importance,
		CreatedAt:      now,
		LastAccessedAt: now,
		Tags:           r.Tags,
		SourceID:       r.ID,
		Metadata:       model.NewPromotionMetadata(r, summarizer.Name()),
	}

	id, err := e.Records.CompletePromotion(ctx, r.ID, claimedAt, promoted)
	if errors.Is(err, model.ErrClaimLost) {
		return nil, fmt.Errorf("promote %s: %w: %w", r.ID, errContended, err)
	}
	if err != nil {
		// The pass ctx may be what failed; the claim must still be dropped.
		if rerr := e.Records.ReleasePromotion(context.WithoutCancel(ctx), r.ID, claimedAt); rerr != nil {
			e.log.Warn("promote: release claim failed", zap.String("record_id", r.ID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("promote %s: %w", r.ID, err)
	}
	promoted.ID = id
	e.log.Info("promote: semantic record created",
		zap.String("record_id", r.ID),
		zap.String("promoted_id", id),
		zap.Int("accesses", r.TotalAccesses))
	return promoted, nil
}

// claimStaleBefore is the cutoff before which a promotion claim counts as
// abandoned by a crashed or stalled promoter.
func (e *Engine) claimStaleBefore(now time.Time) time.Time {
	return now.Add(-e.cfg.Consolidation.PromotionLease)
}

// PromoteAll moves aged working records to episodic in place, then promotes
// every eligible episodic record.
func (e *Engine) PromoteAll(ctx context.Context, w model.Window) (model.PromotionReport, error) {
	var report model.PromotionReport
	cc := e.cfg.Consolidation

	working, err := e.Records.Query(ctx, model.Filter{
		Tiers:         []model.Tier{model.TierWorking},
		CreatedBefore: w.End.Add(-cc.WorkingRetention),
	})
	if err != nil {
		return model.PromotionReport{}, fmt.Errorf("promote working: %w", err)
	}
	for _, r := range working {
		if err := e.Records.SetTier(ctx, r.ID, model.TierEpisodic); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return model.PromotionReport{}, fmt.Errorf("promote working: %w", err)
		}
		report.ToEpisodic++
	}

	episodic, err := e.Records.Query(ctx, model.Filter{
		Tiers:            []model.Tier{model.TierEpisodic},
		Unpromoted:       true,
		ClaimStaleBefore: e.claimStaleBefore(e.now()),
	})
	if err != nil {
		return model.PromotionReport{}, fmt.Errorf("promote episodic: %w", err)
	}
	for i := range episodic {
		r := &episodic[i]
		if !e.Eligible(r) {
			continue
		}
		_, err := e.Promote(ctx, r)
		switch {
		case err == nil:
			report.ToSemantic++
		case errors.Is(err, errContended):
			report.Contended++
			e.log.Debug("promote: claim contended", zap.String("record_id", r.ID))
		default:
			return model.PromotionReport{}, err
		}
	}
	return report, nil
}

// Archive archives a record whose strength fell below the archival floor.
// It reports whether the record changed.
func (e *Engine) Archive(ctx context.Context, r *model.MemoryRecord) (bool, error) {
	if r.Archived || r.Strength >= e.cfg.Consolidation.ArchivalFloor {
		return false, nil
	}
	n, err := e.Records.SetArchived(ctx, []string{r.ID})
	if err != nil {
		return false, fmt.Errorf("archive %s: %w", r.ID, err)
	}
	return n == 1, nil
}

// ArchiveWeak archives every live record below the archival floor.
func (e *Engine) ArchiveWeak(ctx context.Context) (int, error) {
	floor := e.cfg.Consolidation.ArchivalFloor
	if floor <= 0 {
		return 0, nil
	}
	weak, err := e.Records.Query(ctx, model.Filter{StrengthBelow: floor})
	if err != nil {
		return 0, fmt.Errorf("archive: %w", err)
	}
	if len(weak) == 0 {
		return 0, nil
	}
	ids := make([]string, len(weak))
	for i, r := range weak {
		ids[i] = r.ID
	}
	n, err := e.Records.SetArchived(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("archive: %w", err)
	}
	e.log.Debug("archive: applied", zap.Int("records", n))
	return n, nil
}
