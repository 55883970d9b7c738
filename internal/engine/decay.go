package engine

// Decay and reinforcement.
//
//   - Decay: records idle longer than their tier's grace period lose
//     strength by a factor of 1 - rate/(importance/normalizer), floored at 0.
//     Decay stamps decayed_at with the window end, so a second pass over the
//     same window finds nothing to do.
//   - Importance <= 0 is zero-protected: no decay, logged.
//   - Reinforcement: records accessed within the window gain
//     accessBoost per pending access, capped at 1, and the pending counter
//     resets. The lifetime counter stays for promotion.
//   - Both steps write one batched update. A store error aborts the step.

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/mnemo/internal/model"
)

// DecayedStrength applies one decay step. Importance <= 0 leaves strength
// unchanged.
func DecayedStrength(strength, importance, rate, normalizer float64) float64 {
	if importance <= 0 || normalizer <= 0 {
		return strength
	}
	factor := 1 - rate/(importance/normalizer)
	return model.ClampStrength(strength * factor)
}

// ReinforcedStrength applies one reinforcement step.
func ReinforcedStrength(strength, boost float64, accesses int) float64 {
	return model.ClampStrength(strength + boost*float64(accesses))
}

func (e *Engine) grace(t model.Tier) time.Duration {
	cc := e.cfg.Consolidation
	switch t {
	case model.TierWorking:
		return cc.WorkingGrace
	case model.TierEpisodic:
		return cc.EpisodicGrace
	default:
		return cc.SemanticGrace
	}
}

// ApplyDecay decays idle records for the window ending at w.End.
func (e *Engine) ApplyDecay(ctx context.Context, w model.Window) (model.DecayReport, error) {
	cc := e.cfg.Consolidation
	report := model.NewDecayReport()

	var updates []model.StrengthUpdate
	tiers := make(map[string]model.Tier)
	for _, tier := range model.Tiers {
		recs, err := e.Records.Query(ctx, model.Filter{
			Tiers:          []model.Tier{tier},
			AccessedBefore: w.End.Add(-e.grace(tier)),
			DecayedBefore:  w.End,
		})
		if err != nil {
			return model.NewDecayReport(), fmt.Errorf("decay %s: %w", tier, err)
		}
		for _, r := range recs {
			if r.Importance <= 0 {
				report.Skipped++
				e.log.Info("decay: importance undefined, record protected",
					zap.String("record_id", r.ID),
					zap.Float64("importance", r.Importance))
				continue
			}
			end := w.End
			updates = append(updates, model.StrengthUpdate{
				ID:        r.ID,
				Strength:  DecayedStrength(r.Strength, r.Importance, cc.BaseDecayRate, cc.ImportanceNormalizer),
				DecayedAt: &end,
			})
			tiers[r.ID] = tier
		}
	}
	if len(updates) == 0 {
		return report, nil
	}

	if _, err := e.Records.BatchUpdateStrength(ctx, updates); err != nil {
		return model.NewDecayReport(), fmt.Errorf("decay: %w", err)
	}
	for _, u := range updates {
		report.Affected.Add(tiers[u.ID], 1)
	}
	e.log.Debug("decay: applied",
		zap.Int("records", len(updates)),
		zap.Int("protected", report.Skipped))
	return report, nil
}

// ApplyReinforcement strengthens records accessed within w.
func (e *Engine) ApplyReinforcement(ctx context.Context, w model.Window) (model.DecayReport, error) {
	report := model.NewDecayReport()

	recs, err := e.Records.Query(ctx, model.Filter{
		MinAccessCount: 1,
		AccessedAfter:  w.Start,
		AccessedBefore: w.End,
	})
	if err != nil {
		return report, fmt.Errorf("reinforce: %w", err)
	}
	if len(recs) == 0 {
		return report, nil
	}

	updates := make([]model.StrengthUpdate, 0, len(recs))
	for _, r := range recs {
		updates = append(updates, model.StrengthUpdate{
			ID:               r.ID,
			Strength:         ReinforcedStrength(r.Strength, e.cfg.Consolidation.AccessBoost, r.AccessCount),
			ResetAccessCount: true,
		})
	}
	if _, err := e.Records.BatchUpdateStrength(ctx, updates); err != nil {
		return model.NewDecayReport(), fmt.Errorf("reinforce: %w", err)
	}
	for _, r := range recs {
		report.Affected.Add(r.Tier, 1)
	}
	e.log.Debug("reinforce: applied", zap.Int("records", len(recs)))
	return report, nil
}
