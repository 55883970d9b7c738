package privacy

import (
	"fmt"
	"sort"

	"github.com/lazypower/mnemo/internal/model"
)

// Released is a pattern that satisfies k-anonymity. Aggregates built during
// generalization list every source pattern.
type Released struct {
	Pattern     model.PatternCluster
	SourceIDs   []string
	Generalized bool
}

// KResult is the outcome of EnsureKAnonymity.
type KResult struct {
	Released []Released
	Rejected []model.Rejection
}

// EnsureKAnonymity keeps patterns backed by at least k source records
// unchanged. The remainder get one generalization step: patterns whose
// generalized signatures match are merged, and a merged group backed by at
// least k records is released as one aggregate. Everything else is
// suppressed with a k_anonymity rejection.
func EnsureKAnonymity(patterns []model.PatternCluster, k int) KResult {
	var res KResult
	buckets := make(map[string][]model.PatternCluster)
	var order []string

	for _, p := range patterns {
		if p.InstanceCount >= k {
			res.Released = append(res.Released, Released{Pattern: p, SourceIDs: []string{p.ID}})
			continue
		}
		sig := signature(Generalize(p.FeatureSummary))
		if _, ok := buckets[sig]; !ok {
			order = append(order, sig)
		}
		buckets[sig] = append(buckets[sig], p)
	}

	for _, sig := range order {
		group := buckets[sig]
		total := backing(group)
		if len(group) > 1 && total >= k {
			res.Released = append(res.Released, aggregate(group))
			continue
		}
		for _, p := range group {
			res.Rejected = append(res.Rejected, model.Rejection{
				PatternID: p.ID,
				Reason:    model.ReasonKAnonymity,
				Detail:    fmt.Sprintf("%d instances < k=%d", total, k),
			})
		}
	}
	return res
}

// aggregate merges patterns into one generalized pattern weighted by
// instance count.
func aggregate(group []model.PatternCluster) Released {
	sort.SliceStable(group, func(i, j int) bool { return group[i].ID < group[j].ID })

	out := model.PatternCluster{
		ID:             group[0].ID,
		FeatureSummary: make(map[string]float64),
		CreatedAt:      group[0].CreatedAt,
	}
	ids := make([]string, 0, len(group))
	var sources []string
	var total, strength float64
	for _, p := range group {
		ids = append(ids, p.ID)
		sources = append(sources, p.SourceRecordIDs...)
		n := float64(p.InstanceCount)
		total += n
		strength += p.Strength * n
		for label, w := range Generalize(p.FeatureSummary) {
			out.FeatureSummary[label] += w * n
		}
		out.VotesPositive += p.VotesPositive
		out.VotesTotal += p.VotesTotal
		if p.LastReinforcedAt.After(out.LastReinforcedAt) {
			out.LastReinforcedAt = p.LastReinforcedAt
		}
	}
	for label := range out.FeatureSummary {
		out.FeatureSummary[label] /= total
	}
	out.Strength = model.ClampStrength(strength / total)
	out.UnionSources(sources)
	out.InstanceCount = backing(group)
	return Released{Pattern: out, SourceIDs: ids, Generalized: true}
}

// backing counts the distinct records behind a group. Patterns without
// persisted sources contribute their instance count.
func backing(group []model.PatternCluster) int {
	seen := make(map[string]bool)
	n := 0
	for _, p := range group {
		if len(p.SourceRecordIDs) == 0 {
			n += p.InstanceCount
			continue
		}
		for _, id := range p.SourceRecordIDs {
			if !seen[id] {
				seen[id] = true
				n++
			}
		}
	}
	return n
}
