package model

import (
	"sort"
	"time"
)

// PatternCluster is a recurring pattern discovered from similar records.
type PatternCluster struct {
	ID               string             `json:"id"`
	Centroid         []float64          `json:"centroid"`
	SourceRecordIDs  []string           `json:"source_record_ids"`
	InstanceCount    int                `json:"instance_count"`
	Strength         float64            `json:"strength"`
	FeatureSummary   map[string]float64 `json:"feature_summary"`
	Representative   string             `json:"representative,omitempty"`
	VotesPositive    int                `json:"votes_positive"`
	VotesTotal       int                `json:"votes_total"`
	CreatedAt        time.Time          `json:"created_at"`
	LastReinforcedAt time.Time          `json:"last_reinforced_at"`
}

// HasSource reports whether id is already one of the pattern's sources.
func (p *PatternCluster) HasSource(id string) bool {
	for _, s := range p.SourceRecordIDs {
		if s == id {
			return true
		}
	}
	return false
}

// UnionSources merges ids into the source set, keeps the set sorted and
// updates InstanceCount. It returns the number of newly added ids.
func (p *PatternCluster) UnionSources(ids []string) int {
	set := make(map[string]bool, len(p.SourceRecordIDs)+len(ids))
	for _, s := range p.SourceRecordIDs {
		set[s] = true
	}
	added := 0
	for _, id := range ids {
		if !set[id] {
			set[id] = true
			added++
		}
	}
	merged := make([]string, 0, len(set))
	for id := range set {
		merged = append(merged, id)
	}
	sort.Strings(merged)
	p.SourceRecordIDs = merged
	p.InstanceCount = len(merged)
	return added
}

// Feature is a single weighted label of a feature summary.
type Feature struct {
	Label  string  `json:"label"`
	Weight float64 `json:"weight"`
}

// SortedFeatures returns the summary ordered by weight desc then label.
func SortedFeatures(summary map[string]float64) []Feature {
	out := make([]Feature, 0, len(summary))
	for l, w := range summary {
		out = append(out, Feature{Label: l, Weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// DiscoveryThresholds controls a discovery pass.
type DiscoveryThresholds struct {
	SimilarityThreshold float64 `json:"similarity_threshold" validate:"gt=0,lte=1"`
	MinInstances        int     `json:"min_instances" validate:"min=1"`
}

// DiscoveryResult reports what a discovery pass did.
type DiscoveryResult struct {
	Created    []PatternCluster `json:"created"`
	Reinforced []PatternCluster `json:"reinforced"`
	Groups     int              `json:"groups"`
	Considered int              `json:"considered"`
	Skipped    int              `json:"skipped"`
	Reason     Reason           `json:"reason,omitempty"`
}

// Discovered is the number of patterns created or reinforced.
func (r DiscoveryResult) Discovered() int {
	return len(r.Created) + len(r.Reinforced)
}
