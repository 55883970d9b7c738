package patterns

import (
	"fmt"
	"sort"

	"github.com/lazypower/mnemo/internal/model"
	"github.com/lazypower/mnemo/internal/vector"
)

// Group is a set of mutually similar records and their running centroid.
type Group struct {
	Centroid []float64
	Members  []model.MemoryRecord
}

// IDs returns the member ids in membership order.
func (g *Group) IDs() []string {
	ids := make([]string, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.ID
	}
	return ids
}

// Embeddings maps member ids to their embeddings.
func (g *Group) Embeddings() map[string][]float64 {
	out := make(map[string][]float64, len(g.Members))
	for _, m := range g.Members {
		out[m.ID] = m.Embedding
	}
	return out
}

// SortByCreation orders records by creation time, then id.
func SortByCreation(records []model.MemoryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

// Cluster assigns each record, in creation order, to the group whose centroid
// is most similar at or above threshold, or starts a new group. Ties go to the
// earliest-created group. Every record must carry an embedding of the same
// length.
func Cluster(records []model.MemoryRecord, threshold float64, idx Index) ([]Group, error) {
	if idx == nil {
		idx = NewExactIndex()
	}
	var groups []Group
	for _, r := range records {
		if len(groups) > 0 && len(r.Embedding) != len(groups[0].Centroid) {
			return nil, fmt.Errorf("record %s: %d dims, want %d: %w",
				r.ID, len(r.Embedding), len(groups[0].Centroid), model.ErrInvalid)
		}

		cands := idx.Candidates(r.Embedding)
		best := nearest(groups, cands, r.Embedding, threshold, -1)
		// A candidate hit can still lose to a group the index did not propose.
		best = nearest(groups, excluding(len(groups), cands), r.Embedding, threshold, best)
		if best < 0 {
			groups = append(groups, Group{
				Centroid: vector.Clone(r.Embedding),
				Members:  []model.MemoryRecord{r},
			})
			idx.Put(len(groups)-1, r.Embedding)
			continue
		}

		g := &groups[best]
		g.Centroid = vector.RunningMean(g.Centroid, len(g.Members), r.Embedding)
		g.Members = append(g.Members, r)
		idx.Put(best, g.Centroid)
	}
	return groups, nil
}

// nearest returns the group among ids with the highest similarity >= threshold,
// starting from best (-1 for none). Ties go to the lower id, which is the
// earlier-created group.
func nearest(groups []Group, ids []int, v []float64, threshold float64, best int) int {
	bestSim := 0.0
	if best >= 0 {
		bestSim = vector.Cosine(groups[best].Centroid, v)
	}
	for _, id := range ids {
		sim := vector.Cosine(groups[id].Centroid, v)
		if sim < threshold {
			continue
		}
		if best < 0 || sim > bestSim || (sim == bestSim && id < best) {
			best, bestSim = id, sim
		}
	}
	return best
}

// excluding returns the ids in [0, n) missing from sorted.
func excluding(n int, sorted []int) []int {
	out := make([]int, 0, n-len(sorted))
	j := 0
	for id := 0; id < n; id++ {
		if j < len(sorted) && sorted[j] == id {
			j++
			continue
		}
		out = append(out, id)
	}
	return out
}
