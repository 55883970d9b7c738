package patterns

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lazypower/mnemo/internal/model"
	"github.com/lazypower/mnemo/internal/vector"
)

// Feature label prefixes.
const (
	LabelTag  = "tag:"
	LabelHour = "hour:"
	LabelTier = "tier:"
)

// maxFeatures bounds a pattern's feature summary.
const maxFeatures = 10

const maxRepresentative = 280

// Summarize weights each label by the fraction of members carrying it and
// keeps the strongest maxFeatures labels.
func Summarize(members []model.MemoryRecord) map[string]float64 {
	if len(members) == 0 {
		return map[string]float64{}
	}
	counts := make(map[string]int)
	for _, m := range members {
		labels := make(map[string]bool, len(m.Tags)+2)
		labels[LabelTier+string(m.Tier)] = true
		labels[fmt.Sprintf("%s%02d", LabelHour, m.CreatedAt.UTC().Hour())] = true
		for _, t := range m.Tags {
			labels[LabelTag+t] = true
		}
		for l := range labels {
			counts[l]++
		}
	}

	all := make(map[string]float64, len(counts))
	n := float64(len(members))
	for l, c := range counts {
		all[l] = float64(c) / n
	}
	out := make(map[string]float64, maxFeatures)
	for i, f := range model.SortedFeatures(all) {
		if i == maxFeatures {
			break
		}
		out[f.Label] = f.Weight
	}
	return out
}

// Representative returns the content of the member closest to centroid,
// trimmed for display. Ties keep the earliest member.
func Representative(members []model.MemoryRecord, centroid []float64) string {
	best, bestSim := -1, 0.0
	for i, m := range members {
		if m.Content == "" {
			continue
		}
		sim := vector.Cosine(m.Embedding, centroid)
		if best < 0 || sim > bestSim {
			best, bestSim = i, sim
		}
	}
	if best < 0 {
		return ""
	}
	return truncate(strings.TrimSpace(members[best].Content), maxRepresentative)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// meanStrength is the average member strength.
func meanStrength(members []model.MemoryRecord) float64 {
	if len(members) == 0 {
		return 0
	}
	var sum float64
	for _, m := range members {
		sum += m.Strength
	}
	return model.ClampStrength(sum / float64(len(members)))
}
