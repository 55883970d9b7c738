package privacy

import (
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// identifierDigits is the digit run length treated as an identifier.
const identifierDigits = 4

// Redact drops labels weighing less than minWeight and labels that look like
// identifiers. It returns a new summary and the number of labels dropped.
func Redact(summary map[string]float64, minWeight float64) (map[string]float64, int) {
	out := make(map[string]float64, len(summary))
	dropped := 0
	for label, w := range summary {
		if w < minWeight || hasDigitRun(label, identifierDigits) {
			dropped++
			continue
		}
		out[label] = w
	}
	return out, dropped
}

func hasDigitRun(s string, n int) bool {
	run := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			run++
			if run >= n {
				return true
			}
			continue
		}
		run = 0
	}
	return false
}

// Generalize coarsens labels by one step: clock hours become parts of the
// day and hierarchical tags lose their last segment. Colliding labels keep
// the larger weight.
func Generalize(summary map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(summary))
	for label, w := range summary {
		g := generalizeLabel(label)
		if w > out[g] {
			out[g] = w
		}
	}
	return out
}

func generalizeLabel(label string) string {
	switch {
	case strings.HasPrefix(label, "hour:"):
		h, err := strconv.Atoi(strings.TrimPrefix(label, "hour:"))
		if err != nil {
			return label
		}
		return "daypart:" + dayPart(h)
	case strings.HasPrefix(label, "tag:"):
		tag := strings.TrimPrefix(label, "tag:")
		if i := strings.LastIndexByte(tag, '/'); i > 0 {
			return "tag:" + tag[:i]
		}
	}
	return label
}

func dayPart(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 22:
		return "evening"
	default:
		return "night"
	}
}

// dominantWeight is the label weight that joins a pattern's signature.
const dominantWeight = 0.5

// signature keys patterns that become indistinguishable after
// generalization: the sorted set of labels carried by at least half the
// members.
func signature(summary map[string]float64) string {
	labels := make([]string, 0, len(summary))
	for l, w := range summary {
		if w >= dominantWeight {
			labels = append(labels, l)
		}
	}
	sort.Strings(labels)
	return strings.Join(labels, "|")
}
