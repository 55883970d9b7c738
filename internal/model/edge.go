package model

import (
	"math"
	"time"
)

// AssociationEdge is a directed association between two concepts.
type AssociationEdge struct {
	From              string     `json:"from"`
	To                string     `json:"to"`
	Strength          float64    `json:"strength"`
	CoOccurrenceCount int        `json:"co_occurrence_count"`
	ActivationCount   int        `json:"activation_count"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivatedAt   *time.Time `json:"last_activated_at,omitempty"`
}

// EdgeStrength is the association strength for a co-occurrence count:
// min(0.5 + ln(count)/10, 1). Counts below 1 yield 0.
func EdgeStrength(count int) float64 {
	if count < 1 {
		return 0
	}
	return math.Min(0.5+math.Log(float64(count))/10, 1)
}

// Traversal is the result of a spreading-activation walk.
type Traversal struct {
	Start      string             `json:"start"`
	Nodes      []string           `json:"nodes"`
	Edges      []AssociationEdge  `json:"edges"`
	Depth      map[string]int     `json:"depth"`
	Activation map[string]float64 `json:"activation"`
}
