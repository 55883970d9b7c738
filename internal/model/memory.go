// Package model defines the core memory, pattern, association and sharing types.
package model

import (
	"strings"
	"time"
)

// Tier classifies how durable a record is.
type Tier string

const (
	TierWorking  Tier = "working"
	TierEpisodic Tier = "episodic"
	TierSemantic Tier = "semantic"
)

// Tiers lists every tier in promotion order.
var Tiers = []Tier{TierWorking, TierEpisodic, TierSemantic}

// ValidTiers are the allowed tier values.
var ValidTiers = map[Tier]bool{
	TierWorking:  true,
	TierEpisodic: true,
	TierSemantic: true,
}

// Importance bounds.
const (
	MinImportance = 1
	MaxImportance = 10
)

// MemoryRecord is a single unit of experience.
type MemoryRecord struct {
	ID             string    `json:"id"`
	Tier           Tier      `json:"tier"`
	Content        string    `json:"content,omitempty"`
	Embedding      []float64 `json:"embedding,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	Strength       float64   `json:"strength"`
	Importance     float64   `json:"importance"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`

	// AccessCount counts accesses since the last reinforcement and is reset by it.
	AccessCount int `json:"access_count"`
	// TotalAccesses is the lifetime access counter used for promotion.
	TotalAccesses int `json:"total_accesses"`

	Archived bool     `json:"archived"`
	Tags     []string `json:"tags,omitempty"`
	Metadata Metadata `json:"metadata"`

	// SourceID is the provenance reference of a promoted semantic record.
	SourceID string `json:"source_id,omitempty"`
	// PromotedTo is set on an episodic record once its semantic copy exists.
	PromotedTo string `json:"promoted_to,omitempty"`

	DecayedAt    *time.Time `json:"decayed_at,omitempty"`
	AssociatedAt *time.Time `json:"associated_at,omitempty"`
}

// HasEmbedding reports whether the record carries a usable embedding of dims
// length. dims <= 0 accepts any non-empty vector.
func (r *MemoryRecord) HasEmbedding(dims int) bool {
	if len(r.Embedding) == 0 {
		return false
	}
	if dims > 0 && len(r.Embedding) != dims {
		return false
	}
	for _, v := range r.Embedding {
		if v != 0 {
			return true
		}
	}
	return false
}

// HasTag reports whether the record carries tag.
func (r *MemoryRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ClampStrength bounds s to [0,1].
func ClampStrength(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// ClampImportance bounds i to [MinImportance, MaxImportance]. Zero stays zero
// so callers can detect an undefined importance.
func ClampImportance(i float64) float64 {
	if i == 0 {
		return 0
	}
	if i < MinImportance {
		return MinImportance
	}
	if i > MaxImportance {
		return MaxImportance
	}
	return i
}

// NormalizeTags lowercases, trims and deduplicates tags, preserving order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Interaction is the raw input to StoreInteraction.
type Interaction struct {
	Content    string            `json:"content" validate:"required_without=Embedding"`
	Embedding  []float64         `json:"embedding,omitempty"`
	Importance float64           `json:"importance" validate:"omitempty,min=1,max=10"`
	Tags       []string          `json:"tags,omitempty"`
	Source     string            `json:"source,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at,omitempty"`
}

// ScoredRecord pairs a record with its similarity to a query.
type ScoredRecord struct {
	Record     MemoryRecord `json:"record"`
	Similarity float64      `json:"similarity"`
}

// StrengthUpdate is one entry of a batched strength write.
type StrengthUpdate struct {
	ID       string
	Strength float64

	// DecayedAt marks the record as decayed for the window ending at this time.
	DecayedAt *time.Time
	// ResetAccessCount zeroes the pending access counter.
	ResetAccessCount bool
}
