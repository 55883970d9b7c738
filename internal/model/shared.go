package model

import "time"

// Scope is how widely a shared pattern may travel.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeShared  Scope = "shared"
	ScopeGlobal  Scope = "global"
)

// Votes tallies feedback on a pattern.
type Votes struct {
	Positive int `json:"positive"`
	Total    int `json:"total"`
}

// SharedPattern is the privacy-treated export form of a pattern.
type SharedPattern struct {
	SourcePatternID     string             `json:"source_pattern_id"`
	SourcePatternIDs    []string           `json:"source_pattern_ids,omitempty"`
	Scope               Scope              `json:"scope"`
	Confidence          float64            `json:"confidence"`
	Votes               Votes              `json:"votes"`
	IsSensitive         bool               `json:"is_sensitive"`
	Generalized         bool               `json:"generalized"`
	NoisedInstanceCount float64            `json:"noised_instance_count"`
	FeatureSummary      map[string]float64 `json:"feature_summary"`
}

// Rejection explains why a pattern was not released.
type Rejection struct {
	PatternID string `json:"pattern_id"`
	Reason    Reason `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}

// ShareRequest asks the privacy gate to release patterns.
type ShareRequest struct {
	PatternIDs  []string `json:"pattern_ids,omitempty"`
	Epsilon     float64  `json:"epsilon" validate:"omitempty,gt=0"`
	K           int      `json:"k" validate:"omitempty,min=2"`
	Sensitivity float64  `json:"sensitivity" validate:"omitempty,gt=0"`
	Scope       Scope    `json:"scope" validate:"omitempty,oneof=private shared global"`
	SessionID   string   `json:"session_id,omitempty"`
}

// ShareResult is the outcome of a share request.
type ShareResult struct {
	SessionID     string          `json:"session_id"`
	Released      []SharedPattern `json:"released"`
	Rejected      []Rejection     `json:"rejected"`
	EpsilonSpent  float64         `json:"epsilon_spent"`
	EpsilonRemain float64         `json:"epsilon_remaining"`
}

// PrivacyBudget is the cumulative epsilon spent in a privacy session.
type PrivacyBudget struct {
	SessionID         string    `json:"session_id"`
	CumulativeEpsilon float64   `json:"cumulative_epsilon"`
	Ceiling           float64   `json:"ceiling"`
	SessionStart      time.Time `json:"session_start"`
}

// Remaining is the epsilon still available in the session.
func (b PrivacyBudget) Remaining() float64 {
	r := b.Ceiling - b.CumulativeEpsilon
	if r < 0 {
		return 0
	}
	return r
}

// AuditEntry records one privacy gate decision.
type AuditEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	PatternID string    `json:"pattern_id"`
	Decision  string    `json:"decision"`
	Reason    Reason    `json:"reason,omitempty"`
	Scope     Scope     `json:"scope,omitempty"`
	Epsilon   float64   `json:"epsilon"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit decisions.
const (
	DecisionReleased = "released"
	DecisionRejected = "rejected"
)
