package model

import "time"

// TierCounts is a per-tier tally.
type TierCounts map[Tier]int

// Total sums every tier.
func (c TierCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Add increments the count for tier.
func (c TierCounts) Add(t Tier, n int) {
	c[t] += n
}

// DecayReport summarizes a decay or reinforcement step.
type DecayReport struct {
	Affected TierCounts `json:"affected"`
	Skipped  int        `json:"skipped"`
}

// NewDecayReport returns an empty report.
func NewDecayReport() DecayReport {
	return DecayReport{Affected: TierCounts{}}
}

// PromotionReport summarizes promotion and archival.
type PromotionReport struct {
	ToEpisodic int `json:"to_episodic"`
	ToSemantic int `json:"to_semantic"`
	Archived   int `json:"archived"`
	Contended  int `json:"contended"`
}

// RunState is the consolidation scheduler state.
type RunState int32

const (
	StateIdle RunState = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConsolidationReport is emitted by a completed consolidation pass.
type ConsolidationReport struct {
	RunID              string     `json:"run_id"`
	Window             Window     `json:"window"`
	Decayed            TierCounts `json:"decayed"`
	Strengthened       TierCounts `json:"strengthened"`
	Promoted           int        `json:"promoted"`
	PromotedToEpisodic int        `json:"promoted_to_episodic"`
	Archived           int        `json:"archived"`
	PatternsDiscovered int        `json:"patterns_discovered"`
	EdgesUpdated       int        `json:"edges_updated"`
	Attempts           int        `json:"attempts"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         time.Time  `json:"finished_at"`
}

// NewReport returns a zero-effect report.
func NewReport() ConsolidationReport {
	return ConsolidationReport{Decayed: TierCounts{}, Strengthened: TierCounts{}}
}

// RunRecord is a persisted consolidation run.
type RunRecord struct {
	ID         string              `json:"id"`
	State      string              `json:"state"`
	Window     Window              `json:"window"`
	Report     ConsolidationReport `json:"report"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}
