package model

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// LastN is the window of the given duration ending at end.
func LastN(d time.Duration, end time.Time) Window {
	return Window{Start: end.Add(-d), End: end}
}

// Filter selects records for Query. Zero fields do not filter.
type Filter struct {
	IDs             []string
	Tiers           []Tier
	Tags            []string
	IncludeArchived bool

	CreatedAfter   time.Time
	CreatedBefore  time.Time
	AccessedAfter  time.Time
	AccessedBefore time.Time

	// DecayedBefore keeps records never decayed or last decayed before this time.
	DecayedBefore time.Time
	// Unassociated keeps records not yet processed by the association step.
	Unassociated bool
	// MinAccessCount keeps records with at least this many pending accesses.
	MinAccessCount int
	// Unpromoted keeps records with no semantic copy and no live promotion
	// claim. With ClaimStaleBefore set, claims taken before it count as
	// abandoned and their records are kept.
	Unpromoted       bool
	ClaimStaleBefore time.Time
	// StrengthBelow keeps records weaker than this. 0 does not filter.
	StrengthBelow float64

	Limit int
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a ULID for t. IDs sort lexically by creation time.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
