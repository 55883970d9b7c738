package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is a transient backend failure. The scheduler retries it.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInsufficientData means there was nothing to work on. Callers get an
	// empty result with a reason code rather than an error.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrConcurrentConsolidation rejects a run while another is in progress.
	ErrConcurrentConsolidation = errors.New("consolidation already running")
	// ErrEmbeddingMissing marks a record that cannot be clustered.
	ErrEmbeddingMissing = errors.New("embedding missing")
	// ErrKAnonymityViolation marks a pattern below the k threshold.
	ErrKAnonymityViolation = errors.New("k-anonymity violation")
	// ErrPrivacyBudgetExceeded rejects a whole share request.
	ErrPrivacyBudgetExceeded = errors.New("privacy budget exceeded")
	// ErrSessionClosed rejects a charge against a privacy session that a newer
	// session has superseded. Budget left in it can no longer be spent.
	ErrSessionClosed = errors.New("privacy session closed")

	// ErrClaimLost means a promotion completed without holding its claim.
	ErrClaimLost = errors.New("promotion claim lost")

	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid input")
)

// Reason is a machine-readable code carried in API payloads.
type Reason string

const (
	ReasonSensitive        Reason = "sensitive"
	ReasonKAnonymity       Reason = "k_anonymity"
	ReasonInsufficientData Reason = "insufficient_data"
	ReasonBudgetExceeded   Reason = "budget_exceeded"
	ReasonSessionClosed    Reason = "session_closed"
	ReasonEmbeddingMissing Reason = "embedding_missing"
	ReasonGeneralized      Reason = "generalized"
	ReasonConflict         Reason = "concurrent_consolidation"
	ReasonStoreUnavailable Reason = "store_unavailable"
	ReasonNotFound         Reason = "not_found"
	ReasonInvalid          Reason = "invalid"
)

// StoreError wraps an I/O failure of a store backend.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes every StoreError match ErrStoreUnavailable.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// Unavailable wraps err as a StoreError for op. nil stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// RunError is a failed consolidation pass.
type RunError struct {
	Step string
	Err  error
}

func (e *RunError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("consolidation failed: %v", e.Err)
	}
	return fmt.Sprintf("consolidation failed at %s: %v", e.Step, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// ReasonFor maps an error to its reason code.
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPrivacyBudgetExceeded):
		return ReasonBudgetExceeded
	case errors.Is(err, ErrSessionClosed):
		return ReasonSessionClosed
	case errors.Is(err, ErrConcurrentConsolidation):
		return ReasonConflict
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ReasonStoreUnavailable
	case errors.Is(err, ErrInsufficientData):
		return ReasonInsufficientData
	case errors.Is(err, ErrEmbeddingMissing):
		return ReasonEmbeddingMissing
	case errors.Is(err, ErrKAnonymityViolation):
		return ReasonKAnonymity
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrInvalid):
		return ReasonInvalid
	default:
		return ""
	}
}
