package privacy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/mnemo/internal/model"
	"github.com/lazypower/mnemo/internal/store"
)

// budgetTolerance absorbs float rounding in cumulative epsilon sums.
const budgetTolerance = 1e-9

// Ledger tracks cumulative epsilon per privacy session. Charge must check
// and add atomically and never lower the cumulative value.
type Ledger interface {
	Active(ctx context.Context) (*model.PrivacyBudget, error)
	Get(ctx context.Context, sessionID string) (*model.PrivacyBudget, error)
	Start(ctx context.Context, ceiling float64) (*model.PrivacyBudget, error)
	Charge(ctx context.Context, sessionID string, epsilon float64) (*model.PrivacyBudget, error)
}

// StoreLedger persists budgets in the SQLite store.
type StoreLedger struct {
	db  *store.DB
	now func() time.Time
}

// NewStoreLedger wraps db.
func NewStoreLedger(db *store.DB) *StoreLedger {
	return &StoreLedger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (l *StoreLedger) Active(ctx context.Context) (*model.PrivacyBudget, error) {
	return l.db.ActivePrivacySession(ctx)
}

func (l *StoreLedger) Get(ctx context.Context, sessionID string) (*model.PrivacyBudget, error) {
	return l.db.GetPrivacySession(ctx, sessionID)
}

func (l *StoreLedger) Start(ctx context.Context, ceiling float64) (*model.PrivacyBudget, error) {
	return l.db.StartPrivacySession(ctx, ceiling, l.now())
}

func (l *StoreLedger) Charge(ctx context.Context, sessionID string, epsilon float64) (*model.PrivacyBudget, error) {
	return l.db.ChargeBudget(ctx, sessionID, epsilon)
}

// MemoryLedger keeps budgets in process memory.
type MemoryLedger struct {
	mu       sync.Mutex
	sessions map[string]*model.PrivacyBudget
	active   string
	now      func() time.Time
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		sessions: make(map[string]*model.PrivacyBudget),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) Active(ctx context.Context) (*model.PrivacyBudget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyOf(l.active), nil
}

func (l *MemoryLedger) Get(ctx context.Context, sessionID string) (*model.PrivacyBudget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyOf(sessionID), nil
}

func (l *MemoryLedger) Start(ctx context.Context, ceiling float64) (*model.PrivacyBudget, error) {
	if ceiling <= 0 {
		return nil, fmt.Errorf("%w: ceiling must be positive", model.ErrInvalid)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := &model.PrivacyBudget{
		SessionID:    uuid.NewString(),
		Ceiling:      ceiling,
		SessionStart: l.now(),
	}
	l.sessions[b.SessionID] = b
	l.active = b.SessionID
	return l.copyOf(b.SessionID), nil
}

func (l *MemoryLedger) Charge(ctx context.Context, sessionID string, epsilon float64) (*model.PrivacyBudget, error) {
	if epsilon <= 0 {
		return nil, fmt.Errorf("%w: epsilon must be positive", model.ErrInvalid)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("privacy session %s: %w", sessionID, model.ErrNotFound)
	}
	if sessionID != l.active {
		return l.copyOf(sessionID), fmt.Errorf("session %s: %w", sessionID, model.ErrSessionClosed)
	}
	if b.CumulativeEpsilon+epsilon > b.Ceiling+budgetTolerance {
		return l.copyOf(sessionID), fmt.Errorf("session %s: %.4f + %.4f > %.4f: %w",
			sessionID, b.CumulativeEpsilon, epsilon, b.Ceiling, model.ErrPrivacyBudgetExceeded)
	}
	b.CumulativeEpsilon += epsilon
	return l.copyOf(sessionID), nil
}

func (l *MemoryLedger) copyOf(id string) *model.PrivacyBudget {
	b, ok := l.sessions[id]
	if !ok {
		return nil
	}
	c := *b
	return &c
}
