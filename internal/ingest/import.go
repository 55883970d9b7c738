package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/mnemo/internal/model"
)

// Storer persists one interaction. engine.Engine implements it.
type Storer interface {
	StoreInteraction(ctx context.Context, in model.Interaction) (string, error)
}

// Summary is the outcome of an import.
type Summary struct {
	Stored   int
	Rejected int
	IDs      []string
}

// DefaultConcurrency bounds in-flight StoreInteraction calls. Embedding
// dominates their cost.
const DefaultConcurrency = 4

// Import stores interactions with at most concurrency calls in flight.
// Invalid interactions are counted and logged; any other failure cancels the
// remaining work. IDs keep input order, with rejected entries left empty.
func Import(ctx context.Context, s Storer, interactions []model.Interaction, concurrency int, log *zap.Logger) (Summary, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	ids := make([]string, len(interactions))
	var (
		mu       sync.Mutex
		rejected int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range interactions {
		g.Go(func() error {
			id, err := s.StoreInteraction(gctx, interactions[i])
			if errors.Is(err, model.ErrInvalid) {
				mu.Lock()
				rejected++
				mu.Unlock()
				log.Warn("ingest: interaction rejected", zap.Int("index", i), zap.Error(err))
				return nil
			}
			if err != nil {
				return fmt.Errorf("interaction %d: %w", i, err)
			}
			ids[i] = id
			return nil
		})
	}
	err := g.Wait()

	sum := Summary{Rejected: rejected, IDs: ids}
	for _, id := range ids {
		if id != "" {
			sum.Stored++
		}
	}
	if err != nil {
		return sum, fmt.Errorf("import: %w", err)
	}
	log.Info("ingest: import complete",
		zap.Int("stored", sum.Stored),
		zap.Int("rejected", sum.Rejected))
	return sum, nil
}
