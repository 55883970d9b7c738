// Package graph maintains the associative concept graph and walks it with
// breadth-first spreading activation.
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/mnemo/internal/model"
	"github.com/lazypower/mnemo/internal/store"
)

// Store persists association edges.
type Store interface {
	AddCoOccurrence(ctx context.Context, from, to string, delta int, at time.Time) (*model.AssociationEdge, error)
	EdgesFrom(ctx context.Context, concept string, minStrength float64) ([]model.AssociationEdge, error)
	TouchEdges(ctx context.Context, keys []store.EdgeKey, at time.Time) error
}

// Graph is the associative graph engine.
type Graph struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// New creates a Graph over s. A nil logger discards output.
func New(s Store, log *zap.Logger) *Graph {
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{
		store: s,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (g *Graph) SetClock(now func() time.Time) { g.now = now }

// Concept normalizes a concept name.
func Concept(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// FormOrStrengthen creates from->to if absent, otherwise adds delta to its
// co-occurrence count. Strength is recomputed from the cumulative count, so
// two calls with deltas a and b equal one call with a+b.
func (g *Graph) FormOrStrengthen(ctx context.Context, from, to string, delta int) (*model.AssociationEdge, error) {
	from, to = Concept(from), Concept(to)
	if from == "" || to == "" {
		return nil, fmt.Errorf("%w: empty concept", model.ErrInvalid)
	}
	if from == to {
		return nil, fmt.Errorf("%w: self association %q", model.ErrInvalid, from)
	}
	if delta < 1 {
		return nil, fmt.Errorf("%w: co-occurrence delta %d", model.ErrInvalid, delta)
	}
	e, err := g.store.AddCoOccurrence(ctx, from, to, delta, g.now())
	if err != nil {
		return nil, fmt.Errorf("form association %s->%s: %w", from, to, err)
	}
	return e, nil
}

// GetAssociations returns outgoing edges of concept with strength >=
// minStrength, strongest first, and counts the read as an activation.
// maxResults <= 0 returns every edge.
func (g *Graph) GetAssociations(ctx context.Context, concept string, minStrength float64, maxResults int) ([]model.AssociationEdge, error) {
	concept = Concept(concept)
	edges, err := g.store.EdgesFrom(ctx, concept, minStrength)
	if err != nil {
		return nil, fmt.Errorf("associations of %s: %w", concept, err)
	}
	if maxResults > 0 && len(edges) > maxResults {
		edges = edges[:maxResults]
	}
	if err := g.touch(ctx, edges); err != nil {
		return nil, err
	}
	return edges, nil
}

// Traverse walks outgoing edges breadth-first from start, following edges
// with strength >= minStrength up to maxDepth hops. Each concept is visited
// once. Nodes and edges are returned in discovery order. Activation spreads
// as parent activation times edge strength, with the start at 1.
func (g *Graph) Traverse(ctx context.Context, start string, maxDepth int, minStrength float64) (*model.Traversal, error) {
	start = Concept(start)
	if start == "" {
		return nil, fmt.Errorf("%w: empty concept", model.ErrInvalid)
	}
	t := &model.Traversal{
		Start:      start,
		Nodes:      []string{start},
		Depth:      map[string]int{start: 0},
		Activation: map[string]float64{start: 1},
	}

	queue := []string{start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		depth := t.Depth[node]
		if depth >= maxDepth {
			continue
		}

		edges, err := g.store.EdgesFrom(ctx, node, minStrength)
		if err != nil {
			return nil, fmt.Errorf("traverse %s: %w", node, err)
		}
		for _, e := range edges {
			if _, seen := t.Depth[e.To]; seen {
				continue
			}
			t.Depth[e.To] = depth + 1
			t.Activation[e.To] = t.Activation[node] * e.Strength
			t.Nodes = append(t.Nodes, e.To)
			t.Edges = append(t.Edges, e)
			queue = append(queue, e.To)
		}
	}

	if err := g.touch(ctx, t.Edges); err != nil {
		return nil, err
	}
	return t, nil
}

// touch counts an activation on each edge, mirroring the write in the
// returned copies.
func (g *Graph) touch(ctx context.Context, edges []model.AssociationEdge) error {
	if len(edges) == 0 {
		return nil
	}
	at := g.now()
	keys := make([]store.EdgeKey, len(edges))
	for i := range edges {
		keys[i] = store.EdgeKey{From: edges[i].From, To: edges[i].To}
		edges[i].ActivationCount++
		edges[i].LastActivatedAt = &at
	}
	if err := g.store.TouchEdges(ctx, keys, at); err != nil {
		return fmt.Errorf("record activation: %w", err)
	}
	return nil
}

// AssociateRecords forms an edge in both directions for every pair of tags
// that co-occur on a record. It returns the number of edge writes.
func (g *Graph) AssociateRecords(ctx context.Context, records []model.MemoryRecord) (int, error) {
	updated := 0
	for _, r := range records {
		tags := model.NormalizeTags(r.Tags)
		for i := 0; i < len(tags); i++ {
			for j := 0; j < len(tags); j++ {
				if i == j {
					continue
				}
				if _, err := g.FormOrStrengthen(ctx, tags[i], tags[j], 1); err != nil {
					return updated, err
				}
				updated++
			}
		}
	}
	if updated > 0 {
		g.log.Debug("graph: associated records",
			zap.Int("records", len(records)),
			zap.Int("edges_updated", updated))
	}
	return updated, nil
}
