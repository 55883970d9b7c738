package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lazypower/mnemo/internal/llm"
	"github.com/lazypower/mnemo/internal/model"
)

func TestRetrieveRanksBySimilarity(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()

	faded := putRecord(t, db, &model.MemoryRecord{Strength: 0.3, Importance: 5, Embedding: []float64{1, 0}})
	fresh := putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, Embedding: []float64{0.8, 0.6}})
	putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, Embedding: []float64{0, 1}})

	results, err := e.Retrieve(ctx, RetrieveQuery{Embedding: []float64{1, 0}, MinSimilarity: 0.1})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Record.ID != faded || results[1].Record.ID != fresh {
		t.Errorf("order = %s, %s, want most similar %s first", results[0].Record.ID, results[1].Record.ID, faded)
	}
	if !approx(results[0].Similarity, 1) || !approx(results[1].Similarity, 0.8) {
		t.Errorf("similarities = %v, %v, want 1, 0.8", results[0].Similarity, results[1].Similarity)
	}
	if !approx(results[0].Score, 0.3) || !approx(results[1].Score, 0.8) {
		t.Errorf("scores = %v, %v, want 0.3, 0.8", results[0].Score, results[1].Score)
	}

	// Retrieval counts as access
	for _, id := range []string{faded, fresh} {
		r := getRecord(t, db, id)
		if r.AccessCount != 1 || !r.LastAccessedAt.Equal(testNow) {
			t.Errorf("%s: access count %d at %v, want 1 at %v", id, r.AccessCount, r.LastAccessedAt, testNow)
		}
	}
}

func TestRetrieveWeightByStrength(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()

	faded := putRecord(t, db, &model.MemoryRecord{Strength: 0.3, Importance: 5, Embedding: []float64{1, 0}})
	fresh := putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, Embedding: []float64{0.8, 0.6}})

	results, err := e.Retrieve(ctx, RetrieveQuery{Embedding: []float64{1, 0}, MinSimilarity: 0.1, WeightByStrength: true})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 2 || results[0].Record.ID != fresh || results[1].Record.ID != faded {
		t.Fatalf("results = %v, want %s then %s", results, fresh, faded)
	}
}

func TestRetrieveLimitAndFilters(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()

	tagged := putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, Tags: []string{"go"}, Embedding: []float64{1, 0.1}})
	putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, Tags: []string{"rust"}, Embedding: []float64{1, 0}})
	semantic := putRecord(t, db, &model.MemoryRecord{Tier: model.TierSemantic, Strength: 1, Importance: 5, Embedding: []float64{1, 0.2}})

	results, err := e.Retrieve(ctx, RetrieveQuery{Embedding: []float64{1, 0}, Tags: []string{"go"}})
	if err != nil {
		t.Fatalf("Retrieve by tag: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != tagged {
		t.Errorf("tag filter = %v, want only %s", results, tagged)
	}

	results, err = e.Retrieve(ctx, RetrieveQuery{Embedding: []float64{1, 0}, Tiers: []model.Tier{model.TierSemantic}})
	if err != nil {
		t.Fatalf("Retrieve by tier: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != semantic {
		t.Errorf("tier filter = %v, want only %s", results, semantic)
	}

	results, err = e.Retrieve(ctx, RetrieveQuery{Embedding: []float64{1, 0}, Limit: 2})
	if err != nil {
		t.Fatalf("Retrieve with limit: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
}

func TestRetrieveByText(t *testing.T) {
	emb := NewTFIDFEmbedder([]string{
		"Go developer who prefers minimal dependencies",
		"Uses SQLite with WAL mode for concurrent reads",
	}, 128)
	e, _ := testEngine(t, testConfig(), Options{Embedder: emb})
	ctx := context.Background()

	goID, err := e.StoreInteraction(ctx, model.Interaction{Content: "Go developer who prefers minimal dependencies"})
	if err != nil {
		t.Fatalf("StoreInteraction: %v", err)
	}
	if _, err := e.StoreInteraction(ctx, model.Interaction{Content: "Uses SQLite with WAL mode for concurrent reads"}); err != nil {
		t.Fatalf("StoreInteraction: %v", err)
	}

	results, err := e.Retrieve(ctx, RetrieveQuery{Text: "minimal dependencies", Limit: 1})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != goID {
		t.Errorf("results = %v, want %s first", results, goID)
	}
}

func TestRetrieveErrors(t *testing.T) {
	e, _ := testEngine(t, testConfig(), Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		q    RetrieveQuery
		want error
	}{
		{"empty", RetrieveQuery{}, model.ErrInvalid},
		{"limit", RetrieveQuery{Embedding: []float64{1}, Limit: 101}, model.ErrInvalid},
		{"similarity", RetrieveQuery{Embedding: []float64{1}, MinSimilarity: 1.5}, model.ErrInvalid},
		{"tier", RetrieveQuery{Embedding: []float64{1}, Tiers: []model.Tier{"core"}}, model.ErrInvalid},
		{"no embedder", RetrieveQuery{Text: "hello"}, model.ErrEmbeddingMissing},
	}
	for _, tt := range tests {
		if _, err := e.Retrieve(ctx, tt.q); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestLLMSummarizer(t *testing.T) {
	mock := &llm.MockClient{Response: &llm.Response{Content: "  Table tests keep Go suites readable.  ", Provider: "mock"}}
	s := NewLLMSummarizer(mock)
	if s.Name() != "llm" {
		t.Errorf("name = %q, want llm", s.Name())
	}

	got, err := s.Summarize(context.Background(), &model.MemoryRecord{ID: "r1", Content: "Alice said table tests help", Tags: []string{"go"}})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "Table tests keep Go suites readable." {
		t.Errorf("summary = %q", got)
	}
	calls := mock.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0], "Alice said table tests help") || !strings.Contains(calls[0], "TAGS: go") {
		t.Errorf("prompt = %v", calls)
	}

	mock.Response = &llm.Response{Content: "   ", Provider: "mock"}
	if _, err := s.Summarize(context.Background(), &model.MemoryRecord{ID: "r2"}); err == nil {
		t.Error("expected error for empty response")
	}

	if _, ok := NewLLMSummarizer(nil).(FallbackSummarizer); !ok {
		t.Error("nil client should yield the fallback summarizer")
	}
}

func TestPromoteFallsBackWhenSummarizerFails(t *testing.T) {
	mock := &llm.MockClient{Err: errors.New("rate limited")}
	e, db := testEngine(t, testConfig(), Options{Summarizer: NewLLMSummarizer(mock)})
	id := putRecord(t, db, &model.MemoryRecord{
		Tier: model.TierEpisodic, Content: "Ship small diffs! Reviews go faster.",
		Strength: 0.9, Importance: 5, TotalAccesses: 6,
	})

	sem, err := e.Promote(context.Background(), getRecord(t, db, id))
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if sem.Content != "Ship small diffs!" {
		t.Errorf("content = %q, want fallback leading sentence", sem.Content)
	}
	if sem.Metadata.Promotion.Summarizer != "fallback" {
		t.Errorf("summarizer = %q, want fallback", sem.Metadata.Promotion.Summarizer)
	}
}

func TestFallbackSummarizer(t *testing.T) {
	tests := []struct {
		content string
		tags    []string
		want    string
	}{
		{"One. Two.", nil, "One."},
		{"no terminator   here", nil, "no terminator here"},
		{"", []string{"a", "b"}, "[a, b]"},
		{"Why? Because.", []string{"q"}, "[q] Why?"},
	}
	for _, tt := range tests {
		got, _ := FallbackSummarizer{}.Summarize(context.Background(), &model.MemoryRecord{Content: tt.content, Tags: tt.tags})
		if got != tt.want {
			t.Errorf("Summarize(%q, %v) = %q, want %q", tt.content, tt.tags, got, tt.want)
		}
	}
}
