package store

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/lazypower/mnemo/internal/model"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRecord(id string, minutes int) *model.MemoryRecord {
	created := baseTime.Add(time.Duration(minutes) * time.Minute)
	return &model.MemoryRecord{
		ID:             id,
		Tier:           model.TierEpisodic,
		Content:        "record " + id,
		Strength:       0.8,
		Importance:     5,
		CreatedAt:      created,
		LastAccessedAt: created,
		Tags:           []string{"go"},
	}
}

func TestUpsertAndGetRecord(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	r := newRecord("", 0)
	r.Embedding = []float64{1, 0, 0}
	r.Tags = []string{"Go", "sqlite", "go"}
	r.Metadata = model.NewInteractionMetadata("chat", map[string]string{"lang": "en"})

	id, err := db.Upsert(ctx, r)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(id) != 26 {
		t.Errorf("expected ULID id, got %q", id)
	}

	got, err := db.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got == nil {
		t.Fatal("record not found")
	}
	if got.Tier != model.TierEpisodic {
		t.Errorf("tier = %q", got.Tier)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "go" || got.Tags[1] != "sqlite" {
		t.Errorf("tags = %v, want [go sqlite]", got.Tags)
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 1 {
		t.Errorf("embedding = %v", got.Embedding)
	}
	if got.EmbeddingModel != "external" {
		t.Errorf("embedding model = %q", got.EmbeddingModel)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, baseTime)
	}
	if got.Metadata.Interaction == nil || got.Metadata.Interaction.Attributes["lang"] != "en" {
		t.Errorf("metadata = %+v", got.Metadata)
	}

	// Update in place
	got.Strength = 0.3
	if _, err := db.Upsert(ctx, got); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	again, _ := db.GetRecord(ctx, id)
	if again.Strength != 0.3 {
		t.Errorf("strength = %f, want 0.3", again.Strength)
	}
}

func TestUpsertRejectsInvalidTier(t *testing.T) {
	db := testDB(t)
	r := newRecord("bad", 0)
	r.Tier = "forever"
	_, err := db.Upsert(context.Background(), r)
	if !errors.Is(err, model.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestUpsertClampsStrength(t *testing.T) {
	db := testDB(t)
	r := newRecord("clamp", 0)
	r.Strength = 3
	if _, err := db.Upsert(context.Background(), r); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, _ := db.GetRecord(context.Background(), "clamp")
	if got.Strength != 1 {
		t.Errorf("strength = %f, want 1", got.Strength)
	}
}

func TestGetRecordMissing(t *testing.T) {
	db := testDB(t)
	got, err := db.GetRecord(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestQueryFilters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := newRecord("a", 0)
	b := newRecord("b", 10)
	b.Tier = model.TierWorking
	b.Tags = []string{"rust"}
	c := newRecord("c", 20)
	c.Archived = true
	d := newRecord("d", 30)
	d.AccessCount = 3
	for _, r := range []*model.MemoryRecord{d, c, b, a} {
		if _, err := db.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert %s: %v", r.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter model.Filter
		want   []string
	}{
		{"default excludes archived", model.Filter{}, []string{"a", "b", "d"}},
		{"include archived", model.Filter{IncludeArchived: true}, []string{"a", "b", "c", "d"}},
		{"by ids", model.Filter{IDs: []string{"d", "a"}}, []string{"a", "d"}},
		{"by tier", model.Filter{Tiers: []model.Tier{model.TierWorking}}, []string{"b"}},
		{"by tag", model.Filter{Tags: []string{"RUST"}}, []string{"b"}},
		{"created window", model.Filter{CreatedAfter: baseTime.Add(5 * time.Minute), CreatedBefore: baseTime.Add(30 * time.Minute)}, []string{"b"}},
		{"accessed before", model.Filter{AccessedBefore: baseTime.Add(15 * time.Minute)}, []string{"a", "b"}},
		{"min access", model.Filter{MinAccessCount: 1}, []string{"d"}},
		{"limit", model.Filter{Limit: 2}, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i, r := range got {
				if r.ID != tt.want[i] {
					t.Errorf("record %d = %s, want %s", i, r.ID, tt.want[i])
				}
			}
		})
	}
}

func TestQueryDecayedBefore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	decayed := baseTime.Add(time.Hour)
	a := newRecord("a", 0)
	a.DecayedAt = &decayed
	b := newRecord("b", 1)
	db.Upsert(ctx, a)
	db.Upsert(ctx, b)

	got, err := db.Query(ctx, model.Filter{DecayedBefore: decayed})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("got %v, want only b", ids(got))
	}

	got, _ = db.Query(ctx, model.Filter{DecayedBefore: decayed.Add(time.Minute)})
	if len(got) != 2 {
		t.Errorf("got %v, want both", ids(got))
	}
}

func ids(records []model.MemoryRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestSimilaritySearch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	vecs := map[string][]float64{
		"near":  {1, 0.1, 0},
		"mid":   {1, 1, 0},
		"far":   {0, 0, 1},
		"short": {1, 0},
	}
	i := 0
	for id, v := range vecs {
		r := newRecord(id, i)
		r.Embedding = v
		db.Upsert(ctx, r)
		i++
	}
	db.Upsert(ctx, newRecord("none", 10))

	got, err := db.SimilaritySearch(ctx, []float64{1, 0, 0}, 5, 0.5, model.Filter{})
	if err != nil {
		t.Fatalf("SimilaritySearch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Record.ID != "near" || got[1].Record.ID != "mid" {
		t.Errorf("order = %s, %s", got[0].Record.ID, got[1].Record.ID)
	}
	if math.Abs(got[1].Similarity-1/math.Sqrt2) > 1e-9 {
		t.Errorf("mid similarity = %f", got[1].Similarity)
	}

	top, _ := db.SimilaritySearch(ctx, []float64{1, 0, 0}, 1, 0, model.Filter{})
	if len(top) != 1 || top[0].Record.ID != "near" {
		t.Errorf("topK=1 got %v", top)
	}

	if _, err := db.SimilaritySearch(ctx, nil, 1, 0, model.Filter{}); !errors.Is(err, model.ErrEmbeddingMissing) {
		t.Errorf("err = %v, want ErrEmbeddingMissing", err)
	}
}

func TestBatchUpdateStrength(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := newRecord("a", 0)
	a.AccessCount = 4
	db.Upsert(ctx, a)
	db.Upsert(ctx, newRecord("b", 1))

	at := baseTime.Add(2 * time.Hour)
	n, err := db.BatchUpdateStrength(ctx, []model.StrengthUpdate{
		{ID: "a", Strength: 1.4, ResetAccessCount: true},
		{ID: "b", Strength: -0.2, DecayedAt: &at},
		{ID: "missing", Strength: 0.5},
	})
	if err != nil {
		t.Fatalf("BatchUpdateStrength: %v", err)
	}
	if n != 2 {
		t.Errorf("updated = %d, want 2", n)
	}

	gotA, _ := db.GetRecord(ctx, "a")
	if gotA.Strength != 1 || gotA.AccessCount != 0 {
		t.Errorf("a = strength %f count %d", gotA.Strength, gotA.AccessCount)
	}
	if gotA.DecayedAt != nil {
		t.Errorf("a decayed_at should stay nil")
	}
	gotB, _ := db.GetRecord(ctx, "b")
	if gotB.Strength != 0 {
		t.Errorf("b strength = %f, want 0", gotB.Strength)
	}
	if gotB.DecayedAt == nil || !gotB.DecayedAt.Equal(at) {
		t.Errorf("b decayed_at = %v", gotB.DecayedAt)
	}
}

func TestRecordAccess(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.Upsert(ctx, newRecord("a", 0))

	at := baseTime.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if err := db.RecordAccess(ctx, "a", at); err != nil {
			t.Fatalf("RecordAccess: %v", err)
		}
	}
	got, _ := db.GetRecord(ctx, "a")
	if got.AccessCount != 3 || got.TotalAccesses != 3 {
		t.Errorf("counts = %d/%d, want 3/3", got.AccessCount, got.TotalAccesses)
	}
	if !got.LastAccessedAt.Equal(at) {
		t.Errorf("last access = %v", got.LastAccessedAt)
	}

	if err := db.RecordAccess(ctx, "nope", at); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPromotionClaim(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.Upsert(ctx, newRecord("src", 0))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stale := at.Add(-10 * time.Minute)

	ok, err := db.ClaimPromotion(ctx, "src", at, stale)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	ok, _ = db.ClaimPromotion(ctx, "src", at, stale)
	if ok {
		t.Fatal("second claim should fail")
	}

	sem := newRecord("", 5)
	sem.Tier = model.TierSemantic
	sem.SourceID = "src"
	semID, err := db.CompletePromotion(ctx, "src", at, sem)
	if err != nil {
		t.Fatalf("CompletePromotion: %v", err)
	}

	src, _ := db.GetRecord(ctx, "src")
	if src.PromotedTo != semID {
		t.Errorf("promoted_to = %q, want %q", src.PromotedTo, semID)
	}
	got, _ := db.GetRecord(ctx, semID)
	if got.SourceID != "src" || got.Tier != model.TierSemantic {
		t.Errorf("semantic record = %+v", got)
	}

	// Promoted records cannot be claimed again, even long after
	later := at.Add(24 * time.Hour)
	ok, _ = db.ClaimPromotion(ctx, "src", later, later.Add(-time.Minute))
	if ok {
		t.Error("claim after promotion should fail")
	}

	unpromoted, _ := db.Query(ctx, model.Filter{Unpromoted: true, ClaimStaleBefore: later, Tiers: []model.Tier{model.TierEpisodic}})
	if len(unpromoted) != 0 {
		t.Errorf("unpromoted = %v", ids(unpromoted))
	}
}

func TestCompletePromotionWithoutClaim(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.Upsert(ctx, newRecord("src", 0))

	sem := newRecord("sem", 1)
	sem.Tier = model.TierSemantic
	_, err := db.CompletePromotion(ctx, "src", time.Now(), sem)
	if !errors.Is(err, model.ErrClaimLost) {
		t.Fatalf("err = %v, want ErrClaimLost", err)
	}
	got, _ := db.GetRecord(ctx, "sem")
	if got != nil {
		t.Error("semantic record should not be written without a claim")
	}
}

func TestStaleClaimTakeover(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.Upsert(ctx, newRecord("src", 0))
	lease := 10 * time.Minute
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if ok, _ := db.ClaimPromotion(ctx, "src", first, first.Add(-lease)); !ok {
		t.Fatal("first claim failed")
	}

	// Within the lease the claim holds and the record is hidden
	soon := first.Add(5 * time.Minute)
	if ok, _ := db.ClaimPromotion(ctx, "src", soon, soon.Add(-lease)); ok {
		t.Fatal("live claim was taken over")
	}
	hidden, _ := db.Query(ctx, model.Filter{Unpromoted: true, ClaimStaleBefore: soon.Add(-lease)})
	if len(hidden) != 0 {
		t.Errorf("unpromoted within lease = %v", ids(hidden))
	}

	// Past the lease the record is visible again and claimable
	late := first.Add(time.Hour)
	visible, _ := db.Query(ctx, model.Filter{Unpromoted: true, ClaimStaleBefore: late.Add(-lease)})
	if len(visible) != 1 {
		t.Fatalf("unpromoted past lease = %v, want [src]", ids(visible))
	}
	if ok, _ := db.ClaimPromotion(ctx, "src", late, late.Add(-lease)); !ok {
		t.Fatal("stale claim was not taken over")
	}

	// The original holder can neither complete nor release
	sem := newRecord("sem", 1)
	sem.Tier = model.TierSemantic
	if _, err := db.CompletePromotion(ctx, "src", first, sem); !errors.Is(err, model.ErrClaimLost) {
		t.Errorf("stale completion err = %v, want ErrClaimLost", err)
	}
	if err := db.ReleasePromotion(ctx, "src", first); err != nil {
		t.Fatalf("ReleasePromotion: %v", err)
	}
	if _, err := db.CompletePromotion(ctx, "src", late, sem); err != nil {
		t.Fatalf("CompletePromotion by new holder: %v", err)
	}
}

func TestConcurrentClaims(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.Upsert(ctx, newRecord("src", 0))
	at := time.Now()
	stale := at.Add(-time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.ClaimPromotion(ctx, "src", at, stale)
			if err != nil {
				t.Errorf("ClaimPromotion: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}

	if err := db.ReleasePromotion(ctx, "src", at); err != nil {
		t.Fatalf("ReleasePromotion: %v", err)
	}
	ok, _ := db.ClaimPromotion(ctx, "src", at, stale)
	if !ok {
		t.Error("claim after release should succeed")
	}
}

func TestSetArchivedAndTier(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.Upsert(ctx, newRecord("a", 0))
	db.Upsert(ctx, newRecord("b", 1))

	n, err := db.SetArchived(ctx, []string{"a", "b", "a"})
	if err != nil {
		t.Fatalf("SetArchived: %v", err)
	}
	if n != 2 {
		t.Errorf("archived = %d, want 2", n)
	}
	n, _ = db.SetArchived(ctx, []string{"a"})
	if n != 0 {
		t.Errorf("re-archive = %d, want 0", n)
	}

	if err := db.SetTier(ctx, "a", model.TierSemantic); err != nil {
		t.Fatalf("SetTier: %v", err)
	}
	got, _ := db.GetRecord(ctx, "a")
	if got.Tier != model.TierSemantic || !got.Archived {
		t.Errorf("a = %+v", got)
	}
	if err := db.SetTier(ctx, "a", "bogus"); !errors.Is(err, model.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestMarkAssociatedAndCount(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.Upsert(ctx, newRecord("a", 0))
	w := newRecord("b", 1)
	w.Tier = model.TierWorking
	db.Upsert(ctx, w)

	if err := db.MarkAssociated(ctx, []string{"a"}, baseTime); err != nil {
		t.Fatalf("MarkAssociated: %v", err)
	}
	got, _ := db.Query(ctx, model.Filter{Unassociated: true})
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("unassociated = %v", ids(got))
	}

	counts, err := db.CountByTier(ctx)
	if err != nil {
		t.Fatalf("CountByTier: %v", err)
	}
	if counts[model.TierEpisodic] != 1 || counts[model.TierWorking] != 1 || counts.Total() != 2 {
		t.Errorf("counts = %v", counts)
	}
}

func TestStoreErrorsAreUnavailable(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	db.Close()
	_, err = db.Query(context.Background(), model.Filter{})
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrStoreUnavailable", err)
	}
}
