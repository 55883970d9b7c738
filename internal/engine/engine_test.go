package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lazypower/mnemo/internal/config"
	"github.com/lazypower/mnemo/internal/model"
	"github.com/lazypower/mnemo/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Consolidation.InitialBackoff = time.Millisecond
	cfg.Consolidation.Interval = 0
	return cfg
}

func testEngine(t *testing.T, cfg config.Config, opts Options) (*Engine, *store.DB) {
	t.Helper()
	db := testDB(t)
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	e, err := New(db, cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.SetClock(func() time.Time { return testNow })
	return e, db
}

func putRecord(t *testing.T, db *store.DB, r *model.MemoryRecord) string {
	t.Helper()
	if r.Tier == "" {
		r.Tier = model.TierWorking
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = testNow.Add(-2 * time.Hour)
	}
	if r.LastAccessedAt.IsZero() {
		r.LastAccessedAt = r.CreatedAt
	}
	id, err := db.Upsert(context.Background(), r)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return id
}

func getRecord(t *testing.T, db *store.DB, id string) *model.MemoryRecord {
	t.Helper()
	r, err := db.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if r == nil {
		t.Fatalf("record %s not found", id)
	}
	return r
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestDecayedStrength(t *testing.T) {
	tests := []struct {
		strength, importance, rate, normalizer float64
		want                                   float64
	}{
		{1.0, 5, 0.05, 5, 0.95},
		{0.8, 10, 0.05, 5, 0.8 * 0.975},
		{1.0, 1, 0.05, 5, 0.75},
		{0.5, 0, 0.05, 5, 0.5},  // zero-protected
		{0.5, -2, 0.05, 5, 0.5}, // zero-protected
		{0.5, 1, 1, 5, 0},       // floored
	}
	for _, tt := range tests {
		got := DecayedStrength(tt.strength, tt.importance, tt.rate, tt.normalizer)
		if !approx(got, tt.want) {
			t.Errorf("DecayedStrength(%v, %v, %v, %v) = %v, want %v",
				tt.strength, tt.importance, tt.rate, tt.normalizer, got, tt.want)
		}
	}

	// Monotone: decay never raises strength
	for imp := 0.5; imp <= 10; imp += 0.5 {
		for s := 0.0; s <= 1; s += 0.1 {
			if got := DecayedStrength(s, imp, 0.05, 5); got > s+1e-12 || got < 0 {
				t.Fatalf("DecayedStrength(%v, %v) = %v out of [0, %v]", s, imp, got, s)
			}
		}
	}
}

func TestReinforcedStrength(t *testing.T) {
	if got := ReinforcedStrength(0.5, 0.1, 3); !approx(got, 0.8) {
		t.Errorf("ReinforcedStrength = %v, want 0.8", got)
	}
	if got := ReinforcedStrength(0.95, 0.1, 5); got != 1 {
		t.Errorf("ReinforcedStrength = %v, want capped 1", got)
	}
	if got := ReinforcedStrength(0.4, 0.1, 0); got != 0.4 {
		t.Errorf("ReinforcedStrength = %v, want unchanged 0.4", got)
	}
}

func TestApplyDecay(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()
	idle := testNow.Add(-48 * time.Hour)

	old := putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, CreatedAt: idle})
	low := putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 1, CreatedAt: idle})
	zero := putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 0, CreatedAt: idle})
	fresh := putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, CreatedAt: idle, LastAccessedAt: testNow.Add(-10 * time.Minute)})
	semantic := putRecord(t, db, &model.MemoryRecord{Tier: model.TierSemantic, Strength: 1, Importance: 5, CreatedAt: idle})

	w := model.LastN(24*time.Hour, testNow)
	rep, err := e.ApplyDecay(ctx, w)
	if err != nil {
		t.Fatalf("ApplyDecay: %v", err)
	}
	if rep.Affected[model.TierWorking] != 2 {
		t.Errorf("working decayed = %d, want 2", rep.Affected[model.TierWorking])
	}
	if rep.Affected[model.TierSemantic] != 0 {
		t.Errorf("semantic decayed = %d, want 0 (within 7d grace)", rep.Affected[model.TierSemantic])
	}
	if rep.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", rep.Skipped)
	}

	want := map[string]float64{old: 0.95, low: 0.75, zero: 1, fresh: 1, semantic: 1}
	for id, s := range want {
		if got := getRecord(t, db, id).Strength; !approx(got, s) {
			t.Errorf("strength[%s] = %v, want %v", id, got, s)
		}
	}

	// Same window again is a no-op
	rep, err = e.ApplyDecay(ctx, w)
	if err != nil {
		t.Fatalf("ApplyDecay again: %v", err)
	}
	if rep.Affected.Total() != 0 {
		t.Errorf("second pass decayed %d, want 0", rep.Affected.Total())
	}
	if got := getRecord(t, db, old).Strength; !approx(got, 0.95) {
		t.Errorf("strength after second pass = %v, want 0.95", got)
	}
}

func TestApplyDecaySkipsArchived(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	id := putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, Archived: true, CreatedAt: testNow.Add(-48 * time.Hour)})

	rep, err := e.ApplyDecay(context.Background(), model.LastN(24*time.Hour, testNow))
	if err != nil {
		t.Fatalf("ApplyDecay: %v", err)
	}
	if rep.Affected.Total() != 0 {
		t.Errorf("decayed = %d, want 0", rep.Affected.Total())
	}
	r, _ := db.GetRecord(context.Background(), id)
	if r.Strength != 1 {
		t.Errorf("archived strength = %v, want 1", r.Strength)
	}
}

func TestApplyReinforcement(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()

	hit := putRecord(t, db, &model.MemoryRecord{
		Strength: 0.5, Importance: 5, AccessCount: 3, TotalAccesses: 3,
		LastAccessedAt: testNow.Add(-time.Hour),
	})
	capped := putRecord(t, db, &model.MemoryRecord{
		Tier: model.TierEpisodic, Strength: 0.95, Importance: 5, AccessCount: 5, TotalAccesses: 9,
		LastAccessedAt: testNow.Add(-time.Hour),
	})
	outside := putRecord(t, db, &model.MemoryRecord{
		Strength: 0.5, Importance: 5, AccessCount: 2,
		CreatedAt: testNow.Add(-72 * time.Hour),
	})

	rep, err := e.ApplyReinforcement(ctx, model.LastN(24*time.Hour, testNow))
	if err != nil {
		t.Fatalf("ApplyReinforcement: %v", err)
	}
	if rep.Affected[model.TierWorking] != 1 || rep.Affected[model.TierEpisodic] != 1 {
		t.Errorf("affected = %v, want 1 working and 1 episodic", rep.Affected)
	}

	r := getRecord(t, db, hit)
	if !approx(r.Strength, 0.8) {
		t.Errorf("strength = %v, want 0.8", r.Strength)
	}
	if r.AccessCount != 0 {
		t.Errorf("access count = %d, want reset to 0", r.AccessCount)
	}
	if r.TotalAccesses != 3 {
		t.Errorf("total accesses = %d, want 3", r.TotalAccesses)
	}
	if got := getRecord(t, db, capped).Strength; got != 1 {
		t.Errorf("capped strength = %v, want 1", got)
	}
	if got := getRecord(t, db, outside); got.Strength != 0.5 || got.AccessCount != 2 {
		t.Errorf("outside record changed: strength %v, count %d", got.Strength, got.AccessCount)
	}
}

func TestPromoteAll(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()

	aged := putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, CreatedAt: testNow.Add(-7 * time.Hour)})
	young := putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, CreatedAt: testNow.Add(-time.Hour)})
	eligible := putRecord(t, db, &model.MemoryRecord{
		Tier: model.TierEpisodic, Content: "Prefer table tests. They scale.", Strength: 0.8, Importance: 6,
		TotalAccesses: 5, Tags: []string{"go", "testing"}, Embedding: []float64{1, 0},
	})
	rare := putRecord(t, db, &model.MemoryRecord{Tier: model.TierEpisodic, Strength: 0.9, Importance: 5, TotalAccesses: 4})
	weak := putRecord(t, db, &model.MemoryRecord{Tier: model.TierEpisodic, Strength: 0.3, Importance: 5, TotalAccesses: 20})

	rep, err := e.PromoteAll(ctx, model.LastN(24*time.Hour, testNow))
	if err != nil {
		t.Fatalf("PromoteAll: %v", err)
	}
	if rep.ToEpisodic != 1 || rep.ToSemantic != 1 || rep.Contended != 0 {
		t.Errorf("report = %+v, want 1 to episodic, 1 to semantic", rep)
	}
	if got := getRecord(t, db, aged).Tier; got != model.TierEpisodic {
		t.Errorf("aged tier = %s, want episodic", got)
	}
	if got := getRecord(t, db, young).Tier; got != model.TierWorking {
		t.Errorf("young tier = %s, want working", got)
	}
	for _, id := range []string{rare, weak} {
		if got := getRecord(t, db, id).PromotedTo; got != "" {
			t.Errorf("%s promoted to %s, want not promoted", id, got)
		}
	}

	src := getRecord(t, db, eligible)
	if src.PromotedTo == "" {
		t.Fatal("source not linked to semantic copy")
	}
	if src.Tier != model.TierEpisodic {
		t.Errorf("source tier = %s, want episodic (retained)", src.Tier)
	}
	sem := getRecord(t, db, src.PromotedTo)
	if sem.Tier != model.TierSemantic {
		t.Errorf("copy tier = %s, want semantic", sem.Tier)
	}
	if sem.SourceID != eligible {
		t.Errorf("copy source = %q, want %q", sem.SourceID, eligible)
	}
	if sem.Content != "[go, testing] Prefer table tests." {
		t.Errorf("copy content = %q", sem.Content)
	}
	if sem.Metadata.Kind != model.KindPromotion || sem.Metadata.Promotion.Summarizer != "fallback" {
		t.Errorf("copy metadata = %+v", sem.Metadata)
	}
	if len(sem.Embedding) != 2 {
		t.Errorf("copy embedding = %v, want source embedding", sem.Embedding)
	}

	// One-directional and once only
	rep, err = e.PromoteAll(ctx, model.LastN(24*time.Hour, testNow))
	if err != nil {
		t.Fatalf("PromoteAll again: %v", err)
	}
	if rep.ToSemantic != 0 {
		t.Errorf("second pass promoted %d, want 0", rep.ToSemantic)
	}
}

func TestPromoteClaimLost(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()
	id := putRecord(t, db, &model.MemoryRecord{Tier: model.TierEpisodic, Strength: 0.9, Importance: 5, TotalAccesses: 5})

	ok, err := db.ClaimPromotion(ctx, id, testNow, testNow.Add(-time.Minute))
	if err != nil || !ok {
		t.Fatalf("ClaimPromotion = %v, %v", ok, err)
	}
	_, err = e.Promote(ctx, getRecord(t, db, id))
	if !errors.Is(err, model.ErrClaimLost) {
		t.Fatalf("err = %v, want ErrClaimLost", err)
	}
}

// cancelingSummarizer cancels the pass context mid-promotion and fails.
type cancelingSummarizer struct {
	cancel context.CancelFunc
}

func (c cancelingSummarizer) Name() string { return "canceling" }

func (c cancelingSummarizer) Summarize(ctx context.Context, r *model.MemoryRecord) (string, error) {
	c.cancel()
	return "", ctx.Err()
}

func TestPromoteRecoversAfterCanceledPass(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, db := testEngine(t, testConfig(), Options{Summarizer: cancelingSummarizer{cancel: cancel}})
	id := putRecord(t, db, &model.MemoryRecord{Tier: model.TierEpisodic, Strength: 0.9, Importance: 5, TotalAccesses: 5})
	w := model.LastN(24*time.Hour, testNow)

	if _, err := e.PromoteAll(ctx, w); err == nil {
		t.Fatal("expected the canceled pass to fail")
	}
	if got := getRecord(t, db, id); got.PromotedTo != "" {
		t.Fatalf("canceled pass promoted %s", got.PromotedTo)
	}

	e.Summarizer = FallbackSummarizer{}
	rep, err := e.PromoteAll(context.Background(), w)
	if err != nil {
		t.Fatalf("PromoteAll: %v", err)
	}
	if rep.ToSemantic != 1 {
		t.Fatalf("ToSemantic = %d, want 1 after the claim was released", rep.ToSemantic)
	}
	if got := getRecord(t, db, id); got.PromotedTo == "" {
		t.Error("record still unpromoted")
	}
}

func TestPromoteTakesOverAbandonedClaim(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()
	id := putRecord(t, db, &model.MemoryRecord{Tier: model.TierEpisodic, Strength: 0.9, Importance: 5, TotalAccesses: 5})

	// A promoter that claimed an hour ago and never came back
	crashedAt := testNow.Add(-time.Hour)
	if ok, err := db.ClaimPromotion(ctx, id, crashedAt, crashedAt.Add(-time.Minute)); err != nil || !ok {
		t.Fatalf("ClaimPromotion = %v, %v", ok, err)
	}

	rep, err := e.PromoteAll(ctx, model.LastN(24*time.Hour, testNow))
	if err != nil {
		t.Fatalf("PromoteAll: %v", err)
	}
	if rep.ToSemantic != 1 {
		t.Fatalf("ToSemantic = %d, want 1", rep.ToSemantic)
	}
}

func TestPromoteConcurrent(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()
	id := putRecord(t, db, &model.MemoryRecord{Tier: model.TierEpisodic, Strength: 0.9, Importance: 5, TotalAccesses: 5})
	r := getRecord(t, db, id)

	var wg sync.WaitGroup
	var won, lost atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc := *r
			_, err := e.Promote(ctx, &rc)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, model.ErrClaimLost):
				lost.Add(1)
			default:
				t.Errorf("Promote: %v", err)
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 || lost.Load() != 3 {
		t.Errorf("won %d lost %d, want 1 and 3", won.Load(), lost.Load())
	}
	semantic, err := db.Query(ctx, model.Filter{Tiers: []model.Tier{model.TierSemantic}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(semantic) != 1 {
		t.Errorf("semantic records = %d, want 1", len(semantic))
	}
}

func TestPromoteIneligible(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	id := putRecord(t, db, &model.MemoryRecord{Tier: model.TierSemantic, Strength: 0.9, Importance: 5, TotalAccesses: 50})

	_, err := e.Promote(context.Background(), getRecord(t, db, id))
	if !errors.Is(err, model.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestArchiveWeak(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()
	weak := putRecord(t, db, &model.MemoryRecord{Strength: 0.01, Importance: 5})
	strong := putRecord(t, db, &model.MemoryRecord{Strength: 0.5, Importance: 5})

	n, err := e.ArchiveWeak(ctx)
	if err != nil {
		t.Fatalf("ArchiveWeak: %v", err)
	}
	if n != 1 {
		t.Errorf("archived = %d, want 1", n)
	}
	if !getRecord(t, db, weak).Archived {
		t.Error("weak record not archived")
	}
	if getRecord(t, db, strong).Archived {
		t.Error("strong record archived")
	}

	// Archived records are retained but excluded from queries
	live, err := db.Query(ctx, model.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(live) != 1 || live[0].ID != strong {
		t.Errorf("live records = %v, want only %s", live, strong)
	}

	changed, err := e.Archive(ctx, getRecord(t, db, strong))
	if err != nil || changed {
		t.Errorf("Archive(strong) = %v, %v, want false", changed, err)
	}
}

func TestStoreInteraction(t *testing.T) {
	emb := NewTFIDFEmbedder([]string{"prefers table driven tests in go", "uses sqlite wal mode"}, 64)
	e, db := testEngine(t, testConfig(), Options{Embedder: emb})
	ctx := context.Background()

	id, err := e.StoreInteraction(ctx, model.Interaction{
		Content: "prefers table driven tests",
		Tags:    []string{"Go", "Testing"},
		Source:  "cli",
	})
	if err != nil {
		t.Fatalf("StoreInteraction: %v", err)
	}

	r := getRecord(t, db, id)
	if r.Tier != model.TierWorking {
		t.Errorf("tier = %s, want working", r.Tier)
	}
	if r.Strength != initialStrength || r.Importance != defaultImportance {
		t.Errorf("strength %v importance %v, want %v and %v", r.Strength, r.Importance, initialStrength, defaultImportance)
	}
	if len(r.Tags) != 2 || r.Tags[0] != "go" || r.Tags[1] != "testing" {
		t.Errorf("tags = %v", r.Tags)
	}
	if !r.HasEmbedding(emb.Dimensions()) {
		t.Error("record was not embedded")
	}
	if r.EmbeddingModel != "tfidf" {
		t.Errorf("embedding model = %q, want tfidf", r.EmbeddingModel)
	}
	if r.Metadata.Interaction == nil || r.Metadata.Interaction.Source != "cli" {
		t.Errorf("metadata = %+v", r.Metadata)
	}
	if !r.CreatedAt.Equal(testNow) {
		t.Errorf("created = %v, want %v", r.CreatedAt, testNow)
	}
}

func TestStoreInteractionUnembedded(t *testing.T) {
	emb := NewTFIDFEmbedder([]string{"alpha beta"}, 64)
	e, db := testEngine(t, testConfig(), Options{Embedder: emb})

	// No vocabulary overlap gives a zero vector, stored as missing
	id, err := e.StoreInteraction(context.Background(), model.Interaction{Content: "zeta"})
	if err != nil {
		t.Fatalf("StoreInteraction: %v", err)
	}
	if r := getRecord(t, db, id); len(r.Embedding) != 0 {
		t.Errorf("embedding = %v, want none", r.Embedding)
	}
}

func TestStoreInteractionInvalid(t *testing.T) {
	e, _ := testEngine(t, testConfig(), Options{})
	_, err := e.StoreInteraction(context.Background(), model.Interaction{})
	if !errors.Is(err, model.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestRecordAccess(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()
	id := putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5})

	if err := e.RecordAccess(ctx, id); err != nil {
		t.Fatalf("RecordAccess: %v", err)
	}
	r := getRecord(t, db, id)
	if r.AccessCount != 1 || r.TotalAccesses != 1 || !r.LastAccessedAt.Equal(testNow) {
		t.Errorf("after access: count %d total %d at %v", r.AccessCount, r.TotalAccesses, r.LastAccessedAt)
	}
	if err := e.RecordAccess(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// seedCluster stores four near-identical records and one outlier.
func seedCluster(t *testing.T, db *store.DB) {
	t.Helper()
	for i := 0; i < 4; i++ {
		putRecord(t, db, &model.MemoryRecord{
			Content:    "reviews go code before lunch",
			Strength:   1,
			Importance: 5,
			Tags:       []string{"go", "review"},
			Embedding:  []float64{1, 0.01 * float64(i), 0},
			CreatedAt:  testNow.Add(-time.Duration(3+i) * time.Hour),
		})
	}
	putRecord(t, db, &model.MemoryRecord{
		Content:    "waters the plants",
		Strength:   1,
		Importance: 5,
		Tags:       []string{"home"},
		Embedding:  []float64{0, 0, 1},
		CreatedAt:  testNow.Add(-2 * time.Hour),
	})
}

func TestRunConsolidation(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()
	seedCluster(t, db)

	rep, err := e.RunConsolidation(ctx)
	if err != nil {
		t.Fatalf("RunConsolidation: %v", err)
	}
	if rep.PatternsDiscovered != 1 {
		t.Errorf("patterns discovered = %d, want 1", rep.PatternsDiscovered)
	}
	if rep.EdgesUpdated != 8 {
		t.Errorf("edges updated = %d, want 8 (4 records x 2 directions)", rep.EdgesUpdated)
	}
	if rep.Decayed[model.TierWorking] != 5 {
		t.Errorf("decayed = %v, want 5 working", rep.Decayed)
	}
	if rep.Attempts != 1 || rep.RunID == "" {
		t.Errorf("attempts %d run id %q", rep.Attempts, rep.RunID)
	}

	pats, err := db.ListPatterns(ctx)
	if err != nil {
		t.Fatalf("ListPatterns: %v", err)
	}
	if len(pats) != 1 || pats[0].InstanceCount != 4 {
		t.Fatalf("patterns = %+v, want 1 with 4 instances", pats)
	}

	if e.Scheduler.State() != model.StateIdle {
		t.Errorf("state = %s, want idle", e.Scheduler.State())
	}
	if e.Scheduler.LastState() != model.StateCompleted {
		t.Errorf("last state = %s, want completed", e.Scheduler.LastState())
	}
	last, err := db.LastCompletedRun(ctx)
	if err != nil || last == nil {
		t.Fatalf("LastCompletedRun = %v, %v", last, err)
	}
	if last.ID != rep.RunID {
		t.Errorf("persisted run %s, want %s", last.ID, rep.RunID)
	}

	// A second pass changes nothing
	rep, err = e.RunConsolidation(ctx)
	if err != nil {
		t.Fatalf("second RunConsolidation: %v", err)
	}
	if rep.PatternsDiscovered != 0 || rep.EdgesUpdated != 0 || rep.Decayed.Total() != 0 {
		t.Errorf("second pass = %+v, want no effect", rep)
	}
}

// blockingStore parks the first Query until released.
type blockingStore struct {
	RecordStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Query(ctx context.Context, f model.Filter) ([]model.MemoryRecord, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.RecordStore.Query(ctx, f)
}

func TestRunConsolidationConflict(t *testing.T) {
	db := testDB(t)
	bs := &blockingStore{RecordStore: db, entered: make(chan struct{}), release: make(chan struct{})}
	e, err := New(db, testConfig(), Options{Records: bs, Seed: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.RunConsolidation(context.Background())
		done <- err
	}()
	<-bs.entered

	if e.Scheduler.State() != model.StateRunning {
		t.Errorf("state = %s, want running", e.Scheduler.State())
	}
	_, err = e.RunConsolidation(context.Background())
	if !errors.Is(err, model.ErrConcurrentConsolidation) {
		t.Errorf("second run err = %v, want ErrConcurrentConsolidation", err)
	}

	close(bs.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if e.Scheduler.State() != model.StateIdle {
		t.Errorf("state = %s, want idle", e.Scheduler.State())
	}
}

// failingStore fails every strength write.
type failingStore struct {
	RecordStore
	err   error
	calls atomic.Int32
}

func (f *failingStore) BatchUpdateStrength(ctx context.Context, updates []model.StrengthUpdate) (int, error) {
	f.calls.Add(1)
	return 0, f.err
}

func TestRunConsolidationRetriesStoreFailure(t *testing.T) {
	db := testDB(t)
	fs := &failingStore{RecordStore: db, err: model.Unavailable("batch update strength", errors.New("disk I/O error"))}
	cfg := testConfig()
	cfg.Consolidation.MaxAttempts = 3
	e, err := New(db, cfg, Options{Records: fs, Seed: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.SetClock(func() time.Time { return testNow })
	putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, CreatedAt: testNow.Add(-48 * time.Hour)})

	rep, err := e.RunConsolidation(context.Background())
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	var runErr *model.RunError
	if !errors.As(err, &runErr) || runErr.Step != "decay" {
		t.Errorf("err = %#v, want RunError at decay", err)
	}
	if fs.calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", fs.calls.Load())
	}
	if rep.Attempts != 3 || rep.Decayed.Total() != 0 || rep.PatternsDiscovered != 0 {
		t.Errorf("report = %+v, want zero effect after 3 attempts", rep)
	}
	if e.Scheduler.State() != model.StateIdle || e.Scheduler.LastState() != model.StateFailed {
		t.Errorf("state %s last %s, want idle and failed", e.Scheduler.State(), e.Scheduler.LastState())
	}

	runs, err := db.ListRuns(context.Background(), 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %v, %v", runs, err)
	}
	if runs[0].State != store.RunFailed || runs[0].Error == "" {
		t.Errorf("run = %+v, want failed with error", runs[0])
	}
}

func TestRunConsolidationPermanentFailure(t *testing.T) {
	db := testDB(t)
	fs := &failingStore{RecordStore: db, err: errors.New("constraint violated")}
	e, err := New(db, testConfig(), Options{Records: fs, Seed: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.SetClock(func() time.Time { return testNow })
	putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, CreatedAt: testNow.Add(-48 * time.Hour)})

	if _, err := e.RunConsolidation(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if fs.calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1 for a non-transient error", fs.calls.Load())
	}
}

func TestRunConsolidationCanceled(t *testing.T) {
	e, _ := testEngine(t, testConfig(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.RunConsolidation(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	var runErr *model.RunError
	if !errors.As(err, &runErr) {
		t.Errorf("err = %T, want *model.RunError", err)
	}
	if e.Scheduler.LastState() != model.StateFailed {
		t.Errorf("last state = %s, want failed", e.Scheduler.LastState())
	}
}

func TestDiscoverPatternsDefaults(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	seedCluster(t, db)

	res, err := e.DiscoverPatterns(context.Background(), model.Window{}, model.DiscoveryThresholds{})
	if err != nil {
		t.Fatalf("DiscoverPatterns: %v", err)
	}
	if len(res.Created) != 1 || res.Created[0].InstanceCount != 4 {
		t.Errorf("created = %+v, want 1 pattern with 4 instances", res.Created)
	}
}

func TestPreparePatternsForSharing(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()

	p := &model.PatternCluster{
		Centroid:        []float64{1, 0},
		SourceRecordIDs: []string{"a", "b", "c", "d", "e", "f"},
		InstanceCount:   6,
		Strength:        0.7,
		FeatureSummary:  map[string]float64{"tag:go": 1, "hour:09": 0.8},
		Representative:  "reviews go code",
		CreatedAt:       testNow,
	}
	if _, _, err := db.CreatePatternIfAbsent(ctx, p, nil); err != nil {
		t.Fatalf("CreatePatternIfAbsent: %v", err)
	}

	res, err := e.PreparePatternsForSharing(ctx, model.ShareRequest{PatternIDs: []string{p.ID, "missing"}})
	if err != nil {
		t.Fatalf("PreparePatternsForSharing: %v", err)
	}
	if len(res.Released) != 1 || res.Released[0].SourcePatternID != p.ID {
		t.Errorf("released = %+v, want %s", res.Released, p.ID)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Reason != model.ReasonNotFound {
		t.Errorf("rejected = %+v, want one not_found", res.Rejected)
	}
	if !approx(res.EpsilonRemain, 4) {
		t.Errorf("remaining = %v, want 4", res.EpsilonRemain)
	}

	b, err := e.PrivacyBudget(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("PrivacyBudget: %v", err)
	}
	if !approx(b.CumulativeEpsilon, 1) {
		t.Errorf("cumulative = %v, want 1", b.CumulativeEpsilon)
	}
}

func TestVotePattern(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()
	p := &model.PatternCluster{SourceRecordIDs: []string{"a"}, InstanceCount: 1, Strength: 0.5, CreatedAt: testNow}
	if _, _, err := db.CreatePatternIfAbsent(ctx, p, nil); err != nil {
		t.Fatalf("CreatePatternIfAbsent: %v", err)
	}

	got, err := e.VotePattern(ctx, p.ID, true)
	if err != nil {
		t.Fatalf("VotePattern: %v", err)
	}
	if got.VotesPositive != 1 || got.VotesTotal != 1 {
		t.Errorf("votes = %d/%d, want 1/1", got.VotesPositive, got.VotesTotal)
	}
	if _, err := e.VotePattern(ctx, "missing", false); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAssociate(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	ctx := context.Background()
	putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5, Tags: []string{"go", "testing"}})

	n, err := e.Associate(ctx, model.LastN(24*time.Hour, testNow))
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	if n != 2 {
		t.Errorf("edges updated = %d, want 2", n)
	}

	edges, err := e.GetAssociations(ctx, "go", 0, 0)
	if err != nil {
		t.Fatalf("GetAssociations: %v", err)
	}
	if len(edges) != 1 || edges[0].To != "testing" {
		t.Errorf("edges = %+v, want go -> testing", edges)
	}

	// Marked records are not associated again
	n, err = e.Associate(ctx, model.LastN(24*time.Hour, testNow))
	if err != nil || n != 0 {
		t.Errorf("second Associate = %d, %v, want 0", n, err)
	}
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Consolidation.Interval = 10 * time.Millisecond
	e, _ := testEngine(t, cfg, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for e.Scheduler.LastState() != model.StateCompleted {
		if time.Now().After(deadline) {
			t.Fatal("scheduled pass did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.Stop()
	e.Stop() // idempotent
}

func TestStatus(t *testing.T) {
	e, db := testEngine(t, testConfig(), Options{})
	putRecord(t, db, &model.MemoryRecord{Strength: 1, Importance: 5})

	s, err := e.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if s.State != "idle" || s.LastReport != nil {
		t.Errorf("status = %+v", s)
	}
	if s.Records[model.TierWorking] != 1 {
		t.Errorf("records = %v, want 1 working", s.Records)
	}
}
