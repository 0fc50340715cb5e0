package aria

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testPruner(t *testing.T, cfg PruneConfig) (*Pruner, *MemoryManager, *Store) {
	t.Helper()
	s := testStore(t)
	c := Config{}
	c.ApplyDefaults()
	mm := NewMemoryManager(s, NewSQLiteVectorStore(s), nil, NewImportanceScorer(&c), nil, nil)
	t.Cleanup(mm.Close)
	return NewPruner(mm, s, cfg, nil), mm, s
}

// seedCollection inserts n memories aged past the zero-access grace window,
// with importances spread uniformly across [0.1, 0.9].
func seedCollection(t *testing.T, s *Store, personaID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		importance := 0.1 + 0.8*float64(i)/float64(n-1)
		_, err := s.InsertMemory(Memory{
			PersonaID:  personaID,
			Content:    fmt.Sprintf("memory %d", i),
			Importance: importance,
			CreatedAt:  daysAgo(60),
			Kind:       "conversation",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestPruneLargeCollection(t *testing.T) {
	cfg := defaultPruneConfig()
	cfg.TargetMemoriesPerPersona = 800
	cfg.MaxImportanceToDelete = 0.7
	cfg.BatchPause = 0

	pruner, mm, s := testPruner(t, cfg)
	seedCollection(t, s, "wizard", 1200)
	ctx := context.Background()

	result, err := pruner.Prune(ctx, "wizard", true)
	if err != nil {
		t.Fatal(err)
	}

	stats, _ := mm.Stats(ctx, "wizard")
	if stats.Total > 1000 {
		t.Errorf("expected at most 1000 remaining, got %d", stats.Total)
	}
	// Bounded eviction: never more than max_prune_percent of the collection.
	if result.Deleted > int(1200*cfg.MaxPrunePercent) {
		t.Errorf("deleted %d, exceeding max_prune_percent bound %d", result.Deleted, int(1200*cfg.MaxPrunePercent))
	}
	if result.Deleted == 0 {
		t.Fatal("expected deletions on an over-target collection")
	}
	if result.MeanImportancePruned >= result.MeanImportanceKept {
		t.Errorf("pruned mean (%.3f) should be below kept mean (%.3f)",
			result.MeanImportancePruned, result.MeanImportanceKept)
	}

	// Every survivor above the deletion ceiling proves no protected memory
	// was deleted; spot-check the deleted set directly too.
	remaining, _ := mm.All(ctx, "wizard")
	surviving := make(map[int64]bool, len(remaining))
	for _, m := range remaining {
		surviving[m.ID] = true
	}
	for _, id := range result.DeletedIDs {
		if surviving[id] {
			t.Fatalf("memory %d reported deleted but still present", id)
		}
	}
	highImportanceSurvivors := 0
	for _, m := range remaining {
		if m.Importance >= cfg.MaxImportanceToDelete {
			highImportanceSurvivors++
		}
	}
	// 1200 uniform importances in [0.1, 0.9]: a quarter sit at or above 0.7
	// and every one of them must survive.
	if highImportanceSurvivors < 300 {
		t.Errorf("expected all ~300 high-importance memories to survive, got %d", highImportanceSurvivors)
	}
}

func TestSafetyFilters(t *testing.T) {
	cfg := defaultPruneConfig()
	now := time.Now()

	cases := []struct {
		name      string
		mem       Memory
		protected bool
	}{
		{"high importance", Memory{Importance: 0.75, CreatedAt: daysAgo(60), AccessCount: 1}, true},
		{"frequently accessed", Memory{Importance: 0.2, CreatedAt: daysAgo(60), AccessCount: 5}, true},
		{"zero access inside grace", Memory{Importance: 0.2, CreatedAt: daysAgo(10), AccessCount: 0}, true},
		{"zero access past grace", Memory{Importance: 0.2, CreatedAt: daysAgo(45), AccessCount: 0}, false},
		{"ordinary", Memory{Importance: 0.2, CreatedAt: daysAgo(60), AccessCount: 2}, false},
	}
	for _, c := range cases {
		if got := safetyProtects(c.mem, cfg, now); got != c.protected {
			t.Errorf("%s: safetyProtects = %v, want %v", c.name, got, c.protected)
		}
	}
}

func TestFrequentlyAccessedSurvivePruning(t *testing.T) {
	cfg := defaultPruneConfig()
	cfg.TargetMemoriesPerPersona = 2
	cfg.BatchPause = 0

	pruner, mm, s := testPruner(t, cfg)
	ctx := context.Background()

	// Low importance but heavily accessed: prime eviction candidates that
	// the safety rules must rescue.
	var protectedIDs []int64
	for i := 0; i < 3; i++ {
		id, _ := s.InsertMemory(Memory{
			PersonaID: "aria", Content: fmt.Sprintf("hot %d", i),
			Importance: 0.15, CreatedAt: daysAgo(60), AccessCount: 10,
		})
		protectedIDs = append(protectedIDs, id)
	}
	for i := 0; i < 5; i++ {
		s.InsertMemory(Memory{
			PersonaID: "aria", Content: fmt.Sprintf("cold %d", i),
			Importance: 0.3, CreatedAt: daysAgo(60), AccessCount: 1,
		})
	}

	if _, err := pruner.Prune(ctx, "aria", true); err != nil {
		t.Fatal(err)
	}

	remaining, _ := mm.All(ctx, "aria")
	surviving := make(map[int64]bool)
	for _, m := range remaining {
		surviving[m.ID] = true
	}
	for _, id := range protectedIDs {
		if !surviving[id] {
			t.Errorf("frequently accessed memory %d was deleted", id)
		}
	}
}

func TestPruneGuardAndForce(t *testing.T) {
	pruner, _, s := testPruner(t, defaultPruneConfig())
	seedCollection(t, s, "aria", 10)
	ctx := context.Background()

	pruner.tryEnter("aria", false)
	defer pruner.leave("aria")

	_, err := pruner.Prune(ctx, "aria", false)
	var ariaErr *Error
	if !errors.As(err, &ariaErr) || ariaErr.Code != CodePruneInProgress {
		t.Fatalf("expected PRUNE_IN_PROGRESS, got %v", err)
	}

	if _, err := pruner.Prune(ctx, "aria", true); err != nil {
		t.Errorf("force should bypass the in-flight guard: %v", err)
	}
}

func TestPruneCooldown(t *testing.T) {
	cfg := defaultPruneConfig()
	cfg.BatchPause = 0
	pruner, _, s := testPruner(t, cfg)
	seedCollection(t, s, "aria", 10)
	ctx := context.Background()

	s.MarkPruned("aria", time.Now().Add(-10*time.Minute))

	if _, err := pruner.Prune(ctx, "aria", false); err == nil {
		t.Fatal("a prune 10 minutes after the last should hit the 1-hour cooldown")
	}
	if _, err := pruner.Prune(ctx, "aria", true); err != nil {
		t.Errorf("force should bypass the cooldown: %v", err)
	}

	s.MarkPruned("kira", time.Now().Add(-2*time.Hour))
	seedCollection(t, s, "kira", 10)
	if _, err := pruner.Prune(ctx, "kira", false); err != nil {
		t.Errorf("a prune past the cooldown should proceed: %v", err)
	}
}

func TestRecommendIsDryRun(t *testing.T) {
	cfg := defaultPruneConfig()
	cfg.TargetMemoriesPerPersona = 5
	pruner, mm, s := testPruner(t, cfg)
	seedCollection(t, s, "aria", 20)
	ctx := context.Background()

	result, err := pruner.Recommend(ctx, "aria")
	if err != nil {
		t.Fatal(err)
	}
	if result.Candidates == 0 {
		t.Error("expected candidates on an over-target collection")
	}

	stats, _ := mm.Stats(ctx, "aria")
	if stats.Total != 20 {
		t.Errorf("recommend must not delete; %d remain", stats.Total)
	}
}

func TestUnderTargetCollectionUntouched(t *testing.T) {
	cfg := defaultPruneConfig()
	cfg.TargetMemoriesPerPersona = 50
	pruner, _, s := testPruner(t, cfg)
	seedCollection(t, s, "aria", 10)

	result, err := pruner.Prune(context.Background(), "aria", true)
	if err != nil {
		t.Fatal(err)
	}
	if result.Deleted != 0 || result.Candidates != 0 {
		t.Errorf("under-target collection should be untouched: %+v", result)
	}
}

func TestEvictionStrategies(t *testing.T) {
	now := time.Now()
	old := daysAgo(80)
	recent := daysAgo(1)

	lruCfg := defaultPruneConfig()
	lruCfg.Strategy = PruneLRU
	touchedLongAgo := daysAgo(50)
	neverAccessed := Memory{CreatedAt: old}
	accessedOnce := Memory{CreatedAt: old, LastAccessedAt: &touchedLongAgo}
	if evictionScore(neverAccessed, lruCfg, now) >= evictionScore(accessedOnce, lruCfg, now) {
		t.Error("lru: never-accessed should sort before any accessed memory")
	}

	fifoCfg := defaultPruneConfig()
	fifoCfg.Strategy = PruneFIFO
	if evictionScore(Memory{CreatedAt: old}, fifoCfg, now) >= evictionScore(Memory{CreatedAt: recent}, fifoCfg, now) {
		t.Error("fifo: older creation should sort first")
	}

	impCfg := defaultPruneConfig()
	impCfg.Strategy = PruneImportanceOnly
	if evictionScore(Memory{Importance: 0.2}, impCfg, now) >= evictionScore(Memory{Importance: 0.8}, impCfg, now) {
		t.Error("importance_only: lower importance should sort first")
	}

	ageCfg := defaultPruneConfig()
	ageCfg.Strategy = PruneImportanceAccessAge
	young := Memory{Importance: 0.3, AccessCount: 2, CreatedAt: recent}
	ancient := Memory{Importance: 0.3, AccessCount: 2, CreatedAt: daysAgo(200)}
	if evictionScore(ancient, ageCfg, now) >= evictionScore(young, ageCfg, now) {
		t.Error("importance_access_age: ancient memories should rank below recent ones")
	}
}

func TestAgeScoreInterpolation(t *testing.T) {
	cfg := defaultPruneConfig() // recent 7, ancient 90
	now := time.Now()

	if got := ageScore(Memory{CreatedAt: daysAgo(3)}, cfg, now); got != 1.0 {
		t.Errorf("recent memory age score should be 1.0, got %.2f", got)
	}
	if got := ageScore(Memory{CreatedAt: daysAgo(120)}, cfg, now); got != 0.1 {
		t.Errorf("ancient memory age score should be 0.1, got %.2f", got)
	}
	mid := ageScore(Memory{CreatedAt: daysAgo(48)}, cfg, now)
	if mid <= 0.1 || mid >= 1.0 {
		t.Errorf("mid-age score should interpolate, got %.2f", mid)
	}
}

func TestDeleteBatchFailureAborts(t *testing.T) {
	cfg := defaultPruneConfig()
	cfg.TargetMemoriesPerPersona = 2
	cfg.BatchSize = 2
	cfg.BatchPause = 0

	s := testStore(t)
	c := Config{}
	c.ApplyDefaults()
	vsa := &deleteFailVectorStore{inner: NewSQLiteVectorStore(s), failAfter: 1}
	mm := NewMemoryManager(s, vsa, nil, NewImportanceScorer(&c), nil, nil)
	t.Cleanup(mm.Close)
	pruner := NewPruner(mm, s, cfg, nil)

	seedCollection(t, s, "aria", 12)

	_, err := pruner.Prune(context.Background(), "aria", true)
	if err == nil {
		t.Fatal("expected the failing delete batch to surface")
	}
	if pruner.ErrorCount("aria") != 1 {
		t.Errorf("expected error count 1, got %d", pruner.ErrorCount("aria"))
	}
}

// deleteFailVectorStore delegates everything but fails Delete after failAfter
// successful batches.
type deleteFailVectorStore struct {
	inner     VectorStore
	failAfter int
	calls     int
}

func (d *deleteFailVectorStore) EnsureCollection(ctx context.Context, personaID string) error {
	return d.inner.EnsureCollection(ctx, personaID)
}

func (d *deleteFailVectorStore) Upsert(ctx context.Context, m Memory) (int64, error) {
	return d.inner.Upsert(ctx, m)
}

func (d *deleteFailVectorStore) Query(ctx context.Context, personaID string, queryVec []float32, visibilities []Visibility, minImportance float64, topK int) ([]SearchResult, error) {
	return d.inner.Query(ctx, personaID, queryVec, visibilities, minImportance, topK)
}

func (d *deleteFailVectorStore) Get(ctx context.Context, id int64) (Memory, error) { return d.inner.Get(ctx, id) }

func (d *deleteFailVectorStore) BatchUpdateMetadata(ctx context.Context, ids []int64, metadata []map[string]string) error {
	return d.inner.BatchUpdateMetadata(ctx, ids, metadata)
}

func (d *deleteFailVectorStore) Delete(ctx context.Context, ids []int64) error {
	d.calls++
	if d.calls > d.failAfter {
		return errors.New("delete failed")
	}
	return d.inner.Delete(ctx, ids)
}

func (d *deleteFailVectorStore) All(ctx context.Context, personaID string) ([]Memory, error) {
	return d.inner.All(ctx, personaID)
}

func (d *deleteFailVectorStore) Close() error { return d.inner.Close() }
