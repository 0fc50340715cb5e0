package aria

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"testing"
)

// fakeEmbedder is a deterministic bag-of-words embedder: identical content
// always produces identical vectors, so exact-content queries rank first.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text, taskType string) ([]float32, error) {
	vec := make([]float32, 16)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%16]++
	}
	return vec, nil
}

func (fakeEmbedder) Dimension() int { return 16 }

// failingEmbedder always errors, counting attempts to observe retries.
type failingEmbedder struct{ calls int }

func (f *failingEmbedder) Embed(ctx context.Context, text, taskType string) ([]float32, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func (f *failingEmbedder) Dimension() int { return 16 }

func testMemoryManager(t *testing.T, personas PersonaResolver) (*MemoryManager, *Store) {
	t.Helper()
	s := testStore(t)
	cfg := Config{}
	cfg.ApplyDefaults()
	mm := NewMemoryManager(s, NewSQLiteVectorStore(s), fakeEmbedder{}, NewImportanceScorer(&cfg), personas, nil)
	t.Cleanup(mm.Close)
	return mm, s
}

func TestStoreThenSearchRoundTrip(t *testing.T) {
	mm, _ := testMemoryManager(t, nil)
	ctx := context.Background()

	contents := []string{
		"The harbor master lost his ledger",
		"A dragon was sighted over the western ridge",
		"Bread prices doubled at the market",
	}
	for _, c := range contents {
		if _, err := mm.Store(ctx, StoreInput{PersonaID: "aria", Content: c, Kind: "conversation"}); err != nil {
			t.Fatal(err)
		}
	}

	// A search issued after a successful store observes the new memory, and
	// an exact-content query ranks it first.
	results, err := mm.Search(ctx, "aria", "A dragon was sighted over the western ridge", 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	if results[0].Content != contents[1] {
		t.Errorf("exact-content query should rank its memory first, got %q", results[0].Content)
	}
	if abs(results[0].Similarity-1.0) > 1e-6 {
		t.Errorf("identical content should have similarity 1, got %.6f", results[0].Similarity)
	}
}

func TestSearchBumpsAccessMetadata(t *testing.T) {
	mm, s := testMemoryManager(t, nil)
	ctx := context.Background()

	id, err := mm.Store(ctx, StoreInput{PersonaID: "aria", Content: "the gate code is 4417", Kind: "local_knowledge"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mm.Search(ctx, "aria", "gate code", 5, 0); err != nil {
		t.Fatal(err)
	}

	// Bumps are queued; force the drain rather than waiting out the worker's
	// one-second tick.
	if _, err := s.DrainAccessBumps(); err != nil {
		t.Fatal(err)
	}
	m, err := s.GetMemory(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.AccessCount < 1 {
		t.Errorf("expected access bump after search, count=%d", m.AccessCount)
	}
	if m.LastAccessedAt == nil {
		t.Error("expected last_accessed_at to be set")
	}
}

func TestPrivateMemoriesNeverCrossPersonas(t *testing.T) {
	mm, _ := testMemoryManager(t, nil)
	ctx := context.Background()

	// The related_personas hint is informational; it must not grant access.
	if _, err := mm.Store(ctx, StoreInput{
		PersonaID:       "aria",
		Content:         "aria's secret about the vault",
		Kind:            "conversation",
		Visibility:      VisibilityPrivate,
		RelatedPersonas: []string{"kira"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := mm.Store(ctx, StoreInput{PersonaID: "kira", Content: "kira's own note about the vault", Visibility: VisibilityPrivate}); err != nil {
		t.Fatal(err)
	}

	results, err := mm.SearchCrossPersona(ctx, CrossPersonaSearchInput{
		RequestingPersonaID: "kira",
		Query:               "secret about the vault",
		K:                   10,
		IncludeShared:       true,
		IncludePublic:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.PersonaID == "aria" {
			t.Fatalf("aria's private memory leaked to kira: %q", r.Content)
		}
	}
}

func TestSharedMemoryVisibleCrossPersona(t *testing.T) {
	mm, _ := testMemoryManager(t, nil)
	ctx := context.Background()

	if _, err := mm.Store(ctx, StoreInput{
		PersonaID:       "aria",
		Content:         "the festival starts at dusk",
		Kind:            "local_knowledge",
		Visibility:      VisibilityShared,
		RelatedPersonas: []string{"kira"},
	}); err != nil {
		t.Fatal(err)
	}

	results, err := mm.SearchCrossPersona(ctx, CrossPersonaSearchInput{
		RequestingPersonaID: "kira",
		Query:               "festival starts at dusk",
		K:                   10,
		IncludeShared:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the shared memory, got %d results", len(results))
	}
	if results[0].SourcePersona != "aria" || results[0].Source != "cross_persona" {
		t.Errorf("expected source_persona=aria source=cross_persona, got %q %q",
			results[0].SourcePersona, results[0].Source)
	}

	// Without the include_shared opt-in the same memory stays invisible.
	results, err = mm.SearchCrossPersona(ctx, CrossPersonaSearchInput{
		RequestingPersonaID: "kira",
		Query:               "festival starts at dusk",
		K:                   10,
		IncludePublic:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("shared memory returned without include_shared: %v", results)
	}
}

func TestCrossPersonaIncludesOwnPrivate(t *testing.T) {
	mm, _ := testMemoryManager(t, nil)
	ctx := context.Background()

	if _, err := mm.Store(ctx, StoreInput{PersonaID: "kira", Content: "remember to sharpen the blade", Visibility: VisibilityPrivate}); err != nil {
		t.Fatal(err)
	}

	results, err := mm.SearchCrossPersona(ctx, CrossPersonaSearchInput{
		RequestingPersonaID: "kira",
		Query:               "sharpen the blade",
		K:                   10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Source != "own" {
		t.Fatalf("requester's own private memory should be included with source=own, got %v", results)
	}
}

func TestStatsAfterTenStores(t *testing.T) {
	mm, _ := testMemoryManager(t, nil)
	ctx := context.Background()

	kinds := []string{"conversation", "conversation", "conversation", "location", "location",
		"local_knowledge", "conversation", "location", "conversation", "conversation"}
	for i, kind := range kinds {
		if _, err := mm.Store(ctx, StoreInput{PersonaID: "aria", Content: fmt.Sprintf("memory number %d", i), Kind: kind}); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := mm.Stats(ctx, "aria")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 10 {
		t.Errorf("expected total 10, got %d", stats.Total)
	}
	if stats.ByKind["conversation"] != 6 || stats.ByKind["location"] != 3 || stats.ByKind["local_knowledge"] != 1 {
		t.Errorf("kind breakdown wrong: %v", stats.ByKind)
	}
}

func TestImportanceOverrideClippedToAbsoluteBounds(t *testing.T) {
	mm, s := testMemoryManager(t, nil)
	ctx := context.Background()

	low := 0.02
	id, err := mm.Store(ctx, StoreInput{PersonaID: "aria", Content: "barely worth keeping", ImportanceOverride: &low})
	if err != nil {
		t.Fatal(err)
	}
	m, _ := s.GetMemory(id)
	if m.Importance != 0.1 {
		t.Errorf("override below the absolute floor should clip to 0.1, got %.2f", m.Importance)
	}

	high := 0.95
	id, err = mm.Store(ctx, StoreInput{PersonaID: "aria", Content: "the king's true name", ImportanceOverride: &high})
	if err != nil {
		t.Fatal(err)
	}
	m, _ = s.GetMemory(id)
	if m.Importance != 0.95 {
		t.Errorf("override inside [floor, ceil] should pass through, got %.2f", m.Importance)
	}
}

func TestStoreFailsWithUnknownPersona(t *testing.T) {
	dir := NewPersonaDirectory()
	dir.Put(Persona{ID: "aria", Name: "Aria"})
	mm, _ := testMemoryManager(t, dir)

	_, err := mm.Store(context.Background(), StoreInput{PersonaID: "nobody", Content: "hello"})
	var ariaErr *Error
	if !errors.As(err, &ariaErr) || ariaErr.Code != CodeInvalidPersona {
		t.Fatalf("expected INVALID_PERSONA, got %v", err)
	}
}

func TestEmbedderFailureRetriedThenSurfaced(t *testing.T) {
	s := testStore(t)
	cfg := Config{}
	cfg.ApplyDefaults()
	embedder := &failingEmbedder{}
	mm := NewMemoryManager(s, NewSQLiteVectorStore(s), embedder, NewImportanceScorer(&cfg), nil, nil)
	t.Cleanup(mm.Close)

	_, err := mm.Store(context.Background(), StoreInput{PersonaID: "aria", Content: "hello"})
	var ariaErr *Error
	if !errors.As(err, &ariaErr) || ariaErr.Code != CodeEmbedderUnavailable {
		t.Fatalf("expected EMBEDDER_UNAVAILABLE, got %v", err)
	}
	if embedder.calls != 3 {
		t.Errorf("expected 3 attempts with backoff, got %d", embedder.calls)
	}
}

// misconfiguredEmbedder fails with a non-transient error, counting calls to
// observe that the retry layer gives up immediately.
type misconfiguredEmbedder struct{ calls int }

func (m *misconfiguredEmbedder) Embed(ctx context.Context, text, taskType string) ([]float32, error) {
	m.calls++
	return nil, errInvariant("embed.test", "no API key configured")
}

func (m *misconfiguredEmbedder) Dimension() int { return 16 }

func TestNonTransientEmbedderFailureNotRetried(t *testing.T) {
	s := testStore(t)
	cfg := Config{}
	cfg.ApplyDefaults()
	embedder := &misconfiguredEmbedder{}
	mm := NewMemoryManager(s, NewSQLiteVectorStore(s), embedder, NewImportanceScorer(&cfg), nil, nil)
	t.Cleanup(mm.Close)

	if _, err := mm.Store(context.Background(), StoreInput{PersonaID: "aria", Content: "hello"}); err == nil {
		t.Fatal("expected the configuration error to surface")
	}
	if embedder.calls != 1 {
		t.Errorf("non-transient failures should not be retried, got %d attempts", embedder.calls)
	}
}

func TestUpdateImportanceForwardsAsMetadata(t *testing.T) {
	mm, s := testMemoryManager(t, nil)
	ctx := context.Background()

	id, err := mm.Store(ctx, StoreInput{PersonaID: "aria", Content: "the old mill burned down", Metadata: map[string]string{"district": "east"}})
	if err != nil {
		t.Fatal(err)
	}

	if err := mm.UpdateImportance(ctx, "aria", map[int64]float64{id: 0.42}); err != nil {
		t.Fatal(err)
	}

	m, _ := s.GetMemory(id)
	if m.Importance != 0.42 {
		t.Errorf("importance not applied through the metadata batch, got %.2f", m.Importance)
	}
	if m.Metadata["district"] != "east" {
		t.Errorf("extensional metadata should survive an importance update: %v", m.Metadata)
	}
}
