package aria

import (
	"context"
	"sort"
)

// SQLiteVectorStore is the default VectorStore: brute-force cosine similarity
// over a persona's full collection, backed by Store. No external vector DB
// to run, and the right choice until a persona's collection outgrows a few
// thousand memories.
type SQLiteVectorStore struct {
	store *Store
}

// NewSQLiteVectorStore wraps an already-open Store.
func NewSQLiteVectorStore(store *Store) *SQLiteVectorStore {
	return &SQLiteVectorStore{store: store}
}

func (v *SQLiteVectorStore) EnsureCollection(ctx context.Context, personaID string) error {
	return nil // rows are scoped by persona_id column; no separate collection object
}

func (v *SQLiteVectorStore) Upsert(ctx context.Context, m Memory) (int64, error) {
	if m.ID != 0 {
		if err := v.store.UpdateImportanceBatch(map[int64]float64{m.ID: m.Importance}); err != nil {
			return 0, err
		}
		return m.ID, nil
	}
	return v.store.InsertMemory(m)
}

func (v *SQLiteVectorStore) Query(ctx context.Context, personaID string, queryVec []float32, visibilities []Visibility, minImportance float64, topK int) ([]SearchResult, error) {
	candidates, err := v.store.GetMemoriesByVisibility(personaID, visibilities, minImportance)
	if err != nil {
		return nil, err
	}

	// An empty query vector means "return everything matching the filter";
	// callers must not rely on order in that case.
	results := make([]SearchResult, 0, len(candidates))
	for _, m := range candidates {
		sim := 0.0
		if len(queryVec) > 0 && len(m.Embedding) > 0 {
			sim = CosineSimilarity(queryVec, m.Embedding)
		}
		results = append(results, SearchResult{
			Memory:     m,
			Similarity: sim,
			Source:     "own",
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (v *SQLiteVectorStore) Get(ctx context.Context, id int64) (Memory, error) {
	return v.store.GetMemory(id)
}

func (v *SQLiteVectorStore) BatchUpdateMetadata(ctx context.Context, ids []int64, metadata []map[string]string) error {
	return v.store.UpdateMetadataBatch(ids, metadata)
}

func (v *SQLiteVectorStore) Delete(ctx context.Context, ids []int64) error {
	return v.store.DeleteMemories(ids)
}

func (v *SQLiteVectorStore) All(ctx context.Context, personaID string) ([]Memory, error) {
	return v.store.GetAllMemories(personaID)
}

func (v *SQLiteVectorStore) Close() error {
	return nil // the Store owns the underlying connection's lifetime
}
