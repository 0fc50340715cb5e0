package aria

import "context"

// VectorStore is the pluggable vector-search abstraction behind the
// Memory Manager. The default implementation is SQLite brute-force cosine
// similarity (vectorstore_sqlite.go); vectorstore_qdrant.go adapts the
// Qdrant client for deployments that outgrow brute force.
type VectorStore interface {
	// EnsureCollection idempotently prepares a persona's collection for
	// writes. Brute-force SQLite has no per-persona collection object and
	// treats this as a no-op; Qdrant creates the shared collection lazily
	// on first connect and also treats per-persona calls as a no-op.
	EnsureCollection(ctx context.Context, personaID string) error

	// Upsert stores or replaces a memory's vector and returns its assigned ID.
	// id == 0 requests a new record.
	Upsert(ctx context.Context, m Memory) (int64, error)

	// Query returns the topK nearest memories to queryVec among the given
	// persona's collection, restricted to the listed visibilities and a
	// minimum importance floor. Implementations must not return memories
	// outside visibilities; this is the cross-persona leak boundary.
	Query(ctx context.Context, personaID string, queryVec []float32, visibilities []Visibility, minImportance float64, topK int) ([]SearchResult, error)

	// Get fetches a single memory by id.
	Get(ctx context.Context, id int64) (Memory, error)

	// BatchUpdateMetadata applies paired metadata maps to the given ids:
	// slices must be equal length, and each id is updated atomically. The
	// reserved "importance" key writes the importance attribute; every
	// other key overwrites that entry of the memory's extensional metadata.
	BatchUpdateMetadata(ctx context.Context, ids []int64, metadata []map[string]string) error

	// Delete removes a batch of memories.
	Delete(ctx context.Context, ids []int64) error

	// All returns every memory a persona owns, unfiltered, used by the
	// decay and prune full-collection sweeps.
	All(ctx context.Context, personaID string) ([]Memory, error)

	// Close releases any underlying resources.
	Close() error
}
