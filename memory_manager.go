package aria

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PersonaResolver is the read-only contract onto the external persona
// store. The memory manager and the importance scorer never mutate personas through this
// interface.
type PersonaResolver interface {
	Persona(ctx context.Context, personaID string) (Persona, error)
}

// RelationshipResolver is the read-only contract onto externally-mutated
// relationship pairs. A missing pair resolves to the zero
// Relationship (compatibility 0), not an error.
type RelationshipResolver interface {
	Relationship(ctx context.Context, personaA, personaB string) (Relationship, error)
}

// MemoryManager coordinates writes, per-persona collections, visibility-
// aware cross-persona lookup, and access-tracking metadata.
type MemoryManager struct {
	store    *Store
	vsa      VectorStore
	embedder EmbeddingProvider
	scorer   *ImportanceScorer
	personas PersonaResolver
	logger   *Logger

	writeLocks sync.Map // persona_id -> *sync.Mutex, single-writer-per-collection

	bumpStop  chan struct{}
	bumpDone  chan struct{}
	extractor EntityExtractor
	metrics   *Metrics // nil disables instrumentation
}

// NewMemoryManager builds a MemoryManager bound to its collaborators.
// personas may be nil: every persona id is then accepted, and scoring
// runs against a bare persona handle with no topic preferences.
func NewMemoryManager(store *Store, vsa VectorStore, embedder EmbeddingProvider, scorer *ImportanceScorer, personas PersonaResolver, logger *Logger) *MemoryManager {
	if logger == nil {
		logger = newNopLogger()
	}
	mm := &MemoryManager{
		store:     store,
		vsa:       vsa,
		embedder:  embedder,
		scorer:    scorer,
		personas:  personas,
		logger:    logger,
		extractor: DefaultEntityExtractor{},
		bumpStop:  make(chan struct{}),
		bumpDone:  make(chan struct{}),
	}
	go mm.runAccessBumpWorker()
	return mm
}

func (mm *MemoryManager) lockFor(personaID string) *sync.Mutex {
	v, _ := mm.writeLocks.LoadOrStore(personaID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// StoreInput bundles memory.store's parameters.
type StoreInput struct {
	PersonaID          string
	Content            string
	Kind               string
	Visibility         Visibility
	ImportanceOverride *float64
	RelatedPersonas    []string
	Metadata           map[string]string
	EmotionalValence   float64

	// Scoring context, supplied by a caller (typically the session
	// orchestrator) that already has a live conversation in flight. When
	// nil and ImportanceOverride is also nil, the manager scores against a
	// neutral default context.
	Context       *ConversationContext
	Compatibility *float64
	Topics        []string
}

// Store creates a new memory: computes its embedding, scores its
// importance (unless overridden), and writes it through the vector store. Fails
// with InvalidPersona when the id is unknown, EmbedderUnavailable when
// embedding fails.
func (mm *MemoryManager) Store(ctx context.Context, in StoreInput) (int64, error) {
	const op = "memory_manager.store"

	persona, err := mm.resolvePersona(ctx, op, in.PersonaID)
	if err != nil {
		return 0, err
	}

	if in.Visibility == "" {
		in.Visibility = VisibilityPrivate
	}

	vec, err := mm.embed(ctx, in.Content)
	if err != nil {
		return 0, errEmbedderUnavailable(op, err)
	}

	importance, err := mm.resolveImportance(ctx, persona, in)
	if err != nil {
		return 0, err
	}

	mem := Memory{
		PersonaID:        in.PersonaID,
		Content:          in.Content,
		Embedding:        vec,
		Importance:       importance,
		CreatedAt:        time.Now(),
		Kind:             in.Kind,
		Visibility:       in.Visibility,
		RelatedPersonas:  append([]string(nil), in.RelatedPersonas...),
		EmotionalValence: in.EmotionalValence,
		Metadata:         in.Metadata,
	}

	lock := mm.lockFor(in.PersonaID)
	lock.Lock()
	defer lock.Unlock()

	if err := mm.vsa.EnsureCollection(ctx, in.PersonaID); err != nil {
		return 0, errInternal(op, err)
	}
	id, err := mm.vsa.Upsert(ctx, mem)
	if err != nil {
		return 0, errInternal(op, err)
	}

	for _, ent := range mm.extractor.Extract(in.Content) {
		wpID, err := mm.store.UpsertWaypoint(ent.Text, ent.Type)
		if err != nil {
			continue
		}
		mm.store.InsertAssociation(id, wpID, 0.5)
	}

	mm.metrics.IncStored()
	return id, nil
}

func (mm *MemoryManager) resolvePersona(ctx context.Context, op, personaID string) (Persona, error) {
	if mm.personas == nil {
		return Persona{ID: personaID}, nil
	}
	p, err := mm.personas.Persona(ctx, personaID)
	if err != nil {
		return Persona{}, errInvalidPersona(op, personaID)
	}
	return p, nil
}

func (mm *MemoryManager) embed(ctx context.Context, content string) ([]float32, error) {
	if mm.embedder == nil {
		return nil, nil
	}
	var vec []float32
	err := withRetry(ctx, func() error {
		var embedErr error
		vec, embedErr = mm.embedder.Embed(ctx, content, "RETRIEVAL_DOCUMENT")
		return embedErr
	})
	return vec, err
}

// resolveImportance honors an explicit override, else runs the Importance
// Scorer against the supplied or a neutral default context.
func (mm *MemoryManager) resolveImportance(ctx context.Context, persona Persona, in StoreInput) (float64, error) {
	if in.ImportanceOverride != nil {
		return clip(*in.ImportanceOverride, mm.scorer.floor, mm.scorer.ceil), nil
	}

	convCtx := ConversationContext{ContinueScore: 50}
	if in.Context != nil {
		convCtx = *in.Context
	}
	compat := 0.0
	if in.Compatibility != nil {
		compat = *in.Compatibility
	}

	var lastMemoryAt *time.Time
	if ts, ok, err := mm.store.LastMemoryAt(in.PersonaID); err == nil && ok {
		lastMemoryAt = &ts
	}

	draft := MemoryDraft{
		Content:          in.Content,
		Kind:             in.Kind,
		Topics:           in.Topics,
		EmotionalValence: in.EmotionalValence,
	}

	score := mm.scorer.Score(ScoreInput{
		Draft:         draft,
		Persona:       persona,
		Context:       convCtx,
		Compatibility: compat,
		CreatedAt:     time.Now(),
		LastMemoryAt:  lastMemoryAt,
	})
	return score, nil
}

// Search retrieves a persona's own memories by similarity, within
// min_importance, sorted by descending similarity, ties broken by
// descending importance then descending recency.
func (mm *MemoryManager) Search(ctx context.Context, personaID, query string, k int, minImportance float64) ([]SearchResult, error) {
	vec, err := mm.embed(ctx, query)
	if err != nil {
		return nil, errEmbedderUnavailable("memory_manager.search", err)
	}

	results, err := mm.vsa.Query(ctx, personaID, vec, []Visibility{VisibilityPrivate, VisibilityShared, VisibilityPublic}, minImportance, 0)
	if err != nil {
		return nil, errInternal("memory_manager.search", err)
	}

	sortBySimilarityThenImportanceThenRecency(results)
	if k > 0 && len(results) > k {
		results = results[:k]
	}

	mm.attachWaypointExpansion(personaID, results)
	mm.queueAccessBumps(results)
	mm.metrics.IncSearch()
	return results, nil
}

// attachWaypointExpansion folds the one-hop entity graph (waypoints.go) in
// as an auxiliary related_memories field on each result. Additive on top
// of the similarity+importance+recency ordering, never a substitute for it.
func (mm *MemoryManager) attachWaypointExpansion(personaID string, results []SearchResult) {
	if len(results) == 0 {
		return
	}
	seeds := make([]Memory, len(results))
	for i, r := range results {
		seeds[i] = r.Memory
	}
	linkWeights := ExpandViaWaypoints(mm.store, seeds, personaID)
	if len(linkWeights) == 0 {
		return
	}
	related := make([]int64, 0, len(linkWeights))
	for id := range linkWeights {
		related = append(related, id)
	}
	sort.Slice(related, func(i, j int) bool { return linkWeights[related[i]] > linkWeights[related[j]] })
	for i := range results {
		results[i].RelatedMemories = related
	}
}

func sortBySimilarityThenImportanceThenRecency(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if results[i].Importance != results[j].Importance {
			return results[i].Importance > results[j].Importance
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
}

func (mm *MemoryManager) queueAccessBumps(results []SearchResult) {
	for _, r := range results {
		if err := mm.store.QueueAccessBump(r.ID); err != nil {
			mm.logger.Warn("queue access bump failed", zap.Int64("memory_id", r.ID), zap.Error(err))
		}
	}
}

// CrossPersonaSearchInput bundles memory.search_cross_persona's parameters.
type CrossPersonaSearchInput struct {
	RequestingPersonaID string
	Query               string
	K                   int
	MinImportance       float64
	IncludeShared       bool
	IncludePublic       bool
}

// SearchCrossPersona iterates every persona collection. From the requester's
// own collection it includes every visibility; from any other persona it
// includes only shared/public per the include flags. Private memories of
// other personas must never appear, whatever their related_personas hint.
func (mm *MemoryManager) SearchCrossPersona(ctx context.Context, in CrossPersonaSearchInput) ([]SearchResult, error) {
	const op = "memory_manager.search_cross_persona"

	vec, err := mm.embed(ctx, in.Query)
	if err != nil {
		return nil, errEmbedderUnavailable(op, err)
	}

	ids, err := mm.store.ListPersonaIDs()
	if err != nil {
		return nil, errInternal(op, err)
	}

	var foreignVisibilities []Visibility
	if in.IncludeShared {
		foreignVisibilities = append(foreignVisibilities, VisibilityShared)
	}
	if in.IncludePublic {
		foreignVisibilities = append(foreignVisibilities, VisibilityPublic)
	}

	// Scatter one query per collection; a failing collection is logged and
	// skipped, it never aborts the whole search.
	perPersona := make([][]SearchResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, pid := range ids {
		var visibilities []Visibility
		if pid == in.RequestingPersonaID {
			visibilities = []Visibility{VisibilityPrivate, VisibilityShared, VisibilityPublic}
		} else {
			if len(foreignVisibilities) == 0 {
				continue
			}
			visibilities = foreignVisibilities
		}

		i, pid := i, pid
		g.Go(func() error {
			results, err := mm.vsa.Query(gctx, pid, vec, visibilities, in.MinImportance, 0)
			if err != nil {
				mm.logger.Warn("cross-persona query failed", zap.String("persona", pid), zap.Error(err))
				return nil
			}
			for j := range results {
				if pid == in.RequestingPersonaID {
					results[j].Source = "own"
				} else {
					results[j].SourcePersona = pid
					results[j].Source = "cross_persona"
				}
			}
			perPersona[i] = results
			return nil
		})
	}
	g.Wait()

	var merged []SearchResult
	for _, results := range perPersona {
		merged = append(merged, results...)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Similarity > merged[j].Similarity })
	if in.K > 0 && len(merged) > in.K {
		merged = merged[:in.K]
	}

	mm.queueAccessBumps(merged)
	mm.metrics.IncSearch()
	return merged, nil
}

// UpdateImportance batch-writes new importance scores, forwarding them as
// importance-bearing metadata maps to the vector store's batch update.
func (mm *MemoryManager) UpdateImportance(ctx context.Context, personaID string, updates map[int64]float64) error {
	lock := mm.lockFor(personaID)
	lock.Lock()
	defer lock.Unlock()

	ids := make([]int64, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	metadata := make([]map[string]string, len(ids))
	for i, id := range ids {
		metadata[i] = map[string]string{
			"importance": strconv.FormatFloat(updates[id], 'f', -1, 64),
		}
	}

	if err := mm.vsa.BatchUpdateMetadata(ctx, ids, metadata); err != nil {
		return errInternal("memory_manager.update_importance", err)
	}
	return nil
}

// Stats computes per-persona collection statistics.
func (mm *MemoryManager) Stats(ctx context.Context, personaID string) (CollectionStats, error) {
	stats, err := mm.store.Stats(personaID)
	if err != nil {
		return CollectionStats{}, errInternal("memory_manager.stats", err)
	}
	return stats, nil
}

// All returns a persona's full collection unfiltered (the scan the
// decay worker and pruner build on).
func (mm *MemoryManager) All(ctx context.Context, personaID string) ([]Memory, error) {
	mems, err := mm.vsa.All(ctx, personaID)
	if err != nil {
		return nil, errInternal("memory_manager.all", err)
	}
	return mems, nil
}

// Delete removes a batch of memories for a persona, serialized against
// concurrent writes on that persona (used by the Pruner).
func (mm *MemoryManager) Delete(ctx context.Context, personaID string, ids []int64) error {
	lock := mm.lockFor(personaID)
	lock.Lock()
	defer lock.Unlock()
	if err := mm.vsa.Delete(ctx, ids); err != nil {
		return errInternal("memory_manager.delete", err)
	}
	return nil
}

// PersonaIDs lists every persona with at least one stored memory.
func (mm *MemoryManager) PersonaIDs() ([]string, error) {
	return mm.store.ListPersonaIDs()
}

// Close stops the access-bump worker. The Store's lifetime is owned by the
// caller that created it.
func (mm *MemoryManager) Close() {
	close(mm.bumpStop)
	<-mm.bumpDone
}

// runAccessBumpWorker drains queued access bumps once per second, keeping
// them visible within a bounded delay. A single global worker rather than
// one per persona: coalescing happens at drain time regardless, and one
// serialized drainer cannot contend with the decay and prune writers any
// more than per-persona drainers could.
func (mm *MemoryManager) runAccessBumpWorker() {
	defer close(mm.bumpDone)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := mm.store.DrainAccessBumps(); err != nil {
				mm.logger.Warn("access bump drain failed", zap.Error(err))
			}
		case <-mm.bumpStop:
			mm.store.DrainAccessBumps()
			return
		}
	}
}
