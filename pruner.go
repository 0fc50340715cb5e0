package aria

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// pruneState is the per-persona pruning state machine:
// Idle -> Checking -> Scoring -> Selecting -> Deleting -> Idle.
type pruneState int

const (
	stateIdle pruneState = iota
	stateChecking
	stateScoring
	stateSelecting
	stateDeleting
)

func (s pruneState) String() string {
	switch s {
	case stateChecking:
		return "checking"
	case stateScoring:
		return "scoring"
	case stateSelecting:
		return "selecting"
	case stateDeleting:
		return "deleting"
	default:
		return "idle"
	}
}

// Pruner evicts low-ranked memories under safety rules when a persona's
// collection exceeds a threshold.
type Pruner struct {
	mm      *MemoryManager
	store   *Store
	cfg     PruneConfig
	logger  *Logger
	metrics *Metrics // nil disables instrumentation

	mu          sync.Mutex
	inProgress  map[string]bool
	states      map[string]pruneState
	errorCounts map[string]int
}

// NewPruner builds a Pruner bound to its collaborators.
func NewPruner(mm *MemoryManager, store *Store, cfg PruneConfig, logger *Logger) *Pruner {
	if logger == nil {
		logger = newNopLogger()
	}
	return &Pruner{
		mm:          mm,
		store:       store,
		cfg:         cfg,
		logger:      logger,
		inProgress:  make(map[string]bool),
		states:      make(map[string]pruneState),
		errorCounts: make(map[string]int),
	}
}

// InProgress reports whether a prune is currently running for a persona.
func (p *Pruner) InProgress(personaID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inProgress[personaID]
}

func (p *Pruner) tryEnter(personaID string, force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inProgress[personaID] && !force {
		return false
	}
	p.inProgress[personaID] = true
	return true
}

func (p *Pruner) leave(personaID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inProgress, personaID)
	delete(p.states, personaID)
}

// setState records the state-machine position. Errors anywhere transition
// back to Idle via leave; there is no partial rollback.
func (p *Pruner) setState(personaID string, st pruneState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[personaID] = st
}

// PruneResult reports the outcome of one invocation.
type PruneResult struct {
	PersonaID             string
	Evaluated             int
	Candidates            int
	ProtectedBySafetyRule int
	Deleted               int
	DeletedIDs            []int64
	MeanImportancePruned  float64
	MeanImportanceKept    float64
}

// Prune evicts the lowest-ranked safe subset of a persona's collection.
// force bypasses both the in-flight guard and the 1-hour cooldown between
// non-forced prunes.
func (p *Pruner) Prune(ctx context.Context, personaID string, force bool) (PruneResult, error) {
	if !p.tryEnter(personaID, force) {
		return PruneResult{}, errPruneInProgress("pruner.prune", personaID)
	}
	defer p.leave(personaID)

	if !force {
		if lastPruned, ok, err := p.store.LastPrunedAt(personaID); err == nil && ok {
			if time.Since(lastPruned) < p.cfg.MinCooldown {
				return PruneResult{}, errPruneInProgress("pruner.prune", personaID)
			}
		}
	}

	result, deleteIDs, err := p.plan(ctx, personaID) // Checking + Scoring + Selecting
	if err != nil {
		p.recordError(personaID)
		return PruneResult{}, err
	}

	p.setState(personaID, stateDeleting)
	deleted, err := p.deleteBatches(ctx, personaID, deleteIDs)
	result.Deleted = deleted
	result.DeletedIDs = deleteIDs[:deleted]
	p.metrics.IncPruneRun()
	p.metrics.AddPruned(deleted)
	if err != nil {
		p.recordError(personaID)
		// Already-deleted ids are not restored; record and surface the error.
		return result, err
	}

	if err := p.store.MarkPruned(personaID, time.Now()); err != nil {
		p.logger.Warn("mark pruned failed", zap.String("persona", personaID), zap.Error(err))
	}
	return result, nil
}

// Recommend runs the scoring+ranking+safety-filter pipeline without
// deleting anything: a dry-run preview for memory.prune_recommendations.
func (p *Pruner) Recommend(ctx context.Context, personaID string) (PruneResult, error) {
	result, _, err := p.plan(ctx, personaID)
	p.mu.Lock()
	delete(p.states, personaID)
	p.mu.Unlock()
	return result, err
}

func (p *Pruner) recordError(personaID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorCounts[personaID]++
}

// ErrorCount reports how many prune invocations have failed for a persona.
func (p *Pruner) ErrorCount(personaID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorCounts[personaID]
}

// PruneStatus summarizes a persona's pruning state for memory.prune_stats.
type PruneStatus struct {
	PersonaID    string
	InProgress   bool
	State        string
	ErrorCount   int
	LastPrunedAt *time.Time
}

// Status reports the current prune state for a persona.
func (p *Pruner) Status(personaID string) PruneStatus {
	p.mu.Lock()
	inProgress := p.inProgress[personaID]
	state := p.states[personaID]
	errorCount := p.errorCounts[personaID]
	p.mu.Unlock()

	st := PruneStatus{
		PersonaID:  personaID,
		InProgress: inProgress,
		State:      state.String(),
		ErrorCount: errorCount,
	}
	if at, ok, err := p.store.LastPrunedAt(personaID); err == nil && ok {
		st.LastPrunedAt = &at
	}
	return st
}

// plan executes Checking -> Scoring -> Selecting and returns the would-be
// result plus the final, safety-filtered, bounded-by-max-prune-percent
// delete list (ascending eviction-score order).
func (p *Pruner) plan(ctx context.Context, personaID string) (PruneResult, []int64, error) {
	p.setState(personaID, stateChecking)
	memories, err := p.mm.All(ctx, personaID)
	if err != nil {
		return PruneResult{}, nil, errInternal("pruner.checking", err)
	}

	countBefore := len(memories)
	result := PruneResult{PersonaID: personaID, Evaluated: countBefore}
	if countBefore <= p.cfg.TargetMemoriesPerPersona {
		return result, nil, nil
	}

	now := time.Now()
	type scored struct {
		mem   Memory
		score float64
	}
	p.setState(personaID, stateScoring)
	ranked := make([]scored, len(memories))
	for i, m := range memories {
		ranked[i] = scored{mem: m, score: evictionScore(m, p.cfg, now)}
	}

	p.setState(personaID, stateSelecting)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })

	wantPruned := countBefore - p.cfg.TargetMemoriesPerPersona
	if wantPruned > len(ranked) {
		wantPruned = len(ranked)
	}
	candidates := ranked[:wantPruned]
	result.Candidates = len(candidates)

	maxDeletable := int(float64(countBefore) * p.cfg.MaxPrunePercent)

	var toDelete []int64
	var prunedImportanceSum, keptImportanceSum float64
	var keptCount int
	deletedSet := make(map[int64]bool)

	for _, c := range candidates {
		if safetyProtects(c.mem, p.cfg, now) {
			result.ProtectedBySafetyRule++
			continue
		}
		if len(toDelete) >= maxDeletable {
			break // bounded eviction: never more than max_prune_percent per run
		}
		toDelete = append(toDelete, c.mem.ID)
		deletedSet[c.mem.ID] = true
		prunedImportanceSum += c.mem.Importance
	}

	for _, m := range memories {
		if !deletedSet[m.ID] {
			keptImportanceSum += m.Importance
			keptCount++
		}
	}

	if len(toDelete) > 0 {
		result.MeanImportancePruned = prunedImportanceSum / float64(len(toDelete))
	}
	if keptCount > 0 {
		result.MeanImportanceKept = keptImportanceSum / float64(keptCount)
	}

	return result, toDelete, nil
}

// safetyProtects applies the safety filters *after* eviction ranking,
// never during. This is what keeps score-weight tuning from ever
// overriding a protection.
func safetyProtects(m Memory, cfg PruneConfig, now time.Time) bool {
	if m.Importance >= cfg.MaxImportanceToDelete {
		return true
	}
	if m.AccessCount >= cfg.HighAccessThreshold {
		return true
	}
	if m.AccessCount == 0 {
		ageDays := now.Sub(m.CreatedAt).Hours() / 24.0
		if ageDays < float64(cfg.ZeroAccessGraceDays) {
			return true
		}
	}
	return false
}

// evictionScore returns a single ascending sort key regardless of
// strategy: low score prunes first. For the importance-weighted
// strategies this is a "higher is better, kept" composite score; for lru
// and fifo it is simply the relevant Unix timestamp, so ascending order
// prunes the least-recently-used / oldest first.
func evictionScore(m Memory, cfg PruneConfig, now time.Time) float64 {
	switch cfg.Strategy {
	case PruneLRU:
		if m.LastAccessedAt == nil {
			return 0 // never accessed: most prunable
		}
		return float64(m.LastAccessedAt.Unix())
	case PruneFIFO:
		return float64(m.CreatedAt.Unix())
	case PruneImportanceOnly:
		return m.Importance * cfg.ImportanceWeight
	case PruneImportanceAccess:
		accessScore := m.Importance*cfg.ImportanceWeight + minF(float64(m.AccessCount)/10.0, 1.0)*cfg.AccessWeight
		return accessScore
	case PruneImportanceAccessAge:
		fallthrough
	default:
		accessScore := m.Importance*cfg.ImportanceWeight + minF(float64(m.AccessCount)/10.0, 1.0)*cfg.AccessWeight
		return accessScore + ageScore(m, cfg, now)*cfg.AgeWeight
	}
}

// ageScore is 1.0 for memories younger than recent_memory_days, 0.1 for
// those older than ancient_memory_days, and linearly interpolated between.
func ageScore(m Memory, cfg PruneConfig, now time.Time) float64 {
	ageDays := now.Sub(m.CreatedAt).Hours() / 24.0
	recent := float64(cfg.RecentMemoryDays)
	ancient := float64(cfg.AncientMemoryDays)
	switch {
	case ageDays <= recent:
		return 1.0
	case ageDays >= ancient:
		return 0.1
	default:
		frac := (ageDays - recent) / (ancient - recent)
		return 1.0 - frac*0.9
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// deleteBatches removes ids in cfg.BatchSize groups with a pause between
// batches, aborting after the first failing batch without restoring
// already-deleted ids.
func (p *Pruner) deleteBatches(ctx context.Context, personaID string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	batchSize := p.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(ids)
	}

	deleted := 0
	for start := 0; start < len(ids); start += batchSize {
		select {
		case <-ctx.Done():
			return deleted, ctx.Err()
		default:
		}

		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		if err := p.mm.Delete(ctx, personaID, batch); err != nil {
			return deleted, errInternal("pruner.deleting", err)
		}
		deleted = end
		if end < len(ids) {
			time.Sleep(p.cfg.BatchPause)
		}
	}
	return deleted, nil
}
