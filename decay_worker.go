package aria

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DecayWorker ages memories on a schedule, pushing batch updates through
// the memory manager and, when a persona crosses its auto-prune trigger,
// the Pruner. Never concurrent with itself, and never concurrent with the
// Pruner on the same persona: a cycle skips any persona with a prune in
// flight, and the per-persona write lock inside the memory manager keeps
// an in-flight batch from interleaving with a prune that starts mid-cycle.
type DecayWorker struct {
	mm      *MemoryManager
	store   *Store
	pruner  *Pruner
	cfg     DecayConfig
	logger  *Logger
	metrics *Metrics // nil disables instrumentation

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDecayWorker builds a DecayWorker bound to its collaborators. pruner may be nil
// to disable auto-pruning regardless of EnableAutoPruning.
func NewDecayWorker(mm *MemoryManager, store *Store, pruner *Pruner, cfg DecayConfig, logger *Logger) *DecayWorker {
	if logger == nil {
		logger = newNopLogger()
	}
	return &DecayWorker{mm: mm, store: store, pruner: pruner, cfg: cfg, logger: logger}
}

// Start launches the scheduled background ticker. Cancellation is
// cooperative: Stop lets the in-flight batch finish before the goroutine
// exits.
func (dw *DecayWorker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	dw.cancel = cancel
	dw.done = make(chan struct{})

	go func() {
		defer close(dw.done)
		ticker := time.NewTicker(dw.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				dw.RunCycle(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop requests cancellation and waits for the current cycle's batch to
// complete.
func (dw *DecayWorker) Stop() {
	if dw.cancel == nil {
		return
	}
	dw.cancel()
	<-dw.done
}

// RunCycle performs one decay sweep: persona selection, per-persona aging,
// and the auto-prune check. Exported so tests and callers that
// want synchronous/manual cycles don't need the ticker.
func (dw *DecayWorker) RunCycle(ctx context.Context) {
	personas, err := dw.selectPersonas(ctx)
	if err != nil {
		dw.logger.Error("decay cycle: select personas failed", zap.Error(err))
		return
	}

	failed := 0
	for _, personaID := range personas {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if dw.pruner != nil && dw.pruner.InProgress(personaID) {
			dw.logger.Info("decay cycle: skipping persona being pruned", zap.String("persona", personaID))
			continue
		}

		if err := dw.decayPersona(ctx, personaID); err != nil {
			// Per-persona failures are isolated: counted, logged, cycle proceeds.
			failed++
			dw.logger.Error("decay cycle: persona failed", zap.String("persona", personaID), zap.Error(err))
			continue
		}
	}
	if failed > 0 {
		dw.logger.Warn("decay cycle: personas failed", zap.Int("failed", failed))
	}
	dw.metrics.IncDecayCycle()
}

type personaDecayOrder struct {
	id           string
	lastDecayed  time.Time
	neverDecayed bool
}

// selectPersonas enumerates collections and, when the total exceeds
// max_personas_per_cycle, selects the ones whose last-decayed timestamp is
// oldest, with never-decayed personas sorted first so every collection
// gets its first sweep before any gets a second.
func (dw *DecayWorker) selectPersonas(ctx context.Context) ([]string, error) {
	ids, err := dw.store.ListPersonaIDs()
	if err != nil {
		return nil, err
	}

	ordered := make([]personaDecayOrder, 0, len(ids))
	for _, id := range ids {
		lastDecayed, ok, err := dw.store.LastDecayedAt(id)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, personaDecayOrder{id: id, lastDecayed: lastDecayed, neverDecayed: !ok})
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.neverDecayed != b.neverDecayed {
			return a.neverDecayed // never-decayed sorts first
		}
		if a.neverDecayed {
			return false // both never-decayed: stable order
		}
		return a.lastDecayed.Before(b.lastDecayed)
	})

	if dw.cfg.MaxPersonasPerCycle > 0 && len(ordered) > dw.cfg.MaxPersonasPerCycle {
		ordered = ordered[:dw.cfg.MaxPersonasPerCycle]
	}

	out := make([]string, len(ordered))
	for i, o := range ordered {
		out[i] = o.id
	}
	return out, nil
}

// decayPersona fetches a persona's full collection, recomputes importance
// for every unprotected memory, writes back the changed ones in batches,
// and runs the auto-prune check.
func (dw *DecayWorker) decayPersona(ctx context.Context, personaID string) error {
	memories, err := dw.mm.All(ctx, personaID)
	if err != nil {
		return err
	}

	now := time.Now()
	changed := make(map[int64]float64)
	for _, m := range memories {
		if protected(m, dw.cfg, now) {
			continue
		}
		newImportance := dw.applyDecay(m, now)
		if newImportance != m.Importance {
			changed[m.ID] = newImportance
		}
	}

	if err := dw.writeBatches(ctx, personaID, changed); err != nil {
		return err
	}
	dw.metrics.AddDecayed(len(changed))

	if err := dw.store.MarkDecayed(personaID, now); err != nil {
		return err
	}

	return dw.maybeAutoPrune(ctx, personaID)
}

func (dw *DecayWorker) writeBatches(ctx context.Context, personaID string, changed map[int64]float64) error {
	if len(changed) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	batchSize := dw.cfg.MaxMemoriesPerBatch
	if batchSize <= 0 {
		batchSize = len(ids)
	}

	for start := 0; start < len(ids); start += batchSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := make(map[int64]float64, end-start)
		for _, id := range ids[start:end] {
			batch[id] = changed[id]
		}
		if err := dw.mm.UpdateImportance(ctx, personaID, batch); err != nil {
			return err
		}
		if end < len(ids) {
			time.Sleep(dw.cfg.BatchPause)
		}
	}
	return nil
}

func (dw *DecayWorker) maybeAutoPrune(ctx context.Context, personaID string) error {
	if !dw.cfg.EnableAutoPruning || dw.pruner == nil {
		return nil
	}

	stats, err := dw.mm.Stats(ctx, personaID)
	if err != nil {
		return err
	}
	if stats.Total < dw.cfg.AutoPruneThreshold {
		return nil
	}

	memories, err := dw.mm.All(ctx, personaID)
	if err != nil {
		return err
	}
	lowImportance := 0
	for _, m := range memories {
		if m.Importance <= dw.cfg.AutoPruneImportanceThreshold {
			lowImportance++
		}
	}
	if lowImportance <= 50 {
		return nil
	}

	_, err = dw.pruner.Prune(ctx, personaID, false)
	if err != nil && !isPolicyError(err) {
		return err
	}
	return nil
}

// protected applies the unconditional protections, checked before any
// decay factor: high importance or a recent access exempts the memory.
func protected(m Memory, cfg DecayConfig, now time.Time) bool {
	if m.Importance >= cfg.ProtectedImportance {
		return true
	}
	if m.LastAccessedAt != nil {
		daysSinceAccess := now.Sub(*m.LastAccessedAt).Hours() / 24.0
		if daysSinceAccess <= float64(cfg.AccessProtectionDays) {
			return true
		}
	}
	return false
}

// applyDecay computes new importance = old * (1 - decay_factor), floored
// and rounded to 3 decimals.
func (dw *DecayWorker) applyDecay(m Memory, now time.Time) float64 {
	ageDays := now.Sub(m.CreatedAt).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}

	factor := decayFactor(dw.cfg, m, ageDays)
	newImportance := m.Importance * (1 - factor)
	if newImportance < dw.cfg.MinImportanceFloor {
		newImportance = dw.cfg.MinImportanceFloor
	}
	return math.Round(newImportance*1000) / 1000
}

func decayFactor(cfg DecayConfig, m Memory, ageDays float64) float64 {
	switch cfg.Mode {
	case DecayNone:
		return 0
	case DecayLinear:
		return math.Min(ageDays*cfg.LinearRate, 0.8)
	case DecayExponential:
		halfLife := float64(cfg.ExponentialHalfLifeDays)
		if halfLife <= 0 {
			halfLife = 30
		}
		return 1 - math.Pow(0.5, ageDays/halfLife)
	case DecayLogarithmic:
		maxDays := float64(cfg.MaxDecayDays)
		if maxDays <= 0 {
			maxDays = 90
		}
		return math.Min(math.Log(1+ageDays)/math.Log(1+maxDays), 0.8)
	case DecayAccessBased:
		base := math.Min(1-math.Pow(0.7, ageDays/30.0), 0.6)
		if m.AccessCount == 0 {
			base *= cfg.ZeroAccessMultiplier
		} else if m.AccessCount >= cfg.HighAccessThreshold {
			base /= 2
		}
		return base
	default:
		return 0
	}
}

func isPolicyError(err error) bool {
	ariaErr, ok := err.(*Error)
	return ok && ariaErr.Kind == KindPolicy
}
