package aria

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Reflection is a synthesized higher-order observation produced by a
// ReflectionProvider from a window of a persona's recent memories.
type Reflection struct {
	Content    string
	Importance float64  // [0, 1]; 0 means "let the caller pick a default"
	Topics     []string // detected topics, passed through to the importance scorer
}

const reflectionKind = "reflection"
const duplicateReflectionThreshold = 0.85
const defaultReflectionImportance = 0.7

// ReflectionWorker periodically asks a ReflectionProvider to synthesize
// observations from a persona's recent memories and stores them back as
// new memories of kind "reflection", deduplicated against existing
// reflections. Opt-in: a nil provider disables it entirely.
type ReflectionWorker struct {
	mm       *MemoryManager
	provider ReflectionProvider
	logger   *Logger

	window      int
	minMemories int
	interval    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReflectionWorker builds a worker bound to its collaborators. provider
// may be nil to disable reflection.
func NewReflectionWorker(mm *MemoryManager, provider ReflectionProvider, window, minMemories int, interval time.Duration, logger *Logger) *ReflectionWorker {
	if logger == nil {
		logger = newNopLogger()
	}
	if window <= 0 {
		window = 50
	}
	if minMemories <= 0 {
		minMemories = 5
	}
	return &ReflectionWorker{mm: mm, provider: provider, window: window, minMemories: minMemories, interval: interval, logger: logger}
}

// Start launches the periodic reflection sweep across every persona with
// stored memories. A nil provider or non-positive interval disables the
// worker.
func (rw *ReflectionWorker) Start(ctx context.Context) {
	if rw.provider == nil || rw.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	rw.cancel = cancel
	rw.done = make(chan struct{})

	go func() {
		defer close(rw.done)
		ticker := time.NewTicker(rw.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rw.RunCycle(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop requests cancellation and waits for the in-flight cycle to finish.
func (rw *ReflectionWorker) Stop() {
	if rw.cancel == nil {
		return
	}
	rw.cancel()
	<-rw.done
}

// RunCycle triggers reflective synthesis for every persona with stored
// memories. A failure on one persona is isolated: logged, and the cycle
// proceeds to the next.
func (rw *ReflectionWorker) RunCycle(ctx context.Context) {
	personaIDs, err := rw.mm.PersonaIDs()
	if err != nil {
		rw.logger.Error("reflection cycle: list personas failed", zap.Error(err))
		return
	}
	for _, id := range personaIDs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		results, err := rw.Reflect(ctx, id, "")
		if err != nil {
			rw.logger.Error("reflection failed", zap.String("persona", id), zap.Error(err))
			continue
		}
		if len(results) > 0 {
			rw.logger.Info("generated reflections", zap.String("persona", id), zap.Int("count", len(results)))
		}
	}
}

// Reflect triggers reflective synthesis for one persona on demand: loads
// its most recent non-reflection memories, passes them to the provider,
// deduplicates the results against existing reflections by embedding
// similarity, and stores the rest as new memories of kind "reflection".
func (rw *ReflectionWorker) Reflect(ctx context.Context, personaID, personaContext string) ([]Memory, error) {
	if rw.provider == nil {
		return nil, fmt.Errorf("aria: no ReflectionProvider configured")
	}

	all, err := rw.mm.All(ctx, personaID)
	if err != nil {
		return nil, fmt.Errorf("aria: load memories: %w", err)
	}

	var input, existingReflections []Memory
	for _, m := range all {
		if m.Kind == reflectionKind {
			if len(m.Embedding) > 0 {
				existingReflections = append(existingReflections, m)
			}
			continue
		}
		input = append(input, m)
	}
	if len(input) < rw.minMemories {
		return nil, nil
	}

	sort.Slice(input, func(i, j int) bool { return input[i].CreatedAt.After(input[j].CreatedAt) })
	if len(input) > rw.window {
		input = input[:rw.window]
	}

	reflections, err := rw.provider.Reflect(ctx, input, personaContext)
	if err != nil {
		return nil, fmt.Errorf("aria: reflection provider: %w", err)
	}
	if len(reflections) == 0 {
		return nil, nil
	}

	var stored []Memory
	for _, ref := range reflections {
		if ref.Content == "" {
			continue
		}
		if rw.isDuplicate(ctx, ref.Content, existingReflections) {
			continue
		}

		importance := clip(ref.Importance, 0, 1)
		if importance <= 0 {
			importance = defaultReflectionImportance
		}

		id, err := rw.mm.Store(ctx, StoreInput{
			PersonaID:          personaID,
			Content:            ref.Content,
			Kind:               reflectionKind,
			Visibility:         VisibilityPrivate,
			ImportanceOverride: &importance,
			Topics:             ref.Topics,
		})
		if err != nil {
			rw.logger.Warn("store reflection failed", zap.String("persona", personaID), zap.Error(err))
			continue
		}
		stored = append(stored, Memory{ID: id, PersonaID: personaID, Content: ref.Content, Importance: importance, Kind: reflectionKind})
	}

	return stored, nil
}

// isDuplicate checks a candidate reflection's embedding against existing
// reflective memories; unembeddable candidates are kept (can't check).
func (rw *ReflectionWorker) isDuplicate(ctx context.Context, content string, existing []Memory) bool {
	if len(existing) == 0 {
		return false
	}
	vec, err := rw.mm.embed(ctx, content)
	if err != nil || len(vec) == 0 {
		return false
	}
	for _, ev := range existing {
		if CosineSimilarity(vec, ev.Embedding) > duplicateReflectionThreshold {
			return true
		}
	}
	return false
}
