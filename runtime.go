package aria

import (
	"context"

	"go.uber.org/zap"
)

// Runtime wires the core components together: store, vector store adapter,
// scorers, memory manager, decay worker, pruner, and the optional
// reflection worker. It is the handle a Session Orchestrator (or the MCP
// bridge) holds.
type Runtime struct {
	Config        Config
	Store         *Store
	Vectors       VectorStore
	Scorer        *ImportanceScorer
	Conversations *ConversationScorer
	Memories      *MemoryManager
	Pruner        *Pruner
	Decay         *DecayWorker
	Reflection    *ReflectionWorker
	Metrics       *Metrics

	logger *Logger
	cancel context.CancelFunc
}

// Init validates the configuration, opens the store, and builds the
// component graph. Validation failures are invariant violations and fatal:
// the runtime never starts with malformed weights or thresholds. personas
// may be nil: every persona id is then accepted without validation.
func Init(cfg Config, personas PersonaResolver) (*Runtime, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := NewStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	vsa := cfg.VectorStore
	if vsa == nil {
		vsa = NewSQLiteVectorStore(store)
	}

	metrics := NewMetrics()
	scorer := NewImportanceScorer(&cfg)
	conversations := NewConversationScorer(&cfg)

	mm := NewMemoryManager(store, vsa, cfg.Embedder, scorer, personas, cfg.Logger)
	mm.metrics = metrics

	pruner := NewPruner(mm, store, *cfg.Prune, cfg.Logger)
	pruner.metrics = metrics

	decay := NewDecayWorker(mm, store, pruner, *cfg.Decay, cfg.Logger)
	decay.metrics = metrics

	rt := &Runtime{
		Config:        cfg,
		Store:         store,
		Vectors:       vsa,
		Scorer:        scorer,
		Conversations: conversations,
		Memories:      mm,
		Pruner:        pruner,
		Decay:         decay,
		Metrics:       metrics,
		logger:        cfg.Logger,
	}

	if cfg.Reflector != nil {
		interval := cfg.ReflectionInterval
		if interval <= 0 {
			interval = cfg.Decay.Interval
		}
		rt.Reflection = NewReflectionWorker(mm, cfg.Reflector, 50, 5, interval, cfg.Logger)
	}

	rt.logger.Info("runtime initialized",
		zap.String("db", cfg.DBPath),
		zap.String("decay_mode", string(cfg.Decay.Mode)),
		zap.Duration("decay_interval", cfg.Decay.Interval),
		zap.String("prune_strategy", string(cfg.Prune.Strategy)))

	return rt, nil
}

// Start launches the background workers. ctx cancellation stops them
// cooperatively at their next batch boundary.
func (rt *Runtime) Start(ctx context.Context) {
	ctx, rt.cancel = context.WithCancel(ctx)
	rt.Decay.Start(ctx)
	if rt.Reflection != nil {
		rt.Reflection.Start(ctx)
	}
}

// Close stops the workers, drains the access-bump queue, and closes the
// store.
func (rt *Runtime) Close() error {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.Decay.Stop()
	if rt.Reflection != nil {
		rt.Reflection.Stop()
	}
	rt.Memories.Close()
	return rt.Store.Close()
}
