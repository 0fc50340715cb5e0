package aria

import (
	"fmt"
	"math"
	"time"
)

// DecayMode selects the aging function the Decay Worker applies to an
// unprotected memory each cycle.
type DecayMode string

const (
	DecayNone        DecayMode = "none"
	DecayLinear      DecayMode = "linear"
	DecayExponential DecayMode = "exponential"
	DecayLogarithmic DecayMode = "logarithmic"
	DecayAccessBased DecayMode = "access_based"
)

// PruneStrategy selects the eviction-score formula the Pruner ranks a
// persona's collection with.
type PruneStrategy string

const (
	PruneImportanceOnly      PruneStrategy = "importance_only"
	PruneImportanceAccess    PruneStrategy = "importance_access"
	PruneImportanceAccessAge PruneStrategy = "importance_access_age"
	PruneLRU                 PruneStrategy = "lru"
	PruneFIFO                PruneStrategy = "fifo"
)

// ScoringWeights are the Importance Scorer's six signal weights.
// They must sum to 1.0 ± 0.01 and are validated fatally at startup.
type ScoringWeights struct {
	Content      float64 // default 0.30
	Engagement   float64 // default 0.20
	Persona      float64 // default 0.15
	Temporal     float64 // default 0.05
	Relationship float64 // default 0.10
	Recency      float64 // default 0.20
}

func defaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		Content:      0.30,
		Engagement:   0.20,
		Persona:      0.15,
		Temporal:     0.05,
		Relationship: 0.10,
		Recency:      0.20,
	}
}

func (w ScoringWeights) sum() float64 {
	return w.Content + w.Engagement + w.Persona + w.Temporal + w.Relationship + w.Recency
}

// DecayConfig configures the Decay Worker. HighAccessThreshold here is
// deliberately independent of PruneConfig's: decay softens for moderately
// accessed memories well before pruning considers them protected.
type DecayConfig struct {
	Mode                         DecayMode
	Interval                     time.Duration // default 6h
	MaxDecayDays                 int           // default 90
	MinImportanceFloor           float64       // default 0.1
	ProtectedImportance          float64       // default 0.8
	AccessProtectionDays         int           // default 7
	HighAccessThreshold          int           // default 3
	ZeroAccessMultiplier         float64       // default 2.0
	LinearRate                   float64       // default 0.01
	ExponentialHalfLifeDays      int           // default 30
	EnableAutoPruning            bool          // default true
	AutoPruneThreshold           int           // default 1000
	AutoPruneImportanceThreshold float64       // default 0.3
	MaxPersonasPerCycle          int           // default 5
	MaxMemoriesPerBatch          int           // default 100
	BatchPause                   time.Duration // default 100ms
}

// DefaultDecayConfig returns the decay defaults, for callers that want to
// override a single field before Init.
func DefaultDecayConfig() DecayConfig { return defaultDecayConfig() }

func defaultDecayConfig() DecayConfig {
	return DecayConfig{
		Mode:                         DecayAccessBased,
		Interval:                     6 * time.Hour,
		MaxDecayDays:                 90,
		MinImportanceFloor:           0.1,
		ProtectedImportance:          0.8,
		AccessProtectionDays:         7,
		HighAccessThreshold:          3,
		ZeroAccessMultiplier:         2.0,
		LinearRate:                   0.01,
		ExponentialHalfLifeDays:      30,
		EnableAutoPruning:            true,
		AutoPruneThreshold:           1000,
		AutoPruneImportanceThreshold: 0.3,
		MaxPersonasPerCycle:          5,
		MaxMemoriesPerBatch:          100,
		BatchPause:                   100 * time.Millisecond,
	}
}

// PruneConfig configures the Pruner.
type PruneConfig struct {
	Strategy                 PruneStrategy
	MaxMemoriesPerPersona    int           // default 1000
	TargetMemoriesPerPersona int           // default 800
	PruningThreshold         int           // default 900
	ImportanceWeight         float64       // default 0.6
	AccessWeight             float64       // default 0.3
	AgeWeight                float64       // default 0.1
	MaxImportanceToDelete    float64       // default 0.7
	HighAccessThreshold      int           // default 5
	ZeroAccessGraceDays      int           // default 30
	RecentMemoryDays         int           // default 7
	AncientMemoryDays        int           // default 90
	BatchSize                int           // default 100
	MaxPrunePercent          float64       // default 0.25
	MinCooldown              time.Duration // default 1h, non-forced
	BatchPause               time.Duration // default 100ms
}

func defaultPruneConfig() PruneConfig {
	return PruneConfig{
		Strategy:                 PruneImportanceAccessAge,
		MaxMemoriesPerPersona:    1000,
		TargetMemoriesPerPersona: 800,
		PruningThreshold:         900,
		ImportanceWeight:         0.6,
		AccessWeight:             0.3,
		AgeWeight:                0.1,
		MaxImportanceToDelete:    0.7,
		HighAccessThreshold:      5,
		ZeroAccessGraceDays:      30,
		RecentMemoryDays:         7,
		AncientMemoryDays:        90,
		BatchSize:                100,
		MaxPrunePercent:          0.25,
		MinCooldown:              time.Hour,
		BatchPause:               100 * time.Millisecond,
	}
}

// ConversationWeights configures the Conversation Scorer's component caps
// and status-compatibility bonus table.
type ConversationWeights struct {
	MaxTimeScore       float64
	MaxTopicScore      float64
	MaxSocialScore     float64
	MaxResourceScore   float64
	MaxFatiguePenalty  float64
	MaxHistoryModifier float64

	UrgentDecayRate    float64 // s^-1
	ImportantDecayRate float64
	CasualDecayRate    float64

	StatusHierarchy map[string]int

	SameStatusBonus         float64
	AdjacentStatusBonus     float64
	DistantStatusBonus      float64
	DefaultStatusBonus      float64
	LargeStatusGapThreshold int

	ContinueThreshold              int
	SatisfyingCooldownMultiplier   float64
	UnsatisfyingCooldownMultiplier float64
	MinTimeThreshold               float64
	LowTokenBudget                 int
	LowSocialEnergy                float64
}

func defaultConversationWeights() ConversationWeights {
	return ConversationWeights{
		MaxTimeScore:       30.0,
		MaxTopicScore:      25.0,
		MaxSocialScore:     20.0,
		MaxResourceScore:   10.0,
		MaxFatiguePenalty:  15.0,
		MaxHistoryModifier: 15.0,

		UrgentDecayRate:    2.0,
		ImportantDecayRate: 10.0,
		CasualDecayRate:    30.0,

		StatusHierarchy: map[string]int{
			"royalty":  5,
			"nobility": 4,
			"merchant": 3,
			"commoner": 2,
			"peasant":  1,
		},

		SameStatusBonus:         8.0,
		AdjacentStatusBonus:     6.0,
		DistantStatusBonus:      2.0,
		DefaultStatusBonus:      4.0,
		LargeStatusGapThreshold: 3,

		ContinueThreshold:              40,
		SatisfyingCooldownMultiplier:   0.5,
		UnsatisfyingCooldownMultiplier: 2.0,
		MinTimeThreshold:               60,
		LowTokenBudget:                 100,
		LowSocialEnergy:                30,
	}
}

// Config holds Init parameters for the core runtime. The core never reads
// the environment or CLI flags itself; callers build this struct directly
// (see cmd/ariad for an env-var-driven example).
type Config struct {
	DBPath string // default ./data/aria.db

	// Importance scoring
	ScoringWeights  *ScoringWeights
	ImportanceMin   float64 // default 0.51
	ImportanceMax   float64 // default 0.80
	ImportanceFloor float64 // absolute floor, default 0.1
	ImportanceCeil  float64 // absolute ceiling, default 1.0

	// Decay and pruning
	Decay *DecayConfig
	Prune *PruneConfig

	// Conversation scoring
	Conversation *ConversationWeights

	// Vector store backend. nil selects the built-in SQLite brute-force store.
	VectorStore VectorStore

	// Providers (nil = not configured; with a nil Embedder memories are stored without a vector and every search similarity is 0)
	Embedder   EmbeddingProvider
	Reflector  ReflectionProvider // opt-in; nil disables reflective synthesis
	ReflectionInterval time.Duration

	Logger *Logger

	resolved bool
}

// ApplyDefaults fills zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "./data/aria.db"
	}
	if c.ScoringWeights == nil {
		w := defaultScoringWeights()
		c.ScoringWeights = &w
	}
	if c.ImportanceMin == 0 {
		c.ImportanceMin = 0.51
	}
	if c.ImportanceMax == 0 {
		c.ImportanceMax = 0.80
	}
	if c.ImportanceFloor == 0 {
		c.ImportanceFloor = 0.1
	}
	if c.ImportanceCeil == 0 {
		c.ImportanceCeil = 1.0
	}
	if c.Decay == nil {
		d := defaultDecayConfig()
		c.Decay = &d
	}
	if c.Prune == nil {
		p := defaultPruneConfig()
		c.Prune = &p
	}
	if c.Conversation == nil {
		cv := defaultConversationWeights()
		c.Conversation = &cv
	}
	if c.Logger == nil {
		c.Logger = newNopLogger()
	}
	c.resolved = true
}

// Validate checks startup invariants: weight normalization,
// importance range ordering, port range (checked by the caller owning the
// listener, not this package), and prune percent range. A failure here is
// an invariant violation and is fatal at startup.
func (c *Config) Validate() error {
	if !c.resolved {
		c.ApplyDefaults()
	}

	sum := c.ScoringWeights.sum()
	if math.Abs(sum-1.0) > 0.01 {
		return errInvariant("config.validate", fmt.Sprintf("importance scoring weights sum to %.3f, want 1.0 ±0.01", sum))
	}
	if c.ImportanceMin >= c.ImportanceMax {
		return errInvariant("config.validate", "importance_min must be less than importance_max")
	}
	if c.Prune.MaxPrunePercent <= 0 || c.Prune.MaxPrunePercent > 1.0 {
		return errInvariant("config.validate", "prune max_prune_percent must be in (0, 1]")
	}
	if c.Decay.MaxMemoriesPerBatch <= 0 {
		return errInvariant("config.validate", "decay max_memories_per_batch must be positive")
	}
	if c.Prune.BatchSize <= 0 {
		return errInvariant("config.validate", "prune batch_size must be positive")
	}
	return nil
}
