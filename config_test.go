package aria

import (
	"path/filepath"
	"testing"
)

func TestApplyDefaultsFillsEverything(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.ScoringWeights == nil || cfg.Decay == nil || cfg.Prune == nil || cfg.Conversation == nil {
		t.Fatal("nested config structs should be defaulted")
	}
	if cfg.ImportanceMin != 0.51 || cfg.ImportanceMax != 0.80 {
		t.Errorf("fresh-write clip defaults wrong: %.2f, %.2f", cfg.ImportanceMin, cfg.ImportanceMax)
	}
	if cfg.ImportanceFloor != 0.1 || cfg.ImportanceCeil != 1.0 {
		t.Errorf("absolute bounds wrong: %.2f, %.2f", cfg.ImportanceFloor, cfg.ImportanceCeil)
	}
	if cfg.Decay.HighAccessThreshold != 3 || cfg.Prune.HighAccessThreshold != 5 {
		t.Errorf("decay and prune high-access thresholds are independently configured: %d, %d",
			cfg.Decay.HighAccessThreshold, cfg.Prune.HighAccessThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsUnnormalizedWeights(t *testing.T) {
	cfg := Config{ScoringWeights: &ScoringWeights{
		Content: 0.5, Engagement: 0.5, Persona: 0.5,
	}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("weights summing to 1.5 must fail validation")
	}
	ariaErr, ok := err.(*Error)
	if !ok || ariaErr.Kind != KindInvariant {
		t.Errorf("expected an invariant-kind error, got %v", err)
	}
}

func TestValidateToleratesSmallWeightDrift(t *testing.T) {
	cfg := Config{ScoringWeights: &ScoringWeights{
		Content: 0.305, Engagement: 0.2, Persona: 0.15,
		Temporal: 0.05, Relationship: 0.1, Recency: 0.2,
	}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("sum 1.005 is within the ±0.01 tolerance: %v", err)
	}
}

func TestValidateRejectsInvertedImportanceRange(t *testing.T) {
	cfg := Config{ImportanceMin: 0.8, ImportanceMax: 0.5}
	if err := cfg.Validate(); err == nil {
		t.Fatal("importance_min >= importance_max must fail validation")
	}
}

func TestValidateRejectsBadPrunePercent(t *testing.T) {
	for _, pct := range []float64{-0.1, 1.5} {
		prune := defaultPruneConfig()
		prune.MaxPrunePercent = pct
		cfg := Config{Prune: &prune}
		if err := cfg.Validate(); err == nil {
			t.Errorf("max_prune_percent %.1f must fail validation", pct)
		}
	}
}

func TestInitFailsFastOnInvalidConfig(t *testing.T) {
	cfg := Config{
		DBPath:         filepath.Join(t.TempDir(), "aria.db"),
		ScoringWeights: &ScoringWeights{Content: 1.0, Engagement: 1.0},
	}
	if _, err := Init(cfg, nil); err == nil {
		t.Fatal("Init must refuse a config with unnormalized weights")
	}
}

func TestInitAndClose(t *testing.T) {
	cfg := Config{DBPath: filepath.Join(t.TempDir(), "aria.db")}
	rt, err := Init(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rt.Memories == nil || rt.Pruner == nil || rt.Decay == nil || rt.Scorer == nil || rt.Conversations == nil {
		t.Fatal("runtime components not wired")
	}
	if rt.Reflection != nil {
		t.Error("reflection worker should be nil without a provider")
	}
	if err := rt.Close(); err != nil {
		t.Fatal(err)
	}
}
