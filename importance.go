package aria

import (
	"math"
	"strings"
	"time"
)

// CosineSimilarity computes the cosine similarity between two float32
// vectors. Returns 0 if either vector is zero-length, mismatched, or
// zero-norm.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// DaysSince computes fractional days between a past time and now.
func DaysSince(t time.Time) float64 {
	return time.Since(t).Hours() / 24.0
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// affectWords trigger the content signal's explicit-affect boost.
var affectWords = []string{"emergency", "love", "never", "always", "urgent", "afraid", "promise", "danger"}

// fillerPhrases are penalized in the content signal.
var fillerPhrases = []string{"you know", "i mean", "sort of", "kind of", "just saying", "anyway"}

// scoreContent returns the content signal in [0, 1]: length-normalized
// novelty with boosts for proper nouns, numbers, locations, and affect
// words, penalized for filler.
func scoreContent(content string) float64 {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0
	}

	words := strings.Fields(trimmed)
	// Length-normalized novelty: short fragments and very long rambles both
	// score lower than a well-formed sentence-length memory.
	lengthScore := clip(float64(len(words))/20.0, 0, 1)
	if len(words) > 60 {
		lengthScore = clip(1.0-float64(len(words)-60)/200.0, 0.3, 1)
	}

	var boost float64
	lower := strings.ToLower(trimmed)
	for _, w := range affectWords {
		if strings.Contains(lower, w) {
			boost += 0.08
		}
	}
	for _, w := range words {
		if len(w) > 1 && w[0] >= 'A' && w[0] <= 'Z' {
			boost += 0.02 // proper noun / named entity heuristic
		}
		if containsDigit(w) {
			boost += 0.02
		}
	}

	var penalty float64
	for _, p := range fillerPhrases {
		if strings.Contains(lower, p) {
			penalty += 0.1
		}
	}

	return clip(0.5*lengthScore+boost-penalty, 0, 1)
}

func containsDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

// scoreEngagement linearly maps a 0-100 continue_score to [0, 1].
func scoreEngagement(continueScore float64) float64 {
	return clip(continueScore/100.0, 0, 1)
}

// scorePersonaMatch returns the highest topic_preferences match among the
// draft's detected topics, normalized by 100.
func scorePersonaMatch(topics []string, preferences map[string]float64) float64 {
	if len(topics) == 0 || len(preferences) == 0 {
		return 0
	}
	var best float64
	for _, t := range topics {
		if v, ok := preferences[t]; ok && v > best {
			best = v
		}
	}
	return clip(best/100.0, 0, 1)
}

// scoreTemporal rewards off-hours creation and distance from the persona's
// most recent memory: time-of-creation rarity.
func scoreTemporal(createdAt time.Time, lastMemoryAt *time.Time) float64 {
	hour := createdAt.Hour()
	offHours := 0.0
	if hour < 6 || hour >= 23 {
		offHours = 0.5
	}

	distance := 0.0
	if lastMemoryAt != nil {
		gapHours := createdAt.Sub(*lastMemoryAt).Hours()
		if gapHours < 0 {
			gapHours = -gapHours
		}
		distance = clip(gapHours/48.0, 0, 0.5)
	}
	return clip(offHours+distance, 0, 1)
}

// scoreRelationship maps a [-1,1] compatibility score to [0,1].
func scoreRelationship(compatibility float64) float64 {
	return clip((compatibility+1.0)/2.0, 0, 1)
}

// ImportanceScorer computes a memory's initial importance: a pure function
// from a memory draft and its context to a bounded importance value.
type ImportanceScorer struct {
	weights            ScoringWeights
	floor, ceil        float64 // absolute bounds for the attribute (0.1, 1.0)
	freshMin, freshMax float64 // clip range applied at creation (0.51, 0.80)
}

// NewImportanceScorer builds a scorer from resolved config.
func NewImportanceScorer(cfg *Config) *ImportanceScorer {
	return &ImportanceScorer{
		weights:  *cfg.ScoringWeights,
		floor:    cfg.ImportanceFloor,
		ceil:     cfg.ImportanceCeil,
		freshMin: cfg.ImportanceMin,
		freshMax: cfg.ImportanceMax,
	}
}

// ScoreInput bundles Score's parameters.
type ScoreInput struct {
	Draft         MemoryDraft
	Persona       Persona
	Context       ConversationContext
	Compatibility float64 // already-blended relationship compatibility, [-1,1]
	CreatedAt     time.Time
	LastMemoryAt  *time.Time // persona's most recent memory timestamp, if any
}

// Score computes a fresh-write importance value in [importance_min,
// importance_max]. Pure and deterministic; no I/O.
func (s *ImportanceScorer) Score(in ScoreInput) float64 {
	content := scoreContent(in.Draft.Content)
	engagement := scoreEngagement(in.Context.ContinueScore)
	persona := scorePersonaMatch(in.Draft.Topics, in.Persona.TopicPreferences)
	temporal := scoreTemporal(in.CreatedAt, in.LastMemoryAt)
	relationship := scoreRelationship(in.Compatibility)
	recency := 1.0 // always 1.0 at creation; the decay worker drives this down over time

	weighted := s.weights.Content*content +
		s.weights.Engagement*engagement +
		s.weights.Persona*persona +
		s.weights.Temporal*temporal +
		s.weights.Relationship*relationship +
		s.weights.Recency*recency

	return clip(weighted, s.freshMin, s.freshMax)
}
