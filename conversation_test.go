package aria

import "testing"

func testConversationScorer(t *testing.T) *ConversationScorer {
	t.Helper()
	cfg := Config{}
	cfg.ApplyDefaults()
	return NewConversationScorer(&cfg)
}

func restedPersona(id, rank string) Persona {
	return Persona{
		ID:         id,
		SocialRank: rank,
		Interaction: InteractionState{
			SocialEnergy:  100,
			AvailableTime: 600,
		},
	}
}

func TestScoreBoundedToHundred(t *testing.T) {
	s := testConversationScorer(t)

	best := s.Score(TurnInput{
		Speaker:      restedPersona("a", "merchant"),
		Listener:     restedPersona("b", "merchant"),
		Relationship: Relationship{Affinity: 1, Trust: 1, Respect: 1},
		Context:      ConversationContext{Priority: PriorityCasual, TokenBudget: 1000, ScoreHistory: []float64{100, 100, 100}},
		Topics:       nil,
	})
	if best < 0 || best > 100 {
		t.Fatalf("score %.1f outside [0, 100]", best)
	}

	exhausted := Persona{Interaction: InteractionState{SocialEnergy: 0, AvailableTime: 0, InteractionFatigue: 20}}
	worst := s.Score(TurnInput{
		Speaker:      restedPersona("a", "peasant"),
		Listener:     exhausted,
		Relationship: Relationship{Affinity: -1, Trust: -1, Respect: -1},
		Context:      ConversationContext{Priority: PriorityUrgent, ScoreHistory: []float64{0, 0, 0}},
	})
	if worst < 0 || worst > 100 {
		t.Fatalf("score %.1f outside [0, 100]", worst)
	}
	if worst >= best {
		t.Errorf("hostile exhausted pairing (%.1f) should score below a friendly rested one (%.1f)", worst, best)
	}
}

func TestStatusBonusTable(t *testing.T) {
	s := testConversationScorer(t)

	cases := []struct {
		speaker, listener string
		want              float64
	}{
		{"merchant", "merchant", 8}, // same rank
		{"merchant", "nobility", 6}, // adjacent
		{"peasant", "nobility", 2},  // gap >= threshold (3)
		{"peasant", "merchant", 4},  // in between: default
		{"merchant", "unknown", 4},  // rank not in hierarchy: default
	}
	for _, c := range cases {
		got := s.statusBonus(Persona{SocialRank: c.speaker}, Persona{SocialRank: c.listener})
		if got != c.want {
			t.Errorf("statusBonus(%s, %s) = %.0f, want %.0f", c.speaker, c.listener, got, c.want)
		}
	}
}

func TestTopicComponentUsesListenerPreferences(t *testing.T) {
	s := testConversationScorer(t)
	listener := Persona{TopicPreferences: map[string]float64{"magic": 80, "fishing": 40}}

	high := s.scoreTopic(listener, []string{"magic"})
	low := s.scoreTopic(listener, []string{"fishing"})
	if high <= low {
		t.Errorf("preferred topic (%.1f) should outscore a weaker one (%.1f)", high, low)
	}

	avg := s.scoreTopic(listener, []string{"magic", "fishing"})
	want := (80.0 + 40.0) / 2 / 100 * 25
	if abs(avg-want) > 1e-9 {
		t.Errorf("averaged topic score = %.2f, want %.2f", avg, want)
	}
}

func TestFatiguePenaltyProportional(t *testing.T) {
	s := testConversationScorer(t)
	none := s.scoreFatigue(Persona{Interaction: InteractionState{InteractionFatigue: 0}})
	some := s.scoreFatigue(Persona{Interaction: InteractionState{InteractionFatigue: 5}})
	max := s.scoreFatigue(Persona{Interaction: InteractionState{InteractionFatigue: 50}})

	if none != 0 {
		t.Errorf("no fatigue should cost nothing, got %.1f", none)
	}
	if some >= none || max >= some {
		t.Errorf("penalty should grow with fatigue: %0.1f, %0.1f, %0.1f", none, some, max)
	}
	if max != -15 {
		t.Errorf("penalty should cap at -15, got %.1f", max)
	}
}

func TestHistoryModifierCentersOnFifty(t *testing.T) {
	s := testConversationScorer(t)

	if got := s.scoreHistory(nil); got != 0 {
		t.Errorf("no history should contribute 0, got %.1f", got)
	}
	if got := s.scoreHistory([]float64{50, 50, 50}); got != 0 {
		t.Errorf("neutral history should contribute 0, got %.1f", got)
	}
	if got := s.scoreHistory([]float64{100, 100, 100, 100, 100}); got != 15 {
		t.Errorf("perfect history should contribute +15, got %.1f", got)
	}
	if got := s.scoreHistory([]float64{0, 0, 0}); got != -15 {
		t.Errorf("terrible history should contribute -15, got %.1f", got)
	}

	// Only the last five entries count.
	longHistory := []float64{0, 0, 0, 0, 0, 100, 100, 100, 100, 100}
	if got := s.scoreHistory(longHistory); got != 15 {
		t.Errorf("only the last 5 entries should count, got %.1f", got)
	}
}

func TestResourceComponentTakesLowestFraction(t *testing.T) {
	s := testConversationScorer(t)

	// The conversation's token budget is the binding constraint here:
	// 100/(100*2) = 0.5.
	p := Persona{Interaction: InteractionState{SocialEnergy: 100, AvailableTime: 600}}
	if got := s.scoreResource(p, ConversationContext{TokenBudget: 100}); abs(got-5.0) > 1e-9 {
		t.Errorf("expected token-bound resource score 5.0, got %.2f", got)
	}

	// Energy is the binding constraint: 10/100 = 0.1.
	p = Persona{Interaction: InteractionState{SocialEnergy: 10, AvailableTime: 600}}
	if got := s.scoreResource(p, ConversationContext{TokenBudget: 1000}); abs(got-1.0) > 1e-9 {
		t.Errorf("expected energy-bound resource score 1.0, got %.2f", got)
	}
}

func TestCooldownMultiplier(t *testing.T) {
	s := testConversationScorer(t)
	if got := s.CooldownMultiplier(60); got != 0.5 {
		t.Errorf("satisfying termination should halve cooldown, got %.1f", got)
	}
	if got := s.CooldownMultiplier(20); got != 2.0 {
		t.Errorf("unsatisfying termination should double cooldown, got %.1f", got)
	}
	if s.ContinueThreshold() != 40 {
		t.Errorf("default continue threshold should be 40, got %d", s.ContinueThreshold())
	}
}
