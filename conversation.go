package aria

import "math"

// ConversationScorer produces per-turn continue scores: pure given its
// inputs, it produces a 0-100 continue_score for a proposed turn between a
// speaker and a listener.
type ConversationScorer struct {
	w ConversationWeights
}

// NewConversationScorer builds a scorer from resolved config.
func NewConversationScorer(cfg *Config) *ConversationScorer {
	return &ConversationScorer{w: *cfg.Conversation}
}

// TurnInput bundles Score's parameters for one proposed turn.
type TurnInput struct {
	Speaker      Persona
	Listener     Persona
	Relationship Relationship
	Context      ConversationContext
	Topics       []string // detected topic(s) of the proposed turn
}

// timeDecayRate returns the priority-driven decay rate in s⁻¹.
func (w ConversationWeights) timeDecayRate(p Priority) float64 {
	switch p {
	case PriorityUrgent:
		return w.UrgentDecayRate
	case PriorityImportant:
		return w.ImportantDecayRate
	case PriorityCasual:
		return w.CasualDecayRate
	default:
		return w.ImportantDecayRate
	}
}

// scoreTime returns the Time component (max 30): priority-driven decay
// reduces the available_time contribution.
func (s *ConversationScorer) scoreTime(listener Persona, priority Priority) float64 {
	rate := s.w.timeDecayRate(priority)
	availableTime := listener.Interaction.AvailableTime
	decayed := availableTime * math.Exp(-availableTime/ (rate*60))
	fraction := clip(decayed/math.Max(availableTime, 1), 0, 1)
	return fraction * s.w.MaxTimeScore
}

// scoreTopic returns the Topic component (max 25): listener's topic
// preferences for the detected topics, averaged and normalized.
func (s *ConversationScorer) scoreTopic(listener Persona, topics []string) float64 {
	if len(topics) == 0 {
		return s.w.MaxTopicScore * 0.5 // neutral when no topic detected
	}
	var sum float64
	var n int
	for _, t := range topics {
		if v, ok := listener.TopicPreferences[t]; ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return s.w.MaxTopicScore * 0.3
	}
	avg := sum / float64(n)
	return clip(avg/100.0, 0, 1) * s.w.MaxTopicScore
}

// statusBonus returns the status-compatibility bonus added to the social
// component.
func (s *ConversationScorer) statusBonus(speaker, listener Persona) float64 {
	hierarchy := s.w.StatusHierarchy
	a, aOK := hierarchy[speaker.SocialRank]
	b, bOK := hierarchy[listener.SocialRank]
	if !aOK || !bOK {
		return s.w.DefaultStatusBonus
	}
	gap := a - b
	if gap < 0 {
		gap = -gap
	}
	switch {
	case gap == 0:
		return s.w.SameStatusBonus
	case gap == 1:
		return s.w.AdjacentStatusBonus
	case gap >= s.w.LargeStatusGapThreshold:
		return s.w.DistantStatusBonus
	default:
		return s.w.DefaultStatusBonus
	}
}

// scoreSocial returns the Social component (max 20 plus status bonus):
// relationship compatibility scaled to 20, plus the status-compatibility
// bonus.
func (s *ConversationScorer) scoreSocial(speaker, listener Persona, rel Relationship) float64 {
	compat := clip((rel.Compatibility()+1.0)/2.0, 0, 1)
	return compat*s.w.MaxSocialScore + s.statusBonus(speaker, listener)
}

// scoreResource returns the Resource component (max 10): the lower of
// three normalized resource fractions. The token budget belongs to the
// conversation, not the persona, so it comes from the context.
func (s *ConversationScorer) scoreResource(listener Persona, conv ConversationContext) float64 {
	energyFrac := clip(listener.Interaction.SocialEnergy/100.0, 0, 1)
	tokenFrac := clip(float64(conv.TokenBudget)/(float64(s.w.LowTokenBudget)*2), 0, 1)
	timeFrac := clip(listener.Interaction.AvailableTime/s.w.MinTimeThreshold, 0, 1)

	lowest := energyFrac
	if tokenFrac < lowest {
		lowest = tokenFrac
	}
	if timeFrac < lowest {
		lowest = timeFrac
	}
	return lowest * s.w.MaxResourceScore
}

// scoreFatigue returns the fatigue penalty (max -15), proportional to
// interaction_fatigue.
func (s *ConversationScorer) scoreFatigue(listener Persona) float64 {
	frac := clip(float64(listener.Interaction.InteractionFatigue)/10.0, 0, 1)
	return -frac * s.w.MaxFatiguePenalty
}

// scoreHistory returns the history modifier (±15): the mean of the last
// ≤5 score_history entries, offset from 50 and scaled.
func (s *ConversationScorer) scoreHistory(history []float64) float64 {
	if len(history) == 0 {
		return 0
	}
	n := len(history)
	if n > 5 {
		n = 5
	}
	recent := history[len(history)-n:]
	var sum float64
	for _, v := range recent {
		sum += v
	}
	mean := sum / float64(n)
	offset := (mean - 50) / 50.0 // [-1, 1]
	return clip(offset, -1, 1) * s.w.MaxHistoryModifier
}

// Score computes the continue_score for one proposed turn.
// Pure given its inputs.
func (s *ConversationScorer) Score(in TurnInput) float64 {
	total := s.scoreTime(in.Listener, in.Context.Priority) +
		s.scoreTopic(in.Listener, in.Topics) +
		s.scoreSocial(in.Speaker, in.Listener, in.Relationship) +
		s.scoreResource(in.Listener, in.Context) +
		s.scoreFatigue(in.Listener) +
		s.scoreHistory(in.Context.ScoreHistory)

	return clip(total, 0, 100)
}

// ContinueThreshold reports the configured continue_threshold (default 40).
func (s *ConversationScorer) ContinueThreshold() int { return s.w.ContinueThreshold }

// CooldownMultiplier returns the cooldown scale factor the session
// orchestrator should apply after a conversation terminates: satisfying
// terminations (score was at or above threshold) shrink the subsequent
// cooldown; unsatisfying ones extend it.
func (s *ConversationScorer) CooldownMultiplier(finalScore float64) float64 {
	if finalScore >= float64(s.w.ContinueThreshold) {
		return s.w.SatisfyingCooldownMultiplier
	}
	return s.w.UnsatisfyingCooldownMultiplier
}
