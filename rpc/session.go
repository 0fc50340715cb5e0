package rpc

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wrenmoor/aria"
)

// maxHistoryTurns bounds the chat history replayed to the LLM collaborator.
const maxHistoryTurns = 20

// session is the per-connection state: the active persona, the live
// conversation context, and the turn history handed to the LLM. It never
// outlives the connection that created it.
type session struct {
	ID string

	mu             sync.Mutex
	currentPersona string
	conv           aria.ConversationContext
	history        []aria.ChatTurn
}

func newSession() *session {
	return &session{ID: uuid.NewString()}
}

// activePersona resolves the effective persona for a request: the explicit
// param wins, else the session's current persona.
func (s *session) activePersona(explicit string) string {
	if explicit != "" {
		return explicit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPersona
}

// switchPersona sets the active persona and resets the conversation state.
func (s *session) switchPersona(personaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentPersona = personaID
	s.conv = aria.ConversationContext{
		Participants:  []string{s.ID, personaID},
		ContinueScore: 50,
	}
	s.history = nil
}

// recordTurn appends a completed exchange to the conversation state.
func (s *session) recordTurn(personaID, message, reply string, score float64, tokenBudget int) aria.ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.conv.Participants) == 0 {
		s.conv = aria.ConversationContext{
			Participants:  []string{s.ID, personaID},
			ContinueScore: 50,
		}
	}
	s.conv.TurnCount++
	s.conv.ContinueScore = score
	s.conv.ScoreHistory = append(s.conv.ScoreHistory, score)
	if tokenBudget > 0 {
		s.conv.TokenBudget = tokenBudget
	}
	s.conv.CurrentSpeaker = personaID

	s.history = append(s.history,
		aria.ChatTurn{Speaker: s.ID, Content: message},
		aria.ChatTurn{Speaker: personaID, Content: reply},
	)
	if len(s.history) > maxHistoryTurns {
		s.history = s.history[len(s.history)-maxHistoryTurns:]
	}
	return s.conv
}

// snapshot returns copies of the conversation context and history for use
// outside the session lock.
func (s *session) snapshot() (aria.ConversationContext, []aria.ChatTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]aria.ChatTurn, len(s.history))
	copy(history, s.history)
	conv := s.conv
	conv.ScoreHistory = append([]float64(nil), s.conv.ScoreHistory...)
	return conv, history
}

// endConversation resets the turn state after a below-threshold score.
func (s *session) endConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	personaID := s.currentPersona
	s.conv = aria.ConversationContext{
		Participants:  []string{s.ID, personaID},
		ContinueScore: 50,
	}
	s.history = nil
}

// detectTopics matches a message against a persona's topic preferences.
// Deliberately simple: substring match on the lowercased message, the same
// level of sophistication the scoring heuristics elsewhere use.
func detectTopics(message string, preferences map[string]float64) []string {
	lower := strings.ToLower(message)
	var topics []string
	for topic := range preferences {
		if strings.Contains(lower, strings.ToLower(topic)) {
			topics = append(topics, topic)
		}
	}
	return topics
}
