package aria

import "time"

// Visibility controls which personas other than the owner may see a memory.
type Visibility string

const (
	VisibilityPrivate Visibility = "private" // owner only
	VisibilityShared  Visibility = "shared"  // owner + related personas + cross-persona searches that opt in
	VisibilityPublic  Visibility = "public"  // any persona
)

// Priority is the urgency class of a conversation; it drives the Conversation
// Scorer's time-pressure decay rate.
type Priority string

const (
	PriorityUrgent    Priority = "urgent"
	PriorityImportant Priority = "important"
	PriorityCasual    Priority = "casual"
	PrioritySocial    Priority = "social"
	PriorityAcademic  Priority = "academic"
	PriorityNone      Priority = "none"
)

// Memory is the core long-term memory record, owned by exactly one persona
// and retrievable by semantic similarity within visibility rules.
type Memory struct {
	ID               int64
	PersonaID        string
	Content          string
	Embedding        []float32
	Importance       float64 // [0, 1]
	CreatedAt        time.Time
	LastAccessedAt   *time.Time // nil until first access
	AccessCount      int
	Kind             string // free-form tag: conversation, location, local_knowledge, ...
	Visibility       Visibility
	RelatedPersonas  []string          // informational only; does not grant access
	EmotionalValence float64           // [-1, 1]
	Metadata         map[string]string // arbitrary extensional metadata
}

// SearchResult pairs a memory with the ranking signals that produced it.
type SearchResult struct {
	Memory
	Similarity     float64
	SourcePersona  string // set by cross-persona search
	Source         string // "own" or "cross_persona"
	RelatedMemories []int64 // ids linked through the waypoint graph
}

// Persona is a read-only handle into externally-owned persona data; the core
// never mutates these fields. Lifecycle is managed outside the core.
type Persona struct {
	ID                string
	Name              string
	Description       string
	PersonalityTraits map[string]float64 // named numeric scales, e.g. "charisma"
	TopicPreferences  map[string]float64 // topic -> interest [0, 100]
	SocialRank        string             // ordinal string from StatusHierarchy
	Interaction       InteractionState
}

// InteractionState is per-persona runtime state maintained by the Session
// Orchestrator (external collaborator). The core only reads it during scoring.
type InteractionState struct {
	SocialEnergy       float64 // [0, 100]
	InteractionFatigue int     // non-negative
	AvailableTime      float64 // seconds
	CooldownUntil      time.Time
}

// Relationship describes the externally-mutated pairwise bond between two
// personas. Consumed read-only during importance and conversation scoring.
type Relationship struct {
	PersonaA         string
	PersonaB         string
	Affinity         float64 // [-1, 1]
	Trust            float64 // [-1, 1]
	Respect          float64 // [-1, 1]
	InteractionCount int
	LastInteraction  time.Time
}

// Compatibility returns the 0.4*affinity + 0.3*trust + 0.3*respect blend
// used by both the importance and conversation scorers.
func (r Relationship) Compatibility() float64 {
	return 0.4*r.Affinity + 0.3*r.Trust + 0.3*r.Respect
}

// ConversationContext tracks the state of a single multi-turn exchange. It
// lives for the duration of a session and never outlives the orchestrator's
// session record; the core treats it as a transient scoring input.
type ConversationContext struct {
	Participants   []string // ordered; first is the initiator
	TurnCount      int
	ContinueScore  float64 // [0, 100], default 50
	ScoreHistory   []float64
	TokenBudget    int
	CurrentSpeaker string
	Priority       Priority
	CurrentTopic   string
}

// MemoryDraft is the input to the Importance Scorer: a memory not yet
// assigned an importance value.
type MemoryDraft struct {
	Content          string
	Kind             string
	Topics           []string // detected topics, used for the persona signal
	EmotionalValence float64
}
