package aria

import (
	"regexp"
	"slices"
	"strings"
)

// Entity is an extracted reference (a person, place, or topic) used to link
// related memories through the waypoint graph, a supplemental retrieval
// booster, not part of the core ranking guarantees.
type Entity struct {
	Text string
	Type string
}

// EntityExtractor pulls entities from memory content for the waypoint graph.
// Built-in: DefaultEntityExtractor (brackets, quotes, capitalized phrases).
type EntityExtractor interface {
	Extract(content string) []Entity
}

// KnownEntity is a pre-registered entity the extractor can match against
// content in addition to its built-in heuristics.
type KnownEntity struct {
	Text string
	Type string
}

// DefaultEntityExtractor implements EntityExtractor with simple heuristics.
type DefaultEntityExtractor struct {
	KnownEntities []KnownEntity
}

// Extract runs the built-in heuristics, then adds every known entity whose
// text occurs in content, matched case-insensitively. A known entity
// replaces a heuristic entity with the same text and keeps its own type.
func (e DefaultEntityExtractor) Extract(content string) []Entity {
	entities := ExtractEntities(content)
	lower := strings.ToLower(content)
	for _, k := range e.KnownEntities {
		if k.Text == "" || !strings.Contains(lower, strings.ToLower(k.Text)) {
			continue
		}
		entities = slices.DeleteFunc(entities, func(ent Entity) bool { return strings.EqualFold(ent.Text, k.Text) })
		entities = append(entities, Entity{Text: k.Text, Type: k.Type})
	}
	return entities
}

// ExtractEntities pulls out entities from memory content using simple
// heuristics: bracketed names, quoted strings, and capitalized phrases.
func ExtractEntities(content string) []Entity {
	var entities []Entity
	seen := make(map[string]bool)

	add := func(text, entityType string) {
		text = strings.TrimSpace(text)
		lower := strings.ToLower(text)
		if text == "" || len(text) < 2 || len(text) > 60 || seen[lower] {
			return
		}
		seen[lower] = true
		entities = append(entities, Entity{Text: text, Type: entityType})
	}

	// 1. Names in brackets: [Name]: message
	bracketRe := regexp.MustCompile(`\[([A-Za-z0-9_]+)\]`)
	for _, match := range bracketRe.FindAllStringSubmatch(content, -1) {
		add(match[1], "person")
	}

	// 2. Quoted strings (potential topics, titles, etc.)
	quoteRe := regexp.MustCompile(`"([^"]{2,40})"`)
	for _, match := range quoteRe.FindAllStringSubmatch(content, -1) {
		add(match[1], "topic")
	}

	// 3. Capitalized multi-word phrases (potential proper nouns, not at
	// sentence start): "Thalos Keep", "Hollow Market"
	properRe := regexp.MustCompile(`(?:^|[.!?]\s+|\s)([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)`)
	for _, match := range properRe.FindAllStringSubmatch(content, 5) {
		text := strings.TrimSpace(match[1])
		if !isCommonPhrase(text) {
			add(text, "location")
		}
	}

	return entities
}

// isCommonPhrase filters out false-positive proper nouns.
func isCommonPhrase(s string) bool {
	common := []string{
		"The", "This", "That", "What", "When", "Where", "How", "Why",
		"I Am", "You Are", "We Are", "They Are",
	}
	lower := strings.ToLower(s)
	for _, c := range common {
		if strings.ToLower(c) == lower {
			return true
		}
	}
	return false
}

// --- Waypoint graph expansion ---

// ExpandViaWaypoints performs one-hop graph expansion from seed memories,
// returning additional memory IDs linked through shared entities with their
// propagated link weight (0.8 per hop). This never bypasses visibility
// filtering; callers must re-check visibility on the expanded ids before
// surfacing them.
func ExpandViaWaypoints(store *Store, seedMemories []Memory, personaID string) map[int64]float64 {
	linkWeights := make(map[int64]float64)

	seedIDs := make(map[int64]bool)
	for _, m := range seedMemories {
		seedIDs[m.ID] = true
	}

	for _, m := range seedMemories {
		waypointIDs, err := store.GetAssociatedWaypointIDs(m.ID)
		if err != nil {
			continue
		}

		for _, wpID := range waypointIDs {
			linked, err := store.GetMemoriesByWaypoint(wpID, personaID, seedIDs)
			if err != nil {
				continue
			}
			for _, lm := range linked {
				if w := 0.8; w > linkWeights[lm.ID] {
					linkWeights[lm.ID] = w
				}
			}
		}
	}

	return linkWeights
}
