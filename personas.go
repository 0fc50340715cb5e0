package aria

import (
	"context"
	"sort"
	"sync"
)

// PersonaDirectory is an in-memory registry of persona handles and
// relationships. The relational store of persona definitions is outside the
// core; this directory is the in-process cache a Session Orchestrator loads
// it into, and the only holder of per-persona interaction state, which is
// never persisted.
type PersonaDirectory struct {
	mu            sync.RWMutex
	personas      map[string]Persona
	relationships map[[2]string]Relationship
}

// NewPersonaDirectory builds an empty directory.
func NewPersonaDirectory() *PersonaDirectory {
	return &PersonaDirectory{
		personas:      make(map[string]Persona),
		relationships: make(map[[2]string]Relationship),
	}
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Put registers or replaces a persona.
func (d *PersonaDirectory) Put(p Persona) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.personas[p.ID] = p
}

// Persona implements PersonaResolver.
func (d *PersonaDirectory) Persona(ctx context.Context, personaID string) (Persona, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.personas[personaID]
	if !ok {
		return Persona{}, errInvalidPersona("persona_directory.persona", personaID)
	}
	return p, nil
}

// List returns every registered persona, sorted by id.
func (d *PersonaDirectory) List(ctx context.Context) ([]Persona, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Persona, 0, len(d.personas))
	for _, p := range d.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutRelationship registers or replaces the relationship between a pair.
// The pair is unordered: Put(a,b) and Put(b,a) address the same record.
func (d *PersonaDirectory) PutRelationship(r Relationship) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relationships[pairKey(r.PersonaA, r.PersonaB)] = r
}

// Relationship implements RelationshipResolver. A missing pair resolves to
// the zero Relationship (compatibility 0), not an error.
func (d *PersonaDirectory) Relationship(ctx context.Context, personaA, personaB string) (Relationship, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.relationships[pairKey(personaA, personaB)], nil
}

// UpdateInteraction applies fn to a persona's interaction state under the
// directory lock. A no-op for unknown personas.
func (d *PersonaDirectory) UpdateInteraction(personaID string, fn func(*InteractionState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.personas[personaID]
	if !ok {
		return
	}
	fn(&p.Interaction)
	d.personas[personaID] = p
}
