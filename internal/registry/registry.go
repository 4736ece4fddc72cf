// Package registry tracks which entity types participate in state logging
// and which states each of them may hold. Registration happens once at
// startup; lookups after that are read-only and need no locking beyond the
// RWMutex here.
package registry

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"statetrail/internal/domain"
)

// Choice is one allowed state value with a human-readable label.
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Choices is the full state vocabulary for one entity type.
type Choices struct {
	Name    string
	Values  []Choice
	Initial string
}

func (c Choices) Valid(state string) bool {
	for _, v := range c.Values {
		if v.Value == state {
			return true
		}
	}
	return false
}

func (c Choices) ValueList() []string {
	out := make([]string, 0, len(c.Values))
	for _, v := range c.Values {
		out = append(out, v.Value)
	}
	return out
}

// Denormalizer extracts searchable fields from an entity for storage
// alongside its state records. Failures are the caller's problem; a
// denormalizer must not panic.
type Denormalizer func(domain.Entity) map[string]any

// StateType binds an entity type name to its state vocabulary and an
// optional denormalizer.
type StateType struct {
	Name        string
	Choices     Choices
	Denormalize Denormalizer
}

// Registry holds the registered state types and choice sets. The zero value
// is not usable; call New.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]StateType
	choices map[string]Choices
}

func New() *Registry {
	return &Registry{
		types:   map[string]StateType{},
		choices: map[string]Choices{},
	}
}

// Register adds a state type. Re-registering an existing name overwrites the
// previous entry and logs a warning; repeated registration during tests and
// extension loading is expected and must not fail.
func (r *Registry) Register(st StateType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[st.Name]; exists {
		log.Printf("registry: state type %q re-registered, overwriting", st.Name)
	}
	r.types[st.Name] = st
	if st.Choices.Name != "" {
		r.choices[st.Choices.Name] = st.Choices
	}
}

// RegisterChoices adds a named choice set without binding it to an entity
// type. Extensions use this for shared vocabularies.
func (r *Registry) RegisterChoices(c Choices) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.choices[c.Name]; exists {
		log.Printf("registry: choices %q re-registered, overwriting", c.Name)
	}
	r.choices[c.Name] = c
}

func (r *Registry) Get(name string) (StateType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.types[name]
	return st, ok
}

func (r *Registry) GetChoices(name string) (Choices, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.choices[name]
	return c, ok
}

// MustGet panics on unknown names. Only for startup wiring.
func (r *Registry) MustGet(name string) StateType {
	st, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("registry: unknown state type %q", name))
	}
	return st
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reset clears all registrations. Tests only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = map[string]StateType{}
	r.choices = map[string]Choices{}
}

var defaultRegistry = New()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }
