package fsm

import (
	"context"
	"log"
	"sort"
	"sync"

	"statetrail/internal/domain"
)

// Transition is one declarative state change. Implementations are built by
// a Factory from a raw payload; input validation happens in the factory so
// a constructed Transition always has well-typed input.
type Transition interface {
	Name() string
	// TargetState may depend on the input, so conditional transitions can
	// pick their destination at execution time.
	TargetState(tc *Context) (string, error)
	// Validate checks the transition against the entity and its current
	// state. Return a *TransitionValidationError for business rejections.
	Validate(tc *Context) error
	// Payload returns the context_data stored on the resulting record.
	Payload(tc *Context) map[string]any
}

// PreHook runs before the state record is written. An error aborts the
// transition.
type PreHook interface {
	Before(ctx context.Context, tc *Context) error
}

// PostHook runs after the record is written. An error propagates to the
// caller but does not undo the transition; the record already exists.
type PostHook interface {
	After(ctx context.Context, tc *Context, rec domain.StateRecord) error
}

// Reasoner optionally supplies the audit reason stored on the record.
// Without it, a default "<name> executed by ..." reason is recorded.
type Reasoner interface {
	Reason(tc *Context) string
}

// Factory binds a raw payload into a Transition, returning a
// *ValidationError with every field problem when the input is bad.
type Factory func(payload map[string]any) (Transition, error)

// Definition registers a transition for an entity type. CanFrom is the
// class-level applicability check; it needs no instance, so transition
// listings never run factories.
type Definition struct {
	Name       string
	EntityType string
	CanFrom    func(current string, initial bool) bool
	New        Factory
}

type transitionKey struct {
	entityType string
	name       string
}

// Transitions stores registered transition definitions. Registration
// happens at startup; Reset exists for tests.
type Transitions struct {
	mu   sync.RWMutex
	defs map[transitionKey]Definition
}

func NewTransitions() *Transitions {
	return &Transitions{defs: map[transitionKey]Definition{}}
}

func (t *Transitions) Register(def Definition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defs[transitionKey{def.EntityType, def.Name}] = def
}

func (t *Transitions) Get(entityType, name string) (Definition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	def, ok := t.defs[transitionKey{entityType, name}]
	return def, ok
}

// Names lists every transition registered for an entity type, sorted.
func (t *Transitions) Names(entityType string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var names []string
	for k := range t.defs {
		if k.entityType == entityType {
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	return names
}

// ValidFrom lists transitions whose class-level check accepts the given
// state, sorted. A panicking check only drops its own candidate.
func (t *Transitions) ValidFrom(entityType, current string, initial bool) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var names []string
	for k, def := range t.defs {
		if k.entityType != entityType {
			continue
		}
		if def.CanFrom == nil || canFrom(def, current, initial) {
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	return names
}

func canFrom(def Definition, current string, initial bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("fsm: CanFrom for %s.%s panicked: %v", def.EntityType, def.Name, r)
			ok = false
		}
	}()
	return def.CanFrom(current, initial)
}

func (t *Transitions) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defs = map[transitionKey]Definition{}
}

var defaultTransitions = NewTransitions()

// DefaultTransitions returns the process-wide transition registry.
func DefaultTransitions() *Transitions { return defaultTransitions }

// FromStates builds a CanFrom check accepting exactly the listed states.
// Include "" to also accept entities with no state yet.
func FromStates(states ...string) func(string, bool) bool {
	allowed := map[string]bool{}
	for _, s := range states {
		allowed[s] = true
	}
	return func(current string, initial bool) bool {
		if initial {
			return allowed[""]
		}
		return allowed[current]
	}
}
