// Package extension lets deployments add entity types, transitions and
// even a replacement state manager without touching the engine. Extensions
// are compiled in and registered by name; statetrail.yml selects which ones
// are active.
package extension

import (
	"fmt"
	"log"
	"sync"

	"statetrail/internal/fsm"
	"statetrail/internal/registry"
)

// Extension contributes registrations at startup.
type Extension interface {
	Name() string
	RegisterStateTypes(r *registry.Registry)
	RegisterTransitions(t *fsm.Transitions)
}

// ManagerProvider is implemented by extensions that replace the state
// manager. The base manager is passed in so overrides can wrap it.
type ManagerProvider interface {
	StateManager(base fsm.StateManager) fsm.StateManager
}

var (
	mu         sync.RWMutex
	extensions = map[string]Extension{}
)

// Register makes an extension selectable by name. Called from init or
// startup wiring; duplicate names overwrite with a warning.
func Register(ext Extension) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := extensions[ext.Name()]; exists {
		log.Printf("extension: %q re-registered, overwriting", ext.Name())
	}
	extensions[ext.Name()] = ext
}

func Get(name string) (Extension, bool) {
	mu.RLock()
	defer mu.RUnlock()
	ext, ok := extensions[name]
	return ext, ok
}

// Apply activates the named extensions in order. Each one registers its
// state types and transitions; if any implements ManagerProvider the last
// one wins and its manager is returned, otherwise base is.
func Apply(names []string, reg *registry.Registry, tr *fsm.Transitions, base fsm.StateManager) (fsm.StateManager, error) {
	manager := base
	for _, name := range names {
		ext, ok := Get(name)
		if !ok {
			return nil, fmt.Errorf("extension %q is not registered", name)
		}
		ext.RegisterStateTypes(reg)
		ext.RegisterTransitions(tr)
		if provider, ok := ext.(ManagerProvider); ok {
			manager = provider.StateManager(manager)
		}
		log.Printf("extension: %q activated", name)
	}
	return manager, nil
}

// ResolveManager selects the state manager named by configuration. An
// empty name keeps base; otherwise the named extension must be registered
// and must implement ManagerProvider.
func ResolveManager(name string, base fsm.StateManager) (fsm.StateManager, error) {
	if name == "" {
		return base, nil
	}
	ext, ok := Get(name)
	if !ok {
		return nil, fmt.Errorf("state manager %q is not a registered extension", name)
	}
	provider, ok := ext.(ManagerProvider)
	if !ok {
		return nil, fmt.Errorf("extension %q does not provide a state manager", name)
	}
	return provider.StateManager(base), nil
}

// Reset clears all registrations. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	extensions = map[string]Extension{}
}
