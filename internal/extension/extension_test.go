package extension

import (
	"context"
	"testing"

	"statetrail/internal/fsm"
	"statetrail/internal/registry"
)

type stubExtension struct {
	name       string
	wrapCalled bool
}

func (s *stubExtension) Name() string { return s.name }

func (s *stubExtension) RegisterStateTypes(r *registry.Registry) {
	r.Register(registry.StateType{
		Name: "review",
		Choices: registry.Choices{
			Name:    "review_states",
			Values:  []registry.Choice{{Value: "OPEN", Label: "Open"}, {Value: "CLOSED", Label: "Closed"}},
			Initial: "OPEN",
		},
	})
}

func (s *stubExtension) RegisterTransitions(t *fsm.Transitions) {
	t.Register(fsm.Definition{
		Name:       "close",
		EntityType: "review",
		CanFrom:    fsm.FromStates("OPEN"),
		New: func(map[string]any) (fsm.Transition, error) {
			return nil, nil
		},
	})
}

type wrappingExtension struct {
	stubExtension
}

type wrappedManager struct {
	fsm.StateManager
}

func (w *wrappingExtension) StateManager(base fsm.StateManager) fsm.StateManager {
	w.wrapCalled = true
	return wrappedManager{base}
}

func (wrappedManager) CurrentState(context.Context, string, int64) (*string, error) {
	s := "WRAPPED"
	return &s, nil
}

func TestApplyRegistersContributions(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	Register(&stubExtension{name: "reviews"})

	reg := registry.New()
	tr := fsm.NewTransitions()
	mgr, err := Apply([]string{"reviews"}, reg, tr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if mgr != nil {
		t.Fatal("manager should be unchanged when no extension provides one")
	}
	if _, ok := reg.Get("review"); !ok {
		t.Fatal("review state type not registered")
	}
	if _, ok := tr.Get("review", "close"); !ok {
		t.Fatal("close transition not registered")
	}
}

func TestApplyUnknownExtension(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	if _, err := Apply([]string{"nope"}, registry.New(), fsm.NewTransitions(), nil); err == nil {
		t.Fatal("expected error for unknown extension")
	}
}

func TestApplyManagerOverride(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	ext := &wrappingExtension{stubExtension{name: "wrapper"}}
	Register(ext)

	mgr, err := Apply([]string{"wrapper"}, registry.New(), fsm.NewTransitions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ext.wrapCalled {
		t.Fatal("StateManager was not called")
	}
	if s, _ := mgr.CurrentState(context.Background(), "x", 1); s == nil || *s != "WRAPPED" {
		t.Fatal("override manager not in effect")
	}
}

func TestResolveManager(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	ext := &wrappingExtension{stubExtension{name: "wrapper"}}
	Register(ext)
	Register(&stubExtension{name: "plain"})

	mgr, err := ResolveManager("", nil)
	if err != nil || mgr != nil {
		t.Fatalf("empty name should keep base: %v %v", mgr, err)
	}

	mgr, err = ResolveManager("wrapper", nil)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := mgr.CurrentState(context.Background(), "x", 1); s == nil || *s != "WRAPPED" {
		t.Fatal("named manager not in effect")
	}

	if _, err := ResolveManager("nope", nil); err == nil {
		t.Fatal("expected error for unknown name")
	}
	if _, err := ResolveManager("plain", nil); err == nil {
		t.Fatal("expected error for extension without a manager")
	}
}
