package fsm

import (
	"context"
	"errors"

	"statetrail/internal/domain"
)

// Builder is a fluent front over the manager for call sites that assemble a
// transition piece by piece.
//
//	rec, err := mgr.For(task).Named("complete").WithData("score", 0.9).ByActor(uid).Execute(ctx)
type Builder struct {
	m       *Manager
	entity  domain.Entity
	name    string
	toState string
	payload map[string]any
	ctxData map[string]any
	actor   *int64
	reason  string
	expect  *string
}

func (m *Manager) For(entity domain.Entity) *Builder {
	return &Builder{m: m, entity: entity}
}

// Named selects a registered declarative transition.
func (b *Builder) Named(name string) *Builder {
	b.name = name
	return b
}

// To sets a direct target state, bypassing the declarative framework.
func (b *Builder) To(state string) *Builder {
	b.toState = state
	return b
}

func (b *Builder) WithData(key string, value any) *Builder {
	if b.payload == nil {
		b.payload = map[string]any{}
	}
	b.payload[key] = value
	return b
}

func (b *Builder) WithContext(data map[string]any) *Builder {
	b.ctxData = data
	return b
}

func (b *Builder) ByActor(userID int64) *Builder {
	b.actor = &userID
	return b
}

func (b *Builder) WithReason(reason string) *Builder {
	b.reason = reason
	return b
}

// ExpectPrevious makes a direct write conditional on the current state.
func (b *Builder) ExpectPrevious(state string) *Builder {
	b.expect = &state
	return b
}

func (b *Builder) Execute(ctx context.Context) (domain.StateRecord, error) {
	switch {
	case b.name != "" && b.toState != "":
		return domain.StateRecord{}, errors.New("fsm: Named and To are mutually exclusive")
	case b.name != "":
		return b.m.ExecuteNamed(ctx, b.entity, b.name, b.payload, b.actor)
	case b.toState != "":
		return b.m.TransitionState(ctx, b.entity, b.toState, Options{
			TriggeredBy:           b.actor,
			Context:               b.ctxData,
			Reason:                b.reason,
			ExpectedPreviousState: b.expect,
		})
	default:
		return domain.StateRecord{}, errors.New("fsm: no transition or target state selected")
	}
}
