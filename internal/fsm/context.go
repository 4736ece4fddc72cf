package fsm

import "statetrail/internal/domain"

// Context is what a transition sees while it runs: the entity, its latest
// state record if any, the acting user and the bound input payload.
type Context struct {
	Entity  domain.Entity
	Current *domain.StateRecord
	Actor   *int64
	Input   map[string]any
}

// HasCurrentState reports whether the entity has any state record yet.
func (c *Context) HasCurrentState() bool { return c.Current != nil }

// CurrentState returns the latest state value, or "" before the first
// transition.
func (c *Context) CurrentState() string {
	if c.Current == nil {
		return ""
	}
	return c.Current.State
}

// IsInitial reports whether this would be the entity's first state record.
func (c *Context) IsInitial() bool { return c.Current == nil }
