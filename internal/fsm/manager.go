package fsm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"statetrail/internal/cache"
	"statetrail/internal/domain"
	"statetrail/internal/metrics"
	"statetrail/internal/registry"
	"statetrail/internal/repo"
	"statetrail/internal/uuid7"
)

// StateManager is the engine surface the HTTP layer and extensions talk to.
// Extensions may provide their own implementation.
type StateManager interface {
	CurrentState(ctx context.Context, entityType string, entityID int64) (*string, error)
	CurrentStateRecord(ctx context.Context, entityType string, entityID int64) (domain.StateRecord, error)
	TransitionState(ctx context.Context, entity domain.Entity, newState string, opts Options) (domain.StateRecord, error)
	History(ctx context.Context, entityType string, entityID int64, limit int) ([]domain.StateRecord, error)
	StatesInRange(ctx context.Context, entityType string, start, end time.Time, states []string, limit int) ([]domain.StateRecord, error)
	CountByState(ctx context.Context, entityType string, start, end time.Time) (map[string]int64, error)
	WarmCache(ctx context.Context, entityType string, ids []int64) (int, error)
	InvalidateCache(entityType string, entityID int64)
	ExecuteTransition(ctx context.Context, tr Transition, entity domain.Entity, actor *int64) (domain.StateRecord, error)
	ExecuteNamed(ctx context.Context, entity domain.Entity, name string, payload map[string]any, actor *int64) (domain.StateRecord, error)
	AvailableTransitions(ctx context.Context, entity domain.Entity) ([]string, error)
}

// Options controls a direct state write.
type Options struct {
	TransitionName string
	TriggeredBy    *int64
	Context        map[string]any
	Reason         string
	// ExpectedPreviousState makes the write conditional: if the latest
	// record's state differs, the write is rejected with a ConflictError
	// instead of appending.
	ExpectedPreviousState *string
}

// Manager is the default StateManager over SQLite with a TTL cache in
// front of current-state reads.
type Manager struct {
	Repo        repo.Repo
	Cache       *cache.Cache
	Registry    *registry.Registry
	Transitions *Transitions
	Now         func() time.Time
}

func NewManager(r repo.Repo, c *cache.Cache, reg *registry.Registry, tr *Transitions) *Manager {
	return &Manager{Repo: r, Cache: c, Registry: reg, Transitions: tr, Now: time.Now}
}

func cacheKey(entityType string, entityID int64) string {
	return "state:" + entityType + ":" + strconv.FormatInt(entityID, 10)
}

// CurrentState returns the entity's latest state, serving from cache when
// possible. A cached value may lag a concurrent writer by up to the TTL.
// An entity that has never transitioned yields nil, not an error.
func (m *Manager) CurrentState(ctx context.Context, entityType string, entityID int64) (*string, error) {
	if _, ok := m.Registry.Get(entityType); !ok {
		// Likely misconfiguration, but reads stay answerable.
		log.Printf("fsm: current state read for unregistered entity type %q", entityType)
	}
	key := cacheKey(entityType, entityID)
	if state, ok := m.Cache.Get(key); ok {
		metrics.CacheHits.Inc()
		return &state, nil
	}
	metrics.CacheMisses.Inc()
	rec, err := m.Repo.LatestStateRecord(ctx, entityType, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Cache.Set(key, rec.State)
	return &rec.State, nil
}

// CurrentStateRecord always reads the database; it returns the full latest
// record, not just the state value.
func (m *Manager) CurrentStateRecord(ctx context.Context, entityType string, entityID int64) (domain.StateRecord, error) {
	rec, err := m.Repo.LatestStateRecord(ctx, entityType, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StateRecord{}, &NotFoundError{Resource: "state for " + entityType, Key: strconv.FormatInt(entityID, 10)}
	}
	return rec, err
}

// TransitionState appends a new state record for the entity. The previous
// state is whatever the log currently ends with; concurrent writers are not
// serialized unless opts.ExpectedPreviousState is set.
func (m *Manager) TransitionState(ctx context.Context, entity domain.Entity, newState string, opts Options) (domain.StateRecord, error) {
	entityType := entity.EntityName()
	st, ok := m.Registry.Get(entityType)
	if !ok {
		return domain.StateRecord{}, &NotFoundError{Resource: "state type", Key: entityType}
	}
	if !st.Choices.Valid(newState) {
		metrics.TransitionsTotal.WithLabelValues(entityType, "invalid").Inc()
		return domain.StateRecord{}, &ValidationError{Fields: map[string][]string{
			"new_state": {fmt.Sprintf("%q is not a valid %s state", newState, entityType)},
		}}
	}

	var prev *string
	latest, err := m.Repo.LatestStateRecord(ctx, entityType, entity.EntityID())
	switch {
	case err == nil:
		prev = &latest.State
	case errors.Is(err, repo.ErrNotFound):
		// first record for this entity
	default:
		return domain.StateRecord{}, err
	}

	if opts.ExpectedPreviousState != nil {
		actual := ""
		if prev != nil {
			actual = *prev
		}
		if actual != *opts.ExpectedPreviousState {
			metrics.TransitionsTotal.WithLabelValues(entityType, "conflict").Inc()
			return domain.StateRecord{}, &ConflictError{Expected: *opts.ExpectedPreviousState, Actual: actual}
		}
	}

	rec := domain.StateRecord{
		ID:            uuid7.NewString(),
		EntityType:    entityType,
		EntityID:      entity.EntityID(),
		OrgID:         entity.OrganizationID(),
		State:         newState,
		PreviousState: prev,
		TriggeredBy:   opts.TriggeredBy,
		ContextData:   opts.Context,
		Denormalized:  m.denormalize(st, entity),
		Reason:        opts.Reason,
		CreatedAt:     m.Now().UTC().Format(time.RFC3339Nano),
	}
	if opts.TransitionName != "" {
		rec.TransitionName = &opts.TransitionName
	}

	key := cacheKey(entityType, entity.EntityID())
	if err := m.Repo.InsertStateRecord(ctx, rec); err != nil {
		// Drop rather than set: the cache must never outlive a failed write.
		m.Cache.Delete(key)
		metrics.TransitionsTotal.WithLabelValues(entityType, "error").Inc()
		return domain.StateRecord{}, &ManagerError{Op: "transition " + entityType, Err: err}
	}
	m.Cache.Set(key, newState)
	metrics.TransitionsTotal.WithLabelValues(entityType, "ok").Inc()
	return rec, nil
}

// denormalize never fails a transition. A panicking or erroring
// denormalizer is logged and its output dropped.
func (m *Manager) denormalize(st registry.StateType, entity domain.Entity) (out map[string]any) {
	if st.Denormalize == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("fsm: denormalizer for %s panicked: %v", st.Name, r)
			out = nil
		}
	}()
	return st.Denormalize(entity)
}

func (m *Manager) History(ctx context.Context, entityType string, entityID int64, limit int) ([]domain.StateRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.Repo.History(ctx, entityType, entityID, limit)
}

// StatesInRange turns a time window into a UUIDv7 id range and scans the
// log's primary key directly.
func (m *Manager) StatesInRange(ctx context.Context, entityType string, start, end time.Time, states []string, limit int) ([]domain.StateRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	lo, hi := uuid7.Range(start, end)
	return m.Repo.StatesInRange(ctx, entityType, lo, hi, states, limit)
}

func (m *Manager) CountByState(ctx context.Context, entityType string, start, end time.Time) (map[string]int64, error) {
	lo, hi := uuid7.Range(start, end)
	return m.Repo.CountByState(ctx, entityType, lo, hi)
}

// WarmCache loads the latest state of many entities in one query and primes
// the cache. It returns how many entities had a state.
func (m *Manager) WarmCache(ctx context.Context, entityType string, ids []int64) (int, error) {
	recs, err := m.Repo.LatestStates(ctx, entityType, ids)
	if err != nil {
		return 0, err
	}
	entries := make(map[string]string, len(recs))
	for id, rec := range recs {
		entries[cacheKey(entityType, id)] = rec.State
	}
	m.Cache.SetMany(entries)
	return len(recs), nil
}

func (m *Manager) InvalidateCache(entityType string, entityID int64) {
	m.Cache.Delete(cacheKey(entityType, entityID))
}

// ExecuteTransition runs the declarative workflow: applicability check,
// instance validation, target resolution, pre-hook, write, post-hook.
func (m *Manager) ExecuteTransition(ctx context.Context, tr Transition, entity domain.Entity, actor *int64) (domain.StateRecord, error) {
	entityType := entity.EntityName()
	tc := &Context{Entity: entity, Actor: actor}
	latest, err := m.Repo.LatestStateRecord(ctx, entityType, entity.EntityID())
	switch {
	case err == nil:
		tc.Current = &latest
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.StateRecord{}, err
	}

	if def, ok := m.Transitions.Get(entityType, tr.Name()); ok && def.CanFrom != nil {
		if !def.CanFrom(tc.CurrentState(), tc.IsInitial()) {
			metrics.TransitionsTotal.WithLabelValues(entityType, "rejected").Inc()
			return domain.StateRecord{}, &TransitionValidationError{
				Message: fmt.Sprintf("transition %q is not allowed from state %q", tr.Name(), tc.CurrentState()),
				Context: map[string]any{"current_state": tc.CurrentState()},
			}
		}
	}
	if err := tr.Validate(tc); err != nil {
		metrics.TransitionsTotal.WithLabelValues(entityType, "rejected").Inc()
		return domain.StateRecord{}, err
	}
	target, err := tr.TargetState(tc)
	if err != nil {
		return domain.StateRecord{}, err
	}
	if pre, ok := tr.(PreHook); ok {
		if err := pre.Before(ctx, tc); err != nil {
			return domain.StateRecord{}, err
		}
	}
	rec, err := m.TransitionState(ctx, entity, target, Options{
		TransitionName: tr.Name(),
		TriggeredBy:    actor,
		Context:        tr.Payload(tc),
		Reason:         transitionReason(tr, tc, actor),
	})
	if err != nil {
		return domain.StateRecord{}, err
	}
	if post, ok := tr.(PostHook); ok {
		if err := post.After(ctx, tc, rec); err != nil {
			// The record is already committed and stays; the error tells the
			// caller the side effect is uncertain.
			return rec, fmt.Errorf("post-hook %s.%s: %w", entityType, tr.Name(), err)
		}
	}
	return rec, nil
}

// transitionReason builds the audit reason stored on declarative records.
// Transitions implementing Reasoner supply their own.
func transitionReason(tr Transition, tc *Context, actor *int64) string {
	if rz, ok := tr.(Reasoner); ok {
		if reason := rz.Reason(tc); reason != "" {
			return reason
		}
	}
	if actor != nil {
		return fmt.Sprintf("%s executed by user %d", tr.Name(), *actor)
	}
	return tr.Name() + " executed automatically"
}

// ExecuteNamed looks up a registered transition, binds the payload and
// executes it.
func (m *Manager) ExecuteNamed(ctx context.Context, entity domain.Entity, name string, payload map[string]any, actor *int64) (domain.StateRecord, error) {
	def, ok := m.Transitions.Get(entity.EntityName(), name)
	if !ok {
		return domain.StateRecord{}, &NotFoundError{Resource: "transition", Key: entity.EntityName() + "." + name}
	}
	tr, err := def.New(payload)
	if err != nil {
		return domain.StateRecord{}, err
	}
	return m.ExecuteTransition(ctx, tr, entity, actor)
}

// AvailableTransitions lists transitions applicable to the entity's current
// state without instantiating any of them.
func (m *Manager) AvailableTransitions(ctx context.Context, entity domain.Entity) ([]string, error) {
	entityType := entity.EntityName()
	current := ""
	initial := false
	latest, err := m.Repo.LatestStateRecord(ctx, entityType, entity.EntityID())
	switch {
	case err == nil:
		current = latest.State
	case errors.Is(err, repo.ErrNotFound):
		initial = true
	default:
		return nil, err
	}
	return m.Transitions.ValidFrom(entityType, current, initial), nil
}
