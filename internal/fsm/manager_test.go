package fsm

import (
	"context"
	"errors"
	"testing"
	"time"

	"statetrail/internal/cache"
	"statetrail/internal/db"
	"statetrail/internal/domain"
	"statetrail/internal/migrate"
	"statetrail/internal/registry"
	"statetrail/internal/repo"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := registry.New()
	registry.RegisterCore(reg)
	tr := NewTransitions()
	RegisterCoreTransitions(tr)
	return NewManager(repo.Repo{DB: conn}, cache.New(128, time.Minute), reg, tr)
}

func TestFirstTransitionHasNoPreviousState(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	task := domain.Task{ID: 1, ProjectID: 1}

	rec, err := m.TransitionState(ctx, task, "CREATED", Options{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if rec.PreviousState != nil {
		t.Fatalf("previous_state = %v, want nil", *rec.PreviousState)
	}
	state, err := m.CurrentState(ctx, "task", 1)
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state == nil || *state != "CREATED" {
		t.Fatalf("state = %v", state)
	}
}

func TestTransitionChainAndHistory(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	task := domain.Task{ID: 2, ProjectID: 1}

	for _, s := range []string{"CREATED", "IN_PROGRESS", "COMPLETED"} {
		if _, err := m.TransitionState(ctx, task, s, Options{}); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	hist, err := m.History(ctx, "task", 2, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history length = %d", len(hist))
	}
	// newest first
	if hist[0].State != "COMPLETED" || hist[2].State != "CREATED" {
		t.Fatalf("history order wrong: %s .. %s", hist[0].State, hist[2].State)
	}
	if hist[0].PreviousState == nil || *hist[0].PreviousState != "IN_PROGRESS" {
		t.Fatalf("previous_state chain broken: %v", hist[0].PreviousState)
	}
	if hist[2].PreviousState != nil {
		t.Fatal("first record should have nil previous_state")
	}
	if hist[0].ID <= hist[1].ID || hist[1].ID <= hist[2].ID {
		t.Fatal("ids should sort newest first")
	}
}

func TestCurrentStateServedFromCache(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	task := domain.Task{ID: 3, ProjectID: 1}

	if _, err := m.TransitionState(ctx, task, "CREATED", Options{}); err != nil {
		t.Fatal(err)
	}
	if s, _ := m.CurrentState(ctx, "task", 3); s == nil || *s != "CREATED" {
		t.Fatalf("state = %v", s)
	}

	// Write behind the manager's back. The cached value must survive until
	// invalidation.
	rec := domain.StateRecord{
		ID: "ffffffff-ffff-7fff-bfff-ffffffffffff", EntityType: "task", EntityID: 3,
		State: "IN_PROGRESS", CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := m.Repo.InsertStateRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if s, _ := m.CurrentState(ctx, "task", 3); s == nil || *s != "CREATED" {
		t.Fatalf("expected stale cached state, got %v", s)
	}
	m.InvalidateCache("task", 3)
	if s, _ := m.CurrentState(ctx, "task", 3); s == nil || *s != "IN_PROGRESS" {
		t.Fatalf("expected fresh state after invalidation, got %v", s)
	}
}

func TestCurrentStateBeforeFirstTransition(t *testing.T) {
	m := newTestManager(t)
	state, err := m.CurrentState(context.Background(), "task", 999)
	if err != nil {
		t.Fatalf("err = %v, want nil for never-transitioned entity", err)
	}
	if state != nil {
		t.Fatalf("state = %q, want nil", *state)
	}
	// The full-record read still distinguishes absence as not-found.
	_, err = m.CurrentStateRecord(context.Background(), "task", 999)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestInvalidStateRejected(t *testing.T) {
	m := newTestManager(t)
	_, err := m.TransitionState(context.Background(), domain.Task{ID: 4}, "BOGUS", Options{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(ve.Fields["new_state"]) == 0 {
		t.Fatalf("expected new_state violation, got %v", ve.Fields)
	}
}

func TestConditionalWriteConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	task := domain.Task{ID: 5, ProjectID: 1}

	if _, err := m.TransitionState(ctx, task, "CREATED", Options{}); err != nil {
		t.Fatal(err)
	}
	expect := "IN_PROGRESS"
	_, err := m.TransitionState(ctx, task, "COMPLETED", Options{ExpectedPreviousState: &expect})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if ce.Actual != "CREATED" {
		t.Fatalf("actual = %q", ce.Actual)
	}

	expect = "CREATED"
	if _, err := m.TransitionState(ctx, task, "ASSIGNED", Options{ExpectedPreviousState: &expect}); err != nil {
		t.Fatalf("conditional write should succeed: %v", err)
	}
}

func TestExecuteNamedAggregatesViolations(t *testing.T) {
	m := newTestManager(t)
	ann := domain.Annotation{ID: 1, TaskID: 1, ProjectID: 1}

	_, err := m.ExecuteNamed(context.Background(), ann, "review", map[string]any{
		"verdict": "maybe",
		"comment": 42,
	}, nil)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(ve.Fields["verdict"]) == 0 || len(ve.Fields["comment"]) == 0 {
		t.Fatalf("expected violations for both fields, got %v", ve.Fields)
	}
}

func TestExecuteNamedNotApplicable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	ann := domain.Annotation{ID: 2, TaskID: 1, ProjectID: 1}

	// review requires SUBMITTED; the annotation has no state yet.
	_, err := m.ExecuteNamed(ctx, ann, "review", map[string]any{"verdict": "accept"}, nil)
	var tve *TransitionValidationError
	if !errors.As(err, &tve) {
		t.Fatalf("err = %v, want TransitionValidationError", err)
	}
}

func TestSelfReviewRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	annotator := int64(7)
	ann := domain.Annotation{ID: 3, TaskID: 1, ProjectID: 1, CompletedByID: &annotator}

	if _, err := m.ExecuteNamed(ctx, ann, "submit", map[string]any{"result": "[]"}, &annotator); err != nil {
		t.Fatal(err)
	}
	_, err := m.ExecuteNamed(ctx, ann, "review", map[string]any{"verdict": "accept"}, &annotator)
	var tve *TransitionValidationError
	if !errors.As(err, &tve) {
		t.Fatalf("err = %v, want TransitionValidationError", err)
	}
	reviewer := int64(8)
	rec, err := m.ExecuteNamed(ctx, ann, "review", map[string]any{"verdict": "accept"}, &reviewer)
	if err != nil {
		t.Fatalf("review by other user: %v", err)
	}
	if rec.State != "ACCEPTED" {
		t.Fatalf("state = %q", rec.State)
	}
}

func TestAutoReviewPicksTargetByConfidence(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		confidence float64
		want       string
	}{
		{0.95, "ACCEPTED"},
		{0.5, "REJECTED"},
		{0.8, "ACCEPTED"},
	}
	for i, c := range cases {
		ann := domain.Annotation{ID: int64(10 + i), TaskID: 1, ProjectID: 1}
		if _, err := m.ExecuteNamed(ctx, ann, "submit", map[string]any{"result": "[]"}, nil); err != nil {
			t.Fatal(err)
		}
		rec, err := m.ExecuteNamed(ctx, ann, "auto_review", map[string]any{"confidence": c.confidence}, nil)
		if err != nil {
			t.Fatalf("auto_review(%v): %v", c.confidence, err)
		}
		if rec.State != c.want {
			t.Fatalf("confidence %v: state = %q, want %q", c.confidence, rec.State, c.want)
		}
		if rec.ContextData["confidence"] != c.confidence {
			t.Fatalf("context_data missing confidence: %v", rec.ContextData)
		}
	}
}

func TestAvailableTransitions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	task := domain.Task{ID: 20, ProjectID: 1}

	if _, err := m.TransitionState(ctx, task, "CREATED", Options{}); err != nil {
		t.Fatal(err)
	}
	names, err := m.AvailableTransitions(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "start" {
		t.Fatalf("names = %v", names)
	}
	if _, err := m.ExecuteNamed(ctx, task, "start", nil, nil); err != nil {
		t.Fatal(err)
	}
	names, _ = m.AvailableTransitions(ctx, task)
	if len(names) != 1 || names[0] != "complete" {
		t.Fatalf("names = %v", names)
	}
}

func TestWarmCache(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for id := int64(30); id < 35; id++ {
		if _, err := m.TransitionState(ctx, domain.Task{ID: id, ProjectID: 1}, "CREATED", Options{}); err != nil {
			t.Fatal(err)
		}
	}
	m.Cache.Purge()
	n, err := m.WarmCache(ctx, "task", []int64{30, 31, 32, 33, 34, 99})
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("warmed %d entities, want 5", n)
	}
	// A warmed entry serves without touching the database again: write
	// behind the cache and expect the stale value.
	rec := domain.StateRecord{
		ID: "ffffffff-ffff-7fff-bfff-fffffffffffe", EntityType: "task", EntityID: 30,
		State: "COMPLETED", CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := m.Repo.InsertStateRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if s, _ := m.CurrentState(ctx, "task", 30); s == nil || *s != "CREATED" {
		t.Fatalf("state = %v, want cached CREATED", s)
	}
}

func TestTransitionByUnknownActorStillRecorded(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Actor ids come from JWT claims or headers and may have no users row.
	actor := int64(4242)
	rec, err := m.TransitionState(ctx, domain.Task{ID: 45, ProjectID: 1}, "CREATED", Options{TriggeredBy: &actor})
	if err != nil {
		t.Fatalf("attributed transition: %v", err)
	}
	if rec.TriggeredBy == nil || *rec.TriggeredBy != 4242 {
		t.Fatalf("triggered_by = %v", rec.TriggeredBy)
	}
	got, err := m.CurrentStateRecord(ctx, "task", 45)
	if err != nil {
		t.Fatal(err)
	}
	if got.TriggeredBy == nil || *got.TriggeredBy != 4242 {
		t.Fatalf("persisted triggered_by = %v", got.TriggeredBy)
	}
}

func TestStatesInRangeAndCounts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Second)
	for id := int64(40); id < 43; id++ {
		if _, err := m.TransitionState(ctx, domain.Task{ID: id, ProjectID: 1}, "CREATED", Options{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.TransitionState(ctx, domain.Task{ID: 40, ProjectID: 1}, "IN_PROGRESS", Options{}); err != nil {
		t.Fatal(err)
	}
	end := time.Now().Add(time.Second)

	recs, err := m.StatesInRange(ctx, "task", start, end, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4 {
		t.Fatalf("got %d records", len(recs))
	}
	recs, err = m.StatesInRange(ctx, "task", start, end, []string{"IN_PROGRESS"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].EntityID != 40 {
		t.Fatalf("filtered records wrong: %+v", recs)
	}
	counts, err := m.CountByState(ctx, "task", start, end)
	if err != nil {
		t.Fatal(err)
	}
	if counts["CREATED"] != 3 || counts["IN_PROGRESS"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

type hookedTransition struct {
	preErr  error
	postErr error
	postRan *bool
	target  string
}

func (h hookedTransition) Name() string                         { return "hooked" }
func (h hookedTransition) TargetState(*Context) (string, error) { return h.target, nil }
func (hookedTransition) Validate(*Context) error                { return nil }
func (hookedTransition) Payload(*Context) map[string]any        { return nil }

func (h hookedTransition) Before(_ context.Context, _ *Context) error { return h.preErr }

func (h hookedTransition) After(_ context.Context, _ *Context, _ domain.StateRecord) error {
	if h.postRan != nil {
		*h.postRan = true
	}
	return h.postErr
}

func TestPreHookAbortsTransition(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	task := domain.Task{ID: 50, ProjectID: 1}

	tr := hookedTransition{target: "CREATED", preErr: errors.New("not ready")}
	if _, err := m.ExecuteTransition(ctx, tr, task, nil); err == nil {
		t.Fatal("expected pre-hook error")
	}
	if _, err := m.CurrentStateRecord(ctx, "task", 50); err == nil {
		t.Fatal("no record should have been written")
	}
}

func TestPostHookFailurePropagatesButKeepsRecord(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	task := domain.Task{ID: 51, ProjectID: 1}

	ran := false
	tr := hookedTransition{target: "CREATED", postErr: errors.New("notify failed"), postRan: &ran}
	rec, err := m.ExecuteTransition(ctx, tr, task, nil)
	if err == nil || !errors.Is(err, tr.postErr) {
		t.Fatalf("err = %v, want post-hook error", err)
	}
	if !ran {
		t.Fatal("post-hook did not run")
	}
	if rec.State != "CREATED" {
		t.Fatalf("state = %q", rec.State)
	}
	// The write is not undone by the hook failure.
	got, err := m.CurrentStateRecord(ctx, "task", 51)
	if err != nil {
		t.Fatalf("record should persist: %v", err)
	}
	if got.State != "CREATED" {
		t.Fatalf("persisted state = %q", got.State)
	}
}

func TestDeclarativeTransitionRecordsDefaultReason(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	actor := int64(7)
	rec, err := m.ExecuteNamed(ctx, domain.Annotation{ID: 70, TaskID: 1, ProjectID: 1}, "submit", map[string]any{"result": "[]"}, &actor)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Reason != "submit executed by user 7" {
		t.Fatalf("reason = %q", rec.Reason)
	}
	rec, err = m.ExecuteNamed(ctx, domain.Annotation{ID: 71, TaskID: 1, ProjectID: 1}, "submit", map[string]any{"result": "[]"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Reason != "submit executed automatically" {
		t.Fatalf("reason = %q", rec.Reason)
	}
}

type reasonedTransition struct{ hookedTransition }

func (reasonedTransition) Reason(*Context) string { return "imported from backfill" }

func TestReasonerOverridesDefaultReason(t *testing.T) {
	m := newTestManager(t)
	tr := reasonedTransition{hookedTransition{target: "CREATED"}}
	rec, err := m.ExecuteTransition(context.Background(), tr, domain.Task{ID: 80, ProjectID: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Reason != "imported from backfill" {
		t.Fatalf("reason = %q", rec.Reason)
	}
}

func TestValidFromSurvivesPanickingCheck(t *testing.T) {
	tr := NewTransitions()
	tr.Register(Definition{
		Name: "broken", EntityType: "task",
		CanFrom: func(string, bool) bool { panic("bad check") },
	})
	tr.Register(Definition{
		Name: "start", EntityType: "task",
		CanFrom: FromStates("CREATED"),
	})
	names := tr.ValidFrom("task", "CREATED", false)
	if len(names) != 1 || names[0] != "start" {
		t.Fatalf("names = %v", names)
	}
}

func TestBuilder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	task := domain.Task{ID: 60, ProjectID: 1}

	rec, err := m.For(task).To("CREATED").ByActor(3).WithReason("import").Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.TriggeredBy == nil || *rec.TriggeredBy != 3 || rec.Reason != "import" {
		t.Fatalf("record = %+v", rec)
	}
	rec, err = m.For(task).Named("start").ByActor(3).Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != "IN_PROGRESS" || rec.TransitionName == nil || *rec.TransitionName != "start" {
		t.Fatalf("record = %+v", rec)
	}
	if _, err := m.For(task).Execute(ctx); err == nil {
		t.Fatal("expected error with no target")
	}
}
