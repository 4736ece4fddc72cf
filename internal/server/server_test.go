package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"statetrail/internal/cache"
	"statetrail/internal/db"
	"statetrail/internal/domain"
	"statetrail/internal/fsm"
	"statetrail/internal/migrate"
	"statetrail/internal/registry"
	"statetrail/internal/repo"
)

const testBasePath = "/api/v1"

func newTestServer(t *testing.T, auth AuthConfig) (http.Handler, Config) {
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
	tr := fsm.NewTransitions()
	fsm.RegisterCoreTransitions(tr)
	r := repo.Repo{DB: conn}
	mgr := fsm.NewManager(r, cache.New(128, time.Minute), reg, tr)
	cfg := Config{
		Manager:     mgr,
		Repo:        r,
		Registry:    reg,
		Transitions: tr,
		BasePath:    testBasePath,
		Auth:        auth,
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return handler, cfg
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestHealthNeedsNoAuth(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	rec := doJSON(t, h, http.MethodGet, testBasePath+"/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateProjectWritesInitialState(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{Disabled: true})
	rec := doJSON(t, h, http.MethodPost, testBasePath+"/projects",
		map[string]any{"title": "demo"}, map[string]string{"X-Actor-Id": "1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	project := decodeJSON[map[string]any](t, rec)
	id := int64(project["id"].(float64))

	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("%s/states/project/%d/current", testBasePath, id), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	current := decodeJSON[CurrentStateResponse](t, rec)
	if current.State == nil || *current.State != "CREATED" {
		t.Fatalf("state = %v", current.State)
	}
}

func TestCurrentStateNullBeforeFirstTransition(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{Disabled: true})

	rec := doJSON(t, h, http.MethodGet, testBasePath+"/states/task/999/current", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	current := decodeJSON[CurrentStateResponse](t, rec)
	if current.State != nil {
		t.Fatalf("state = %q, want null", *current.State)
	}

	// Only an unregistered entity type is a 404.
	rec = doJSON(t, h, http.MethodGet, testBasePath+"/states/starship/1/current", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestTransitionNormalizesAndRecords(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{Disabled: true})
	doJSON(t, h, http.MethodPost, testBasePath+"/projects", map[string]any{"title": "p"}, nil)
	rec := doJSON(t, h, http.MethodPost, testBasePath+"/projects/1/tasks", map[string]any{}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, testBasePath+"/states/task/1/transition",
		map[string]any{"new_state": "  in_progress "}, map[string]string{"X-Actor-Id": "5"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("transition: %d %s", rec.Code, rec.Body.String())
	}
	written := decodeJSON[StateRecordResponse](t, rec)
	if written.State != "IN_PROGRESS" {
		t.Fatalf("state = %q", written.State)
	}
	if written.PreviousState == nil || *written.PreviousState != "CREATED" {
		t.Fatalf("previous = %v", written.PreviousState)
	}
	if written.TriggeredBy == nil || *written.TriggeredBy != 5 {
		t.Fatalf("triggered_by = %v", written.TriggeredBy)
	}
}

func TestTransitionRejectsEmptyAndInvalidState(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{Disabled: true})
	doJSON(t, h, http.MethodPost, testBasePath+"/projects", map[string]any{"title": "p"}, nil)
	doJSON(t, h, http.MethodPost, testBasePath+"/projects/1/tasks", map[string]any{}, nil)

	rec := doJSON(t, h, http.MethodPost, testBasePath+"/states/task/1/transition",
		map[string]any{"new_state": "   "}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty state: %d %s", rec.Code, rec.Body.String())
	}
	env := decodeJSON[errorEnvelope](t, rec)
	if env.Error.Code != "bad_request" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	rec = doJSON(t, h, http.MethodPost, testBasePath+"/states/task/1/transition",
		map[string]any{"new_state": "NOT_A_STATE"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid state: %d %s", rec.Code, rec.Body.String())
	}
}

func TestTransitionUnknownEntity(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{Disabled: true})
	rec := doJSON(t, h, http.MethodPost, testBasePath+"/states/task/42/transition",
		map[string]any{"new_state": "CREATED"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodPost, testBasePath+"/states/starship/1/transition",
		map[string]any{"new_state": "CREATED"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
}

func TestConditionalTransitionConflict(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{Disabled: true})
	doJSON(t, h, http.MethodPost, testBasePath+"/projects", map[string]any{"title": "p"}, nil)
	doJSON(t, h, http.MethodPost, testBasePath+"/projects/1/tasks", map[string]any{}, nil)

	rec := doJSON(t, h, http.MethodPost, testBasePath+"/states/task/1/transition",
		map[string]any{"new_state": "COMPLETED", "expected_previous_state": "IN_PROGRESS"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	env := decodeJSON[errorEnvelope](t, rec)
	if env.Error.Code != "conflict" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestHistoryHidesContextUnlessAsked(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{Disabled: true})
	doJSON(t, h, http.MethodPost, testBasePath+"/projects", map[string]any{"title": "p"}, nil)
	doJSON(t, h, http.MethodPost, testBasePath+"/projects/1/tasks", map[string]any{}, nil)
	doJSON(t, h, http.MethodPost, testBasePath+"/states/task/1/transition",
		map[string]any{"new_state": "IN_PROGRESS", "context": map[string]any{"note": "picked up"}}, nil)

	rec := doJSON(t, h, http.MethodGet, testBasePath+"/states/task/1/history", nil, nil)
	hist := decodeJSON[HistoryResponse](t, rec)
	if hist.Count != 2 || len(hist.Results) != 2 {
		t.Fatalf("history = %+v", hist)
	}
	if hist.Results[0].ContextData != nil {
		t.Fatal("context should be omitted by default")
	}

	rec = doJSON(t, h, http.MethodGet, testBasePath+"/states/task/1/history?include_context=true", nil, nil)
	hist = decodeJSON[HistoryResponse](t, rec)
	if hist.Results[0].ContextData == nil || hist.Results[0].ContextData["note"] != "picked up" {
		t.Fatalf("context missing: %+v", hist.Results[0])
	}
}

func TestHistoryExpandsTriggeredBy(t *testing.T) {
	h, cfg := newTestServer(t, AuthConfig{Disabled: true})
	u, err := cfg.Repo.InsertUser(context.Background(), domain.User{
		Email: "ann@example.com", FirstName: "Ann",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}

	doJSON(t, h, http.MethodPost, testBasePath+"/projects", map[string]any{"title": "p"}, nil)
	doJSON(t, h, http.MethodPost, testBasePath+"/projects/1/tasks", map[string]any{}, nil)
	doJSON(t, h, http.MethodPost, testBasePath+"/states/task/1/transition",
		map[string]any{"new_state": "IN_PROGRESS"}, map[string]string{"X-Actor-Id": fmt.Sprint(u.ID)})
	doJSON(t, h, http.MethodPost, testBasePath+"/states/task/1/transition",
		map[string]any{"new_state": "COMPLETED"}, map[string]string{"X-Actor-Id": "4242"})

	rec := doJSON(t, h, http.MethodGet, testBasePath+"/states/task/1/history", nil, nil)
	hist := decodeJSON[HistoryResponse](t, rec)
	if hist.Count != 3 {
		t.Fatalf("count = %d", hist.Count)
	}
	// Newest first: 4242 has no users row and stays a bare id.
	if hist.Results[0].TriggeredBy == nil || hist.Results[0].TriggeredBy.ID != 4242 || hist.Results[0].TriggeredBy.Email != "" {
		t.Fatalf("unknown actor = %+v", hist.Results[0].TriggeredBy)
	}
	if hist.Results[1].TriggeredBy == nil || hist.Results[1].TriggeredBy.Email != "ann@example.com" {
		t.Fatalf("known actor = %+v", hist.Results[1].TriggeredBy)
	}
	if hist.Results[2].TriggeredBy != nil {
		t.Fatalf("automatic transition should have null actor: %+v", hist.Results[2].TriggeredBy)
	}
}

func TestDeclarativeTransitionFlow(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{Disabled: true})
	doJSON(t, h, http.MethodPost, testBasePath+"/projects", map[string]any{"title": "p"}, nil)
	doJSON(t, h, http.MethodPost, testBasePath+"/projects/1/tasks", map[string]any{}, nil)
	rec := doJSON(t, h, http.MethodPost, testBasePath+"/annotations",
		map[string]any{"task_id": 1}, map[string]string{"X-Actor-Id": "7"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create annotation: %d %s", rec.Code, rec.Body.String())
	}

	// Missing required field: every violation comes back at once.
	rec = doJSON(t, h, http.MethodPost, testBasePath+"/states/annotation/1/transitions/submit",
		map[string]any{"payload": map[string]any{}}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("submit without result: %d %s", rec.Code, rec.Body.String())
	}
	env := decodeJSON[errorEnvelope](t, rec)
	if env.Error.Details["fields"] == nil {
		t.Fatalf("details = %v", env.Error.Details)
	}

	rec = doJSON(t, h, http.MethodPost, testBasePath+"/states/annotation/1/transitions/submit",
		map[string]any{"payload": map[string]any{"result": "[]"}}, map[string]string{"X-Actor-Id": "7"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}

	// Self-review is a business rejection, not a schema error.
	rec = doJSON(t, h, http.MethodPost, testBasePath+"/states/annotation/1/transitions/review",
		map[string]any{"payload": map[string]any{"verdict": "accept"}}, map[string]string{"X-Actor-Id": "7"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("self review: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, testBasePath+"/states/annotation/1/transitions/review",
		map[string]any{"payload": map[string]any{"verdict": "accept"}}, map[string]string{"X-Actor-Id": "8"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("review: %d %s", rec.Code, rec.Body.String())
	}
	written := decodeJSON[StateRecordResponse](t, rec)
	if written.State != "ACCEPTED" || written.TransitionName == nil || *written.TransitionName != "review" {
		t.Fatalf("record = %+v", written)
	}
}

func TestAvailableAndRegisteredTransitions(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{Disabled: true})
	doJSON(t, h, http.MethodPost, testBasePath+"/projects", map[string]any{"title": "p"}, nil)
	doJSON(t, h, http.MethodPost, testBasePath+"/projects/1/tasks", map[string]any{}, nil)

	rec := doJSON(t, h, http.MethodGet, testBasePath+"/transitions/task", nil, nil)
	all := decodeJSON[TransitionListResponse](t, rec)
	if len(all.Transitions) != 2 {
		t.Fatalf("transitions = %v", all.Transitions)
	}

	rec = doJSON(t, h, http.MethodGet, testBasePath+"/states/task/1/transitions", nil, nil)
	avail := decodeJSON[TransitionListResponse](t, rec)
	if len(avail.Transitions) != 1 || avail.Transitions[0] != "start" {
		t.Fatalf("available = %v", avail.Transitions)
	}
}

func TestStateTypeListing(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{Disabled: true})
	rec := doJSON(t, h, http.MethodGet, testBasePath+"/states/task", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	st := decodeJSON[StateTypeResponse](t, rec)
	if st.Initial != "CREATED" || len(st.States) != 5 {
		t.Fatalf("state type = %+v", st)
	}
	rec = doJSON(t, h, http.MethodGet, testBasePath+"/states/starship", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRangeAndStats(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{Disabled: true})
	doJSON(t, h, http.MethodPost, testBasePath+"/projects", map[string]any{"title": "p"}, nil)
	for i := 0; i < 3; i++ {
		doJSON(t, h, http.MethodPost, testBasePath+"/projects/1/tasks", map[string]any{}, nil)
	}
	doJSON(t, h, http.MethodPost, testBasePath+"/states/task/1/transition",
		map[string]any{"new_state": "IN_PROGRESS"}, nil)

	rec := doJSON(t, h, http.MethodGet, testBasePath+"/states/task/records?state=in_progress", nil, nil)
	recs := decodeJSON[[]StateRecordResponse](t, rec)
	if len(recs) != 1 || recs[0].EntityID != 1 {
		t.Fatalf("records = %+v", recs)
	}

	rec = doJSON(t, h, http.MethodGet, testBasePath+"/states/task/stats", nil, nil)
	stats := decodeJSON[StateCountsResponse](t, rec)
	if stats.Counts["CREATED"] != 3 || stats.Counts["IN_PROGRESS"] != 1 {
		t.Fatalf("counts = %v", stats.Counts)
	}

	rec = doJSON(t, h, http.MethodGet, testBasePath+"/states/task/records?start=not-a-time", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCacheEndpoints(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{Disabled: true})
	doJSON(t, h, http.MethodPost, testBasePath+"/projects", map[string]any{"title": "p"}, nil)
	doJSON(t, h, http.MethodPost, testBasePath+"/projects/1/tasks", map[string]any{}, nil)

	rec := doJSON(t, h, http.MethodPost, testBasePath+"/cache/warm",
		map[string]any{"entity_type": "task", "ids": []int64{1, 2, 3}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("warm: %d %s", rec.Code, rec.Body.String())
	}
	warm := decodeJSON[WarmCacheResponse](t, rec)
	if warm.Warmed != 1 {
		t.Fatalf("warmed = %d", warm.Warmed)
	}

	rec = doJSON(t, h, http.MethodPost, testBasePath+"/cache/invalidate/task/1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("invalidate: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, testBasePath+"/cache/warm",
		map[string]any{"entity_type": "", "ids": []int64{1}}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	h, cfg := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	rec := doJSON(t, h, http.MethodGet, testBasePath+"/projects", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, h, http.MethodGet, testBasePath+"/projects", nil,
		map[string]string{"Authorization": "Bearer " + signed})
	if rec.Code != http.StatusOK {
		t.Fatalf("jwt: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, testBasePath+"/projects", nil,
		map[string]string{"Authorization": "Bearer bogus"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bogus jwt: %d", rec.Code)
	}

	// API key path: issue one directly through the repo.
	user := doJSONUser(t, cfg)
	raw, key, err := newAPIKey(user, "ci")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Repo.InsertAPIKey(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, h, http.MethodGet, testBasePath+"/projects", nil,
		map[string]string{"X-Api-Key": raw})
	if rec.Code != http.StatusOK {
		t.Fatalf("api key: %d %s", rec.Code, rec.Body.String())
	}
}

func doJSONUser(t *testing.T, cfg Config) int64 {
	t.Helper()
	u, err := cfg.Repo.InsertUser(context.Background(), domain.User{
		Email:     "ci@example.com",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	return u.ID
}
