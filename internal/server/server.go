package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"statetrail/internal/domain"
	"statetrail/internal/fsm"
	"statetrail/internal/registry"
	"statetrail/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Manager     fsm.StateManager
	Repo        repo.Repo
	Registry    *registry.Registry
	Transitions *fsm.Transitions
	BasePath    string
	Auth        AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"transition not allowed from current state"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Statetrail API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Statetrail API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStateTypes(group, cfg)
	registerStates(group, cfg)
	registerTransitions(group, cfg)
	registerCache(group, cfg)
	registerProjects(group, cfg)
	registerTasks(group, cfg)
	registerAnnotations(group, cfg)
	registerUsers(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var nf *fsm.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ve *fsm.ValidationError
	if errors.As(err, &ve) {
		details := make(map[string]any, len(ve.Fields))
		for field, msgs := range ve.Fields {
			details[field] = msgs
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"fields": details})
	}
	var tve *fsm.TransitionValidationError
	if errors.As(err, &tve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", tve.Message, tve.Context)
	}
	var ce *fsm.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"expected": ce.Expected,
			"actual":   ce.Actual,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

// loadEntity resolves an entity reference. Core types are loaded from
// storage so missing entities 404; extension types get a bare reference
// since the engine only needs type, id and org.
func loadEntity(ctx context.Context, cfg Config, entityType string, id int64) (domain.Entity, error) {
	switch entityType {
	case "task":
		return cfg.Repo.GetTask(ctx, id)
	case "project":
		return cfg.Repo.GetProject(ctx, id)
	case "annotation":
		return cfg.Repo.GetAnnotation(ctx, id)
	}
	if _, ok := cfg.Registry.Get(entityType); !ok {
		return nil, &fsm.NotFoundError{Resource: "state type", Key: entityType}
	}
	return entityRef{typ: entityType, id: id}, nil
}

type entityRef struct {
	typ string
	id  int64
}

func (e entityRef) EntityName() string    { return e.typ }
func (e entityRef) EntityID() int64       { return e.id }
func (e entityRef) OrganizationID() int64 { return 0 }

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Statetrail API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStateTypes(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-state-types",
		Method:      http.MethodGet,
		Path:        "/states",
		Summary:     "List registered state types",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StateTypeResponse `json:"body"`
	}, error) {
		res := []StateTypeResponse{}
		for _, name := range cfg.Registry.Names() {
			if st, ok := cfg.Registry.Get(name); ok {
				res = append(res, stateTypeResponse(st))
			}
		}
		return &struct {
			Body []StateTypeResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-state-type",
		Method:      http.MethodGet,
		Path:        "/states/{entity_type}",
		Summary:     "State vocabulary for an entity type",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
	}) (*struct {
		Body StateTypeResponse `json:"body"`
	}, error) {
		st, ok := cfg.Registry.Get(input.EntityType)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown entity type "+input.EntityType, nil)
		}
		return &struct {
			Body StateTypeResponse `json:"body"`
		}{Body: stateTypeResponse(st)}, nil
	})
}

func registerStates(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "current-state",
		Method:      http.MethodGet,
		Path:        "/states/{entity_type}/{entity_id}/current",
		Summary:     "Current state of an entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
		EntityID   int64  `path:"entity_id"`
	}) (*struct {
		Body CurrentStateResponse `json:"body"`
	}, error) {
		if _, ok := cfg.Registry.Get(input.EntityType); !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown entity type "+input.EntityType, nil)
		}
		// A registered entity with no records yet answers with a null state.
		state, err := cfg.Manager.CurrentState(ctx, input.EntityType, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CurrentStateResponse `json:"body"`
		}{Body: CurrentStateResponse{
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			State:      state,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-state-record",
		Method:      http.MethodGet,
		Path:        "/states/{entity_type}/{entity_id}/record",
		Summary:     "Latest full state record of an entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
		EntityID   int64  `path:"entity_id"`
	}) (*struct {
		Body StateRecordResponse `json:"body"`
	}, error) {
		rec, err := cfg.Manager.CurrentStateRecord(ctx, input.EntityType, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StateRecordResponse `json:"body"`
		}{Body: recordResponse(rec, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "state-history",
		Method:      http.MethodGet,
		Path:        "/states/{entity_type}/{entity_id}/history",
		Summary:     "State history of an entity, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityType     string `path:"entity_type"`
		EntityID       int64  `path:"entity_id"`
		Limit          int    `query:"limit" default:"100"`
		IncludeContext bool   `query:"include_context"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		if limit > 1000 {
			limit = 1000
		}
		recs, err := cfg.Manager.History(ctx, input.EntityType, input.EntityID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		body, err := historyResponse(ctx, cfg.Repo, recs, input.IncludeContext)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "transition-state",
		Method:        http.MethodPost,
		Path:          "/states/{entity_type}/{entity_id}/transition",
		Summary:       "Append a state transition",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		EntityType string            `path:"entity_type"`
		EntityID   int64             `path:"entity_id"`
		Body       TransitionRequest `json:"body"`
	}) (*struct {
		Body StateRecordResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		newState := strings.ToUpper(strings.TrimSpace(input.Body.NewState))
		if newState == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "new_state is required", map[string]any{"field": "new_state"})
		}
		entity, err := loadEntity(ctx, cfg, input.EntityType, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := cfg.Manager.TransitionState(ctx, entity, newState, fsm.Options{
			TriggeredBy:           actorFromContext(ctx),
			Context:               input.Body.Context,
			Reason:                input.Body.Reason,
			ExpectedPreviousState: input.Body.ExpectedPreviousState,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StateRecordResponse `json:"body"`
		}{Body: recordResponse(rec, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "states-in-range",
		Method:      http.MethodGet,
		Path:        "/states/{entity_type}/records",
		Summary:     "State records in a time window",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
		Start      string `query:"start" doc:"RFC 3339 start of window"`
		End        string `query:"end" doc:"RFC 3339 end of window"`
		State      string `query:"state" doc:"comma separated state filter"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body []StateRecordResponse `json:"body"`
	}, error) {
		start, end, err := parseWindow(input.Start, input.End)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		var states []string
		if input.State != "" {
			for _, s := range strings.Split(input.State, ",") {
				if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
					states = append(states, s)
				}
			}
		}
		limit := input.Limit
		if limit > 1000 {
			limit = 1000
		}
		recs, err := cfg.Manager.StatesInRange(ctx, input.EntityType, start, end, states, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StateRecordResponse `json:"body"`
		}{Body: mapRecords(recs, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "state-stats",
		Method:      http.MethodGet,
		Path:        "/states/{entity_type}/stats",
		Summary:     "Record counts per state in a time window",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
		Start      string `query:"start"`
		End        string `query:"end"`
	}) (*struct {
		Body StateCountsResponse `json:"body"`
	}, error) {
		start, end, err := parseWindow(input.Start, input.End)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		counts, err := cfg.Manager.CountByState(ctx, input.EntityType, start, end)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StateCountsResponse `json:"body"`
		}{Body: StateCountsResponse{EntityType: input.EntityType, Counts: counts}}, nil
	})
}

// parseWindow defaults to the last 24 hours when bounds are omitted.
func parseWindow(startStr, endStr string) (time.Time, time.Time, error) {
	end := time.Now()
	start := end.Add(-24 * time.Hour)
	var err error
	if startStr != "" {
		start, err = time.Parse(time.RFC3339, startStr)
		if err != nil {
			return start, end, fmt.Errorf("invalid start %q: must be RFC 3339", startStr)
		}
	}
	if endStr != "" {
		end, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			return start, end, fmt.Errorf("invalid end %q: must be RFC 3339", endStr)
		}
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("end must not precede start")
	}
	return start, end, nil
}

func registerTransitions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/transitions/{entity_type}",
		Summary:     "All registered transitions for an entity type",
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
	}) (*struct {
		Body TransitionListResponse `json:"body"`
	}, error) {
		names := cfg.Transitions.Names(input.EntityType)
		if names == nil {
			names = []string{}
		}
		return &struct {
			Body TransitionListResponse `json:"body"`
		}{Body: TransitionListResponse{EntityType: input.EntityType, Transitions: names}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "available-transitions",
		Method:      http.MethodGet,
		Path:        "/states/{entity_type}/{entity_id}/transitions",
		Summary:     "Transitions applicable to the entity's current state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
		EntityID   int64  `path:"entity_id"`
	}) (*struct {
		Body TransitionListResponse `json:"body"`
	}, error) {
		entity, err := loadEntity(ctx, cfg, input.EntityType, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		names, err := cfg.Manager.AvailableTransitions(ctx, entity)
		if err != nil {
			return nil, handleError(err)
		}
		if names == nil {
			names = []string{}
		}
		return &struct {
			Body TransitionListResponse `json:"body"`
		}{Body: TransitionListResponse{EntityType: input.EntityType, Transitions: names}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "execute-transition",
		Method:        http.MethodPost,
		Path:          "/states/{entity_type}/{entity_id}/transitions/{name}",
		Summary:       "Execute a registered transition",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		EntityType string                   `path:"entity_type"`
		EntityID   int64                    `path:"entity_id"`
		Name       string                   `path:"name"`
		Body       ExecuteTransitionRequest `json:"body"`
	}) (*struct {
		Body StateRecordResponse `json:"body"`
	}, error) {
		entity, err := loadEntity(ctx, cfg, input.EntityType, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := cfg.Manager.ExecuteNamed(ctx, entity, input.Name, input.Body.Payload, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StateRecordResponse `json:"body"`
		}{Body: recordResponse(rec, true)}, nil
	})
}

func registerCache(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "warm-cache",
		Method:      http.MethodPost,
		Path:        "/cache/warm",
		Summary:     "Prime the current-state cache for a batch of entities",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body WarmCacheRequest `json:"body"`
	}) (*struct {
		Body WarmCacheResponse `json:"body"`
	}, error) {
		if input.Body.EntityType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_type is required", nil)
		}
		if len(input.Body.IDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ids must not be empty", nil)
		}
		n, err := cfg.Manager.WarmCache(ctx, input.Body.EntityType, input.Body.IDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WarmCacheResponse `json:"body"`
		}{Body: WarmCacheResponse{Warmed: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "invalidate-cache",
		Method:      http.MethodPost,
		Path:        "/cache/invalidate/{entity_type}/{entity_id}",
		Summary:     "Drop the cached current state of an entity",
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
		EntityID   int64  `path:"entity_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		cfg.Manager.InvalidateCache(input.EntityType, input.EntityID)
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "invalidated"}}, nil
	})
}

func registerProjects(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		p := domain.Project{
			OrgID:     input.Body.OrgID,
			Title:     input.Body.Title,
			CreatedBy: actorFromContext(ctx),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		p, err := cfg.Repo.InsertProject(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := cfg.Manager.TransitionState(ctx, p, "CREATED", fsm.Options{TriggeredBy: p.CreatedBy}); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := cfg.Repo.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID int64             `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, err := cfg.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		orgID := input.Body.OrgID
		if orgID == 0 {
			orgID = p.OrgID
		}
		t := domain.Task{
			ProjectID: p.ID,
			OrgID:     orgID,
			Data:      input.Body.Data,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		t, err = cfg.Repo.InsertTask(ctx, t)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := cfg.Manager.TransitionState(ctx, t, "CREATED", fsm.Options{TriggeredBy: actorFromContext(ctx)}); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListTasks(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := cfg.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerAnnotations(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-annotation",
		Method:        http.MethodPost,
		Path:          "/annotations",
		Summary:       "Create annotation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateAnnotationRequest `json:"body"`
	}) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		if input.Body.TaskID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id is required", nil)
		}
		task, err := cfg.Repo.GetTask(ctx, input.Body.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		completedBy := input.Body.CompletedByID
		if completedBy == nil {
			completedBy = actorFromContext(ctx)
		}
		orgID := input.Body.OrgID
		if orgID == 0 {
			orgID = task.OrgID
		}
		a := domain.Annotation{
			TaskID:        task.ID,
			ProjectID:     task.ProjectID,
			OrgID:         orgID,
			CompletedByID: completedBy,
			Result:        input.Body.Result,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		}
		a, err = cfg.Repo.InsertAnnotation(ctx, a)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := cfg.Manager.TransitionState(ctx, a, "DRAFT", fsm.Options{TriggeredBy: completedBy}); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-annotation",
		Method:      http.MethodGet,
		Path:        "/annotations/{id}",
		Summary:     "Get annotation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		a, err := cfg.Repo.GetAnnotation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})
}

func registerUsers(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if input.Body.Email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		u := domain.User{
			Email:     input.Body.Email,
			FirstName: input.Body.FirstName,
			LastName:  input.Body.LastName,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		u, err := cfg.Repo.InsertUser(ctx, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/users/{id}/api-keys",
		Summary:       "Issue an API key for a user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		u, err := cfg.Repo.GetUser(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		raw, key, err := newAPIKey(u.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			UserID:    key.UserID,
			Name:      key.Name,
			Key:       raw,
			CreatedAt: key.CreatedAt,
		}}, nil
	})
}
