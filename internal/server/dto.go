package server

import (
	"context"
	"errors"

	"statetrail/internal/domain"
	"statetrail/internal/registry"
	"statetrail/internal/repo"
)

// CurrentStateResponse reports null for entities that never transitioned.
type CurrentStateResponse struct {
	EntityType string  `json:"entity_type"`
	EntityID   int64   `json:"entity_id"`
	State      *string `json:"state"`
}

type StateRecordResponse struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityID       int64          `json:"entity_id"`
	OrgID          int64          `json:"org_id,omitempty"`
	State          string         `json:"state"`
	PreviousState  *string        `json:"previous_state"`
	TransitionName *string        `json:"transition_name,omitempty"`
	TriggeredBy    *int64         `json:"triggered_by,omitempty"`
	ContextData    map[string]any `json:"context_data,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Denormalized   map[string]any `json:"denormalized,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

func recordResponse(rec domain.StateRecord, includeContext bool) StateRecordResponse {
	resp := StateRecordResponse{
		ID:             rec.ID,
		EntityType:     rec.EntityType,
		EntityID:       rec.EntityID,
		OrgID:          rec.OrgID,
		State:          rec.State,
		PreviousState:  rec.PreviousState,
		TransitionName: rec.TransitionName,
		TriggeredBy:    rec.TriggeredBy,
		Reason:         rec.Reason,
		CreatedAt:      rec.CreatedAt,
	}
	if includeContext {
		resp.ContextData = rec.ContextData
		resp.Denormalized = rec.Denormalized
	}
	return resp
}

func mapRecords(recs []domain.StateRecord, includeContext bool) []StateRecordResponse {
	out := make([]StateRecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordResponse(rec, includeContext))
	}
	return out
}

type ActorResponse struct {
	ID        int64  `json:"id"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type HistoryRecordResponse struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityID       int64          `json:"entity_id"`
	OrgID          int64          `json:"org_id,omitempty"`
	State          string         `json:"state"`
	PreviousState  *string        `json:"previous_state"`
	TransitionName *string        `json:"transition_name,omitempty"`
	TriggeredBy    *ActorResponse `json:"triggered_by"`
	ContextData    map[string]any `json:"context_data,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Denormalized   map[string]any `json:"denormalized,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

type HistoryResponse struct {
	Count   int                     `json:"count"`
	Results []HistoryRecordResponse `json:"results"`
}

// historyResponse expands triggered_by ids to user details. Actor ids are
// weak references, so an id without a users row still comes back as {id}.
func historyResponse(ctx context.Context, r repo.Repo, recs []domain.StateRecord, includeContext bool) (HistoryResponse, error) {
	actors := map[int64]*ActorResponse{}
	results := make([]HistoryRecordResponse, 0, len(recs))
	for _, rec := range recs {
		base := recordResponse(rec, includeContext)
		item := HistoryRecordResponse{
			ID:             base.ID,
			EntityType:     base.EntityType,
			EntityID:       base.EntityID,
			OrgID:          base.OrgID,
			State:          base.State,
			PreviousState:  base.PreviousState,
			TransitionName: base.TransitionName,
			ContextData:    base.ContextData,
			Denormalized:   base.Denormalized,
			Reason:         base.Reason,
			CreatedAt:      base.CreatedAt,
		}
		if rec.TriggeredBy != nil {
			id := *rec.TriggeredBy
			actor, ok := actors[id]
			if !ok {
				u, err := r.GetUser(ctx, id)
				switch {
				case errors.Is(err, repo.ErrNotFound):
					actor = &ActorResponse{ID: id}
				case err != nil:
					return HistoryResponse{}, err
				default:
					actor = &ActorResponse{ID: u.ID, Email: u.Email, FirstName: u.FirstName, LastName: u.LastName}
				}
				actors[id] = actor
			}
			item.TriggeredBy = actor
		}
		results = append(results, item)
	}
	return HistoryResponse{Count: len(results), Results: results}, nil
}

type ChoiceResponse struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type StateTypeResponse struct {
	EntityType string           `json:"entity_type"`
	Initial    string           `json:"initial"`
	States     []ChoiceResponse `json:"states"`
}

func stateTypeResponse(st registry.StateType) StateTypeResponse {
	resp := StateTypeResponse{
		EntityType: st.Name,
		Initial:    st.Choices.Initial,
		States:     []ChoiceResponse{},
	}
	for _, c := range st.Choices.Values {
		resp.States = append(resp.States, ChoiceResponse{Value: c.Value, Label: c.Label})
	}
	return resp
}

type TransitionRequest struct {
	NewState string         `json:"new_state"`
	Reason   string         `json:"reason,omitempty"`
	Context  map[string]any `json:"context,omitempty" jsonschema:"type=object,additionalProperties=true"`
	// ExpectedPreviousState makes the write conditional; mismatches return 409.
	ExpectedPreviousState *string `json:"expected_previous_state,omitempty"`
}

type ExecuteTransitionRequest struct {
	Payload map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type TransitionListResponse struct {
	EntityType  string   `json:"entity_type"`
	Transitions []string `json:"transitions"`
}

type WarmCacheRequest struct {
	EntityType string  `json:"entity_type"`
	IDs        []int64 `json:"ids"`
}

type WarmCacheResponse struct {
	Warmed int `json:"warmed"`
}

type StateCountsResponse struct {
	EntityType string           `json:"entity_type"`
	Counts     map[string]int64 `json:"counts"`
}

type CreateProjectRequest struct {
	Title string `json:"title"`
	OrgID int64  `json:"org_id,omitempty"`
}

type CreateTaskRequest struct {
	Data  string `json:"data,omitempty"`
	OrgID int64  `json:"org_id,omitempty"`
}

type CreateAnnotationRequest struct {
	TaskID        int64  `json:"task_id"`
	Result        string `json:"result,omitempty"`
	CompletedByID *int64 `json:"completed_by_id,omitempty"`
	OrgID         int64  `json:"org_id,omitempty"`
}

type CreateUserRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// APIKeyResponse carries the raw key only on creation; afterwards only the
// hash exists server side.
type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}
