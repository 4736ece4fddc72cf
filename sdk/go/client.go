package statetrailsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Statetrail HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api/v1",
		Timeout:  10 * time.Second,
	}
}

// StateRecord is one entry in an entity's state log.
type StateRecord struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityID       int64          `json:"entity_id"`
	OrgID          int64          `json:"org_id,omitempty"`
	State          string         `json:"state"`
	PreviousState  *string        `json:"previous_state"`
	TransitionName *string        `json:"transition_name,omitempty"`
	TriggeredBy    *int64         `json:"triggered_by,omitempty"`
	ContextData    map[string]any `json:"context_data,omitempty"`
	Denormalized   map[string]any `json:"denormalized,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

// CurrentState is the latest state of an entity. State is nil when the
// entity has never transitioned.
type CurrentState struct {
	EntityType string  `json:"entity_type"`
	EntityID   int64   `json:"entity_id"`
	State      *string `json:"state"`
}

// Actor identifies who triggered a transition. Only ID is guaranteed; the
// rest is filled in when the server still knows the user.
type Actor struct {
	ID        int64  `json:"id"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// HistoryRecord is one history entry with its actor expanded.
type HistoryRecord struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityID       int64          `json:"entity_id"`
	OrgID          int64          `json:"org_id,omitempty"`
	State          string         `json:"state"`
	PreviousState  *string        `json:"previous_state"`
	TransitionName *string        `json:"transition_name,omitempty"`
	TriggeredBy    *Actor         `json:"triggered_by"`
	ContextData    map[string]any `json:"context_data,omitempty"`
	Denormalized   map[string]any `json:"denormalized,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

// HistoryPage is the history endpoint's envelope.
type HistoryPage struct {
	Count   int             `json:"count"`
	Results []HistoryRecord `json:"results"`
}

// Choice is one allowed state value.
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// StateType is an entity type's state vocabulary.
type StateType struct {
	EntityType string   `json:"entity_type"`
	Initial    string   `json:"initial"`
	States     []Choice `json:"states"`
}

// StateCounts maps states to record counts over a window.
type StateCounts struct {
	EntityType string           `json:"entity_type"`
	Counts     map[string]int64 `json:"counts"`
}

// TransitionOptions customizes a direct state write.
type TransitionOptions struct {
	Reason                string
	Context               map[string]any
	ExpectedPreviousState *string
}

// APIError wraps non-2xx responses. The server's error envelope, if any, is
// carried verbatim in Body.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CurrentState returns the entity's latest state.
func (c *Client) CurrentState(ctx context.Context, entityType string, entityID int64) (CurrentState, error) {
	var resp CurrentState
	err := c.do(ctx, http.MethodGet, c.entityPath(entityType, entityID, "current"), nil, &resp)
	return resp, err
}

// CurrentRecord returns the full latest state record.
func (c *Client) CurrentRecord(ctx context.Context, entityType string, entityID int64) (StateRecord, error) {
	var resp StateRecord
	err := c.do(ctx, http.MethodGet, c.entityPath(entityType, entityID, "record"), nil, &resp)
	return resp, err
}

// History returns the entity's state records, newest first. limit <= 0 uses
// the server default. Set includeContext to get context and denormalized
// data on each record.
func (c *Client) History(ctx context.Context, entityType string, entityID int64, limit int, includeContext bool) (HistoryPage, error) {
	endpoint := c.entityPath(entityType, entityID, "history")
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if includeContext {
		q.Set("include_context", "true")
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp HistoryPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition appends a state record for the entity.
func (c *Client) Transition(ctx context.Context, entityType string, entityID int64, newState string, opts TransitionOptions) (StateRecord, error) {
	body := map[string]any{"new_state": newState}
	if opts.Reason != "" {
		body["reason"] = opts.Reason
	}
	if opts.Context != nil {
		body["context"] = opts.Context
	}
	if opts.ExpectedPreviousState != nil {
		body["expected_previous_state"] = *opts.ExpectedPreviousState
	}
	var resp StateRecord
	err := c.do(ctx, http.MethodPost, c.entityPath(entityType, entityID, "transition"), body, &resp)
	return resp, err
}

// ExecuteTransition runs a registered transition by name with a payload.
func (c *Client) ExecuteTransition(ctx context.Context, entityType string, entityID int64, name string, payload map[string]any) (StateRecord, error) {
	body := map[string]any{}
	if payload != nil {
		body["payload"] = payload
	}
	endpoint := c.entityPath(entityType, entityID, "transitions/"+url.PathEscape(name))
	var resp StateRecord
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AvailableTransitions lists transitions applicable to the entity now.
func (c *Client) AvailableTransitions(ctx context.Context, entityType string, entityID int64) ([]string, error) {
	var resp struct {
		Transitions []string `json:"transitions"`
	}
	err := c.do(ctx, http.MethodGet, c.entityPath(entityType, entityID, "transitions"), nil, &resp)
	return resp.Transitions, err
}

// RegisteredTransitions lists every transition registered for the type.
func (c *Client) RegisteredTransitions(ctx context.Context, entityType string) ([]string, error) {
	var resp struct {
		Transitions []string `json:"transitions"`
	}
	endpoint := c.path("transitions/" + url.PathEscape(entityType))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Transitions, err
}

// StateTypes lists the registered state vocabularies.
func (c *Client) StateTypes(ctx context.Context) ([]StateType, error) {
	var resp []StateType
	err := c.do(ctx, http.MethodGet, c.path("states"), nil, &resp)
	return resp, err
}

// Records lists state records for a type in a time window, newest first.
// Zero times use the server default window; states filters by state value.
func (c *Client) Records(ctx context.Context, entityType string, start, end time.Time, states []string, limit int) ([]StateRecord, error) {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("start", start.Format(time.RFC3339))
	}
	if !end.IsZero() {
		q.Set("end", end.Format(time.RFC3339))
	}
	if len(states) > 0 {
		q.Set("state", strings.Join(states, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.path("states/" + url.PathEscape(entityType) + "/records")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []StateRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stats returns per-state record counts for a type over a window.
func (c *Client) Stats(ctx context.Context, entityType string, start, end time.Time) (StateCounts, error) {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("start", start.Format(time.RFC3339))
	}
	if !end.IsZero() {
		q.Set("end", end.Format(time.RFC3339))
	}
	endpoint := c.path("states/" + url.PathEscape(entityType) + "/stats")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp StateCounts
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WarmCache primes the server's current-state cache for a batch of entities
// and returns how many had a state.
func (c *Client) WarmCache(ctx context.Context, entityType string, ids []int64) (int, error) {
	body := map[string]any{"entity_type": entityType, "ids": ids}
	var resp struct {
		Warmed int `json:"warmed"`
	}
	err := c.do(ctx, http.MethodPost, c.path("cache/warm"), body, &resp)
	return resp.Warmed, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) entityPath(entityType string, entityID int64, tail string) string {
	return c.path(fmt.Sprintf("states/%s/%d/%s",
		url.PathEscape(entityType), entityID, strings.TrimLeft(tail, "/")))
}

func (c *Client) path(p string) string {
	base := c.BasePath
	if base == "" {
		base = "/api/v1"
	}
	return strings.Trim(base, "/") + "/" + strings.TrimLeft(p, "/")
}
