package domain

// Entity is anything whose lifecycle the state log tracks. Names are
// explicit; the engine never derives them from runtime types.
type Entity interface {
	EntityName() string
	EntityID() int64
	OrganizationID() int64
}

type Project struct {
	ID        int64  `json:"id"`
	OrgID     int64  `json:"org_id"`
	Title     string `json:"title"`
	CreatedBy *int64 `json:"created_by,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func (p Project) EntityName() string    { return "project" }
func (p Project) EntityID() int64       { return p.ID }
func (p Project) OrganizationID() int64 { return p.OrgID }

type Task struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	OrgID     int64  `json:"org_id"`
	Data      string `json:"data,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func (t Task) EntityName() string    { return "task" }
func (t Task) EntityID() int64       { return t.ID }
func (t Task) OrganizationID() int64 { return t.OrgID }

type Annotation struct {
	ID            int64  `json:"id"`
	TaskID        int64  `json:"task_id"`
	ProjectID     int64  `json:"project_id"`
	OrgID         int64  `json:"org_id"`
	CompletedByID *int64 `json:"completed_by_id,omitempty"`
	Result        string `json:"result,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

func (a Annotation) EntityName() string    { return "annotation" }
func (a Annotation) EntityID() int64       { return a.ID }
func (a Annotation) OrganizationID() int64 { return a.OrgID }

// User is the actor recorded as the trigger of a transition.
type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StateRecord is one immutable entry in an entity's state log. Records are
// inserted, never updated or deleted; the current state of an entity is the
// record with the largest id. The id is a UUIDv7, so it also encodes the
// creation timestamp.
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
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
