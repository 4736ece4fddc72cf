package fsm

import (
	"fmt"
	"sort"
	"strings"
)

// NotFoundError marks a missing entity, state record or transition.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Key)
}

// ValidationError carries aggregated per-field input violations. All fields
// are checked before the error is returned; callers see every problem at
// once rather than the first.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		names = append(names, f)
	}
	sort.Strings(names)
	var parts []string
	for _, f := range names {
		parts = append(parts, f+": "+strings.Join(e.Fields[f], ", "))
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// Violations accumulates field errors during input binding. Err returns nil
// when nothing was added.
type Violations struct {
	fields map[string][]string
}

func (v *Violations) Add(field, msg string) {
	if v.fields == nil {
		v.fields = map[string][]string{}
	}
	v.fields[field] = append(v.fields[field], msg)
}

func (v *Violations) Err() error {
	if len(v.fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: v.fields}
}

// TransitionValidationError means a transition is not applicable to the
// entity in its current state, or its instance validation failed.
type TransitionValidationError struct {
	Message string
	Context map[string]any
}

func (e *TransitionValidationError) Error() string { return e.Message }

// ConflictError is returned by conditional writes when the observed
// previous state differs from the expected one.
type ConflictError struct {
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state conflict: expected previous state %q, found %q", e.Expected, e.Actual)
}

// ManagerError wraps storage failures after cache invalidation has run.
type ManagerError struct {
	Op  string
	Err error
}

func (e *ManagerError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *ManagerError) Unwrap() error { return e.Err }
