package fsm

import (
	"fmt"
	"strings"

	"statetrail/internal/domain"
)

// Built-in transitions for the core entity types. Extensions register their
// own through the same Definitions.

func stringField(v *Violations, payload map[string]any, key string, required bool) string {
	raw, ok := payload[key]
	if !ok || raw == nil {
		if required {
			v.Add(key, "required")
		}
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		v.Add(key, "must be a string")
		return ""
	}
	if required && strings.TrimSpace(s) == "" {
		v.Add(key, "must not be empty")
	}
	return s
}

func floatField(v *Violations, payload map[string]any, key string, required bool) (float64, bool) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		if required {
			v.Add(key, "required")
		}
		return 0, false
	}
	switch n := raw.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		v.Add(key, "must be a number")
		return 0, false
	}
}

type startTask struct{}

func (startTask) Name() string                         { return "start" }
func (startTask) TargetState(*Context) (string, error) { return "IN_PROGRESS", nil }
func (startTask) Validate(*Context) error              { return nil }
func (startTask) Payload(*Context) map[string]any      { return nil }

type completeTask struct {
	comment string
}

func (completeTask) Name() string                         { return "complete" }
func (completeTask) TargetState(*Context) (string, error) { return "COMPLETED", nil }
func (completeTask) Validate(*Context) error              { return nil }
func (t completeTask) Payload(*Context) map[string]any {
	if t.comment == "" {
		return nil
	}
	return map[string]any{"comment": t.comment}
}

type submitAnnotation struct {
	result string
}

func (submitAnnotation) Name() string                         { return "submit" }
func (submitAnnotation) TargetState(*Context) (string, error) { return "SUBMITTED", nil }
func (submitAnnotation) Validate(*Context) error              { return nil }
func (t submitAnnotation) Payload(*Context) map[string]any {
	return map[string]any{"result": t.result}
}

type reviewAnnotation struct {
	verdict string
	comment string
}

func (reviewAnnotation) Name() string { return "review" }

func (t reviewAnnotation) TargetState(*Context) (string, error) {
	if t.verdict == "accept" {
		return "ACCEPTED", nil
	}
	return "REJECTED", nil
}

// Validate rejects self-review: the reviewer must not be the annotator.
func (t reviewAnnotation) Validate(tc *Context) error {
	a, ok := tc.Entity.(domain.Annotation)
	if !ok {
		return nil
	}
	if tc.Actor != nil && a.CompletedByID != nil && *tc.Actor == *a.CompletedByID {
		return &TransitionValidationError{
			Message: "annotators cannot review their own annotations",
			Context: map[string]any{"annotation_id": a.ID, "actor": *tc.Actor},
		}
	}
	return nil
}

func (t reviewAnnotation) Payload(*Context) map[string]any {
	p := map[string]any{"verdict": t.verdict}
	if t.comment != "" {
		p["comment"] = t.comment
	}
	return p
}

// autoReviewThreshold is the confidence at or above which an automatic
// review accepts.
const autoReviewThreshold = 0.8

type autoReviewAnnotation struct {
	confidence float64
}

func (autoReviewAnnotation) Name() string { return "auto_review" }

func (t autoReviewAnnotation) TargetState(*Context) (string, error) {
	if t.confidence >= autoReviewThreshold {
		return "ACCEPTED", nil
	}
	return "REJECTED", nil
}

func (autoReviewAnnotation) Validate(*Context) error { return nil }

func (t autoReviewAnnotation) Payload(*Context) map[string]any {
	return map[string]any{"confidence": t.confidence, "threshold": autoReviewThreshold}
}

// RegisterCoreTransitions installs the built-in task and annotation
// transitions on t.
func RegisterCoreTransitions(t *Transitions) {
	t.Register(Definition{
		Name:       "start",
		EntityType: "task",
		CanFrom:    FromStates("CREATED", "ASSIGNED"),
		New: func(map[string]any) (Transition, error) {
			return startTask{}, nil
		},
	})
	t.Register(Definition{
		Name:       "complete",
		EntityType: "task",
		CanFrom:    FromStates("IN_PROGRESS"),
		New: func(payload map[string]any) (Transition, error) {
			var v Violations
			comment := stringField(&v, payload, "comment", false)
			if err := v.Err(); err != nil {
				return nil, err
			}
			return completeTask{comment: comment}, nil
		},
	})
	t.Register(Definition{
		Name:       "submit",
		EntityType: "annotation",
		CanFrom:    FromStates("", "DRAFT", "UPDATED"),
		New: func(payload map[string]any) (Transition, error) {
			var v Violations
			result := stringField(&v, payload, "result", true)
			if err := v.Err(); err != nil {
				return nil, err
			}
			return submitAnnotation{result: result}, nil
		},
	})
	t.Register(Definition{
		Name:       "review",
		EntityType: "annotation",
		CanFrom:    FromStates("SUBMITTED", "UPDATED"),
		New: func(payload map[string]any) (Transition, error) {
			var v Violations
			verdict := stringField(&v, payload, "verdict", true)
			if verdict != "" && verdict != "accept" && verdict != "reject" {
				v.Add("verdict", fmt.Sprintf("%q is not one of accept, reject", verdict))
			}
			comment := stringField(&v, payload, "comment", false)
			if err := v.Err(); err != nil {
				return nil, err
			}
			return reviewAnnotation{verdict: verdict, comment: comment}, nil
		},
	})
	t.Register(Definition{
		Name:       "auto_review",
		EntityType: "annotation",
		CanFrom:    FromStates("SUBMITTED"),
		New: func(payload map[string]any) (Transition, error) {
			var v Violations
			confidence, ok := floatField(&v, payload, "confidence", true)
			if ok && (confidence < 0 || confidence > 1) {
				v.Add("confidence", "must be between 0 and 1")
			}
			if err := v.Err(); err != nil {
				return nil, err
			}
			return autoReviewAnnotation{confidence: confidence}, nil
		},
	})
}
