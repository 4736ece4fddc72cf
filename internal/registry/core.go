package registry

import "statetrail/internal/domain"

// Core state vocabularies. Extensions may replace or extend these at
// startup via Register.

func TaskChoices() Choices {
	return Choices{
		Name: "task_states",
		Values: []Choice{
			{Value: "CREATED", Label: "Created"},
			{Value: "ASSIGNED", Label: "Assigned"},
			{Value: "IN_PROGRESS", Label: "In Progress"},
			{Value: "COMPLETED", Label: "Completed"},
			{Value: "REVIEWED", Label: "Reviewed"},
		},
		Initial: "CREATED",
	}
}

func AnnotationChoices() Choices {
	return Choices{
		Name: "annotation_states",
		Values: []Choice{
			{Value: "DRAFT", Label: "Draft"},
			{Value: "SUBMITTED", Label: "Submitted"},
			{Value: "UPDATED", Label: "Updated"},
			{Value: "SKIPPED", Label: "Skipped"},
			{Value: "ACCEPTED", Label: "Accepted"},
			{Value: "REJECTED", Label: "Rejected"},
		},
		Initial: "DRAFT",
	}
}

func ProjectChoices() Choices {
	return Choices{
		Name: "project_states",
		Values: []Choice{
			{Value: "CREATED", Label: "Created"},
			{Value: "CONFIGURED", Label: "Configured"},
			{Value: "ACTIVE", Label: "Active"},
			{Value: "COMPLETED", Label: "Completed"},
			{Value: "ARCHIVED", Label: "Archived"},
		},
		Initial: "CREATED",
	}
}

// RegisterCore installs the built-in task, annotation and project state
// types on r.
func RegisterCore(r *Registry) {
	r.Register(StateType{
		Name:    "task",
		Choices: TaskChoices(),
		Denormalize: func(e domain.Entity) map[string]any {
			t, ok := e.(domain.Task)
			if !ok {
				return nil
			}
			return map[string]any{"project_id": t.ProjectID}
		},
	})
	r.Register(StateType{
		Name:    "annotation",
		Choices: AnnotationChoices(),
		Denormalize: func(e domain.Entity) map[string]any {
			a, ok := e.(domain.Annotation)
			if !ok {
				return nil
			}
			d := map[string]any{"task_id": a.TaskID, "project_id": a.ProjectID}
			if a.CompletedByID != nil {
				d["completed_by_id"] = *a.CompletedByID
			}
			return d
		},
	})
	r.Register(StateType{
		Name:    "project",
		Choices: ProjectChoices(),
		Denormalize: func(e domain.Entity) map[string]any {
			p, ok := e.(domain.Project)
			if !ok {
				return nil
			}
			return map[string]any{"title": p.Title}
		},
	})
}
