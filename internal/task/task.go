// Package task defines the task and workflow option types submitted to the engine.
package task

import (
	bferrors "branchflow.dev/branchflow/internal/errors"
)

// Task is one unit of automated development work. Immutable once submitted.
type Task struct {
	ID          string
	Title       string
	Description string
	Type        string
	Metadata    Metadata
}

// Metadata carries collaborator-supplied context for a task.
type Metadata struct {
	ProjectPath string
	Extra       map[string]string
}

// Validate checks the task for problems that make it unrunnable.
func (t Task) Validate() error {
	if t.ID == "" {
		return bferrors.NewValidationError("task.id", "must not be empty")
	}
	if t.Type == "" {
		return bferrors.NewValidationError("task.type", "must not be empty")
	}
	if t.Metadata.ProjectPath == "" {
		return bferrors.NewValidationError("task.metadata.projectPath", "must not be empty")
	}
	return nil
}
