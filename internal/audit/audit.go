// Package audit provides the durable, queryable log of every operation
// attempt and outcome, plus aggregate metrics derived from it.
package audit

import "time"

// Outcomes recorded for operations.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Operation types recorded for workflow steps.
const (
	OpBranchCreate = "branch_create"
	OpPush         = "push"
	OpPRCreate     = "pr_create"
	OpMerge        = "merge"
	OpFallback     = "fallback"
	OpWorkflow     = "workflow"
)

// Entry is one immutable line in the audit log.
type Entry struct {
	Timestamp     time.Time
	OperationType string
	ProjectPath   string
	TaskID        string
	Outcome       string
	DurationMS    int64
	Detail        string
}

// QueryFilter narrows audit queries. Zero fields match everything.
type QueryFilter struct {
	StartDate     time.Time
	EndDate       time.Time
	OperationType string
}

// MetricsSnapshot is derived on demand from the stored entries; it is never
// held as mutable state.
type MetricsSnapshot struct {
	TotalExecutions     int64
	SuccessRate         float64
	AverageDurationMS   float64
	BranchCreationCount int64
}

// ExecutionRecord is the durable state of one workflow run. It is owned
// exclusively by the workflow manager and persisted here; status transitions
// are appended to its history, never overwritten.
type ExecutionRecord struct {
	ID          string
	TaskID      string
	ProjectPath string
	BranchName  string
	BaseBranch  string
	MergeTarget string
	Status      string
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Error       string
}

// StatusTransition is one entry in a record's status history.
type StatusTransition struct {
	WorkflowID     string
	Status         string
	Detail         string
	TransitionedAt time.Time
}
