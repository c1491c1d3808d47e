// Package errors provides sentinel errors and custom error types for the branchflow engine.
// Use errors.Is() and errors.As() to check for specific error types.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// ErrValidation indicates that a task or its options failed validation
	ErrValidation = errors.New("validation failed")

	// ErrGitOperation indicates that a git operation failed
	ErrGitOperation = errors.New("git operation failed")

	// ErrMergeConflict indicates that a merge encountered a conflict
	ErrMergeConflict = errors.New("merge conflict")

	// ErrConfiguration indicates that the engine configuration is unusable
	ErrConfiguration = errors.New("configuration error")

	// ErrFallbackExhausted indicates that both the primary and fallback paths failed
	ErrFallbackExhausted = errors.New("fallback exhausted")

	// ErrUnknownMergeTarget indicates a merge target outside the configured set
	ErrUnknownMergeTarget = errors.New("unknown merge target")
)

// ValidationError represents an invalid task or invalid workflow options.
// It is fatal to the submission that produced it and nothing else.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is returns true if the target error is ErrValidation
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// GitOperationError represents a failed git operation. Transient errors
// (network, lock contention) feed the retry policy; permanent ones do not.
type GitOperationError struct {
	Operation string
	Args      []string
	Stdout    string
	Stderr    string
	Transient bool
	Err       error
}

func (e *GitOperationError) Error() string {
	msg := fmt.Sprintf("git %s failed", e.Operation)
	if len(e.Args) > 0 {
		msg += fmt.Sprintf(" %v", e.Args)
	}
	if e.Stderr != "" {
		msg += fmt.Sprintf("\nstderr: %s", e.Stderr)
	}
	if e.Stdout != "" {
		msg += fmt.Sprintf("\nstdout: %s", e.Stdout)
	}
	if e.Err != nil {
		msg += fmt.Sprintf("\n%v", e.Err)
	}
	return msg
}

func (e *GitOperationError) Unwrap() error {
	return e.Err
}

// Is returns true if the target error is ErrGitOperation
func (e *GitOperationError) Is(target error) bool {
	return target == ErrGitOperation
}

// NewGitOperationError creates a new GitOperationError
func NewGitOperationError(operation string, args []string, stdout, stderr string, transient bool, err error) *GitOperationError {
	return &GitOperationError{
		Operation: operation,
		Args:      args,
		Stdout:    stdout,
		Stderr:    stderr,
		Transient: transient,
		Err:       err,
	}
}

// IsTransient reports whether err should feed the retry policy.
// Timeouts on external calls count as transient.
func IsTransient(err error) bool {
	var gitErr *GitOperationError
	if errors.As(err, &gitErr) {
		return gitErr.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// MergeConflictError represents a merge that requires human resolution.
// It is never retried automatically and the branch is preserved.
type MergeConflictError struct {
	BranchName string
	Target     string
	Message    string
}

func (e *MergeConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("merge conflict merging %s into %s: %s", e.BranchName, e.Target, e.Message)
	}
	return fmt.Sprintf("merge conflict merging %s into %s", e.BranchName, e.Target)
}

// Is returns true if the target error is ErrMergeConflict
func (e *MergeConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}

// NewMergeConflictError creates a new MergeConflictError
func NewMergeConflictError(branchName, mergeTarget, message string) *MergeConflictError {
	return &MergeConflictError{
		BranchName: branchName,
		Target:     mergeTarget,
		Message:    message,
	}
}

// ConfigurationError represents a fatal configuration problem, such as a
// missing base branch or an unreachable repository. No fallback is attempted.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Setting, e.Message)
}

// Is returns true if the target error is ErrConfiguration
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigurationError creates a new ConfigurationError
func NewConfigurationError(setting, message string) *ConfigurationError {
	return &ConfigurationError{Setting: setting, Message: message}
}

// FallbackExhaustedError indicates both the primary and fallback paths failed
// for one workflow run.
type FallbackExhaustedError struct {
	WorkflowID string
	Primary    error
	Fallback   error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("workflow %s: primary and fallback paths failed: primary: %v, fallback: %v",
		e.WorkflowID, e.Primary, e.Fallback)
}

func (e *FallbackExhaustedError) Unwrap() error {
	return e.Fallback
}

// Is returns true if the target error is ErrFallbackExhausted
func (e *FallbackExhaustedError) Is(target error) bool {
	return target == ErrFallbackExhausted
}

// NewFallbackExhaustedError creates a new FallbackExhaustedError
func NewFallbackExhaustedError(workflowID string, primary, fallback error) *FallbackExhaustedError {
	return &FallbackExhaustedError{WorkflowID: workflowID, Primary: primary, Fallback: fallback}
}
