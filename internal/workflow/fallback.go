package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"branchflow.dev/branchflow/internal/audit"
	"branchflow.dev/branchflow/internal/config"
	"branchflow.dev/branchflow/internal/events"
	"branchflow.dev/branchflow/internal/git"
)

// FallbackOutcome is the result of one degraded-path attempt.
type FallbackOutcome struct {
	// Status is the workflow status the run settles into: fallback_succeeded,
	// fallback_failed, or fallback_used when a human must finish the merge.
	Status string
	Detail string
}

// FallbackCoordinator executes the degraded path after the primary workflow
// is exhausted. It never creates pull requests and never auto-merges; its job
// is a minimal-risk action appropriate to where the primary path failed.
type FallbackCoordinator struct {
	git         git.Primitive
	branches    config.BranchesConfig
	recorder    *audit.Recorder
	bus         *events.Bus
	logger      *zap.Logger
	callTimeout time.Duration
	locks       *projectLocks

	mu        sync.Mutex
	attempted map[string]bool
}

// NewFallbackCoordinator creates a coordinator. locks is the same per-project
// queue the primary workflow serializes on; the degraded path takes the same
// ticket before touching the repository.
func NewFallbackCoordinator(gitPrimitive git.Primitive, branches config.BranchesConfig, recorder *audit.Recorder, bus *events.Bus, logger *zap.Logger, callTimeout time.Duration, locks *projectLocks) *FallbackCoordinator {
	return &FallbackCoordinator{
		git:         gitPrimitive,
		branches:    branches,
		recorder:    recorder,
		bus:         bus,
		logger:      logger,
		callTimeout: callTimeout,
		locks:       locks,
		attempted:   make(map[string]bool),
	}
}

// Attempt runs the degraded path for a failed workflow. It runs at most once
// per workflow run, keyed by the record ID; a second call is an error. The
// outcome is always recorded and always emitted as an event.
func (c *FallbackCoordinator) Attempt(ctx context.Context, record *audit.ExecutionRecord) (FallbackOutcome, error) {
	c.mu.Lock()
	if c.attempted[record.ID] {
		c.mu.Unlock()
		return FallbackOutcome{}, fmt.Errorf("fallback already attempted for workflow %s", record.ID)
	}
	c.attempted[record.ID] = true
	c.mu.Unlock()

	start := time.Now()
	outcome := c.run(ctx, record)

	c.recorder.Record(audit.Entry{
		OperationType: audit.OpFallback,
		ProjectPath:   record.ProjectPath,
		TaskID:        record.TaskID,
		Outcome:       fallbackAuditOutcome(outcome.Status),
		DurationMS:    time.Since(start).Milliseconds(),
		Detail:        outcome.Detail,
	})
	c.bus.Publish(events.FallbackAttempted, events.FallbackAttemptedPayload{
		WorkflowID: record.ID,
		Outcome:    outcome.Status,
		Detail:     outcome.Detail,
	})

	return outcome, nil
}

func (c *FallbackCoordinator) run(ctx context.Context, record *audit.ExecutionRecord) FallbackOutcome {
	// Repository operations stay serialized per project on the degraded path
	// too; a fallback create must never interleave with another run's git
	// operations.
	ticket, err := c.locks.Acquire(ctx, record.ProjectPath)
	if err != nil {
		return FallbackOutcome{
			Status: StatusFallbackFailed,
			Detail: fmt.Sprintf("could not serialize repository access: %v", err),
		}
	}
	defer ticket.Release()

	branchExists := record.BranchName != "" && c.branchExists(ctx, record)

	if !branchExists {
		// Branch creation was the failure point: one retry against the
		// alternate base-branch candidate.
		alternate := c.alternateBase(record.BaseBranch)
		c.logger.Info("fallback: retrying branch creation against alternate base",
			zap.String("workflow_id", record.ID),
			zap.String("branch", record.BranchName),
			zap.String("alternate_base", alternate),
		)

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err := c.git.CreateBranch(callCtx, record.ProjectPath, record.BranchName, alternate)
		cancel()
		if err != nil {
			return FallbackOutcome{
				Status: StatusFallbackFailed,
				Detail: fmt.Sprintf("branch creation failed against alternate base %s: %v", alternate, err),
			}
		}
		return FallbackOutcome{
			Status: StatusFallbackSucceeded,
			Detail: fmt.Sprintf("branch %s created from alternate base %s", record.BranchName, alternate),
		}
	}

	// The branch exists, so the failure was at push, PR or merge. Leave the
	// branch intact for a human to complete the merge; auto-merge is never
	// permitted during fallback.
	return FallbackOutcome{
		Status: StatusFallbackUsed,
		Detail: fmt.Sprintf("branch %s preserved for manual completion", record.BranchName),
	}
}

func (c *FallbackCoordinator) branchExists(ctx context.Context, record *audit.ExecutionRecord) bool {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.git.BranchExists(callCtx, record.ProjectPath, record.BranchName)
}

// alternateBase returns the other of the two configured base-branch
// candidates (development and production).
func (c *FallbackCoordinator) alternateBase(base string) string {
	if base == c.branches.Development {
		return c.branches.Production
	}
	return c.branches.Development
}

func fallbackAuditOutcome(status string) string {
	if status == StatusFallbackFailed {
		return audit.OutcomeFailure
	}
	return audit.OutcomeSuccess
}
