// Package workflow contains the orchestrator that drives a task's branch and
// merge lifecycle around the external git primitive and code-hosting API.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"branchflow.dev/branchflow/internal/audit"
	"branchflow.dev/branchflow/internal/branchname"
	"branchflow.dev/branchflow/internal/config"
	bferrors "branchflow.dev/branchflow/internal/errors"
	"branchflow.dev/branchflow/internal/events"
	"branchflow.dev/branchflow/internal/git"
	"branchflow.dev/branchflow/internal/github"
	"branchflow.dev/branchflow/internal/policy"
	"branchflow.dev/branchflow/internal/routing"
	"branchflow.dev/branchflow/internal/task"
)

// Manager orchestrates workflow runs. Runs on different projects proceed in
// parallel; operations touching one project's repository are serialized in
// submission order.
type Manager struct {
	cfg      *config.Config
	table    *routing.Table
	policy   *policy.Engine
	git      git.Primitive
	hosting  github.Client
	recorder *audit.Recorder
	bus      *events.Bus
	fallback *FallbackCoordinator
	logger   *zap.Logger
	locks    *projectLocks

	mu        sync.Mutex
	runs      map[string]*Run
	usedNames map[string]map[string]bool
}

// NewManager wires the orchestrator. hosting may be nil when the code-hosting
// integration is disabled; pull-request options are then rejected at
// submission.
func NewManager(cfg *config.Config, table *routing.Table, policyEngine *policy.Engine, gitPrimitive git.Primitive, hosting github.Client, recorder *audit.Recorder, bus *events.Bus, logger *zap.Logger) *Manager {
	locks := newProjectLocks()
	return &Manager{
		cfg:      cfg,
		table:    table,
		policy:   policyEngine,
		git:      gitPrimitive,
		hosting:  hosting,
		recorder: recorder,
		bus:      bus,
		fallback: NewFallbackCoordinator(gitPrimitive, cfg.Branches, recorder, bus, logger, cfg.Git.CommandTimeout, locks),
		logger:   logger,
		locks:    locks,

		runs:      make(map[string]*Run),
		usedNames: make(map[string]map[string]bool),
	}
}

// Run is the handle for one workflow run. The caller signals execution
// completion through it and awaits the terminal record.
type Run struct {
	ID   string
	Task task.Task

	manager   *Manager
	opts      task.WorkflowOptions
	strategy  routing.BranchStrategy
	policyRun *policy.Run
	cancel    context.CancelFunc
	ticket    *lockTicket

	execDone chan policy.Signals
	execOnce sync.Once
	done     chan struct{}

	mu           sync.Mutex
	record       audit.ExecutionRecord
	err          error
	prNumber     int
	autoMerged   bool
	mergeStarted bool
	followUp     bool
}

// Submit validates the task and options, resolves its branch strategy and
// starts the run asynchronously. Validation and configuration problems are
// returned here, before any git operation.
func (m *Manager) Submit(ctx context.Context, t task.Task, opts task.WorkflowOptions) (*Run, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if opts.MergeTarget != "" && !m.cfg.Branches.IsMergeTarget(opts.MergeTarget) {
		return nil, bferrors.NewValidationError("mergeTarget",
			fmt.Sprintf("%q is not a configured merge target", opts.MergeTarget))
	}
	if opts.CreatePullRequest && m.hosting == nil {
		return nil, bferrors.NewValidationError("createPullRequest", "code-hosting integration is disabled")
	}
	if err := m.git.ValidateRepository(ctx, t.Metadata.ProjectPath); err != nil {
		return nil, err
	}

	strategy := m.table.Resolve(t.Type)
	if opts.MergeTarget != "" {
		strategy.MergeTarget = opts.MergeTarget
	}

	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.NewString(),
		Task:      t,
		manager:   m,
		opts:      opts,
		strategy:  strategy,
		policyRun: m.policy.NewRun(),
		execDone:  make(chan policy.Signals, 1),
		done:      make(chan struct{}),
	}
	run.record = audit.ExecutionRecord{
		ID:          run.ID,
		TaskID:      t.ID,
		ProjectPath: t.Metadata.ProjectPath,
		BaseBranch:  strategy.BaseBranch,
		MergeTarget: strategy.MergeTarget,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.recorder.SaveRecord(run.record, "submitted")

	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	// The queue position for branch creation is taken here, synchronously,
	// so concurrent submissions against one project are served in
	// submission order.
	run.ticket = m.locks.Enqueue(t.Metadata.ProjectPath)

	// The run outlives the submitting call; only an explicit Cancel stops it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run.cancel = cancel
	go run.execute(runCtx)

	return run, nil
}

// GetStatus returns the execution record for a workflow run, live or
// historical.
func (m *Manager) GetStatus(ctx context.Context, workflowID string) (*audit.ExecutionRecord, error) {
	m.mu.Lock()
	run, ok := m.runs[workflowID]
	m.mu.Unlock()
	if ok {
		record := run.Record()
		return &record, nil
	}
	return m.recorder.GetRecord(ctx, workflowID)
}

// CompleteExecution signals that the task-execution collaborator has pushed
// its commits. Subsequent calls are ignored.
func (r *Run) CompleteExecution(signals policy.Signals) {
	r.execOnce.Do(func() {
		r.execDone <- signals
	})
}

// Cancel requests cancellation. Before merge starts the run fails promptly;
// once a merge is in flight it runs to completion and the run is marked for
// follow-up instead.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.mergeStarted {
		r.followUp = true
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.cancel()
}

// Wait blocks until the run reaches a terminal state or ctx is done.
func (r *Run) Wait(ctx context.Context) (*audit.ExecutionRecord, error) {
	select {
	case <-r.done:
		record := r.Record()
		r.mu.Lock()
		err := r.err
		r.mu.Unlock()
		return &record, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Record returns a snapshot of the run's execution record.
func (r *Run) Record() audit.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

// FollowUpRequested reports whether a cancellation arrived while a merge was
// in flight.
func (r *Run) FollowUpRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.followUp
}

func (r *Run) execute(ctx context.Context) {
	m := r.manager
	defer r.finish()

	// Phase 1: branch creation, serialized per project.
	if err := r.ticket.Wait(ctx); err != nil {
		r.fail(ctx, err)
		return
	}

	branchName := branchname.Generate(r.strategy, r.Task.ID, r.Task.Title, time.Now().UTC(), m.existsCheck(ctx, r.Task.Metadata.ProjectPath))
	m.reserveName(r.Task.Metadata.ProjectPath, branchName)
	r.setBranchName(branchName)

	start := time.Now()
	attempts, err := retryExternal(ctx, m.cfg.Git.MaxRetries, m.cfg.Git.RetryBaseDelay, m.cfg.Git.CommandTimeout, func(callCtx context.Context) error {
		return m.git.CreateBranch(callCtx, r.Task.Metadata.ProjectPath, branchName, r.strategy.BaseBranch)
	})
	r.addAttempts(attempts)
	r.audit(audit.OpBranchCreate, err, start)
	if err != nil {
		r.ticket.Release()
		r.fail(ctx, err)
		return
	}

	r.transition(StatusBranchCreated, "")
	m.bus.Publish(events.BranchCreated, events.BranchCreatedPayload{
		ProjectPath: r.Task.Metadata.ProjectPath,
		TaskID:      r.Task.ID,
		BranchName:  branchName,
		Timestamp:   time.Now().UTC(),
	})
	r.ticket.Release()

	// Phase 2: control returns to the execution collaborator; no lock is
	// held and no goroutine blocks beyond this select.
	r.transition(StatusAwaitingExecution, "")
	var signals policy.Signals
	select {
	case signals = <-r.execDone:
	case <-ctx.Done():
		r.fail(ctx, ctx.Err())
		return
	}

	resolved, err := r.policyRun.Evaluate(ctx, r.strategy, r.opts, signals)
	if err != nil {
		r.fail(ctx, err)
		return
	}
	r.transition(StatusReadyForReview, "")

	// Phase 3: push, serialized per project.
	ticket, err := m.locks.Acquire(ctx, r.Task.Metadata.ProjectPath)
	if err != nil {
		r.fail(ctx, err)
		return
	}
	start = time.Now()
	attempts, err = retryExternal(ctx, m.cfg.Git.MaxRetries, m.cfg.Git.RetryBaseDelay, m.cfg.Git.CommandTimeout, func(callCtx context.Context) error {
		return m.git.Push(callCtx, r.Task.Metadata.ProjectPath, branchName)
	})
	r.addAttempts(attempts)
	r.audit(audit.OpPush, err, start)
	ticket.Release()
	if err != nil {
		r.fail(ctx, err)
		return
	}

	m.bus.Publish(events.WorkflowExecuted, events.WorkflowExecutedPayload{
		WorkflowType: r.Task.Type,
		BranchName:   branchName,
	})

	// Phase 4: optional pull request.
	if r.opts.CreatePullRequest {
		if err := r.createPullRequest(ctx, resolved); err != nil {
			r.fail(ctx, err)
			return
		}
	}

	// Phase 5: optional auto-merge.
	if resolved.AutoMergeAllowed {
		if err := r.merge(ctx, branchName); err != nil {
			r.fail(context.WithoutCancel(ctx), err)
			return
		}
	}
}

func (r *Run) createPullRequest(ctx context.Context, resolved policy.ResolvedPolicy) error {
	m := r.manager

	var pr *github.PullRequestInfo
	start := time.Now()
	attempts, err := retryExternal(ctx, m.cfg.Git.MaxRetries, m.cfg.Git.RetryBaseDelay, m.cfg.Git.CommandTimeout, func(callCtx context.Context) error {
		created, prErr := m.hosting.CreatePullRequest(callCtx, github.CreatePROptions{
			Title:     r.Task.Title,
			Body:      r.Task.Description,
			Head:      r.Record().BranchName,
			Base:      r.strategy.MergeTarget,
			Draft:     r.opts.Draft,
			Reviewers: resolved.Reviewers,
			Labels:    r.opts.Labels,
		})
		if prErr != nil {
			return prErr
		}
		pr = created
		return nil
	})
	r.addAttempts(attempts)
	r.audit(audit.OpPRCreate, err, start)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.prNumber = pr.Number
	r.mu.Unlock()

	r.transition(StatusPRCreated, pr.HTMLURL)
	m.bus.Publish(events.PullRequestCreated, events.PullRequestCreatedPayload{
		PRURL:      pr.HTMLURL,
		BranchName: pr.Head,
	})
	return nil
}

// merge performs the auto-merge. Once started it runs to completion or
// failure: the context is detached from cancellation and a cancel request
// arriving mid-merge only marks the run for follow-up.
func (r *Run) merge(ctx context.Context, branchName string) error {
	m := r.manager

	r.mu.Lock()
	r.mergeStarted = true
	prNumber := r.prNumber
	r.mu.Unlock()

	mergeCtx := context.WithoutCancel(ctx)

	ticket, err := m.locks.Acquire(mergeCtx, r.Task.Metadata.ProjectPath)
	if err != nil {
		return err
	}
	defer ticket.Release()

	start := time.Now()
	var attempts int
	if prNumber > 0 {
		attempts, err = retryExternal(mergeCtx, m.cfg.Git.MaxRetries, m.cfg.Git.RetryBaseDelay, m.cfg.Git.CommandTimeout, func(callCtx context.Context) error {
			return m.hosting.MergePullRequest(callCtx, prNumber, string(r.opts.MergeStrategy))
		})
	} else {
		attempts, err = retryExternal(mergeCtx, m.cfg.Git.MaxRetries, m.cfg.Git.RetryBaseDelay, m.cfg.Git.CommandTimeout, func(callCtx context.Context) error {
			return m.git.Merge(callCtx, r.Task.Metadata.ProjectPath, branchName, r.strategy.MergeTarget, string(r.opts.MergeStrategy))
		})
	}
	r.addAttempts(attempts)
	r.audit(audit.OpMerge, err, start)
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		// A cancel arrived while the merge was in flight.
		r.mu.Lock()
		r.followUp = true
		r.mu.Unlock()
	}

	r.transition(StatusMerged, "")
	r.mu.Lock()
	r.autoMerged = true
	r.mu.Unlock()
	return nil
}

// fail records the failure and hands the run to the fallback coordinator.
// Configuration errors and cancellations end the run as failed with no
// fallback; everything else gets exactly one degraded-path attempt.
func (r *Run) fail(ctx context.Context, cause error) {
	m := r.manager

	r.mu.Lock()
	r.err = cause
	r.mu.Unlock()
	r.transition(StatusFailed, cause.Error())

	if errors.Is(cause, bferrors.ErrConfiguration) || errors.Is(cause, context.Canceled) {
		return
	}

	record := r.Record()
	outcome, err := m.fallback.Attempt(context.WithoutCancel(ctx), &record)
	if err != nil {
		m.logger.Error("fallback dispatch failed", zap.String("workflow_id", r.ID), zap.Error(err))
		return
	}

	r.transition(StatusFallbackUsed, outcome.Detail)
	switch outcome.Status {
	case StatusFallbackSucceeded:
		r.transition(StatusFallbackSucceeded, outcome.Detail)
	case StatusFallbackFailed:
		r.transition(StatusFallbackFailed, outcome.Detail)
		r.mu.Lock()
		r.err = bferrors.NewFallbackExhaustedError(r.ID, cause, errors.New(outcome.Detail))
		r.mu.Unlock()
	}
}

// finish publishes the terminal event and audit entry for the run.
func (r *Run) finish() {
	m := r.manager
	record := r.Record()

	r.mu.Lock()
	autoMerged := r.autoMerged
	runErr := r.err
	r.mu.Unlock()

	m.bus.Publish(events.WorkflowCompleted, events.WorkflowCompletedPayload{
		WorkflowID: r.ID,
		Status:     record.Status,
		AutoMerged: autoMerged,
		Notify:     r.opts.NotifyOnComplete,
		Timestamp:  time.Now().UTC(),
		Error:      record.Error,
	})
	if runErr != nil && r.opts.NotifyOnError {
		m.bus.Publish(events.WorkflowFailed, events.WorkflowCompletedPayload{
			WorkflowID: r.ID,
			Status:     record.Status,
			Timestamp:  time.Now().UTC(),
			Error:      record.Error,
		})
	}

	outcome := audit.OutcomeSuccess
	if runErr != nil {
		outcome = audit.OutcomeFailure
	}
	m.recorder.Record(audit.Entry{
		OperationType: audit.OpWorkflow,
		ProjectPath:   record.ProjectPath,
		TaskID:        record.TaskID,
		Outcome:       outcome,
		DurationMS:    time.Since(record.CreatedAt).Milliseconds(),
		Detail:        record.Status,
	})

	close(r.done)
}

// transition moves the record to a new status and persists the change as
// history. Illegal transitions indicate an engine bug and are logged, not
// applied.
func (r *Run) transition(to, detail string) {
	r.mu.Lock()
	from := r.record.Status
	if !canTransition(from, to) {
		r.mu.Unlock()
		r.manager.logger.Error("illegal status transition",
			zap.String("workflow_id", r.ID),
			zap.String("from", from),
			zap.String("to", to),
		)
		return
	}
	r.record.Status = to
	r.record.UpdatedAt = time.Now().UTC()
	if to == StatusFailed {
		r.record.Error = detail
	}
	record := r.record
	r.mu.Unlock()

	r.manager.logger.Info("workflow status",
		zap.String("workflow_id", r.ID),
		zap.String("task_id", r.Task.ID),
		zap.String("from", from),
		zap.String("to", to),
	)
	r.manager.recorder.SaveRecord(record, detail)
}

func (r *Run) setBranchName(name string) {
	r.mu.Lock()
	r.record.BranchName = name
	r.mu.Unlock()
}

func (r *Run) addAttempts(n int) {
	r.mu.Lock()
	r.record.Attempts += n
	r.mu.Unlock()
}

func (r *Run) audit(operation string, err error, start time.Time) {
	outcome := audit.OutcomeSuccess
	detail := ""
	if err != nil {
		outcome = audit.OutcomeFailure
		detail = err.Error()
	}
	r.manager.recorder.Record(audit.Entry{
		OperationType: operation,
		ProjectPath:   r.Task.Metadata.ProjectPath,
		TaskID:        r.Task.ID,
		Outcome:       outcome,
		DurationMS:    time.Since(start).Milliseconds(),
		Detail:        detail,
	})
}

// existsCheck combines remote/local ref lookup with the names this engine
// instance already handed out, keeping generated names unique for the
// process lifetime even before the branch hits the repository.
func (m *Manager) existsCheck(ctx context.Context, projectPath string) branchname.ExistsFunc {
	return func(name string) bool {
		m.mu.Lock()
		taken := m.usedNames[projectPath][name]
		m.mu.Unlock()
		if taken {
			return true
		}
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.Git.CommandTimeout)
		defer cancel()
		return m.git.BranchExists(callCtx, projectPath, name)
	}
}

func (m *Manager) reserveName(projectPath, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usedNames[projectPath] == nil {
		m.usedNames[projectPath] = make(map[string]bool)
	}
	m.usedNames[projectPath][name] = true
}
