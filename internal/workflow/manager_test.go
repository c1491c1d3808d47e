package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"branchflow.dev/branchflow/internal/audit"
	bferrors "branchflow.dev/branchflow/internal/errors"
	"branchflow.dev/branchflow/internal/events"
	"branchflow.dev/branchflow/internal/policy"
	"branchflow.dev/branchflow/internal/task"
)

func defaultOptions(t *testing.T) task.WorkflowOptions {
	t.Helper()
	opts, err := task.NewOptionsBuilder().Build()
	require.NoError(t, err)
	return opts
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	t.Run("invalid task is rejected before any git call", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		h := newHarness(t, fg, nil)

		_, err := h.manager.Submit(context.Background(), task.Task{Title: "no id"}, defaultOptions(t))
		require.ErrorIs(t, err, bferrors.ErrValidation)
		require.Empty(t, fg.callLog())
	})

	t.Run("unknown merge target is rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, newFakeGit(), nil)

		opts, err := task.NewOptionsBuilder().MergeTarget("staging").Build()
		require.NoError(t, err)

		_, err = h.manager.Submit(context.Background(), bugTask("TASK-1", "/repos/api"), opts)
		require.ErrorIs(t, err, bferrors.ErrValidation)
		require.Contains(t, err.Error(), "staging")
	})

	t.Run("pull request without hosting integration is rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, newFakeGit(), nil)

		opts, err := task.NewOptionsBuilder().CreatePullRequest(true).Build()
		require.NoError(t, err)

		_, err = h.manager.Submit(context.Background(), bugTask("TASK-1", "/repos/api"), opts)
		require.ErrorIs(t, err, bferrors.ErrValidation)
	})

	t.Run("unusable repository is a configuration error", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		fg.validateErr = bferrors.NewConfigurationError("projectPath", "/repos/api: not a repository")
		h := newHarness(t, fg, nil)

		_, err := h.manager.Submit(context.Background(), bugTask("TASK-1", "/repos/api"), defaultOptions(t))
		require.ErrorIs(t, err, bferrors.ErrConfiguration)
	})
}

func TestWorkflowLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("reviewed branch stops at ready for review", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		h := newHarness(t, fg, nil)

		run, err := h.manager.Submit(context.Background(), bugTask("TASK-1", "/repos/api"), defaultOptions(t))
		require.NoError(t, err)

		waitForStatus(t, h.manager, run.ID, StatusAwaitingExecution)
		run.CompleteExecution(policy.Signals{})

		record, err := awaitTerminal(t, run)
		require.NoError(t, err)
		require.Equal(t, StatusReadyForReview, record.Status)
		require.True(t, strings.HasPrefix(record.BranchName, "fix/"))
		require.Equal(t, "develop", record.BaseBranch)
		require.Equal(t, "main", record.MergeTarget)

		// a high-protection branch is never auto-merged
		require.Empty(t, fg.callsMatching("merge"))
		require.Len(t, fg.callsMatching("push"), 1)

		require.Len(t, h.events.named(events.BranchCreated), 1)
		require.Len(t, h.events.named(events.WorkflowExecuted), 1)
		completed := h.events.named(events.WorkflowCompleted)
		require.Len(t, completed, 1)
		payload := completed[0].Payload.(events.WorkflowCompletedPayload)
		require.Equal(t, StatusReadyForReview, payload.Status)
		require.False(t, payload.AutoMerged)
		require.False(t, payload.Notify)

		history, err := h.recorder.GetHistory(context.Background(), run.ID)
		require.NoError(t, err)
		var statuses []string
		for _, tr := range history {
			statuses = append(statuses, tr.Status)
		}
		require.Equal(t, []string{StatusPending, StatusBranchCreated, StatusAwaitingExecution, StatusReadyForReview}, statuses)
	})

	t.Run("low protection branch auto-merges on confident executions", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		h := newHarness(t, fg, nil)

		run, err := h.manager.Submit(context.Background(), docsTask("TASK-2", "/repos/api"), defaultOptions(t))
		require.NoError(t, err)

		waitForStatus(t, h.manager, run.ID, StatusAwaitingExecution)
		run.CompleteExecution(policy.Signals{ConfidenceScore: floatPtr(0.95)})

		record, err := awaitTerminal(t, run)
		require.NoError(t, err)
		require.Equal(t, StatusMerged, record.Status)

		merges := fg.callsMatching("merge")
		require.Len(t, merges, 1)
		require.Contains(t, merges[0], "into develop (squash)")

		payload := h.events.named(events.WorkflowCompleted)[0].Payload.(events.WorkflowCompletedPayload)
		require.True(t, payload.AutoMerged)
	})

	t.Run("low confidence blocks auto-merge", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		h := newHarness(t, fg, nil)

		run, err := h.manager.Submit(context.Background(), docsTask("TASK-3", "/repos/api"), defaultOptions(t))
		require.NoError(t, err)

		waitForStatus(t, h.manager, run.ID, StatusAwaitingExecution)
		run.CompleteExecution(policy.Signals{ConfidenceScore: floatPtr(0.5)})

		record, err := awaitTerminal(t, run)
		require.NoError(t, err)
		require.Equal(t, StatusReadyForReview, record.Status)
		require.Empty(t, fg.callsMatching("merge"))
	})

	t.Run("pull request path merges through the hosting API", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		hosting := newFakeHosting()
		h := newHarness(t, fg, hosting)

		opts, err := task.NewOptionsBuilder().
			CreatePullRequest(true).
			Labels("automerge", "docs").
			NotifyOnComplete(true).
			Build()
		require.NoError(t, err)

		run, err := h.manager.Submit(context.Background(), docsTask("TASK-4", "/repos/api"), opts)
		require.NoError(t, err)

		waitForStatus(t, h.manager, run.ID, StatusAwaitingExecution)
		run.CompleteExecution(policy.Signals{ConfidenceScore: floatPtr(0.9)})

		record, err := awaitTerminal(t, run)
		require.NoError(t, err)
		require.Equal(t, StatusMerged, record.Status)

		require.Len(t, hosting.created, 1)
		pr := hosting.created[0]
		require.Equal(t, record.BranchName, pr.Head)
		require.Equal(t, "develop", pr.Base)
		require.Equal(t, []string{"automerge", "docs"}, pr.Labels)

		// the merge went through the pull request, not git directly
		require.Len(t, hosting.merged, 1)
		require.Equal(t, []string{"squash"}, hosting.mergeWith)
		require.Empty(t, fg.callsMatching("merge"))

		require.Len(t, h.events.named(events.PullRequestCreated), 1)
		completed := h.events.named(events.WorkflowCompleted)
		require.Len(t, completed, 1)
		require.True(t, completed[0].Payload.(events.WorkflowCompletedPayload).Notify)

		history, err := h.recorder.GetHistory(context.Background(), run.ID)
		require.NoError(t, err)
		var statuses []string
		for _, tr := range history {
			statuses = append(statuses, tr.Status)
		}
		require.Contains(t, statuses, StatusPRCreated)
	})

	t.Run("status is queryable live and after completion", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, newFakeGit(), nil)

		run, err := h.manager.Submit(context.Background(), bugTask("TASK-5", "/repos/api"), defaultOptions(t))
		require.NoError(t, err)

		waitForStatus(t, h.manager, run.ID, StatusAwaitingExecution)
		run.CompleteExecution(policy.Signals{})
		_, err = awaitTerminal(t, run)
		require.NoError(t, err)

		record, err := h.manager.GetStatus(context.Background(), run.ID)
		require.NoError(t, err)
		require.Equal(t, StatusReadyForReview, record.Status)

		_, err = h.manager.GetStatus(context.Background(), "does-not-exist")
		require.Error(t, err)
	})
}

func TestWorkflowRetries(t *testing.T) {
	t.Parallel()

	t.Run("transient branch creation failures recover without fallback", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		fg.createErrs = []error{transientGitErr("branch"), transientGitErr("branch"), transientGitErr("branch")}
		h := newHarness(t, fg, nil)

		run, err := h.manager.Submit(context.Background(), bugTask("TASK-10", "/repos/api"), defaultOptions(t))
		require.NoError(t, err)

		waitForStatus(t, h.manager, run.ID, StatusAwaitingExecution)
		run.CompleteExecution(policy.Signals{})

		record, err := awaitTerminal(t, run)
		require.NoError(t, err)
		require.Equal(t, StatusReadyForReview, record.Status)
		// four creation attempts plus one push
		require.Equal(t, 5, record.Attempts)

		entries, err := h.recorder.Query(context.Background(), audit.QueryFilter{OperationType: audit.OpFallback})
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("exhausted push retries trigger exactly one fallback", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		fg.pushErrs = []error{
			transientGitErr("push"), transientGitErr("push"),
			transientGitErr("push"), transientGitErr("push"),
		}
		h := newHarness(t, fg, nil)

		run, err := h.manager.Submit(context.Background(), bugTask("TASK-11", "/repos/api"), defaultOptions(t))
		require.NoError(t, err)

		waitForStatus(t, h.manager, run.ID, StatusAwaitingExecution)
		run.CompleteExecution(policy.Signals{})

		record, err := awaitTerminal(t, run)
		require.ErrorIs(t, err, bferrors.ErrGitOperation)
		require.Equal(t, StatusFallbackUsed, record.Status)
		// one creation attempt plus four push attempts
		require.Equal(t, 5, record.Attempts)

		// the branch survived, so the fallback preserves it for a human
		require.True(t, fg.BranchExists(context.Background(), "/repos/api", record.BranchName))

		entries, qerr := h.recorder.Query(context.Background(), audit.QueryFilter{OperationType: audit.OpFallback})
		require.NoError(t, qerr)
		require.Len(t, entries, 1)

		payload := h.events.named(events.WorkflowCompleted)[0].Payload.(events.WorkflowCompletedPayload)
		require.Equal(t, StatusFallbackUsed, payload.Status)
		require.False(t, payload.AutoMerged)
	})

	t.Run("failed branch creation retries against the alternate base", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		fg.createErrs = []error{permanentGitErr("branch")}
		h := newHarness(t, fg, nil)

		run, err := h.manager.Submit(context.Background(), bugTask("TASK-12", "/repos/api"), defaultOptions(t))
		require.NoError(t, err)

		record, err := awaitTerminal(t, run)
		require.ErrorIs(t, err, bferrors.ErrGitOperation)
		require.Equal(t, StatusFallbackSucceeded, record.Status)

		creates := fg.callsMatching("create")
		require.Len(t, creates, 2)
		require.Contains(t, creates[0], "from develop")
		require.Contains(t, creates[1], "from main")
	})

	t.Run("merge conflicts are not retried and preserve the branch", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		fg.mergeErrs = []error{bferrors.NewMergeConflictError("", "develop", "both modified: docs/retry.md")}
		h := newHarness(t, fg, nil)

		run, err := h.manager.Submit(context.Background(), docsTask("TASK-13", "/repos/api"), defaultOptions(t))
		require.NoError(t, err)

		waitForStatus(t, h.manager, run.ID, StatusAwaitingExecution)
		run.CompleteExecution(policy.Signals{ConfidenceScore: floatPtr(0.95)})

		record, err := awaitTerminal(t, run)
		require.ErrorIs(t, err, bferrors.ErrMergeConflict)
		require.Equal(t, StatusFallbackUsed, record.Status)
		require.Len(t, fg.callsMatching("merge"), 1)
		require.True(t, fg.BranchExists(context.Background(), "/repos/api", record.BranchName))
	})

	t.Run("failure notifications are opt-in", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		fg.pushErrs = []error{permanentGitErr("push")}
		h := newHarness(t, fg, nil)

		opts, err := task.NewOptionsBuilder().NotifyOnError(true).Build()
		require.NoError(t, err)

		run, err := h.manager.Submit(context.Background(), bugTask("TASK-14", "/repos/api"), opts)
		require.NoError(t, err)

		waitForStatus(t, h.manager, run.ID, StatusAwaitingExecution)
		run.CompleteExecution(policy.Signals{})

		_, err = awaitTerminal(t, run)
		require.Error(t, err)
		require.Len(t, h.events.named(events.WorkflowFailed), 1)
	})
}

func TestWorkflowCancellation(t *testing.T) {
	t.Parallel()

	t.Run("cancel while awaiting execution fails without fallback", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		h := newHarness(t, fg, nil)

		run, err := h.manager.Submit(context.Background(), bugTask("TASK-20", "/repos/api"), defaultOptions(t))
		require.NoError(t, err)

		waitForStatus(t, h.manager, run.ID, StatusAwaitingExecution)
		run.Cancel()

		record, err := awaitTerminal(t, run)
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, StatusFailed, record.Status)
		require.False(t, run.FollowUpRequested())

		entries, qerr := h.recorder.Query(context.Background(), audit.QueryFilter{OperationType: audit.OpFallback})
		require.NoError(t, qerr)
		require.Empty(t, entries)
	})
}

func TestWorkflowConcurrency(t *testing.T) {
	t.Parallel()

	t.Run("one project serializes branch creation in submission order", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		fg.createDelay = 2 * time.Millisecond
		h := newHarness(t, fg, nil)

		var runs []*Run
		var ids []string
		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("t%d", i)
			run, err := h.manager.Submit(context.Background(), bugTask(id, "/repos/api"), defaultOptions(t))
			require.NoError(t, err)
			run.CompleteExecution(policy.Signals{})
			runs = append(runs, run)
			ids = append(ids, id)
		}
		for _, run := range runs {
			record, err := awaitTerminal(t, run)
			require.NoError(t, err)
			require.Equal(t, StatusReadyForReview, record.Status)
		}

		creates := fg.callsMatching("create")
		require.Len(t, creates, 10)
		for i, id := range ids {
			require.Contains(t, creates[i], "-"+id+"-", "creation %d out of submission order", i)
		}
	})

	t.Run("degraded branch creation waits for the project lock", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		fg.createDelay = 30 * time.Millisecond
		fg.createErrs = []error{permanentGitErr("branch")}
		h := newHarness(t, fg, nil)

		// The first run fails its primary create and drops to the
		// degraded path while the second run's create is still in
		// flight on the same repository.
		degraded, err := h.manager.Submit(context.Background(), bugTask("TASK-40", "/repos/api"), defaultOptions(t))
		require.NoError(t, err)
		primary, err := h.manager.Submit(context.Background(), bugTask("TASK-41", "/repos/api"), defaultOptions(t))
		require.NoError(t, err)
		primary.CompleteExecution(policy.Signals{})

		record, err := awaitTerminal(t, degraded)
		require.ErrorIs(t, err, bferrors.ErrGitOperation)
		require.Equal(t, StatusFallbackSucceeded, record.Status)
		record, err = awaitTerminal(t, primary)
		require.NoError(t, err)
		require.Equal(t, StatusReadyForReview, record.Status)

		fg.mu.Lock()
		maxConcurrent := fg.maxConcurrent
		fg.mu.Unlock()
		require.Equal(t, 1, maxConcurrent, "degraded branch creation overlapped another run's git operations")
	})

	t.Run("distinct projects proceed in parallel", func(t *testing.T) {
		t.Parallel()
		fg := newFakeGit()
		fg.createDelay = 30 * time.Millisecond
		h := newHarness(t, fg, nil)

		var runs []*Run
		for i := 0; i < 4; i++ {
			run, err := h.manager.Submit(context.Background(), bugTask(fmt.Sprintf("t%d", i), fmt.Sprintf("/repos/p%d", i)), defaultOptions(t))
			require.NoError(t, err)
			run.CompleteExecution(policy.Signals{})
			runs = append(runs, run)
		}
		for _, run := range runs {
			_, err := awaitTerminal(t, run)
			require.NoError(t, err)
		}

		fg.mu.Lock()
		maxConcurrent := fg.maxConcurrent
		fg.mu.Unlock()
		require.Greater(t, maxConcurrent, 1, "branch creations on distinct projects never overlapped")
	})
}
