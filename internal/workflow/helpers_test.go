package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"branchflow.dev/branchflow/internal/audit"
	"branchflow.dev/branchflow/internal/config"
	"branchflow.dev/branchflow/internal/events"
	"branchflow.dev/branchflow/internal/github"
	"branchflow.dev/branchflow/internal/policy"
	"branchflow.dev/branchflow/internal/routing"
	"branchflow.dev/branchflow/internal/task"
)

// fakeGit implements git.Primitive in memory. Error queues are popped one per
// call so tests can script "fail N times, then succeed".
type fakeGit struct {
	mu          sync.Mutex
	calls       []string
	branches    map[string]map[string]bool
	createErrs  []error
	pushErrs    []error
	mergeErrs   []error
	validateErr error
	createDelay time.Duration

	inFlight      int
	maxConcurrent int
}

func newFakeGit() *fakeGit {
	return &fakeGit{branches: make(map[string]map[string]bool)}
}

func (f *fakeGit) ValidateRepository(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateErr
}

func (f *fakeGit) BranchExists(_ context.Context, projectPath, branchName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[projectPath][branchName]
}

func (f *fakeGit) CreateBranch(_ context.Context, projectPath, branchName, baseBranch string) error {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("create %s from %s", branchName, baseBranch))
	var err error
	if len(f.createErrs) > 0 {
		err, f.createErrs = f.createErrs[0], f.createErrs[1:]
	}
	f.inFlight++
	if f.inFlight > f.maxConcurrent {
		f.maxConcurrent = f.inFlight
	}
	delay := f.createDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	if err == nil {
		if f.branches[projectPath] == nil {
			f.branches[projectPath] = make(map[string]bool)
		}
		f.branches[projectPath][branchName] = true
	}
	f.mu.Unlock()
	return err
}

func (f *fakeGit) Push(_ context.Context, _, branchName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "push "+branchName)
	if len(f.pushErrs) > 0 {
		var err error
		err, f.pushErrs = f.pushErrs[0], f.pushErrs[1:]
		return err
	}
	return nil
}

func (f *fakeGit) Merge(_ context.Context, _, branchName, target, strategy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("merge %s into %s (%s)", branchName, target, strategy))
	if len(f.mergeErrs) > 0 {
		var err error
		err, f.mergeErrs = f.mergeErrs[0], f.mergeErrs[1:]
		return err
	}
	return nil
}

func (f *fakeGit) DeleteBranch(_ context.Context, projectPath, branchName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete "+branchName)
	delete(f.branches[projectPath], branchName)
	return nil
}

func (f *fakeGit) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGit) callsMatching(prefix string) []string {
	var out []string
	for _, c := range f.callLog() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out
}

// fakeHosting implements github.Client in memory.
type fakeHosting struct {
	mu         sync.Mutex
	created    []github.CreatePROptions
	merged     []int
	mergeWith  []string
	createErrs []error
	mergeErrs  []error
	nextNumber int
}

func newFakeHosting() *fakeHosting {
	return &fakeHosting{nextNumber: 100}
}

func (f *fakeHosting) CreatePullRequest(_ context.Context, opts github.CreatePROptions) (*github.PullRequestInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		var err error
		err, f.createErrs = f.createErrs[0], f.createErrs[1:]
		return nil, err
	}
	f.nextNumber++
	f.created = append(f.created, opts)
	return &github.PullRequestInfo{
		Number:  f.nextNumber,
		HTMLURL: fmt.Sprintf("https://github.com/acme/api/pull/%d", f.nextNumber),
		Title:   opts.Title,
		State:   "open",
		Base:    opts.Base,
		Head:    opts.Head,
	}, nil
}

func (f *fakeHosting) MergePullRequest(_ context.Context, prNumber int, method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.mergeErrs) > 0 {
		var err error
		err, f.mergeErrs = f.mergeErrs[0], f.mergeErrs[1:]
		return err
	}
	f.merged = append(f.merged, prNumber)
	f.mergeWith = append(f.mergeWith, method)
	return nil
}

func (f *fakeHosting) GetOwnerRepo() (string, string) {
	return "acme", "api"
}

// eventLog captures published events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) record(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) named(name string) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	manager  *Manager
	cfg      *config.Config
	git      *fakeGit
	hosting  *fakeHosting
	recorder *audit.Recorder
	events   *eventLog
}

func newHarness(t *testing.T, fg *fakeGit, hosting github.Client) *harness {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.Git.RetryBaseDelay = time.Millisecond
	cfg.Git.CommandTimeout = 2 * time.Second

	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	recorder := audit.NewRecorder(store, zap.NewNop(), cfg.Audit.WriteTimeout, prometheus.NewRegistry())

	bus := events.NewBus(zap.NewNop())
	log := &eventLog{}
	for _, name := range []string{
		events.BranchCreated, events.WorkflowExecuted, events.PullRequestCreated,
		events.WorkflowCompleted, events.WorkflowFailed, events.FallbackAttempted,
	} {
		bus.Subscribe(name, log.record)
	}

	table, err := routing.NewTable(cfg.Routing, cfg.Branches)
	require.NoError(t, err)
	engine := policy.NewEngine(cfg.Policy.ConfidenceThreshold, &policy.StaticReviewerPool{Names: []string{"alice", "bob", "carol"}})

	h := &harness{
		cfg:      cfg,
		git:      fg,
		recorder: recorder,
		events:   log,
	}
	if fh, ok := hosting.(*fakeHosting); ok {
		h.hosting = fh
	}
	h.manager = NewManager(cfg, table, engine, fg, hosting, recorder, bus, zap.NewNop())
	return h
}

func bugTask(id, projectPath string) task.Task {
	return task.Task{
		ID:    id,
		Title: "Fix login authentication bug",
		Type:  "bug",
		Metadata: task.Metadata{
			ProjectPath: projectPath,
		},
	}
}

func docsTask(id, projectPath string) task.Task {
	return task.Task{
		ID:    id,
		Title: "Document retry semantics",
		Type:  "docs",
		Metadata: task.Metadata{
			ProjectPath: projectPath,
		},
	}
}

func waitForStatus(t *testing.T, m *Manager, workflowID, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		record, err := m.GetStatus(context.Background(), workflowID)
		return err == nil && record.Status == status
	}, 5*time.Second, time.Millisecond, "waiting for status %s", status)
}

func awaitTerminal(t *testing.T, run *Run) (*audit.ExecutionRecord, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	record, err := run.Wait(ctx)
	require.NotNil(t, record, "run did not reach a terminal state")
	return record, err
}

func floatPtr(v float64) *float64 { return &v }
