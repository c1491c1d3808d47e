// Package git provides the external version-control primitive: a wrapper
// around git commands and go-git for repository operations.
package git

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	bferrors "branchflow.dev/branchflow/internal/errors"
)

// DefaultCommandTimeout is the default timeout for git commands.
const DefaultCommandTimeout = 30 * time.Second

// CommandRunner handles execution of git commands in one working directory.
type CommandRunner struct {
	workingDir string
	timeout    time.Duration
}

// NewCommandRunner creates a CommandRunner for the given directory. A zero
// timeout means DefaultCommandTimeout.
func NewCommandRunner(workingDir string, timeout time.Duration) *CommandRunner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandRunner{workingDir: workingDir, timeout: timeout}
}

// Run executes a git command and returns trimmed stdout. If the context has
// no deadline, the runner's timeout applies.
func (r *CommandRunner) Run(ctx context.Context, args ...string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	if r.workingDir != "" {
		cmd.Dir = r.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		op := "git"
		if len(args) > 0 {
			op = args[0]
		}
		return "", bferrors.NewGitOperationError(op, args, stdout.String(), stderr.String(), isTransientOutput(ctx, stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// isTransientOutput classifies a failed command from its stderr. Network and
// lock contention failures are retried; permission, conflict and bad-repo
// failures are not. Timeouts count as transient.
func isTransientOutput(ctx context.Context, stderr string) bool {
	if ctx.Err() == context.DeadlineExceeded {
		return true
	}

	lower := strings.ToLower(stderr)
	permanent := []string{
		"permission denied",
		"authentication failed",
		"not a git repository",
		"merge conflict",
		"conflict",
		"unrelated histories",
		"does not exist",
	}
	for _, marker := range permanent {
		if strings.Contains(lower, marker) {
			return false
		}
	}

	transient := []string{
		"could not resolve host",
		"connection",
		"timed out",
		"unable to access",
		"index.lock",
		"another git process",
		"remote end hung up",
		"early eof",
	}
	for _, marker := range transient {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	// Unclassified failures default to transient so the retry policy gets a
	// chance; retry exhaustion still fails the run.
	return true
}
