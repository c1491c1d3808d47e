package git

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bferrors "branchflow.dev/branchflow/internal/errors"
)

// Primitive is the version-control interface the workflow engine drives.
// Implementations must treat each call as independently timed out.
type Primitive interface {
	// ValidateRepository checks that projectPath holds a usable repository.
	ValidateRepository(ctx context.Context, projectPath string) error

	// BranchExists reports whether the branch exists locally or on the remote.
	BranchExists(ctx context.Context, projectPath, branchName string) bool

	// CreateBranch creates branchName from baseBranch.
	CreateBranch(ctx context.Context, projectPath, branchName, baseBranch string) error

	// Push pushes branchName to the remote.
	Push(ctx context.Context, projectPath, branchName string) error

	// Merge merges branchName into target using the given strategy
	// ("squash", "merge" or "rebase").
	Merge(ctx context.Context, projectPath, branchName, target, strategy string) error

	// DeleteBranch deletes a local branch.
	DeleteBranch(ctx context.Context, projectPath, branchName string) error
}

// CLI implements Primitive by shelling out to git, one CommandRunner per
// project directory.
type CLI struct {
	timeout time.Duration
}

// NewCLI creates a CLI primitive. timeout bounds each git call independently.
func NewCLI(timeout time.Duration) *CLI {
	return &CLI{timeout: timeout}
}

func (c *CLI) runner(projectPath string) *CommandRunner {
	return NewCommandRunner(projectPath, c.timeout)
}

// ValidateRepository checks that projectPath is a reachable git repository.
// Failure here is a configuration error: no retry, no fallback.
func (c *CLI) ValidateRepository(ctx context.Context, projectPath string) error {
	if err := OpenRepository(projectPath); err != nil {
		return bferrors.NewConfigurationError("projectPath", fmt.Sprintf("%s: %v", projectPath, err))
	}
	return nil
}

// BranchExists checks local heads and the origin remote for the branch.
func (c *CLI) BranchExists(ctx context.Context, projectPath, branchName string) bool {
	if LocalBranchExists(projectPath, branchName) {
		return true
	}
	out, err := c.runner(projectPath).Run(ctx, "ls-remote", "--heads", "origin", branchName)
	return err == nil && strings.TrimSpace(out) != ""
}

// CreateBranch creates branchName pointing at baseBranch without switching
// the working copy to it.
func (c *CLI) CreateBranch(ctx context.Context, projectPath, branchName, baseBranch string) error {
	if _, err := c.runner(projectPath).Run(ctx, "branch", branchName, baseBranch); err != nil {
		return fmt.Errorf("failed to create branch %s from %s: %w", branchName, baseBranch, err)
	}
	return nil
}

// Push pushes the branch to origin.
func (c *CLI) Push(ctx context.Context, projectPath, branchName string) error {
	if _, err := c.runner(projectPath).Run(ctx, "push", "-u", "origin", branchName); err != nil {
		return fmt.Errorf("failed to push branch %s: %w", branchName, err)
	}
	return nil
}

// Merge merges branchName into target. A conflict aborts the merge, leaves
// the branch intact and surfaces a MergeConflictError.
func (c *CLI) Merge(ctx context.Context, projectPath, branchName, target, strategy string) error {
	runner := c.runner(projectPath)

	if _, err := runner.Run(ctx, "checkout", target); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", target, err)
	}

	var args []string
	switch strategy {
	case "squash":
		args = []string{"merge", "--squash", branchName}
	case "rebase":
		args = []string{"rebase", branchName}
	default:
		args = []string{"merge", "--no-ff", branchName}
	}

	if _, err := runner.Run(ctx, args...); err != nil {
		if isConflict(err) {
			_, _ = runner.Run(ctx, "merge", "--abort")
			return bferrors.NewMergeConflictError(branchName, target, "resolve manually; branch preserved")
		}
		return fmt.Errorf("failed to merge %s into %s: %w", branchName, target, err)
	}

	// Squash merges stage changes without committing.
	if strategy == "squash" {
		if _, err := runner.Run(ctx, "commit", "-m", fmt.Sprintf("Squash merge %s", branchName)); err != nil {
			return fmt.Errorf("failed to commit squash merge of %s: %w", branchName, err)
		}
	}
	return nil
}

// DeleteBranch deletes a local branch.
func (c *CLI) DeleteBranch(ctx context.Context, projectPath, branchName string) error {
	if _, err := c.runner(projectPath).Run(ctx, "branch", "-D", branchName); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", branchName, err)
	}
	return nil
}

func isConflict(err error) bool {
	var gitErr *bferrors.GitOperationError
	if !errors.As(err, &gitErr) {
		return false
	}
	combined := strings.ToLower(gitErr.Stdout + gitErr.Stderr)
	return strings.Contains(combined, "conflict")
}
