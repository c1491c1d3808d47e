package git

import (
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// OpenRepository opens the repository at path, detecting the .git directory
// from any location inside the worktree.
func OpenRepository(path string) error {
	_, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return fmt.Errorf("not a git repository: %w", err)
	}
	return nil
}

// LocalBranchExists reports whether the branch exists in the repository's
// local refs. Errors opening the repository count as not existing; the
// authoritative check is ValidateRepository.
func LocalBranchExists(path, branchName string) bool {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return false
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	return err == nil
}
