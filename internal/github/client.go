// Package github provides a client for interacting with the GitHub API.
package github

import (
	"context"
)

// PullRequestInfo contains information about a pull request.
// This is a simplified struct to avoid coupling to the go-github library.
type PullRequestInfo struct {
	Number  int
	NodeID  string
	HTMLURL string
	Title   string
	State   string
	Base    string
	Head    string
}

// CreatePROptions contains options for creating a pull request.
type CreatePROptions struct {
	Title     string
	Body      string
	Head      string
	Base      string
	Draft     bool
	Reviewers []string
	Labels    []string
}

// Client is an interface for code-hosting API interactions.
type Client interface {
	// CreatePullRequest creates a new pull request, requesting reviewers and
	// applying labels when provided.
	CreatePullRequest(ctx context.Context, opts CreatePROptions) (*PullRequestInfo, error)

	// MergePullRequest merges a pull request using the given method
	// ("squash", "merge" or "rebase").
	MergePullRequest(ctx context.Context, prNumber int, method string) error

	// GetOwnerRepo returns the repository owner and name.
	GetOwnerRepo() (owner, repo string)
}
