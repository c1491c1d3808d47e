package github

import (
	"context"
	"fmt"
	"os"

	"github.com/google/go-github/v62/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"branchflow.dev/branchflow/internal/config"
)

// RealClient implements Client using the real GitHub API.
type RealClient struct {
	client *github.Client
	owner  string
	repo   string
	logger *zap.Logger
}

// NewRealClient creates a RealClient from configuration. The token falls back
// to the GITHUB_TOKEN environment variable when not configured.
func NewRealClient(ctx context.Context, cfg config.GitHubConfig, logger *zap.Logger) (*RealClient, error) {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("no GitHub token configured and GITHUB_TOKEN not set")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github.owner and github.repo must be configured")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)

	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure enterprise URL: %w", err)
		}
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &RealClient{
		client: client,
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		logger: logger,
	}, nil
}

// GetOwnerRepo returns the repository owner and name.
func (c *RealClient) GetOwnerRepo() (string, string) {
	return c.owner, c.repo
}

// CreatePullRequest creates a new pull request.
func (c *RealClient) CreatePullRequest(ctx context.Context, opts CreatePROptions) (*PullRequestInfo, error) {
	pr := &github.NewPullRequest{
		Title: github.String(opts.Title),
		Head:  github.String(opts.Head),
		Base:  github.String(opts.Base),
		Draft: github.Bool(opts.Draft),
	}
	if opts.Body != "" {
		pr.Body = github.String(opts.Body)
	}

	createdPR, _, err := c.client.PullRequests.Create(ctx, c.owner, c.repo, pr)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}

	// Reviewers and labels are best-effort: the pull request exists either
	// way, so failures are logged rather than surfaced.
	if len(opts.Reviewers) > 0 {
		_, _, err := c.client.PullRequests.RequestReviewers(ctx, c.owner, c.repo, *createdPR.Number, github.ReviewersRequest{
			Reviewers: opts.Reviewers,
		})
		if err != nil {
			c.logger.Warn("failed to request reviewers",
				zap.Int("pr_number", *createdPR.Number),
				zap.Strings("reviewers", opts.Reviewers),
				zap.Error(err))
		}
	}

	// Labels go through the issues API
	if len(opts.Labels) > 0 {
		_, _, err := c.client.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, *createdPR.Number, opts.Labels)
		if err != nil {
			c.logger.Warn("failed to apply labels",
				zap.Int("pr_number", *createdPR.Number),
				zap.Strings("labels", opts.Labels),
				zap.Error(err))
		}
	}

	return toPullRequestInfo(createdPR), nil
}

// MergePullRequest merges a pull request using the given method.
func (c *RealClient) MergePullRequest(ctx context.Context, prNumber int, method string) error {
	opts := &github.PullRequestOptions{MergeMethod: method}
	result, _, err := c.client.PullRequests.Merge(ctx, c.owner, c.repo, prNumber, "", opts)
	if err != nil {
		return fmt.Errorf("failed to merge pull request %d: %w", prNumber, err)
	}
	if result.Merged == nil || !*result.Merged {
		msg := "unknown reason"
		if result.Message != nil {
			msg = *result.Message
		}
		return fmt.Errorf("pull request %d was not merged: %s", prNumber, msg)
	}
	return nil
}

func toPullRequestInfo(pr *github.PullRequest) *PullRequestInfo {
	info := &PullRequestInfo{}
	if pr.Number != nil {
		info.Number = *pr.Number
	}
	if pr.NodeID != nil {
		info.NodeID = *pr.NodeID
	}
	if pr.HTMLURL != nil {
		info.HTMLURL = *pr.HTMLURL
	}
	if pr.Title != nil {
		info.Title = *pr.Title
	}
	if pr.State != nil {
		info.State = *pr.State
	}
	if pr.Base != nil && pr.Base.Ref != nil {
		info.Base = *pr.Base.Ref
	}
	if pr.Head != nil && pr.Head.Ref != nil {
		info.Head = *pr.Head.Ref
	}
	return info
}
