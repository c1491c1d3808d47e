package task

import (
	"fmt"

	bferrors "branchflow.dev/branchflow/internal/errors"
)

// MergeStrategy selects how a branch is merged into its target.
type MergeStrategy string

const (
	MergeStrategySquash MergeStrategy = "squash"
	MergeStrategyMerge  MergeStrategy = "merge"
	MergeStrategyRebase MergeStrategy = "rebase"
)

// WorkflowOptions are caller-supplied overrides for one workflow run.
// Construct with NewOptionsBuilder; the struct is immutable once built.
// Overrides take precedence over the branch strategy's defaults but can never
// relax a critical protection level.
type WorkflowOptions struct {
	AutoMerge         *bool
	MergeTarget       string
	MergeStrategy     MergeStrategy
	CreatePullRequest bool
	Draft             bool
	RequireReview     *bool
	Reviewers         []string
	Labels            []string
	BranchProtection  string
	NotifyOnComplete  bool
	NotifyOnError     bool
}

// OptionsBuilder accumulates overrides and validates them once at Build time,
// so option handling lives in one place instead of scattered across call sites.
type OptionsBuilder struct {
	opts WorkflowOptions
	errs []error
}

// NewOptionsBuilder returns a builder with engine defaults: merge via squash,
// no pull request, no notifications.
func NewOptionsBuilder() *OptionsBuilder {
	return &OptionsBuilder{
		opts: WorkflowOptions{
			MergeStrategy: MergeStrategySquash,
		},
	}
}

// AutoMerge sets the auto-merge override.
func (b *OptionsBuilder) AutoMerge(v bool) *OptionsBuilder {
	b.opts.AutoMerge = &v
	return b
}

// MergeTarget overrides the strategy's merge target. It is validated against
// the configured target set at submission.
func (b *OptionsBuilder) MergeTarget(target string) *OptionsBuilder {
	b.opts.MergeTarget = target
	return b
}

// MergeStrategy sets how the branch is merged.
func (b *OptionsBuilder) MergeStrategy(s MergeStrategy) *OptionsBuilder {
	switch s {
	case MergeStrategySquash, MergeStrategyMerge, MergeStrategyRebase:
		b.opts.MergeStrategy = s
	default:
		b.errs = append(b.errs, bferrors.NewValidationError("mergeStrategy", fmt.Sprintf("unknown strategy %q", s)))
	}
	return b
}

// CreatePullRequest enables PR creation for the run.
func (b *OptionsBuilder) CreatePullRequest(v bool) *OptionsBuilder {
	b.opts.CreatePullRequest = v
	return b
}

// Draft opens any created pull request as a draft.
func (b *OptionsBuilder) Draft(v bool) *OptionsBuilder {
	b.opts.Draft = v
	return b
}

// RequireReview sets the review-required override.
func (b *OptionsBuilder) RequireReview(v bool) *OptionsBuilder {
	b.opts.RequireReview = &v
	return b
}

// Reviewers sets the explicit reviewer list.
func (b *OptionsBuilder) Reviewers(reviewers ...string) *OptionsBuilder {
	b.opts.Reviewers = append([]string(nil), reviewers...)
	return b
}

// Labels sets the labels applied to a created pull request.
func (b *OptionsBuilder) Labels(labels ...string) *OptionsBuilder {
	b.opts.Labels = append([]string(nil), labels...)
	return b
}

// BranchProtection overrides the strategy's protection level. Raising the
// level is always honored; lowering below the strategy's level is ignored for
// critical strategies by the policy engine.
func (b *OptionsBuilder) BranchProtection(level string) *OptionsBuilder {
	switch level {
	case "low", "medium", "high", "critical":
		b.opts.BranchProtection = level
	default:
		b.errs = append(b.errs, bferrors.NewValidationError("branchProtection", fmt.Sprintf("unknown level %q", level)))
	}
	return b
}

// NotifyOnComplete enables a completion notification event.
func (b *OptionsBuilder) NotifyOnComplete(v bool) *OptionsBuilder {
	b.opts.NotifyOnComplete = v
	return b
}

// NotifyOnError enables an error notification event.
func (b *OptionsBuilder) NotifyOnError(v bool) *OptionsBuilder {
	b.opts.NotifyOnError = v
	return b
}

// Build returns the validated options. The first validation failure recorded
// during building is returned.
func (b *OptionsBuilder) Build() (WorkflowOptions, error) {
	if len(b.errs) > 0 {
		return WorkflowOptions{}, b.errs[0]
	}
	return b.opts, nil
}
