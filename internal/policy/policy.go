// Package policy derives auto-merge eligibility and review requirements from a
// branch strategy, caller overrides and live signals.
package policy

import (
	"context"
	"fmt"

	"branchflow.dev/branchflow/internal/routing"
	"branchflow.dev/branchflow/internal/task"
)

// Signals are execution-time inputs to policy evaluation.
type Signals struct {
	// ConfidenceScore is reported by the task-execution collaborator,
	// typically derived from test results. Nil means not yet reported.
	ConfidenceScore *float64
}

// ResolvedPolicy is the outcome of one policy evaluation.
type ResolvedPolicy struct {
	AutoMergeAllowed  bool
	ReviewersRequired int
	Reviewers         []string
}

// ReviewerPool supplies reviewer names when the caller provides none.
type ReviewerPool interface {
	SuggestReviewers(ctx context.Context, count int) ([]string, error)
}

// StaticReviewerPool serves reviewers round-robin style from a fixed list.
type StaticReviewerPool struct {
	Names []string
}

// SuggestReviewers returns up to count names from the pool.
func (p *StaticReviewerPool) SuggestReviewers(_ context.Context, count int) ([]string, error) {
	if count > len(p.Names) {
		return nil, fmt.Errorf("reviewer pool has %d members, %d required", len(p.Names), count)
	}
	return append([]string(nil), p.Names[:count]...), nil
}

// Engine evaluates merge policy. Evaluation is a pure function of its inputs
// aside from the reviewer pool call, which Run caches.
type Engine struct {
	confidenceThreshold float64
	pool                ReviewerPool
}

// NewEngine creates a policy engine. confidenceThreshold is the minimum
// confidence score required before auto-merge is permitted on low-protection
// branches.
func NewEngine(confidenceThreshold float64, pool ReviewerPool) *Engine {
	return &Engine{confidenceThreshold: confidenceThreshold, pool: pool}
}

// NewRun returns an evaluation scope for one workflow run. The reviewer pool
// is consulted at most once per run, so re-evaluating after a signal update
// is idempotent.
func (e *Engine) NewRun() *Run {
	return &Run{engine: e}
}

// Run is the per-workflow-run evaluation scope.
type Run struct {
	engine          *Engine
	cachedReviewers []string
	cacheValid      bool
}

// Evaluate applies the protection-level rules in order and resolves the
// reviewer list. Caller overrides can never relax a critical protection
// level.
func (r *Run) Evaluate(ctx context.Context, strategy routing.BranchStrategy, opts task.WorkflowOptions, signals Signals) (ResolvedPolicy, error) {
	level := effectiveLevel(strategy.ProtectionLevel, opts.BranchProtection)

	var policy ResolvedPolicy
	switch level {
	case routing.ProtectionCritical:
		// Not overridable.
		policy.AutoMergeAllowed = false
		policy.ReviewersRequired = 2

	case routing.ProtectionHigh:
		policy.AutoMergeAllowed = false
		policy.ReviewersRequired = 2
		if opts.RequireReview != nil && !*opts.RequireReview {
			// Explicit reduction, still a minimum of one reviewer.
			policy.ReviewersRequired = 1
		}

	case routing.ProtectionMedium:
		policy.AutoMergeAllowed = opts.AutoMerge != nil && *opts.AutoMerge
		if reviewRequired(strategy, opts) {
			policy.ReviewersRequired = 1
		}

	default: // low
		requested := strategy.AutoMergeDefault
		if opts.AutoMerge != nil {
			requested = *opts.AutoMerge
		}
		policy.AutoMergeAllowed = requested &&
			signals.ConfidenceScore != nil &&
			*signals.ConfidenceScore >= r.engine.confidenceThreshold
		if reviewRequired(strategy, opts) {
			policy.ReviewersRequired = 1
		}
	}

	reviewers, err := r.resolveReviewers(ctx, opts, policy.ReviewersRequired)
	if err != nil {
		return ResolvedPolicy{}, err
	}
	policy.Reviewers = reviewers

	return policy, nil
}

func (r *Run) resolveReviewers(ctx context.Context, opts task.WorkflowOptions, required int) ([]string, error) {
	if required == 0 {
		return nil, nil
	}
	if len(opts.Reviewers) >= required {
		return append([]string(nil), opts.Reviewers...), nil
	}
	if r.cacheValid {
		return r.cachedReviewers, nil
	}
	if r.engine.pool == nil {
		return nil, fmt.Errorf("%d reviewers required but no reviewer pool configured", required)
	}
	reviewers, err := r.engine.pool.SuggestReviewers(ctx, required)
	if err != nil {
		return nil, fmt.Errorf("reviewer pool: %w", err)
	}
	r.cachedReviewers = reviewers
	r.cacheValid = true
	return reviewers, nil
}

func reviewRequired(strategy routing.BranchStrategy, opts task.WorkflowOptions) bool {
	if opts.RequireReview != nil {
		return *opts.RequireReview
	}
	return strategy.ReviewRequired
}

var levelRank = map[routing.ProtectionLevel]int{
	routing.ProtectionLow:      0,
	routing.ProtectionMedium:   1,
	routing.ProtectionHigh:     2,
	routing.ProtectionCritical: 3,
}

// effectiveLevel honors a caller's protection override only when it raises
// the level; lowering the strategy's level is ignored.
func effectiveLevel(strategyLevel routing.ProtectionLevel, override string) routing.ProtectionLevel {
	if override == "" {
		return strategyLevel
	}
	overrideLevel, err := routing.ParseProtectionLevel(override)
	if err != nil {
		return strategyLevel
	}
	if levelRank[overrideLevel] > levelRank[strategyLevel] {
		return overrideLevel
	}
	return strategyLevel
}
