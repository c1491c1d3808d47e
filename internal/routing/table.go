package routing

import (
	"fmt"
	"sync/atomic"

	"branchflow.dev/branchflow/internal/config"
	bferrors "branchflow.dev/branchflow/internal/errors"
)

// DefaultTaskPrefix is applied to task types with no routing entry.
const DefaultTaskPrefix = "task/"

// Table maps task types to branch strategies. Lookups are O(1) and the table
// is read-only after construction; Swap replaces the whole table atomically so
// no task is ever classified against a half-updated table.
type Table struct {
	state atomic.Pointer[tableState]
}

type tableState struct {
	routes       map[string]BranchStrategy
	defaultRoute BranchStrategy
}

// NewTable builds a routing table from configuration. Every entry's merge
// target and base branch must resolve into the configured branch set; unknown
// values are rejected here, not at execution time.
func NewTable(routes map[string]config.RouteConfig, branches config.BranchesConfig) (*Table, error) {
	state, err := buildState(routes, branches)
	if err != nil {
		return nil, err
	}
	t := &Table{}
	t.state.Store(state)
	return t, nil
}

// Resolve returns the branch strategy for the given task type. Unmatched
// types fall back to the default strategy: prefix "task/", development branch
// as base and merge target, medium protection, no auto-merge.
func (t *Table) Resolve(taskType string) BranchStrategy {
	state := t.state.Load()
	if s, ok := state.routes[taskType]; ok {
		return s
	}
	return state.defaultRoute
}

// TaskTypes returns the task types with an explicit routing entry.
func (t *Table) TaskTypes() []string {
	state := t.state.Load()
	types := make([]string, 0, len(state.routes))
	for taskType := range state.routes {
		types = append(types, taskType)
	}
	return types
}

// Swap atomically replaces the whole table with one built from the new
// configuration. In-flight resolutions see either the old table or the new
// one, never a mix.
func (t *Table) Swap(routes map[string]config.RouteConfig, branches config.BranchesConfig) error {
	state, err := buildState(routes, branches)
	if err != nil {
		return err
	}
	t.state.Store(state)
	return nil
}

func buildState(routes map[string]config.RouteConfig, branches config.BranchesConfig) (*tableState, error) {
	built := make(map[string]BranchStrategy, len(routes))
	for taskType, route := range routes {
		strategy, err := buildStrategy(route, branches)
		if err != nil {
			return nil, fmt.Errorf("routing entry %q: %w", taskType, err)
		}
		built[taskType] = strategy
	}
	return &tableState{
		routes: built,
		defaultRoute: BranchStrategy{
			NamePrefix:      DefaultTaskPrefix,
			BaseBranch:      branches.Development,
			MergeTarget:     branches.Development,
			ProtectionLevel: ProtectionMedium,
		},
	}, nil
}

func buildStrategy(route config.RouteConfig, branches config.BranchesConfig) (BranchStrategy, error) {
	level, err := ParseProtectionLevel(route.ProtectionLevel)
	if err != nil {
		return BranchStrategy{}, err
	}

	base, err := resolveBranch(route.BaseBranch, branches)
	if err != nil {
		return BranchStrategy{}, fmt.Errorf("base branch: %w", err)
	}

	target, err := resolveBranch(route.MergeTarget, branches)
	if err != nil {
		return BranchStrategy{}, fmt.Errorf("merge target: %w", err)
	}
	if !branches.IsMergeTarget(target) {
		return BranchStrategy{}, fmt.Errorf("%w: %q", bferrors.ErrUnknownMergeTarget, target)
	}

	if route.Prefix == "" {
		return BranchStrategy{}, fmt.Errorf("prefix must not be empty")
	}

	return BranchStrategy{
		NamePrefix:       route.Prefix,
		BaseBranch:       base,
		MergeTarget:      target,
		ProtectionLevel:  level,
		AutoMergeDefault: route.AutoMergeDefault,
		ReviewRequired:   route.ReviewRequired,
	}, nil
}

// resolveBranch maps the symbolic names used in routing config to the
// concrete branch names configured at startup. Concrete names matching a
// configured branch pass through unchanged.
func resolveBranch(name string, branches config.BranchesConfig) (string, error) {
	switch name {
	case "production":
		return branches.Production, nil
	case "integration":
		return branches.Integration, nil
	case "development":
		return branches.Development, nil
	}
	if branches.IsMergeTarget(name) {
		return name, nil
	}
	return "", fmt.Errorf("%q is not a configured branch", name)
}
