// Package routing classifies task types into branch strategies.
package routing

import "fmt"

// ProtectionLevel is the tier controlling review and auto-merge eligibility.
type ProtectionLevel string

const (
	ProtectionLow      ProtectionLevel = "low"
	ProtectionMedium   ProtectionLevel = "medium"
	ProtectionHigh     ProtectionLevel = "high"
	ProtectionCritical ProtectionLevel = "critical"
)

// ParseProtectionLevel converts a string to a ProtectionLevel.
func ParseProtectionLevel(s string) (ProtectionLevel, error) {
	switch ProtectionLevel(s) {
	case ProtectionLow, ProtectionMedium, ProtectionHigh, ProtectionCritical:
		return ProtectionLevel(s), nil
	}
	return "", fmt.Errorf("unknown protection level %q", s)
}

// BranchStrategy is the resolved set of naming, routing and protection rules
// for one task type. It is never mutated after resolution for a workflow run.
type BranchStrategy struct {
	NamePrefix       string
	BaseBranch       string
	MergeTarget      string
	ProtectionLevel  ProtectionLevel
	AutoMergeDefault bool
	ReviewRequired   bool
}
