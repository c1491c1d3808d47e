package workflow

// Workflow statuses. Transitions are monotonic except for the explicit
// fallback_used -> pending retry path.
const (
	StatusPending           = "pending"
	StatusBranchCreated     = "branch_created"
	StatusAwaitingExecution = "awaiting_execution"
	StatusReadyForReview    = "ready_for_review"
	StatusPRCreated         = "pr_created"
	StatusMerged            = "merged"
	StatusFailed            = "failed"
	StatusFallbackUsed      = "fallback_used"
	StatusFallbackSucceeded = "fallback_succeeded"
	StatusFallbackFailed    = "fallback_failed"
)

var allowedTransitions = map[string][]string{
	StatusPending:           {StatusBranchCreated, StatusFailed},
	StatusBranchCreated:     {StatusAwaitingExecution, StatusFailed},
	StatusAwaitingExecution: {StatusReadyForReview, StatusFailed},
	StatusReadyForReview:    {StatusPRCreated, StatusMerged, StatusFailed},
	StatusPRCreated:         {StatusMerged, StatusFailed},
	StatusFailed:            {StatusFallbackUsed},
	StatusFallbackUsed:      {StatusFallbackSucceeded, StatusFallbackFailed, StatusPending},
}

// canTransition reports whether from -> to is a legal status transition.
func canTransition(from, to string) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
