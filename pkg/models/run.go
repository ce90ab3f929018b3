package models

import "time"

// RunOutcome represents the final result of a run. The empty string
// means the run is still in progress (stored as NULL).
type RunOutcome string

const (
	// OutcomeSuccess indicates the attempt completed successfully.
	OutcomeSuccess RunOutcome = "success"
	// OutcomeFailure indicates the attempt failed.
	OutcomeFailure RunOutcome = "failure"
)

// Valid returns true if the outcome is a known terminal value.
func (o RunOutcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// Run represents one attempt to process a work item by one agent.
//
// Invariant: at most one Run per work item has an empty Outcome.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`
	// AgentKey identifies the agent performing the attempt.
	AgentKey string `json:"agent_key"`
	// WorkItemID references the work item being processed.
	WorkItemID string `json:"work_item_id"`
	// StartedAt is when the lease was granted.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when the run completed; nil while active.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Outcome is empty while the run is active.
	Outcome RunOutcome `json:"outcome,omitempty"`
	// IdempotencyKey is the fingerprint of the attempt; globally unique
	// when set.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// Branch is the branch the workspace runner pushed, if any.
	Branch string `json:"branch,omitempty"`
	// PRNumber is the review request opened for this run, if any.
	PRNumber int `json:"pr_number,omitempty"`
	// HeadSHA is the head commit of the pushed branch, if any.
	HeadSHA string `json:"head_sha,omitempty"`
	// CheckID is the external build/check identifier, if any.
	CheckID string `json:"check_id,omitempty"`
	// CheckConclusion is the latest build/check conclusion, if any.
	CheckConclusion string `json:"check_conclusion,omitempty"`
	// Log accumulates free-text progress output for the run.
	Log string `json:"log,omitempty"`
	// TokensUsed is the number of tokens consumed by the brain.
	TokensUsed int64 `json:"tokens_used"`
	// Cost is the total cost in dollars for this run's API usage.
	Cost float64 `json:"cost"`
}

// Active returns true if the run has not yet reached an outcome.
func (r *Run) Active() bool {
	return r.Outcome == ""
}
