// Package tracker owns run completion. It is the single writer of
// terminal work-item status: the workspace runner (synchronous path)
// and the webhook reconciler (asynchronous path) both call through it
// and never mutate work items directly.
package tracker

import (
	"fmt"

	"github.com/quarryhq/quarry/internal/audit"
	"github.com/quarryhq/quarry/internal/metrics"
	"github.com/quarryhq/quarry/internal/state"
	"github.com/quarryhq/quarry/pkg/models"
)

// CompleteFields carries the optional external reference fields merged
// onto a run at completion. Zero values are left unchanged.
type CompleteFields struct {
	Branch          string
	PRNumber        int
	HeadSHA         string
	CheckID         string
	CheckConclusion string
	IdempotencyKey  string
	// Reason is appended to the run log when non-empty.
	Reason string
}

// Tracker finalizes runs and their work items.
type Tracker struct {
	db      *state.DB
	audit   *audit.Recorder
	metrics *metrics.Metrics
}

// New creates a Tracker. audit and metrics may be nil.
func New(db *state.DB, rec *audit.Recorder, m *metrics.Metrics) *Tracker {
	return &Tracker{db: db, audit: rec, metrics: m}
}

// Complete transitions a run to the given outcome, merges reference
// fields, and, in the same transaction, finalizes the parent work
// item and clears its lock fields. A second completion of the same run
// is a no-op and returns false.
func (t *Tracker) Complete(runID string, outcome models.RunOutcome, fields CompleteFields) (bool, error) {
	if fields.Reason != "" {
		if err := t.db.AppendRunLog(runID, fields.Reason); err != nil {
			return false, err
		}
	}

	applied, err := t.db.CompleteRun(runID, outcome, state.RunRefs{
		Branch:          fields.Branch,
		PRNumber:        fields.PRNumber,
		HeadSHA:         fields.HeadSHA,
		CheckID:         fields.CheckID,
		CheckConclusion: fields.CheckConclusion,
		IdempotencyKey:  fields.IdempotencyKey,
	})
	if err != nil {
		return false, fmt.Errorf("complete run %s: %w", runID, err)
	}
	if !applied {
		return false, nil
	}

	t.recordTransition(runID, outcome, fields.Reason)
	return true, nil
}

// CompleteWorkItem finalizes a work item that may or may not have an
// active run. With an active run, it completes the run (and the item
// with it); without one, it moves the item directly to its terminal
// status. Used by the reconciler for externally resolved items, e.g.
// an issue closed upstream before any agent leased it.
func (t *Tracker) CompleteWorkItem(workItemID string, outcome models.RunOutcome, reason string) (bool, error) {
	run, err := t.db.GetActiveRun(workItemID)
	if err != nil {
		return false, err
	}
	if run != nil {
		return t.Complete(run.ID, outcome, CompleteFields{Reason: reason})
	}

	status := models.WorkItemCompleted
	if outcome == models.OutcomeFailure {
		status = models.WorkItemFailed
	}
	applied, err := t.db.FinalizeWorkItem(workItemID, status)
	if err != nil {
		return false, fmt.Errorf("finalize work item %s: %w", workItemID, err)
	}
	if applied {
		t.recordTransition(workItemID, outcome, reason)
	}
	return applied, nil
}

// ResetForRetry moves a failed work item back to pending, clearing its
// lock fields.
func (t *Tracker) ResetForRetry(workItemID string) error {
	if err := t.db.ResetForRetry(workItemID); err != nil {
		return err
	}
	if t.audit != nil {
		_ = t.audit.Record(audit.Entry{
			EventType: "work_item_retry",
			Status:    audit.StatusAccepted,
			Payload:   []byte(workItemID),
		})
	}
	return nil
}

// AppendLog appends a line to a run's log.
func (t *Tracker) AppendLog(runID, line string) error {
	return t.db.AppendRunLog(runID, line)
}

// SetRefs merges external reference fields onto a run without touching
// its outcome.
func (t *Tracker) SetRefs(runID string, fields CompleteFields) error {
	return t.db.SetRunRefs(runID, state.RunRefs{
		Branch:          fields.Branch,
		PRNumber:        fields.PRNumber,
		HeadSHA:         fields.HeadSHA,
		CheckID:         fields.CheckID,
		CheckConclusion: fields.CheckConclusion,
	})
}

// recordTransition emits the audit record and metric for one applied
// completion. Audit side effects are explicit calls here, not model
// lifecycle hooks, so causality stays visible.
func (t *Tracker) recordTransition(subject string, outcome models.RunOutcome, reason string) {
	if t.metrics != nil {
		t.metrics.RunCompleted(string(outcome))
	}
	if t.audit == nil {
		return
	}
	status := audit.StatusCompleted
	if outcome == models.OutcomeFailure {
		status = audit.StatusFailed
	}
	_ = t.audit.Record(audit.Entry{
		EventType: "run_complete",
		Status:    status,
		Payload:   []byte(subject + ": " + reason),
	})
}
