package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/pkg/models"
)

// ErrTerminal is returned when an operation is attempted on a work item
// that has already reached a terminal status.
var ErrTerminal = errors.New("work item is in a terminal state")

// LeaseNext atomically claims the highest-priority pending work item
// for the given agent and creates its run, all in one transaction.
//
// The claim is a single guarded UPDATE: SQLite serializes writers, so
// concurrent callers each observe the post-claim state and either claim
// a distinct row or none. The subquery orders by priority (descending)
// then creation time, and the outer guard re-checks pending+unlocked so
// a row claimed between plan and execution is skipped, never granted
// twice. The concurrency cap is enforced inside the same statement.
//
// Returns (nil, nil, nil) when no work is available or the agent is at
// its cap.
func (db *DB) LeaseNext(agentKey string, maxConcurrency int) (*models.WorkItem, *models.Run, error) {
	now := time.Now()
	var item *models.WorkItem
	var run *models.Run

	err := db.Transaction(func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRow(`
			UPDATE work_items
			SET status = 'in_progress', locked_by = ?, locked_at = ?
			WHERE id = (
				SELECT id FROM work_items
				WHERE status = 'pending' AND locked_by IS NULL
				ORDER BY priority DESC, created_at ASC
				LIMIT 1
			)
			AND status = 'pending' AND locked_by IS NULL
			AND (SELECT COUNT(*) FROM work_items WHERE status = 'in_progress' AND locked_by = ?) < ?
			RETURNING id
		`, agentKey, formatTime(now), agentKey, maxConcurrency).Scan(&id)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim work item: %w", err)
		}

		row := tx.QueryRow(workItemSelect+` WHERE id = ?`, id)
		item, err = scanWorkItemFrom(row)
		if err != nil {
			return fmt.Errorf("load claimed item: %w", err)
		}

		run = &models.Run{
			ID:         uuid.New().String(),
			AgentKey:   agentKey,
			WorkItemID: id,
			StartedAt:  now,
		}
		_, err = tx.Exec(`
			INSERT INTO runs (id, agent_key, work_item_id, started_at)
			VALUES (?, ?, ?, ?)
		`, run.ID, run.AgentKey, run.WorkItemID, formatTime(run.StartedAt))
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return item, run, nil
}

// Release clears the lock fields on a work item and reverts it to
// pending so another agent can lease it. A still-active run for the
// item is finalized as a failure first, preserving the one-active-run
// invariant. Terminal items are rejected with ErrTerminal.
func (db *DB) Release(workItemID, reason string) error {
	now := time.Now()
	return db.Transaction(func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRow(`SELECT status FROM work_items WHERE id = ?`, workItemID).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("release: work item %s not found", workItemID)
		}
		if err != nil {
			return fmt.Errorf("release: %w", err)
		}
		if models.WorkItemStatus(status).Terminal() {
			return ErrTerminal
		}

		if reason == "" {
			reason = "released"
		}
		_, err = tx.Exec(`
			UPDATE runs SET outcome = 'failure', finished_at = ?, log = log || ?
			WHERE work_item_id = ? AND outcome IS NULL
		`, formatTime(now), "released: "+reason+"\n", workItemID)
		if err != nil {
			return fmt.Errorf("finalize released run: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE work_items SET status = 'pending', locked_by = NULL, locked_at = NULL
			WHERE id = ?
		`, workItemID)
		if err != nil {
			return fmt.Errorf("release work item: %w", err)
		}
		return nil
	})
}

// CompleteRun sets a run's outcome and, in the same transaction,
// finalizes the parent work item's status and clears its lock fields.
// Returns false without changing anything if the run already has an
// outcome, making a second completion a no-op.
func (db *DB) CompleteRun(runID string, outcome models.RunOutcome, refs RunRefs) (bool, error) {
	if !outcome.Valid() {
		return false, fmt.Errorf("complete run: invalid outcome %q", outcome)
	}

	now := time.Now()
	applied := false
	err := db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE runs SET
				outcome = ?, finished_at = ?,
				idempotency_key = CASE WHEN ? = '' THEN idempotency_key ELSE ? END,
				branch = CASE WHEN ? = '' THEN branch ELSE ? END,
				pr_number = CASE WHEN ? = 0 THEN pr_number ELSE ? END,
				head_sha = CASE WHEN ? = '' THEN head_sha ELSE ? END,
				check_id = CASE WHEN ? = '' THEN check_id ELSE ? END,
				check_conclusion = CASE WHEN ? = '' THEN check_conclusion ELSE ? END
			WHERE id = ? AND outcome IS NULL
		`, string(outcome), formatTime(now),
			refs.IdempotencyKey, refs.IdempotencyKey,
			refs.Branch, refs.Branch,
			refs.PRNumber, refs.PRNumber,
			refs.HeadSHA, refs.HeadSHA,
			refs.CheckID, refs.CheckID,
			refs.CheckConclusion, refs.CheckConclusion,
			runID)
		if err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete run rows: %w", err)
		}
		if n == 0 {
			return nil
		}

		var workItemID string
		if err := tx.QueryRow(`SELECT work_item_id FROM runs WHERE id = ?`, runID).Scan(&workItemID); err != nil {
			return fmt.Errorf("lookup run work item: %w", err)
		}

		itemStatus := models.WorkItemCompleted
		if outcome == models.OutcomeFailure {
			itemStatus = models.WorkItemFailed
		}
		_, err = tx.Exec(`
			UPDATE work_items SET status = ?, locked_by = NULL, locked_at = NULL
			WHERE id = ?
		`, string(itemStatus), workItemID)
		if err != nil {
			return fmt.Errorf("finalize work item: %w", err)
		}

		applied = true
		return nil
	})
	return applied, err
}

// FinalizeWorkItem moves a work item directly to a terminal status when
// no run exists to complete (e.g. an issue closed upstream before any
// agent leased it). Lock fields are cleared. No-op on terminal items.
func (db *DB) FinalizeWorkItem(workItemID string, status models.WorkItemStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finalize work item: %q is not terminal", status)
	}
	res, err := db.Exec(`
		UPDATE work_items SET status = ?, locked_by = NULL, locked_at = NULL
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`, string(status), workItemID)
	if err != nil {
		return false, fmt.Errorf("finalize work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResetForRetry moves a failed work item back to pending and clears its
// lock fields so it can be leased again.
func (db *DB) ResetForRetry(workItemID string) error {
	res, err := db.Exec(`
		UPDATE work_items SET status = 'pending', locked_by = NULL, locked_at = NULL
		WHERE id = ? AND status = 'failed'
	`, workItemID)
	if err != nil {
		return fmt.Errorf("reset work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("reset work item: %s is not failed", workItemID)
	}
	return nil
}

// SweepStaleLeases releases work items whose lease is older than the
// given age. Used by the recovery sweep to recover from crashed agents.
// Returns the IDs of released items.
func (db *DB) SweepStaleLeases(olderThan time.Duration) ([]string, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	rows, err := db.Query(`
		SELECT id FROM work_items
		WHERE status = 'in_progress' AND locked_at IS NOT NULL AND locked_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweep stale leases: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sweep scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var released []string
	for _, id := range ids {
		if err := db.Release(id, "lease expired"); err != nil {
			if errors.Is(err, ErrTerminal) {
				continue
			}
			return released, err
		}
		released = append(released, id)
	}
	return released, nil
}
