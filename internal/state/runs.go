package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/pkg/models"
)

// CreateRun inserts a new attempt record. Leasing creates runs
// atomically with the claim; this is for re-attempts against an item
// that is no longer locked.
func (db *DB) CreateRun(run *models.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := db.Exec(`
		INSERT INTO runs (id, agent_key, work_item_id, started_at)
		VALUES (?, ?, ?, ?)
	`, run.ID, run.AgentKey, run.WorkItemID, formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil if not found.
func (db *DB) GetRun(id string) (*models.Run, error) {
	row := db.QueryRow(runSelect+` WHERE id = ?`, id)
	return scanRun(row)
}

// GetActiveRun returns the active (no outcome) run for a work item, if
// any.
func (db *DB) GetActiveRun(workItemID string) (*models.Run, error) {
	row := db.QueryRow(runSelect+`
		WHERE work_item_id = ? AND outcome IS NULL
	`, workItemID)
	return scanRun(row)
}

// GetRunByPRNumber returns the run associated with a review request
// number, if any. If several exist, the newest wins.
func (db *DB) GetRunByPRNumber(prNumber int) (*models.Run, error) {
	row := db.QueryRow(runSelect+`
		WHERE pr_number = ? ORDER BY started_at DESC LIMIT 1
	`, prNumber)
	return scanRun(row)
}

// GetRunByBranch returns the run that pushed the given branch, if any.
func (db *DB) GetRunByBranch(branch string) (*models.Run, error) {
	row := db.QueryRow(runSelect+`
		WHERE branch = ? ORDER BY started_at DESC LIMIT 1
	`, branch)
	return scanRun(row)
}

// GetRunByHeadSHA returns the run whose pushed head matches the given
// commit, if any.
func (db *DB) GetRunByHeadSHA(sha string) (*models.Run, error) {
	row := db.QueryRow(runSelect+`
		WHERE head_sha = ? ORDER BY started_at DESC LIMIT 1
	`, sha)
	return scanRun(row)
}

// HasSucceededWithKey reports whether a run with the given idempotency
// key completed successfully.
func (db *DB) HasSucceededWithKey(key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var n int
	row := db.QueryRow(`
		SELECT COUNT(*) FROM runs WHERE idempotency_key = ? AND outcome = 'success'
	`, key)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return n > 0, nil
}

// ListRunsByWorkItem returns all runs for a work item, oldest first.
func (db *DB) ListRunsByWorkItem(workItemID string) ([]models.Run, error) {
	rows, err := db.Query(runSelect+`
		WHERE work_item_id = ? ORDER BY started_at ASC
	`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		r, err := scanRunFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// AppendRunLog appends a line to the run's log.
func (db *DB) AppendRunLog(runID, line string) error {
	_, err := db.Exec(`
		UPDATE runs SET log = log || ? WHERE id = ?
	`, line+"\n", runID)
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// SetRunRefs merges non-zero external reference fields onto a run
// without touching its outcome. Used when reference data arrives before
// the run completes (e.g. a PR opened event or a check update).
func (db *DB) SetRunRefs(runID string, refs RunRefs) error {
	_, err := db.Exec(`
		UPDATE runs SET
			branch = CASE WHEN ? = '' THEN branch ELSE ? END,
			pr_number = CASE WHEN ? = 0 THEN pr_number ELSE ? END,
			head_sha = CASE WHEN ? = '' THEN head_sha ELSE ? END,
			check_id = CASE WHEN ? = '' THEN check_id ELSE ? END,
			check_conclusion = CASE WHEN ? = '' THEN check_conclusion ELSE ? END
		WHERE id = ?
	`, refs.Branch, refs.Branch, refs.PRNumber, refs.PRNumber,
		refs.HeadSHA, refs.HeadSHA, refs.CheckID, refs.CheckID,
		refs.CheckConclusion, refs.CheckConclusion, runID)
	if err != nil {
		return fmt.Errorf("set run refs: %w", err)
	}
	return nil
}

// AddRunUsage accumulates token and cost usage onto a run.
func (db *DB) AddRunUsage(runID string, tokens int64, cost float64) error {
	_, err := db.Exec(`
		UPDATE runs SET tokens_used = tokens_used + ?, cost = cost + ? WHERE id = ?
	`, tokens, cost, runID)
	if err != nil {
		return fmt.Errorf("add run usage: %w", err)
	}
	return nil
}

// RunRefs carries the external reference fields that may be merged onto
// a run. Zero values are left unchanged.
type RunRefs struct {
	Branch          string
	PRNumber        int
	HeadSHA         string
	CheckID         string
	CheckConclusion string
	IdempotencyKey  string
}

const runSelect = `
	SELECT id, agent_key, work_item_id, started_at, finished_at, outcome,
		idempotency_key, branch, pr_number, head_sha, check_id, check_conclusion,
		log, tokens_used, cost
	FROM runs`

func scanRunFrom(s rowScanner) (*models.Run, error) {
	var r models.Run
	var startedAt string
	var finishedAt, outcome, idemKey sql.NullString
	err := s.Scan(&r.ID, &r.AgentKey, &r.WorkItemID, &startedAt, &finishedAt, &outcome,
		&idemKey, &r.Branch, &r.PRNumber, &r.HeadSHA, &r.CheckID, &r.CheckConclusion,
		&r.Log, &r.TokensUsed, &r.Cost)
	if err != nil {
		return nil, err
	}

	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	if outcome.Valid {
		r.Outcome = models.RunOutcome(outcome.String)
	}
	if idemKey.Valid {
		r.IdempotencyKey = idemKey.String
	}
	return &r, nil
}

func scanRun(row *sql.Row) (*models.Run, error) {
	r, err := scanRunFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}
