package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/pkg/models"
)

// CreateWorkItem inserts a new work item. Zero priority is replaced
// with the default, and status defaults to pending.
func (db *DB) CreateWorkItem(w *models.WorkItem) error {
	if w.Priority == 0 {
		w.Priority = models.DefaultPriority
	}
	if w.Status == "" {
		w.Status = models.WorkItemPending
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}

	payload, err := marshalPayload(w.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO work_items (id, project_id, work_type, priority, status, payload, source_ref, assigned_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.ProjectID, w.WorkType, w.Priority, string(w.Status), payload, w.SourceRef, w.AssignedTo, formatTime(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("create work item: %w", err)
	}
	return nil
}

// GetWorkItem retrieves a work item by ID. Returns nil if not found.
func (db *DB) GetWorkItem(id string) (*models.WorkItem, error) {
	row := db.QueryRow(workItemSelect+` WHERE id = ?`, id)
	return scanWorkItem(row)
}

// GetWorkItemBySourceRef retrieves a work item by its external source
// reference (e.g. "issue:42"). If several exist, the newest wins.
func (db *DB) GetWorkItemBySourceRef(sourceRef string) (*models.WorkItem, error) {
	row := db.QueryRow(workItemSelect+`
		WHERE source_ref = ? ORDER BY created_at DESC LIMIT 1
	`, sourceRef)
	return scanWorkItem(row)
}

// ListWorkItems lists work items, optionally filtered by status,
// ordered by priority then age.
func (db *DB) ListWorkItems(status *models.WorkItemStatus) ([]models.WorkItem, error) {
	query := workItemSelect
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	return scanWorkItems(rows)
}

// CountLockedByAgent returns the number of in-progress work items
// currently locked by the given agent.
func (db *DB) CountLockedByAgent(agentKey string) (int, error) {
	var n int
	row := db.QueryRow(`
		SELECT COUNT(*) FROM work_items WHERE status = 'in_progress' AND locked_by = ?
	`, agentKey)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count locked items: %w", err)
	}
	return n, nil
}

// CountPending returns the number of pending, unlocked work items.
func (db *DB) CountPending() (int, error) {
	var n int
	row := db.QueryRow(`
		SELECT COUNT(*) FROM work_items WHERE status = 'pending' AND locked_by IS NULL
	`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending items: %w", err)
	}
	return n, nil
}

// DeleteWorkItem deletes a work item; its runs cascade.
func (db *DB) DeleteWorkItem(id string) error {
	_, err := db.Exec(`DELETE FROM work_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete work item: %w", err)
	}
	return nil
}

const workItemSelect = `
	SELECT id, project_id, work_type, priority, status, payload, source_ref, assigned_to, locked_by, locked_at, created_at
	FROM work_items`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItemFrom(s rowScanner) (*models.WorkItem, error) {
	var w models.WorkItem
	var payload, createdAt string
	var lockedBy, lockedAt sql.NullString
	err := s.Scan(&w.ID, &w.ProjectID, &w.WorkType, &w.Priority, &w.Status,
		&payload, &w.SourceRef, &w.AssignedTo, &lockedBy, &lockedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	if lockedBy.Valid {
		w.LockedBy = lockedBy.String
	}
	w.LockedAt = parseNullableTime(lockedAt)
	w.CreatedAt, _ = parseTime(createdAt)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &w.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	return &w, nil
}

func scanWorkItem(row *sql.Row) (*models.WorkItem, error) {
	w, err := scanWorkItemFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return w, nil
}

func scanWorkItems(rows *sql.Rows) ([]models.WorkItem, error) {
	var items []models.WorkItem
	for rows.Next() {
		w, err := scanWorkItemFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, *w)
	}
	return items, rows.Err()
}

func marshalPayload(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
