// Package models defines the core data types shared across quarry.
package models

import "time"

// WorkItemStatus represents the current state of a work item.
type WorkItemStatus string

const (
	// WorkItemPending indicates the item is waiting to be leased.
	WorkItemPending WorkItemStatus = "pending"
	// WorkItemInProgress indicates the item is leased by an agent.
	WorkItemInProgress WorkItemStatus = "in_progress"
	// WorkItemCompleted indicates the item finished successfully.
	WorkItemCompleted WorkItemStatus = "completed"
	// WorkItemFailed indicates the item's attempt failed.
	WorkItemFailed WorkItemStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s WorkItemStatus) Valid() bool {
	switch s {
	case WorkItemPending, WorkItemInProgress, WorkItemCompleted, WorkItemFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s WorkItemStatus) Terminal() bool {
	return s == WorkItemCompleted || s == WorkItemFailed
}

// WorkItem represents a unit of schedulable work.
//
// Invariant: LockedBy and LockedAt are non-empty/non-nil exactly when
// Status is in_progress.
type WorkItem struct {
	// ID is the unique identifier for this work item.
	ID string `json:"id"`
	// ProjectID references the owning project.
	ProjectID string `json:"project_id"`
	// WorkType is a free-form classification tag (e.g. "issue_triage").
	WorkType string `json:"work_type"`
	// Priority orders the queue; higher is more urgent.
	Priority int `json:"priority"`
	// Status is the current state of the work item.
	Status WorkItemStatus `json:"status"`
	// Payload carries structured data interpreted by the agent brain.
	Payload map[string]any `json:"payload,omitempty"`
	// SourceRef links the item to an external object (e.g. "issue:42").
	SourceRef string `json:"source_ref,omitempty"`
	// AssignedTo is an advisory agent key preference.
	AssignedTo string `json:"assigned_to,omitempty"`
	// LockedBy is the key of the agent holding the lease, if any.
	LockedBy string `json:"locked_by,omitempty"`
	// LockedAt is when the lease was granted, if held.
	LockedAt *time.Time `json:"locked_at,omitempty"`
	// CreatedAt is when the work item was created.
	CreatedAt time.Time `json:"created_at"`
}

// DefaultPriority is assigned to work items created without an explicit
// priority.
const DefaultPriority = 5
