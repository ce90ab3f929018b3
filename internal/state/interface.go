// Package state provides SQLite-based persistence for quarry.
package state

import (
	"io"
	"time"

	"github.com/quarryhq/quarry/pkg/models"
)

// WorkItemStore handles work-item persistence operations.
type WorkItemStore interface {
	CreateWorkItem(w *models.WorkItem) error
	GetWorkItem(id string) (*models.WorkItem, error)
	GetWorkItemBySourceRef(sourceRef string) (*models.WorkItem, error)
	ListWorkItems(status *models.WorkItemStatus) ([]models.WorkItem, error)
	CountLockedByAgent(agentKey string) (int, error)
}

// RunStore handles run persistence operations.
type RunStore interface {
	CreateRun(run *models.Run) error
	GetRun(id string) (*models.Run, error)
	GetActiveRun(workItemID string) (*models.Run, error)
	GetRunByPRNumber(prNumber int) (*models.Run, error)
	GetRunByBranch(branch string) (*models.Run, error)
	GetRunByHeadSHA(sha string) (*models.Run, error)
	HasSucceededWithKey(key string) (bool, error)
	AppendRunLog(runID, line string) error
	SetRunRefs(runID string, refs RunRefs) error
}

// QueueStore handles the claim/release/complete transitions.
type QueueStore interface {
	LeaseNext(agentKey string, maxConcurrency int) (*models.WorkItem, *models.Run, error)
	Release(workItemID, reason string) error
	CompleteRun(runID string, outcome models.RunOutcome, refs RunRefs) (bool, error)
	FinalizeWorkItem(workItemID string, status models.WorkItemStatus) (bool, error)
	SweepStaleLeases(olderThan time.Duration) ([]string, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the full persistence interface. It composes focused
// sub-interfaces so components can depend only on what they use.
type Store interface {
	io.Closer
	Migrator
	WorkItemStore
	RunStore
	QueueStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store         = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
	_ WorkItemStore = (*DB)(nil)
	_ RunStore      = (*DB)(nil)
	_ QueueStore    = (*DB)(nil)
)
