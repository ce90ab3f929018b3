// Package queue orders pending work items and hands them to agents
// with exactly-once claiming semantics.
package queue

import (
	"fmt"

	"github.com/quarryhq/quarry/internal/metrics"
	"github.com/quarryhq/quarry/internal/state"
	"github.com/quarryhq/quarry/pkg/models"
)

// ErrTerminal is returned when releasing a work item that has already
// reached a terminal status.
var ErrTerminal = state.ErrTerminal

// Queue grants leases over pending work items. All ordering and
// claim atomicity lives in the storage layer; the queue adds the
// agent-facing policy: disabled agents never lease, and concurrency
// caps return no work rather than an error.
type Queue struct {
	db      *state.DB
	metrics *metrics.Metrics
}

// New creates a Queue. metrics may be nil.
func New(db *state.DB, m *metrics.Metrics) *Queue {
	return &Queue{db: db, metrics: m}
}

// LeaseNext claims the next eligible work item for the agent, creating
// its run in the same transaction. Returns (nil, nil, nil) when no
// work is available, the agent is disabled, or the agent is at its
// concurrency cap; contention is not an error.
func (q *Queue) LeaseNext(agent *models.Agent) (*models.WorkItem, *models.Run, error) {
	if agent == nil || !agent.Enabled {
		return nil, nil, nil
	}
	maxConcurrency := agent.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	item, run, err := q.db.LeaseNext(agent.Key, maxConcurrency)
	if err != nil {
		return nil, nil, fmt.Errorf("lease next: %w", err)
	}
	if item != nil && q.metrics != nil {
		q.metrics.LeaseGranted()
	}
	return item, run, nil
}

// Release returns a leased work item to the pending queue so another
// agent can retry it. Rejects terminal items with ErrTerminal.
func (q *Queue) Release(workItemID, reason string) error {
	return q.db.Release(workItemID, reason)
}

// Depth returns the number of pending, unlocked work items.
func (q *Queue) Depth() (int, error) {
	return q.db.CountPending()
}
