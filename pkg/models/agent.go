package models

import "time"

// Agent represents a named processing identity that leases and executes
// work items. Agents are globally scoped, not project scoped.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Key is the unique, human-readable agent name (e.g. "triage-bot").
	Key string `json:"key"`
	// Enabled controls whether the agent may lease work.
	Enabled bool `json:"enabled"`
	// MaxConcurrency is the maximum number of in-progress work items
	// this agent may hold at once.
	MaxConcurrency int `json:"max_concurrency"`
	// CreatedAt is when the agent was registered.
	CreatedAt time.Time `json:"created_at"`
}
