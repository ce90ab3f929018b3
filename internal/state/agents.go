package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/pkg/models"
)

// CreateAgent registers a new agent.
func (db *DB) CreateAgent(a *models.Agent) error {
	if a.MaxConcurrency <= 0 {
		a.MaxConcurrency = 1
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO agents (id, key, enabled, max_concurrency, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.Key, boolToInt(a.Enabled), a.MaxConcurrency, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetAgentByKey retrieves an agent by its unique key. Returns nil if
// not found.
func (db *DB) GetAgentByKey(key string) (*models.Agent, error) {
	row := db.QueryRow(`
		SELECT id, key, enabled, max_concurrency, created_at FROM agents WHERE key = ?
	`, key)
	return scanAgent(row)
}

// UpdateAgent updates an agent's enabled flag and concurrency limit.
func (db *DB) UpdateAgent(a *models.Agent) error {
	_, err := db.Exec(`
		UPDATE agents SET enabled = ?, max_concurrency = ? WHERE key = ?
	`, boolToInt(a.Enabled), a.MaxConcurrency, a.Key)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

// ListAgents returns all registered agents. If enabledOnly is true,
// disabled agents are excluded.
func (db *DB) ListAgents(enabledOnly bool) ([]models.Agent, error) {
	query := `SELECT id, key, enabled, max_concurrency, created_at FROM agents`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY key ASC`

	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var a models.Agent
		var enabled int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Key, &enabled, &a.MaxConcurrency, &createdAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Enabled = enabled != 0
		a.CreatedAt, _ = parseTime(createdAt)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(row *sql.Row) (*models.Agent, error) {
	var a models.Agent
	var enabled int
	var createdAt string
	err := row.Scan(&a.ID, &a.Key, &enabled, &a.MaxConcurrency, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.Enabled = enabled != 0
	a.CreatedAt, _ = parseTime(createdAt)
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
