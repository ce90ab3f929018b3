package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/pkg/models"
)

// CreateProject registers a new project.
func (db *DB) CreateProject(p *models.Project) error {
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO projects (id, name, repo_url, default_branch, token_secret, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.RepoURL, p.DefaultBranch, p.TokenSecret, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID. Returns nil if not found.
func (db *DB) GetProject(id string) (*models.Project, error) {
	row := db.QueryRow(`
		SELECT id, name, repo_url, default_branch, token_secret, created_at
		FROM projects WHERE id = ?
	`, id)
	return scanProject(row)
}

// GetProjectByName retrieves a project by name. Returns nil if not
// found.
func (db *DB) GetProjectByName(name string) (*models.Project, error) {
	row := db.QueryRow(`
		SELECT id, name, repo_url, default_branch, token_secret, created_at
		FROM projects WHERE name = ? LIMIT 1
	`, name)
	return scanProject(row)
}

// ListProjects returns all projects ordered by name.
func (db *DB) ListProjects() ([]models.Project, error) {
	rows, err := db.Query(`
		SELECT id, name, repo_url, default_branch, token_secret, created_at
		FROM projects ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.RepoURL, &p.DefaultBranch, &p.TokenSecret, &createdAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt, _ = parseTime(createdAt)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func scanProject(row *sql.Row) (*models.Project, error) {
	var p models.Project
	var createdAt string
	err := row.Scan(&p.ID, &p.Name, &p.RepoURL, &p.DefaultBranch, &p.TokenSecret, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.CreatedAt, _ = parseTime(createdAt)
	return &p, nil
}
