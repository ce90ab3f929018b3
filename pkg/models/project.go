package models

import "time"

// Project represents a repository that work items belong to.
//
// TokenSecret names a secret resolved at execution time; the token
// itself is never stored on the project record.
type Project struct {
	// ID is the unique identifier for this project.
	ID string `json:"id"`
	// Name is the human-readable project name.
	Name string `json:"name"`
	// RepoURL is the clone URL of the hosted repository.
	RepoURL string `json:"repo_url"`
	// DefaultBranch is the branch work is based on (e.g. "main").
	DefaultBranch string `json:"default_branch"`
	// TokenSecret is the name of the secret holding the push token.
	TokenSecret string `json:"token_secret"`
	// CreatedAt is when the project was registered.
	CreatedAt time.Time `json:"created_at"`
}
