// Package git provides an interface for the git operations the
// workspace runner performs.
package git

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// CreateAndCheckoutBranch creates and switches to a new branch (git checkout -b).
	CreateAndCheckoutBranch(name string) error
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// BranchExists returns true if the branch exists locally or on the remote.
	BranchExists(name string) (bool, error)
}

// CommitOperations defines the interface for staging and committing.
type CommitOperations interface {
	// AddAll stages all changes in the working tree.
	AddAll() error
	// Commit creates a new commit with the given message.
	Commit(message string) error
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// HeadSHA returns the full hash of the current HEAD commit.
	HeadSHA() (string, error)
}

// MergeOperations defines the interface for git merge operations.
type MergeOperations interface {
	// Merge merges the specified ref into the current branch.
	Merge(ref string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
	// ConflictedFiles returns a list of files with unmerged changes.
	ConflictedFiles() ([]string, error)
}

// RemoteOperations defines the interface for operations against the
// origin remote. Credentialed operations take environment entries so a
// token can be injected out-of-band (GIT_ASKPASS) and never appear on
// the command line.
type RemoteOperations interface {
	// Clone fetches the repository into the runner's directory.
	// A depth > 0 performs a shallow clone.
	Clone(url, branch string, depth int, env []string) error
	// Fetch updates the given ref from origin.
	Fetch(ref string, env []string) error
	// Push pushes the branch to origin, setting upstream.
	Push(branch string, env []string) error
}

// Runner defines the complete interface for git operations. Consumers
// should prefer the focused interfaces when possible.
type Runner interface {
	BranchOperations
	CommitOperations
	MergeOperations
	RemoteOperations
	// Run executes an arbitrary git command with the given arguments.
	Run(args ...string) (string, error)
}
