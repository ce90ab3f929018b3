// Package git provides an interface for the git operations the
// workspace runner performs.
package git

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ExecRunner implements Runner using exec.Command.
type ExecRunner struct {
	dir string
}

// NewRunner creates a new git runner operating in the given directory.
func NewRunner(dir string) *ExecRunner {
	return &ExecRunner{dir: dir}
}

// run executes a git command and returns its trimmed output.
func (r *ExecRunner) run(args ...string) (string, error) {
	return r.runEnv(nil, args...)
}

// runEnv executes a git command with extra environment entries
// appended to the inherited environment.
func (r *ExecRunner) runEnv(extraEnv []string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command and ignores output.
func (r *ExecRunner) runSilent(args ...string) error {
	_, err := r.run(args...)
	return err
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(args ...string) (string, error) {
	return r.run(args...)
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// CreateAndCheckoutBranch creates and switches to a new branch (git checkout -b).
func (r *ExecRunner) CreateAndCheckoutBranch(name string) error {
	return r.runSilent("checkout", "-b", name)
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(name string) error {
	return r.runSilent("checkout", name)
}

// BranchExists returns true if the branch exists locally or on the
// origin remote.
func (r *ExecRunner) BranchExists(name string) (bool, error) {
	for _, ref := range []string{"refs/heads/" + name, "refs/remotes/origin/" + name} {
		cmd := exec.Command("git", "show-ref", "--verify", "--quiet", ref)
		cmd.Dir = r.dir
		err := cmd.Run()
		if err == nil {
			return true, nil
		}
		// Exit code 1 means the ref doesn't exist (not an error)
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			continue
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return false, nil
}

// AddAll stages all changes in the working tree.
func (r *ExecRunner) AddAll() error {
	return r.runSilent("add", "-A")
}

// Commit creates a new commit with the given message.
func (r *ExecRunner) Commit(message string) error {
	return r.runSilent("commit", "-m", message)
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges() (bool, error) {
	out, err := r.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// HeadSHA returns the full hash of the current HEAD commit.
func (r *ExecRunner) HeadSHA() (string, error) {
	return r.run("rev-parse", "HEAD")
}

// Merge merges the specified ref into the current branch.
func (r *ExecRunner) Merge(ref string) error {
	return r.runSilent("merge", "--no-edit", ref)
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort() error {
	return r.runSilent("merge", "--abort")
}

// ConflictedFiles returns a list of files with unmerged changes.
func (r *ExecRunner) ConflictedFiles() ([]string, error) {
	out, err := r.run("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Clone fetches the repository into the runner's directory. A depth
// greater than zero performs a shallow clone.
func (r *ExecRunner) Clone(url, branch string, depth int, env []string) error {
	args := []string{"clone"}
	if depth > 0 {
		args = append(args, "--depth", strconv.Itoa(depth))
	}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, ".")
	_, err := r.runEnv(env, args...)
	return err
}

// Fetch updates the given ref from origin.
func (r *ExecRunner) Fetch(ref string, env []string) error {
	_, err := r.runEnv(env, "fetch", "origin", ref)
	return err
}

// Push pushes the branch to origin, setting upstream.
func (r *ExecRunner) Push(branch string, env []string) error {
	_, err := r.runEnv(env, "push", "-u", "origin", branch)
	return err
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
