// Package workspace executes the external change-publish workflow for
// a claimed work item inside an isolated, ephemeral working area:
// provision, obtain source, branch, merge upstream, apply the declared
// changes, commit, publish, open a review request, clean up.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quarryhq/quarry/internal/git"
	"github.com/quarryhq/quarry/internal/hosting"
	"github.com/quarryhq/quarry/internal/idempotency"
	"github.com/quarryhq/quarry/internal/secrets"
	"github.com/quarryhq/quarry/internal/tracker"
	"github.com/quarryhq/quarry/pkg/models"
)

// shallowDepth is the clone depth used to obtain source quickly.
const shallowDepth = 1

// ChangeSet is the declared set of changes the runner applies.
type ChangeSet struct {
	// FileWrites is the declared file set to write.
	FileWrites []models.FileWrite
	// CommitMessage overrides the generated commit message when set.
	CommitMessage string
	// Title is the review request title.
	Title string
	// Body is the review request body.
	Body string
}

// Config contains the collaborators a Runner needs.
type Config struct {
	// BaseDir is where isolated working areas are created.
	BaseDir string
	// Guard answers idempotency checks before any external side effect.
	Guard *idempotency.Guard
	// Tracker records step logs and run completion.
	Tracker *tracker.Tracker
	// Secrets resolves the project's named push token at call time.
	Secrets secrets.Resolver
	// Host opens review requests.
	Host hosting.Host
	// GitFactory creates a git runner for a directory. Defaults to the
	// exec-backed runner; tests inject fakes.
	GitFactory func(dir string) git.Runner
	// Now is the clock used for branch naming. Defaults to time.Now.
	Now func() time.Time
}

// Runner drives the workspace workflow. Concurrent invocations operate
// on disjoint working areas and share no mutable filesystem state.
type Runner struct {
	baseDir string
	guard   *idempotency.Guard
	tracker *tracker.Tracker
	secrets secrets.Resolver
	host    hosting.Host
	newGit  func(dir string) git.Runner
	now     func() time.Time
}

// New creates a workspace Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		cfg.BaseDir = filepath.Join(home, ".cache", "quarry", "workspaces")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace base directory: %w", err)
	}
	if cfg.GitFactory == nil {
		cfg.GitFactory = func(dir string) git.Runner { return git.NewRunner(dir) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		baseDir: cfg.BaseDir,
		guard:   cfg.Guard,
		tracker: cfg.Tracker,
		secrets: cfg.Secrets,
		host:    cfg.Host,
		newGit:  cfg.GitFactory,
		now:     cfg.Now,
	}, nil
}

// Execute runs the full workflow for one claimed work item. The run is
// completed (success or failure) on every path except caller
// cancellation: when ctx expires mid-flight, Execute returns the
// context error without completing, and the caller must release the
// work item so another agent can retry.
//
// The working area is removed on every exit path; cleanup failures are
// logged but never escalate the outcome.
func (r *Runner) Execute(ctx context.Context, project *models.Project, item *models.WorkItem, run *models.Run, changes *ChangeSet) error {
	fp := idempotency.Fingerprint(item, run.AgentKey)

	// At-least-once tolerance: a crashed attempt that already succeeded
	// externally must not repeat the workflow.
	done, err := r.guard.AlreadySucceeded(fp)
	if err != nil {
		return r.fail(ctx, run, "idempotency check: "+err.Error())
	}
	if done {
		r.log(run, "fingerprint already succeeded, skipping workflow")
		_, err := r.tracker.Complete(run.ID, models.OutcomeSuccess, tracker.CompleteFields{
			Reason: "duplicate of prior successful attempt " + fp,
		})
		return err
	}

	// provision
	dir := filepath.Join(r.baseDir, "ws-"+run.ID)
	repoDir := filepath.Join(dir, "repo")
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		return r.fail(ctx, run, "provision workspace: "+err.Error())
	}
	defer r.cleanup(run, dir)
	r.log(run, "provisioned workspace "+dir)

	env, err := r.credentialEnv(dir, project)
	if err != nil {
		return r.fail(ctx, run, "resolve credentials: "+err.Error())
	}

	g := r.newGit(repoDir)

	// obtain source
	if err := g.Clone(project.RepoURL, project.DefaultBranch, shallowDepth, env); err != nil {
		return r.fail(ctx, run, "obtain source: "+err.Error())
	}
	r.log(run, "cloned "+project.RepoURL+" @ "+project.DefaultBranch)
	if err := ctx.Err(); err != nil {
		return err
	}

	// branch: derive from agent identity + timestamp; reuse a leftover
	// branch from a prior partial attempt instead of failing.
	branch := fmt.Sprintf("agent/%s-%d", run.AgentKey, r.now().Unix())
	if run.Branch != "" {
		branch = run.Branch
	}
	exists, err := g.BranchExists(branch)
	if err != nil {
		return r.fail(ctx, run, "check branch: "+err.Error())
	}
	if exists {
		if err := g.CheckoutBranch(branch); err != nil {
			return r.fail(ctx, run, "checkout existing branch: "+err.Error())
		}
		r.log(run, "reusing branch "+branch)
	} else {
		if err := g.CreateAndCheckoutBranch(branch); err != nil {
			return r.fail(ctx, run, "create branch: "+err.Error())
		}
		r.log(run, "created branch "+branch)
	}
	if err := r.tracker.SetRefs(run.ID, tracker.CompleteFields{Branch: branch}); err != nil {
		return r.fail(ctx, run, "record branch: "+err.Error())
	}

	// merge latest upstream to reduce conflict probability
	if err := g.Fetch(project.DefaultBranch, env); err != nil {
		return r.fail(ctx, run, "fetch upstream: "+err.Error())
	}
	if err := g.Merge("origin/" + project.DefaultBranch); err != nil {
		conflicted, _ := g.ConflictedFiles()
		_ = g.MergeAbort()
		return r.fail(ctx, run, fmt.Sprintf("merge upstream: %v (conflicts: %s)", err, strings.Join(conflicted, ", ")))
	}
	r.log(run, "merged origin/"+project.DefaultBranch)
	if err := ctx.Err(); err != nil {
		return err
	}

	// apply declared changes
	if err := applyFileWrites(repoDir, changes.FileWrites); err != nil {
		return r.fail(ctx, run, "apply changes: "+err.Error())
	}
	r.log(run, fmt.Sprintf("applied %d file writes", len(changes.FileWrites)))

	// commit
	if err := g.AddAll(); err != nil {
		return r.fail(ctx, run, "stage changes: "+err.Error())
	}
	dirty, err := g.HasChanges()
	if err != nil {
		return r.fail(ctx, run, "check changes: "+err.Error())
	}
	if dirty {
		if err := g.Commit(r.commitMessage(item, run, changes)); err != nil {
			return r.fail(ctx, run, "commit: "+err.Error())
		}
		r.log(run, "committed changes")
	} else {
		// Branch reuse can land here with the work already committed.
		r.log(run, "no new changes to commit")
	}

	sha, err := g.HeadSHA()
	if err != nil {
		return r.fail(ctx, run, "resolve head: "+err.Error())
	}

	// publish: a push rejection is a failure, never retried here; the
	// caller must re-lease.
	if err := g.Push(branch, env); err != nil {
		return r.fail(ctx, run, "publish: "+err.Error())
	}
	r.log(run, "pushed "+branch+" @ "+sha)
	if err := ctx.Err(); err != nil {
		return err
	}

	// open review request. On failure after a successful push the
	// branch is retained so a later attempt resumes from here.
	pr, err := r.host.OpenPullRequest(ctx, hosting.OpenPullRequestParams{
		Repo:        repoSlug(project.RepoURL),
		Title:       r.title(item, changes),
		Body:        changes.Body,
		Head:        branch,
		Base:        project.DefaultBranch,
		TokenSecret: project.TokenSecret,
	})
	if err != nil {
		return r.fail(ctx, run, "open review request (branch "+branch+" retained): "+err.Error())
	}
	r.log(run, fmt.Sprintf("opened review request #%d", pr.Number))

	headSHA := pr.HeadSHA
	if headSHA == "" {
		headSHA = sha
	}
	_, err = r.tracker.Complete(run.ID, models.OutcomeSuccess, tracker.CompleteFields{
		Branch:         branch,
		PRNumber:       pr.Number,
		HeadSHA:        headSHA,
		IdempotencyKey: fp,
		Reason:         fmt.Sprintf("review request #%d opened", pr.Number),
	})
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}

// fail marks the run failed with the reason and returns the reason as
// an error. When the context has been canceled the run is left active
// so the caller can release the work item for retry.
func (r *Runner) fail(ctx context.Context, run *models.Run, reason string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.log(run, "failed: "+reason)
	if _, err := r.tracker.Complete(run.ID, models.OutcomeFailure, tracker.CompleteFields{Reason: reason}); err != nil {
		return fmt.Errorf("record failure %q: %w", reason, err)
	}
	return errors.New(reason)
}

// cleanup removes the working area. It runs on every exit path and
// never escalates.
func (r *Runner) cleanup(run *models.Run, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		r.log(run, "cleanup failed: "+err.Error())
		return
	}
	r.log(run, "cleaned up workspace")
}

// log appends a step line to the run's log, best-effort.
func (r *Runner) log(run *models.Run, msg string) {
	_ = r.tracker.AppendLog(run.ID, msg)
}

// credentialEnv resolves the project's push token and stages it for
// injection through GIT_ASKPASS so it never appears on a command line
// or in process listings. Returns no extra environment when the
// project has no secret configured (public repositories).
func (r *Runner) credentialEnv(dir string, project *models.Project) ([]string, error) {
	if project.TokenSecret == "" {
		return nil, nil
	}
	token, err := r.secrets.Resolve(project.TokenSecret)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	askpass := filepath.Join(dir, "askpass.sh")
	script := "#!/bin/sh\necho \"$QUARRY_GIT_TOKEN\"\n"
	if err := os.WriteFile(askpass, []byte(script), 0700); err != nil {
		return nil, fmt.Errorf("write askpass helper: %w", err)
	}
	return []string{
		"GIT_ASKPASS=" + askpass,
		"GIT_TERMINAL_PROMPT=0",
		"QUARRY_GIT_TOKEN=" + token,
	}, nil
}

// commitMessage builds a structured commit message for the work item.
func (r *Runner) commitMessage(item *models.WorkItem, run *models.Run, changes *ChangeSet) string {
	if changes.CommitMessage != "" {
		return changes.CommitMessage
	}
	return fmt.Sprintf("%s: automated change\n\nWork-Item: %s\nAgent: %s", item.WorkType, item.ID, run.AgentKey)
}

// title builds the review request title.
func (r *Runner) title(item *models.WorkItem, changes *ChangeSet) string {
	if changes.Title != "" {
		return changes.Title
	}
	return fmt.Sprintf("%s: %s", item.WorkType, item.ID)
}

// applyFileWrites writes the declared file set under repoDir, rejecting
// paths that escape it.
func applyFileWrites(repoDir string, writes []models.FileWrite) error {
	for _, fw := range writes {
		if fw.Path == "" {
			return errors.New("file write with empty path")
		}
		clean := filepath.Clean(fw.Path)
		if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return fmt.Errorf("file write escapes repository: %s", fw.Path)
		}
		full := filepath.Join(repoDir, clean)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return fmt.Errorf("create directory for %s: %w", fw.Path, err)
		}
		if err := os.WriteFile(full, []byte(fw.Content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", fw.Path, err)
		}
	}
	return nil
}

// repoSlug extracts "owner/name" from a clone URL.
func repoSlug(repoURL string) string {
	s := strings.TrimSuffix(repoURL, ".git")
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.Index(s, ":"); i >= 0 && !strings.Contains(s[:i], "/") {
		// scp-like syntax: git@host:owner/name
		s = s[i+1:]
	}
	parts := strings.Split(s, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return s
}
