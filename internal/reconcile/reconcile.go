// Package reconcile maps external host events onto local work items and
// runs. It handles a closed set of event kinds; anything outside the
// set is rejected so callers can surface it instead of silently
// swallowing unknown payloads.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/internal/state"
	"github.com/quarryhq/quarry/internal/tracker"
	"github.com/quarryhq/quarry/pkg/models"
)

// ErrUnsupportedEvent is returned for event types outside the handled
// set.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// EventKind enumerates the host event types the reconciler handles.
type EventKind string

const (
	// EventIssues covers issue lifecycle events.
	EventIssues EventKind = "issues"
	// EventPullRequest covers review request lifecycle events.
	EventPullRequest EventKind = "pull_request"
	// EventCheckRun covers build/check status events.
	EventCheckRun EventKind = "check_run"
)

// Supported reports whether the event type belongs to the handled set.
func Supported(eventType string) bool {
	switch EventKind(eventType) {
	case EventIssues, EventPullRequest, EventCheckRun:
		return true
	}
	return false
}

// failureConclusions are the check conclusions that finalize a run as
// failed. A successful check only updates fields; merge status decides
// overall success.
var failureConclusions = map[string]bool{
	"failure":   true,
	"timed_out": true,
	"cancelled": true,
}

type repoRef struct {
	FullName string `json:"full_name"`
}

type issuesEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	Repository repoRef `json:"repository"`
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository repoRef `json:"repository"`
}

type checkRunEvent struct {
	Action   string `json:"action"`
	CheckRun struct {
		ID         int64  `json:"id"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		HeadSHA    string `json:"head_sha"`
	} `json:"check_run"`
	Repository repoRef `json:"repository"`
}

// Reconciler updates work items and runs from host events.
type Reconciler struct {
	db      *state.DB
	tracker *tracker.Tracker
}

// New creates a Reconciler.
func New(db *state.DB, tr *tracker.Tracker) *Reconciler {
	return &Reconciler{db: db, tracker: tr}
}

// Handle dispatches one event. Events that reference nothing known
// locally are ignored without error; malformed payloads and unsupported
// types return errors.
func (r *Reconciler) Handle(ctx context.Context, eventType string, payload []byte) error {
	switch EventKind(eventType) {
	case EventIssues:
		var ev issuesEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode issues event: %w", err)
		}
		return r.handleIssues(&ev)
	case EventPullRequest:
		var ev pullRequestEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode pull_request event: %w", err)
		}
		return r.handlePullRequest(&ev)
	case EventCheckRun:
		var ev checkRunEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode check_run event: %w", err)
		}
		return r.handleCheckRun(&ev)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
	}
}

func (r *Reconciler) handleIssues(ev *issuesEvent) error {
	switch ev.Action {
	case "opened", "labeled":
		return r.ensureIssueItem(ev)
	case "closed":
		return r.closeIssueItem(ev)
	default:
		// Other issue actions carry no state transition.
		return nil
	}
}

// ensureIssueItem creates a work item for an issue if one does not
// exist yet. The source ref keeps re-delivered and re-labeled events
// from producing duplicate items.
func (r *Reconciler) ensureIssueItem(ev *issuesEvent) error {
	if ev.Issue.Number == 0 {
		return errors.New("issues event without issue number")
	}
	project, err := r.projectForRepo(ev.Repository.FullName)
	if err != nil {
		return err
	}
	if project == nil {
		return nil
	}

	sourceRef := fmt.Sprintf("issue:%d", ev.Issue.Number)
	existing, err := r.db.GetWorkItemBySourceRef(sourceRef)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	labels := make([]string, 0, len(ev.Issue.Labels))
	for _, l := range ev.Issue.Labels {
		labels = append(labels, l.Name)
	}
	item := &models.WorkItem{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		WorkType:  "issue",
		SourceRef: sourceRef,
		Priority:  priorityFromLabels(labels),
		Payload: map[string]any{
			"issue_number": ev.Issue.Number,
			"title":        ev.Issue.Title,
			"body":         ev.Issue.Body,
			"labels":       labels,
		},
	}
	return r.db.CreateWorkItem(item)
}

func (r *Reconciler) closeIssueItem(ev *issuesEvent) error {
	sourceRef := fmt.Sprintf("issue:%d", ev.Issue.Number)
	item, err := r.db.GetWorkItemBySourceRef(sourceRef)
	if err != nil || item == nil {
		return err
	}
	if item.Status.Terminal() {
		return nil
	}
	_, err = r.tracker.CompleteWorkItem(item.ID, models.OutcomeSuccess, "issue closed upstream")
	return err
}

func (r *Reconciler) handlePullRequest(ev *pullRequestEvent) error {
	number := ev.Number
	if number == 0 {
		number = ev.PullRequest.Number
	}
	switch ev.Action {
	case "opened":
		// Attach host-assigned identifiers to the run that pushed the
		// branch. Review requests opened outside an agent workflow
		// match no run and are ignored.
		run, err := r.db.GetRunByBranch(ev.PullRequest.Head.Ref)
		if err != nil || run == nil {
			return err
		}
		return r.tracker.SetRefs(run.ID, tracker.CompleteFields{
			PRNumber: number,
			HeadSHA:  ev.PullRequest.Head.SHA,
		})
	case "closed":
		run, err := r.db.GetRunByPRNumber(number)
		if err != nil || run == nil {
			return err
		}
		outcome := models.OutcomeFailure
		reason := fmt.Sprintf("review request #%d closed without merge", number)
		if ev.PullRequest.Merged {
			outcome = models.OutcomeSuccess
			reason = fmt.Sprintf("review request #%d merged", number)
		}
		_, err = r.tracker.Complete(run.ID, outcome, tracker.CompleteFields{Reason: reason})
		return err
	default:
		return nil
	}
}

func (r *Reconciler) handleCheckRun(ev *checkRunEvent) error {
	if ev.Action != "completed" {
		return nil
	}
	run, err := r.db.GetRunByHeadSHA(ev.CheckRun.HeadSHA)
	if err != nil || run == nil {
		return err
	}
	fields := tracker.CompleteFields{
		CheckID:         fmt.Sprintf("%d", ev.CheckRun.ID),
		CheckConclusion: ev.CheckRun.Conclusion,
	}
	if failureConclusions[ev.CheckRun.Conclusion] {
		fields.Reason = "check concluded " + ev.CheckRun.Conclusion
		_, err := r.tracker.Complete(run.ID, models.OutcomeFailure, fields)
		return err
	}
	return r.tracker.SetRefs(run.ID, fields)
}

// projectForRepo finds the registered project whose repository URL
// matches the event's repository slug. Events for unregistered
// repositories are ignored.
func (r *Reconciler) projectForRepo(fullName string) (*models.Project, error) {
	if fullName == "" {
		return nil, errors.New("event without repository")
	}
	projects, err := r.db.ListProjects()
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if repoSlug(projects[i].RepoURL) == fullName {
			return &projects[i], nil
		}
	}
	return nil, nil
}

// priorityFromLabels maps a "priority:N" label to a queue priority,
// falling back to the default.
func priorityFromLabels(labels []string) int {
	for _, l := range labels {
		var p int
		if _, err := fmt.Sscanf(l, "priority:%d", &p); err == nil && p >= 1 && p <= 10 {
			return p
		}
	}
	return models.DefaultPriority
}

// repoSlug extracts "owner/name" from a clone URL.
func repoSlug(repoURL string) string {
	s := strings.TrimSuffix(repoURL, ".git")
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.Index(s, ":"); i >= 0 && !strings.Contains(s[:i], "/") {
		s = s[i+1:]
	}
	parts := strings.Split(s, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return s
}
