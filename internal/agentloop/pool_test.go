package agentloop

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/internal/audit"
	"github.com/quarryhq/quarry/internal/brain"
	"github.com/quarryhq/quarry/internal/queue"
	"github.com/quarryhq/quarry/internal/state"
	"github.com/quarryhq/quarry/internal/tracker"
	"github.com/quarryhq/quarry/internal/workspace"
	"github.com/quarryhq/quarry/pkg/models"
)

type fakeBrain struct {
	resp *models.BrainResponse
	err  error
}

func (f *fakeBrain) Plan(_ context.Context, _ brain.Request) (*models.BrainResponse, brain.Usage, error) {
	usage := brain.Usage{InputTokens: 100, OutputTokens: 50, Cost: 0.001}
	if f.err != nil {
		return nil, usage, f.err
	}
	return f.resp, usage, nil
}

// fakeExecutor mimics the workspace contract: it finalizes the run
// unless the context is already done.
type fakeExecutor struct {
	tracker *tracker.Tracker
	calls   int
	changes *workspace.ChangeSet
	block   bool
}

func (f *fakeExecutor) Execute(ctx context.Context, _ *models.Project, _ *models.WorkItem, run *models.Run, changes *workspace.ChangeSet) error {
	f.calls++
	f.changes = changes
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	_, err := f.tracker.Complete(run.ID, models.OutcomeSuccess, tracker.CompleteFields{Reason: "done"})
	return err
}

type fixture struct {
	pool *Pool
	db   *state.DB
	exec *fakeExecutor
	item *models.WorkItem
}

func setupPool(t *testing.T, b brain.Brain) *fixture {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	p := &models.Project{ID: uuid.New().String(), Name: "demo", RepoURL: "https://example.com/acme/demo.git", DefaultBranch: "main"}
	if err := db.CreateProject(p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	w := &models.WorkItem{ID: uuid.New().String(), ProjectID: p.ID, WorkType: "issue"}
	if err := db.CreateWorkItem(w); err != nil {
		t.Fatalf("create work item: %v", err)
	}
	if err := db.CreateAgent(&models.Agent{ID: uuid.New().String(), Key: "agent-x", Enabled: true, MaxConcurrency: 1}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	tr := tracker.New(db, audit.NewRecorder(db), nil)
	agents, err := NewAgentCache(db, 8)
	if err != nil {
		t.Fatalf("agent cache: %v", err)
	}
	exec := &fakeExecutor{tracker: tr}
	pool := NewPool(PoolConfig{
		DB:             db,
		Queue:          queue.New(db, nil),
		Tracker:        tr,
		Brain:          b,
		Executor:       exec,
		Agents:         agents,
		AgentKeys:      []string{"agent-x"},
		PollInterval:   10 * time.Millisecond,
		ExecuteTimeout: time.Second,
	})
	return &fixture{pool: pool, db: db, exec: exec, item: w}
}

func TestRunOnceExecutesFileWrites(t *testing.T) {
	b := &fakeBrain{resp: &models.BrainResponse{
		Kind:       models.ResponseFileWrites,
		FileWrites: []models.FileWrite{{Path: "a.txt", Content: "a"}},
		Title:      "change",
	}}
	f := setupPool(t, b)

	worked, err := f.pool.runOnce(context.Background(), "agent-x")
	if err != nil || !worked {
		t.Fatalf("runOnce = %v, %v", worked, err)
	}
	if f.exec.calls != 1 {
		t.Fatalf("executor calls = %d", f.exec.calls)
	}
	if len(f.exec.changes.FileWrites) != 1 || f.exec.changes.Title != "change" {
		t.Errorf("change set = %+v", f.exec.changes)
	}

	item, _ := f.db.GetWorkItem(f.item.ID)
	if item.Status != models.WorkItemCompleted {
		t.Errorf("item status = %s", item.Status)
	}
	runs, _ := f.db.ListRunsByWorkItem(f.item.ID)
	if len(runs) != 1 || runs[0].TokensUsed != 150 {
		t.Errorf("usage not recorded: %+v", runs)
	}
}

func TestRunOnceIdleQueue(t *testing.T) {
	f := setupPool(t, &fakeBrain{resp: &models.BrainResponse{Kind: models.ResponseError, Error: "x"}})
	// Drain the single seeded item first.
	if _, err := f.pool.runOnce(context.Background(), "agent-x"); err != nil {
		t.Fatalf("first runOnce: %v", err)
	}
	worked, err := f.pool.runOnce(context.Background(), "agent-x")
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if worked {
		t.Error("empty queue should not report work")
	}
}

func TestRunOnceBrainErrorFailsRun(t *testing.T) {
	f := setupPool(t, &fakeBrain{err: errors.New("model unavailable")})

	if _, err := f.pool.runOnce(context.Background(), "agent-x"); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	item, _ := f.db.GetWorkItem(f.item.ID)
	if item.Status != models.WorkItemFailed {
		t.Errorf("item status = %s, want failed", item.Status)
	}
	if f.exec.calls != 0 {
		t.Error("executor must not run without a plan")
	}
}

func TestRunOnceBrainDeclined(t *testing.T) {
	f := setupPool(t, &fakeBrain{resp: &models.BrainResponse{Kind: models.ResponseError, Error: "cannot plan"}})

	if _, err := f.pool.runOnce(context.Background(), "agent-x"); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	runs, _ := f.db.ListRunsByWorkItem(f.item.ID)
	if len(runs) != 1 || runs[0].Outcome != models.OutcomeFailure {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestRunOnceWorkItemsResponse(t *testing.T) {
	b := &fakeBrain{resp: &models.BrainResponse{
		Kind: models.ResponseWorkItems,
		WorkItems: []models.WorkItemSpec{
			{WorkType: "refactor", Priority: 7, AgentKey: "agent-y"},
			{WorkType: "bugfix", Priority: 3},
		},
	}}
	f := setupPool(t, b)

	if _, err := f.pool.runOnce(context.Background(), "agent-x"); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	items, _ := f.db.ListWorkItems(nil)
	if len(items) != 3 {
		t.Fatalf("expected original + 2 proposed items, got %d", len(items))
	}
	for _, w := range items {
		if w.WorkType == "refactor" && w.AssignedTo != "agent-y" {
			t.Errorf("advisory assignment lost: %+v", w)
		}
	}
	orig, _ := f.db.GetWorkItem(f.item.ID)
	if orig.Status != models.WorkItemCompleted {
		t.Errorf("original item status = %s", orig.Status)
	}
}

func TestRunOnceTimeoutReleasesItem(t *testing.T) {
	b := &fakeBrain{resp: &models.BrainResponse{
		Kind:       models.ResponseFileWrites,
		FileWrites: []models.FileWrite{{Path: "a.txt", Content: "a"}},
	}}
	f := setupPool(t, b)
	f.exec.block = true
	f.pool.cfg.ExecuteTimeout = 50 * time.Millisecond

	if _, err := f.pool.runOnce(context.Background(), "agent-x"); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	item, _ := f.db.GetWorkItem(f.item.ID)
	if item.Status != models.WorkItemPending || item.LockedBy != "" {
		t.Errorf("timed-out item should be released for retry: %+v", item)
	}
	runs, _ := f.db.ListRunsByWorkItem(f.item.ID)
	if len(runs) != 1 || runs[0].Outcome != models.OutcomeFailure {
		t.Errorf("released run should be finalized as failure: %+v", runs)
	}
}

func TestRunOnceUnsupportedOperation(t *testing.T) {
	b := &fakeBrain{resp: &models.BrainResponse{
		Kind:       models.ResponseHostOperations,
		Operations: []models.HostOperation{{Op: "delete_repository"}},
	}}
	f := setupPool(t, b)

	if _, err := f.pool.runOnce(context.Background(), "agent-x"); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	item, _ := f.db.GetWorkItem(f.item.ID)
	if item.Status != models.WorkItemFailed {
		t.Errorf("item status = %s, want failed", item.Status)
	}
	if f.exec.calls != 0 {
		t.Error("unsupported operation must not reach the executor")
	}
}

func TestPoolStartStop(t *testing.T) {
	b := &fakeBrain{resp: &models.BrainResponse{
		Kind:       models.ResponseFileWrites,
		FileWrites: []models.FileWrite{{Path: "a.txt", Content: "a"}},
	}}
	f := setupPool(t, b)

	f.pool.Start()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		item, _ := f.db.GetWorkItem(f.item.ID)
		if item.Status == models.WorkItemCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.pool.Stop()

	item, _ := f.db.GetWorkItem(f.item.ID)
	if item.Status != models.WorkItemCompleted {
		t.Errorf("worker should process the item, status = %s", item.Status)
	}
}

func TestAgentCacheReadThroughAndInvalidate(t *testing.T) {
	f := setupPool(t, &fakeBrain{})

	cache, err := NewAgentCache(f.db, 8)
	if err != nil {
		t.Fatalf("NewAgentCache: %v", err)
	}
	a, err := cache.Get("agent-x")
	if err != nil || a == nil {
		t.Fatalf("Get: %v %v", a, err)
	}

	a2 := *a
	a2.MaxConcurrency = 5
	if err := f.db.UpdateAgent(&a2); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	// Stale until invalidated.
	cached, _ := cache.Get("agent-x")
	if cached.MaxConcurrency != a.MaxConcurrency {
		t.Fatal("cache should serve the cached record until invalidated")
	}
	cache.Invalidate("agent-x")
	fresh, _ := cache.Get("agent-x")
	if fresh.MaxConcurrency != 5 {
		t.Errorf("after invalidate, MaxConcurrency = %d, want 5", fresh.MaxConcurrency)
	}

	missing, err := cache.Get("nobody")
	if err != nil || missing != nil {
		t.Errorf("unknown key should return nil, got %v %v", missing, err)
	}
}
