package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/internal/brain"
	"github.com/quarryhq/quarry/internal/queue"
	"github.com/quarryhq/quarry/internal/state"
	"github.com/quarryhq/quarry/internal/tracker"
	"github.com/quarryhq/quarry/internal/workspace"
	"github.com/quarryhq/quarry/pkg/models"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultExecuteTimeout = 10 * time.Minute
)

// Executor runs the workspace workflow for a claimed item. Satisfied
// by workspace.Runner.
type Executor interface {
	Execute(ctx context.Context, project *models.Project, item *models.WorkItem, run *models.Run, changes *workspace.ChangeSet) error
}

// PoolConfig contains configuration options for the worker Pool.
type PoolConfig struct {
	DB      *state.DB
	Queue   *queue.Queue
	Tracker *tracker.Tracker
	Brain   brain.Brain
	// Executor runs workspace workflows. Required.
	Executor Executor
	Agents   *AgentCache
	Logger   *DebugLogger
	// AgentKeys are the agents this process runs, one worker each.
	AgentKeys []string
	// PollInterval is how often an idle worker re-checks the queue.
	PollInterval time.Duration
	// ExecuteTimeout bounds one item's planning plus execution.
	ExecuteTimeout time.Duration
}

// Pool runs one worker goroutine per configured agent.
type Pool struct {
	cfg    PoolConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker Pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = defaultExecuteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Start launches the workers. It returns immediately.
func (p *Pool) Start() {
	for _, key := range p.cfg.AgentKeys {
		p.wg.Add(1)
		go p.worker(key)
	}
}

// Stop cancels all workers and waits for them to finish their current
// item.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) worker(agentKey string) {
	defer p.wg.Done()
	p.cfg.Logger.Log("worker %s started", agentKey)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain available work before going back to sleep.
		for {
			worked, err := p.runOnce(p.ctx, agentKey)
			if err != nil {
				p.cfg.Logger.Log("worker %s: %v", agentKey, err)
			}
			if !worked || p.ctx.Err() != nil {
				break
			}
		}
		select {
		case <-p.ctx.Done():
			p.cfg.Logger.Log("worker %s stopped", agentKey)
			return
		case <-ticker.C:
		}
	}
}

// runOnce leases and processes at most one work item. It reports
// whether an item was leased.
func (p *Pool) runOnce(ctx context.Context, agentKey string) (bool, error) {
	agent, err := p.cfg.Agents.Get(agentKey)
	if err != nil {
		return false, fmt.Errorf("load agent %s: %w", agentKey, err)
	}
	item, run, err := p.cfg.Queue.LeaseNext(agent)
	if err != nil {
		return false, fmt.Errorf("lease: %w", err)
	}
	if item == nil {
		return false, nil
	}
	p.cfg.Logger.Log("worker %s leased item %s (type %s)", agentKey, item.ID, item.WorkType)

	project, err := p.cfg.DB.GetProject(item.ProjectID)
	if err != nil || project == nil {
		_, cerr := p.cfg.Tracker.Complete(run.ID, models.OutcomeFailure, tracker.CompleteFields{
			Reason: fmt.Sprintf("project %s not found", item.ProjectID),
		})
		if cerr != nil {
			return true, cerr
		}
		return true, err
	}

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecuteTimeout)
	defer cancel()

	if err := p.process(execCtx, project, item, run); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// The run is still active; release finalizes it and puts
			// the item back in the queue for another attempt.
			p.cfg.Logger.Log("worker %s: item %s timed out, releasing", agentKey, item.ID)
			return true, p.cfg.Queue.Release(item.ID, "execution timeout")
		}
		p.cfg.Logger.Log("worker %s: item %s failed: %v", agentKey, item.ID, err)
		return true, nil
	}
	return true, nil
}

// process plans the item and dispatches on the plan kind. On return
// the run is finalized unless the context was canceled.
func (p *Pool) process(ctx context.Context, project *models.Project, item *models.WorkItem, run *models.Run) error {
	resp, usage, err := p.cfg.Brain.Plan(ctx, brain.Request{Item: item, Project: project})
	if usage.InputTokens+usage.OutputTokens > 0 {
		_ = p.cfg.DB.AddRunUsage(run.ID, usage.InputTokens+usage.OutputTokens, usage.Cost)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.failRun(run, "planning failed: "+err.Error())
	}

	switch resp.Kind {
	case models.ResponseError:
		return p.failRun(run, "brain declined: "+resp.Error)

	case models.ResponseWorkItems:
		return p.enqueueProposed(project, item, run, resp.WorkItems)

	case models.ResponseFileWrites, models.ResponseHostOperations:
		changes, err := buildChangeSet(resp)
		if err != nil {
			return p.failRun(run, err.Error())
		}
		return p.cfg.Executor.Execute(ctx, project, item, run, changes)

	default:
		return p.failRun(run, fmt.Sprintf("unknown plan kind %q", resp.Kind))
	}
}

// enqueueProposed creates the proposed follow-up items and completes
// the current run.
func (p *Pool) enqueueProposed(project *models.Project, item *models.WorkItem, run *models.Run, specs []models.WorkItemSpec) error {
	for _, spec := range specs {
		w := &models.WorkItem{
			ID:         uuid.New().String(),
			ProjectID:  project.ID,
			WorkType:   spec.WorkType,
			Priority:   spec.Priority,
			Payload:    spec.Payload,
			AssignedTo: spec.AgentKey,
		}
		if err := p.cfg.DB.CreateWorkItem(w); err != nil {
			return p.failRun(run, "enqueue proposed item: "+err.Error())
		}
	}
	_, err := p.cfg.Tracker.Complete(run.ID, models.OutcomeSuccess, tracker.CompleteFields{
		Reason: fmt.Sprintf("proposed %d work items", len(specs)),
	})
	return err
}

func (p *Pool) failRun(run *models.Run, reason string) error {
	if _, err := p.cfg.Tracker.Complete(run.ID, models.OutcomeFailure, tracker.CompleteFields{Reason: reason}); err != nil {
		return err
	}
	return errors.New(reason)
}

// buildChangeSet converts a plan into the workspace change set.
// Hosting operations are supported insofar as they describe file
// updates; anything else has no executor yet.
func buildChangeSet(resp *models.BrainResponse) (*workspace.ChangeSet, error) {
	cs := &workspace.ChangeSet{
		FileWrites:    resp.FileWrites,
		CommitMessage: resp.CommitMessage,
		Title:         resp.Title,
		Body:          resp.Body,
	}
	for _, op := range resp.Operations {
		if op.Op != "update_file" {
			return nil, fmt.Errorf("unsupported hosting operation %q", op.Op)
		}
		path, _ := op.Args["path"].(string)
		content, _ := op.Args["content"].(string)
		if path == "" {
			return nil, errors.New("update_file operation without path")
		}
		cs.FileWrites = append(cs.FileWrites, models.FileWrite{Path: path, Content: content})
	}
	if len(cs.FileWrites) == 0 {
		return nil, errors.New("plan declares no file changes")
	}
	return cs, nil
}
