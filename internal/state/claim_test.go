package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/pkg/models"
)

func TestLeaseNextPriorityOrdering(t *testing.T) {
	db := setupTestDB(t)
	p := seedProject(t, db)

	// Created in order A, B, C, D with priorities 3, 7, 7, 1.
	// Expected lease order: B, C, A, D.
	base := time.Now().Add(-time.Hour)
	mk := func(priority int, offset time.Duration) *models.WorkItem {
		w := &models.WorkItem{
			ID:        uuid.New().String(),
			ProjectID: p.ID,
			WorkType:  "issue_triage",
			Priority:  priority,
			CreatedAt: base.Add(offset),
		}
		if err := db.CreateWorkItem(w); err != nil {
			t.Fatalf("create work item: %v", err)
		}
		return w
	}
	a := mk(3, 0)
	b := mk(7, time.Second)
	c := mk(7, 2*time.Second)
	d := mk(1, 3*time.Second)

	want := []string{b.ID, c.ID, a.ID, d.ID}
	for i, expected := range want {
		item, run, err := db.LeaseNext("agent-a", 10)
		if err != nil {
			t.Fatalf("LeaseNext #%d: %v", i, err)
		}
		if item == nil {
			t.Fatalf("LeaseNext #%d returned no item", i)
		}
		if item.ID != expected {
			t.Errorf("lease #%d = %s, want %s", i, item.ID, expected)
		}
		if run == nil || run.WorkItemID != item.ID {
			t.Errorf("lease #%d run mismatch", i)
		}
	}

	item, _, err := db.LeaseNext("agent-a", 10)
	if err != nil {
		t.Fatalf("LeaseNext on empty queue: %v", err)
	}
	if item != nil {
		t.Error("expected no item when queue is drained")
	}
}

func TestLeaseNextSetsLockAndCreatesRun(t *testing.T) {
	db := setupTestDB(t)
	p := seedProject(t, db)
	w := seedWorkItem(t, db, p.ID, 5)

	item, run, err := db.LeaseNext("agent-a", 1)
	if err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if item == nil || item.ID != w.ID {
		t.Fatal("expected to lease the seeded item")
	}
	if item.Status != models.WorkItemInProgress {
		t.Errorf("status = %q, want in_progress", item.Status)
	}
	if item.LockedBy != "agent-a" || item.LockedAt == nil {
		t.Error("lock fields not set on claim")
	}
	if run.AgentKey != "agent-a" || !run.Active() {
		t.Errorf("unexpected run: %+v", run)
	}

	active, err := db.GetActiveRun(w.ID)
	if err != nil {
		t.Fatalf("GetActiveRun: %v", err)
	}
	if active == nil || active.ID != run.ID {
		t.Error("active run not found after claim")
	}
}

func TestLeaseNextAtMostOneClaim(t *testing.T) {
	db := setupTestDB(t)
	p := seedProject(t, db)
	w := seedWorkItem(t, db, p.ID, 5)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agent := string(rune('a' + n%4))
			item, _, err := db.LeaseNext("agent-"+agent, 100)
			if err != nil {
				t.Errorf("LeaseNext: %v", err)
				return
			}
			if item != nil {
				results <- item.ID
			}
		}(i)
	}
	wg.Wait()
	close(results)

	var granted []string
	for id := range results {
		granted = append(granted, id)
	}
	if len(granted) != 1 {
		t.Fatalf("item granted %d times, want exactly 1", len(granted))
	}
	if granted[0] != w.ID {
		t.Errorf("granted %s, want %s", granted[0], w.ID)
	}
}

func TestLeaseNextConcurrencyCap(t *testing.T) {
	db := setupTestDB(t)
	p := seedProject(t, db)
	seedWorkItem(t, db, p.ID, 5)
	seedWorkItem(t, db, p.ID, 5)
	seedWorkItem(t, db, p.ID, 5)

	first, _, err := db.LeaseNext("agent-a", 2)
	if err != nil || first == nil {
		t.Fatalf("first lease: %v %v", first, err)
	}
	second, _, err := db.LeaseNext("agent-a", 2)
	if err != nil || second == nil {
		t.Fatalf("second lease: %v %v", second, err)
	}

	// At the cap: returns none rather than erroring.
	third, _, err := db.LeaseNext("agent-a", 2)
	if err != nil {
		t.Fatalf("third lease: %v", err)
	}
	if third != nil {
		t.Error("lease above cap should return nil")
	}

	// A different agent is unaffected.
	other, _, err := db.LeaseNext("agent-b", 2)
	if err != nil || other == nil {
		t.Fatalf("other agent lease: %v %v", other, err)
	}
}

func TestReleaseInvariant(t *testing.T) {
	db := setupTestDB(t)
	p := seedProject(t, db)
	seedWorkItem(t, db, p.ID, 5)

	item, _, err := db.LeaseNext("agent-a", 1)
	if err != nil || item == nil {
		t.Fatalf("LeaseNext: %v %v", item, err)
	}

	if err := db.Release(item.ID, "timeout"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, _ := db.GetWorkItem(item.ID)
	if got.Status != models.WorkItemPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.LockedBy != "" || got.LockedAt != nil {
		t.Error("lock fields must be cleared on release")
	}

	// The item is leasable again.
	again, _, err := db.LeaseNext("agent-b", 1)
	if err != nil || again == nil || again.ID != item.ID {
		t.Fatalf("re-lease after release: %v %v", again, err)
	}
}

func TestReleaseRejectsTerminal(t *testing.T) {
	db := setupTestDB(t)
	p := seedProject(t, db)
	seedWorkItem(t, db, p.ID, 5)

	item, run, err := db.LeaseNext("agent-a", 1)
	if err != nil || item == nil {
		t.Fatalf("LeaseNext: %v %v", item, err)
	}
	if _, err := db.CompleteRun(run.ID, models.OutcomeSuccess, RunRefs{}); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	err = db.Release(item.ID, "late release")
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("Release on terminal item = %v, want ErrTerminal", err)
	}
}

func TestCompleteRunFinalizesWorkItem(t *testing.T) {
	db := setupTestDB(t)
	p := seedProject(t, db)
	seedWorkItem(t, db, p.ID, 5)

	item, run, err := db.LeaseNext("agent-a", 1)
	if err != nil || item == nil {
		t.Fatalf("LeaseNext: %v %v", item, err)
	}

	applied, err := db.CompleteRun(run.ID, models.OutcomeSuccess, RunRefs{
		Branch:         "agent/agent-a-1700000000",
		PRNumber:       42,
		HeadSHA:        "abc123",
		IdempotencyKey: "fp-1",
	})
	if err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if !applied {
		t.Fatal("first completion should apply")
	}

	got, _ := db.GetWorkItem(item.ID)
	if got.Status != models.WorkItemCompleted {
		t.Errorf("item status = %q, want completed", got.Status)
	}
	if got.LockedBy != "" || got.LockedAt != nil {
		t.Error("lock fields must be cleared on completion")
	}

	r, _ := db.GetRun(run.ID)
	if r.Outcome != models.OutcomeSuccess || r.FinishedAt == nil {
		t.Errorf("run not finalized: %+v", r)
	}
	if r.PRNumber != 42 || r.HeadSHA != "abc123" || r.IdempotencyKey != "fp-1" {
		t.Errorf("refs not merged: %+v", r)
	}
}

func TestCompleteRunSecondCallIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	p := seedProject(t, db)
	seedWorkItem(t, db, p.ID, 5)

	item, run, err := db.LeaseNext("agent-a", 1)
	if err != nil || item == nil {
		t.Fatalf("LeaseNext: %v %v", item, err)
	}

	if _, err := db.CompleteRun(run.ID, models.OutcomeSuccess, RunRefs{}); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	// A second completion with a different outcome changes nothing.
	applied, err := db.CompleteRun(run.ID, models.OutcomeFailure, RunRefs{})
	if err != nil {
		t.Fatalf("second CompleteRun: %v", err)
	}
	if applied {
		t.Error("second completion should be a no-op")
	}

	r, _ := db.GetRun(run.ID)
	if r.Outcome != models.OutcomeSuccess {
		t.Errorf("outcome = %q, want success preserved", r.Outcome)
	}
	got, _ := db.GetWorkItem(item.ID)
	if got.Status != models.WorkItemCompleted {
		t.Errorf("item status = %q, want completed preserved", got.Status)
	}
}

func TestCompleteRunRejectsInvalidOutcome(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.CompleteRun("r1", models.RunOutcome("maybe"), RunRefs{}); err == nil {
		t.Error("expected error for invalid outcome")
	}
}

func TestIdempotencyKeyUnique(t *testing.T) {
	db := setupTestDB(t)
	p := seedProject(t, db)
	seedWorkItem(t, db, p.ID, 5)
	seedWorkItem(t, db, p.ID, 5)

	_, run1, err := db.LeaseNext("agent-a", 10)
	if err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	_, run2, err := db.LeaseNext("agent-a", 10)
	if err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}

	if _, err := db.CompleteRun(run1.ID, models.OutcomeSuccess, RunRefs{IdempotencyKey: "same-key"}); err != nil {
		t.Fatalf("first CompleteRun: %v", err)
	}
	// Storage-level uniqueness: a second success with the same key must
	// be rejected.
	if _, err := db.CompleteRun(run2.ID, models.OutcomeSuccess, RunRefs{IdempotencyKey: "same-key"}); err == nil {
		t.Error("expected unique constraint violation for duplicate idempotency key")
	}

	ok, err := db.HasSucceededWithKey("same-key")
	if err != nil {
		t.Fatalf("HasSucceededWithKey: %v", err)
	}
	if !ok {
		t.Error("key should be recorded as succeeded")
	}
}

func TestFinalizeWorkItemWithoutRun(t *testing.T) {
	db := setupTestDB(t)
	p := seedProject(t, db)
	w := seedWorkItem(t, db, p.ID, 5)

	applied, err := db.FinalizeWorkItem(w.ID, models.WorkItemCompleted)
	if err != nil {
		t.Fatalf("FinalizeWorkItem: %v", err)
	}
	if !applied {
		t.Fatal("expected finalize to apply")
	}

	// Already terminal: no-op.
	applied, err = db.FinalizeWorkItem(w.ID, models.WorkItemFailed)
	if err != nil {
		t.Fatalf("second FinalizeWorkItem: %v", err)
	}
	if applied {
		t.Error("finalize on terminal item should be a no-op")
	}
	got, _ := db.GetWorkItem(w.ID)
	if got.Status != models.WorkItemCompleted {
		t.Errorf("status = %q, want completed preserved", got.Status)
	}
}

func TestResetForRetry(t *testing.T) {
	db := setupTestDB(t)
	p := seedProject(t, db)
	seedWorkItem(t, db, p.ID, 5)

	item, run, err := db.LeaseNext("agent-a", 1)
	if err != nil || item == nil {
		t.Fatalf("LeaseNext: %v %v", item, err)
	}
	if _, err := db.CompleteRun(run.ID, models.OutcomeFailure, RunRefs{}); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	if err := db.ResetForRetry(item.ID); err != nil {
		t.Fatalf("ResetForRetry: %v", err)
	}
	got, _ := db.GetWorkItem(item.ID)
	if got.Status != models.WorkItemPending || got.LockedBy != "" || got.LockedAt != nil {
		t.Errorf("retry reset incomplete: %+v", got)
	}

	// Only failed items can be reset.
	if err := db.ResetForRetry(item.ID); err == nil {
		t.Error("resetting a pending item should error")
	}
}
