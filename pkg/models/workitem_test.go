package models

import "testing"

func TestWorkItemStatusValid(t *testing.T) {
	valid := []WorkItemStatus{WorkItemPending, WorkItemInProgress, WorkItemCompleted, WorkItemFailed}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if WorkItemStatus("done").Valid() {
		t.Error("unknown status should not be valid")
	}
}

func TestWorkItemStatusTerminal(t *testing.T) {
	if WorkItemPending.Terminal() || WorkItemInProgress.Terminal() {
		t.Error("pending and in_progress are not terminal")
	}
	if !WorkItemCompleted.Terminal() || !WorkItemFailed.Terminal() {
		t.Error("completed and failed are terminal")
	}
}

func TestRunOutcomeValid(t *testing.T) {
	if !OutcomeSuccess.Valid() || !OutcomeFailure.Valid() {
		t.Error("success and failure should be valid")
	}
	if RunOutcome("").Valid() {
		t.Error("empty outcome is not a terminal value")
	}
}

func TestRunActive(t *testing.T) {
	r := &Run{}
	if !r.Active() {
		t.Error("run without outcome should be active")
	}
	r.Outcome = OutcomeSuccess
	if r.Active() {
		t.Error("run with outcome should not be active")
	}
}

func TestBrainResponseKindValid(t *testing.T) {
	for _, k := range []BrainResponseKind{ResponseWorkItems, ResponseFileWrites, ResponseHostOperations, ResponseError} {
		if !k.Valid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if BrainResponseKind("noop").Valid() {
		t.Error("unknown kind should not be valid")
	}
}
