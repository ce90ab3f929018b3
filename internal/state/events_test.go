package state

import (
	"testing"

	"github.com/quarryhq/quarry/pkg/models"
)

func TestInsertWebhookEventDedupe(t *testing.T) {
	db := setupTestDB(t)

	e := &models.WebhookEvent{
		EventType:  "pull_request",
		DeliveryID: "delivery-1",
		Payload:    `{"action":"opened"}`,
	}
	inserted, err := db.InsertWebhookEvent(e)
	if err != nil {
		t.Fatalf("InsertWebhookEvent: %v", err)
	}
	if !inserted {
		t.Fatal("first insert should succeed")
	}

	dup := &models.WebhookEvent{
		EventType:  "pull_request",
		DeliveryID: "delivery-1",
		Payload:    `{"action":"opened"}`,
	}
	inserted, err = db.InsertWebhookEvent(dup)
	if err != nil {
		t.Fatalf("duplicate InsertWebhookEvent: %v", err)
	}
	if inserted {
		t.Error("duplicate delivery id should not insert")
	}

	has, err := db.HasWebhookEvent("delivery-1")
	if err != nil {
		t.Fatalf("HasWebhookEvent: %v", err)
	}
	if !has {
		t.Error("event should exist")
	}
}

func TestAuditRecords(t *testing.T) {
	db := setupTestDB(t)

	recs := []AuditRecord{
		{EventType: "issues", Status: "accepted", SourceIP: "10.0.0.1", Excerpt: `{"action":"opened"}`},
		{EventType: "pull_request", Status: "blocked", SourceIP: "10.0.0.2", Excerpt: "bad signature"},
	}
	for i := range recs {
		if err := db.InsertAuditRecord(&recs[i]); err != nil {
			t.Fatalf("InsertAuditRecord: %v", err)
		}
	}

	blocked, err := db.ListAuditRecords("blocked", 10)
	if err != nil {
		t.Fatalf("ListAuditRecords: %v", err)
	}
	if len(blocked) != 1 || blocked[0].EventType != "pull_request" {
		t.Errorf("unexpected blocked records: %+v", blocked)
	}

	all, err := db.ListAuditRecords("", 0)
	if err != nil {
		t.Fatalf("ListAuditRecords all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("records = %d, want 2", len(all))
	}
}
