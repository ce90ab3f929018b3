// Package audit records webhook deliveries and state transitions as
// explicit, queryable audit entries. Payload excerpts are redacted
// before persistence.
package audit

import (
	"fmt"
	"unicode/utf8"

	"github.com/quarryhq/quarry/internal/state"
)

// Status values for audit records.
const (
	StatusAccepted  = "accepted"
	StatusDeduped   = "deduped"
	StatusBlocked   = "blocked"
	StatusThrottled = "throttled"
	StatusRejected  = "rejected"
	StatusError     = "error"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// excerptLimit caps the stored payload excerpt size.
const excerptLimit = 1024

// Recorder persists audit entries.
type Recorder struct {
	db *state.DB
}

// NewRecorder creates a Recorder backed by the given database.
func NewRecorder(db *state.DB) *Recorder {
	return &Recorder{db: db}
}

// Entry describes one auditable occurrence.
type Entry struct {
	// EventType is the source event type or transition name.
	EventType string
	// Status is one of the Status* constants.
	Status string
	// SourceIP is the remote address for webhook entries.
	SourceIP string
	// Payload is the raw payload; it is redacted and truncated before
	// storage.
	Payload []byte
}

// Record redacts and persists an audit entry. Recording failures are
// returned to the caller but must never escalate a request outcome.
func (r *Recorder) Record(e Entry) error {
	excerpt := truncateExcerpt(Redact(string(e.Payload)), excerptLimit)
	rec := &state.AuditRecord{
		EventType: e.EventType,
		Status:    e.Status,
		SourceIP:  e.SourceIP,
		Excerpt:   excerpt,
	}
	if err := r.db.InsertAuditRecord(rec); err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// truncateExcerpt cuts s to at most limit bytes, backing off to a rune
// boundary so the stored excerpt stays valid UTF-8.
func truncateExcerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
