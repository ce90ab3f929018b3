package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/pkg/models"
)

// InsertWebhookEvent records an inbound event. Returns false if an
// event with the same delivery ID already exists, which callers treat
// as a duplicate delivery to skip.
func (db *DB) InsertWebhookEvent(e *models.WebhookEvent) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO webhook_events (id, event_type, delivery_id, payload, received_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.EventType, e.DeliveryID, e.Payload, formatTime(e.ReceivedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return true, nil
}

// HasWebhookEvent reports whether an event with the delivery ID exists.
func (db *DB) HasWebhookEvent(deliveryID string) (bool, error) {
	var n int
	row := db.QueryRow(`SELECT COUNT(*) FROM webhook_events WHERE delivery_id = ?`, deliveryID)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return n > 0, nil
}

// AuditRecord is one persisted audit entry for a webhook delivery or a
// state transition.
type AuditRecord struct {
	ID        string
	EventType string
	Status    string
	SourceIP  string
	Excerpt   string
	CreatedAt time.Time
}

// InsertAuditRecord persists an audit entry. The excerpt must already
// be redacted by the caller.
func (db *DB) InsertAuditRecord(r *AuditRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO audit_records (id, event_type, status, source_ip, excerpt, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.EventType, r.Status, r.SourceIP, r.Excerpt, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListAuditRecords returns audit entries, newest first, optionally
// filtered by status.
func (db *DB) ListAuditRecords(status string, limit int) ([]AuditRecord, error) {
	query := `SELECT id, event_type, status, source_ip, excerpt, created_at FROM audit_records`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var createdAt string
		if err := rows.Scan(&r.ID, &r.EventType, &r.Status, &r.SourceIP, &r.Excerpt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.CreatedAt, _ = parseTime(createdAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// isUniqueViolation reports whether the error is a UNIQUE constraint
// failure from the SQLite driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
