package models

import "time"

// WebhookEvent is an immutable record of one externally delivered
// event. Exactly one row exists per unique delivery ID; duplicate
// deliveries are detected against it and skipped.
type WebhookEvent struct {
	// ID is the unique identifier for this record.
	ID string `json:"id"`
	// EventType is the source event type header value.
	EventType string `json:"event_type"`
	// DeliveryID is the unique delivery identifier from the source.
	DeliveryID string `json:"delivery_id"`
	// Payload is the raw request body as delivered.
	Payload string `json:"payload"`
	// ReceivedAt is when the event was first received.
	ReceivedAt time.Time `json:"received_at"`
}
