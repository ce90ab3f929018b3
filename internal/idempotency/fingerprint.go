// Package idempotency computes deterministic fingerprints for work
// attempts and enforces at-most-one successful attempt per fingerprint.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/quarryhq/quarry/pkg/models"
)

// Fingerprint returns a deterministic hex key for one (work item,
// agent, payload) triple. The payload is canonicalized via JSON
// marshaling, which emits map keys in sorted order, so logically equal
// payloads always produce the same key.
func Fingerprint(item *models.WorkItem, agentKey string) string {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		// Payloads come from JSON columns and decoded webhook bodies;
		// re-encoding them cannot fail. Fall back to the empty object
		// rather than panic.
		payload = []byte("{}")
	}

	h := sha256.New()
	h.Write([]byte(item.ID))
	h.Write([]byte{0})
	h.Write([]byte(item.WorkType))
	h.Write([]byte{0})
	h.Write([]byte(agentKey))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// SuccessChecker is the storage lookup the guard needs.
type SuccessChecker interface {
	HasSucceededWithKey(key string) (bool, error)
}

// Guard answers whether a fingerprint has already succeeded. The
// workspace runner consults it before any external side effect so an
// at-least-once re-invocation short-circuits instead of repeating the
// workflow.
type Guard struct {
	store SuccessChecker
}

// NewGuard creates a Guard backed by the given store.
func NewGuard(store SuccessChecker) *Guard {
	return &Guard{store: store}
}

// AlreadySucceeded reports whether a successful run with this key
// exists.
func (g *Guard) AlreadySucceeded(key string) (bool, error) {
	ok, err := g.store.HasSucceededWithKey(key)
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return ok, nil
}
