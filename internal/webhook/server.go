// Package webhook receives external host events over HTTP, verifies
// their signatures, deduplicates deliveries, and hands accepted events
// to the reconciler. Every request outcome is audited with a redacted
// payload excerpt.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quarryhq/quarry/internal/audit"
	"github.com/quarryhq/quarry/internal/metrics"
	"github.com/quarryhq/quarry/internal/reconcile"
	"github.com/quarryhq/quarry/internal/state"
	"github.com/quarryhq/quarry/pkg/models"
)

const (
	// maxBodyBytes caps webhook request bodies.
	maxBodyBytes = 1 << 20
	// defaultDedupeCacheSize is the delivery-ID fast-path cache size.
	defaultDedupeCacheSize = 4096
)

// EventHandler processes a verified, deduplicated event.
type EventHandler interface {
	Handle(ctx context.Context, eventType string, payload []byte) error
}

// Config contains the collaborators a Server needs.
type Config struct {
	// Secret is the shared HMAC secret value, already resolved.
	Secret string
	// DB stores delivery records for cross-restart deduplication.
	DB *state.DB
	// Audit records every request outcome. Required.
	Audit *audit.Recorder
	// Metrics counts events by type and status. Optional.
	Metrics *metrics.Metrics
	// Handler processes accepted events.
	Handler EventHandler
	// Limiter throttles per-source request rates. Optional.
	Limiter *RateLimiter
	// DedupeCacheSize overrides the delivery-ID cache size.
	DedupeCacheSize int
}

// Server is the webhook intake HTTP server.
type Server struct {
	secret  []byte
	db      *state.DB
	audit   *audit.Recorder
	metrics *metrics.Metrics
	handler EventHandler
	limiter *RateLimiter
	seen    *lru.Cache[string, struct{}]
}

// NewServer creates a webhook Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	size := cfg.DedupeCacheSize
	if size <= 0 {
		size = defaultDedupeCacheSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Server{
		secret:  []byte(cfg.Secret),
		db:      cfg.DB,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		handler: cfg.Handler,
		limiter: cfg.Limiter,
		seen:    seen,
	}, nil
}

// Router builds the HTTP routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	r.POST("/webhook", s.handleWebhook)
	return r
}

func (s *Server) handleWebhook(c *gin.Context) {
	eventType := c.GetHeader("X-GitHub-Event")
	deliveryID := c.GetHeader("X-GitHub-Delivery")
	sourceIP := c.ClientIP()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		s.finish(c, eventType, sourceIP, nil, audit.StatusRejected, http.StatusBadRequest, "unreadable body")
		return
	}

	// Authenticity before anything else: unverified payloads get no
	// further processing and no detail in the response.
	if !s.verifySignature(body, c.GetHeader("X-Hub-Signature-256")) {
		s.finish(c, eventType, sourceIP, body, audit.StatusBlocked, http.StatusUnauthorized, "signature mismatch")
		return
	}

	if s.limiter != nil {
		d := s.limiter.Allow(c.Request.Context(), sourceIP)
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
		if !d.Allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())+1))
			s.finish(c, eventType, sourceIP, body, audit.StatusThrottled, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	if eventType == "" || !reconcile.Supported(eventType) {
		s.finish(c, eventType, sourceIP, body, audit.StatusRejected, http.StatusBadRequest, "unsupported event type")
		return
	}
	if deliveryID == "" || !json.Valid(body) {
		s.finish(c, eventType, sourceIP, body, audit.StatusRejected, http.StatusBadRequest, "malformed delivery")
		return
	}

	// Dedupe: LRU fast path, then the durable delivery record. The
	// insert is the authority; the cache only saves a round trip.
	if _, ok := s.seen.Get(deliveryID); ok {
		s.finish(c, eventType, sourceIP, body, audit.StatusDeduped, http.StatusAccepted, "duplicate delivery")
		return
	}
	inserted, err := s.db.InsertWebhookEvent(&models.WebhookEvent{
		ID:         uuid.New().String(),
		EventType:  eventType,
		DeliveryID: deliveryID,
		Payload:    string(body),
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		s.finish(c, eventType, sourceIP, body, audit.StatusError, http.StatusInternalServerError, "store delivery")
		return
	}
	s.seen.Add(deliveryID, struct{}{})
	if !inserted {
		s.finish(c, eventType, sourceIP, body, audit.StatusDeduped, http.StatusAccepted, "duplicate delivery")
		return
	}

	if err := s.handler.Handle(c.Request.Context(), eventType, body); err != nil {
		if errors.Is(err, reconcile.ErrUnsupportedEvent) {
			s.finish(c, eventType, sourceIP, body, audit.StatusRejected, http.StatusBadRequest, "unsupported event type")
			return
		}
		s.finish(c, eventType, sourceIP, body, audit.StatusError, http.StatusInternalServerError, "event handling failed")
		return
	}
	s.finish(c, eventType, sourceIP, body, audit.StatusAccepted, http.StatusAccepted, "accepted")
}

// finish audits the outcome, counts it, and writes the response.
// Audit failures never change the response.
func (s *Server) finish(c *gin.Context, eventType, sourceIP string, body []byte, status string, code int, msg string) {
	_ = s.audit.Record(audit.Entry{
		EventType: eventType,
		Status:    status,
		SourceIP:  sourceIP,
		Payload:   body,
	})
	if s.metrics != nil {
		s.metrics.WebhookEvent(eventType, status)
	}
	c.JSON(code, gin.H{"status": status, "message": msg})
}

// verifySignature checks the hex HMAC-SHA256 signature header
// ("sha256=<hex>") against the body in constant time.
func (s *Server) verifySignature(body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	got, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign computes the signature header value for a payload. Exported for
// delivery tooling and tests.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
