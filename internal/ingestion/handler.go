// Package ingestion implements the event ingress gateway (spec §4.1): it
// validates a submitted Event, writes a pending OutboxEntry carrying it in
// a single transaction, and acknowledges only after commit. Publication to
// the event bus is the outbox poller's job, not the gateway's.
package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/repositories"
	"github.com/sentineliq/risk-engine/internal/riskerr"
)

// EventRequest is the wire shape accepted at the ingress boundary. Validation
// glue (struct tags, HTTP binding) lives in the gin layer; this type carries
// only what the gateway needs to construct an Event.
type EventRequest struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	Actor     models.Actor           `json:"actor"`
	Context   models.GeoContext      `json:"context,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// EventResponse acknowledges a committed ingress.
type EventResponse struct {
	EventID  string    `json:"event_id"`
	Status   string    `json:"status"`
	Accepted time.Time `json:"accepted_at"`
}

// Gateway accepts events and guarantees at-least-once eventual delivery via
// the transactional outbox.
type Gateway struct {
	db         *repositories.Database
	outboxRepo *repositories.OutboxRepository
}

// NewGateway creates a new ingress gateway.
func NewGateway(db *repositories.Database, outboxRepo *repositories.OutboxRepository) *Gateway {
	return &Gateway{db: db, outboxRepo: outboxRepo}
}

// Ingest validates req, builds the canonical Event, and commits a pending
// OutboxEntry carrying it in one transaction; no separate event row is
// written. It returns InvalidInput for a
// malformed request and Transient if the transaction itself fails, per the
// ingress contract's failure semantics.
func (g *Gateway) Ingest(ctx context.Context, orgID string, req *EventRequest, clientIP, userAgent string) (*EventResponse, error) {
	if req.EventID == "" || req.EventType == "" || req.Actor.UserID == "" {
		return nil, riskerr.New(riskerr.InvalidInput, "event_id, event_type, and actor.user_id are required")
	}

	ts := time.Now()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	if req.Actor.IP == "" {
		req.Actor.IP = clientIP
	}
	if req.Actor.UserAgent == "" {
		req.Actor.UserAgent = userAgent
	}

	event := models.Event{
		EventID:   req.EventID,
		OrgID:     orgID,
		EventType: req.EventType,
		Timestamp: ts,
		Actor:     req.Actor,
		Context:   req.Context,
		Payload:   req.Payload,
	}

	entry := &models.OutboxEntry{
		OrgID:     orgID,
		EventID:   event.EventID,
		EventType: event.EventType,
		Payload:   eventToJSONB(event),
	}

	err := g.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		return g.outboxRepo.Insert(ctx, tx, entry)
	})
	if err != nil {
		log.Error().Err(err).Str("event_id", event.EventID).Msg("ingress commit failed")
		return nil, riskerr.Wrap(riskerr.Transient, "failed to persist event", err)
	}

	return &EventResponse{
		EventID:  event.EventID,
		Status:   "accepted",
		Accepted: time.Now(),
	}, nil
}

func eventToJSONB(e models.Event) models.JSONB {
	return models.JSONB{
		"event_id":   e.EventID,
		"org_id":     e.OrgID,
		"event_type": e.EventType,
		"timestamp":  e.Timestamp,
		"actor": map[string]interface{}{
			"user_id":    e.Actor.UserID,
			"ip":         e.Actor.IP,
			"user_agent": e.Actor.UserAgent,
			"device_fp":  e.Actor.DeviceFP,
			"session":    e.Actor.Session,
		},
		"context": map[string]interface{}{
			"lat":     e.Context.Lat,
			"lon":     e.Context.Lon,
			"country": e.Context.Country,
		},
		"payload": e.Payload,
	}
}

// NewEventID generates an event id for callers that do not supply one
// (internal synthetic events, replay tooling).
func NewEventID() string {
	return uuid.New().String()
}
