// Package switchboard implements the central ingest-and-route pipeline:
// accepting inbound events from channel connectors, deduping and
// classifying them, and handing them off to the right butler.
package switchboard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/butler"
	"switchboard/internal/domain"
	"switchboard/internal/store/sqlite"
)

// RouteDispatcher hands a route.v1 envelope to a target butler, either
// in-process (when this process hosts that butler) or over its route.execute
// MCP tool. Kept as an interface so the ingest pipeline doesn't need to know
// about transport.
type RouteDispatcher interface {
	Dispatch(ctx context.Context, target string, route domain.RouteV1) (*domain.RouteResponseV1, error)
}

// Pipeline is the Switchboard's ingest -> dedupe -> classify -> dispatch flow.
type Pipeline struct {
	inbox           *sqlite.MessageInboxStore
	registry        *butler.Registry
	classifier      *Classifier
	dispatcher      RouteDispatcher
	allowedChannels ChannelProviderAllowlist
	bus             domain.EventBus
	logger          *slog.Logger
}

// NewPipeline constructs a Pipeline. A nil allowedChannels disables the
// (channel, provider) allowlist check (every pair accepted) — tests that
// don't care about that invariant can pass nil.
func NewPipeline(inbox *sqlite.MessageInboxStore, registry *butler.Registry, dispatcher RouteDispatcher, allowedChannels ChannelProviderAllowlist, bus domain.EventBus, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		inbox:           inbox,
		registry:        registry,
		classifier:      NewClassifier(registry),
		dispatcher:      dispatcher,
		allowedChannels: allowedChannels,
		bus:             bus,
		logger:          logger,
	}
}

// deriveIdempotencyKey computes the dedupe key for an ingest event in
// priority order: an explicit control.idempotency_key, then the
// (channel, endpoint, external_event_id) tuple, then — when the connector
// supplied neither — a content hash over (normalized_text, sender identity,
// observed_at) so distinct event-id-less messages from the same endpoint
// don't collapse onto one key.
func deriveIdempotencyKey(env domain.IngestV1) string {
	if env.Control.IdempotencyKey != "" {
		return fmt.Sprintf("idem:%s:%s:%s", env.Source.Channel, env.Source.EndpointIdentity, env.Control.IdempotencyKey)
	}
	if env.Event.ExternalEventID != "" {
		return fmt.Sprintf("event:%s:%s:%s", env.Source.Channel, env.Source.EndpointIdentity, env.Event.ExternalEventID)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", env.Payload.NormalizedText, env.Sender.Identity, env.Event.ObservedAt.UTC().Format(time.RFC3339Nano))
	return "content:" + hex.EncodeToString(h.Sum(nil))
}

// Ingest accepts a raw ingest.v1 payload: validates its shape and semantics,
// dedupes it, classifies a target butler, and dispatches asynchronously. An
// invalid envelope fails the call with no row written. A valid, accepted
// call always returns promptly (HTTP 202 semantics) — dispatch failures are
// logged and surfaced via the event bus, not returned to the caller.
func (p *Pipeline) Ingest(ctx context.Context, raw json.RawMessage) (*domain.IngestResponseV1, error) {
	env, err := p.validateIngestEnvelope(raw)
	if err != nil {
		return nil, err
	}

	requestID, err := uuid.NewV7()
	if err != nil {
		return nil, domain.WrapOp("switchboard.ingest", err)
	}

	idemKey := deriveIdempotencyKey(env)

	receivedAt := env.Event.ObservedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	id, duplicate, err := p.inbox.Insert(ctx, sqlite.MessageInboxRow{
		ID:             requestID.String(),
		ReceivedAt:     receivedAt,
		Envelope:       env,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		return nil, domain.WrapOp("switchboard.ingest", err)
	}

	resp := &domain.IngestResponseV1{
		RequestID: id,
		Status:    "accepted",
		Duplicate: duplicate,
	}

	if duplicate {
		p.emit(ctx, domain.EventIngestReceived, map[string]any{"request_id": id, "duplicate": true})
		return resp, nil
	}

	p.emit(ctx, domain.EventIngestReceived, map[string]any{"request_id": id})
	go p.triageAndDispatch(context.WithoutCancel(ctx), id, env)

	return resp, nil
}

func (p *Pipeline) triageAndDispatch(ctx context.Context, inboxID string, env domain.IngestV1) {
	targetButler := p.classifier.Classify(env.Payload.NormalizedText)

	if _, err := p.classifier.ResolveTarget(targetButler); err != nil {
		p.logger.Warn("ingest triage rejected target", "butler", targetButler, "error", err)
		p.emit(ctx, domain.EventIngestRejected, map[string]any{"request_id": inboxID, "error": err.Error()})
		return
	}
	p.emit(ctx, domain.EventIngestTriaged, map[string]any{"request_id": inboxID, "butler": targetButler})

	route := domain.RouteV1{
		SchemaVersion: domain.SchemaRouteV1,
		RequestContext: domain.RequestContext{
			RequestID:             inboxID,
			ReceivedAt:             env.Event.ObservedAt,
			SourceChannel:          env.Source.Channel,
			SourceEndpointIdentity: env.Source.EndpointIdentity,
			SourceSenderIdentity:   env.Sender.Identity,
			SourceThreadIdentity:   env.Event.ExternalThreadID,
		},
		Target: domain.RouteTarget{Butler: targetButler, Tool: "route.execute"},
		Input:  domain.RouteInput{Prompt: env.Payload.NormalizedText},
	}

	resp, err := p.dispatcher.Dispatch(ctx, targetButler, route)
	if err != nil {
		p.logger.Error("route dispatch failed", "butler", targetButler, "error", err)
		p.emit(ctx, domain.EventRouteFailed, map[string]any{"request_id": inboxID, "error": err.Error()})
		return
	}
	if err := p.inbox.MarkRouted(ctx, inboxID, targetButler, time.Now()); err != nil {
		p.logger.Warn("failed to mark message routed", "id", inboxID, "error", err)
	}
	p.emit(ctx, domain.EventRouteExecuted, map[string]any{"request_id": inboxID, "butler": targetButler, "status": resp.Status})
}

func (p *Pipeline) emit(ctx context.Context, eventType domain.EventType, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   domain.MustMarshalPayload(payload),
	})
}
