package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMessageReceived  EventType = "message.received"
	EventMessageSent      EventType = "message.sent"
	EventToolCallStarted  EventType = "tool.call.started"
	EventToolCallComplete EventType = "tool.call.completed"
	EventToolApprovalReq  EventType = "tool.approval.request"
	EventToolApprovalResp EventType = "tool.approval.response"
	EventSessionCreated   EventType = "session.created"
	EventSessionDeleted   EventType = "session.deleted"

	// Cron / scheduler events.
	EventCronJobCreated EventType = "cron.job.created"
	EventCronJobUpdated EventType = "cron.job.updated"
	EventCronJobDeleted EventType = "cron.job.deleted"
	EventCronJobFired   EventType = "cron.job.fired"

	// Switchboard ingest/triage events.
	EventIngestReceived  EventType = "ingest.received"
	EventIngestTriaged   EventType = "ingest.triaged"
	EventIngestRejected  EventType = "ingest.rejected"

	// Cross-butler routing events.
	EventRouteAccepted  EventType = "route.accepted"
	EventRouteExecuted  EventType = "route.executed"
	EventRouteFailed    EventType = "route.failed"
	EventRouteRetried   EventType = "route.retried"

	// Outbound delivery events.
	EventNotifyAccepted     EventType = "notify.accepted"
	EventNotifyDelivered    EventType = "notify.delivered"
	EventNotifyFailed       EventType = "notify.failed"
	EventNotifyDeadLettered EventType = "notify.dead_lettered"

	// Butler lifecycle events.
	EventButlerRegistered   EventType = "butler.registered"
	EventButlerHeartbeat    EventType = "butler.heartbeat"
	EventButlerQuarantined  EventType = "butler.quarantined"
	EventButlerReactivated  EventType = "butler.reactivated"

	// Approval gate events.
	EventActionQueued             EventType = "action.queued"
	EventActionAutoApproved       EventType = "action.auto_approved"
	EventActionApproved           EventType = "action.approved"
	EventActionRejected           EventType = "action.rejected"
	EventActionExpired            EventType = "action.expired"
	EventActionExecuted           EventType = "action.executed"
	EventActionExecutionSucceeded EventType = "action.execution_succeeded"
	EventActionExecutionFailed    EventType = "action.execution_failed"
	EventRuleCreated              EventType = "rule.created"
	EventRuleRevoked              EventType = "rule.revoked"

	// Education engine events.
	EventMasteryUpdated     EventType = "mastery.updated"
	EventMasteryMastered    EventType = "mastery.mastered"
	EventReviewScheduled    EventType = "review.scheduled"
	EventStruggleDetected   EventType = "struggle.detected"
	EventCurriculumReplan   EventType = "curriculum.replanned"

	// Entity/memory resolver events.
	EventEntityCreated EventType = "entity.created"
	EventEntityMerged  EventType = "entity.merged"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// MustMarshalPayload marshals v to JSON for an Event.Payload, panicking on
// failure since event payloads are always built from known Go structs.
func MustMarshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic("domain: event payload marshal: " + err.Error())
	}
	return b
}
