package domain

import "time"

// RequestContext is the canonical request-tracking struct carried through
// the ingest -> route -> notify pipeline and persisted as JSON wherever a
// row needs to remember where a conversation came from.
type RequestContext struct {
	RequestID              string    `json:"request_id"` // UUIDv7, time-ordered
	ReceivedAt              time.Time `json:"received_at"`
	SourceChannel           string    `json:"source_channel"`
	SourceEndpointIdentity  string    `json:"source_endpoint_identity"`
	SourceSenderIdentity    string    `json:"source_sender_identity"`
	SourceThreadIdentity    string    `json:"source_thread_identity,omitempty"`
}

// IngestSource identifies the connector that produced an ingest.v1 envelope.
type IngestSource struct {
	Channel          string `json:"channel"`
	Provider         string `json:"provider"`
	EndpointIdentity string `json:"endpoint_identity"`
}

// IngestEvent carries the connector's idea of "what happened".
type IngestEvent struct {
	ExternalEventID  string    `json:"external_event_id"`
	ExternalThreadID string    `json:"external_thread_id,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
}

// IngestSender identifies who sent the inbound message.
type IngestSender struct {
	Identity string `json:"identity"`
}

// IngestPayload carries the raw and normalized content.
type IngestPayload struct {
	Raw            string `json:"raw"`
	NormalizedText string `json:"normalized_text"`
}

// IngestControl carries optional dedupe/priority/trace hints.
type IngestControl struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	PolicyTier     string `json:"policy_tier,omitempty"`
	TraceContext   string `json:"trace_context,omitempty"`
}

// IngestV1 is the wire envelope accepted at POST /api/switchboard/ingest.
type IngestV1 struct {
	SchemaVersion string        `json:"schema_version"`
	Source        IngestSource  `json:"source"`
	Event         IngestEvent   `json:"event"`
	Sender        IngestSender  `json:"sender"`
	Payload       IngestPayload `json:"payload"`
	Control       IngestControl `json:"control,omitempty"`
}

// IngestResponseV1 is returned (HTTP 202) from a successful ingest call.
type IngestResponseV1 struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"` // always "accepted"
	Duplicate bool   `json:"duplicate"`
}

// RouteTarget names the destination butler and MCP tool for a route.v1 call.
type RouteTarget struct {
	Butler string `json:"butler"`
	Tool   string `json:"tool"`
}

// RouteInput carries the prompt and optional structured context for a
// route.v1 call.
type RouteInput struct {
	Prompt  string          `json:"prompt"`
	Context map[string]any  `json:"context,omitempty"`
}

// RouteV1 is the envelope every butler's route.execute tool accepts.
type RouteV1 struct {
	SchemaVersion  string         `json:"schema_version"`
	RequestContext RequestContext `json:"request_context"`
	Target         RouteTarget    `json:"target"`
	Input          RouteInput     `json:"input"`
}

// RouteResponseV1 is returned from route.execute.
type RouteResponseV1 struct {
	SchemaVersion string         `json:"schema_version"`
	Status        string         `json:"status"` // "ok" | "accepted" | "error"
	Result        string         `json:"result,omitempty"`
	InboxID       string         `json:"inbox_id,omitempty"`
	Error         *ErrorEnvelope `json:"error,omitempty"`
}

// NotifyDelivery carries the outbound-delivery instruction for notify.v1.
type NotifyDelivery struct {
	Intent    string            `json:"intent"` // "send" | "reply"
	Channel   string            `json:"channel"` // "telegram" | "email" | "slack" | "discord"
	Message   string            `json:"message"`
	Recipient string            `json:"recipient,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NotifyV1 is the envelope a butler uses to ask the Switchboard to deliver
// an outbound message through a messenger butler.
type NotifyV1 struct {
	SchemaVersion  string          `json:"schema_version"`
	OriginButler   string          `json:"origin_butler"`
	Delivery       NotifyDelivery  `json:"delivery"`
	RequestContext *RequestContext `json:"request_context,omitempty"`
}

// NotifyDeliveryResult reports what actually happened on the wire.
type NotifyDeliveryResult struct {
	Channel            string `json:"channel"`
	DeliveryID         string `json:"delivery_id"`
	ProviderDeliveryID string `json:"provider_delivery_id,omitempty"`
}

// NotifyResponseV1 is returned from Switchboard's deliver() call.
type NotifyResponseV1 struct {
	SchemaVersion string                `json:"schema_version"`
	Status        string                `json:"status"` // "ok" | "error"
	Delivery      *NotifyDeliveryResult `json:"delivery,omitempty"`
	Error         *ErrorEnvelope        `json:"error,omitempty"`
}

const (
	SchemaIngestV1        = "ingest.v1"
	SchemaRouteV1         = "route.v1"
	SchemaRouteResponseV1 = "route_response.v1"
	SchemaNotifyV1        = "notify.v1"
	SchemaNotifyRespV1    = "notify_response.v1"
)
