package domain

import (
	"context"
	"time"
)

// EligibilityState is a butler's registration health as tracked by the
// Switchboard's eligibility sweep.
type EligibilityState string

const (
	EligibilityActive      EligibilityState = "active"
	EligibilityStale       EligibilityState = "stale"
	EligibilityQuarantined EligibilityState = "quarantined"
)

// ButlerRegistration is one row of the Switchboard's butler_registry table.
type ButlerRegistration struct {
	Name               string           `json:"name"`
	Modules            []string         `json:"modules"`
	EligibilityState   EligibilityState `json:"eligibility_state"`
	LivenessTTLSeconds int              `json:"liveness_ttl_seconds"`
	LastSeenAt         *time.Time       `json:"last_seen_at,omitempty"`
	QuarantinedAt      *time.Time       `json:"quarantined_at,omitempty"`
	QuarantineReason   string           `json:"quarantine_reason,omitempty"`
	TrustedRouteCallers []string        `json:"trusted_route_callers"` // default {"switchboard"}
}

// EligibilityLogEntry is one append-only row of
// butler_registry_eligibility_log.
type EligibilityLogEntry struct {
	ButlerName   string           `json:"butler_name"`
	PreviousState EligibilityState `json:"previous_state"`
	NewState     EligibilityState `json:"new_state"`
	Reason       string           `json:"reason"`
	ObservedAt   time.Time        `json:"observed_at"`
}

// Eligibility sweep reasons, exactly as named in the liveness-TTL rule.
const (
	ReasonLivenessTTLExpired   = "liveness_ttl_expired"
	ReasonLivenessTTL2xExpired = "liveness_ttl_2x_expired"
)

// ButlerStore persists the butler registry and its eligibility log.
type ButlerStore interface {
	Upsert(ctx context.Context, reg ButlerRegistration) error
	Get(ctx context.Context, name string) (*ButlerRegistration, error)
	List(ctx context.Context) ([]ButlerRegistration, error)
	// ListEligible returns registered butlers whose EligibilityState is
	// EligibilityActive, optionally filtered to those advertising module.
	ListEligible(ctx context.Context, module string) ([]ButlerRegistration, error)
	Heartbeat(ctx context.Context, name string, at time.Time) error
	Transition(ctx context.Context, name string, newState EligibilityState, reason string, at time.Time) error
	AppendEligibilityLog(ctx context.Context, entry EligibilityLogEntry) error
}

// RouteInboxState is the lifecycle of a row in a butler's route_inbox.
type RouteInboxState string

const (
	RouteInboxAccepted   RouteInboxState = "accepted"
	RouteInboxProcessing RouteInboxState = "processing"
	RouteInboxProcessed  RouteInboxState = "processed"
	RouteInboxErrored    RouteInboxState = "errored"
)

// RouteInboxRow is one entry in a butler's route_inbox, created by
// route.execute and resolved by the butler's async worker/recovery path.
type RouteInboxRow struct {
	ID             string          `json:"id"`
	ReceivedAt     time.Time       `json:"received_at"`
	RouteEnvelope  RouteV1         `json:"route_envelope"`
	LifecycleState RouteInboxState `json:"lifecycle_state"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// RouteInboxStore persists a butler's route_inbox. Exactly-once terminal
// transition (processed xor errored) is enforced by conditional UPDATEs at
// the SQL layer, not by this interface alone.
type RouteInboxStore interface {
	Insert(ctx context.Context, row RouteInboxRow) error
	Get(ctx context.Context, id string) (*RouteInboxRow, error)
	// ListRecoverable returns rows in accepted state, plus processing rows
	// whose ReceivedAt is older than the liveness bound (stuck workers).
	ListRecoverable(ctx context.Context, processingLivenessBound time.Duration, now time.Time) ([]RouteInboxRow, error)
	TransitionToProcessing(ctx context.Context, id string) error
	MarkProcessed(ctx context.Context, id, sessionID string, at time.Time) error
	MarkErrored(ctx context.Context, id, errMsg string, at time.Time) error
}
