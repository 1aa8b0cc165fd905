// Package messenger implements the messenger butler: idempotent outbound
// delivery against the channel providers (Telegram, Slack, Discord, email),
// keyed so a retried notify.v1 call never double-sends.
package messenger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/store/sqlite"
)

// DeliveryKeyInput carries every field the canonical idempotency key join
// needs. Two notify.v1 calls that agree on all of these are the same
// logical send and must collapse onto one delivery_requests row.
type DeliveryKeyInput struct {
	RequestID    string // optional; omitted from the join when empty
	OriginButler string
	Intent       string // "send" | "reply"
	Channel      string
	Recipient    string // target for intent == "send"
	SourceSender string // thread originator for intent == "reply"
	SourceThread string // optional thread identity for intent == "reply"
	Subject      string
	Message      string
}

// normalizedTarget derives the join's target field: the lowercased,
// trimmed recipient for a "send", or the lowercased, trimmed thread
// originator (optionally suffixed with the thread identity) for a "reply" —
// a reply is keyed by who and where it answers, not by its own recipient.
func normalizedTarget(in DeliveryKeyInput) string {
	if in.Intent == "reply" {
		target := in.SourceSender
		if in.SourceThread != "" {
			target = fmt.Sprintf("%s:%s", in.SourceSender, in.SourceThread)
		}
		return strings.ToLower(strings.TrimSpace(target))
	}
	return strings.ToLower(strings.TrimSpace(in.Recipient))
}

// contentHash folds subject and message into one field of the join, so two
// deliveries differing only by subject never collapse onto the same key.
func contentHash(subject, message string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(fmt.Sprintf("%s|%s", subject, message))))
	return hex.EncodeToString(sum[:])
}

// deriveIdempotencyKey computes the canonical delivery key: the join of
// [request_id?, origin_butler, intent, channel, normalized_target,
// content_hash], request_id omitted from the join when absent.
func deriveIdempotencyKey(in DeliveryKeyInput) string {
	parts := make([]string, 0, 6)
	if in.RequestID != "" {
		parts = append(parts, in.RequestID)
	}
	parts = append(parts, in.OriginButler, in.Intent, in.Channel, normalizedTarget(in), contentHash(in.Subject, in.Message))

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// IdempotencyEngine wraps the delivery_requests ledger with the
// check-then-create flow every Deliver call goes through: an identical
// send request within the lifetime of its idempotency key returns the
// original request instead of dispatching to the provider again.
type IdempotencyEngine struct {
	store *sqlite.DeliveryStore
}

// NewIdempotencyEngine constructs an IdempotencyEngine.
func NewIdempotencyEngine(store *sqlite.DeliveryStore) *IdempotencyEngine {
	return &IdempotencyEngine{store: store}
}

// CheckDuplicate returns the existing delivery request for this logical
// send, if one was already created.
func (e *IdempotencyEngine) CheckDuplicate(ctx context.Context, in DeliveryKeyInput) (*sqlite.DeliveryRequestRow, error) {
	return e.store.FindByIdempotencyKey(ctx, deriveIdempotencyKey(in))
}

// CreateDeliveryRequest inserts a new pending delivery request, deriving
// and returning its idempotency key.
func (e *IdempotencyEngine) CreateDeliveryRequest(ctx context.Context, id string, in DeliveryKeyInput) (string, error) {
	key := deriveIdempotencyKey(in)
	now := time.Now()
	err := e.store.CreateRequest(ctx, sqlite.DeliveryRequestRow{
		ID:             id,
		IdempotencyKey: key,
		Channel:        in.Channel,
		Recipient:      in.Recipient,
		Message:        in.Message,
		Subject:        in.Subject,
		Status:         "pending",
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	return key, err
}

// RecordProviderDeliveryID attaches the provider's own delivery/message ID
// once a send call returns successfully.
func (e *IdempotencyEngine) RecordProviderDeliveryID(ctx context.Context, id, providerDeliveryID string) error {
	return e.store.RecordProviderDeliveryID(ctx, id, providerDeliveryID, time.Now())
}

// UpdateDeliveryStatus transitions a delivery request's terminal status
// (e.g. "failed" after the provider rejects the send, "sent" on a later
// webhook confirmation).
func (e *IdempotencyEngine) UpdateDeliveryStatus(ctx context.Context, id, status, errMsg string) error {
	return e.store.UpdateStatus(ctx, id, status, errMsg, time.Now())
}

// Error helper so callers building notify_response.v1 errors don't need to
// reach into domain directly.
func classifyDeliveryError(err error) *domain.ErrorEnvelope {
	if err == nil {
		return nil
	}
	env := domain.ClassifyError(err)
	return &env
}
