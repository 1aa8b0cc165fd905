package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"switchboard/internal/domain"
)

// Provider is a single outbound channel connector (Telegram, Slack,
// Discord, email). Send returns the provider's own delivery/message ID on
// success.
type Provider interface {
	Name() string
	Send(ctx context.Context, recipient, subject, message string) (providerDeliveryID string, err error)
}

// DeliverRequest is everything Deliver needs to derive the canonical
// idempotency key and dispatch to a provider: the notify.v1 delivery
// instruction, plus the originating request_context fields a "reply"
// needs to normalize its target.
type DeliverRequest struct {
	RequestID    string
	OriginButler string
	Intent       string // "send" | "reply"
	Channel      string
	Recipient    string
	Subject      string
	Message      string
	SourceSender string // request_context.source_sender_identity, for replies
	SourceThread string // request_context.source_thread_identity, for replies
}

func (r DeliverRequest) keyInput() DeliveryKeyInput {
	return DeliveryKeyInput{
		RequestID:    r.RequestID,
		OriginButler: r.OriginButler,
		Intent:       r.Intent,
		Channel:      r.Channel,
		Recipient:    r.Recipient,
		SourceSender: r.SourceSender,
		SourceThread: r.SourceThread,
		Subject:      r.Subject,
		Message:      r.Message,
	}
}

// Deliverer is the messenger butler's route.execute target for
// "messenger.deliver" calls: it deduplicates via IdempotencyEngine and
// dispatches to the named provider behind a per-provider circuit breaker.
type Deliverer struct {
	idem      *IdempotencyEngine
	providers map[string]Provider
	breakers  map[string]*gobreaker.CircuitBreaker[string]
	logger    *slog.Logger
}

// NewDeliverer constructs a Deliverer.
func NewDeliverer(idem *IdempotencyEngine, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		idem:      idem,
		providers: make(map[string]Provider),
		breakers:  make(map[string]*gobreaker.CircuitBreaker[string]),
		logger:    logger,
	}
}

// RegisterProvider wires a channel connector in under its name, behind a
// circuit breaker that opens after 5 consecutive send failures and probes
// recovery every 30s — a provider outage degrades to fast failures instead
// of piling up slow outbound calls.
func (d *Deliverer) RegisterProvider(p Provider) {
	d.providers[p.Name()] = p
	d.breakers[p.Name()] = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "messenger.provider." + p.Name(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if d.logger != nil {
				d.logger.Warn("messenger: provider circuit breaker state change", "breaker", name, "from", from, "to", to)
			}
		},
	})
}

func newDeliveryID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Deliver executes one outbound send, short-circuiting if an identical
// request (same origin butler, intent, channel, target, and content) was
// already sent.
func (d *Deliverer) Deliver(ctx context.Context, req DeliverRequest) (deliveryID, providerDeliveryID string, err error) {
	existing, err := d.idem.CheckDuplicate(ctx, req.keyInput())
	if err != nil {
		return "", "", err
	}
	if existing != nil {
		return existing.ID, existing.ProviderDeliveryID, nil
	}

	provider, ok := d.providers[req.Channel]
	if !ok {
		return "", "", domain.NewSubSystemError("messenger", "Deliverer.Deliver", domain.ErrNotFound, req.Channel)
	}
	breaker := d.breakers[req.Channel]

	id := newDeliveryID()
	if _, err := d.idem.CreateDeliveryRequest(ctx, id, req.keyInput()); err != nil {
		return "", "", err
	}

	providerID, sendErr := breaker.Execute(func() (string, error) {
		return provider.Send(ctx, req.Recipient, req.Subject, req.Message)
	})
	if sendErr != nil {
		if updErr := d.idem.UpdateDeliveryStatus(ctx, id, "failed", sendErr.Error()); updErr != nil {
			d.logger.Warn("failed to persist delivery failure", "id", id, "error", updErr)
		}
		return id, "", fmt.Errorf("messenger: send via %s: %w", req.Channel, sendErr)
	}

	if err := d.idem.RecordProviderDeliveryID(ctx, id, providerID); err != nil {
		d.logger.Warn("failed to record provider delivery id", "id", id, "error", err)
	}
	return id, providerID, nil
}
