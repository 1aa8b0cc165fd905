package switchboard

import (
	"context"
	"log/slog"
	"time"

	"switchboard/internal/butler"
	"switchboard/internal/domain"
	"switchboard/internal/store/sqlite"
)

// Deliverer fulfills a butler's notify.v1 request by wrapping it as a
// route.v1 call targeted at the messenger butler's route.execute tool,
// then recording the outcome in the outbound delivery audit log.
type Deliverer struct {
	registry     *butler.Registry
	dispatcher   RouteDispatcher
	notifications *sqlite.NotificationStore
	bus          domain.EventBus
	logger       *slog.Logger
}

// NewDeliverer constructs a Deliverer.
func NewDeliverer(registry *butler.Registry, dispatcher RouteDispatcher, notifications *sqlite.NotificationStore, bus domain.EventBus, logger *slog.Logger) *Deliverer {
	return &Deliverer{registry: registry, dispatcher: dispatcher, notifications: notifications, bus: bus, logger: logger}
}

// Deliver resolves and dispatches one notify.v1 request, returning the
// notify_response.v1 wire shape the origin butler expects.
func (d *Deliverer) Deliver(ctx context.Context, req domain.NotifyV1) *domain.NotifyResponseV1 {
	messengers := d.registry.ListEligible("messenger")
	if len(messengers) == 0 {
		env := domain.ClassifyError(domain.ErrButlerNotFound)
		env.Message = "no eligible messenger butler registered"
		d.audit(ctx, req, "error", "", "", env.Message)
		return &domain.NotifyResponseV1{SchemaVersion: domain.SchemaNotifyRespV1, Status: "error", Error: &env}
	}
	target := messengers[0].Name

	rc := domain.RequestContext{ReceivedAt: time.Now(), SourceChannel: req.Delivery.Channel}
	if req.RequestContext != nil {
		rc = *req.RequestContext
	}

	route := domain.RouteV1{
		SchemaVersion:  domain.SchemaRouteV1,
		RequestContext: rc,
		Target:         domain.RouteTarget{Butler: target, Tool: "messenger.deliver"},
		Input: domain.RouteInput{
			Prompt: req.Delivery.Message,
			Context: map[string]any{
				"request_id":    rc.RequestID,
				"origin_butler": req.OriginButler,
				"intent":        req.Delivery.Intent,
				"channel":       req.Delivery.Channel,
				"recipient":     req.Delivery.Recipient,
				"subject":       req.Delivery.Subject,
				"metadata":      req.Delivery.Metadata,
				"source_sender": rc.SourceSenderIdentity,
				"source_thread": rc.SourceThreadIdentity,
			},
		},
	}

	resp, err := d.dispatcher.Dispatch(ctx, target, route)
	if err != nil {
		env := domain.ClassifyError(err)
		d.audit(ctx, req, "error", "", "", env.Message)
		d.emit(ctx, domain.EventNotifyFailed, req, env.Message)
		return &domain.NotifyResponseV1{SchemaVersion: domain.SchemaNotifyRespV1, Status: "error", Error: &env}
	}
	if resp.Status == "error" {
		d.audit(ctx, req, "error", "", "", errMessage(resp.Error))
		d.emit(ctx, domain.EventNotifyFailed, req, errMessage(resp.Error))
		return &domain.NotifyResponseV1{SchemaVersion: domain.SchemaNotifyRespV1, Status: "error", Error: resp.Error}
	}

	deliveryID := resp.InboxID
	d.audit(ctx, req, "ok", deliveryID, "", "")
	d.emit(ctx, domain.EventNotifyDelivered, req, "")

	return &domain.NotifyResponseV1{
		SchemaVersion: domain.SchemaNotifyRespV1,
		Status:        "ok",
		Delivery: &domain.NotifyDeliveryResult{
			Channel:    req.Delivery.Channel,
			DeliveryID: deliveryID,
		},
	}
}

func errMessage(e *domain.ErrorEnvelope) string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (d *Deliverer) audit(ctx context.Context, req domain.NotifyV1, status, deliveryID, providerID, errMsg string) {
	if d.notifications == nil {
		return
	}
	row := sqlite.NotificationRow{
		ID:                 deliveryID,
		OriginButler:       req.OriginButler,
		Channel:            req.Delivery.Channel,
		Intent:             req.Delivery.Intent,
		Recipient:          req.Delivery.Recipient,
		Status:             status,
		DeliveryID:         deliveryID,
		ProviderDeliveryID: providerID,
		Error:              errMsg,
		CreatedAt:          time.Now(),
	}
	if row.ID == "" {
		row.ID = req.OriginButler + "-" + row.CreatedAt.Format(timeNanoLayout)
	}
	if err := d.notifications.Insert(ctx, row); err != nil {
		d.logger.Warn("failed to record notification audit row", "error", err)
	}
}

const timeNanoLayout = "20060102T150405.000000000"

func (d *Deliverer) emit(ctx context.Context, eventType domain.EventType, req domain.NotifyV1, errMsg string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload: domain.MustMarshalPayload(map[string]any{
			"origin_butler": req.OriginButler,
			"channel":       req.Delivery.Channel,
			"error":         errMsg,
		}),
	})
}
