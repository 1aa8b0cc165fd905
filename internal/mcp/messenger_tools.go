package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/adapter/tool"
	"switchboard/internal/domain"
	"switchboard/internal/messenger"
)

// notifyParams is the common shape for notify / telegram_send_message /
// email_send_message: only the channel is fixed per-tool, everything else
// is forwarded straight into DeliverRequest.
type notifyParams struct {
	RequestID    string `json:"request_id,omitempty"`
	OriginButler string `json:"origin_butler"`
	Intent       string `json:"intent,omitempty"` // "send" | "reply", defaults to "send"
	Channel      string `json:"channel,omitempty"`
	Recipient    string `json:"recipient,omitempty"`
	Subject      string `json:"subject,omitempty"`
	Message      string `json:"message"`
	SourceSender string `json:"source_sender,omitempty"`
	SourceThread string `json:"source_thread,omitempty"`
}

func (p notifyParams) toDeliverRequest(channel string) messenger.DeliverRequest {
	intent := p.Intent
	if intent == "" {
		intent = "send"
	}
	return messenger.DeliverRequest{
		RequestID: p.RequestID, OriginButler: p.OriginButler, Intent: intent,
		Channel: channel, Recipient: p.Recipient, Subject: p.Subject, Message: p.Message,
		SourceSender: p.SourceSender, SourceThread: p.SourceThread,
	}
}

type notifyTool struct {
	name        string
	description string
	channel     string // fixed channel, or "" to take it from params (the generic "notify" tool)
	deliverer   *messenger.Deliverer
	logger      *slog.Logger
}

// NewNotifyTool exposes Deliverer.Deliver as the channel-agnostic notify
// tool: the caller supplies channel explicitly.
func NewNotifyTool(deliverer *messenger.Deliverer, logger *slog.Logger) domain.Tool {
	return &notifyTool{
		name:        "notify",
		description: "Send an outbound message on any registered channel (telegram, email, slack, discord), deduplicated by request_id/origin_butler/intent/channel/recipient/content.",
		deliverer:   deliverer, logger: logger,
	}
}

// NewTelegramSendMessageTool exposes Deliverer.Deliver fixed to channel=telegram.
func NewTelegramSendMessageTool(deliverer *messenger.Deliverer, logger *slog.Logger) domain.Tool {
	return &notifyTool{
		name:        "telegram_send_message",
		description: "Send a Telegram message, deduplicated by request_id/origin_butler/intent/recipient/content.",
		channel:     "telegram", deliverer: deliverer, logger: logger,
	}
}

// NewEmailSendMessageTool exposes Deliverer.Deliver fixed to channel=email.
func NewEmailSendMessageTool(deliverer *messenger.Deliverer, logger *slog.Logger) domain.Tool {
	return &notifyTool{
		name:        "email_send_message",
		description: "Send an email, deduplicated by request_id/origin_butler/intent/recipient/subject/content.",
		channel:     "email", deliverer: deliverer, logger: logger,
	}
}

func (t *notifyTool) Name() string        { return t.name }
func (t *notifyTool) Description() string { return t.description }

func (t *notifyTool) Schema() domain.ToolSchema {
	properties := `
		"request_id": {"type": "string"},
		"origin_butler": {"type": "string"},
		"intent": {"type": "string", "enum": ["send", "reply"]},
		"recipient": {"type": "string"},
		"subject": {"type": "string"},
		"message": {"type": "string"},
		"source_sender": {"type": "string"},
		"source_thread": {"type": "string"}`
	required := `"origin_butler", "message"`
	if t.channel == "" {
		properties = `"channel": {"type": "string", "enum": ["telegram", "email", "slack", "discord"]},` + properties
		required = `"channel", ` + required
	}
	return domain.ToolSchema{
		Name:        t.name,
		Description: t.description,
		Parameters:  json.RawMessage(`{"type": "object", "properties": {` + properties + `}, "required": [` + required + `]}`),
	}
}

func (t *notifyTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.name, t.logger, params,
		func(ctx context.Context, _ trace.Span, p notifyParams) (any, error) {
			channel := t.channel
			if channel == "" {
				channel = p.Channel
			}
			if channel == "" {
				return tool.ErrResult("channel is required")
			}
			deliveryID, providerDeliveryID, err := t.deliverer.Deliver(ctx, p.toDeliverRequest(channel))
			if err != nil {
				return nil, err
			}
			return map[string]any{"delivery_id": deliveryID, "provider_delivery_id": providerDeliveryID}, nil
		},
	)
}
