package provider

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Slack sends outbound notifications via the Slack Web API.
type Slack struct {
	api *slack.Client
}

// NewSlack constructs a Slack provider for the given bot token.
func NewSlack(botToken string) *Slack {
	return &Slack{api: slack.New(botToken)}
}

// Name implements messenger.Provider.
func (s *Slack) Name() string { return "slack" }

// Send implements messenger.Provider, returning the message timestamp
// (Slack's own delivery identifier) as the provider delivery ID.
func (s *Slack) Send(ctx context.Context, recipient, subject, message string) (string, error) {
	_, ts, err := s.api.PostMessageContext(ctx, recipient, slack.MsgOptionText(message, false))
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	return ts, nil
}
