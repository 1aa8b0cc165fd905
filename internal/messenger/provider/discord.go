package provider

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Discord sends outbound notifications via the Discord REST API.
type Discord struct {
	session *discordgo.Session
}

// NewDiscord constructs a Discord provider for the given bot token.
func NewDiscord(botToken string) (*Discord, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	return &Discord{session: session}, nil
}

// Name implements messenger.Provider.
func (d *Discord) Name() string { return "discord" }

// Send implements messenger.Provider. recipient is a Discord channel ID —
// DMs are delivered by first resolving a user's DM channel and passing
// that channel ID here.
func (d *Discord) Send(ctx context.Context, recipient, subject, message string) (string, error) {
	msg, err := d.session.ChannelMessageSend(recipient, message, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return msg.ID, nil
}
