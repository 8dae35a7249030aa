package delivery

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// discordMaxContent is Discord's message content limit.
const discordMaxContent = 2000

// Discord posts messages through the REST API with a bot token. No gateway
// connection is opened.
type Discord struct {
	session *discordgo.Session
	logger  *zap.Logger
}

// NewDiscord creates a Discord deliverer.
func NewDiscord(token string, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, logger: logger}, nil
}

func (d *Discord) Platform() string { return "discord" }

// Deliver sends msg to its channel, split to fit Discord's limit.
func (d *Discord) Deliver(ctx context.Context, msg *Message) error {
	text := msg.Content
	if msg.Title != "" {
		text = fmt.Sprintf("**%s**\n%s", msg.Title, msg.Content)
	}
	for _, part := range split(text, discordMaxContent) {
		if _, err := d.session.ChannelMessageSend(msg.Channel, part, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}
