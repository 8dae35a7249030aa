package delivery

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// slackMaxText is the chat.postMessage text limit.
const slackMaxText = 40000

// Slack posts messages with chat.postMessage.
type Slack struct {
	client   *slack.Client
	username string
	logger   *zap.Logger
}

// NewSlack creates a Slack deliverer for a bot token (xoxb-...).
func NewSlack(botToken, username string, logger *zap.Logger, opts ...slack.Option) *Slack {
	return &Slack{
		client:   slack.New(botToken, opts...),
		username: username,
		logger:   logger,
	}
}

func (s *Slack) Platform() string { return "slack" }

// Deliver posts msg to its channel, one post per text chunk.
func (s *Slack) Deliver(ctx context.Context, msg *Message) error {
	text := msg.Content
	if msg.Title != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Title, msg.Content)
	}
	for _, part := range split(text, slackMaxText) {
		opts := []slack.MsgOption{slack.MsgOptionText(part, false)}
		if s.username != "" {
			opts = append(opts, slack.MsgOptionUsername(s.username))
		}
		if _, _, err := s.client.PostMessageContext(ctx, msg.Channel, opts...); err != nil {
			return fmt.Errorf("slack send: %w", err)
		}
	}
	return nil
}
