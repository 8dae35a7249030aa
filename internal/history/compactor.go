// Package history fits stored conversation history into a model's context
// window before it is replayed into a new run.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"go.uber.org/zap"
)

// Config sizes the history window.
type Config struct {
	MaxTokens    int     // context window of the model
	ReserveRatio float64 // fraction kept free for the new turn (default 0.3)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:    128000,
		ReserveRatio: 0.3,
	}
}

// maxToolResult bounds a tool result kept verbatim in old history.
const maxToolResult = 500

// summarizerID is the routing key of summarization requests.
const summarizerID = "_history"

// Compactor shrinks history that exceeds its token budget.
type Compactor struct {
	config Config
	models agent.Streamer
	logger *zap.Logger
}

// NewCompactor creates a compactor. models may be nil, in which case old
// turns are dropped instead of summarized.
func NewCompactor(cfg Config, models agent.Streamer, logger *zap.Logger) *Compactor {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.ReserveRatio <= 0 || cfg.ReserveRatio >= 1 {
		cfg.ReserveRatio = def.ReserveRatio
	}
	return &Compactor{config: cfg, models: models, logger: logger}
}

// Budget returns the token budget available to history.
func (c *Compactor) Budget() int {
	return int(float64(c.config.MaxTokens) * (1 - c.config.ReserveRatio))
}

// Fit returns msgs reduced to the budget. Long tool results are truncated
// first, then the older half of the conversation is folded into a summary
// until the rest fits. The input slice is not modified.
func (c *Compactor) Fit(ctx context.Context, msgs []provider.Message) []provider.Message {
	budget := c.Budget()
	total := EstimateTokens(msgs)
	if total <= budget {
		return msgs
	}
	c.logger.Info("history exceeds budget, compacting",
		zap.Int("total", total),
		zap.Int("budget", budget))

	out := truncateToolResults(msgs)
	for EstimateTokens(out) > budget && len(out) > 2 {
		next := c.fold(ctx, out)
		if len(next) >= len(out) {
			break
		}
		out = next
	}
	c.logger.Debug("history compacted",
		zap.Int("messages", len(out)),
		zap.Int("tokens", EstimateTokens(out)))
	return out
}

// fold replaces the older half of msgs with a summary message. The kept
// part starts at an assistant turn so roles keep alternating after the
// user-role summary.
func (c *Compactor) fold(ctx context.Context, msgs []provider.Message) []provider.Message {
	cut := len(msgs) / 2
	for cut < len(msgs) && msgs[cut].Role != provider.RoleAssistant {
		cut++
	}
	if cut >= len(msgs) {
		cut = len(msgs) - 1
	}
	old, kept := msgs[:cut], msgs[cut:]

	summary, err := c.summarize(ctx, old)
	if err != nil {
		c.logger.Warn("history summarization failed, dropping old turns", zap.Error(err))
		for len(kept) > 0 && kept[0].Role != provider.RoleUser {
			kept = kept[1:]
		}
		return append([]provider.Message(nil), kept...)
	}
	out := make([]provider.Message, 0, len(kept)+1)
	out = append(out, provider.NewTextMessage(provider.RoleUser, "[Summary of the earlier conversation]\n"+summary))
	return append(out, kept...)
}

func (c *Compactor) summarize(ctx context.Context, msgs []provider.Message) (string, error) {
	if c.models == nil {
		return "", errors.New("no model available for summarization")
	}
	req := &provider.ChatRequest{
		System:    "You compress conversation transcripts. Keep decisions, facts, names, file paths and open questions. Drop pleasantries.",
		Messages:  []provider.Message{provider.NewTextMessage(provider.RoleUser, transcript(msgs))},
		MaxTokens: 512,
	}
	ch, err := c.models.RouteStream(ctx, summarizerID, req)
	if err != nil {
		return "", err
	}
	resp, err := provider.Collect(ctx, ch)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Message.Text())
	if text == "" {
		return "", errors.New("empty summary")
	}
	return text, nil
}

func transcript(msgs []provider.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		for _, block := range m.Content {
			switch block.Type {
			case provider.BlockText:
				fmt.Fprintf(&b, "[%s]: %s\n", m.Role, block.Text)
			case provider.BlockToolUse:
				fmt.Fprintf(&b, "[%s called %s]: %s\n", m.Role, block.Name, block.Input)
			case provider.BlockToolResult:
				fmt.Fprintf(&b, "[tool result]: %s\n", block.Content)
			}
		}
	}
	return b.String()
}

// truncateToolResults copies msgs, cutting long tool results.
func truncateToolResults(msgs []provider.Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		out[i].Content = append([]provider.ContentBlock(nil), m.Content...)
		for j, block := range out[i].Content {
			if block.Type == provider.BlockToolResult && len(block.Content) > maxToolResult {
				out[i].Content[j].Content = block.Content[:maxToolResult] + "\n...[truncated]"
			}
		}
	}
	return out
}

// EstimateTokens approximates the token count of msgs at about four
// bytes per token.
func EstimateTokens(msgs []provider.Message) int {
	n := 0
	for _, m := range msgs {
		for _, b := range m.Content {
			n += len(b.Text) + len(b.Content) + len(b.Input) + len(b.Name)
		}
	}
	return (n + 3) / 4
}
