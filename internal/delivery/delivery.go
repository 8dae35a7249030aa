package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Message is run output addressed to one chat channel.
type Message struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	Title    string `json:"title,omitempty"`
	Content  string `json:"content"`
}

// Deliverer posts messages to one chat platform.
type Deliverer interface {
	Platform() string
	Deliver(ctx context.Context, msg *Message) error
}

// Router sends each message to the deliverer of its platform.
type Router struct {
	mu         sync.RWMutex
	deliverers map[string]Deliverer
	logger     *zap.Logger
}

// NewRouter creates an empty delivery router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{deliverers: make(map[string]Deliverer), logger: logger}
}

// Register adds d, replacing any deliverer for the same platform.
func (r *Router) Register(d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliverers[d.Platform()] = d
	r.logger.Info("registered deliverer", zap.String("platform", d.Platform()))
}

// Platforms lists the registered platforms.
func (r *Router) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.deliverers))
	for p := range r.deliverers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Deliver sends msg through its platform's deliverer.
func (r *Router) Deliver(ctx context.Context, msg *Message) error {
	r.mu.RLock()
	d, ok := r.deliverers[msg.Platform]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no deliverer for platform: %s", msg.Platform)
	}
	if err := d.Deliver(ctx, msg); err != nil {
		r.logger.Warn("delivery failed",
			zap.String("platform", msg.Platform),
			zap.String("channel", msg.Channel),
			zap.Error(err))
		return err
	}
	r.logger.Debug("delivered", zap.String("platform", msg.Platform), zap.String("channel", msg.Channel))
	return nil
}

// split breaks text into pieces of at most max bytes, preferring line
// boundaries.
func split(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var out []string
	for len(text) > max {
		cut := strings.LastIndex(text[:max], "\n")
		if cut <= 0 {
			cut = max
		}
		out = append(out, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
