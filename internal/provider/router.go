package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Router manages multiple LLM providers and routes requests.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // agentID -> providerID
	fallbacks map[string][]string // agentID -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Bind associates an agent with a specific provider.
func (r *Router) Bind(agentID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agentID] = providerID
}

// SetFallbacks configures fallback providers for an agent.
func (r *Router) SetFallbacks(agentID string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agentID] = providerIDs
}

// RouteStream opens a streaming chat through the agent's provider. When the
// primary provider refuses the request, fallbacks are tried in order. Once
// a stream is open, failures surface as error events on it.
func (r *Router) RouteStream(ctx context.Context, agentID string, req *ChatRequest) (<-chan *StreamEvent, error) {
	r.mu.RLock()
	primary := r.getProvider(agentID)
	var chain []Provider
	for _, fbID := range r.fallbacks[agentID] {
		if fb, ok := r.providers[fbID]; ok {
			chain = append(chain, fb)
		}
	}
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("no provider available for agent %s", agentID)
	}

	ch, err := primary.ChatStream(ctx, req)
	if err == nil {
		return ch, nil
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("agent", agentID), zap.Error(err))

	for _, fb := range chain {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ch, err = fb.ChatStream(ctx, req)
		if err == nil {
			return ch, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for agent %s: %w", agentID, err)
}

func (r *Router) getProvider(agentID string) Provider {
	if pid, ok := r.bindings[agentID]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}

// Response is a fully collected streaming turn.
type Response struct {
	Message    Message
	Usage      Usage
	StopReason string
}

// ErrStreamClosed is returned when a stream ends without a terminal event.
var ErrStreamClosed = errors.New("model stream closed before message_end")

// Collect drains a stream into a single assistant message.
func Collect(ctx context.Context, ch <-chan *StreamEvent) (*Response, error) {
	return CollectFunc(ctx, ch, nil)
}

// CollectFunc is Collect with a callback observing every event as it
// arrives.
func CollectFunc(ctx context.Context, ch <-chan *StreamEvent, fn func(*StreamEvent)) (*Response, error) {
	var text, thinking strings.Builder
	var uses []ContentBlock
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil, ErrStreamClosed
			}
			if fn != nil {
				fn(ev)
			}
			switch ev.Type {
			case StreamTextDelta:
				text.WriteString(ev.Text)
			case StreamThinkingDelta:
				thinking.WriteString(ev.Text)
			case StreamToolUse:
				if ev.ToolUse != nil {
					uses = append(uses, *ev.ToolUse)
				}
			case StreamError:
				if ev.Err == nil {
					return nil, errors.New("model stream error")
				}
				return nil, ev.Err
			case StreamMessageEnd:
				msg := Message{ID: NewMessageID(), Role: RoleAssistant, CreatedAt: time.Now()}
				if thinking.Len() > 0 {
					msg.Content = append(msg.Content, ContentBlock{Type: BlockThinking, Text: thinking.String()})
				}
				if text.Len() > 0 {
					msg.Content = append(msg.Content, TextBlock(text.String()))
				}
				msg.Content = append(msg.Content, uses...)
				return &Response{Message: msg, Usage: ev.Usage, StopReason: ev.StopReason}, nil
			}
		}
	}
}
