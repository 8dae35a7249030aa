// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nidhogg/nuka-crew/internal/provider"
)

// ToolUse is one scripted tool call.
type ToolUse struct {
	ID    string
	Name  string
	Input interface{}
}

// Turn is one scripted model response.
type Turn struct {
	Thinking string
	Text     string
	ToolUses []ToolUse
	// Gate, when set, is awaited before the turn ends. Streaming stops
	// early if the request context is cancelled first.
	Gate <-chan struct{}
	// Err fails the turn with a stream error after any text.
	Err        error
	StopReason string
	Usage      provider.Usage
}

// ScriptedProvider replays canned turns. Scripts are picked by the first
// registered marker found in the request's system prompt; the "" script
// is the fallback. Each script is consumed in order and its last turn
// repeats once exhausted.
type ScriptedProvider struct {
	mu       sync.Mutex
	scripts  map[string][]Turn
	markers  []string
	pos      map[string]int
	requests []provider.ChatRequest
}

// NewScriptedProvider returns a provider whose fallback script is turns.
func NewScriptedProvider(turns ...Turn) *ScriptedProvider {
	p := &ScriptedProvider{scripts: make(map[string][]Turn), pos: make(map[string]int)}
	if len(turns) > 0 {
		p.scripts[""] = turns
	}
	return p
}

// Script registers turns for requests whose system prompt contains marker.
func (p *ScriptedProvider) Script(marker string, turns ...Turn) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.scripts[marker]; !ok && marker != "" {
		p.markers = append(p.markers, marker)
	}
	p.scripts[marker] = turns
	return p
}

// Requests returns every request seen so far.
func (p *ScriptedProvider) Requests() []provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.ChatRequest(nil), p.requests...)
}

// RequestsFor returns requests whose system prompt contains marker.
func (p *ScriptedProvider) RequestsFor(marker string) []provider.ChatRequest {
	var out []provider.ChatRequest
	for _, r := range p.Requests() {
		if strings.Contains(r.System, marker) {
			out = append(out, r)
		}
	}
	return out
}

func (p *ScriptedProvider) ID() string   { return "scripted" }
func (p *ScriptedProvider) Name() string { return "Scripted" }

func (p *ScriptedProvider) ListModels(context.Context) ([]provider.Model, error) {
	return []provider.Model{{ID: "scripted-model", Name: "scripted-model", Provider: "scripted"}}, nil
}

func (p *ScriptedProvider) HealthCheck(context.Context) error { return nil }

// RouteStream lets the provider stand in for a router.
func (p *ScriptedProvider) RouteStream(ctx context.Context, _ string, req *provider.ChatRequest) (<-chan *provider.StreamEvent, error) {
	return p.ChatStream(ctx, req)
}

func (p *ScriptedProvider) ChatStream(ctx context.Context, req *provider.ChatRequest) (<-chan *provider.StreamEvent, error) {
	turn, err := p.next(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan *provider.StreamEvent, 8)
	go func() {
		defer close(ch)
		send := func(ev *provider.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if turn.Thinking != "" && !send(&provider.StreamEvent{Type: provider.StreamThinkingDelta, Text: turn.Thinking}) {
			return
		}
		if turn.Text != "" && !send(&provider.StreamEvent{Type: provider.StreamTextDelta, Text: turn.Text}) {
			return
		}
		if turn.Gate != nil {
			select {
			case <-turn.Gate:
			case <-ctx.Done():
				return
			}
		}
		if turn.Err != nil {
			send(&provider.StreamEvent{Type: provider.StreamError, Err: turn.Err})
			return
		}
		for i, u := range turn.ToolUses {
			id := u.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", i, u.Name)
			}
			raw, _ := json.Marshal(u.Input)
			if u.Input == nil {
				raw = json.RawMessage(`{}`)
			}
			block := &provider.ContentBlock{Type: provider.BlockToolUse, ID: id, Name: u.Name, Input: raw}
			if !send(&provider.StreamEvent{Type: provider.StreamToolUse, ToolUse: block}) {
				return
			}
		}
		stop := turn.StopReason
		if stop == "" {
			stop = provider.StopEndTurn
			if len(turn.ToolUses) > 0 {
				stop = provider.StopToolUse
			}
		}
		send(&provider.StreamEvent{Type: provider.StreamMessageEnd, StopReason: stop, Usage: turn.Usage})
	}()
	return ch, nil
}

func (p *ScriptedProvider) next(req *provider.ChatRequest) (Turn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, *req)
	key := ""
	for _, m := range p.markers {
		if strings.Contains(req.System, m) {
			key = m
			break
		}
	}
	turns, ok := p.scripts[key]
	if !ok || len(turns) == 0 {
		return Turn{}, errors.New("no script for request")
	}
	i := p.pos[key]
	if i >= len(turns) {
		i = len(turns) - 1
	}
	p.pos[key] = i + 1
	return turns[i], nil
}

// Drain reads a stream to its end.
func Drain[T any](ch <-chan T) []T {
	var out []T
	for v := range ch {
		out = append(out, v)
	}
	return out
}
