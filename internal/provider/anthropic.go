package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AnthropicProvider implements the Provider interface for Claude API.
type AnthropicProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig, logger *zap.Logger) *AnthropicProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *AnthropicProvider) ID() string   { return p.config.ID }
func (p *AnthropicProvider) Name() string { return p.config.Name }

type anthropicRequest struct {
	Model       string          `json:"model"`
	Messages    []anthropicMsg  `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	Stream      bool            `json:"stream"`
}

type anthropicMsg struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"input_schema"`
}

func (p *AnthropicProvider) convertRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if ar.MaxTokens == 0 {
		ar.MaxTokens = 4096
	}
	for _, m := range req.Messages {
		am := anthropicMsg{Role: string(m.Role)}
		for _, c := range m.Content {
			switch c.Type {
			case BlockText:
				if c.Text != "" {
					am.Content = append(am.Content, anthropicBlock{Type: "text", Text: c.Text})
				}
			case BlockToolUse:
				input := c.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				am.Content = append(am.Content, anthropicBlock{Type: "tool_use", ID: c.ID, Name: c.Name, Input: input})
			case BlockToolResult:
				am.Content = append(am.Content, anthropicBlock{
					Type: "tool_result", ToolUseID: c.ToolUseID, Content: c.Content, IsError: c.IsError,
				})
			case BlockThinking:
				// Unsigned thinking is not accepted back by the API.
			}
		}
		if len(am.Content) > 0 {
			ar.Messages = append(ar.Messages, am)
		}
	}
	for _, t := range req.Tools {
		ar.Tools = append(ar.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return ar
}

// ChatStream sends a streaming request to Claude.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan *StreamEvent, error) {
	body, err := json.Marshal(p.convertRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.Endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	ch := make(chan *StreamEvent, 64)
	go p.readStream(ctx, resp.Body, ch)
	return ch, nil
}

type anthropicStreamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type pendingToolUse struct {
	id    string
	name  string
	input strings.Builder
}

func (p *AnthropicProvider) readStream(ctx context.Context, body io.ReadCloser, ch chan<- *StreamEvent) {
	defer close(ch)
	defer body.Close()

	out := emitter{ctx: ctx, ch: ch}
	tools := make(map[int]*pendingToolUse)
	var usage Usage
	var stopReason string
	terminated := false

	err := readSSE(ctx, body, func(f sseFrame) bool {
		if f.Data == "" {
			return true
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
			p.logger.Debug("skip malformed stream event", zap.Error(err))
			return true
		}
		switch ev.Type {
		case "message_start":
			usage.PromptTokens = ev.Message.Usage.InputTokens
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				tools[ev.Index] = &pendingToolUse{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				return out.send(&StreamEvent{Type: StreamTextDelta, Text: ev.Delta.Text})
			case "thinking_delta":
				return out.send(&StreamEvent{Type: StreamThinkingDelta, Text: ev.Delta.Thinking})
			case "input_json_delta":
				if t, ok := tools[ev.Index]; ok {
					t.input.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			t, ok := tools[ev.Index]
			if !ok {
				return true
			}
			delete(tools, ev.Index)
			input := t.input.String()
			if input == "" {
				input = "{}"
			}
			return out.send(&StreamEvent{Type: StreamToolUse, ToolUse: &ContentBlock{
				Type: BlockToolUse, ID: t.id, Name: t.name, Input: json.RawMessage(input),
			}})
		case "message_delta":
			if ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			usage.CompletionTokens = ev.Usage.OutputTokens
		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			terminated = true
			out.send(&StreamEvent{Type: StreamMessageEnd, Usage: usage, StopReason: stopReason})
			return false
		case "error":
			terminated = true
			out.send(&StreamEvent{Type: StreamError, Err: fmt.Errorf("anthropic %s: %s", ev.Error.Type, ev.Error.Message)})
			return false
		}
		return true
	})
	if terminated || ctx.Err() != nil {
		return
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	out.send(&StreamEvent{Type: StreamError, Err: fmt.Errorf("read stream: %w", err)})
}

// ListModels returns available Claude models.
func (p *AnthropicProvider) ListModels(_ context.Context) ([]Model, error) {
	if len(p.config.Models) > 0 {
		models := make([]Model, len(p.config.Models))
		for i, m := range p.config.Models {
			models[i] = Model{ID: m, Name: m, Provider: p.config.ID, MaxTokens: 200000}
		}
		return models, nil
	}
	return []Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", Provider: p.config.ID, MaxTokens: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", Provider: p.config.ID, MaxTokens: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", Provider: p.config.ID, MaxTokens: 200000},
	}, nil
}

// HealthCheck verifies the provider is reachable with a one-token request.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	model := "claude-3-5-haiku-20241022"
	if len(p.config.Models) > 0 {
		model = p.config.Models[0]
	}
	ch, err := p.ChatStream(ctx, &ChatRequest{
		Model:     model,
		Messages:  []Message{NewTextMessage(RoleUser, "ping")},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	_, err = Collect(ctx, ch)
	return err
}
