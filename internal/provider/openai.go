package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OpenAIProvider implements the Provider interface for OpenAI-compatible APIs.
type OpenAIProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *OpenAIProvider) ID() string   { return p.config.ID }
func (p *OpenAIProvider) Name() string { return p.config.Name }

// chatURL builds the chat completions URL. If Extra["path_model"] is "true",
// the model name is inserted into the URL path.
func (p *OpenAIProvider) chatURL(model string) string {
	if p.config.Extra["path_model"] == "true" && model != "" {
		return p.config.Endpoint + "/" + model + "/chat/completions"
	}
	return p.config.Endpoint + "/chat/completions"
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// convertMessages flattens content blocks into the chat-completions shape:
// tool_use blocks become assistant tool_calls and every tool_result becomes
// its own "tool" message.
func convertMessages(req *ChatRequest) []openAIMessage {
	var out []openAIMessage
	if req.System != "" {
		out = append(out, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msg := openAIMessage{Role: string(m.Role)}
		var results []openAIMessage
		for _, c := range m.Content {
			switch c.Type {
			case BlockText:
				msg.Content += c.Text
			case BlockToolUse:
				tc := openAIToolCall{ID: c.ID, Type: "function"}
				tc.Function.Name = c.Name
				tc.Function.Arguments = string(c.Input)
				msg.ToolCalls = append(msg.ToolCalls, tc)
			case BlockToolResult:
				results = append(results, openAIMessage{Role: "tool", Content: c.Content, ToolCallID: c.ToolUseID})
			}
		}
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			out = append(out, msg)
		}
		out = append(out, results...)
	}
	return out
}

// ChatStream sends a streaming chat request.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan *StreamEvent, error) {
	streamReq := map[string]interface{}{
		"model":          req.Model,
		"messages":       convertMessages(req),
		"stream":         true,
		"stream_options": map[string]bool{"include_usage": true},
	}
	if req.Temperature > 0 {
		streamReq["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		streamReq["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		streamReq["tools"] = req.Tools
		streamReq["tool_choice"] = "auto"
	}

	body, err := json.Marshal(streamReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.chatURL(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

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
	go p.readSSEStream(ctx, resp.Body, ch)
	return ch, nil
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func mapFinishReason(r string) string {
	switch r {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

func (p *OpenAIProvider) readSSEStream(ctx context.Context, body io.ReadCloser, ch chan<- *StreamEvent) {
	defer close(ch)
	defer body.Close()

	out := emitter{ctx: ctx, ch: ch}
	tools := make(map[int]*pendingToolUse)
	var usage Usage
	var finish string
	done := false

	err := readSSE(ctx, body, func(f sseFrame) bool {
		if f.Data == "" {
			return true
		}
		if f.Data == "[DONE]" {
			done = true
			return false
		}
		var chunk openAIChunk
		if err := json.Unmarshal([]byte(f.Data), &chunk); err != nil {
			p.logger.Debug("skip malformed stream chunk", zap.Error(err))
			return true
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		for _, c := range chunk.Choices {
			if c.Delta.ReasoningContent != "" {
				if !out.send(&StreamEvent{Type: StreamThinkingDelta, Text: c.Delta.ReasoningContent}) {
					return false
				}
			}
			if c.Delta.Content != "" {
				if !out.send(&StreamEvent{Type: StreamTextDelta, Text: c.Delta.Content}) {
					return false
				}
			}
			for _, tc := range c.Delta.ToolCalls {
				t, ok := tools[tc.Index]
				if !ok {
					t = &pendingToolUse{}
					tools[tc.Index] = t
				}
				if tc.ID != "" {
					t.id = tc.ID
				}
				if tc.Function.Name != "" {
					t.name = tc.Function.Name
				}
				t.input.WriteString(tc.Function.Arguments)
			}
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
		return true
	})
	if ctx.Err() != nil {
		return
	}
	if !done && finish == "" {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		out.send(&StreamEvent{Type: StreamError, Err: fmt.Errorf("read stream: %w", err)})
		return
	}

	indexes := make([]int, 0, len(tools))
	for i := range tools {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		t := tools[i]
		input := strings.TrimSpace(t.input.String())
		if input == "" {
			input = "{}"
		}
		if !out.send(&StreamEvent{Type: StreamToolUse, ToolUse: &ContentBlock{
			Type: BlockToolUse, ID: t.id, Name: t.name, Input: json.RawMessage(input),
		}}) {
			return
		}
	}
	stop := mapFinishReason(finish)
	if len(tools) > 0 {
		stop = StopToolUse
	}
	out.send(&StreamEvent{Type: StreamMessageEnd, Usage: usage, StopReason: stop})
}

// ListModels returns available models from the provider.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.config.Endpoint+"/models", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	models := make([]Model, len(result.Data))
	for i, m := range result.Data {
		models[i] = Model{ID: m.ID, Name: m.ID, Provider: p.config.ID}
	}
	return models, nil
}

// HealthCheck verifies the provider is reachable.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}
