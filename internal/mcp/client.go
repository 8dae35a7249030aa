// Package mcp connects to Model Context Protocol servers over SSE and
// exposes their tools to agent loops.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"go.uber.org/zap"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("mcp client closed")

// rpcTimeout bounds one JSON-RPC round trip.
const rpcTimeout = 30 * time.Second

// ToolInfo describes a tool exposed by an MCP server.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type rpcReply struct {
	Result json.RawMessage
	Err    *rpcError
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Client is an MCP SSE client. Requests are POSTed to the endpoint the
// server announces; replies arrive on the event stream and are matched to
// callers by id.
type Client struct {
	name    string
	sseURL  string
	rpcURL  string
	http    *http.Client
	tools   []ToolInfo
	replies *agent.Correlator[rpcReply]
	nextID  atomic.Int64
	closed  atomic.Bool
	life    context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// NewClient creates a client for the given SSE endpoint.
func NewClient(name, sseURL string, logger *zap.Logger) *Client {
	return &Client{
		name:    name,
		sseURL:  sseURL,
		http:    http.DefaultClient,
		replies: agent.NewCorrelator[rpcReply](),
		logger:  logger.With(zap.String("mcp", name)),
	}
}

func (c *Client) Name() string { return c.name }

// Tools returns the tools discovered by Connect.
func (c *Client) Tools() []ToolInfo { return c.tools }

// Connect opens the event stream, waits for the endpoint announcement,
// performs the initialize handshake and lists the server's tools.
func (c *Client) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp connect: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp sse status %d", resp.StatusCode)
	}
	c.life, c.cancel = streamCtx, cancel

	events := newEventReader(resp.Body)
	endpoint, err := events.waitFor("endpoint")
	if err != nil {
		c.Close()
		return fmt.Errorf("mcp endpoint event: %w", err)
	}
	if c.rpcURL, err = resolve(c.sseURL, endpoint); err != nil {
		c.Close()
		return err
	}
	c.logger.Info("MCP endpoint discovered", zap.String("rpc", c.rpcURL))

	go c.readLoop(resp.Body, events)

	if _, err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]string{"name": "nuka", "version": "1"},
	}); err != nil {
		c.Close()
		return fmt.Errorf("mcp initialize: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		c.Close()
		return err
	}
	if err := c.fetchTools(ctx); err != nil {
		c.Close()
		return fmt.Errorf("mcp list tools: %w", err)
	}
	c.logger.Info("MCP tools discovered", zap.Int("count", len(c.tools)))
	return nil
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse sse url: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}

// readLoop dispatches message events until the stream ends.
func (c *Client) readLoop(body io.ReadCloser, events *eventReader) {
	defer body.Close()
	for {
		typ, data, err := events.next()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("MCP event stream ended", zap.Error(err))
			}
			return
		}
		if typ == "message" {
			c.dispatch([]byte(data))
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var env struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil || len(env.ID) == 0 {
		c.logger.Debug("ignoring non-response event")
		return
	}
	id := strings.Trim(string(env.ID), `"`)
	if !c.replies.Resolve(id, rpcReply{Result: env.Result, Err: env.Error}) {
		c.logger.Debug("reply without waiter", zap.String("id", id))
	}
}

func (c *Client) post(ctx context.Context, msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal rpc: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send rpc: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("rpc status %d", resp.StatusCode)
	}
	return nil
}

// call sends a request and waits for its reply on the event stream.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.life == nil {
		return nil, errors.New("mcp client not connected")
	}
	id := c.nextID.Add(1)
	ticket := c.replies.Register(strconv.FormatInt(id, 10))

	err := c.post(ctx, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		ticket.Cancel()
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()
	reply, err := ticket.Wait(waitCtx)
	if err != nil {
		if ctx.Err() == nil && !c.closed.Load() {
			return nil, fmt.Errorf("mcp rpc timeout for %s", method)
		}
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return reply.Result, nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	return c.post(ctx, map[string]interface{}{"jsonrpc": "2.0", "method": method})
}

func (c *Client) fetchTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return err
	}
	var resp struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.tools = resp.Tools
	return nil
}

// CallTool invokes a tool and returns its text content. A result flagged
// isError comes back as an error carrying that text.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", name, err)
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return string(result), nil
	}
	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if len(parts) == 0 {
		text = string(result)
	}
	if resp.IsError {
		return "", errors.New(text)
	}
	return text, nil
}

// Close shuts down the event stream. Calls still waiting fail.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// eventReader splits a text/event-stream into (event, data) pairs.
type eventReader struct {
	sc *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	return &eventReader{sc: sc}
}

func (e *eventReader) next() (string, string, error) {
	typ := "message"
	var data []string
	for e.sc.Scan() {
		line := e.sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				return typ, strings.Join(data, "\n"), nil
			}
			typ = "message"
		case strings.HasPrefix(line, "event:"):
			typ = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := e.sc.Err(); err != nil {
		return "", "", err
	}
	return "", "", io.EOF
}

func (e *eventReader) waitFor(typ string) (string, error) {
	for {
		t, data, err := e.next()
		if err != nil {
			return "", err
		}
		if t == typ {
			return data, nil
		}
	}
}
