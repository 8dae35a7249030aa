package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureDeliverer struct {
	platform string
	got      []*Message
	err      error
}

func (c *captureDeliverer) Platform() string { return c.platform }

func (c *captureDeliverer) Deliver(_ context.Context, msg *Message) error {
	c.got = append(c.got, msg)
	return c.err
}

func TestRouterDispatchesByPlatform(t *testing.T) {
	r := NewRouter(zap.NewNop())
	s := &captureDeliverer{platform: "slack"}
	d := &captureDeliverer{platform: "discord", err: errors.New("boom")}
	r.Register(s)
	r.Register(d)
	assert.Equal(t, []string{"discord", "slack"}, r.Platforms())

	require.NoError(t, r.Deliver(context.Background(), &Message{Platform: "slack", Channel: "C1", Content: "hi"}))
	assert.Len(t, s.got, 1)
	assert.EqualError(t, r.Deliver(context.Background(), &Message{Platform: "discord"}), "boom")
	assert.ErrorContains(t, r.Deliver(context.Background(), &Message{Platform: "teams"}), "no deliverer")
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"short"}, split("short", 10))
	assert.Equal(t, []string{"aaaa", "bbbb", "cc"}, split("aaaa\nbbbb\ncc", 6))
	assert.Equal(t, []string{"abcde", "fgh"}, split("abcdefgh", 5))
}

func TestSlackPostsMessage(t *testing.T) {
	var (
		mu    sync.Mutex
		forms []url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		mu.Lock()
		forms = append(forms, r.PostForm)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.0"}`))
	}))
	defer srv.Close()

	s := NewSlack("xoxb-test", "nuka", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	err := s.Deliver(context.Background(), &Message{Channel: "C1", Title: "Daily digest", Content: "all green"})
	require.NoError(t, err)
	require.Len(t, forms, 1)
	assert.Equal(t, "C1", forms[0].Get("channel"))
	assert.Equal(t, "*Daily digest*\nall green", forms[0].Get("text"))
	assert.Equal(t, "nuka", forms[0].Get("username"))
}

func TestSlackReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	s := NewSlack("xoxb-test", "", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	err := s.Deliver(context.Background(), &Message{Channel: "nope", Content: "x"})
	assert.ErrorContains(t, err, "channel_not_found")
}

// redirect sends every request to target, keeping the path.
type redirect struct{ target *url.URL }

func (rt redirect) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func TestDiscordSplitsLongMessages(t *testing.T) {
	var (
		mu       sync.Mutex
		contents []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/channels/123/messages"), r.URL.Path)
		assert.Equal(t, "Bot token", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			Content string `json:"content"`
		}
		assert.NoError(t, json.Unmarshal(body, &payload))
		mu.Lock()
		contents = append(contents, payload.Content)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","channel_id":"123"}`))
	}))
	defer srv.Close()

	d, err := NewDiscord("token", zap.NewNop())
	require.NoError(t, err)
	target, _ := url.Parse(srv.URL)
	d.session.Client = &http.Client{Transport: redirect{target: target}}

	long := strings.Repeat("x", 1500) + "\n" + strings.Repeat("y", 1500)
	require.NoError(t, d.Deliver(context.Background(), &Message{Channel: "123", Content: long}))
	require.Len(t, contents, 2)
	assert.Equal(t, strings.Repeat("x", 1500), contents[0])
	assert.Equal(t, strings.Repeat("y", 1500), contents[1])
}
