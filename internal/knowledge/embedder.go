package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// EmbeddingConfig selects and configures an embedding backend.
type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api" (OpenAI-compatible) or "ollama"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint, or Ollama's
// /api/embeddings one text at a time.
type HTTPEmbedder struct {
	cfg    EmbeddingConfig
	client *http.Client

	mu  sync.Mutex
	dim int
}

// NewHTTPEmbedder creates an embedder from cfg.
func NewHTTPEmbedder(cfg EmbeddingConfig) *HTTPEmbedder {
	return &HTTPEmbedder{cfg: cfg, client: &http.Client{Timeout: 60 * time.Second}}
}

// Embed returns one vector per input text.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var (
		out [][]float32
		err error
	)
	if e.cfg.Provider == "ollama" {
		out, err = e.embedOllama(ctx, texts)
	} else {
		out, err = e.embedAPI(ctx, texts)
	}
	if err != nil {
		return nil, err
	}
	if len(out) > 0 && len(out[0]) > 0 {
		e.mu.Lock()
		if e.dim == 0 {
			e.dim = len(out[0])
		}
		e.mu.Unlock()
	}
	return out, nil
}

// Dimension returns the observed vector size, or the configured one until
// the first call succeeds.
func (e *HTTPEmbedder) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim > 0 {
		return e.dim
	}
	return e.cfg.Dimension
}

func (e *HTTPEmbedder) embedAPI(ctx context.Context, texts []string) ([][]float32, error) {
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	body := map[string]interface{}{"model": e.cfg.Model, "input": texts}
	if err := e.post(ctx, "/embeddings", body, &resp); err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (e *HTTPEmbedder) embedOllama(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		var resp struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := e.post(ctx, "/api/embeddings", map[string]string{"model": e.cfg.Model, "prompt": t}, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Embedding)
	}
	return out, nil
}

func (e *HTTPEmbedder) post(ctx context.Context, path string, body, into interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("embedding: status %d: %s", resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}
