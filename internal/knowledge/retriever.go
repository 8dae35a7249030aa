// Package knowledge answers knowledge_lookup queries from a vector index or
// an in-memory keyword index.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Document is a piece of indexed knowledge.
type Document struct {
	ID      string            `json:"id"`
	Source  string            `json:"source"`
	Content string            `json:"content"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Hit is one retrieval result.
type Hit struct {
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

// Retriever finds the documents most relevant to a query.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]Hit, error)
	Index(ctx context.Context, doc Document) error
}

// VectorRetriever embeds queries and searches a Qdrant collection.
type VectorRetriever struct {
	embedder   Embedder
	index      vectorIndex
	collection string
	logger     *zap.Logger
}

// NewVectorRetriever creates a retriever over one collection.
func NewVectorRetriever(embedder Embedder, index *QdrantIndex, collection string, logger *zap.Logger) *VectorRetriever {
	return newVectorRetriever(embedder, index, collection, logger)
}

func newVectorRetriever(embedder Embedder, index vectorIndex, collection string, logger *zap.Logger) *VectorRetriever {
	if collection == "" {
		collection = "knowledge"
	}
	return &VectorRetriever{embedder: embedder, index: index, collection: collection, logger: logger}
}

// Init ensures the collection exists.
func (r *VectorRetriever) Init(ctx context.Context) error {
	dim := uint64(r.embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	return r.index.EnsureCollection(ctx, r.collection, dim)
}

func (r *VectorRetriever) Search(ctx context.Context, query string, topK int) ([]Hit, error) {
	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	points, err := r.index.Search(ctx, r.collection, vecs[0], uint64(topK))
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		src := p.Payload["source"]
		if src == "" {
			src = r.collection + ":" + p.ID
		}
		hits = append(hits, Hit{Source: src, Content: p.Payload["content"], Score: p.Score})
	}
	r.logger.Debug("knowledge search", zap.String("query", query), zap.Int("hits", len(hits)))
	return hits, nil
}

func (r *VectorRetriever) Index(ctx context.Context, doc Document) error {
	vecs, err := r.embedder.Embed(ctx, []string{doc.Content})
	if err != nil {
		return fmt.Errorf("embed content: %w", err)
	}
	if len(vecs) == 0 {
		return fmt.Errorf("empty embedding result")
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	payload := make(map[string]string, len(doc.Meta)+3)
	for k, v := range doc.Meta {
		payload[k] = v
	}
	payload["content"] = doc.Content
	payload["source"] = doc.Source
	payload["indexed_at"] = time.Now().UTC().Format(time.RFC3339)
	return r.index.Upsert(ctx, r.collection, point{ID: doc.ID, Payload: payload}, vecs[0])
}

// MemoryRetriever scores documents by query term overlap. It needs no
// external services.
type MemoryRetriever struct {
	mu   sync.RWMutex
	docs []Document
}

// NewMemoryRetriever returns an empty keyword index.
func NewMemoryRetriever(docs ...Document) *MemoryRetriever {
	return &MemoryRetriever{docs: docs}
}

func (m *MemoryRetriever) Index(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	m.docs = append(m.docs, doc)
	return nil
}

func (m *MemoryRetriever) Search(_ context.Context, query string, topK int) ([]Hit, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []Hit
	for _, d := range m.docs {
		words := make(map[string]bool)
		for _, w := range tokenize(d.Content) {
			words[w] = true
		}
		matched := 0
		for _, t := range terms {
			if words[t] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, Hit{Source: d.Source, Content: d.Content, Score: float32(matched) / float32(len(terms))})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// FormatHits renders hits into a prompt-friendly block.
func FormatHits(hits []Hit) string {
	if len(hits) == 0 {
		return "No relevant knowledge found."
	}
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. [%s] (score: %.2f)\n%s\n\n", i+1, h.Source, h.Score, h.Content)
	}
	return strings.TrimSpace(b.String())
}
