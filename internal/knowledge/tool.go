package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-crew/internal/agent"
)

// ToolName is the read-only lookup tool every sub-agent receives.
const ToolName = "knowledge_lookup"

const defaultTopK = 5

// RegisterTool adds knowledge_lookup backed by r.
func RegisterTool(reg *agent.ToolRegistry, r Retriever) {
	reg.Register(agent.Tool{
		Name:        ToolName,
		Description: "Search the shared knowledge base for passages relevant to a query",
		Parameters: agent.Schema([]string{"query"}, map[string]interface{}{
			"query": agent.Prop("string", "What to look up"),
			"topK":  agent.Prop("integer", "Maximum number of passages (default 5)"),
		}),
		ReadOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) (string, error) {
			var p struct {
				Query string `json:"query"`
				TopK  int    `json:"topK"`
			}
			if err := json.Unmarshal(input, &p); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if p.Query == "" {
				return "", fmt.Errorf("query is required")
			}
			if p.TopK <= 0 {
				p.TopK = defaultTopK
			}
			hits, err := r.Search(ctx, p.Query, p.TopK)
			if err != nil {
				return "", err
			}
			return FormatHits(hits), nil
		},
	})
}
