package mcp

import (
	"context"
	"encoding/json"

	"github.com/nidhogg/nuka-crew/internal/agent"
)

// ToolName is the registry name of a server's tool.
func ToolName(server, tool string) string { return server + "__" + tool }

// RegisterTools exposes every tool discovered on c through reg. Tools from
// servers not marked read-only go through the approval gate.
func RegisterTools(reg *agent.ToolRegistry, c *Client, readOnly bool) int {
	for _, info := range c.Tools() {
		info := info
		params := info.InputSchema
		if params == nil {
			params = agent.Schema(nil, map[string]interface{}{})
		}
		reg.Register(agent.Tool{
			Name:             ToolName(c.Name(), info.Name),
			Description:      info.Description,
			Parameters:       params,
			ReadOnly:         readOnly,
			RequiresApproval: !readOnly,
			Handler: func(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) (string, error) {
				return c.CallTool(ctx, info.Name, input)
			},
		})
	}
	return len(c.Tools())
}
