package toolserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// stdioTransport drives a child process speaking line-delimited JSON-RPC
// over stdin/stdout, via mcp-go's subprocess client.
type stdioTransport struct {
	cfg    Endpoint
	client *client.Client
}

func newStdioTransport(cfg Endpoint) *stdioTransport {
	return &stdioTransport{cfg: cfg}
}

func (t *stdioTransport) connect(ctx context.Context) ([]remoteTool, error) {
	c, err := client.NewStdioMCPClient(t.cfg.Command, envSlice(t.cfg.Env), t.cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "redcell", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	tools := make([]remoteTool, 0, len(listResp.Tools))
	for _, mt := range listResp.Tools {
		tools = append(tools, remoteTool{
			Name:        mt.Name,
			Description: mt.Description,
			Schema:      schemaToMap(mt.InputSchema),
		})
	}

	t.client = c
	return tools, nil
}

func (t *stdioTransport) call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := t.client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}
	return resultToMap(resp), nil
}

func (t *stdioTransport) close() error {
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// resultToMap normalises an mcp.CallToolResult into the same
// {"error": ...} / {"result": ...} / {"results": [...]} shape the HTTP
// transport produces, so Proxy.call has one surface to interpret.
func resultToMap(resp *mcp.CallToolResult) map[string]any {
	out := map[string]any{}
	if resp.IsError {
		for _, content := range resp.Content {
			if text, ok := content.(mcp.TextContent); ok {
				out["error"] = text.Text
				break
			}
		}
		if out["error"] == nil {
			out["error"] = "unknown error"
		}
		return out
	}

	var texts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	switch len(texts) {
	case 0:
	case 1:
		out["result"] = texts[0]
	default:
		out["results"] = texts
	}
	return out
}

// schemaToMap round-trips an mcp.ToolInputSchema through JSON to get a
// plain map, the same approach the teacher's mcptoolset.convertSchema uses.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
