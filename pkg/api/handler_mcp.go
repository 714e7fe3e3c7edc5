package api

import (
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/scheduler"
	"github.com/spindlework/graphloom/pkg/search"
	"github.com/spindlework/graphloom/pkg/version"
)

// JSON-RPC 2.0 error codes used by the shim.
const (
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// mcpTools are the read-side tools the shim advertises.
var mcpTools = []map[string]any{
	{
		"name":        models.ToolVerifyState,
		"description": "Summarize the projected store: graphs, prototypes, active graph.",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		"name":        models.ToolListAvailableGraphs,
		"description": "List every graph with its instance count.",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		"name":        models.ToolSearchNodes,
		"description": "Search graphs, prototypes, and instances by name.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"scope": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
	},
}

// mcpRequest handles POST /api/mcp/request, a JSON-RPC 2.0 shim exposing
// the read-side tools to MCP clients.
func (s *Server) mcpRequest(c *echo.Context) error {
	var req rpcRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: rpcInvalidParams, Message: "invalid JSON-RPC payload"},
		})
	}

	reply := func(result any) error {
		return c.JSON(http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
	}
	fail := func(code int, msg string) error {
		return c.JSON(http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: code, Message: msg}})
	}

	switch req.Method {
	case "initialize":
		return reply(map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": version.AppName, "version": version.GitCommit},
		})
	case "tools/list":
		return reply(map[string]any{"tools": mcpTools})
	case "tools/call":
		name, _ := req.Params["name"].(string)
		args, _ := req.Params["arguments"].(map[string]any)
		result, code, msg := s.callMCPTool(name, args)
		if code != 0 {
			return fail(code, msg)
		}
		return reply(map[string]any{
			"content": []map[string]any{{"type": "text", "text": result}},
		})
	default:
		return fail(rpcMethodNotFound, "unknown method "+req.Method)
	}
}

// callMCPTool dispatches one tools/call. Returns the JSON-encoded result,
// or a non-zero error code with a message.
func (s *Server) callMCPTool(name string, args map[string]any) (string, int, string) {
	snap, has := s.stores.Snapshot()
	switch name {
	case models.ToolVerifyState:
		return jsonText(scheduler.VerifyState(snap, has))
	case models.ToolListAvailableGraphs:
		return jsonText(scheduler.ListAvailableGraphs(snap))
	case models.ToolSearchNodes:
		query, _ := args["query"].(string)
		if query == "" {
			return "", rpcInvalidParams, "query argument is required"
		}
		scope, _ := args["scope"].(string)
		results, err := search.Search(snap, search.Query{Q: query, Scope: scope, Fuzzy: true})
		if err != nil {
			return "", rpcServerError, err.Error()
		}
		return jsonText(map[string]any{"query": query, "count": len(results), "results": results})
	default:
		return "", rpcMethodNotFound, "unknown tool " + name
	}
}

func jsonText(v any) (string, int, string) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", rpcServerError, err.Error()
	}
	return string(data), 0, ""
}
