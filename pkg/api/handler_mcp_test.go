package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindlework/graphloom/pkg/models"
)

func rpcCall(t *testing.T, f *apiFixture, method string, params map[string]any) rpcResponse {
	t.Helper()
	rec := f.do(http.MethodPost, "/api/mcp/request", map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestMCPInitialize(t *testing.T) {
	f := newAPIFixture(t)
	resp := rpcCall(t, f, "initialize", nil)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
}

func TestMCPToolsList(t *testing.T) {
	f := newAPIFixture(t)
	resp := rpcCall(t, f, "tools/list", nil)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	tools, ok := result["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 3)

	var names []string
	for _, tl := range tools {
		m, _ := tl.(map[string]any)
		name, _ := m["name"].(string)
		names = append(names, name)
	}
	assert.Contains(t, names, models.ToolVerifyState)
	assert.Contains(t, names, models.ToolSearchNodes)
}

func TestMCPToolsCallVerifyState(t *testing.T) {
	f := newAPIFixture(t)
	f.seedStore()

	resp := rpcCall(t, f, "tools/call", map[string]any{"name": models.ToolVerifyState})
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	content, ok := result["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	block, _ := content[0].(map[string]any)
	assert.Equal(t, "text", block["type"])
	text, _ := block["text"].(string)
	assert.Contains(t, text, "Baking")
}

func TestMCPSearchNodesRequiresQuery(t *testing.T) {
	f := newAPIFixture(t)
	resp := rpcCall(t, f, "tools/call", map[string]any{"name": models.ToolSearchNodes})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcInvalidParams, resp.Error.Code)
}

func TestMCPUnknownMethod(t *testing.T) {
	f := newAPIFixture(t)
	resp := rpcCall(t, f, "resources/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcMethodNotFound, resp.Error.Code)
}

func TestMCPUnknownTool(t *testing.T) {
	f := newAPIFixture(t)
	resp := rpcCall(t, f, "tools/call", map[string]any{"name": "delete_everything"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcMethodNotFound, resp.Error.Code)
}
