package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindlework/graphloom/pkg/models"
)

func TestChatRequiresAPIKey(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/api/ai/chat", map[string]any{"message": "hello"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatRequiresMessage(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.doAuth(http.MethodPost, "/api/ai/chat", "sk-test", map[string]any{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatReturnsModelText(t *testing.T) {
	f := newAPIFixture(t, "Graphs connect ideas.")
	rec := f.doAuth(http.MethodPost, "/api/ai/chat", "sk-test", map[string]any{"message": "what is a graph?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Graphs connect ideas.", decodeBody(t, rec)["response"])
}

func TestAgentRequiresAPIKey(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/api/ai/agent", map[string]any{"message": "create a graph"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAgentHeuristicOpenGraph(t *testing.T) {
	f := newAPIFixture(t)
	f.seedStore()

	rec := f.doAuth(http.MethodPost, "/api/ai/agent", "sk-test", map[string]any{
		"message": "open graph Breaking Bad",
		"context": map[string]any{"activeGraphId": "g1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["cid"])

	// The open lands as a pending action, not a goal.
	actions, _ := f.pendings.Snapshot()
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionOpenGraph, actions[0].Action)
}

func TestAgentRoutedCreateGraph(t *testing.T) {
	f := newAPIFixture(t,
		`{"intent":"create_graph","response":"Sure.","graph":{"name":"Chemistry"}}`)
	f.seedStore()

	rec := f.doAuth(http.MethodPost, "/api/ai/agent", "sk-test", map[string]any{
		"message": "please make me a new graph about chemistry",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["goalId"])
	assert.Contains(t, body["response"], "Chemistry")
}

func TestAgentContinueRequiresCID(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.doAuth(http.MethodPost, "/api/ai/agent/continue", "sk-test", map[string]any{
		"readResult": map[string]any{"graphs": 2},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentContinueStopsAtIterationCap(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.doAuth(http.MethodPost, "/api/ai/agent/continue", "sk-test", map[string]any{
		"cid":       "cid-1",
		"iteration": 99,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"])
}

func TestBareAuthorizationHeaderAccepted(t *testing.T) {
	f := newAPIFixture(t, "ok")
	req := httptest.NewRequest(http.MethodPost, "/api/ai/chat",
		strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "sk-raw-key")
	rec := httptest.NewRecorder()
	f.srv.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
