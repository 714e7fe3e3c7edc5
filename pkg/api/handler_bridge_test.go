package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/telemetry"
)

func TestBridgeStateRoundtrip(t *testing.T) {
	f := newAPIFixture(t)
	ps := f.seedStore()

	rec := f.do(http.MethodGet, "/api/bridge/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["hasStore"])
	store, ok := body["store"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ps.ActiveGraphID, store["activeGraphId"])
}

func TestBridgeStatePostReplacesWholesale(t *testing.T) {
	f := newAPIFixture(t)
	f.seedStore()

	rec := f.do(http.MethodPost, "/api/bridge/state", models.ProjectedStore{
		Graphs:        []models.Graph{{ID: "g9", Name: "Fresh"}},
		ActiveGraphID: "g9",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	snap, has := f.stores.Snapshot()
	require.True(t, has)
	assert.Equal(t, "g9", snap.ActiveGraphID)
	assert.Len(t, snap.Graphs, 1)

	entries := f.tel.Query(telemetry.Filter{Type: telemetry.TypeBridgeState})
	require.NotEmpty(t, entries)
}

func TestBridgeStatePostRejectsMalformedJSON(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/api/bridge/state", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBridgeHealth(t *testing.T) {
	f := newAPIFixture(t)
	body := decodeBody(t, f.do(http.MethodGet, "/api/bridge/health", nil))
	assert.Equal(t, false, body["hasStore"])

	f.seedStore()
	body = decodeBody(t, f.do(http.MethodGet, "/api/bridge/health", nil))
	assert.Equal(t, true, body["hasStore"])
}

func TestBridgeLayoutMerge(t *testing.T) {
	f := newAPIFixture(t)
	f.seedStore()

	rec := f.do(http.MethodPost, "/api/bridge/layout", map[string]any{
		"layouts": map[string]models.GraphLayout{
			"g1": {Nodes: map[string]any{"i-flour": map[string]any{"x": 111, "y": 222}}},
		},
		"mode": "merge",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	snap, _ := f.stores.Snapshot()
	require.Contains(t, snap.GraphLayouts, "g1")
	assert.Contains(t, snap.GraphLayouts["g1"].Nodes, "i-flour")
}

func TestBridgeLayoutRejectsUnknownMode(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/api/bridge/layout", map[string]any{
		"layouts": map[string]models.GraphLayout{"g1": {}},
		"mode":    "sideways",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBridgeLayoutRequiresLayouts(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/api/bridge/layout", map[string]any{"mode": "merge"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingActionLeaseAckCycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/bridge/pending-actions/enqueue", map[string]any{
		"actions": []models.PendingAction{
			models.NewApplyMutations([]models.Op{{Type: models.OpUpdateGraph, GraphID: "g1"}}, "cid-1"),
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// First poll leases the action, second poll gets nothing.
	body := decodeBody(t, f.do(http.MethodGet, "/api/bridge/pending-actions", nil))
	actions, ok := body["actions"].([]any)
	require.True(t, ok)
	require.Len(t, actions, 1)
	first, ok := actions[0].(map[string]any)
	require.True(t, ok)
	id, _ := first["id"].(string)
	require.NotEmpty(t, id)

	body = decodeBody(t, f.do(http.MethodGet, "/api/bridge/pending-actions", nil))
	empty, _ := body["actions"].([]any)
	assert.Empty(t, empty)

	// Ack completes the action and bumps the sequence.
	body = decodeBody(t, f.do(http.MethodPost, "/api/bridge/action-completed", map[string]any{"actionId": id}))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "applyMutations", body["action"])
}

func TestActionCompletedUnknownIDIsNotAnError(t *testing.T) {
	f := newAPIFixture(t)
	body := decodeBody(t, f.do(http.MethodPost, "/api/bridge/action-completed", map[string]any{"actionId": "act_missing"}))
	assert.Equal(t, false, body["ok"])
}

func TestActionFeedbackRequiresAction(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/api/bridge/action-feedback", map[string]any{"status": "failed"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/bridge/action-feedback", map[string]any{
		"action": "applyMutations",
		"status": "failed",
		"error":  "instance not found",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBridgeTelemetryIncludesChat(t *testing.T) {
	f := newAPIFixture(t)
	f.tel.RecordChat("user", "hello there", "cid-7")
	f.tel.Record(telemetry.TypeAgentRequest, "cid-7", map[string]any{"message": "hello there"})

	body := decodeBody(t, f.do(http.MethodGet, "/api/bridge/telemetry?cid=cid-7", nil))
	entries, ok := body["telemetry"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, entries)
	chat, ok := body["chat"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, chat)
}
