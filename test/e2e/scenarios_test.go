package e2e

import (
	"context"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/queue"
	"github.com/spindlework/graphloom/pkg/scheduler"
)

// Scenario: a chat message becomes a goal, flows planner → executor →
// auditor → committer, and lands in the UI as a createNewGraph mutation
// with a trailing openGraph.
func TestCreateGraphEndToEnd(t *testing.T) {
	app := NewTestApp(t)
	app.LLM.AddText(`{"intent":"create_graph","response":"Sure.","graph":{"name":"Breaking Bad"}}`)

	code, body := app.PostJSON("/api/ai/agent", map[string]any{
		"message": `create a graph called "Breaking Bad"`,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["goalId"])

	app.WaitFor(5*time.Second, "PATCH_APPLIED event", func() bool {
		_, ok := app.FindEvent(eventlog.TypePatchApplied)
		return ok
	})

	applied, _ := app.FindEvent(eventlog.TypePatchApplied)
	assert.EqualValues(t, 1, applied.Fields["opsCount"])
	assert.Contains(t, app.EventTypes(), eventlog.TypeGoalEnqueued)

	actions := app.LeaseActions()
	require.Len(t, actions, 2)
	assert.Equal(t, models.ActionApplyMutations, actions[0].Action)
	assert.Equal(t, models.ActionOpenGraph, actions[1].Action)

	ops := actions[0].MutationOps()
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpCreateNewGraph, ops[0].Type)
	assert.Equal(t, "Breaking Bad", ops[0].CreatedGraphName())

	// The openGraph targets the id minted by the create op, so no
	// placeholder ever reaches the UI.
	newID, _ := ops[0].InitialData["id"].(string)
	require.NotEmpty(t, newID)
	assert.False(t, strings.HasPrefix(newID, "NEW_GRAPH:"))
	assert.Equal(t, newID, actions[1].FirstParamString("graphId"))
}

// Scenario: the planner answers with a graphSpec and the legacy fast
// path places prototypes, ring-positioned instances, and an edge.
func TestGraphSpecPopulatesActiveGraph(t *testing.T) {
	app := NewTestApp(t)
	app.PushState(bakeryStore())
	app.LLM.AddText(`{
		"intent": "create_node",
		"response": "On it.",
		"graphSpec": {
			"nodes": [{"name":"Flour"},{"name":"Sugar"},{"name":"Butter"},{"name":"Eggs"}],
			"edges": [{"source":"Flour","target":"Eggs","type":"mixes with"}]
		}
	}`)

	code, body := app.PostJSON("/api/ai/agent", map[string]any{
		"message": "lay out the core baking ingredients",
		"context": map[string]any{"activeGraphId": "g1"},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	actions := app.LeaseActions()
	var protoNames []string
	var mutations *models.PendingAction
	for i := range actions {
		switch actions[i].Action {
		case models.ActionAddNodePrototype:
			if params, ok := actions[i].Params[0].(map[string]any); ok {
				name, _ := params["name"].(string)
				protoNames = append(protoNames, name)
			}
		case models.ActionApplyMutations:
			mutations = &actions[i]
		}
	}

	// Flour and Eggs already have prototypes; only the new names get one.
	assert.ElementsMatch(t, []string{"Sugar", "Butter"}, protoNames)

	require.NotNil(t, mutations)
	ops := mutations.MutationOps()
	require.Len(t, ops, 5)

	instanceByIndex := map[int]models.Op{}
	var edge *models.Op
	for i := range ops {
		switch ops[i].Type {
		case models.OpAddNodeInstance:
			instanceByIndex[len(instanceByIndex)] = ops[i]
		case models.OpAddEdge:
			edge = &ops[i]
		}
	}
	require.Len(t, instanceByIndex, 4)

	// Without planner coordinates the instances sit on the layout ring.
	for _, op := range instanceByIndex {
		require.NotNil(t, op.Position)
		dx := op.Position.X - scheduler.RingX
		dy := op.Position.Y - scheduler.RingY
		assert.InDelta(t, scheduler.RingRadius, math.Hypot(dx, dy), 1.0)
	}

	// The edge connects the freshly created Flour and Eggs instances.
	require.NotNil(t, edge)
	require.NotNil(t, edge.EdgeData)
	assert.Equal(t, instanceByIndex[0].InstanceID, edge.EdgeData.SourceID)
	assert.Equal(t, instanceByIndex[3].InstanceID, edge.EdgeData.DestinationID)
	assert.Equal(t, "mixes with", edge.EdgeData.Name)
	require.NotNil(t, edge.EdgeData.Directionality)
	assert.Equal(t, []string{edge.EdgeData.DestinationID}, edge.EdgeData.Directionality.ArrowsToward)

	// Target graph was already active, so no openGraph is emitted.
	for _, a := range actions {
		assert.NotEqual(t, models.ActionOpenGraph, a.Action)
	}
}

// Scenario: a readResponse produces a chat digest and an agent
// continuation, never a UI mutation.
func TestReadResultBecomesChatAndContinuation(t *testing.T) {
	app := NewTestApp(t)
	app.PushState(bakeryStore())
	app.LLM.AddText("The Baking graph has a flour and eggs backbone.")

	snap, _ := app.Stores.Snapshot()
	g := snap.GraphByID("g1")
	require.NotNil(t, g)

	review := models.Review{
		ReviewStatus: models.ReviewApproved,
		GraphID:      "g1",
		Patch: &models.Patch{
			PatchID:  models.NewPatchID(),
			GraphID:  "g1",
			CID:      "cid-read",
			ThreadID: "t1",
			Ops: []models.Op{
				models.NewReadResponseOp(models.ToolReadGraphStructure, scheduler.GraphStructure(snap, *g)),
			},
			Meta: map[string]any{"apiKey": testAPIKey},
		},
	}
	app.Queues.Enqueue(queue.ReviewQueue, review, "g1")

	app.WaitFor(5*time.Second, "read digest in chat", func() bool {
		for _, msg := range app.Tel.Chat() {
			if strings.Contains(msg.Text, "node(s)") {
				return true
			}
		}
		return false
	})

	app.WaitFor(5*time.Second, "continuation LLM call", func() bool {
		return app.LLM.Calls() >= 1
	})
	reqs := app.LLM.Requests()
	assert.Contains(t, reqs[0].User, "nodeCount", "continuation prompt carries the read result")

	assert.Empty(t, app.LeaseActions(), "reads never become UI mutations")
}

// Scenario: a stale base hash rejects the whole group and nothing
// reaches the UI.
func TestStaleBaseHashRejectsGroup(t *testing.T) {
	app := NewTestApp(t)
	app.PushState(bakeryStore())

	review := models.Review{
		ReviewStatus: models.ReviewApproved,
		GraphID:      "g1",
		Patch: &models.Patch{
			PatchID:  models.NewPatchID(),
			GraphID:  "g1",
			BaseHash: "stale",
			Ops:      []models.Op{{Type: models.OpUpdateGraph, GraphID: "g1", Updates: map[string]any{"name": "Cooking"}}},
		},
	}
	app.Queues.Enqueue(queue.ReviewQueue, review, "g1")

	app.WaitFor(5*time.Second, "PATCH_REJECTED event", func() bool {
		_, ok := app.FindEvent(eventlog.TypePatchRejected)
		return ok
	})
	rejected, _ := app.FindEvent(eventlog.TypePatchRejected)
	assert.Equal(t, "conflict", rejected.Fields["reason"])
	assert.Empty(t, app.LeaseActions())
}

// Scenario: with the commit loop stopped the drainer converts approved
// reviews, and the shared idempotency set keeps the committer from
// re-applying the same patch later.
func TestDrainerBackstopsAndStaysIdempotent(t *testing.T) {
	app := NewTestApp(t, WithoutCommitter())
	app.PushState(bakeryStore())

	patch := &models.Patch{
		PatchID: "patch-dup",
		GraphID: "g1",
		Ops:     []models.Op{{Type: models.OpUpdateGraph, GraphID: "g1", Updates: map[string]any{"name": "Cooking"}}},
	}
	app.Queues.Enqueue(queue.ReviewQueue, models.Review{
		ReviewStatus: models.ReviewApproved,
		GraphID:      "g1",
		Patch:        patch,
	}, "g1")

	app.WaitFor(5*time.Second, "drainer mutation", func() bool {
		actions, _ := app.Pendings.Snapshot()
		return len(actions) > 0
	})
	first := app.LeaseActions()
	require.Len(t, first, 1)
	assert.Equal(t, models.ActionApplyMutations, first[0].Action)

	// The same patch id arriving again is consumed without effect.
	app.Queues.Enqueue(queue.ReviewQueue, models.Review{
		ReviewStatus: models.ReviewApproved,
		GraphID:      "g1",
		Patch:        patch,
	}, "g1")
	app.Committer.Tick(context.Background())

	app.WaitFor(5*time.Second, "duplicate review consumed", func() bool {
		return len(app.Queues.Items(queue.ReviewQueue)) == 0
	})
	assert.Empty(t, app.LeaseActions(), "duplicate patch id must not re-apply")
}

// Scenario: tiered search scoring over the bridge-projected store.
func TestSearchScoringOverHTTP(t *testing.T) {
	app := NewTestApp(t)
	ps := bakeryStore()
	ps.NodePrototypes = append(ps.NodePrototypes,
		models.NodePrototype{ID: "p-bb", Name: "Breaking Bad", Color: "#222222"})
	app.PushState(ps)

	code, body := app.GetJSON("/search?q=break&scope=all")
	require.Equal(t, http.StatusOK, code)
	results, ok := body["results"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, results)

	top, _ := results[0].(map[string]any)
	assert.Equal(t, "Breaking Bad", top["name"], "prefix match ranks first")
	assert.Equal(t, float64(95), top["score"])

	// Without fuzzy matching "Baking" has no scoring branch for "break".
	for _, r := range results {
		m, _ := r.(map[string]any)
		assert.NotEqual(t, "Baking", m["name"])
	}
}

// Boundary: an empty projected store never turns a read into an error.
func TestEmptyStoreSafeReads(t *testing.T) {
	app := NewTestApp(t)

	code, body := app.GetJSON("/search?q=anything")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["count"])

	code, body = app.GetJSON("/api/bridge/state")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["hasStore"])

	code, body = app.GetJSON("/test/ai/read-store")
	assert.Equal(t, http.StatusOK, code)
	state, _ := body["state"].(map[string]any)
	assert.Equal(t, false, state["hasStore"])
}
