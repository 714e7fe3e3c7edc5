package scheduler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/store"
)

func seededHolder(t *testing.T) *store.Holder {
	t.Helper()
	h := store.NewHolder(nil)
	h.Replace(models.ProjectedStore{
		Graphs: []models.Graph{
			{
				ID:   "g1",
				Name: "Mission",
				Instances: map[string]models.Instance{
					"i1": {ID: "i1", PrototypeID: "p1", X: 400, Y: 300},
				},
				EdgeIDs: []string{"e1"},
			},
			{ID: "g2", Name: "Archive", InstanceCount: 7},
		},
		NodePrototypes: []models.NodePrototype{
			{ID: "p1", Name: "Character", Color: "#ff0000"},
		},
		ActiveGraphID:   "g1",
		ActiveGraphName: "Mission",
	})
	return h
}

func TestExecuteCreateGraph(t *testing.T) {
	e := NewTaskExecutor(store.NewHolder(nil), nil)

	patch, err := e.Execute(models.Task{
		ID:       "task-1",
		ThreadID: "t1",
		CID:      "cid-1",
		ToolName: models.ToolCreateGraph,
		Args:     map[string]any{"name": "Breaking Bad"},
	})
	require.NoError(t, err)

	assert.Equal(t, "NEW_GRAPH:Breaking Bad", patch.GraphID)
	assert.Equal(t, "t1", patch.ThreadID)
	assert.Equal(t, "cid-1", patch.CID)
	assert.True(t, strings.HasPrefix(patch.PatchID, "patch_"))
	assert.Empty(t, patch.BaseHash, "placeholder targets carry no base hash")

	require.Len(t, patch.Ops, 1)
	op := patch.Ops[0]
	assert.Equal(t, models.OpCreateNewGraph, op.Type)
	assert.Equal(t, "Breaking Bad", op.CreatedGraphName())
	assert.True(t, strings.HasPrefix(op.CreatedGraphID(), "graph_"))
}

func TestExecuteCreateNodeReusesPrototype(t *testing.T) {
	e := NewTaskExecutor(seededHolder(t), nil)

	patch, err := e.Execute(models.Task{
		ToolName: models.ToolCreateNode,
		Args:     map[string]any{"name": "Character", "x": 10.0, "y": 20.0},
	})
	require.NoError(t, err)

	assert.Equal(t, "g1", patch.GraphID)
	assert.NotEmpty(t, patch.BaseHash)

	require.Len(t, patch.Ops, 1, "existing prototype must be reused")
	op := patch.Ops[0]
	assert.Equal(t, models.OpAddNodeInstance, op.Type)
	assert.Equal(t, "p1", op.PrototypeID)
	require.NotNil(t, op.Position)
	assert.Equal(t, MinNodeX, op.Position.X, "x clamps to the canvas")
	assert.Equal(t, MinNodeY, op.Position.Y, "y clamps to the canvas")
}

func TestExecuteCreateNodeCreatesPrototype(t *testing.T) {
	e := NewTaskExecutor(seededHolder(t), nil)

	patch, err := e.Execute(models.Task{
		ToolName: models.ToolCreateNode,
		Args:     map[string]any{"name": "Location"},
	})
	require.NoError(t, err)

	require.Len(t, patch.Ops, 2)
	proto := patch.Ops[0]
	assert.Equal(t, models.OpAddNodePrototype, proto.Type)
	assert.Equal(t, "Location", proto.PrototypeData["name"])
	assert.Equal(t, DefaultNodeColor, proto.PrototypeData["color"])

	inst := patch.Ops[1]
	assert.Equal(t, models.OpAddNodeInstance, inst.Type)
	assert.Equal(t, proto.PrototypeData["id"], inst.PrototypeID)

	// One instance already exists, so the new one lands at ring slot 1 of 2.
	want := RingPosition(1, 2)
	require.NotNil(t, inst.Position)
	assert.InDelta(t, want.X, inst.Position.X, 0.001)
	assert.InDelta(t, want.Y, inst.Position.Y, 0.001)
}

func TestExecuteCreateNodeWithoutStore(t *testing.T) {
	e := NewTaskExecutor(store.NewHolder(nil), nil)

	_, err := e.Execute(models.Task{
		ToolName: models.ToolCreateNode,
		Args:     map[string]any{"name": "Orphan"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no target graph")
}

func TestExecuteCreateSubgraphIntoNewGraph(t *testing.T) {
	e := NewTaskExecutor(store.NewHolder(nil), nil)

	patch, err := e.Execute(models.Task{
		ToolName: models.ToolCreateSubgraph,
		Args: map[string]any{
			"name": "Breaking Bad",
			"nodes": []any{
				map[string]any{"name": "Walter"},
				map[string]any{"name": "Jesse"},
			},
			"edges": []any{
				map[string]any{"source": "Walter", "target": "Jesse", "type": "knows"},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "NEW_GRAPH:Breaking Bad", patch.GraphID)
	require.Len(t, patch.Ops, 6)
	assert.Equal(t, models.OpCreateNewGraph, patch.Ops[0].Type)

	var instances []models.Op
	var edges []models.Op
	for _, op := range patch.Ops[1:] {
		switch op.Type {
		case models.OpAddNodeInstance:
			instances = append(instances, op)
		case models.OpAddEdge:
			edges = append(edges, op)
		case models.OpAddNodePrototype:
		default:
			t.Fatalf("unexpected op type %q", op.Type)
		}
	}
	require.Len(t, instances, 2)
	require.Len(t, edges, 1)

	edge := edges[0]
	require.NotNil(t, edge.EdgeData)
	assert.Equal(t, instances[0].InstanceID, edge.EdgeData.SourceID)
	assert.Equal(t, instances[1].InstanceID, edge.EdgeData.DestinationID)
	assert.Equal(t, "knows", edge.EdgeData.Name)
	require.NotNil(t, edge.EdgeData.Directionality)
	assert.Equal(t, []string{instances[1].InstanceID}, edge.EdgeData.Directionality.ArrowsToward)
}

func TestExecuteCreateSubgraphConnectsExistingInstances(t *testing.T) {
	e := NewTaskExecutor(seededHolder(t), nil)

	patch, err := e.Execute(models.Task{
		ToolName: models.ToolCreateSubgraph,
		Args: map[string]any{
			"graph_id": "g1",
			"nodes":    []any{map[string]any{"name": "Sidekick"}},
			"edges": []any{
				map[string]any{"source": "Sidekick", "target": "Character"},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "g1", patch.GraphID)
	var edge *models.Op
	for i := range patch.Ops {
		if patch.Ops[i].Type == models.OpAddEdge {
			edge = &patch.Ops[i]
		}
	}
	require.NotNil(t, edge)
	assert.Equal(t, "i1", edge.EdgeData.DestinationID, "edge target resolves to the existing instance")
}

func TestExecuteReadTools(t *testing.T) {
	e := NewTaskExecutor(seededHolder(t), nil)

	t.Run("verify_state", func(t *testing.T) {
		patch, err := e.Execute(models.Task{ToolName: models.ToolVerifyState})
		require.NoError(t, err)
		require.Len(t, patch.Ops, 1)
		op := patch.Ops[0]
		assert.True(t, op.IsRead())
		assert.Equal(t, models.ToolVerifyState, op.ToolName)
		assert.Empty(t, patch.BaseHash)

		data, ok := op.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, data["hasStore"])
		assert.Equal(t, "g1", data["activeGraphId"])
		assert.Equal(t, 2, data["graphCount"])
	})

	t.Run("list_available_graphs", func(t *testing.T) {
		patch, err := e.Execute(models.Task{ToolName: models.ToolListAvailableGraphs})
		require.NoError(t, err)
		data := patch.Ops[0].Data.(map[string]any)
		assert.Equal(t, 2, data["count"])
	})

	t.Run("read_graph_structure", func(t *testing.T) {
		patch, err := e.Execute(models.Task{
			ToolName: models.ToolReadGraphStructure,
			Args:     map[string]any{"graph_id": "g1"},
		})
		require.NoError(t, err)
		assert.Equal(t, "g1", patch.GraphID)
		data := patch.Ops[0].Data.(map[string]any)
		assert.Equal(t, 1, data["nodeCount"])
		assert.Equal(t, 1, data["edgeCount"])
		assert.Equal(t, []string{"e1"}, data["edges"])
	})

	t.Run("get_graph_instances", func(t *testing.T) {
		patch, err := e.Execute(models.Task{ToolName: models.ToolGetGraphInstances})
		require.NoError(t, err)
		data := patch.Ops[0].Data.(map[string]any)
		assert.Equal(t, 1, data["count"])
		instances := data["instances"].([]map[string]any)
		require.Len(t, instances, 1)
		assert.Equal(t, "Character", instances[0]["name"])
	})

	t.Run("identify_patterns", func(t *testing.T) {
		patch, err := e.Execute(models.Task{
			ToolName: models.ToolIdentifyPatterns,
			Args:     map[string]any{"graph_name": "Mission"},
		})
		require.NoError(t, err)
		data := patch.Ops[0].Data.(map[string]any)
		counts := data["prototypeCounts"].(map[string]int)
		assert.Equal(t, 1, counts["Character"])
	})

	t.Run("search_nodes", func(t *testing.T) {
		patch, err := e.Execute(models.Task{
			ToolName: models.ToolSearchNodes,
			Args:     map[string]any{"query": "Character"},
		})
		require.NoError(t, err)
		data := patch.Ops[0].Data.(map[string]any)
		assert.Equal(t, "Character", data["query"])
		assert.Greater(t, data["count"], 0)
	})
}

func TestExecuteReadToolUnknownGraph(t *testing.T) {
	e := NewTaskExecutor(seededHolder(t), nil)

	_, err := e.Execute(models.Task{
		ToolName: models.ToolReadGraphStructure,
		Args:     map[string]any{"graph_id": "nope"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown graph")
}

func TestExecuteUnknownTool(t *testing.T) {
	e := NewTaskExecutor(seededHolder(t), nil)

	_, err := e.Execute(models.Task{ToolName: "definitely_not_a_tool"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestExecutePropagatesMetaKeys(t *testing.T) {
	e := NewTaskExecutor(seededHolder(t), nil)

	patch, err := e.Execute(models.Task{
		ToolName: models.ToolCreateNode,
		Args: map[string]any{
			"name":        "Character",
			"apiKey":      "sk-test",
			"agenticLoop": true,
			"iteration":   2,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "sk-test", patch.MetaString("apiKey"))
	assert.Equal(t, true, patch.Meta["agenticLoop"])
	assert.Equal(t, 2, patch.Meta["iteration"])
	assert.NotContains(t, patch.Meta, "name")
}

func TestRingPositionSpreadsEvenly(t *testing.T) {
	p0 := RingPosition(0, 4)
	p1 := RingPosition(1, 4)

	assert.InDelta(t, RingX+RingRadius, p0.X, 0.001)
	assert.InDelta(t, RingY, p0.Y, 0.001)
	assert.InDelta(t, RingX, p1.X, 0.001)
	assert.InDelta(t, RingY+RingRadius, p1.Y, 0.001)
}

func TestClampPosition(t *testing.T) {
	p := ClampPosition(10, 5)
	assert.Equal(t, models.Position{X: MinNodeX, Y: MinNodeY}, p)

	p = ClampPosition(800, 450)
	assert.Equal(t, models.Position{X: 800, Y: 450}, p)
}
