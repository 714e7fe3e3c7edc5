package intent

import (
	"fmt"

	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/scheduler"
)

// executeGraphSpec is the legacy fast-path: it turns a planner graphSpec
// into pending actions directly, bypassing the goal DAG. Prototypes are
// reused by normalized name; missing ones are enqueued as standalone
// addNodePrototype actions before the instance/edge batch so the UI
// registers them first. Instances and edges ride one applyMutations so
// their order is preserved.
func (r *Router) executeGraphSpec(snap models.ProjectedStore, target *models.Graph, spec GraphSpec, cid string) (string, []ToolCall) {
	var actions []models.PendingAction

	// name → prototype id, seeded with existing prototypes on demand.
	protoIDs := make(map[string]string, len(spec.Nodes))
	created := 0
	for _, node := range spec.Nodes {
		key := models.NormalizeName(node.Name)
		if key == "" || protoIDs[key] != "" {
			continue
		}
		if existing := snap.PrototypeByName(node.Name); existing != nil {
			protoIDs[key] = existing.ID
			continue
		}
		color := node.Color
		if color == "" {
			color = scheduler.DefaultNodeColor
		}
		id := models.NewID("proto")
		actions = append(actions, models.NewPendingAction(models.ActionAddNodePrototype, []any{
			map[string]any{"id": id, "name": node.Name, "color": color},
		}, cid))
		protoIDs[key] = id
		created++
	}

	if target.ID != snap.ActiveGraphID {
		actions = append(actions, models.NewOpenGraph(target.ID, cid))
	}

	// Instances first, then edges, in one batch.
	instanceIDs := make(map[string]string, len(spec.Nodes))
	var ops []models.Op
	total := len(spec.Nodes)
	for i, node := range spec.Nodes {
		key := models.NormalizeName(node.Name)
		protoID := protoIDs[key]
		if protoID == "" {
			continue
		}
		var pos models.Position
		if node.X != nil && node.Y != nil {
			pos = scheduler.ClampPosition(*node.X, *node.Y)
		} else {
			pos = scheduler.RingPosition(i, total)
		}
		op := models.NewAddInstanceOp(target.ID, protoID, pos)
		instanceIDs[key] = op.InstanceID
		ops = append(ops, op)
	}
	edges := 0
	for _, edge := range spec.Edges {
		srcID := instanceIDs[models.NormalizeName(edge.Source)]
		dstID := instanceIDs[models.NormalizeName(edge.Target)]
		if srcID == "" || dstID == "" {
			continue
		}
		ops = append(ops, models.NewAddEdgeOp(target.ID, srcID, dstID, edge.Type))
		edges++
	}
	if len(ops) > 0 {
		actions = append(actions, models.NewApplyMutations(ops, cid))
	}

	if len(actions) == 0 {
		return "Those concepts are already in place.", nil
	}
	r.pendings.Enqueue(actions...)
	r.events.Append(eventlog.TypePendingActionsEnqueued, map[string]any{
		"graphId": target.ID,
		"count":   len(actions),
		"cid":     cid,
	})
	r.recordToolCall(models.ToolCreateSubgraph, cid, map[string]any{
		"graphId":    target.ID,
		"nodes":      len(instanceIDs),
		"edges":      edges,
		"prototypes": created,
	})

	response := fmt.Sprintf("Placing %d node(s) in %q", len(instanceIDs), target.Name)
	if edges > 0 {
		response += fmt.Sprintf(" with %d connection(s)", edges)
	}
	response += "."
	return response, []ToolCall{{Name: models.ToolCreateSubgraph, Args: map[string]any{"graphId": target.ID}}}
}
