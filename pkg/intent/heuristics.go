package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/scheduler"
	"github.com/spindlework/graphloom/pkg/search"
	"github.com/spindlework/graphloom/pkg/telemetry"
)

// Direct-command patterns, matched in order; the first hit wins. All
// mutations go through the pending-action store, never the goal DAG.
var (
	reOpenGraph   = regexp.MustCompile(`(?i)^\s*(?:open|switch to|show)\s+(?:the\s+)?(?:graph\s+)?["“”']?([^"“”']+?)["“”']?\s*$`)
	reListGraphs  = regexp.MustCompile(`(?i)\b(?:list|show|what)\b.*\bgraphs\b`)
	reSearch      = regexp.MustCompile(`(?i)^\s*(?:search|find)\s+(?:for\s+)?["“”']?([^"“”']+?)["“”']?\s*$`)
	reConnect     = regexp.MustCompile(`(?i)^\s*(?:connect|link)\s+["“”']?([^"“”']+?)["“”']?\s+(?:to|with|and|->|→)\s+["“”']?([^"“”']+?)["“”']?(?:\s+(?:as|labeled|labelled|called)\s+["“”']?([^"“”']+?)["“”']?)?\s*$`)
	reMove        = regexp.MustCompile(`(?i)^\s*move\s+["“”']?([^"“”']+?)["“”']?\s+to\s+\(?\s*(-?\d+(?:\.\d+)?)\s*[, ]\s*(-?\d+(?:\.\d+)?)\s*\)?\s*$`)
	reDelete      = regexp.MustCompile(`(?i)^\s*(?:delete|remove)\s+["“”']?([^"“”']+?)["“”']?\s*$`)
	reSetColor    = regexp.MustCompile(`(?i)^\s*(?:set|change)\s+(?:the\s+)?colou?r\s+of\s+["“”']?([^"“”']+?)["“”']?\s+to\s+(#[0-9a-fA-F]{6})\s*$`)
	reRenameNode  = regexp.MustCompile(`(?i)^\s*rename\s+["“”']([^"“”']+)["“”']\s+to\s+["“”']([^"“”']+)["“”']\s*$`)
	reRenameGraph = regexp.MustCompile(`(?i)^\s*rename\s+(?:this|the\s+current|current)\s+graph\s+to\s+["“”']?([^"“”']+?)["“”']?\s*$`)
)

// tryHeuristics runs the ordered side-path matchers. It reports whether
// the message was fully handled.
func (r *Router) tryHeuristics(req Request, cid string) (AgentResult, bool) {
	snap, hasStore := r.stores.Snapshot()
	message := strings.TrimSpace(req.Message)

	if m := reOpenGraph.FindStringSubmatch(message); m != nil {
		return r.heuristicOpenGraph(snap, hasStore, m[1], cid)
	}
	if reListGraphs.MatchString(message) {
		return r.heuristicListGraphs(snap, hasStore, cid), true
	}
	if m := reSearch.FindStringSubmatch(message); m != nil {
		return r.heuristicSearch(snap, m[1], cid), true
	}
	if m := reConnect.FindStringSubmatch(message); m != nil {
		return r.heuristicConnect(snap, req.ActiveGraphID, m[1], m[2], m[3], cid)
	}
	if m := reMove.FindStringSubmatch(message); m != nil {
		return r.heuristicMove(snap, req.ActiveGraphID, m[1], m[2], m[3], cid)
	}
	if m := reDelete.FindStringSubmatch(message); m != nil {
		return r.heuristicDelete(snap, req.ActiveGraphID, m[1], cid)
	}
	if m := reSetColor.FindStringSubmatch(message); m != nil {
		return r.heuristicSetColor(snap, m[1], m[2], cid)
	}
	if m := reRenameNode.FindStringSubmatch(message); m != nil {
		return r.heuristicRenameNode(snap, m[1], m[2], cid)
	}
	if m := reRenameGraph.FindStringSubmatch(message); m != nil {
		return r.heuristicRenameGraph(snap, req.ActiveGraphID, m[1], cid)
	}
	return AgentResult{}, false
}

func (r *Router) heuristicOpenGraph(snap models.ProjectedStore, hasStore bool, name, cid string) (AgentResult, bool) {
	if !hasStore {
		return AgentResult{}, false
	}
	g := snap.GraphByName(name)
	if g == nil {
		// Loose match: unique substring of a graph name.
		want := models.NormalizeName(name)
		for i := range snap.Graphs {
			if strings.Contains(models.NormalizeName(snap.Graphs[i].Name), want) {
				if g != nil {
					return AgentResult{}, false // ambiguous, let the planner decide
				}
				g = &snap.Graphs[i]
			}
		}
	}
	if g == nil {
		return AgentResult{}, false
	}
	r.pendings.Enqueue(models.NewOpenGraph(g.ID, cid))
	r.recordToolCall(models.ToolListAvailableGraphs, cid, map[string]any{"graphId": g.ID})
	return AgentResult{
		Success:  true,
		Response: fmt.Sprintf("Opening %q.", g.Name),
		CID:      cid,
	}, true
}

func (r *Router) heuristicListGraphs(snap models.ProjectedStore, hasStore bool, cid string) AgentResult {
	if !hasStore || len(snap.Graphs) == 0 {
		return AgentResult{Success: true, Response: "There are no graphs yet. Ask me to create one!", CID: cid}
	}
	names := make([]string, 0, len(snap.Graphs))
	for _, g := range snap.Graphs {
		names = append(names, fmt.Sprintf("%s (%d)", g.Name, g.NodeCount()))
	}
	r.recordToolCall(models.ToolListAvailableGraphs, cid, map[string]any{"count": len(names)})
	return AgentResult{
		Success:   true,
		Response:  "Your graphs: " + strings.Join(names, ", ") + ".",
		ToolCalls: []ToolCall{{Name: models.ToolListAvailableGraphs}},
		CID:       cid,
	}
}

func (r *Router) heuristicSearch(snap models.ProjectedStore, q, cid string) AgentResult {
	limit := r.searchCfg.Limit
	if limit <= 0 {
		limit = 10
	}
	results, err := search.Search(snap, search.Query{
		Q:     q,
		Scope: search.ScopeAll,
		Limit: limit,
		Fuzzy: r.searchCfg.FuzzyEnabled(),
	})
	if err != nil || len(results) == 0 {
		return AgentResult{Success: true, Response: fmt.Sprintf("Nothing matched %q.", q), CID: cid}
	}
	names := make([]string, 0, len(results))
	for _, res := range results {
		names = append(names, fmt.Sprintf("%s (%s)", res.Name, res.Kind))
	}
	r.recordToolCall(models.ToolSearchNodes, cid, map[string]any{"query": q, "count": len(results)})
	return AgentResult{
		Success:   true,
		Response:  fmt.Sprintf("Found %d match(es) for %q: %s.", len(results), q, strings.Join(names, ", ")),
		ToolCalls: []ToolCall{{Name: models.ToolSearchNodes, Args: map[string]any{"query": q}}},
		CID:       cid,
	}
}

func (r *Router) heuristicConnect(snap models.ProjectedStore, activeGraphID, source, target, label, cid string) (AgentResult, bool) {
	g := heuristicGraph(snap, activeGraphID)
	if g == nil {
		return AgentResult{}, false
	}
	srcID := instanceByPrototypeName(snap, g, source)
	dstID := instanceByPrototypeName(snap, g, target)
	if srcID == "" || dstID == "" {
		return AgentResult{}, false
	}
	op := models.NewAddEdgeOp(g.ID, srcID, dstID, strings.TrimSpace(label))
	r.pendings.Enqueue(models.NewApplyMutations([]models.Op{op}, cid))
	r.recordToolCall("define_connections", cid, map[string]any{"graphId": g.ID})
	return AgentResult{
		Success:  true,
		Response: fmt.Sprintf("Connected %q to %q.", source, target),
		CID:      cid,
	}, true
}

func (r *Router) heuristicMove(snap models.ProjectedStore, activeGraphID, name, xs, ys, cid string) (AgentResult, bool) {
	g := heuristicGraph(snap, activeGraphID)
	if g == nil {
		return AgentResult{}, false
	}
	instID := instanceByPrototypeName(snap, g, name)
	if instID == "" {
		return AgentResult{}, false
	}
	x, _ := strconv.ParseFloat(xs, 64)
	y, _ := strconv.ParseFloat(ys, 64)
	pos := scheduler.ClampPosition(x, y)
	op := models.Op{Type: models.OpMoveNodeInstance, GraphID: g.ID, InstanceID: instID, Position: &pos}
	r.pendings.Enqueue(models.NewApplyMutations([]models.Op{op}, cid))
	return AgentResult{
		Success:  true,
		Response: fmt.Sprintf("Moved %q to (%.0f, %.0f).", name, pos.X, pos.Y),
		CID:      cid,
	}, true
}

func (r *Router) heuristicDelete(snap models.ProjectedStore, activeGraphID, name, cid string) (AgentResult, bool) {
	g := heuristicGraph(snap, activeGraphID)
	if g == nil {
		return AgentResult{}, false
	}
	instID := instanceByPrototypeName(snap, g, name)
	if instID == "" {
		return AgentResult{}, false
	}
	op := models.Op{Type: models.OpRemoveNodeInstance, GraphID: g.ID, InstanceID: instID}
	r.pendings.Enqueue(models.NewApplyMutations([]models.Op{op}, cid))
	return AgentResult{
		Success:  true,
		Response: fmt.Sprintf("Removed %q.", name),
		CID:      cid,
	}, true
}

func (r *Router) heuristicSetColor(snap models.ProjectedStore, name, color, cid string) (AgentResult, bool) {
	p := snap.PrototypeByName(name)
	if p == nil {
		return AgentResult{}, false
	}
	op := models.Op{
		Type:        models.OpUpdateNodePrototype,
		PrototypeID: p.ID,
		Updates:     map[string]any{"color": color},
	}
	r.pendings.Enqueue(models.NewApplyMutations([]models.Op{op}, cid))
	return AgentResult{
		Success:  true,
		Response: fmt.Sprintf("Recolored %q to %s.", p.Name, color),
		CID:      cid,
	}, true
}

func (r *Router) heuristicRenameNode(snap models.ProjectedStore, oldName, newName, cid string) (AgentResult, bool) {
	p := snap.PrototypeByName(oldName)
	if p == nil {
		return AgentResult{}, false
	}
	op := models.Op{
		Type:        models.OpUpdateNodePrototype,
		PrototypeID: p.ID,
		Updates:     map[string]any{"name": strings.TrimSpace(newName)},
	}
	r.pendings.Enqueue(models.NewApplyMutations([]models.Op{op}, cid))
	return AgentResult{
		Success:  true,
		Response: fmt.Sprintf("Renamed %q to %q.", oldName, newName),
		CID:      cid,
	}, true
}

func (r *Router) heuristicRenameGraph(snap models.ProjectedStore, activeGraphID, newName, cid string) (AgentResult, bool) {
	g := heuristicGraph(snap, activeGraphID)
	if g == nil {
		return AgentResult{}, false
	}
	op := models.Op{
		Type:    models.OpUpdateGraph,
		GraphID: g.ID,
		Updates: map[string]any{"name": strings.TrimSpace(newName)},
	}
	r.pendings.Enqueue(models.NewApplyMutations([]models.Op{op}, cid))
	return AgentResult{
		Success:  true,
		Response: fmt.Sprintf("Renamed the graph to %q.", strings.TrimSpace(newName)),
		CID:      cid,
	}, true
}

func (r *Router) recordToolCall(name, cid string, fields map[string]any) {
	merged := map[string]any{"name": name, "status": telemetry.StatusCompleted}
	for k, v := range fields {
		merged[k] = v
	}
	r.tel.Record(telemetry.TypeToolCall, cid, merged)
}

func heuristicGraph(snap models.ProjectedStore, activeGraphID string) *models.Graph {
	if g := snap.GraphByID(activeGraphID); g != nil {
		return g
	}
	return snap.ActiveGraph()
}

// instanceByPrototypeName finds the first instance in the graph whose
// prototype's normalized name matches.
func instanceByPrototypeName(snap models.ProjectedStore, g *models.Graph, name string) string {
	want := models.NormalizeName(name)
	if want == "" {
		return ""
	}
	for id, inst := range g.Instances {
		p := snap.PrototypeByID(inst.PrototypeID)
		if p != nil && models.NormalizeName(p.Name) == want {
			if inst.ID != "" {
				return inst.ID
			}
			return id
		}
	}
	return ""
}
