package scheduler

import (
	"fmt"
	"sort"

	"github.com/spindlework/graphloom/pkg/models"
)

// Read-result builders. The executor wraps these in readResponse ops; the
// MCP shim serves the same payloads for its tool calls, so both surfaces
// describe the store identically.

// VerifyState summarizes the projected store.
func VerifyState(st models.ProjectedStore, hasStore bool) map[string]any {
	graphs := make([]map[string]any, 0, len(st.Graphs))
	for _, g := range st.Graphs {
		graphs = append(graphs, map[string]any{
			"id":            g.ID,
			"name":          g.Name,
			"instanceCount": g.NodeCount(),
		})
	}
	return map[string]any{
		"hasStore":        hasStore,
		"activeGraphId":   st.ActiveGraphID,
		"activeGraphName": st.ActiveGraphName,
		"openGraphIds":    st.OpenGraphIDs,
		"graphCount":      len(st.Graphs),
		"prototypeCount":  len(st.NodePrototypes),
		"lastUpdate":      st.Summary.LastUpdate,
		"graphs":          graphs,
	}
}

// ListAvailableGraphs lists every graph with its instance count.
func ListAvailableGraphs(st models.ProjectedStore) map[string]any {
	graphs := make([]map[string]any, 0, len(st.Graphs))
	for _, g := range st.Graphs {
		graphs = append(graphs, map[string]any{
			"id":            g.ID,
			"name":          g.Name,
			"instanceCount": g.NodeCount(),
		})
	}
	return map[string]any{
		"graphs":        graphs,
		"count":         len(st.Graphs),
		"activeGraphId": st.ActiveGraphID,
	}
}

// GraphInstances lists the placed instances of one graph with their
// prototype names resolved.
func GraphInstances(st models.ProjectedStore, g models.Graph) map[string]any {
	instances := make([]map[string]any, 0, len(g.Instances))
	for _, inst := range sortedInstances(g) {
		name := ""
		if p := st.PrototypeByID(inst.PrototypeID); p != nil {
			name = p.Name
		}
		instances = append(instances, map[string]any{
			"id":          inst.ID,
			"prototypeId": inst.PrototypeID,
			"name":        name,
			"x":           inst.X,
			"y":           inst.Y,
		})
	}
	return map[string]any{
		"graphId":   g.ID,
		"graphName": g.Name,
		"count":     len(instances),
		"instances": instances,
	}
}

// GraphStructure describes one graph's topology: node names plus the edge
// id list the projection carries.
func GraphStructure(st models.ProjectedStore, g models.Graph) map[string]any {
	nodes := make([]map[string]any, 0, len(g.Instances))
	for _, inst := range sortedInstances(g) {
		name := ""
		if p := st.PrototypeByID(inst.PrototypeID); p != nil {
			name = p.Name
		}
		nodes = append(nodes, map[string]any{
			"instanceId": inst.ID,
			"name":       name,
			"x":          inst.X,
			"y":          inst.Y,
		})
	}
	edges := g.EdgeIDs
	if edges == nil {
		edges = []string{}
	}
	return map[string]any{
		"graphId":   g.ID,
		"graphName": g.Name,
		"nodeCount": g.NodeCount(),
		"edgeCount": len(g.EdgeIDs),
		"nodes":     nodes,
		"edges":     edges,
	}
}

// IdentifyPatterns reports simple structural observations about one graph:
// per-prototype instance counts and a few sentence-shaped findings.
func IdentifyPatterns(st models.ProjectedStore, g models.Graph) map[string]any {
	counts := map[string]int{}
	for _, inst := range g.Instances {
		name := inst.PrototypeID
		if p := st.PrototypeByID(inst.PrototypeID); p != nil {
			name = p.Name
		}
		counts[name]++
	}

	var patterns []string
	patterns = append(patterns, fmt.Sprintf("%d instance(s) across %d prototype(s)", g.NodeCount(), len(counts)))
	if top, n := topPrototype(counts); n > 1 {
		patterns = append(patterns, fmt.Sprintf("most frequent prototype: %s (%d instances)", top, n))
	}
	if len(g.EdgeIDs) > 0 {
		patterns = append(patterns, fmt.Sprintf("%d edge(s) connect the instances", len(g.EdgeIDs)))
	} else if g.NodeCount() > 1 {
		patterns = append(patterns, "no edges yet; the instances are unconnected")
	}

	return map[string]any{
		"graphId":         g.ID,
		"graphName":       g.Name,
		"prototypeCounts": counts,
		"patterns":        patterns,
	}
}

// sortedInstances returns the instance map in a stable id order.
func sortedInstances(g models.Graph) []models.Instance {
	out := make([]models.Instance, 0, len(g.Instances))
	for id, inst := range g.Instances {
		if inst.ID == "" {
			inst.ID = id
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// topPrototype returns the most frequent prototype name, ties broken
// alphabetically.
func topPrototype(counts map[string]int) (string, int) {
	best, n := "", 0
	for name, c := range counts {
		if c > n || (c == n && name < best) {
			best, n = name, c
		}
	}
	return best, n
}
