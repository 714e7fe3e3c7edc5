package models

import (
	"maps"
	"slices"
	"strings"
)

// Instance is a placed occurrence of a prototype in one graph.
type Instance struct {
	ID          string  `json:"id,omitempty"`
	PrototypeID string  `json:"prototypeId"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
}

// Graph is a named workspace of node instances and edges as projected by
// the UI. The server treats every id opaquely; referential integrity is
// the UI's job.
type Graph struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Instances     map[string]Instance `json:"instances,omitempty"`
	EdgeIDs       []string            `json:"edgeIds,omitempty"`
	InstanceCount int                 `json:"instanceCount,omitempty"`
}

// NodeCount returns the number of placed instances. Projections sometimes
// send only the count without the instance map; the count field wins when
// the map is empty.
func (g Graph) NodeCount() int {
	if len(g.Instances) > 0 {
		return len(g.Instances)
	}
	return g.InstanceCount
}

// NodePrototype is a reusable concept definition.
type NodePrototype struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
}

// GraphLayout is the per-graph layout blob pushed via /api/bridge/layout.
// Nodes and Metadata are opaque to the server.
type GraphLayout struct {
	Nodes    map[string]any `json:"nodes,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StoreSummary carries bookkeeping about the last projection push.
type StoreSummary struct {
	LastUpdate int64 `json:"lastUpdate"` // epoch millis
}

// ProjectedStore is the UI-owned snapshot of the graph world. It is the
// only graph state the server ever reads; the server never becomes
// authoritative for it.
type ProjectedStore struct {
	Graphs          []Graph                `json:"graphs"`
	NodePrototypes  []NodePrototype        `json:"nodePrototypes"`
	ActiveGraphID   string                 `json:"activeGraphId,omitempty"`
	ActiveGraphName string                 `json:"activeGraphName,omitempty"`
	OpenGraphIDs    []string               `json:"openGraphIds,omitempty"`
	GraphLayouts    map[string]GraphLayout `json:"graphLayouts,omitempty"`
	GraphSummaries  map[string]any         `json:"graphSummaries,omitempty"`
	FileStatus      map[string]any         `json:"fileStatus,omitempty"`
	Summary         StoreSummary           `json:"summary"`
}

// GraphByID returns the graph with the given id, or nil.
func (s *ProjectedStore) GraphByID(id string) *Graph {
	if s == nil || id == "" {
		return nil
	}
	for i := range s.Graphs {
		if s.Graphs[i].ID == id {
			return &s.Graphs[i]
		}
	}
	return nil
}

// GraphByName returns the graph whose normalized name matches exactly, or
// nil. Normalization is lowercase + trimmed, the same rule the intent
// router uses to resolve planner-supplied graph names.
func (s *ProjectedStore) GraphByName(name string) *Graph {
	if s == nil {
		return nil
	}
	want := NormalizeName(name)
	if want == "" {
		return nil
	}
	for i := range s.Graphs {
		if NormalizeName(s.Graphs[i].Name) == want {
			return &s.Graphs[i]
		}
	}
	return nil
}

// PrototypeByName returns the prototype whose normalized name matches, or nil.
func (s *ProjectedStore) PrototypeByName(name string) *NodePrototype {
	if s == nil {
		return nil
	}
	want := NormalizeName(name)
	if want == "" {
		return nil
	}
	for i := range s.NodePrototypes {
		if NormalizeName(s.NodePrototypes[i].Name) == want {
			return &s.NodePrototypes[i]
		}
	}
	return nil
}

// PrototypeByID returns the prototype with the given id, or nil.
func (s *ProjectedStore) PrototypeByID(id string) *NodePrototype {
	if s == nil || id == "" {
		return nil
	}
	for i := range s.NodePrototypes {
		if s.NodePrototypes[i].ID == id {
			return &s.NodePrototypes[i]
		}
	}
	return nil
}

// ActiveGraph returns the active graph, or nil when none is active.
func (s *ProjectedStore) ActiveGraph() *Graph {
	if s == nil {
		return nil
	}
	return s.GraphByID(s.ActiveGraphID)
}

// Clone returns a copy safe to hand out while the original keeps being
// replaced. Layout node/metadata values are copied one level deep; callers
// treat their contents as read-only.
func (s ProjectedStore) Clone() ProjectedStore {
	out := s
	out.Graphs = make([]Graph, len(s.Graphs))
	for i, g := range s.Graphs {
		g.Instances = maps.Clone(g.Instances)
		g.EdgeIDs = slices.Clone(g.EdgeIDs)
		out.Graphs[i] = g
	}
	out.NodePrototypes = slices.Clone(s.NodePrototypes)
	out.OpenGraphIDs = slices.Clone(s.OpenGraphIDs)
	if s.GraphLayouts != nil {
		out.GraphLayouts = make(map[string]GraphLayout, len(s.GraphLayouts))
		for id, l := range s.GraphLayouts {
			l.Nodes = maps.Clone(l.Nodes)
			l.Metadata = maps.Clone(l.Metadata)
			out.GraphLayouts[id] = l
		}
	}
	out.GraphSummaries = maps.Clone(s.GraphSummaries)
	out.FileStatus = maps.Clone(s.FileStatus)
	return out
}

// NormalizeName lowercases and trims a display name for loose matching.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
