package models

import "strings"

// Op type tags. An Op is a tagged variant: Type selects which of the
// optional fields are meaningful. Consumers dispatch exhaustively on Type
// and treat unrecognized tags as pass-through (forwarded to the UI as-is).
const (
	OpCreateNewGraph       = "createNewGraph"
	OpAddNodePrototype     = "addNodePrototype"
	OpAddNodeInstance      = "addNodeInstance"
	OpMoveNodeInstance     = "moveNodeInstance"
	OpRemoveNodeInstance   = "removeNodeInstance"
	OpAddEdge              = "addEdge"
	OpUpdateEdgeDefinition = "updateEdgeDefinition"
	OpUpdateNodePrototype  = "updateNodePrototype"
	OpUpdateGraph          = "updateGraph"
	OpReadResponse         = "readResponse"
)

// NewGraphPlaceholderPrefix marks a graph id that does not exist yet.
// "NEW_GRAPH:<name>" is the only id shape the system ever parses; the
// Committer resolves it against createNewGraph ops in the same batch.
const NewGraphPlaceholderPrefix = "NEW_GRAPH:"

// Position is an {x,y} canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Directionality describes edge arrowheads. ArrowsToward lists the
// instance ids toward which arrowheads point.
type Directionality struct {
	ArrowsToward []string `json:"arrowsToward"`
}

// EdgeData is the payload of an addEdge op.
type EdgeData struct {
	ID             string          `json:"id"`
	SourceID       string          `json:"sourceId"`
	DestinationID  string          `json:"destinationId"`
	Name           string          `json:"name,omitempty"`
	TypeNodeID     string          `json:"typeNodeId,omitempty"`
	Directionality *Directionality `json:"directionality,omitempty"`
}

// Op is one atomic mutation (or, for readResponse, a read-side result that
// never reaches the UI). Field presence follows the Type tag:
//
//	createNewGraph       InitialData{id,name,…}
//	addNodePrototype     PrototypeData{id,name,color,description,…}
//	addNodeInstance      GraphID, PrototypeID, Position, InstanceID
//	moveNodeInstance     GraphID, InstanceID, Position
//	removeNodeInstance   GraphID, InstanceID
//	addEdge              GraphID, EdgeData
//	updateEdgeDefinition EdgeID, Updates
//	updateNodePrototype  PrototypeID, Updates
//	updateGraph          GraphID, Updates
//	readResponse         ToolName, Data
type Op struct {
	Type          string         `json:"type"`
	GraphID       string         `json:"graphId,omitempty"`
	InstanceID    string         `json:"instanceId,omitempty"`
	PrototypeID   string         `json:"prototypeId,omitempty"`
	EdgeID        string         `json:"edgeId,omitempty"`
	Position      *Position      `json:"position,omitempty"`
	InitialData   map[string]any `json:"initialData,omitempty"`
	PrototypeData map[string]any `json:"prototypeData,omitempty"`
	EdgeData      *EdgeData      `json:"edgeData,omitempty"`
	Updates       map[string]any `json:"updates,omitempty"`
	ToolName      string         `json:"toolName,omitempty"`
	Data          any            `json:"data,omitempty"`
}

// IsRead reports whether the op carries a read-side result instead of a UI
// mutation.
func (o Op) IsRead() bool {
	return o.Type == OpReadResponse
}

// IsUpdate reports whether the op is one of the update* family, which is
// subject to last-writer-wins coalescing.
func (o Op) IsUpdate() bool {
	switch o.Type {
	case OpUpdateEdgeDefinition, OpUpdateNodePrototype, OpUpdateGraph:
		return true
	}
	return false
}

// UpdateTargetID returns the entity id an update* op targets, used as the
// last-writer-wins coalescing key. Empty for non-update ops.
func (o Op) UpdateTargetID() string {
	switch o.Type {
	case OpUpdateEdgeDefinition:
		return o.EdgeID
	case OpUpdateNodePrototype:
		return o.PrototypeID
	case OpUpdateGraph:
		return o.GraphID
	}
	return ""
}

// HasPlaceholderGraph reports whether the op targets a NEW_GRAPH placeholder.
func (o Op) HasPlaceholderGraph() bool {
	return strings.HasPrefix(o.GraphID, NewGraphPlaceholderPrefix)
}

// CreatedGraphID returns the real id a createNewGraph op provides, or "".
func (o Op) CreatedGraphID() string {
	if o.Type != OpCreateNewGraph || o.InitialData == nil {
		return ""
	}
	id, _ := o.InitialData["id"].(string)
	return id
}

// CreatedGraphName returns the name a createNewGraph op provides, or "".
func (o Op) CreatedGraphName() string {
	if o.Type != OpCreateNewGraph || o.InitialData == nil {
		return ""
	}
	name, _ := o.InitialData["name"].(string)
	return name
}

// NewCreateGraphOp builds a createNewGraph op with a fresh graph id.
func NewCreateGraphOp(name string) Op {
	return Op{
		Type: OpCreateNewGraph,
		InitialData: map[string]any{
			"id":   NewID("graph"),
			"name": name,
		},
	}
}

// NewAddPrototypeOp builds an addNodePrototype op with a fresh prototype id.
func NewAddPrototypeOp(name, color, description string) Op {
	data := map[string]any{
		"id":   NewID("proto"),
		"name": name,
	}
	if color != "" {
		data["color"] = color
	}
	if description != "" {
		data["description"] = description
	}
	return Op{Type: OpAddNodePrototype, PrototypeData: data}
}

// NewAddInstanceOp builds an addNodeInstance op with a fresh instance id.
func NewAddInstanceOp(graphID, prototypeID string, pos Position) Op {
	return Op{
		Type:        OpAddNodeInstance,
		GraphID:     graphID,
		PrototypeID: prototypeID,
		InstanceID:  NewID("inst"),
		Position:    &pos,
	}
}

// NewAddEdgeOp builds an addEdge op with default forward directionality
// (arrowhead toward the destination instance).
func NewAddEdgeOp(graphID, sourceInstanceID, destInstanceID, name string) Op {
	return Op{
		Type:    OpAddEdge,
		GraphID: graphID,
		EdgeData: &EdgeData{
			ID:            NewID("edge"),
			SourceID:      sourceInstanceID,
			DestinationID: destInstanceID,
			Name:          name,
			Directionality: &Directionality{
				ArrowsToward: []string{destInstanceID},
			},
		},
	}
}

// NewReadResponseOp wraps a read-side result for chat delivery.
func NewReadResponseOp(toolName string, data any) Op {
	return Op{Type: OpReadResponse, ToolName: toolName, Data: data}
}
