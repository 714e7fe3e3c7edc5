package models

import "time"

// PendingAction tags. ActionApplyMutations is the workhorse: its single
// param is the ordered op list the UI applies atomically.
const (
	ActionApplyMutations      = "applyMutations"
	ActionOpenGraph           = "openGraph"
	ActionAddNodePrototype    = "addNodePrototype"
	ActionCreateNewGraph      = "createNewGraph"
	ActionCreateAndAssign     = "createAndAssignGraphDefinition"
	ActionRemoveNodeInstance  = "removeNodeInstance"
	ActionUpdateNodePrototype = "updateNodePrototype"
	ActionMoveNodeInstance    = "moveNodeInstance"
)

// PendingAction is a UI-bound instruction, leased on GET and acked on POST.
type PendingAction struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Params    []any          `json:"params"`
	Timestamp int64          `json:"timestamp"` // epoch millis
	Meta      map[string]any `json:"meta,omitempty"`
}

// NewPendingAction stamps id and timestamp. cid may be empty.
func NewPendingAction(action string, params []any, cid string) PendingAction {
	pa := PendingAction{
		ID:        NewID("act"),
		Action:    action,
		Params:    params,
		Timestamp: time.Now().UnixMilli(),
	}
	if cid != "" {
		pa.Meta = map[string]any{"cid": cid}
	}
	return pa
}

// NewApplyMutations wraps ops in a single applyMutations action. Ops are
// applied by the UI in array order; callers preserve submission order.
func NewApplyMutations(ops []Op, cid string) PendingAction {
	return NewPendingAction(ActionApplyMutations, []any{ops}, cid)
}

// NewOpenGraph instructs the UI to focus a graph before mutations land.
func NewOpenGraph(graphID, cid string) PendingAction {
	return NewPendingAction(ActionOpenGraph, []any{graphID}, cid)
}

// CID returns the correlation id stamped in Meta, if any.
func (a PendingAction) CID() string {
	if a.Meta == nil {
		return ""
	}
	if cid, ok := a.Meta["cid"].(string); ok {
		return cid
	}
	return ""
}

// FirstParamString digs a display string out of params[0]: either the
// param itself or its named key when the param is an object.
func (a PendingAction) FirstParamString(key string) string {
	if len(a.Params) == 0 {
		return ""
	}
	switch v := a.Params[0].(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v[key].(string); ok {
			return s
		}
	}
	return ""
}

// MutationOps returns the op list of an applyMutations action, tolerating
// both the in-process []Op shape and the JSON round-tripped []any shape.
func (a PendingAction) MutationOps() []Op {
	if a.Action != ActionApplyMutations || len(a.Params) == 0 {
		return nil
	}
	switch v := a.Params[0].(type) {
	case []Op:
		return v
	case []any:
		ops := make([]Op, 0, len(v))
		for _, raw := range v {
			if op, ok := raw.(Op); ok {
				ops = append(ops, op)
			}
		}
		return ops
	}
	return nil
}
