package models

// Review status values.
const (
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// Goal tags produced by the intent router.
const (
	GoalCreateGraph   = "create_graph"
	GoalCreateNode    = "create_node"
	GoalAnalyzeGraph  = "analyze_graph"
	GoalPopulateGraph = "populate_graph"
)

// Tool names understood by the executor stage. Write-side tools synthesize
// mutation ops; read-side tools synthesize a single readResponse op.
const (
	ToolVerifyState         = "verify_state"
	ToolListAvailableGraphs = "list_available_graphs"
	ToolGetGraphInstances   = "get_graph_instances"
	ToolIdentifyPatterns    = "identify_patterns"
	ToolCreateGraph         = "create_graph"
	ToolReadGraphStructure  = "read_graph_structure"
	ToolCreateNode          = "create_node"
	ToolCreateSubgraph      = "create_subgraph"
	ToolSearchNodes         = "search_nodes"
)

// Goal is a unit of user intent: an ordered DAG of task specifications.
type Goal struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"` // always "goal"
	Goal      string     `json:"goal"`
	DAG       []TaskSpec `json:"dag"`
	ThreadID  string     `json:"threadId,omitempty"`
	CID       string     `json:"cid,omitempty"`
	CreatedAt int64      `json:"createdAt"` // epoch millis
}

// TaskSpec is one step of a goal DAG. DependsOn names task ids within the
// same DAG that must produce a patch-or-response before this step runs.
type TaskSpec struct {
	ID        string         `json:"id,omitempty"`
	ToolName  string         `json:"toolName"`
	Args      map[string]any `json:"args,omitempty"`
	DependsOn []string       `json:"dependsOn,omitempty"`
}

// Task is one executable step, materialized from a TaskSpec by the planner.
type Task struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"threadId,omitempty"`
	CID       string         `json:"cid,omitempty"`
	ToolName  string         `json:"toolName"`
	Args      map[string]any `json:"args,omitempty"`
	DependsOn []string       `json:"dependsOn,omitempty"`
}

// Patch is a candidate mutation set. PatchID is the idempotence key;
// GraphID may be a NEW_GRAPH placeholder; BaseHash, when non-empty, is the
// graph content hash the patch was computed against and gates the merge
// check. Meta is free-form and may carry apiKey, apiConfig, agenticLoop,
// and iteration for the auto-chain.
type Patch struct {
	PatchID  string         `json:"patchId"`
	GraphID  string         `json:"graphId"`
	ThreadID string         `json:"threadId,omitempty"`
	CID      string         `json:"cid,omitempty"`
	BaseHash string         `json:"baseHash,omitempty"`
	Ops      []Op           `json:"ops"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// MetaString returns a string entry from Meta, or "".
func (p *Patch) MetaString(key string) string {
	if p == nil || p.Meta == nil {
		return ""
	}
	s, _ := p.Meta[key].(string)
	return s
}

// MetaBool returns a bool entry from Meta.
func (p *Patch) MetaBool(key string) bool {
	if p == nil || p.Meta == nil {
		return false
	}
	b, _ := p.Meta[key].(bool)
	return b
}

// Review is the auditor's decision over one patch or a group of patches.
type Review struct {
	LeaseID      string   `json:"leaseId,omitempty"`
	ReviewStatus string   `json:"reviewStatus"`
	Reasons      []string `json:"reasons,omitempty"`
	GraphID      string   `json:"graphId,omitempty"`
	Patch        *Patch   `json:"patch,omitempty"`
	Patches      []*Patch `json:"patches,omitempty"`
}

// AllPatches flattens the patch-or-patches shape into a slice.
func (r *Review) AllPatches() []*Patch {
	if len(r.Patches) > 0 {
		return r.Patches
	}
	if r.Patch != nil {
		return []*Patch{r.Patch}
	}
	return nil
}

// Approved reports whether the review approves application. The status is
// inspected here rather than trusted from queue filters: some producers
// strip the field in transit, and the committer must stay robust to that.
func (r *Review) Approved() bool {
	return r.ReviewStatus == ReviewApproved
}
