package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/queue"
	"github.com/spindlework/graphloom/pkg/search"
	"github.com/spindlework/graphloom/pkg/store"
)

// DefaultNodeColor is used for prototypes created without an explicit
// color.
const DefaultNodeColor = "#5B6CFF"

// Canvas placement rules shared with the intent router's graphSpec path:
// explicit coordinates are clamped to the visible canvas; nodes without
// coordinates spread over a ring around the canvas center.
const (
	MinNodeX   = 320.0
	MinNodeY   = 100.0
	RingX      = 520.0
	RingY      = 320.0
	RingRadius = 180.0
)

// metaKeys are the task argument keys the executor copies into patch meta
// for the committer's continuation hooks.
var metaKeys = []string{"apiKey", "apiConfig", "agenticLoop", "iteration"}

// TaskExecutor evaluates tasks against the projected store and synthesizes
// patches. It never mutates anything itself; write tools only produce ops
// for the committer to forward.
type TaskExecutor struct {
	stores *store.Holder
	logger *slog.Logger
}

// NewTaskExecutor creates an executor reading from the given store holder.
func NewTaskExecutor(stores *store.Holder, logger *slog.Logger) *TaskExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskExecutor{stores: stores, logger: logger}
}

// executorTick pulls up to max tasks, executes each, and submits the
// resulting patches. A task settles on success and on terminal failure
// alike, so held dependents never wait on a task that can no longer
// produce anything.
func (s *Scheduler) executorTick(max int) {
	items := s.queues.Pull(queue.TaskQueue, queue.PullOptions{Max: max})
	for _, it := range items {
		task, err := queue.PayloadAs[models.Task](it.Payload)
		if err != nil {
			s.logger.Warn("Dropping malformed task", "item_id", it.ID, "error", err)
			s.queues.Ack(queue.TaskQueue, it.LeaseID)
			continue
		}

		patch, err := s.executor.Execute(task)
		if err != nil {
			s.logger.Warn("Task failed", "task_id", task.ID, "tool", task.ToolName, "error", err)
			s.events.Append(eventlog.TypeTaskFailed, map[string]any{
				"taskId":   task.ID,
				"toolName": task.ToolName,
				"error":    err.Error(),
				"cid":      task.CID,
			})
			s.markSettled(task.ID)
			s.queues.Ack(queue.TaskQueue, it.LeaseID)
			continue
		}

		s.queues.Enqueue(queue.PatchQueue, patch, patch.GraphID)
		s.events.Append(eventlog.TypePatchSubmitted, map[string]any{
			"patchId":  patch.PatchID,
			"graphId":  patch.GraphID,
			"opsCount": len(patch.Ops),
			"taskId":   task.ID,
			"cid":      patch.CID,
		})
		s.markSettled(task.ID)
		s.queues.Ack(queue.TaskQueue, it.LeaseID)
	}
}

// Execute synthesizes the patch for one task. Write tools yield mutation
// ops; read tools yield a single readResponse op carrying the read result.
func (e *TaskExecutor) Execute(task models.Task) (models.Patch, error) {
	snap, hasStore := e.stores.Snapshot()

	var (
		ops     []models.Op
		graphID string
		err     error
	)

	switch task.ToolName {
	case models.ToolCreateGraph:
		graphID, ops = e.createGraph(task.Args)

	case models.ToolCreateNode:
		graphID, ops, err = e.createNode(snap, task.Args)

	case models.ToolCreateSubgraph:
		graphID, ops, err = e.createSubgraph(snap, task.Args)

	case models.ToolVerifyState:
		ops = []models.Op{models.NewReadResponseOp(task.ToolName, VerifyState(snap, hasStore))}

	case models.ToolListAvailableGraphs:
		ops = []models.Op{models.NewReadResponseOp(task.ToolName, ListAvailableGraphs(snap))}

	case models.ToolGetGraphInstances:
		var g *models.Graph
		g, err = targetGraph(&snap, task.Args)
		if err == nil {
			graphID = g.ID
			ops = []models.Op{models.NewReadResponseOp(task.ToolName, GraphInstances(snap, *g))}
		}

	case models.ToolReadGraphStructure:
		var g *models.Graph
		g, err = targetGraph(&snap, task.Args)
		if err == nil {
			graphID = g.ID
			ops = []models.Op{models.NewReadResponseOp(task.ToolName, GraphStructure(snap, *g))}
		}

	case models.ToolIdentifyPatterns:
		var g *models.Graph
		g, err = targetGraph(&snap, task.Args)
		if err == nil {
			graphID = g.ID
			ops = []models.Op{models.NewReadResponseOp(task.ToolName, IdentifyPatterns(snap, *g))}
		}

	case models.ToolSearchNodes:
		var data map[string]any
		data, err = e.searchNodes(snap, task.Args)
		if err == nil {
			ops = []models.Op{models.NewReadResponseOp(task.ToolName, data)}
		}

	default:
		err = fmt.Errorf("unknown tool %q", task.ToolName)
	}
	if err != nil {
		return models.Patch{}, err
	}

	patch := models.Patch{
		PatchID:  models.NewPatchID(),
		GraphID:  graphID,
		ThreadID: task.ThreadID,
		CID:      task.CID,
		Ops:      ops,
		Meta:     metaFromArgs(task.Args),
	}
	if mutates(ops) && graphID != "" && !strings.HasPrefix(graphID, models.NewGraphPlaceholderPrefix) {
		if h, ok := e.stores.GraphContentHash(graphID); ok {
			patch.BaseHash = h
		}
	}
	return patch, nil
}

func (e *TaskExecutor) createGraph(args map[string]any) (string, []models.Op) {
	name := argString(args, "name", "graph_name")
	if name == "" {
		name = "Untitled Graph"
	}
	op := models.NewCreateGraphOp(name)
	return models.NewGraphPlaceholderPrefix + name, []models.Op{op}
}

func (e *TaskExecutor) createNode(snap models.ProjectedStore, args map[string]any) (string, []models.Op, error) {
	g, err := targetGraph(&snap, args)
	if err != nil {
		return "", nil, err
	}
	name := argString(args, "name", "node_name")
	if name == "" {
		return "", nil, errors.New("create_node requires a node name")
	}

	var ops []models.Op
	protoID := ""
	if p := snap.PrototypeByName(name); p != nil {
		protoID = p.ID
	} else {
		color := argString(args, "color")
		if color == "" {
			color = DefaultNodeColor
		}
		protoOp := models.NewAddPrototypeOp(name, color, argString(args, "description"))
		ops = append(ops, protoOp)
		protoID, _ = protoOp.PrototypeData["id"].(string)
	}

	pos := placement(args, len(g.Instances), len(g.Instances)+1)
	ops = append(ops, models.NewAddInstanceOp(g.ID, protoID, pos))
	return g.ID, ops, nil
}

// createSubgraph lays out a batch of nodes plus the edges between them.
// The target is an explicit graph id, a named graph (created through a
// placeholder when it does not exist yet), or the active graph.
func (e *TaskExecutor) createSubgraph(snap models.ProjectedStore, args map[string]any) (string, []models.Op, error) {
	specs := nodeSpecs(args["nodes"])
	if len(specs) == 0 {
		return "", nil, errors.New("create_subgraph requires a non-empty nodes list")
	}

	var ops []models.Op
	graphID := ""
	switch {
	case argString(args, "graph_id", "graphId") != "":
		id := argString(args, "graph_id", "graphId")
		g := snap.GraphByID(id)
		if g == nil {
			return "", nil, fmt.Errorf("unknown graph %q", id)
		}
		graphID = g.ID
	case argString(args, "graph_name", "name") != "":
		name := argString(args, "graph_name", "name")
		if g := snap.GraphByName(name); g != nil {
			graphID = g.ID
		} else {
			ops = append(ops, models.NewCreateGraphOp(name))
			graphID = models.NewGraphPlaceholderPrefix + name
		}
	default:
		g := snap.ActiveGraph()
		if g == nil {
			return "", nil, errors.New("no target graph")
		}
		graphID = g.ID
	}

	// Prototypes are reused from the store first, then from earlier nodes
	// in the same batch.
	createdProtos := map[string]string{} // normalized name -> prototype id
	instanceIDs := map[string]string{}   // normalized name -> instance id
	for i, spec := range specs {
		key := models.NormalizeName(spec.name)
		protoID := ""
		if p := snap.PrototypeByName(spec.name); p != nil {
			protoID = p.ID
		} else if id, ok := createdProtos[key]; ok {
			protoID = id
		} else {
			color := spec.color
			if color == "" {
				color = DefaultNodeColor
			}
			protoOp := models.NewAddPrototypeOp(spec.name, color, "")
			ops = append(ops, protoOp)
			protoID, _ = protoOp.PrototypeData["id"].(string)
			createdProtos[key] = protoID
		}

		pos := spec.position(i, len(specs))
		instOp := models.NewAddInstanceOp(graphID, protoID, pos)
		ops = append(ops, instOp)
		instanceIDs[key] = instOp.InstanceID
	}

	for _, es := range edgeSpecs(args["edges"]) {
		src := resolveInstance(&snap, graphID, instanceIDs, es.source)
		dst := resolveInstance(&snap, graphID, instanceIDs, es.target)
		if src == "" || dst == "" {
			e.logger.Warn("Skipping edge with unresolved endpoint",
				"source", es.source,
				"target", es.target)
			continue
		}
		ops = append(ops, models.NewAddEdgeOp(graphID, src, dst, es.label))
	}
	return graphID, ops, nil
}

func (e *TaskExecutor) searchNodes(snap models.ProjectedStore, args map[string]any) (map[string]any, error) {
	q := argString(args, "query", "q")
	if q == "" {
		return nil, errors.New("search_nodes requires a query")
	}
	results, err := search.Search(snap, search.Query{
		Q:     q,
		Scope: argString(args, "scope"),
		Limit: int(argFloat(args, "limit")),
		Fuzzy: argBool(args, "fuzzy"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"query":   q,
		"count":   len(results),
		"results": results,
	}, nil
}

// targetGraph resolves the graph a task operates on: explicit id, then
// explicit name, then the active graph.
func targetGraph(snap *models.ProjectedStore, args map[string]any) (*models.Graph, error) {
	if id := argString(args, "graph_id", "graphId"); id != "" {
		if g := snap.GraphByID(id); g != nil {
			return g, nil
		}
		return nil, fmt.Errorf("unknown graph %q", id)
	}
	if name := argString(args, "graph_name", "graphName"); name != "" {
		if g := snap.GraphByName(name); g != nil {
			return g, nil
		}
		return nil, fmt.Errorf("unknown graph %q", name)
	}
	if g := snap.ActiveGraph(); g != nil {
		return g, nil
	}
	return nil, errors.New("no target graph")
}

// resolveInstance maps a node name to an instance id, preferring instances
// created in the current batch over pre-existing ones.
func resolveInstance(snap *models.ProjectedStore, graphID string, created map[string]string, name string) string {
	key := models.NormalizeName(name)
	if id, ok := created[key]; ok {
		return id
	}
	g := snap.GraphByID(graphID)
	if g == nil {
		return ""
	}
	for _, inst := range g.Instances {
		p := snap.PrototypeByID(inst.PrototypeID)
		if p != nil && models.NormalizeName(p.Name) == key {
			return inst.ID
		}
	}
	return ""
}

// nodeSpec is one planner-supplied node description.
type nodeSpec struct {
	name   string
	color  string
	x, y   float64
	hasPos bool
}

// position returns the node's canvas position: explicit coordinates are
// clamped, everything else spreads over the ring.
func (n nodeSpec) position(index, total int) models.Position {
	if n.hasPos {
		return ClampPosition(n.x, n.y)
	}
	return RingPosition(index, total)
}

func nodeSpecs(v any) []nodeSpec {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]nodeSpec, 0, len(list))
	for _, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		name := argString(m, "name")
		if name == "" {
			continue
		}
		spec := nodeSpec{name: name, color: argString(m, "color")}
		x, xok := lookupFloat(m, "x")
		y, yok := lookupFloat(m, "y")
		if xok && yok {
			spec.x, spec.y, spec.hasPos = x, y, true
		}
		out = append(out, spec)
	}
	return out
}

// edgeSpec is one planner-supplied edge description.
type edgeSpec struct {
	source string
	target string
	label  string
}

func edgeSpecs(v any) []edgeSpec {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]edgeSpec, 0, len(list))
	for _, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		es := edgeSpec{
			source: argString(m, "source", "from"),
			target: argString(m, "target", "to"),
			label:  argString(m, "type", "label", "name"),
		}
		if es.source == "" || es.target == "" {
			continue
		}
		out = append(out, es)
	}
	return out
}

// placement picks a position from explicit args or the ring fallback.
func placement(args map[string]any, index, total int) models.Position {
	x, xok := lookupFloat(args, "x")
	y, yok := lookupFloat(args, "y")
	if xok && yok {
		return ClampPosition(x, y)
	}
	return RingPosition(index, total)
}

// ClampPosition keeps explicit coordinates on the visible canvas.
func ClampPosition(x, y float64) models.Position {
	return models.Position{
		X: math.Max(x, MinNodeX),
		Y: math.Max(y, MinNodeY),
	}
}

// RingPosition places node index of total on a ring around the canvas
// center.
func RingPosition(index, total int) models.Position {
	if total < 1 {
		total = 1
	}
	angle := 2 * math.Pi * float64(index) / float64(total)
	return models.Position{
		X: RingX + RingRadius*math.Cos(angle),
		Y: RingY + RingRadius*math.Sin(angle),
	}
}

// mutates reports whether any op is a UI mutation.
func mutates(ops []models.Op) bool {
	for _, op := range ops {
		if !op.IsRead() {
			return true
		}
	}
	return false
}

// metaFromArgs copies the reserved continuation keys from task args into
// patch meta.
func metaFromArgs(args map[string]any) map[string]any {
	var meta map[string]any
	for _, k := range metaKeys {
		v, ok := args[k]
		if !ok {
			continue
		}
		if meta == nil {
			meta = make(map[string]any, len(metaKeys))
		}
		meta[k] = v
	}
	return meta
}

// argString returns the first non-empty string among the given keys.
func argString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := args[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// argFloat returns the numeric value under key, or 0.
func argFloat(args map[string]any, key string) float64 {
	f, _ := lookupFloat(args, key)
	return f
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// lookupFloat reads a numeric argument. JSON decoding produces float64;
// in-process callers may pass Go ints.
func lookupFloat(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
