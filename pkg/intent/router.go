// Package intent converts chat turns into answers, pending actions, or
// goal DAGs. It is the only component that talks to the LLM on the
// request path; everything it queues is stamped with a per-turn
// correlation id.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spindlework/graphloom/pkg/config"
	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/llm"
	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/pending"
	"github.com/spindlework/graphloom/pkg/queue"
	"github.com/spindlework/graphloom/pkg/scheduler"
	"github.com/spindlework/graphloom/pkg/store"
	"github.com/spindlework/graphloom/pkg/telemetry"
)

// fallbackReply is returned when the model stays empty after a retry.
const fallbackReply = "What will we make today?"

// maxContinuations bounds the auto-chain so a chatty model cannot loop
// the committer and the router forever.
const maxContinuations = 3

// ClientFactory builds an LLM client per turn, so tests can substitute a
// fake without an HTTP server.
type ClientFactory func(opts llm.Options) (llm.Client, error)

// Request is one chat or agent turn.
type Request struct {
	Message       string
	SystemPrompt  string
	Model         string
	APIKey        string
	APIConfig     map[string]any
	ActiveGraphID string
	ThreadID      string
}

// AgentResult is the agent endpoint's response body.
type AgentResult struct {
	Success   bool       `json:"success"`
	Response  string     `json:"response"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	CID       string     `json:"cid"`
	GoalID    string     `json:"goalId,omitempty"`
}

// ContinueRequest is the committer's auto-chain callback payload.
type ContinueRequest struct {
	CID        string
	ThreadID   string
	APIKey     string
	APIConfig  map[string]any
	ReadResult any
	GraphState any
	Iteration  int
}

// Router is the intent router.
type Router struct {
	cfg       config.IntentConfig
	searchCfg config.SearchConfig
	queues    *queue.Manager
	pendings  *pending.Store
	stores    *store.Holder
	tel       *telemetry.Ring
	events    *eventlog.Log
	sched     *scheduler.Scheduler
	newClient ClientFactory
	logger    *slog.Logger
}

func NewRouter(cfg config.IntentConfig, searchCfg config.SearchConfig, queues *queue.Manager, pendings *pending.Store, stores *store.Holder, tel *telemetry.Ring, events *eventlog.Log, sched *scheduler.Scheduler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:       cfg,
		searchCfg: searchCfg,
		queues:    queues,
		pendings:  pendings,
		stores:    stores,
		tel:       tel,
		events:    events,
		sched:     sched,
		newClient: llm.New,
		logger:    logger.With("component", "intent"),
	}
}

// SetClientFactory replaces the LLM client constructor. Tests use this to
// inject fakes; production keeps the default.
func (r *Router) SetClientFactory(fn ClientFactory) {
	if fn != nil {
		r.newClient = fn
	}
}

// HandleChat is the conversational path: one reply call, one retry at low
// temperature on empty, then the canned fallback.
func (r *Router) HandleChat(ctx context.Context, req Request) (string, error) {
	client, err := r.client(req)
	if err != nil {
		return "", err
	}
	cid := models.NewCorrelationID()
	r.tel.RecordChat("user", req.Message, cid)

	text, err := r.reply(ctx, client, req)
	if err != nil {
		return "", err
	}
	r.tel.RecordChat("agent", text, cid)
	return text, nil
}

// HandleAgent is the intent-routed path: heuristic side-paths first (when
// the legacy fast-path is enabled), then planner call, intent resolution,
// and dispatch.
func (r *Router) HandleAgent(ctx context.Context, req Request) (AgentResult, error) {
	cid := models.NewCorrelationID()
	if req.ThreadID == "" {
		req.ThreadID = cid
	}
	r.tel.Record(telemetry.TypeAgentRequest, cid, map[string]any{
		"message":         req.Message,
		"resolvedGraphId": req.ActiveGraphID,
	})
	r.tel.RecordChat("user", req.Message, cid)
	r.events.Append(eventlog.TypeChat, map[string]any{"role": "user", "text": req.Message, "cid": cid})

	if r.cfg.LegacyUIOpsEnabled() {
		if res, ok := r.tryHeuristics(req, cid); ok {
			return r.finish(res), nil
		}
	}

	client, err := r.client(req)
	if err != nil {
		return AgentResult{}, err
	}

	plan, err := r.plan(ctx, client, req)
	if err != nil {
		r.tel.Record(telemetry.TypeAgentPlan, cid, map[string]any{
			"error": err.Error(),
		})
		return AgentResult{}, err
	}
	r.tel.Record(telemetry.TypeAgentPlan, cid, map[string]any{
		"intent":    plan.Intent,
		"hasSpec":   plan.GraphSpec != nil && len(plan.GraphSpec.Nodes) > 0,
		"toolCalls": len(plan.ToolCalls),
	})

	resolved, flags := resolveIntent(plan.Intent, req.Message)
	r.tel.Record(telemetry.TypeIntentResolution, cid, map[string]any{
		"original": plan.Intent,
		"resolved": resolved,
		"flags":    flags,
	})

	switch resolved {
	case IntentCreateGraph:
		return r.finish(r.dispatchCreateGraph(plan, req, cid)), nil
	case IntentAnalyze:
		return r.finish(r.dispatchAnalyze(req, cid)), nil
	case IntentCreateNode:
		return r.finish(r.dispatchCreateNode(plan, req, cid)), nil
	default:
		res, err := r.dispatchQA(ctx, client, plan, req, cid)
		if err != nil {
			return AgentResult{}, err
		}
		return r.finish(res), nil
	}
}

// Continue handles one auto-chain step: summarize the read result or the
// graph state back through the model and post the answer as chat.
func (r *Router) Continue(ctx context.Context, req ContinueRequest) (string, error) {
	if req.Iteration > maxContinuations {
		r.logger.Debug("Continuation cap reached", "cid", req.CID, "iteration", req.Iteration)
		return "", nil
	}
	client, err := r.client(Request{APIKey: req.APIKey, APIConfig: req.APIConfig})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Here is the latest result from the graph editor. Summarize it for the user in one or two sentences, and suggest one next step if useful.\n")
	if req.ReadResult != nil {
		raw, _ := json.Marshal(req.ReadResult)
		fmt.Fprintf(&sb, "Read result: %s\n", raw)
	}
	if req.GraphState != nil {
		raw, _ := json.Marshal(req.GraphState)
		fmt.Fprintf(&sb, "Graph state: %s\n", raw)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	text, err := client.Complete(ctx, llm.Request{System: replyPrompt, User: sb.String()})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	r.tel.RecordChat("agent", text, req.CID)
	r.events.Append(eventlog.TypeChat, map[string]any{"role": "agent", "text": text, "cid": req.CID})
	return text, nil
}

// plan runs the planner call: strict JSON, one stricter retry, then the
// regex heuristic classifier.
func (r *Router) plan(ctx context.Context, client llm.Client, req Request) (Plan, error) {
	system := buildSystemPrompt(req.SystemPrompt)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout())
	text, err := client.Complete(callCtx, llm.Request{System: system, User: req.Message, Model: req.Model})
	cancel()
	if err != nil {
		return Plan{}, err
	}
	if plan, perr := parsePlan(text); perr == nil {
		return plan, nil
	}

	callCtx, cancel = context.WithTimeout(ctx, r.timeout())
	text, err = client.Complete(callCtx, llm.Request{
		System: system + "\n\n" + stricterSuffix,
		User:   req.Message,
		Model:  req.Model,
	})
	cancel()
	if err != nil {
		return Plan{}, err
	}
	if plan, perr := parsePlan(text); perr == nil {
		return plan, nil
	}

	r.logger.Warn("Planner reply unparseable twice, using heuristic classifier")
	return heuristicPlan(req.Message), nil
}

// reply runs the conversational call with the empty-reply retry.
func (r *Router) reply(ctx context.Context, client llm.Client, req Request) (string, error) {
	system := replyPrompt
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		system += "\n\n" + s
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout())
	text, err := client.Complete(callCtx, llm.Request{System: system, User: req.Message, Model: req.Model})
	cancel()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	lowTemp := 0.2
	callCtx, cancel = context.WithTimeout(ctx, r.timeout())
	text, err = client.Complete(callCtx, llm.Request{
		System:      system,
		User:        req.Message,
		Model:       req.Model,
		MaxTokens:   256,
		Temperature: &lowTemp,
	})
	cancel()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		return text, nil
	}
	return fallbackReply, nil
}

func (r *Router) dispatchQA(ctx context.Context, client llm.Client, plan Plan, req Request, cid string) (AgentResult, error) {
	text := strings.TrimSpace(plan.Response)
	if text == "" {
		var err error
		text, err = r.reply(ctx, client, req)
		if err != nil {
			return AgentResult{}, err
		}
	}
	if asksStatus(req.Message) {
		if summary := r.statusSummary(req.ActiveGraphID); summary != "" {
			text += "\n\n" + summary
		}
	}
	return AgentResult{
		Success:   true,
		Response:  text,
		ToolCalls: []ToolCall{{Name: models.ToolVerifyState}},
		CID:       cid,
	}, nil
}

func (r *Router) dispatchCreateGraph(plan Plan, req Request, cid string) AgentResult {
	name := ""
	if plan.Graph != nil {
		name = strings.TrimSpace(plan.Graph.Name)
	}
	if name == "" {
		name = firstQuoted(req.Message)
	}
	if name == "" {
		name = "Untitled Graph"
	}

	goal := models.Goal{
		ID:        models.NewID("goal"),
		Type:      "goal",
		Goal:      models.GoalCreateGraph,
		ThreadID:  req.ThreadID,
		CID:       cid,
		CreatedAt: time.Now().UnixMilli(),
		DAG: []models.TaskSpec{
			{ToolName: models.ToolCreateGraph, Args: map[string]any{"name": name}},
		},
	}
	r.enqueueGoal(goal, cid)
	return AgentResult{
		Success:  true,
		Response: fmt.Sprintf("Okay! I queued creation of graph %q.", name),
		CID:      cid,
		GoalID:   goal.ID,
	}
}

func (r *Router) dispatchAnalyze(req Request, cid string) AgentResult {
	args := map[string]any{}
	snap, _ := r.stores.Snapshot()
	target := snap.GraphByID(req.ActiveGraphID)
	if target == nil {
		target = snap.ActiveGraph()
	}
	if target != nil {
		args["graph_id"] = target.ID
		args["graph"] = target.Name
	}

	goal := models.Goal{
		ID:        models.NewID("goal"),
		Type:      "goal",
		Goal:      models.GoalAnalyzeGraph,
		ThreadID:  req.ThreadID,
		CID:       cid,
		CreatedAt: time.Now().UnixMilli(),
		DAG: []models.TaskSpec{
			{ID: "t1", ToolName: models.ToolVerifyState},
			{ID: "t2", ToolName: models.ToolListAvailableGraphs},
			{ID: "t3", ToolName: models.ToolGetGraphInstances, Args: args},
			{ID: "t4", ToolName: models.ToolIdentifyPatterns, Args: args, DependsOn: []string{"t3"}},
		},
	}
	r.enqueueGoal(goal, cid)
	return AgentResult{
		Success:  true,
		Response: "Okay! I queued an analysis of the current graphs.",
		CID:      cid,
		GoalID:   goal.ID,
	}
}

func (r *Router) dispatchCreateNode(plan Plan, req Request, cid string) AgentResult {
	spec := plan.GraphSpec
	if spec == nil || len(spec.Nodes) == 0 {
		if plan.Node != nil && strings.TrimSpace(plan.Node.Name) != "" {
			spec = &GraphSpec{Nodes: []NodeSpec{{
				Name:  plan.Node.Name,
				Color: plan.Node.Color,
				X:     plan.Node.X,
				Y:     plan.Node.Y,
			}}}
		}
	}
	if spec == nil || len(spec.Nodes) == 0 {
		return AgentResult{
			Success:  true,
			Response: "What should the new node be called?",
			CID:      cid,
		}
	}

	snap, hasStore := r.stores.Snapshot()
	var target *models.Graph
	if plan.Graph != nil && plan.Graph.Name != "" {
		target = snap.GraphByName(plan.Graph.Name)
	}
	if target == nil {
		target = snap.GraphByID(req.ActiveGraphID)
	}
	if target == nil && hasStore {
		target = snap.ActiveGraph()
	}
	if target == nil {
		return AgentResult{
			Success:  true,
			Response: "Which graph should these go into? Open one or name it and I'll place them.",
			CID:      cid,
		}
	}

	if !r.cfg.LegacyUIOpsEnabled() {
		return r.enqueueGraphSpecGoal(target, spec, req, cid)
	}

	response, toolCalls := r.executeGraphSpec(snap, target, *spec, cid)
	return AgentResult{
		Success:   true,
		Response:  response,
		ToolCalls: toolCalls,
		CID:       cid,
	}
}

// enqueueGraphSpecGoal routes a graphSpec through the scheduler DAG
// instead of the direct pending-action fast-path.
func (r *Router) enqueueGraphSpecGoal(target *models.Graph, spec *GraphSpec, req Request, cid string) AgentResult {
	nodes := make([]any, 0, len(spec.Nodes))
	for _, n := range spec.Nodes {
		node := map[string]any{"name": n.Name}
		if n.Color != "" {
			node["color"] = n.Color
		}
		if n.X != nil && n.Y != nil {
			node["x"], node["y"] = *n.X, *n.Y
		}
		nodes = append(nodes, node)
	}
	edges := make([]any, 0, len(spec.Edges))
	for _, e := range spec.Edges {
		edges = append(edges, map[string]any{"source": e.Source, "target": e.Target, "type": e.Type})
	}

	goal := models.Goal{
		ID:        models.NewID("goal"),
		Type:      "goal",
		Goal:      models.GoalPopulateGraph,
		ThreadID:  req.ThreadID,
		CID:       cid,
		CreatedAt: time.Now().UnixMilli(),
		DAG: []models.TaskSpec{{
			ToolName: models.ToolCreateSubgraph,
			Args:     map[string]any{"graph_id": target.ID, "nodes": nodes, "edges": edges},
		}},
	}
	r.enqueueGoal(goal, cid)
	return AgentResult{
		Success:  true,
		Response: fmt.Sprintf("Okay! I queued %d node(s) for %q.", len(spec.Nodes), target.Name),
		CID:      cid,
		GoalID:   goal.ID,
	}
}

func (r *Router) enqueueGoal(goal models.Goal, cid string) {
	r.queues.Enqueue(queue.GoalQueue, goal, goal.ThreadID)
	r.events.Append(eventlog.TypeGoalEnqueued, map[string]any{
		"goalId": goal.ID,
		"goal":   goal.Goal,
		"steps":  len(goal.DAG),
		"cid":    cid,
	})
	r.sched.EnsureStarted()
	r.tel.Record(telemetry.TypeAgentQueued, cid, map[string]any{
		"queued": []string{goal.ID},
		"goal":   goal.Goal,
	})
}

// finish stamps the agent_answer telemetry and the chat transcript on the
// way out. Every dispatch path funnels through here.
func (r *Router) finish(res AgentResult) AgentResult {
	if res.Response != "" {
		r.tel.Record(telemetry.TypeAgentAnswer, res.CID, map[string]any{"text": res.Response})
		r.tel.RecordChat("agent", res.Response, res.CID)
		r.events.Append(eventlog.TypeChat, map[string]any{"role": "agent", "text": res.Response, "cid": res.CID})
	}
	return res
}

// statusSummary renders instance counts per prototype for the active
// graph, top ten by count.
func (r *Router) statusSummary(activeGraphID string) string {
	snap, has := r.stores.Snapshot()
	if !has {
		return ""
	}
	g := snap.GraphByID(activeGraphID)
	if g == nil {
		g = snap.ActiveGraph()
	}
	if g == nil {
		return fmt.Sprintf("There are %d graph(s) and %d prototype(s) in total.", len(snap.Graphs), len(snap.NodePrototypes))
	}

	counts := make(map[string]int)
	for _, inst := range g.Instances {
		name := inst.PrototypeID
		if p := snap.PrototypeByID(inst.PrototypeID); p != nil {
			name = p.Name
		}
		counts[name]++
	}
	type pair struct {
		name  string
		count int
	}
	pairs := make([]pair, 0, len(counts))
	for name, count := range counts {
		pairs = append(pairs, pair{name, count})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].count > pairs[j].count })
	if len(pairs) > 10 {
		pairs = pairs[:10]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %q has %d instance(s)", g.Name, g.NodeCount())
	if len(pairs) > 0 {
		sb.WriteString(":")
		for _, p := range pairs {
			fmt.Fprintf(&sb, "\n- %s: %d", p.name, p.count)
		}
	} else {
		sb.WriteString(".")
	}
	return sb.String()
}

// client builds the per-turn LLM client, honoring an explicit provider in
// apiConfig and the key-shape default otherwise.
func (r *Router) client(req Request) (llm.Client, error) {
	provider := r.cfg.Provider
	model := req.Model
	baseURL := ""
	if req.APIConfig != nil {
		if p, ok := req.APIConfig["provider"].(string); ok && p != "" {
			provider = p
		}
		if m, ok := req.APIConfig["model"].(string); ok && model == "" {
			model = m
		}
		if u, ok := req.APIConfig["baseUrl"].(string); ok && u != "" {
			baseURL = u
		}
	}
	if model == "" {
		model = r.cfg.Model
	}
	if baseURL == "" {
		switch llm.SelectProvider(provider, req.APIKey) {
		case llm.ProviderAnthropic:
			baseURL = r.cfg.AnthropicBaseURL
		default:
			baseURL = r.cfg.OpenRouterBaseURL
		}
	}
	return r.newClient(llm.Options{
		Provider: provider,
		APIKey:   req.APIKey,
		BaseURL:  baseURL,
		Model:    model,
		Timeout:  r.timeout(),
		Logger:   r.logger,
	})
}

func (r *Router) timeout() time.Duration {
	if d := r.cfg.Timeout(); d > 0 {
		return d
	}
	return llm.DefaultTimeout
}

// asksStatus detects the "how is it going" family of questions.
func asksStatus(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "status") || strings.Contains(m, "overview") ||
		strings.Contains(m, "summary") || strings.Contains(m, "what do we have")
}
