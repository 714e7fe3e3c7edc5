package intent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Intent tags the planner may return.
const (
	IntentQA          = "qa"
	IntentCreateGraph = "create_graph"
	IntentCreateNode  = "create_node"
	IntentAnalyze     = "analyze"
)

// Plan is the planner call's strict-JSON contract.
type Plan struct {
	Intent    string     `json:"intent"`
	Response  string     `json:"response,omitempty"`
	Questions []string   `json:"questions,omitempty"`
	Graph     *GraphRef  `json:"graph,omitempty"`
	Node      *NodePlan  `json:"node,omitempty"`
	GraphSpec *GraphSpec `json:"graphSpec,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

type GraphRef struct {
	Name string `json:"name,omitempty"`
}

type NodePlan struct {
	Name  string   `json:"name,omitempty"`
	X     *float64 `json:"x,omitempty"`
	Y     *float64 `json:"y,omitempty"`
	Color string   `json:"color,omitempty"`
}

// GraphSpec is the multi-node creation payload.
type GraphSpec struct {
	Nodes []NodeSpec `json:"nodes,omitempty"`
	Edges []EdgeSpec `json:"edges,omitempty"`
}

type NodeSpec struct {
	Name  string   `json:"name"`
	Color string   `json:"color,omitempty"`
	X     *float64 `json:"x,omitempty"`
	Y     *float64 `json:"y,omitempty"`
}

type EdgeSpec struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type,omitempty"`
}

// ToolCall names a tool the agent invoked or recommends.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// parsePlan decodes the planner's reply, tolerating markdown fences and
// leading/trailing prose around the JSON object.
func parsePlan(text string) (Plan, error) {
	var plan Plan
	raw := extractJSON(text)
	if raw == "" {
		return plan, fmt.Errorf("no JSON object in planner reply")
	}
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return plan, fmt.Errorf("planner reply is not valid JSON: %w", err)
	}
	plan.Intent = strings.ToLower(strings.TrimSpace(plan.Intent))
	switch plan.Intent {
	case IntentQA, IntentCreateGraph, IntentCreateNode, IntentAnalyze:
		return plan, nil
	}
	return plan, fmt.Errorf("planner returned unknown intent %q", plan.Intent)
}

// extractJSON strips code fences and returns the outermost {...} span.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// Heuristic classifier vocabulary, used when the planner cannot produce
// valid JSON after a retry.
var (
	creationVerbs = regexp.MustCompile(`(?i)\b(add|create|make|place|insert|spawn|new)\b`)
	graphNouns    = regexp.MustCompile(`(?i)\b(graphs?|perspectives?|views?)\b`)
	nodeNouns     = regexp.MustCompile(`(?i)\b(nodes?|concepts?|things?|ideas?)\b`)

	// explicit "create/make/new <graph noun>" phrase, with optional words
	// in between ("create me a new graph").
	graphVerbPhrase = regexp.MustCompile(`(?i)\b(add|create|make|new)\b[^.!?]{0,24}\b(graph|perspective|view)\b`)

	quotedName = regexp.MustCompile(`["“”']([^"“”']+)["“”']`)
)

// heuristicPlan classifies a message without the model: creation verbs
// plus graph nouns mean create_graph, plus node nouns create_node,
// anything else qa.
func heuristicPlan(message string) Plan {
	plan := Plan{Intent: IntentQA}
	if !creationVerbs.MatchString(message) {
		return plan
	}
	switch {
	case graphNouns.MatchString(message):
		plan.Intent = IntentCreateGraph
		plan.Graph = &GraphRef{Name: firstQuoted(message)}
	case nodeNouns.MatchString(message):
		plan.Intent = IntentCreateNode
		if name := firstQuoted(message); name != "" {
			plan.Node = &NodePlan{Name: name}
		}
	}
	return plan
}

// resolveIntent applies the post-hoc overrides: a create_graph plan for a
// message that talks about nodes without an explicit graph phrase is
// demoted to create_node, and the reverse promotion for explicit graph
// phrases. Returns the resolved intent plus the override flags applied.
func resolveIntent(planned string, message string) (string, []string) {
	var flags []string
	resolved := planned
	switch planned {
	case IntentCreateGraph:
		if nodeNouns.MatchString(message) && !graphVerbPhrase.MatchString(message) {
			resolved = IntentCreateNode
			flags = append(flags, "node_noun_demotion")
		}
	case IntentCreateNode:
		if graphVerbPhrase.MatchString(message) {
			resolved = IntentCreateGraph
			flags = append(flags, "graph_verb_promotion")
		}
	}
	return resolved, flags
}

// firstQuoted returns the first quoted span of the message, or "".
func firstQuoted(message string) string {
	if m := quotedName.FindStringSubmatch(message); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
