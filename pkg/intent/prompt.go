package intent

import "strings"

// hiddenPolicyPrompt is never echoed back to the UI. It pins the planner
// to the strict JSON contract and the domain vocabulary.
const hiddenPolicyPrompt = `You are the planning assistant of a visual knowledge-graph editor.
You receive one user message per turn and decide what the editor should do.
Always answer with STRICT JSON, no prose before or after, of the form:
{"intent":"qa"|"create_graph"|"create_node"|"analyze",
 "response":"short text for the user",
 "questions":["..."],
 "graph":{"name":"..."},
 "node":{"name":"...","x":0,"y":0,"color":"#rrggbb"},
 "graphSpec":{"nodes":[{"name":"...","color":"#rrggbb","x":0,"y":0}],
              "edges":[{"source":"...","target":"...","type":"..."}]},
 "toolCalls":[{"name":"...","args":{}}]}
Omit keys you have nothing for. Use "qa" for questions and conversation,
"create_graph" only when the user wants a new graph, "create_node" when the
user wants concepts placed in an existing graph, and "analyze" for requests
to inspect or summarize existing graphs. When the user names several related
concepts, prefer a graphSpec with nodes and edges over single-node output.`

// domainGlossary defines the five nouns the planner may rely on.
const domainGlossary = `Vocabulary:
- Graph: a named workspace containing node instances and edges.
- Prototype: a reusable concept definition (name, color, optional definition graph).
- Instance: a placed occurrence of a prototype in one graph, with x/y position.
- Edge: a connection between instances; arrowsToward lists the instance ids the arrowheads point at.
- Definition Graph: a graph that elaborates a prototype's internal structure.`

// stricterSuffix is appended on the parse-failure retry.
const stricterSuffix = `Your previous answer was not valid JSON.
Reply with ONLY the JSON object. No markdown fences, no commentary.`

// replyPrompt drives the conversational second call.
const replyPrompt = `You are the assistant of a visual knowledge-graph editor.
Answer the user's message with one concise, friendly sentence or two.
Never return an empty answer.`

// buildSystemPrompt concatenates the hidden policy prompt, the glossary,
// and the caller's optional system prompt.
func buildSystemPrompt(userPrompt string) string {
	parts := []string{hiddenPolicyPrompt, domainGlossary}
	if s := strings.TrimSpace(userPrompt); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n")
}
