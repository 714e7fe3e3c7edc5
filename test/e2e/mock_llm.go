package e2e

import (
	"context"
	"fmt"
	"sync"

	"github.com/spindlework/graphloom/pkg/llm"
)

// LLMScriptEntry is one scripted planner/reply completion.
type LLMScriptEntry struct {
	Text  string
	Err   error
	Block <-chan struct{} // when set, Complete waits for close or ctx
}

// ScriptedLLMClient implements llm.Client with a fixed response script,
// consumed in call order. Requests are captured for assertions.
type ScriptedLLMClient struct {
	mu       sync.Mutex
	script   []LLMScriptEntry
	index    int
	requests []llm.Request
}

// NewScriptedLLMClient creates an empty script.
func NewScriptedLLMClient() *ScriptedLLMClient {
	return &ScriptedLLMClient{}
}

// Add appends entries to the script.
func (c *ScriptedLLMClient) Add(entries ...LLMScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, entries...)
}

// AddText appends plain-text replies.
func (c *ScriptedLLMClient) AddText(texts ...string) {
	for _, t := range texts {
		c.Add(LLMScriptEntry{Text: t})
	}
}

// Complete implements llm.Client.
func (c *ScriptedLLMClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if c.index >= len(c.script) {
		c.mu.Unlock()
		return "", fmt.Errorf("scripted LLM exhausted after %d calls", c.index)
	}
	entry := c.script[c.index]
	c.index++
	c.mu.Unlock()

	if entry.Block != nil {
		select {
		case <-entry.Block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return entry.Text, entry.Err
}

// Provider implements llm.Client.
func (c *ScriptedLLMClient) Provider() string { return "scripted" }

// Requests returns a copy of every captured request.
func (c *ScriptedLLMClient) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Calls returns how many completions were consumed.
func (c *ScriptedLLMClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}
