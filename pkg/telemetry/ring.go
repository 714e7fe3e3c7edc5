// Package telemetry provides the bounded, correlation-tagged trace ring.
// Every boundary write in the pipeline records an entry; the HTTP surface
// serves filtered snapshots and an SSE tail over it.
package telemetry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Entry types recorded by the pipeline.
const (
	TypeBridgeState      = "bridge_state"
	TypeToolCall         = "tool_call"
	TypeAgentPlan        = "agent_plan"
	TypeAgentAnswer      = "agent_answer"
	TypeAgentQueued      = "agent_queued"
	TypeActionFeedback   = "action_feedback"
	TypeIntentResolution = "intent_resolution"
	TypeChat             = "chat"
	TypeAgentRequest     = "agent_request"
)

// Tool-call status values. For a given action id the transitions are
// monotone: queued → leased → completed|failed.
const (
	StatusQueued    = "queued"
	StatusLeased    = "leased"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultCapacity bounds the ring.
const DefaultCapacity = 10000

// DefaultChatCapacity bounds the mirrored chat transcript.
const DefaultChatCapacity = 500

// Entry is one telemetry record: {seq, ts, type, cid?, …fields}.
type Entry struct {
	Seq    int64          `json:"seq"`
	TS     int64          `json:"ts"` // epoch millis
	Type   string         `json:"type"`
	CID    string         `json:"cid,omitempty"`
	Fields map[string]any `json:"-"`
}

// MarshalJSON flattens Fields next to the envelope keys; envelope wins.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["seq"] = e.Seq
	out["ts"] = e.TS
	out["type"] = e.Type
	if e.CID != "" {
		out["cid"] = e.CID
	}
	return json.Marshal(out)
}

// ChatMessage is one line of the mirrored chat transcript.
type ChatMessage struct {
	TS   int64  `json:"ts"`
	Role string `json:"role"` // "user" | "agent" | "system"
	Text string `json:"text"`
	CID  string `json:"cid,omitempty"`
}

// Subscriber receives every entry recorded after Subscribe returns.
type Subscriber func(Entry)

// Filter selects entries for snapshot reads. Zero values match everything.
type Filter struct {
	CID      string
	Type     string
	Limit    int   // max entries returned, newest kept; <=0 means all
	SinceSeq int64 // only entries with Seq > SinceSeq
}

// Ring is the bounded telemetry store. Safe for concurrent use.
type Ring struct {
	mu       sync.Mutex
	entries  []Entry
	seq      int64
	capacity int

	chat    []ChatMessage
	chatCap int

	subs    map[int]Subscriber
	nextSub int
}

// New creates a Ring with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		capacity: capacity,
		chatCap:  DefaultChatCapacity,
		subs:     make(map[int]Subscriber),
	}
}

// Record appends an entry and fans it out. cid may be empty.
func (r *Ring) Record(entryType, cid string, fields map[string]any) Entry {
	r.mu.Lock()
	r.seq++
	e := Entry{
		Seq:    r.seq,
		TS:     time.Now().UnixMilli(),
		Type:   entryType,
		CID:    cid,
		Fields: fields,
	}
	r.entries = append(r.entries, e)
	if len(r.entries) > r.capacity {
		trimmed := make([]Entry, r.capacity)
		copy(trimmed, r.entries[len(r.entries)-r.capacity:])
		r.entries = trimmed
	}
	subs := make([]Subscriber, 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		deliver(fn, e)
	}
	return e
}

func deliver(fn Subscriber, e Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("Telemetry subscriber panicked", "type", e.Type, "panic", rec)
		}
	}()
	fn(e)
}

// RecordChat records a chat telemetry entry and mirrors it into the
// transcript returned by /api/bridge/telemetry.
func (r *Ring) RecordChat(role, text, cid string) Entry {
	e := r.Record(TypeChat, cid, map[string]any{"role": role, "text": text})

	r.mu.Lock()
	r.chat = append(r.chat, ChatMessage{TS: e.TS, Role: role, Text: text, CID: cid})
	if len(r.chat) > r.chatCap {
		trimmed := make([]ChatMessage, r.chatCap)
		copy(trimmed, r.chat[len(r.chat)-r.chatCap:])
		r.chat = trimmed
	}
	r.mu.Unlock()
	return e
}

// RestoreChat re-seeds the transcript without re-recording telemetry.
// Used at startup to rehydrate chat from replayed event log entries.
func (r *Ring) RestoreChat(msgs []ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat = append(r.chat, msgs...)
	if len(r.chat) > r.chatCap {
		trimmed := make([]ChatMessage, r.chatCap)
		copy(trimmed, r.chat[len(r.chat)-r.chatCap:])
		r.chat = trimmed
	}
}

// Chat returns a copy of the transcript, oldest first.
func (r *Ring) Chat() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChatMessage, len(r.chat))
	copy(out, r.chat)
	return out
}

// Subscribe registers a live callback and returns an unsubscribe function.
func (r *Ring) Subscribe(fn Subscriber) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Query returns retained entries matching the filter, oldest first.
func (r *Ring) Query(f Filter) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Seq <= f.SinceSeq {
			continue
		}
		if f.CID != "" && e.CID != f.CID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Seq returns the most recent sequence number (0 when empty).
func (r *Ring) Seq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}
