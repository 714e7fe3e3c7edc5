// Package eventlog provides the append-only in-memory event log with
// subscriber fan-out. Every boundary crossing of the pipeline appends one
// entry; SSE handlers subscribe for live delivery and replay the tail for
// late joiners.
package eventlog

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Entry types. These are the coarse pipeline milestones; fine-grained
// correlation data lives in the telemetry ring instead.
const (
	TypeGoalEnqueued           = "GOAL_ENQUEUED"
	TypeTaskEnqueued           = "TASK_ENQUEUED"
	TypeTaskFailed             = "TASK_FAILED"
	TypePatchSubmitted         = "PATCH_SUBMITTED"
	TypeReviewEnqueued         = "REVIEW_ENQUEUED"
	TypePatchApplied           = "PATCH_APPLIED"
	TypePatchRejected          = "PATCH_REJECTED"
	TypePendingActionsEnqueued = "PENDING_ACTIONS_ENQUEUED"
	TypeTelemetry              = "TELEMETRY"
	TypeChat                   = "CHAT"
)

// DefaultCapacity bounds the ring; the oldest entries are trimmed beyond it.
const DefaultCapacity = 5000

// Entry is one event log record: {seq, ts, type, …fields}. Fields are
// flattened into the JSON object next to the envelope keys.
type Entry struct {
	Seq    int64          `json:"seq"`
	TS     int64          `json:"ts"` // epoch millis
	Type   string         `json:"type"`
	Fields map[string]any `json:"-"`
}

// MarshalJSON flattens Fields into the top-level object. Envelope keys win
// on collision.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["seq"] = e.Seq
	out["ts"] = e.TS
	out["type"] = e.Type
	return json.Marshal(out)
}

// Subscriber receives every entry appended after Subscribe returns.
// Delivery is synchronous and best-effort: a subscriber that panics is
// isolated and logged, and never disturbs other subscribers or the caller.
type Subscriber func(Entry)

// Log is the bounded append-only event log. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	seq      int64
	capacity int
	subs     map[int]Subscriber
	nextSub  int
}

// New creates a Log with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		subs:     make(map[int]Subscriber),
	}
}

// Append stamps ts and seq, stores the entry, and fans it out.
func (l *Log) Append(entryType string, fields map[string]any) Entry {
	l.mu.Lock()
	l.seq++
	e := Entry{
		Seq:    l.seq,
		TS:     time.Now().UnixMilli(),
		Type:   entryType,
		Fields: fields,
	}
	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		// Trim the oldest; copy so the backing array doesn't pin trimmed entries.
		trimmed := make([]Entry, l.capacity)
		copy(trimmed, l.entries[len(l.entries)-l.capacity:])
		l.entries = trimmed
	}
	subs := make([]Subscriber, 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		deliver(fn, e)
	}
	return e
}

// deliver invokes one subscriber, recovering panics so a broken subscriber
// cannot take down the appender or starve its peers.
func deliver(fn Subscriber, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Event log subscriber panicked", "type", e.Type, "panic", r)
		}
	}()
	fn(e)
}

// Subscribe registers a callback for every subsequent append and returns
// an unsubscribe function. Unsubscribing twice is a no-op.
func (l *Log) Subscribe(fn Subscriber) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// ReplaySince returns every retained entry with Seq > seq, oldest first.
// ReplaySince(0) returns the whole retained tail.
func (l *Log) ReplaySince(seq int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns up to limit of the newest entries, oldest first.
// limit <= 0 means all retained entries.
func (l *Log) Snapshot(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Seq returns the sequence number of the most recent entry (0 when empty).
func (l *Log) Seq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}
