// Package pending implements the UI-facing action store: a FIFO of
// pending actions leased on GET and acked on POST, with an inflight set
// so a slow UI never receives the same action twice.
package pending

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/telemetry"
)

// Store is the pending-action lease store. A single mutex covers the
// filter-and-mark of Lease so two concurrent GETs can never lease the
// same action.
type Store struct {
	logger *slog.Logger
	tel    *telemetry.Ring

	mu           sync.Mutex
	actions      []models.PendingAction
	inflight     map[string]struct{}
	inflightMeta map[string]map[string]any
	actionSeq    int64
}

// NewStore creates an empty store. tel may be nil (tests).
func NewStore(tel *telemetry.Ring, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:       logger.With("component", "pending"),
		tel:          tel,
		inflight:     make(map[string]struct{}),
		inflightMeta: make(map[string]map[string]any),
	}
}

// Enqueue appends actions in order.
func (s *Store) Enqueue(actions ...models.PendingAction) {
	if len(actions) == 0 {
		return
	}
	s.mu.Lock()
	s.actions = append(s.actions, actions...)
	depth := len(s.actions)
	s.mu.Unlock()

	s.logger.Debug("pending actions enqueued", "count", len(actions), "depth", depth)
}

// EnqueueBundle appends a committer bundle, prepending openGraph actions
// for every graph the bundle's mutation ops touch so the UI lands on the
// right graph before mutations apply. Graphs the bundle already opens are
// not opened twice.
func (s *Store) EnqueueBundle(actions []models.PendingAction, cid string) []models.PendingAction {
	opened := make(map[string]struct{})
	for _, a := range actions {
		if a.Action == models.ActionOpenGraph {
			if id := a.FirstParamString("graphId"); id != "" {
				opened[id] = struct{}{}
			}
		}
	}

	var graphIDs []string
	seen := make(map[string]struct{})
	for _, a := range actions {
		for _, op := range a.MutationOps() {
			id := op.GraphID
			if id == "" || strings.HasPrefix(id, models.NewGraphPlaceholderPrefix) {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			if _, already := opened[id]; already {
				continue
			}
			seen[id] = struct{}{}
			graphIDs = append(graphIDs, id)
		}
	}

	bundle := make([]models.PendingAction, 0, len(graphIDs)+len(actions))
	for _, id := range graphIDs {
		bundle = append(bundle, models.NewOpenGraph(id, cid))
	}
	bundle = append(bundle, actions...)
	s.Enqueue(bundle...)
	return bundle
}

// Lease returns every action not currently inflight, in order, and marks
// them inflight in the same critical section. A pre-summary telemetry
// entry describes what the UI is about to do.
func (s *Store) Lease() []models.PendingAction {
	s.mu.Lock()
	out := make([]models.PendingAction, 0, len(s.actions))
	for _, a := range s.actions {
		if _, held := s.inflight[a.ID]; held {
			continue
		}
		s.inflight[a.ID] = struct{}{}
		s.inflightMeta[a.ID] = map[string]any{"leasedAt": time.Now().UnixMilli()}
		out = append(out, a)
	}
	s.mu.Unlock()

	if len(out) > 0 && s.tel != nil {
		s.tel.Record(telemetry.TypeAgentAnswer, bundleCID(out), map[string]any{
			"text":  preSummary(out),
			"phase": "starting",
			"count": len(out),
		})
	}
	return out
}

// Ack completes one action by id, removing it from the list and the
// inflight set. The global action sequence increments on every successful
// ack; its value tags the post-summary telemetry for total-order analysis.
func (s *Store) Ack(id string) (models.PendingAction, bool) {
	s.mu.Lock()
	idx := -1
	for i, a := range s.actions {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return models.PendingAction{}, false
	}
	acked := s.actions[idx]
	s.actions = append(s.actions[:idx], s.actions[idx+1:]...)
	delete(s.inflight, id)
	delete(s.inflightMeta, id)
	s.actionSeq++
	seq := s.actionSeq
	s.mu.Unlock()

	if s.tel != nil {
		s.tel.Record(telemetry.TypeAgentAnswer, acked.CID(), map[string]any{
			"text":           postSummary(acked),
			"phase":          "completed",
			"actionId":       acked.ID,
			"action":         acked.Action,
			"actionSequence": seq,
		})
	}
	return acked, true
}

// Feedback records a status/error for an action without settling it. The
// action stays leased; the UI retries or the operator intervenes.
func (s *Store) Feedback(id, status, errMsg string) bool {
	s.mu.Lock()
	known := false
	for _, a := range s.actions {
		if a.ID == id {
			known = true
			break
		}
	}
	if meta, ok := s.inflightMeta[id]; ok {
		known = true
		meta["status"] = status
		if errMsg != "" {
			meta["error"] = errMsg
		}
	}
	s.mu.Unlock()

	if s.tel != nil {
		s.tel.Record(telemetry.TypeActionFeedback, "", map[string]any{
			"actionId": id,
			"status":   status,
			"error":    errMsg,
			"known":    known,
		})
	}
	return known
}

// Snapshot returns the full action list and the inflight id set. Test and
// diagnostics surface.
func (s *Store) Snapshot() ([]models.PendingAction, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]models.PendingAction, len(s.actions))
	copy(actions, s.actions)
	inflight := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		inflight = append(inflight, id)
	}
	return actions, inflight
}

// Depth returns the number of unsettled actions, leased ones included.
func (s *Store) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

// ActionSequence returns the completion counter.
func (s *Store) ActionSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actionSeq
}

// Reset clears the store. Test surface only.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = nil
	s.inflight = make(map[string]struct{})
	s.inflightMeta = make(map[string]map[string]any)
}

// bundleCID returns the first correlation id found in a leased batch.
func bundleCID(actions []models.PendingAction) string {
	for _, a := range actions {
		if cid := a.CID(); cid != "" {
			return cid
		}
	}
	return ""
}

// preSummary describes a leased batch by action tag, e.g.
// "Starting: create 2 graph(s), apply 5 mutation(s)."
func preSummary(actions []models.PendingAction) string {
	graphs, protos, mutations, opens, removes, other := 0, 0, 0, 0, 0, 0
	for _, a := range actions {
		switch a.Action {
		case models.ActionCreateNewGraph, models.ActionCreateAndAssign:
			graphs++
		case models.ActionAddNodePrototype:
			protos++
		case models.ActionApplyMutations:
			if n := len(a.MutationOps()); n > 0 {
				mutations += n
			} else {
				mutations++
			}
		case models.ActionOpenGraph:
			opens++
		case models.ActionRemoveNodeInstance:
			removes++
		default:
			other++
		}
	}

	var parts []string
	if graphs > 0 {
		parts = append(parts, fmt.Sprintf("create %d graph(s)", graphs))
	}
	if protos > 0 {
		parts = append(parts, fmt.Sprintf("define %d concept(s)", protos))
	}
	if mutations > 0 {
		parts = append(parts, fmt.Sprintf("apply %d mutation(s)", mutations))
	}
	if opens > 0 {
		parts = append(parts, fmt.Sprintf("open %d graph(s)", opens))
	}
	if removes > 0 {
		parts = append(parts, fmt.Sprintf("remove %d node(s)", removes))
	}
	if other > 0 {
		parts = append(parts, fmt.Sprintf("run %d action(s)", other))
	}
	if len(parts) == 0 {
		return "Starting."
	}
	return "Starting: " + strings.Join(parts, ", ") + "."
}

// postSummary describes one completed action.
func postSummary(a models.PendingAction) string {
	switch a.Action {
	case models.ActionCreateNewGraph, models.ActionCreateAndAssign:
		if name := a.FirstParamString("name"); name != "" {
			return fmt.Sprintf("Created graph %q.", name)
		}
		return "Created graph."
	case models.ActionAddNodePrototype:
		if name := a.FirstParamString("name"); name != "" {
			return fmt.Sprintf("Defined concept %q.", name)
		}
		return "Defined concept."
	case models.ActionApplyMutations:
		if n := len(a.MutationOps()); n > 0 {
			return fmt.Sprintf("Applied %d mutation(s).", n)
		}
		return "Applied mutations."
	case models.ActionOpenGraph:
		return "Opened graph."
	case models.ActionRemoveNodeInstance:
		return "Removed node."
	default:
		return fmt.Sprintf("Completed %s.", a.Action)
	}
}
