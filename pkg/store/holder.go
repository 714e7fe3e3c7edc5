// Package store holds the UI-projected graph snapshot. The UI owns graph
// state; the server only ever reads the latest projection it was pushed.
package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/zeebo/blake3"

	"github.com/spindlework/graphloom/pkg/models"
)

// Layout merge modes accepted by MergeLayouts.
const (
	MergeModeMerge   = "merge"
	MergeModeReplace = "replace"
)

// Holder is the single process-wide slot for the projected store. Writes
// are wholesale replacement; readers get isolated clones.
type Holder struct {
	logger *slog.Logger

	mu       sync.RWMutex
	store    models.ProjectedStore
	hasStore bool
}

// NewHolder creates an empty holder. Pass a nil logger to default to
// slog.Default().
func NewHolder(logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{logger: logger.With("component", "store")}
}

// Replace swaps in a fresh projection, stamps summary.lastUpdate, and
// returns the stamped summary.
func (h *Holder) Replace(s models.ProjectedStore) models.StoreSummary {
	s = s.Clone()
	s.Summary.LastUpdate = time.Now().UnixMilli()

	h.mu.Lock()
	h.store = s
	h.hasStore = true
	h.mu.Unlock()

	h.logger.Debug("projected store replaced",
		"graphs", len(s.Graphs),
		"prototypes", len(s.NodePrototypes),
		"active_graph_id", s.ActiveGraphID)
	return s.Summary
}

// Snapshot returns a clone of the latest projection. ok is false until
// the first Replace.
func (h *Holder) Snapshot() (models.ProjectedStore, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.hasStore {
		return models.ProjectedStore{}, false
	}
	return h.store.Clone(), true
}

// HasStore reports whether a projection has been pushed yet.
func (h *Holder) HasStore() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hasStore
}

// LastUpdate returns the epoch-millis stamp of the latest push, zero when
// none happened.
func (h *Holder) LastUpdate() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.store.Summary.LastUpdate
}

// MergeLayouts folds per-graph layout data into the held projection.
// Mode "merge" deep-merges with incoming values winning; "replace" swaps
// each graph's layout entry wholesale. Layout pushes do not bump
// summary.lastUpdate; only full state pushes do.
func (h *Holder) MergeLayouts(layouts map[string]models.GraphLayout, mode string) error {
	if mode == "" {
		mode = MergeModeMerge
	}
	if mode != MergeModeMerge && mode != MergeModeReplace {
		return NewValidationError("mode", fmt.Sprintf("invalid layout mode %q", mode))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.store.GraphLayouts == nil {
		h.store.GraphLayouts = make(map[string]models.GraphLayout, len(layouts))
	}
	for graphID, incoming := range layouts {
		if mode == MergeModeReplace {
			h.store.GraphLayouts[graphID] = incoming
			continue
		}
		dst := h.store.GraphLayouts[graphID]
		if err := mergo.Merge(&dst, incoming, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging layout for graph %s: %w", graphID, err)
		}
		h.store.GraphLayouts[graphID] = dst
	}
	return nil
}

// Layout returns the layout entry for one graph.
func (h *Holder) Layout(graphID string) (models.GraphLayout, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.store.GraphLayouts[graphID]
	if !ok {
		return models.GraphLayout{}, false
	}
	return l, true
}

// GraphContentHash returns the blake3 hash of a graph's canonical content,
// used as the reference side of patch baseHash checks. ok is false when
// the graph is not in the projection.
func (h *Holder) GraphContentHash(graphID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	g := h.store.GraphByID(graphID)
	if g == nil {
		return "", false
	}
	return hashGraph(*g), true
}

// Reset clears the held projection. Test surface only.
func (h *Holder) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store = models.ProjectedStore{}
	h.hasStore = false
}

// hashGraph serializes the parts of a graph that define its content and
// hashes them. Edge order is normalized so permutations hash equal;
// instance keys are sorted by json.Marshal's map ordering.
func hashGraph(g models.Graph) string {
	edges := slices.Clone(g.EdgeIDs)
	slices.Sort(edges)
	canonical := struct {
		ID        string                     `json:"id"`
		Name      string                     `json:"name"`
		Instances map[string]models.Instance `json:"instances"`
		EdgeIDs   []string                   `json:"edgeIds"`
	}{g.ID, g.Name, g.Instances, edges}

	raw, err := json.Marshal(canonical)
	if err != nil {
		// Graph content is plain data; marshaling it cannot fail.
		return ""
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
