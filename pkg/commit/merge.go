package commit

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/store"
)

// DefaultIdempotencySize bounds the applied-patch-id set when the config
// does not.
const DefaultIdempotencySize = 100000

// MergeChecker decides whether a patch computed against its baseHash can
// still merge onto the named graph. The committer invokes it for every
// unseen patch that carries a base hash, so a richer implementation can be
// slotted in without touching the loop.
type MergeChecker interface {
	CanMerge(patch *models.Patch, graphID string) bool
}

// HashMergeChecker compares the patch's base hash against the current
// graph content hash. Unknown graphs and graphs without a stored hash are
// mergeable; only a present, different hash is a conflict.
type HashMergeChecker struct {
	stores *store.Holder
}

// NewHashMergeChecker creates the default checker over the store holder.
func NewHashMergeChecker(stores *store.Holder) *HashMergeChecker {
	return &HashMergeChecker{stores: stores}
}

// CanMerge implements MergeChecker.
func (h *HashMergeChecker) CanMerge(patch *models.Patch, graphID string) bool {
	cur, ok := h.stores.GraphContentHash(graphID)
	if !ok || cur == "" {
		return true
	}
	return patch.BaseHash == cur
}

// Idempotency is the bounded applied-patch-id set. The committer and the
// drainer share one instance so neither path can re-apply what the other
// already emitted.
type Idempotency struct {
	cache *lru.Cache[string, struct{}]
}

// NewIdempotency creates the set with the given capacity
// (DefaultIdempotencySize if <= 0).
func NewIdempotency(size int) *Idempotency {
	if size <= 0 {
		size = DefaultIdempotencySize
	}
	cache, _ := lru.New[string, struct{}](size)
	return &Idempotency{cache: cache}
}

// Seen reports whether the patch id was already applied.
func (i *Idempotency) Seen(id string) bool {
	return i.cache.Contains(id)
}

// Mark records the patch id, reporting whether it was newly added.
func (i *Idempotency) Mark(id string) bool {
	contained, _ := i.cache.ContainsOrAdd(id, struct{}{})
	return !contained
}

// Len returns the number of recorded ids.
func (i *Idempotency) Len() int {
	return i.cache.Len()
}

// graphLocks is the per-graph advisory lock table. Locks are short-held
// within one tick; a contended graph is skipped and retried next tick.
type graphLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (g *graphLocks) tryLock(id string) bool {
	g.mu.Lock()
	if g.locks == nil {
		g.locks = make(map[string]*sync.Mutex)
	}
	l, ok := g.locks[id]
	if !ok {
		l = &sync.Mutex{}
		g.locks[id] = l
	}
	g.mu.Unlock()
	return l.TryLock()
}

func (g *graphLocks) unlock(id string) {
	g.mu.Lock()
	l := g.locks[id]
	g.mu.Unlock()
	if l != nil {
		l.Unlock()
	}
}
