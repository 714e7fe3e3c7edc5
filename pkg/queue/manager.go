package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/spindlework/graphloom/pkg/models"
)

// batchPollInterval is how often PullBatch re-checks the queue while its
// coalescing window is open.
const batchPollInterval = 25 * time.Millisecond

// Manager owns the named queues. Queues are created on first use, from
// either side: enqueuing to an unknown name creates it, and so does
// pulling from one.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	queues map[string]*fifo

	instr      Instrumentation
	deadLetter DeadLetterFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// fifo is one named queue. Items stay in the slice in enqueue order for
// their whole queued/leased life; leasing flips status in place, so an
// expired lease puts the item back exactly where its partition expects
// it. Settled items (acked, dead) are spliced out.
type fifo struct {
	mu     sync.Mutex
	name   string
	items  []*Item
	leases map[string]*Item

	enq  int64
	deq  int64
	ack  int64
	nack int64
	dead int64
}

// NewManager creates a queue manager with the given config. Pass a nil
// logger to default to slog.Default().
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "queue"),
		queues: make(map[string]*fifo),
		stopCh: make(chan struct{}),
	}
}

// SetInstrumentation wires metric counters. Must be called before Start.
func (m *Manager) SetInstrumentation(instr Instrumentation) {
	m.instr = instr
}

// SetDeadLetterFunc wires the dead-letter callback. Must be called before
// Start.
func (m *Manager) SetDeadLetterFunc(fn DeadLetterFunc) {
	m.deadLetter = fn
}

// get returns the named queue, creating it if needed.
func (m *Manager) get(name string) *fifo {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok = m.queues[name]; ok {
		return q
	}
	q = &fifo{name: name, leases: make(map[string]*Item)}
	m.queues[name] = q
	return q
}

// Enqueue appends a payload to the named queue and returns the stored
// item. PartitionKey may be empty; items with the same key are delivered
// in enqueue order.
func (m *Manager) Enqueue(name string, payload any, partitionKey string) Item {
	q := m.get(name)

	it := &Item{
		ID:           models.NewID("itm"),
		EnqueuedAt:   time.Now().UnixMilli(),
		Payload:      payload,
		PartitionKey: partitionKey,
		Status:       StatusQueued,
	}

	q.mu.Lock()
	q.items = append(q.items, it)
	q.enq++
	snap := *it
	m.updateGaugesLocked(q)
	q.mu.Unlock()

	if m.instr != nil {
		m.instr.Enqueued(name)
	}
	return snap
}

// Pull leases up to opts.Max queued items in enqueue order. Items that
// fail opts.Filter or do not match opts.PartitionKey are skipped and stay
// queued. Max <= 0 returns an empty slice and creates no leases.
func (m *Manager) Pull(name string, opts PullOptions) []Item {
	out := []Item{}
	if opts.Max <= 0 {
		return out
	}
	q := m.get(name)
	now := time.Now()

	q.mu.Lock()
	for _, it := range q.items {
		if len(out) >= opts.Max {
			break
		}
		if it.Status != StatusQueued {
			continue
		}
		if opts.PartitionKey != "" && it.PartitionKey != opts.PartitionKey {
			continue
		}
		if opts.Filter != nil && !opts.Filter(it.Payload) {
			continue
		}
		it.Status = StatusLeased
		it.LeaseID = models.NewLeaseID()
		it.LeaseExpiresAt = now.Add(m.cfg.LeaseTTL)
		q.leases[it.LeaseID] = it
		q.deq++
		out = append(out, *it)
	}
	m.updateGaugesLocked(q)
	q.mu.Unlock()

	if m.instr != nil && len(out) > 0 {
		m.instr.Leased(name, len(out))
	}
	return out
}

// PullBatch pulls like Pull but keeps the call open for opts.Window,
// coalescing items that arrive while it waits. It returns early once
// opts.Max items are leased or ctx is done.
func (m *Manager) PullBatch(ctx context.Context, name string, opts BatchOptions) []Item {
	out := []Item{}
	if opts.Max <= 0 {
		return out
	}
	deadline := time.Now().Add(opts.Window)
	for {
		got := m.Pull(name, PullOptions{Max: opts.Max - len(out), Filter: opts.Filter})
		out = append(out, got...)
		if len(out) >= opts.Max {
			return out
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return out
		}
		wait := batchPollInterval
		if remain < wait {
			wait = remain
		}
		select {
		case <-ctx.Done():
			return out
		case <-time.After(wait):
		}
	}
}

// Ack settles a lease. Unknown lease ids are a no-op (the item may have
// been swept and redelivered already); the return value reports whether
// a lease was settled.
func (m *Manager) Ack(name, leaseID string) bool {
	q := m.get(name)

	q.mu.Lock()
	it, ok := q.leases[leaseID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.leases, leaseID)
	it.Status = StatusAcked
	q.ack++
	q.compactLocked()
	m.updateGaugesLocked(q)
	q.mu.Unlock()

	if m.instr != nil {
		m.instr.Acked(name)
	}
	return true
}

// Nack settles a lease negatively. With requeue the item returns to its
// original position with attempts incremented, dead-lettering once
// attempts reach the configured maximum. Without requeue the item is
// dead-lettered immediately. Unknown lease ids are a no-op.
func (m *Manager) Nack(name, leaseID string, requeue bool) bool {
	q := m.get(name)

	q.mu.Lock()
	it, ok := q.leases[leaseID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.leases, leaseID)
	it.LeaseID = ""
	it.LeaseExpiresAt = time.Time{}
	q.nack++

	var deadCopy *Item
	if requeue {
		it.Attempts++
		if it.Attempts >= m.cfg.MaxAttempts {
			it.Status = StatusDead
			q.dead++
			c := *it
			deadCopy = &c
		} else {
			it.Status = StatusQueued
		}
	} else {
		it.Status = StatusDead
		q.dead++
		c := *it
		deadCopy = &c
	}
	q.compactLocked()
	m.updateGaugesLocked(q)
	q.mu.Unlock()

	if m.instr != nil {
		m.instr.Nacked(name)
		if deadCopy != nil {
			m.instr.DeadLettered(name)
		}
	}
	if deadCopy != nil {
		m.logger.Warn("item dead-lettered",
			"queue", name,
			"item_id", deadCopy.ID,
			"attempts", deadCopy.Attempts)
		if m.deadLetter != nil {
			m.deadLetter(name, *deadCopy)
		}
	}
	return true
}

// Peek returns up to max queued items without leasing them. Leased items
// are not shown. Unknown queue names return an empty slice.
func (m *Manager) Peek(name string, max int) []Item {
	out := []Item{}
	if max <= 0 {
		return out
	}
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return out
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if len(out) >= max {
			break
		}
		if it.Status != StatusQueued {
			continue
		}
		out = append(out, *it)
	}
	return out
}

// Items returns a snapshot of every live item in the named queue,
// leased ones included. Used by the test surface.
func (m *Manager) Items(name string) []Item {
	out := []Item{}
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return out
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		out = append(out, *it)
	}
	return out
}

// Metrics returns the counter snapshot for one queue.
func (m *Manager) Metrics(name string) (Metrics, error) {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return Metrics{}, ErrUnknownQueue
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.metricsLocked(), nil
}

// Stats returns counter snapshots for every queue, keyed by name.
func (m *Manager) Stats() map[string]Metrics {
	m.mu.RLock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]Metrics, len(names))
	for _, name := range names {
		if mt, err := m.Metrics(name); err == nil {
			out[name] = mt
		}
	}
	return out
}

// Names returns the known queue names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops all queues and leases. Test surface only.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, q := range m.queues {
		q.mu.Lock()
		q.items = nil
		q.leases = make(map[string]*Item)
		q.mu.Unlock()
		if m.instr != nil {
			m.instr.SetDepth(name, 0, 0)
		}
	}
	m.queues = make(map[string]*fifo)
}

// metricsLocked computes the snapshot. Caller holds q.mu.
func (q *fifo) metricsLocked() Metrics {
	depth := 0
	for _, it := range q.items {
		if it.Status == StatusQueued {
			depth++
		}
	}
	return Metrics{
		Depth:    depth,
		Inflight: len(q.leases),
		Enq:      q.enq,
		Deq:      q.deq,
		Ack:      q.ack,
		Nack:     q.nack,
		Dead:     q.dead,
	}
}

// compactLocked splices settled items out of the slice. Caller holds q.mu.
func (q *fifo) compactLocked() {
	live := q.items[:0]
	for _, it := range q.items {
		if it.Status == StatusAcked || it.Status == StatusDead {
			continue
		}
		live = append(live, it)
	}
	for i := len(live); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = live
}

// updateGaugesLocked pushes depth/inflight gauges. Caller holds q.mu.
func (m *Manager) updateGaugesLocked(q *fifo) {
	if m.instr == nil {
		return
	}
	mt := q.metricsLocked()
	m.instr.SetDepth(q.name, mt.Depth, mt.Inflight)
}
