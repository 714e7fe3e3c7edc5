package commit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/spindlework/graphloom/pkg/config"
	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/pending"
	"github.com/spindlework/graphloom/pkg/queue"
)

// Drainer is the safety net behind the committer: a slow loop that leases
// approved reviews the committer has not consumed and converts them into
// pending actions directly. It shares the committer's idempotency set, so
// a patch drained here is never double-applied there, and vice versa.
//
// Unlike the committer it pulls with a filter: unparseable or unapproved
// reviews are left for the committer, which owns rejection bookkeeping.
type Drainer struct {
	cfg      config.DrainerConfig
	queues   *queue.Manager
	pendings *pending.Store
	events   *eventlog.Log
	idem     *Idempotency
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewDrainer(cfg config.DrainerConfig, queues *queue.Manager, pendings *pending.Store, events *eventlog.Log, idem *Idempotency, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		cfg:      cfg,
		queues:   queues,
		pendings: pendings,
		events:   events,
		idem:     idem,
		logger:   logger.With("component", "drainer"),
	}
}

// Start launches the drain loop unless the config disables it.
func (d *Drainer) Start() {
	if !d.cfg.DrainerEnabled() {
		d.logger.Info("Drainer disabled by configuration")
		return
	}
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	stop := make(chan struct{})
	done := make(chan struct{})
	d.stop, d.done = stop, done
	d.mu.Unlock()

	go d.run(stop, done)
	d.logger.Info("Drainer started", "cadence", d.cfg.Cadence())
}

// Stop halts the drain loop. Safe to call repeatedly, including when the
// drainer never started.
func (d *Drainer) Stop() {
	d.mu.Lock()
	stop, done, running := d.stop, d.done, d.running
	d.running = false
	d.mu.Unlock()

	if !running {
		return
	}
	close(stop)
	<-done
	d.logger.Info("Drainer stopped")
}

// Running reports whether the loop is active.
func (d *Drainer) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Drainer) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.cfg.Cadence())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Tick drains up to MaxPerTick approved reviews. Exported for tests and
// the test HTTP surface.
func (d *Drainer) Tick() {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Drain tick panicked", "panic", r)
		}
	}()
	items := d.queues.Pull(queue.ReviewQueue, queue.PullOptions{
		Max:    d.cfg.MaxPerTick,
		Filter: approvedFilter,
	})
	for _, it := range items {
		review, err := queue.PayloadAs[models.Review](it.Payload)
		if err != nil {
			// The filter admitted it, so this should not happen; requeue
			// for the committer to settle.
			d.queues.Nack(queue.ReviewQueue, it.LeaseID, true)
			continue
		}
		d.drain(review)
		d.queues.Ack(queue.ReviewQueue, it.LeaseID)
	}
}

func (d *Drainer) drain(review models.Review) {
	drained := 0
	for _, p := range review.AllPatches() {
		if p == nil || len(p.Ops) == 0 {
			continue
		}
		if d.idem.Seen(p.PatchID) {
			continue
		}
		d.idem.Mark(p.PatchID)
		d.pendings.Enqueue(models.NewApplyMutations(p.Ops, p.CID))
		drained++
		d.events.Append(eventlog.TypePendingActionsEnqueued, map[string]any{
			"graphId": p.GraphID,
			"ops":     len(p.Ops),
			"cid":     p.CID,
			"source":  "drainer",
		})
	}
	if drained > 0 {
		d.logger.Debug("Drained approved reviews", "patches", drained)
	}
}

// approvedFilter admits only reviews that are visibly approved, whatever
// shape the payload arrives in. Everything else is skipped in place so
// the committer can still lease it.
func approvedFilter(payload any) bool {
	switch v := payload.(type) {
	case models.Review:
		return v.Approved()
	case *models.Review:
		return v != nil && v.Approved()
	case map[string]any:
		status, _ := v["reviewStatus"].(string)
		return status == models.ReviewApproved
	}
	return false
}
