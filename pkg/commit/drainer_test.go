package commit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindlework/graphloom/pkg/config"
	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/pending"
	"github.com/spindlework/graphloom/pkg/queue"
	"github.com/spindlework/graphloom/pkg/telemetry"
)

func newDrainFixture(t *testing.T) (*Drainer, *queue.Manager, *pending.Store, *Idempotency, *eventlog.Log) {
	t.Helper()
	q := queue.NewManager(queue.DefaultConfig(), nil)
	p := pending.NewStore(telemetry.New(0), nil)
	ev := eventlog.New(0)
	idem := NewIdempotency(128)
	cfg := config.DrainerConfig{CadenceMs: 50, MaxPerTick: 5}
	d := NewDrainer(cfg, q, p, ev, idem, nil)
	return d, q, p, idem, ev
}

func TestDrainerConvertsApprovedReviews(t *testing.T) {
	d, q, p, _, ev := newDrainFixture(t)
	patch := mutationPatch("g1", models.NewAddInstanceOp("g1", "proto", models.Position{X: 1, Y: 2}))
	q.Enqueue(queue.ReviewQueue, approvedReview("g1", patch), "g1")

	d.Tick()

	actions, _ := p.Snapshot()
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionApplyMutations, actions[0].Action)

	mt, err := q.Metrics(queue.ReviewQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, mt.Depth)
	assert.Contains(t, eventTypes(ev), eventlog.TypePendingActionsEnqueued)
}

func TestDrainerSkipsUnapprovedReviews(t *testing.T) {
	d, q, p, _, _ := newDrainFixture(t)
	patch := mutationPatch("g1", models.NewAddInstanceOp("g1", "proto", models.Position{X: 1, Y: 2}))
	q.Enqueue(queue.ReviewQueue, models.Review{
		ReviewStatus: "rejected",
		GraphID:      "g1",
		Patch:        patch,
	}, "g1")

	d.Tick()

	actions, _ := p.Snapshot()
	assert.Empty(t, actions)

	// The review stays leasable for the committer.
	mt, err := q.Metrics(queue.ReviewQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, mt.Depth)
}

func TestDrainerRespectsSharedIdempotency(t *testing.T) {
	d, q, p, idem, _ := newDrainFixture(t)
	patch := mutationPatch("g1", models.NewAddInstanceOp("g1", "proto", models.Position{X: 1, Y: 2}))
	idem.Mark(patch.PatchID) // committer already applied it
	q.Enqueue(queue.ReviewQueue, approvedReview("g1", patch), "g1")

	d.Tick()

	actions, _ := p.Snapshot()
	assert.Empty(t, actions)
	mt, err := q.Metrics(queue.ReviewQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, mt.Depth, "seen review is still acked")
}

func TestDrainerSkipsEmptyOpPatches(t *testing.T) {
	d, q, p, _, _ := newDrainFixture(t)
	q.Enqueue(queue.ReviewQueue, approvedReview("g1", &models.Patch{
		PatchID: models.NewPatchID(),
		GraphID: "g1",
	}), "g1")

	d.Tick()

	actions, _ := p.Snapshot()
	assert.Empty(t, actions)
}

func TestDrainerAndCommitterNeverDoubleApply(t *testing.T) {
	dq := queue.NewManager(queue.DefaultConfig(), nil)
	tel := telemetry.New(0)
	p := pending.NewStore(tel, nil)
	ev := eventlog.New(0)
	idem := NewIdempotency(128)

	c := New(config.CommitterConfig{WindowMs: 5, MaxBatch: 50}, dq, p, nil, ev, tel, idem, nil)
	d := NewDrainer(config.DrainerConfig{MaxPerTick: 5}, dq, p, ev, idem, nil)

	patch := mutationPatch("g1", models.NewAddInstanceOp("g1", "proto", models.Position{X: 1, Y: 2}))

	dq.Enqueue(queue.ReviewQueue, approvedReview("g1", patch), "g1")
	c.Tick(context.Background())
	dq.Enqueue(queue.ReviewQueue, approvedReview("g1", patch), "g1")
	d.Tick()

	count := 0
	actions, _ := p.Snapshot()
	for _, a := range actions {
		if a.Action == models.ActionApplyMutations {
			count++
		}
	}
	assert.Equal(t, 1, count, "one applyMutations across both consumers")
}

func TestDrainerDisabledByConfig(t *testing.T) {
	disabled := false
	d, _, _, _, _ := newDrainFixture(t)
	d.cfg.Enabled = &disabled

	d.Start()
	assert.False(t, d.Running())
	d.Stop() // must not block or panic when never started
}
