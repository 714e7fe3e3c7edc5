package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return NewManager(cfg, nil)
}

func payloads(items []Item) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, it.Payload)
	}
	return out
}

func TestEnqueuePullFIFO(t *testing.T) {
	m := newTestManager(t, Config{})

	m.Enqueue(TaskQueue, "a", "")
	m.Enqueue(TaskQueue, "b", "")
	m.Enqueue(TaskQueue, "c", "")

	got := m.Pull(TaskQueue, PullOptions{Max: 10})
	require.Len(t, got, 3)
	assert.Equal(t, []any{"a", "b", "c"}, payloads(got))

	for _, it := range got {
		assert.Equal(t, StatusLeased, it.Status)
		assert.NotEmpty(t, it.LeaseID)
		assert.False(t, it.LeaseExpiresAt.IsZero())
	}
}

func TestPullMaxZeroLeasesNothing(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Enqueue(TaskQueue, "a", "")

	got := m.Pull(TaskQueue, PullOptions{Max: 0})
	assert.Empty(t, got)

	mt, err := m.Metrics(TaskQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, mt.Depth)
	assert.Equal(t, 0, mt.Inflight)
	assert.Equal(t, int64(0), mt.Deq)
}

func TestPullUnknownQueueCreatesEmpty(t *testing.T) {
	m := newTestManager(t, Config{})

	got := m.Pull("neverSeen", PullOptions{Max: 5})
	assert.Empty(t, got)

	mt, err := m.Metrics("neverSeen")
	require.NoError(t, err)
	assert.Equal(t, 0, mt.Depth)
}

func TestPullByPartitionKey(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Enqueue(TaskQueue, "g1-first", "graph-1")
	m.Enqueue(TaskQueue, "g2-first", "graph-2")
	m.Enqueue(TaskQueue, "g1-second", "graph-1")

	got := m.Pull(TaskQueue, PullOptions{Max: 10, PartitionKey: "graph-1"})
	require.Len(t, got, 2)
	assert.Equal(t, []any{"g1-first", "g1-second"}, payloads(got))

	// The other partition is untouched.
	rest := m.Pull(TaskQueue, PullOptions{Max: 10})
	require.Len(t, rest, 1)
	assert.Equal(t, "g2-first", rest[0].Payload)
}

func TestFilterLeavesNonMatchingQueued(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Enqueue(ReviewQueue, map[string]any{"reviewStatus": "rejected"}, "")
	m.Enqueue(ReviewQueue, map[string]any{"reviewStatus": "approved"}, "")

	approved := func(p any) bool {
		mp, ok := p.(map[string]any)
		return ok && mp["reviewStatus"] == "approved"
	}

	got := m.Pull(ReviewQueue, PullOptions{Max: 10, Filter: approved})
	require.Len(t, got, 1)

	// The rejected item was skipped, not consumed: a later unfiltered
	// pull still sees it.
	mt, err := m.Metrics(ReviewQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, mt.Depth)
	assert.Equal(t, 1, mt.Inflight)

	rest := m.Pull(ReviewQueue, PullOptions{Max: 10})
	require.Len(t, rest, 1)
	assert.Equal(t, "rejected", rest[0].Payload.(map[string]any)["reviewStatus"])
}

func TestAckSettlesLease(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Enqueue(TaskQueue, "a", "")

	got := m.Pull(TaskQueue, PullOptions{Max: 1})
	require.Len(t, got, 1)

	assert.True(t, m.Ack(TaskQueue, got[0].LeaseID))

	mt, err := m.Metrics(TaskQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, mt.Depth)
	assert.Equal(t, 0, mt.Inflight)
	assert.Equal(t, int64(1), mt.Ack)

	// Double-ack and unknown leases are no-ops.
	assert.False(t, m.Ack(TaskQueue, got[0].LeaseID))
	assert.False(t, m.Ack(TaskQueue, "lease_bogus"))
}

func TestNackRequeueRestoresPartitionOrder(t *testing.T) {
	m := newTestManager(t, Config{MaxAttempts: 5})
	m.Enqueue(TaskQueue, "first", "g1")
	m.Enqueue(TaskQueue, "second", "g1")

	got := m.Pull(TaskQueue, PullOptions{Max: 1})
	require.Len(t, got, 1)
	require.Equal(t, "first", got[0].Payload)

	require.True(t, m.Nack(TaskQueue, got[0].LeaseID, true))

	// The nacked item comes back ahead of its partition sibling.
	again := m.Pull(TaskQueue, PullOptions{Max: 2})
	require.Len(t, again, 2)
	assert.Equal(t, []any{"first", "second"}, payloads(again))
	assert.Equal(t, 1, again[0].Attempts)
	assert.Equal(t, 0, again[1].Attempts)
}

func TestNackNoRequeueDeadLetters(t *testing.T) {
	m := newTestManager(t, Config{})

	var deadQueue string
	var deadItem Item
	m.SetDeadLetterFunc(func(q string, it Item) {
		deadQueue = q
		deadItem = it
	})

	m.Enqueue(TaskQueue, "doomed", "")
	got := m.Pull(TaskQueue, PullOptions{Max: 1})
	require.Len(t, got, 1)

	require.True(t, m.Nack(TaskQueue, got[0].LeaseID, false))

	assert.Equal(t, TaskQueue, deadQueue)
	assert.Equal(t, "doomed", deadItem.Payload)
	assert.Equal(t, StatusDead, deadItem.Status)

	mt, err := m.Metrics(TaskQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, mt.Depth)
	assert.Equal(t, 0, mt.Inflight)
	assert.Equal(t, int64(1), mt.Dead)
}

func TestNackRequeueHitsMaxAttempts(t *testing.T) {
	m := newTestManager(t, Config{MaxAttempts: 2})

	dead := 0
	m.SetDeadLetterFunc(func(string, Item) { dead++ })

	m.Enqueue(TaskQueue, "flaky", "")

	got := m.Pull(TaskQueue, PullOptions{Max: 1})
	require.Len(t, got, 1)
	require.True(t, m.Nack(TaskQueue, got[0].LeaseID, true)) // attempts=1, requeued

	got = m.Pull(TaskQueue, PullOptions{Max: 1})
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Attempts)
	require.True(t, m.Nack(TaskQueue, got[0].LeaseID, true)) // attempts=2 >= max, dead

	assert.Equal(t, 1, dead)
	assert.Empty(t, m.Pull(TaskQueue, PullOptions{Max: 10}))
}

func TestPeekDoesNotLease(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Enqueue(TaskQueue, "a", "")
	m.Enqueue(TaskQueue, "b", "")

	peeked := m.Peek(TaskQueue, 1)
	require.Len(t, peeked, 1)
	assert.Equal(t, "a", peeked[0].Payload)
	assert.Equal(t, StatusQueued, peeked[0].Status)

	mt, err := m.Metrics(TaskQueue)
	require.NoError(t, err)
	assert.Equal(t, 2, mt.Depth)
	assert.Equal(t, 0, mt.Inflight)

	assert.Empty(t, m.Peek("nope", 5))
}

func TestPullBatchCoalescesArrivals(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Enqueue(PatchQueue, "early", "")

	go func() {
		time.Sleep(60 * time.Millisecond)
		m.Enqueue(PatchQueue, "late", "")
	}()

	start := time.Now()
	got := m.PullBatch(context.Background(), PatchQueue, BatchOptions{
		Window: 300 * time.Millisecond,
		Max:    2,
	})
	elapsed := time.Since(start)

	require.Len(t, got, 2)
	assert.Equal(t, []any{"early", "late"}, payloads(got))
	// Returned as soon as max was reached, well before the window closed.
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestPullBatchReturnsEmptyAfterWindow(t *testing.T) {
	m := newTestManager(t, Config{})

	start := time.Now()
	got := m.PullBatch(context.Background(), PatchQueue, BatchOptions{
		Window: 80 * time.Millisecond,
		Max:    5,
	})
	elapsed := time.Since(start)

	assert.Empty(t, got)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
}

func TestPullBatchHonorsContext(t *testing.T) {
	m := newTestManager(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	got := m.PullBatch(ctx, PatchQueue, BatchOptions{
		Window: 5 * time.Second,
		Max:    5,
	})
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStatsCoversAllQueues(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Enqueue(GoalQueue, "g", "")
	m.Enqueue(TaskQueue, "t1", "")
	m.Enqueue(TaskQueue, "t2", "")
	m.Pull(TaskQueue, PullOptions{Max: 1})

	stats := m.Stats()
	require.Contains(t, stats, GoalQueue)
	require.Contains(t, stats, TaskQueue)
	assert.Equal(t, 1, stats[GoalQueue].Depth)
	assert.Equal(t, 1, stats[TaskQueue].Depth)
	assert.Equal(t, 1, stats[TaskQueue].Inflight)
	assert.Equal(t, int64(2), stats[TaskQueue].Enq)
}

func TestResetDropsEverything(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Enqueue(GoalQueue, "g", "")
	m.Pull(GoalQueue, PullOptions{Max: 1})

	m.Reset()

	assert.Empty(t, m.Names())
	assert.Empty(t, m.Pull(GoalQueue, PullOptions{Max: 10}))
}
