package queue

import (
	"context"
	"time"
)

// Start launches the lease-expiry sweeper. Expired leases return their
// item to its partition position with attempts incremented; items that
// reach the attempt limit are dead-lettered instead.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.logger.Info("lease sweeper started", "interval", m.cfg.SweepInterval)

		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("lease sweeper stopped", "reason", "context cancelled")
				return
			case <-m.stopCh:
				m.logger.Info("lease sweeper stopped", "reason", "shutdown")
				return
			case now := <-ticker.C:
				m.sweepExpired(now)
			}
		}
	}()
}

// Stop shuts the sweeper down and waits for it to exit. Safe to call
// multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

// sweepExpired scans every queue for leases past their expiry and
// settles them. Returns the number of leases swept.
func (m *Manager) sweepExpired(now time.Time) int {
	m.mu.RLock()
	queues := make([]*fifo, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	swept := 0
	for _, q := range queues {
		var deadCopies []Item
		var expired int

		q.mu.Lock()
		for leaseID, it := range q.leases {
			if it.LeaseExpiresAt.After(now) {
				continue
			}
			delete(q.leases, leaseID)
			it.LeaseID = ""
			it.LeaseExpiresAt = time.Time{}
			it.Attempts++
			expired++
			if it.Attempts >= m.cfg.MaxAttempts {
				it.Status = StatusDead
				q.dead++
				deadCopies = append(deadCopies, *it)
			} else {
				// The item never left the slice, so flipping the status
				// puts it back at the head of its partition.
				it.Status = StatusQueued
			}
		}
		if expired > 0 {
			q.compactLocked()
			m.updateGaugesLocked(q)
		}
		q.mu.Unlock()

		if expired == 0 {
			continue
		}
		swept += expired
		m.logger.Debug("swept expired leases", "queue", q.name, "count", expired)
		if m.instr != nil {
			for i := 0; i < expired; i++ {
				m.instr.Expired(q.name)
			}
			for range deadCopies {
				m.instr.DeadLettered(q.name)
			}
		}
		for _, it := range deadCopies {
			m.logger.Warn("item dead-lettered after lease expiry",
				"queue", q.name,
				"item_id", it.ID,
				"attempts", it.Attempts)
			if m.deadLetter != nil {
				m.deadLetter(q.name, it)
			}
		}
	}
	return swept
}
