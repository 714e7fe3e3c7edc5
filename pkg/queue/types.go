// Package queue provides the named in-memory FIFO queues with lease/ack
// semantics that carry the orchestration pipeline: goals, tasks, patches,
// and reviews. State is process-memory only; a durable log can replace
// this package later without changing any external contract.
package queue

import (
	"errors"
	"time"
)

// Well-known queue names used by the pipeline.
const (
	GoalQueue   = "goalQueue"
	TaskQueue   = "taskQueue"
	PatchQueue  = "patchQueue"
	ReviewQueue = "reviewQueue"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusQueued Status = "queued"
	StatusLeased Status = "leased"
	StatusAcked  Status = "acked"
	StatusDead   Status = "dead"
)

// Sentinel errors for queue operations.
var (
	// ErrUnknownQueue indicates an operation on a queue that was never created.
	// Pull does not return this: pulling an unknown name creates it empty.
	ErrUnknownQueue = errors.New("unknown queue")
)

// Item is one queued payload envelope.
type Item struct {
	ID             string    `json:"id"`
	EnqueuedAt     int64     `json:"enqueuedAt"` // epoch millis
	Payload        any       `json:"payload"`
	PartitionKey   string    `json:"partitionKey,omitempty"`
	Status         Status    `json:"status"`
	LeaseID        string    `json:"leaseId,omitempty"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitempty"`
	Attempts       int       `json:"attempts"`
}

// Metrics is the per-queue counter snapshot.
type Metrics struct {
	Depth    int   `json:"depth"`
	Inflight int   `json:"inflight"`
	Enq      int64 `json:"enq"`
	Deq      int64 `json:"deq"`
	Ack      int64 `json:"ack"`
	Nack     int64 `json:"nack"`
	Dead     int64 `json:"dead"`
}

// Filter is a predicate over item payloads. Items for which it returns
// false stay queued: they are neither leased nor consumed.
type Filter func(payload any) bool

// PullOptions control a Pull call.
type PullOptions struct {
	// PartitionKey, when non-empty, restricts the pull to items enqueued
	// with that key.
	PartitionKey string
	// Max bounds the number of items leased. Max <= 0 leases nothing.
	Max int
	// Filter, when non-nil, must return true for an item to be leased.
	Filter Filter
}

// BatchOptions control a PullBatch call.
type BatchOptions struct {
	// Window is how long to keep coalescing new arrivals before returning.
	Window time.Duration
	// Max bounds the total number of items leased across the window.
	Max int
	// Filter, when non-nil, must return true for an item to be leased.
	Filter Filter
}

// Config tunes lease behavior.
type Config struct {
	// LeaseTTL is how long a pulled item stays leased before the sweeper
	// returns it to its partition.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// MaxAttempts dead-letters an item once its delivery attempts reach
	// this count.
	MaxAttempts int `yaml:"max_attempts"`
	// SweepInterval is the cadence of the lease-expiry sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the built-in queue defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:      30 * time.Second,
		MaxAttempts:   3,
		SweepInterval: 250 * time.Millisecond,
	}
}

// DeadLetterFunc is invoked after an item exhausts its attempts and is
// marked dead. Wired by the server to emit TASK_FAILED / PATCH_REJECTED
// events; may be nil.
type DeadLetterFunc func(queueName string, item Item)

// Instrumentation receives queue lifecycle signals. Implemented by
// pkg/metrics; a nil Instrumentation disables it.
type Instrumentation interface {
	Enqueued(queue string)
	Leased(queue string, n int)
	Acked(queue string)
	Nacked(queue string)
	Expired(queue string)
	DeadLettered(queue string)
	SetDepth(queue string, depth, inflight int)
}
