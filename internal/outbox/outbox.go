// Package outbox implements the durable queue and delivery pipeline for
// learning events: immediate send with enqueue-first durability, background
// flush in bounded ordered batches, exponential backoff between failed
// flushes, and a dead-letter path for permanently rejected events.
package outbox

import (
	"context"
	"time"

	"github.com/UzyOrg/celesta/internal/domain/event"
)

// QueuedEvent is one row of the durable outbox queue.
type QueuedEvent struct {
	// ID is the queue position; delivery follows ascending ID order.
	ID int64

	// Event is the composed, immutable learning event.
	Event event.LearningEvent

	// EnqueuedAt is when the event entered the queue.
	EnqueuedAt time.Time
}

// DeadEvent is a permanently rejected event parked for operator inspection.
type DeadEvent struct {
	ID     int64
	Event  event.LearningEvent
	Reason string
	DeadAt time.Time
}

// Queue is the durable ordered queue backing the pipeline.
type Queue interface {
	// Enqueue appends an event; re-enqueueing an idempotency key is a no-op.
	Enqueue(ctx context.Context, ev *event.LearningEvent) (int64, error)

	// Pending returns all queued events in enqueue order.
	Pending(ctx context.Context) ([]QueuedEvent, error)

	// Delete removes acknowledged events.
	Delete(ctx context.Context, ids ...int64) error

	// MoveToDead parks a permanently rejected event.
	MoveToDead(ctx context.Context, id int64, reason string) error

	// Dead lists parked events.
	Dead(ctx context.Context) ([]DeadEvent, error)
}

// Sender delivers one batch to the ledger ingestion endpoint.
type Sender interface {
	SendEvents(ctx context.Context, events []event.LearningEvent) error
}

// HealthChecker probes ledger reachability. Implemented by the ledger client.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}
