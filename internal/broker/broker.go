package broker

import (
	"context"
	"time"

	"github.com/sgbilod/docpipe/internal/job"
)

// Delivery is one leased task handed to a worker. The lease is released by
// exactly one Ack or Nack; an unacknowledged delivery is redelivered after
// the lease window, so stage handlers must tolerate duplicate execution.
type Delivery interface {
	Task() *job.Task
	Ack() error
	Nack(requeue bool) error
}

// Broker carries task descriptors from the orchestrator to workers over
// named, prioritized queues with at-least-once delivery.
type Broker interface {
	// Enqueue publishes the task to its queue.
	Enqueue(ctx context.Context, t *job.Task) error

	// EnqueueDelayed publishes the task so that it becomes deliverable only
	// after the given delay. Used for retry backoff instead of busy-waiting
	// a worker.
	EnqueueDelayed(ctx context.Context, t *job.Task, delay time.Duration) error

	// Dequeue blocks until a task is available on one of the queues or the
	// context is done. Queues are consulted in the given order: a worker
	// bound to {embed, default} always drains embed first if non-empty.
	Dequeue(ctx context.Context, queues ...string) (Delivery, error)

	Close() error
}
