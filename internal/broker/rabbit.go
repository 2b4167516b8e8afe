package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sgbilod/docpipe/internal/job"
	"github.com/sgbilod/docpipe/shared/rabbitmq"
)

// pollInterval is how long a dequeue waits before re-polling when all bound
// queues are empty.
const pollInterval = 200 * time.Millisecond

// Rabbit implements Broker on RabbitMQ. Queue-order priority is implemented
// by polling the bound queues in order with basic.get, so a worker bound to
// {embed, default} always drains embed first; per-message priority within a
// queue is handled by the broker (x-max-priority queues).
type Rabbit struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewRabbit wraps a connected RabbitMQ client.
func NewRabbit(client *rabbitmq.Client, logger *slog.Logger) *Rabbit {
	return &Rabbit{client: client, logger: logger}
}

func clampPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > 255 {
		return 255
	}
	return uint8(p)
}

func (b *Rabbit) Enqueue(ctx context.Context, t *job.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := b.client.Publish(ctx, t.Queue, body, clampPriority(t.Priority)); err != nil {
		return err
	}

	b.logger.Debug("Task enqueued",
		slog.String("job_id", t.JobID),
		slog.String("stage", string(t.Stage)),
		slog.String("queue", t.Queue),
		slog.Int("attempt", t.Attempt),
	)
	return nil
}

func (b *Rabbit) EnqueueDelayed(ctx context.Context, t *job.Task, delay time.Duration) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := b.client.PublishDelayed(ctx, t.Queue, body, clampPriority(t.Priority), delay); err != nil {
		return err
	}

	b.logger.Debug("Task enqueued with delay",
		slog.String("job_id", t.JobID),
		slog.String("stage", string(t.Stage)),
		slog.Duration("delay", delay),
		slog.Int("attempt", t.Attempt),
	)
	return nil
}

func (b *Rabbit) Dequeue(ctx context.Context, queues ...string) (Delivery, error) {
	for {
		for _, queue := range queues {
			d, ok, err := b.client.Get(queue)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}

			var t job.Task
			if err := json.Unmarshal(d.Body, &t); err != nil {
				b.logger.Error("Dropping malformed task message",
					slog.String("queue", queue),
					slog.Any("error", err),
				)
				// Malformed payloads are never going to parse; do not requeue.
				if nackErr := d.Nack(false, false); nackErr != nil {
					b.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}
			return &rabbitDelivery{task: &t, delivery: d}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *Rabbit) Close() error {
	return b.client.Close()
}

type rabbitDelivery struct {
	task     *job.Task
	delivery amqp.Delivery
}

func (d *rabbitDelivery) Task() *job.Task { return d.task }

func (d *rabbitDelivery) Ack() error {
	return d.delivery.Ack(false)
}

func (d *rabbitDelivery) Nack(requeue bool) error {
	return d.delivery.Nack(false, requeue)
}
