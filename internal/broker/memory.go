package broker

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sgbilod/docpipe/internal/job"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker is closed")

// DefaultLease is how long a delivery may stay unacknowledged before it is
// redelivered.
const DefaultLease = 30 * time.Second

// Memory is an in-process Broker with the same delivery contract as the
// RabbitMQ implementation: named queues, per-message priority, delayed
// availability and lease-based redelivery. It backs tests and single-node
// runs.
type Memory struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	lease   time.Duration
	seq     uint64
	nextTag uint64
	closed  bool
	notify  chan struct{}
}

type memItem struct {
	task     *job.Task
	seq      uint64
	readyAt  time.Time
	leasedAt time.Time
	tag      uint64
}

type memQueue struct {
	ready    readyHeap
	delayed  delayedHeap
	inflight map[uint64]*memItem
}

// readyHeap orders by priority descending, then FIFO by sequence.
type readyHeap []*memItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(*memItem)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// delayedHeap orders by readiness time.
type delayedHeap []*memItem

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(*memItem)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// NewMemory creates an in-memory broker with the default lease window.
func NewMemory() *Memory {
	return NewMemoryWithLease(DefaultLease)
}

// NewMemoryWithLease creates an in-memory broker with a custom lease window.
func NewMemoryWithLease(lease time.Duration) *Memory {
	return &Memory{
		queues: make(map[string]*memQueue),
		lease:  lease,
		notify: make(chan struct{}, 1),
	}
}

func (b *Memory) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{inflight: make(map[uint64]*memItem)}
		b.queues[name] = q
	}
	return q
}

func (b *Memory) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Memory) Enqueue(ctx context.Context, t *job.Task) error {
	return b.EnqueueDelayed(ctx, t, 0)
}

func (b *Memory) EnqueueDelayed(_ context.Context, t *job.Task, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	b.seq++
	item := &memItem{task: t, seq: b.seq}
	q := b.queue(t.Queue)
	if delay > 0 {
		item.readyAt = time.Now().Add(delay)
		heap.Push(&q.delayed, item)
	} else {
		heap.Push(&q.ready, item)
	}
	b.signal()
	return nil
}

// promote moves due delayed items and expired leases back into the ready
// heaps. Caller holds the lock. Returns the next time anything becomes due.
func (b *Memory) promote(now time.Time) (next time.Time) {
	for _, q := range b.queues {
		for q.delayed.Len() > 0 && !q.delayed[0].readyAt.After(now) {
			heap.Push(&q.ready, heap.Pop(&q.delayed))
		}
		if q.delayed.Len() > 0 && (next.IsZero() || q.delayed[0].readyAt.Before(next)) {
			next = q.delayed[0].readyAt
		}

		for tag, it := range q.inflight {
			deadline := it.leasedAt.Add(b.lease)
			if !deadline.After(now) {
				delete(q.inflight, tag)
				heap.Push(&q.ready, it)
			} else if next.IsZero() || deadline.Before(next) {
				next = deadline
			}
		}
	}
	return next
}

func (b *Memory) Dequeue(ctx context.Context, queues ...string) (Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}

		now := time.Now()
		next := b.promote(now)

		for _, name := range queues {
			q, ok := b.queues[name]
			if !ok || q.ready.Len() == 0 {
				continue
			}
			it := heap.Pop(&q.ready).(*memItem)
			b.nextTag++
			it.tag = b.nextTag
			it.leasedAt = now
			q.inflight[it.tag] = it
			b.mu.Unlock()
			return &memDelivery{broker: b, queue: name, item: it}, nil
		}
		b.mu.Unlock()

		wait := time.Minute
		if !next.IsZero() {
			if d := time.Until(next); d < wait {
				wait = d
			}
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-b.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.signal()
	return nil
}

// Depth returns the number of ready tasks in a queue. Test helper.
func (b *Memory) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return q.ready.Len()
	}
	return 0
}

type memDelivery struct {
	broker *Memory
	queue  string
	item   *memItem
	done   bool
}

func (d *memDelivery) Task() *job.Task { return d.item.task }

func (d *memDelivery) Ack() error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()

	if d.done {
		return nil
	}
	d.done = true
	delete(d.broker.queue(d.queue).inflight, d.item.tag)
	return nil
}

func (d *memDelivery) Nack(requeue bool) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()

	if d.done {
		return nil
	}
	d.done = true
	q := d.broker.queue(d.queue)
	delete(q.inflight, d.item.tag)
	if requeue {
		heap.Push(&q.ready, d.item)
		d.broker.signal()
	}
	return nil
}
