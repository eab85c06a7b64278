package queue

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sameanonim/imageboard/internal/models"
)

// MemoryQueue is a single-process queue. Unacked deliveries are not redelivered
// after a crash; the reaper's stale-lock sweep covers that case.
type MemoryQueue struct {
	lanes map[models.Lane]chan *Delivery
	seq   atomic.Int64

	mu       sync.Mutex
	inflight map[string]*Delivery
	timers   map[*time.Timer]struct{}
	closed   bool
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &MemoryQueue{
		lanes:    make(map[models.Lane]chan *Delivery, len(models.Lanes)),
		inflight: make(map[string]*Delivery),
		timers:   make(map[*time.Timer]struct{}),
	}
	for _, lane := range models.Lanes {
		q.lanes[lane] = make(chan *Delivery, capacity)
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, lane models.Lane, job models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	return q.push(lane, job)
}

func (q *MemoryQueue) Consume(ctx context.Context, lane models.Lane) (*Delivery, error) {
	ch, ok := q.lanes[lane]
	if !ok {
		return nil, ErrClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d := <-ch:
		q.mu.Lock()
		q.inflight[d.ID] = d
		q.mu.Unlock()
		return d, nil
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, d.ID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, d.ID)
	if q.closed {
		return ErrClosed
	}
	if delay <= 0 {
		return q.push(d.Lane, d.Job)
	}

	lane, job := d.Lane, d.Job
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if !q.closed {
			_ = q.push(lane, job)
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Len reports ready jobs on a lane.
func (q *MemoryQueue) Len(lane models.Lane) int {
	return len(q.lanes[lane])
}

func (q *MemoryQueue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Delayed reports nacked jobs still waiting for their delay.
func (q *MemoryQueue) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for t := range q.timers {
		t.Stop()
		delete(q.timers, t)
	}
}

func (q *MemoryQueue) push(lane models.Lane, job models.Job) error {
	ch, ok := q.lanes[lane]
	if !ok {
		return ErrClosed
	}
	d := &Delivery{ID: strconv.FormatInt(q.seq.Add(1), 10), Lane: lane, Job: job}
	select {
	case ch <- d:
		return nil
	default:
		return ErrQueueFull
	}
}
