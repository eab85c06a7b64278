package queue

import (
	"context"
	"errors"
	"time"

	"github.com/sameanonim/imageboard/internal/models"
)

var (
	ErrClosed    = errors.New("queue closed")
	ErrQueueFull = errors.New("queue full")
)

// Delivery is one received job. Exactly one of Ack or Nack must follow.
type Delivery struct {
	ID   string
	Lane models.Lane
	Job  models.Job
}

// Queue is a durable at-least-once job queue with independent lanes.
type Queue interface {
	Enqueue(ctx context.Context, lane models.Lane, job models.Job) error
	// Consume blocks until a job is available or ctx is done.
	Consume(ctx context.Context, lane models.Lane) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack returns d.Job to the lane after delay. Callers may update d.Job first.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
}
