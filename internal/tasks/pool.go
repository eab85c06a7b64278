package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sameanonim/imageboard/internal/models"
	"github.com/sameanonim/imageboard/internal/queue"
)

const consumeBackoff = 2 * time.Second

// Pool runs a fixed number of consumers on one lane.
type Pool struct {
	queue   queue.Queue
	lane    models.Lane
	workers int
	handler Handler
	logger  zerolog.Logger
}

func NewPool(q queue.Queue, lane models.Lane, workers int, handler Handler, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:   q,
		lane:    lane,
		workers: workers,
		handler: handler,
		logger:  logger.With().Str("component", "pool").Str("lane", string(lane)).Logger(),
	}
}

func (p *Pool) Lane() models.Lane { return p.lane }

// Run blocks until ctx is done and every in-flight job has been settled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("workers", p.workers).Msg("pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info().Msg("pool stopped")
	return ctx.Err()
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.logger.With().Int("worker", id).Logger()
	for {
		d, err := p.queue.Consume(ctx, p.lane)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("consume failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeBackoff):
			}
			continue
		}
		p.dispatch(ctx, log, d)
	}
}

func (p *Pool) dispatch(ctx context.Context, log zerolog.Logger, d *queue.Delivery) {
	outcome := p.handle(ctx, log, d)

	// Settle even when shutdown canceled ctx mid-job.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if outcome.Retry {
		d.Job = outcome.Job
		if err := p.queue.Nack(sctx, d, outcome.Delay); err != nil {
			log.Error().Err(err).Str("delivery", d.ID).Msg("nack failed")
		}
		return
	}
	if err := p.queue.Ack(sctx, d); err != nil {
		log.Error().Err(err).Str("delivery", d.ID).Msg("ack failed")
	}
}

func (p *Pool) handle(ctx context.Context, log zerolog.Logger, d *queue.Delivery) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("delivery", d.ID).Err(fmt.Errorf("%v", r)).Msg("handler panicked, job dropped")
			outcome = ack()
		}
	}()
	return p.handler.Handle(ctx, d.Job)
}
