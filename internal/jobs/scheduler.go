// Package jobs schedules periodic maintenance onto the job queue.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sameanonim/imageboard/internal/models"
	"github.com/sameanonim/imageboard/internal/queue"
)

// Scheduler enqueues sweep jobs on the default lane. Any worker serving that lane runs them.
type Scheduler struct {
	cron     *cron.Cron
	queue    queue.Queue
	schedule string
	log      zerolog.Logger
}

func NewScheduler(q queue.Queue, schedule string, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		queue:    q,
		schedule: schedule,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start() error {
	if s.queue == nil || s.schedule == "" {
		s.log.Info().Msg("sweep schedule disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.enqueueSweep); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.log.Info().Str("schedule", s.schedule).Msg("sweep scheduled")
	return nil
}

// Stop halts the cron and waits up to timeout for a running enqueue.
func (s *Scheduler) Stop(timeout time.Duration) {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(timeout):
		s.log.Warn().Msg("scheduler stop timed out")
	}
}

func (s *Scheduler) enqueueSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job := models.Job{TransformKind: models.TransformSweep}
	if err := s.queue.Enqueue(ctx, models.LaneDefault, job); err != nil {
		s.log.Error().Err(err).Msg("enqueue sweep failed")
		return
	}
	s.log.Debug().Msg("sweep enqueued")
}
