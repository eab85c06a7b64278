package tasks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sameanonim/imageboard/internal/models"
	"github.com/sameanonim/imageboard/internal/reaper"
)

type Sweeper interface {
	Sweep(ctx context.Context) (reaper.Result, error)
}

// Maintenance handles the default lane. Sweep jobs are always acked; the next schedule retries.
type Maintenance struct {
	sweeper Sweeper
	logger  zerolog.Logger
}

func NewMaintenance(sweeper Sweeper, logger zerolog.Logger) *Maintenance {
	return &Maintenance{sweeper: sweeper, logger: logger.With().Str("component", "maintenance").Logger()}
}

func (m *Maintenance) Handle(ctx context.Context, job models.Job) Outcome {
	if job.TransformKind != models.TransformSweep {
		m.logger.Warn().Str("transform_kind", string(job.TransformKind)).Int64("file_id", job.FileID).
			Msg("unexpected job on maintenance lane, dropping")
		return ack()
	}

	res, err := m.sweeper.Sweep(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("sweep failed")
		return ack()
	}
	m.logger.Info().
		Int("deleted", res.Deleted).
		Int("errors", res.Errors).
		Int("reset", res.Reset).
		Int("dead_lettered", res.DeadLettered).
		Dur("duration", res.Duration).
		Msg("sweep finished")
	return ack()
}
