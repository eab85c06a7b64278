// Package reaper recovers abandoned processing claims and deletes orphaned uploads.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/sameanonim/imageboard/internal/config"
	"github.com/sameanonim/imageboard/internal/failure"
	"github.com/sameanonim/imageboard/internal/models"
	"github.com/sameanonim/imageboard/internal/queue"
	"github.com/sameanonim/imageboard/internal/repository"
	"github.com/sameanonim/imageboard/internal/retry"
	"github.com/sameanonim/imageboard/internal/storage"
)

var (
	deletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageboard_reaper_deleted_total",
		Help: "Orphaned files deleted",
	})
	errorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageboard_reaper_errors_total",
		Help: "Files the reaper could not settle",
	})
	resetTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageboard_reaper_stale_reset_total",
		Help: "Abandoned processing claims reset, by follow-up action",
	}, []string{"action"})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imageboard_reaper_sweep_duration_seconds",
		Help:    "Duration of one reaper sweep",
		Buckets: prometheus.DefBuckets,
	})
)

// StaleLockError is recorded as last_error on files whose processing claim was abandoned.
type StaleLockError struct {
	Timeout time.Duration
}

func (e *StaleLockError) Error() string {
	return fmt.Sprintf("processing claim abandoned: no result within %s", e.Timeout)
}

type Result struct {
	Deleted      int
	Errors       int
	Reset        int
	DeadLettered int
	Duration     time.Duration
}

type Options struct {
	GracePeriod      time.Duration
	StaleLockTimeout time.Duration
	BatchSize        int
}

func OptionsFromConfig(cfg config.ReaperConfig) Options {
	return Options{
		GracePeriod:      cfg.GracePeriod,
		StaleLockTimeout: cfg.StaleLockTimeout,
		BatchSize:        cfg.BatchSize,
	}
}

type Reaper struct {
	files   repository.FileStore
	content storage.ContentStore
	queue   queue.Queue
	retry   *retry.Controller
	opts    Options
	now     func() time.Time
	logger  zerolog.Logger
}

func New(
	files repository.FileStore,
	content storage.ContentStore,
	q queue.Queue,
	controller *retry.Controller,
	opts Options,
	logger zerolog.Logger,
) *Reaper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Reaper{
		files:   files,
		content: content,
		queue:   q,
		retry:   controller,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("component", "reaper").Logger(),
	}
}

func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// Sweep runs the stale-lock phase, then the orphan phase. Per-file problems are counted in
// Result.Errors; the returned error reports a phase that could not run at all.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	start := r.now()
	timer := prometheus.NewTimer(sweepDuration)
	defer timer.ObserveDuration()

	var res Result
	var errs []error
	if err := r.resetStale(ctx, start, &res); err != nil {
		errs = append(errs, err)
	}
	if err := r.reapOrphans(ctx, start, &res); err != nil {
		errs = append(errs, err)
	}

	res.Duration = r.now().Sub(start)
	return res, errors.Join(errs...)
}

func (r *Reaper) resetStale(ctx context.Context, now time.Time, res *Result) error {
	reason := &StaleLockError{Timeout: r.opts.StaleLockTimeout}
	reset, err := r.files.ResetStale(ctx, now.Add(-r.opts.StaleLockTimeout), reason.Error())
	if err != nil {
		return fmt.Errorf("reset stale claims: %w", err)
	}

	for _, f := range reset {
		res.Reset++
		log := r.logger.With().Int64("file_id", f.ID).Int("attempt_count", f.AttemptCount).Logger()

		if r.retry.Decide(f, failure.ClassTransient).Action == retry.ActionDeadLetter {
			if _, err := r.files.DeadLetter(ctx, f.ID, f.LastError); err != nil {
				res.Errors++
				errorsTotal.Inc()
				log.Error().Err(err).Msg("dead-letter stale file")
				continue
			}
			res.DeadLettered++
			resetTotal.WithLabelValues("dead_lettered").Inc()
			log.Warn().Msg("stale claim dead-lettered")
			continue
		}

		if err := r.queue.Enqueue(ctx, models.LaneFor(f.DeclaredKind), models.JobFor(f)); err != nil {
			res.Errors++
			errorsTotal.Inc()
			log.Error().Err(err).Msg("requeue stale file")
			continue
		}
		resetTotal.WithLabelValues("requeued").Inc()
		log.Warn().Msg("stale claim requeued")
	}
	return nil
}

func (r *Reaper) reapOrphans(ctx context.Context, now time.Time, res *Result) error {
	cutoff := now.Add(-r.opts.GracePeriod)
	candidates, err := r.files.ListOrphanCandidates(ctx, cutoff, r.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list orphans: %w", err)
	}

	release := ReleaseBlobs(r.content)
	for _, f := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		deleted, err := r.files.ReapOrphan(ctx, f.ID, cutoff, release)
		if err != nil {
			res.Errors++
			errorsTotal.Inc()
			r.logger.Error().Err(err).Int64("file_id", f.ID).Msg("reap orphan")
			continue
		}
		if deleted {
			res.Deleted++
			deletedTotal.Inc()
			r.logger.Info().Int64("file_id", f.ID).Str("stored_key", f.StoredKey).Msg("orphan deleted")
		}
	}
	return nil
}

// ReleaseBlobs deletes every blob a file references. Any failure keeps the record.
func ReleaseBlobs(content storage.ContentStore) repository.ReleaseFunc {
	return func(ctx context.Context, f models.File) error {
		var errs []error
		if f.StoredKey != "" {
			if err := content.Delete(ctx, storage.BucketOriginals, f.StoredKey); err != nil {
				errs = append(errs, fmt.Errorf("delete original %s: %w", f.StoredKey, err))
			}
		}
		for _, key := range []string{f.NormalizedKey, f.ThumbnailKey} {
			if key == "" {
				continue
			}
			if err := content.Delete(ctx, storage.BucketVariants, key); err != nil {
				errs = append(errs, fmt.Errorf("delete variant %s: %w", key, err))
			}
		}
		return errors.Join(errs...)
	}
}
