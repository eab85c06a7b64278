package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/sameanonim/imageboard/internal/failure"
	"github.com/sameanonim/imageboard/internal/ids"
	"github.com/sameanonim/imageboard/internal/models"
	"github.com/sameanonim/imageboard/internal/notify"
	"github.com/sameanonim/imageboard/internal/repository"
	"github.com/sameanonim/imageboard/internal/retry"
	"github.com/sameanonim/imageboard/internal/storage"
	"github.com/sameanonim/imageboard/internal/transform"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageboard_jobs_total",
		Help: "Processing jobs by lane and outcome",
	}, []string{"lane", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imageboard_job_duration_seconds",
		Help:    "Time spent transforming one file",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"lane"})
)

var (
	ErrHardTimeLimit = errors.New("hard time limit exceeded")
	errClaimLost     = errors.New("claim lost")
)

// bookkeepingTimeout bounds store and queue writes made after the job context is gone.
const bookkeepingTimeout = 30 * time.Second

// Outcome tells the pool how to settle a delivery.
type Outcome struct {
	Retry bool
	Delay time.Duration
	// Job is the payload to requeue when Retry is set.
	Job models.Job
}

func ack() Outcome { return Outcome{} }

type Handler interface {
	Handle(ctx context.Context, job models.Job) Outcome
}

type HandlerFunc func(ctx context.Context, job models.Job) Outcome

func (fn HandlerFunc) Handle(ctx context.Context, job models.Job) Outcome { return fn(ctx, job) }

type Transformer interface {
	Transform(ctx context.Context, kind models.MediaKind, input []byte) (*transform.Output, error)
}

type Limits struct {
	Soft time.Duration
	Hard time.Duration
}

type Processor struct {
	files   repository.FileStore
	content storage.ContentStore
	engines Transformer
	retry   *retry.Controller
	limits  Limits
	hook    notify.Hook
	logger  zerolog.Logger
}

func NewProcessor(
	files repository.FileStore,
	content storage.ContentStore,
	engines Transformer,
	controller *retry.Controller,
	limits Limits,
	hook notify.Hook,
	logger zerolog.Logger,
) *Processor {
	if hook == nil {
		hook = notify.Nop
	}
	if limits.Hard < limits.Soft {
		limits.Hard = limits.Soft
	}
	return &Processor{
		files:   files,
		content: content,
		engines: engines,
		retry:   controller,
		limits:  limits,
		hook:    hook,
		logger:  logger.With().Str("component", "processor").Logger(),
	}
}

// Handle runs one attempt for the job's file. It never returns an error: every failure is
// recorded on the file and turned into an ack or a delayed requeue.
func (p *Processor) Handle(ctx context.Context, job models.Job) Outcome {
	log := p.logger.With().
		Int64("file_id", job.FileID).
		Str("transform_kind", string(job.TransformKind)).
		Int("attempt", job.Attempt).
		Logger()

	if job.TransformKind == models.TransformSweep {
		log.Warn().Msg("sweep job on a media lane, dropping")
		return ack()
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	token := ids.New()
	f, err := p.files.Claim(ctx, job.FileID, token, p.retry.MaxAttempts())
	if err != nil {
		if errors.Is(err, repository.ErrFileNotFound) || errors.Is(err, repository.ErrTransitionRejected) {
			p.settleRejected(bctx, log, job)
			return ack()
		}
		log.Error().Err(err).Msg("claim failed")
		return Outcome{Retry: true, Delay: p.retry.BaseDelay(), Job: job}
	}

	lane := string(models.LaneFor(f.DeclaredKind))
	log = log.With().Str("lane", lane).Logger()
	log.Debug().Msg("claimed")

	start := time.Now()
	out, runErr := p.run(ctx, f)
	jobDuration.WithLabelValues(lane).Observe(time.Since(start).Seconds())

	// A worker shutting down did not see the attempt through; hand the file back uncharged.
	if runErr != nil && ctx.Err() != nil && !errors.Is(runErr, ErrHardTimeLimit) {
		return p.interrupt(bctx, log, f, token, job, runErr)
	}

	if runErr == nil {
		done, err := p.complete(bctx, f, token, out)
		switch {
		case err == nil:
			jobsTotal.WithLabelValues(lane, "processed").Inc()
			log.Info().Int("width", done.Width).Int("height", done.Height).Msg("processed")
			if err := p.hook.OnProcessed(bctx, done); err != nil {
				log.Warn().Err(err).Msg("on_processed hook failed")
			}
			return ack()
		case errors.Is(err, errClaimLost):
			jobsTotal.WithLabelValues(lane, "claim_lost").Inc()
			log.Warn().Msg("claim lost before completion, output discarded")
			return ack()
		default:
			runErr = err
		}
	}

	return p.fail(bctx, log, f, token, job, runErr)
}

// run loads the original and transforms it under the soft and hard limits.
func (p *Processor) run(ctx context.Context, f models.File) (*transform.Output, error) {
	data, err := p.content.Get(ctx, storage.BucketOriginals, f.StoredKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, failure.Permanent(fmt.Errorf("original %s: %w", f.StoredKey, err))
		}
		return nil, failure.Transient(fmt.Errorf("load original: %w", err))
	}

	softCtx, cancel := context.WithTimeout(ctx, p.limits.Soft)
	defer cancel()

	type result struct {
		out *transform.Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: failure.Permanent(fmt.Errorf("transform panicked: %v", r))}
			}
		}()
		out, err := p.engines.Transform(softCtx, f.DeclaredKind, data)
		done <- result{out: out, err: err}
	}()

	hard := time.NewTimer(p.limits.Hard)
	defer hard.Stop()

	select {
	case r := <-done:
		if r.err == nil && r.out == nil {
			return nil, failure.Transient(errors.New("transform returned no output"))
		}
		return r.out, r.err
	case <-hard.C:
		return nil, failure.Transient(fmt.Errorf("%w (%s)", ErrHardTimeLimit, p.limits.Hard))
	case <-ctx.Done():
		return nil, failure.Transient(ctx.Err())
	}
}

// complete writes the variants and moves the file to processed. Variant keys carry the
// claim token so a stale worker never overwrites or deletes a newer attempt's output.
func (p *Processor) complete(ctx context.Context, f models.File, token string, out *transform.Output) (models.File, error) {
	var written []string
	c := repository.Completion{Width: out.Width, Height: out.Height}

	if out.Normalized != nil {
		c.NormalizedKey = ids.VariantKey(f.StoredKey, "normalized_"+token, out.NormalizedExt)
		if err := p.content.Put(ctx, storage.BucketVariants, c.NormalizedKey, out.Normalized, out.NormalizedType); err != nil {
			return models.File{}, failure.Transient(fmt.Errorf("store normalized: %w", err))
		}
		written = append(written, c.NormalizedKey)
	}

	c.ThumbnailKey = ids.VariantKey(f.StoredKey, "thumb_"+token, "jpg")
	if err := p.content.Put(ctx, storage.BucketVariants, c.ThumbnailKey, out.Thumbnail, out.ThumbnailType); err != nil {
		p.discard(ctx, written)
		return models.File{}, failure.Transient(fmt.Errorf("store thumbnail: %w", err))
	}
	written = append(written, c.ThumbnailKey)

	done, err := p.files.Complete(ctx, f.ID, token, c)
	if err != nil {
		p.discard(ctx, written)
		if errors.Is(err, repository.ErrTransitionRejected) || errors.Is(err, repository.ErrFileNotFound) {
			return models.File{}, errClaimLost
		}
		return models.File{}, failure.Transient(fmt.Errorf("complete: %w", err))
	}
	return done, nil
}

func (p *Processor) fail(ctx context.Context, log zerolog.Logger, f models.File, token string, job models.Job, cause error) Outcome {
	class := failure.ClassOf(cause)
	lane := string(models.LaneFor(f.DeclaredKind))

	failed, err := p.files.Fail(ctx, f.ID, token, cause.Error())
	if err != nil {
		if errors.Is(err, repository.ErrTransitionRejected) || errors.Is(err, repository.ErrFileNotFound) {
			jobsTotal.WithLabelValues(lane, "claim_lost").Inc()
			log.Warn().Err(cause).Msg("claim lost before failure was recorded")
			return ack()
		}
		// The claim stays in processing; the stale-lock sweep recovers it if this requeue is lost too.
		log.Error().Err(err).AnErr("cause", cause).Msg("record failure")
		return Outcome{Retry: true, Delay: p.retry.BaseDelay(), Job: job}
	}

	decision := p.retry.Decide(failed, class)
	log = log.With().Str("class", string(class)).Int("attempt_count", failed.AttemptCount).Logger()

	if decision.Action == retry.ActionDeadLetter {
		if _, err := p.files.DeadLetter(ctx, f.ID, failed.LastError); err != nil {
			log.Error().Err(err).Msg("dead-letter failed")
			return Outcome{Retry: true, Delay: p.retry.BaseDelay(), Job: models.JobFor(failed)}
		}
		jobsTotal.WithLabelValues(lane, "dead_lettered").Inc()
		msg := "retry budget exhausted, dead-lettered"
		if failure.IsPermanent(cause) {
			msg = "media rejected, dead-lettered"
		}
		log.Warn().Err(cause).Msg(msg)
		return ack()
	}

	jobsTotal.WithLabelValues(lane, "retried").Inc()
	log.Warn().Err(cause).Dur("delay", decision.Delay).Msg("attempt failed, retrying")
	return Outcome{Retry: true, Delay: decision.Delay, Job: models.JobFor(failed)}
}

func (p *Processor) interrupt(ctx context.Context, log zerolog.Logger, f models.File, token string, job models.Job, cause error) Outcome {
	lane := string(models.LaneFor(f.DeclaredKind))

	back, err := p.files.Interrupt(ctx, f.ID, token, "attempt interrupted: "+cause.Error())
	if err != nil {
		if errors.Is(err, repository.ErrTransitionRejected) || errors.Is(err, repository.ErrFileNotFound) {
			jobsTotal.WithLabelValues(lane, "claim_lost").Inc()
			return ack()
		}
		// Left in processing; the stale-lock sweep recovers it.
		log.Error().Err(err).Msg("hand back interrupted claim")
		return Outcome{Retry: true, Delay: p.retry.BaseDelay(), Job: job}
	}

	jobsTotal.WithLabelValues(lane, "interrupted").Inc()
	log.Info().Msg("attempt interrupted, requeued")
	return Outcome{Retry: true, Job: models.JobFor(back)}
}

// settleRejected finishes a file whose budget ran out but whose dead-letter write was lost.
func (p *Processor) settleRejected(ctx context.Context, log zerolog.Logger, job models.Job) {
	f, err := p.files.Get(ctx, job.FileID)
	if err != nil {
		if !errors.Is(err, repository.ErrFileNotFound) {
			log.Warn().Err(err).Msg("inspect rejected job")
		}
		log.Debug().Msg("file gone, job dropped")
		return
	}
	if f.Status == models.FileStatusFailed && f.AttemptCount >= p.retry.MaxAttempts() {
		if _, err := p.files.DeadLetter(ctx, f.ID, f.LastError); err != nil {
			log.Error().Err(err).Msg("dead-letter exhausted file")
			return
		}
		log.Warn().Msg("dead-lettered exhausted file")
		return
	}
	log.Debug().Str("status", string(f.Status)).Msg("claim rejected, job dropped")
}

func (p *Processor) discard(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := p.content.Delete(ctx, storage.BucketVariants, key); err != nil {
			p.logger.Warn().Err(err).Str("key", key).Msg("discard variant")
		}
	}
}
