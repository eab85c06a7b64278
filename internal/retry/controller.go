// Package retry decides what happens to a file after a failed processing attempt.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sameanonim/imageboard/internal/config"
	"github.com/sameanonim/imageboard/internal/failure"
	"github.com/sameanonim/imageboard/internal/models"
)

type Action string

const (
	ActionRetry      Action = "retry"
	ActionDeadLetter Action = "dead_letter"
)

type Decision struct {
	Action Action
	// Delay is set for ActionRetry only.
	Delay time.Duration
}

type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
}

func PolicyFromConfig(cfg config.PipelineConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.RetryBase,
		Max:         cfg.RetryMax,
		Multiplier:  cfg.RetryMultiplier,
	}
}

type Controller struct {
	policy Policy
}

func NewController(policy Policy) *Controller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if policy.Max < policy.Base {
		policy.Max = policy.Base
	}
	return &Controller{policy: policy}
}

func (c *Controller) MaxAttempts() int { return c.policy.MaxAttempts }

// Decide expects f to carry the attempt count after the failed attempt was recorded.
func (c *Controller) Decide(f models.File, class failure.Class) Decision {
	if class == failure.ClassPermanent || f.AttemptCount >= c.policy.MaxAttempts {
		return Decision{Action: ActionDeadLetter}
	}
	return Decision{Action: ActionRetry, Delay: c.Delay(f.AttemptCount)}
}

// Delay returns base * multiplier^(attempt-1), capped at the policy maximum.
func (c *Controller) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.Base
	b.MaxInterval = c.policy.Max
	b.Multiplier = c.policy.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt && delay < c.policy.Max; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// BaseDelay is used when a store or queue outage prevents a decision.
func (c *Controller) BaseDelay() time.Duration { return c.policy.Base }
