package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sameanonim/imageboard/internal/config"
	"github.com/sameanonim/imageboard/internal/models"
)

const payloadField = "job"

// RedisQueue maps each lane to a Redis stream read through one consumer group.
// Delayed jobs wait in a sorted set next to the stream until they are due.
type RedisQueue struct {
	client            *redis.Client
	prefix            string
	group             string
	consumer          string
	visibilityTimeout time.Duration
	claimInterval     time.Duration
	blockTimeout      time.Duration
	promoteBatch      int
	logger            zerolog.Logger
	now               func() time.Time

	mu        sync.Mutex
	lastClaim map[models.Lane]time.Time
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(client *redis.Client, cfg config.QueueConfig, logger zerolog.Logger) *RedisQueue {
	promoteBatch := cfg.PromoteBatch
	if promoteBatch <= 0 {
		promoteBatch = 100
	}
	return &RedisQueue{
		client:            client,
		prefix:            cfg.StreamPrefix,
		group:             cfg.Group,
		consumer:          cfg.Consumer,
		visibilityTimeout: cfg.VisibilityTimeout,
		claimInterval:     cfg.ClaimInterval,
		blockTimeout:      cfg.BlockTimeout,
		promoteBatch:      promoteBatch,
		logger:            logger.With().Str("component", "queue").Logger(),
		now:               time.Now,
		lastClaim:         make(map[models.Lane]time.Time),
	}
}

// EnsureGroups creates the lane streams and the consumer group if missing.
func (q *RedisQueue) EnsureGroups(ctx context.Context, lanes ...models.Lane) error {
	for _, lane := range lanes {
		err := q.client.XGroupCreateMkStream(ctx, q.streamKey(lane), q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group for lane %s: %w", lane, err)
		}
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, lane models.Lane, job models.Job) error {
	payload, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(lane),
		Values: map[string]any{payloadField: string(payload)},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", lane, err)
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	stream := q.streamKey(d.Lane)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, stream, q.group, d.ID)
		pipe.XDel(ctx, stream, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	payload, err := d.Job.Marshal()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	stream := q.streamKey(d.Lane)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if delay <= 0 {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				Values: map[string]any{payloadField: string(payload)},
			})
		} else {
			pipe.ZAdd(ctx, q.delayedKey(d.Lane), redis.Z{
				Score:  float64(q.now().Add(delay).UnixMilli()),
				Member: string(payload),
			})
		}
		pipe.XAck(ctx, stream, q.group, d.ID)
		pipe.XDel(ctx, stream, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("nack %s: %w", d.ID, err)
	}
	return nil
}

// Depth reports stream length and delayed count for a lane.
func (q *RedisQueue) Depth(ctx context.Context, lane models.Lane) (ready, delayed int64, err error) {
	ready, err = q.client.XLen(ctx, q.streamKey(lane)).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err = q.client.ZCard(ctx, q.delayedKey(lane)).Result()
	if err != nil {
		return 0, 0, err
	}
	return ready, delayed, nil
}

func (q *RedisQueue) streamKey(lane models.Lane) string {
	return q.prefix + ":" + string(lane)
}

func (q *RedisQueue) delayedKey(lane models.Lane) string {
	return q.streamKey(lane) + ":delayed"
}
