package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/sameanonim/imageboard/internal/models"
)

var (
	reclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageboard_queue_reclaimed_total",
		Help: "Stream entries reclaimed from consumers that stopped acknowledging",
	}, []string{"lane"})

	promotedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageboard_queue_promoted_total",
		Help: "Delayed jobs moved back onto their lane",
	}, []string{"lane"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageboard_queue_dropped_total",
		Help: "Malformed entries acknowledged and dropped",
	}, []string{"lane"})
)

// promoteScript moves due members of the delayed set back onto the stream atomically.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, payload in ipairs(due) do
	redis.call('ZREM', KEYS[1], payload)
	redis.call('XADD', KEYS[2], '*', ARGV[3], payload)
end
return #due
`)

func (q *RedisQueue) Consume(ctx context.Context, lane models.Lane) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := q.promoteDue(ctx, lane); err != nil && ctx.Err() == nil {
			q.logger.Warn().Err(err).Str("lane", string(lane)).Msg("promote delayed jobs failed")
		}

		if q.claimDue(lane) {
			d, err := q.claimStalled(ctx, lane)
			if err != nil && ctx.Err() == nil {
				q.logger.Error().Err(err).Str("lane", string(lane)).Msg("claim error")
			}
			if d != nil {
				return d, nil
			}
		}

		d, err := q.read(ctx, lane)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
}

func (q *RedisQueue) read(ctx context.Context, lane models.Lane) (*Delivery, error) {
	result, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.streamKey(lane), ">"},
		Count:    1,
		Block:    q.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", lane, err)
	}

	for _, stream := range result {
		for _, msg := range stream.Messages {
			if d := q.decode(ctx, lane, msg); d != nil {
				return d, nil
			}
		}
	}
	return nil, nil
}

func (q *RedisQueue) claimDue(lane models.Lane) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if now.Sub(q.lastClaim[lane]) < q.claimInterval {
		return false
	}
	q.lastClaim[lane] = now
	return true
}

func (q *RedisQueue) claimStalled(ctx context.Context, lane models.Lane) (*Delivery, error) {
	stream := q.streamKey(lane)
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.group,
		Idle:   q.visibilityTimeout,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		return nil, err
	}

	for _, entry := range pending {
		if entry.Idle < q.visibilityTimeout {
			continue
		}
		msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.visibilityTimeout,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			q.logger.Error().Err(err).Str("message_id", entry.ID).Msg("claim error")
			continue
		}
		for _, msg := range msgs {
			if d := q.decode(ctx, lane, msg); d != nil {
				reclaimedTotal.WithLabelValues(string(lane)).Inc()
				q.logger.Warn().
					Str("lane", string(lane)).
					Str("message_id", msg.ID).
					Str("previous_consumer", entry.Consumer).
					Int64("deliveries", entry.RetryCount).
					Msg("reclaimed stalled job")
				return d, nil
			}
		}
	}
	return nil, nil
}

func (q *RedisQueue) promoteDue(ctx context.Context, lane models.Lane) error {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(lane), q.streamKey(lane)},
		strconv.FormatInt(q.now().UnixMilli(), 10),
		q.promoteBatch,
		payloadField,
	).Int()
	if err != nil {
		return err
	}
	if n > 0 {
		promotedTotal.WithLabelValues(string(lane)).Add(float64(n))
	}
	return nil
}

// decode parses a stream entry. Malformed entries are acked and dropped.
func (q *RedisQueue) decode(ctx context.Context, lane models.Lane, msg redis.XMessage) *Delivery {
	raw, _ := msg.Values[payloadField].(string)
	job, err := models.UnmarshalJob([]byte(raw))
	if err == nil {
		return &Delivery{ID: msg.ID, Lane: lane, Job: job}
	}

	droppedTotal.WithLabelValues(string(lane)).Inc()
	q.logger.Error().Err(err).Str("lane", string(lane)).Str("message_id", msg.ID).Msg("dropping malformed job")
	if ackErr := q.Ack(ctx, &Delivery{ID: msg.ID, Lane: lane}); ackErr != nil {
		q.logger.Error().Err(ackErr).Str("message_id", msg.ID).Msg("ack failed")
	}
	return nil
}
