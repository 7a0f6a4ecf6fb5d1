package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abdusss111/marbix-service/internal/config"
	"github.com/abdusss111/marbix-service/pkg/models"
)

const readBlock = 5 * time.Second

// RedisQueue implements the job queue on a Redis stream with a consumer group.
// Unacknowledged entries become eligible for claiming once they have been idle
// longer than the job timeout, which is what makes redelivery work across
// worker crashes.
type RedisQueue struct {
	client   *redis.Client
	cfg      config.QueueConfig
	consumer string
}

// NewRedisQueue connects to Redis and ensures the stream and consumer group exist.
func NewRedisQueue(ctx context.Context, redisURL, consumer string, cfg config.QueueConfig) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	err = client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		client.Close()
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &RedisQueue{client: client, cfg: cfg, consumer: consumer}, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue appends a job to the stream.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{
			"request_id": job.RequestID,
			"user_id":    job.UserID,
			"payload":    payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Consume runs cfg.Concurrency consumer goroutines until ctx is cancelled.
// Each delivery gets a context bounded by the job timeout. Jobs whose delivery
// count exceeds MaxTries are handed to dead and dropped.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler, dead DeadHandler) {
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.consumeLoop(ctx, fmt.Sprintf("%s-%d", q.consumer, n), handler, dead)
		}(i)
	}
	wg.Wait()
}

func (q *RedisQueue) consumeLoop(ctx context.Context, consumer string, handler Handler, dead DeadHandler) {
	for {
		if ctx.Err() != nil {
			return
		}

		// Stale deliveries first: entries another consumer read but never
		// acknowledged within the job timeout.
		claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: consumer,
			MinIdle:  q.cfg.JobTimeout,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && ctx.Err() == nil {
			slog.Error("claim stale jobs", "error", err)
		}

		messages := claimed
		if len(messages) == 0 {
			streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    q.cfg.Group,
				Consumer: consumer,
				Streams:  []string{q.cfg.Stream, ">"},
				Count:    1,
				Block:    readBlock,
			}).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("read jobs", "error", err)
				time.Sleep(time.Second)
				continue
			}
			for _, s := range streams {
				messages = append(messages, s.Messages...)
			}
		}

		for _, msg := range messages {
			q.process(ctx, consumer, msg, handler, dead)
		}
	}
}

func (q *RedisQueue) process(ctx context.Context, consumer string, msg redis.XMessage, handler Handler, dead DeadHandler) {
	job, err := parseJob(msg)
	if err != nil {
		slog.Error("drop malformed job entry", "id", msg.ID, "error", err)
		q.ack(ctx, msg.ID)
		return
	}

	deliveries := q.deliveryCount(ctx, msg.ID)
	if deliveries > int64(q.cfg.MaxTries) {
		slog.Warn("job exceeded max tries",
			"request_id", job.RequestID, "deliveries", deliveries, "max_tries", q.cfg.MaxTries)
		if dead != nil {
			dead(ctx, job, deliveries)
		}
		q.ack(ctx, msg.ID)
		return
	}

	slog.Info("job received",
		"request_id", job.RequestID, "consumer", consumer, "delivery", deliveries)

	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	err = handler(jobCtx, job)
	cancel()

	if err != nil {
		// Leave the entry pending; it becomes claimable after the job timeout.
		slog.Error("job failed, leaving for redelivery",
			"request_id", job.RequestID, "delivery", deliveries, "error", err)
		return
	}

	q.ack(ctx, msg.ID)
}

func (q *RedisQueue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(); err != nil && ctx.Err() == nil {
		slog.Error("ack job", "id", id, "error", err)
		return
	}
	if err := q.client.XDel(ctx, q.cfg.Stream, id).Err(); err != nil && ctx.Err() == nil {
		slog.Error("delete job entry", "id", id, "error", err)
	}
}

func (q *RedisQueue) deliveryCount(ctx context.Context, id string) int64 {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

func parseJob(msg redis.XMessage) (Job, error) {
	job := Job{}

	requestID, _ := msg.Values["request_id"].(string)
	userID, _ := msg.Values["user_id"].(string)
	if requestID == "" || userID == "" {
		return job, fmt.Errorf("entry %s missing request_id or user_id", msg.ID)
	}
	job.RequestID = requestID
	job.UserID = userID

	raw, _ := msg.Values["payload"].(string)
	if raw != "" {
		var payload models.StrategyPayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return job, fmt.Errorf("unmarshal payload: %w", err)
		}
		job.Payload = &payload
	}
	return job, nil
}
