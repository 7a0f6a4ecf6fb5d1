package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/abdusss111/marbix-service/internal/config"
	"github.com/abdusss111/marbix-service/pkg/models"
)

// --- parseJob ---

func TestParseJob_Complete(t *testing.T) {
	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]any{
			"request_id": "req-1",
			"user_id":    "user-1",
			"payload":    `{"business_type":"SaaS","location":"Berlin"}`,
		},
	}

	job, err := parseJob(msg)
	require.NoError(t, err)
	assert.Equal(t, "req-1", job.RequestID)
	assert.Equal(t, "user-1", job.UserID)
	require.NotNil(t, job.Payload)
	assert.Equal(t, "SaaS", job.Payload.BusinessType)
	assert.Equal(t, "Berlin", job.Payload.Location)
}

func TestParseJob_MissingRequestID(t *testing.T) {
	msg := redis.XMessage{
		ID:     "1-0",
		Values: map[string]any{"user_id": "user-1"},
	}

	_, err := parseJob(msg)
	assert.Error(t, err)
}

func TestParseJob_MissingUserID(t *testing.T) {
	msg := redis.XMessage{
		ID:     "1-0",
		Values: map[string]any{"request_id": "req-1"},
	}

	_, err := parseJob(msg)
	assert.Error(t, err)
}

func TestParseJob_MalformedPayload(t *testing.T) {
	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]any{
			"request_id": "req-1",
			"user_id":    "user-1",
			"payload":    "{not json",
		},
	}

	_, err := parseJob(msg)
	assert.Error(t, err)
}

func TestParseJob_NoPayload(t *testing.T) {
	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]any{
			"request_id": "req-1",
			"user_id":    "user-1",
		},
	}

	job, err := parseJob(msg)
	require.NoError(t, err)
	assert.Nil(t, job.Payload)
}

// --- Redis integration ---

func setupQueue(t *testing.T, cfg config.QueueConfig) *RedisQueue {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	q, err := NewRedisQueue(ctx, "redis://"+host+":"+port.Port(), "test-consumer", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return q
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Stream:      "strategy:jobs",
		Group:       "workers",
		JobTimeout:  5 * time.Second,
		MaxTries:    3,
		Concurrency: 1,
	}
}

func TestEnqueueConsume_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t, testQueueConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := Job{
		RequestID: "req-roundtrip",
		UserID:    "user-1",
		Payload:   &models.StrategyPayload{BusinessType: "bakery", Location: "Almaty"},
	}
	require.NoError(t, q.Enqueue(ctx, job))

	var mu sync.Mutex
	var got []Job
	done := make(chan struct{})

	go q.Consume(ctx, func(_ context.Context, j Job) error {
		mu.Lock()
		got = append(got, j)
		mu.Unlock()
		close(done)
		return nil
	}, nil)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("job was not consumed in time")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "req-roundtrip", got[0].RequestID)
	assert.Equal(t, "user-1", got[0].UserID)
	require.NotNil(t, got[0].Payload)
	assert.Equal(t, "bakery", got[0].Payload.BusinessType)
}

func TestEnqueueConsume_AckRemovesEntry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	cfg := testQueueConfig()
	q := setupQueue(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, Job{RequestID: "req-ack", UserID: "user-1"}))

	done := make(chan struct{})
	go q.Consume(ctx, func(_ context.Context, _ Job) error {
		close(done)
		return nil
	}, nil)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("job was not consumed in time")
	}

	// The acknowledged entry is also deleted from the stream.
	assert.Eventually(t, func() bool {
		n, err := q.client.XLen(ctx, cfg.Stream).Result()
		return err == nil && n == 0
	}, 5*time.Second, 100*time.Millisecond)
	cancel()
}

func TestConsume_FailedJobIsRedelivered(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	cfg := testQueueConfig()
	cfg.JobTimeout = 500 * time.Millisecond
	q := setupQueue(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, Job{RequestID: "req-retry", UserID: "user-1"}))

	var mu sync.Mutex
	deliveries := 0
	done := make(chan struct{})

	go q.Consume(ctx, func(_ context.Context, _ Job) error {
		mu.Lock()
		deliveries++
		n := deliveries
		mu.Unlock()
		if n == 1 {
			return assert.AnError
		}
		close(done)
		return nil
	}, nil)

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("job was not redelivered in time")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, deliveries, 2)
}

func TestConsume_ExhaustedJobGoesToDeadHandler(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	cfg := testQueueConfig()
	cfg.JobTimeout = 300 * time.Millisecond
	cfg.MaxTries = 2
	q := setupQueue(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, Job{RequestID: "req-dead", UserID: "user-1"}))

	dead := make(chan Job, 1)
	go q.Consume(ctx, func(_ context.Context, _ Job) error {
		return assert.AnError
	}, func(_ context.Context, j Job, _ int64) {
		select {
		case dead <- j:
		default:
		}
	})

	select {
	case j := <-dead:
		assert.Equal(t, "req-dead", j.RequestID)
	case <-time.After(20 * time.Second):
		t.Fatal("job never reached the dead handler")
	}
	cancel()
}

func TestEnqueue_MalformedEntryIsDropped(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	cfg := testQueueConfig()
	q := setupQueue(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Entry with no request_id cannot be parsed and must be acked away.
	require.NoError(t, q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: cfg.Stream,
		Values: map[string]any{"garbage": "x"},
	}).Err())
	require.NoError(t, q.Enqueue(ctx, Job{RequestID: "req-after-garbage", UserID: "user-1"}))

	done := make(chan Job, 1)
	go q.Consume(ctx, func(_ context.Context, j Job) error {
		select {
		case done <- j:
		default:
		}
		return nil
	}, nil)

	select {
	case j := <-done:
		assert.Equal(t, "req-after-garbage", j.RequestID)
	case <-time.After(10 * time.Second):
		t.Fatal("valid job behind the malformed entry was not consumed")
	}
	cancel()
}
