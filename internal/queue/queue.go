// Package queue provides the durable job queue between the API and the
// pipeline workers. Delivery is at-least-once: a job that is not acknowledged
// within the job timeout is redelivered, up to a bounded number of tries.
package queue

import (
	"context"
	"errors"

	"github.com/abdusss111/marbix-service/pkg/models"
)

var ErrUnavailable = errors.New("queue unavailable")

// Job is one pipeline execution handed to a worker.
type Job struct {
	RequestID string                  `json:"request_id"`
	UserID    string                  `json:"user_id"`
	Payload   *models.StrategyPayload `json:"payload"`
}

// Enqueuer is the producer side, used by the submission endpoint.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Handler processes one job delivery. A nil return acknowledges the job; a
// non-nil return leaves it pending for redelivery.
type Handler func(ctx context.Context, job Job) error

// DeadHandler is invoked when a job has exhausted its delivery budget. The job
// is acknowledged and dropped after the handler returns.
type DeadHandler func(ctx context.Context, job Job, deliveries int64)
