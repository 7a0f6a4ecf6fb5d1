// Package worker runs the two-stage strategy pipeline for each dequeued job:
// deep market research first, then strategy synthesis grounded on the research
// output. Stage failures are persisted on the request record and surfaced to
// subscribed clients; the queue decides whether the job gets another run.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/abdusss111/marbix-service/internal/ai"
	"github.com/abdusss111/marbix-service/internal/cache"
	"github.com/abdusss111/marbix-service/internal/notify"
	"github.com/abdusss111/marbix-service/internal/queue"
	"github.com/abdusss111/marbix-service/internal/store"
	"github.com/abdusss111/marbix-service/pkg/models"
)

// resultChunkSize is the payload size of one strategy_chunk event. Large
// strategies are streamed in pieces so no single websocket frame gets huge.
const resultChunkSize = 4000

// statusCacheTTL bounds how long the fast-path status entry lives in Redis.
const statusCacheTTL = 24 * time.Hour

// Researcher is the first pipeline stage.
type Researcher interface {
	Research(ctx context.Context, requestID string, payload *models.StrategyPayload) ai.Result
}

// Strategist is the second pipeline stage.
type Strategist interface {
	Generate(ctx context.Context, requestID string, payload *models.StrategyPayload, researchContent string, sources []string) ai.Result
}

// Pipeline executes jobs end to end. Safe for concurrent use; every Run works
// on its own request record.
type Pipeline struct {
	store      store.Store
	cache      cache.Cache
	researcher Researcher
	strategist Strategist
	events     notify.Sink
	logger     *slog.Logger
}

func NewPipeline(st store.Store, ch cache.Cache, researcher Researcher, strategist Strategist, events notify.Sink, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:      st,
		cache:      ch,
		researcher: researcher,
		strategist: strategist,
		events:     events,
		logger:     logger,
	}
}

// Run processes one job delivery. A nil return acknowledges the job. Returning
// an error leaves the job pending so the queue can redeliver it; the pipeline
// re-executes from the top on redelivery, so every step must tolerate a
// partially advanced record.
func (p *Pipeline) Run(ctx context.Context, job queue.Job) error {
	log := p.logger.With("request_id", job.RequestID, "user_id", job.UserID)

	rec, err := p.store.GetRequest(ctx, job.RequestID)
	if err != nil {
		if err == store.ErrNotFound {
			// Record vanished (retention sweep, manual delete). Nothing to do.
			log.Warn("job references unknown request, dropping")
			return nil
		}
		return fmt.Errorf("load request: %w", err)
	}
	if rec.Status == models.StatusCompleted {
		log.Info("request already completed, skipping re-run")
		return nil
	}
	if rec.Status == models.StatusError {
		// Re-delivery after a stage failure counts as a retry.
		if _, err := p.store.IncrementRetryCount(ctx, job.RequestID); err != nil {
			log.Warn("failed to increment retry count", "error", err)
		}
	}

	if err := p.store.MarkProcessing(ctx, job.RequestID); err != nil {
		if err == store.ErrTerminal {
			log.Info("request finished elsewhere, skipping")
			return nil
		}
		return fmt.Errorf("mark processing: %w", err)
	}
	p.cacheStatus(ctx, job.RequestID, models.StatusProcessing, log)
	p.emit(ctx, models.Event{
		RequestID: job.RequestID,
		Type:      models.EventStatusUpdate,
		Status:    models.StatusProcessing,
		Message:   "Starting deep market research...",
	}, log)

	log.Info("research stage started")
	research := p.researcher.Research(ctx, job.RequestID, job.Payload)
	if !research.Success {
		return p.stageFailed(ctx, job.RequestID, "Research failed: "+research.Err, log)
	}
	log.Info("research stage completed", "sources", len(research.Sources))

	if len(research.Sources) > 0 {
		if err := p.store.UpdateRequestSources(ctx, job.RequestID, research.Sources); err != nil {
			// Sources are best-effort context; the pipeline keeps going.
			log.Warn("failed to persist sources", "error", err)
		}
	}
	p.emit(ctx, models.Event{
		RequestID: job.RequestID,
		Type:      models.EventProgressUpdate,
		Status:    models.StatusProcessing,
		Message:   "Research completed. Generating comprehensive marketing strategy...",
		Progress:  50,
		Sources:   research.Sources,
	}, log)

	log.Info("strategy stage started")
	strategy := p.strategist.Generate(ctx, job.RequestID, job.Payload, research.Content, research.Sources)
	if !strategy.Success {
		return p.stageFailed(ctx, job.RequestID, "Strategy generation failed: "+strategy.Err, log)
	}
	log.Info("strategy stage completed", "result_bytes", len(strategy.Content))

	if err := p.store.UpdateRequestStatus(ctx, job.RequestID, models.StatusCompleted,
		store.WithResult(strategy.Content)); err != nil {
		if err == store.ErrTerminal {
			log.Info("request finished elsewhere, dropping result")
			return nil
		}
		return fmt.Errorf("persist result: %w", err)
	}
	p.cacheStatus(ctx, job.RequestID, models.StatusCompleted, log)
	p.streamResult(ctx, job.RequestID, strategy.Content, research.Sources, log)

	log.Info("pipeline completed")
	return nil
}

// Abandon is the dead-job path: the queue exhausted the delivery budget, so
// the record is permanently failed and clients are told to stop waiting.
func (p *Pipeline) Abandon(ctx context.Context, job queue.Job, deliveries int64) {
	log := p.logger.With("request_id", job.RequestID, "deliveries", deliveries)
	log.Error("job exhausted delivery budget, abandoning")

	if err := p.store.MarkFailed(ctx, job.RequestID, "max retries exceeded"); err != nil {
		if err != store.ErrTerminal && err != store.ErrNotFound {
			log.Error("failed to mark request failed", "error", err)
		}
		return
	}
	p.cacheStatus(ctx, job.RequestID, models.StatusFailed, log)
	p.emit(ctx, models.Event{
		RequestID: job.RequestID,
		Type:      models.EventError,
		Status:    models.StatusFailed,
		Error:     "max retries exceeded",
	}, log)
}

// stageFailed persists the stage error and returns a non-nil error so the
// queue keeps the job pending for another full pipeline run.
func (p *Pipeline) stageFailed(ctx context.Context, requestID, message string, log *slog.Logger) error {
	log.Error("pipeline stage failed", "error", message)

	if err := p.store.MarkError(ctx, requestID, message); err != nil {
		if err == store.ErrTerminal || err == store.ErrNotFound {
			return nil
		}
		log.Error("failed to persist stage error", "error", err)
	}
	p.cacheStatus(ctx, requestID, models.StatusError, log)
	p.emit(ctx, models.Event{
		RequestID: requestID,
		Type:      models.EventError,
		Status:    models.StatusError,
		Error:     message,
	}, log)
	return fmt.Errorf("%s", message)
}

// streamResult delivers the finished strategy as ordered strategy_chunk events
// followed by a single strategy_complete carrying the full result and sources.
func (p *Pipeline) streamResult(ctx context.Context, requestID, result string, sources []string, log *slog.Logger) {
	chunks := splitChunks(result, resultChunkSize)
	for i, chunk := range chunks {
		p.emit(ctx, models.Event{
			RequestID: requestID,
			Type:      models.EventStrategyChunk,
			Status:    models.StatusCompleted,
			Chunk:     chunk,
			Seq:       i + 1,
			Total:     len(chunks),
		}, log)
	}
	p.emit(ctx, models.Event{
		RequestID: requestID,
		Type:      models.EventStrategyComplete,
		Status:    models.StatusCompleted,
		Message:   "Strategy generation completed",
		Result:    result,
		Sources:   sources,
	}, log)
}

func (p *Pipeline) emit(ctx context.Context, event models.Event, log *slog.Logger) {
	if err := p.events.Publish(ctx, event); err != nil {
		log.Warn("failed to publish event", "type", event.Type, "error", err)
	}
}

func (p *Pipeline) cacheStatus(ctx context.Context, requestID, status string, log *slog.Logger) {
	if err := p.cache.SetRequestStatus(ctx, requestID, status, statusCacheTTL); err != nil {
		log.Warn("failed to cache request status", "error", err)
	}
}

// splitChunks cuts s into pieces of at most size bytes without splitting a
// UTF-8 sequence.
func splitChunks(s string, size int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	for len(s) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return append(chunks, s)
}
