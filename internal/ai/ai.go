// Package ai holds the shared contract for the two pipeline stage clients.
// Clients never return Go errors for provider-level failures (rate limits,
// 5xx, timeouts, malformed bodies); every call produces a Result so the worker
// can always persist a clean error state.
package ai

import (
	"context"
	"time"
)

// MaxAttempts bounds the in-call retry loop of each stage client.
const MaxAttempts = 3

// maxRateLimitBackoff caps the exponential backoff applied on HTTP 429.
const maxRateLimitBackoff = 120 * time.Second

// Result is the normalized outcome of one stage call.
type Result struct {
	Success bool
	Content string
	Sources []string
	Err     string
}

// Failure builds an unsuccessful Result.
func Failure(msg string) Result {
	return Result{Err: msg}
}

// RateLimitBackoff returns base * 2^attempt capped at 120s, for 0-based attempts.
func RateLimitBackoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > maxRateLimitBackoff || d <= 0 {
		return maxRateLimitBackoff
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
