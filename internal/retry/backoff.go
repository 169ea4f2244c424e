// Package retry provides the exponential-backoff retry helper shared by
// every component in this repo that needs the specific schedules spec.md
// names: the Producer's bounded retry on LOG_WRITE_FAILED (§7), the
// Streaming Transcription Consumer's ASR reconnect backoff (§4.3, 0.5s →
// 30s cap, park after 3 consecutive failures), and the Post-Conversation
// Pipeline's per-job retry (§4.9, ≤3 attempts).
//
// This is deliberately a plain retry loop, not a stateful circuit breaker:
// every caller here retries one operation a bounded number of times and
// then gives up for good (parks, fails the session, or records a per-job
// error) — there is no half-open probing or automatic recovery window to
// model, so a three-state circuit breaker would not fit.
package retry

import (
	"context"
	"log/slog"
	"time"
)

// Config bounds an exponential backoff schedule.
type Config struct {
	// MaxAttempts is the total number of calls to fn, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// Name labels log lines emitted on retry and final failure.
	Name string
}

// Do calls fn until it succeeds, ctx is cancelled, or cfg.MaxAttempts is
// exhausted, doubling the delay between attempts starting at
// cfg.InitialDelay and capping at cfg.MaxDelay. It returns the last error
// fn produced, or ctx.Err() if cancelled while waiting.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		slog.Warn("retry: attempt failed, backing off",
			"name", cfg.Name, "attempt", attempt, "max_attempts", cfg.MaxAttempts,
			"delay", delay, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	slog.Error("retry: all attempts exhausted", "name", cfg.Name, "attempts", cfg.MaxAttempts, "err", err)
	return err
}
