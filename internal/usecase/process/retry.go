package process

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/logger"
)

// Backoff returns the delay before the attempt following the 0-based attempt:
// min(InitialDelay * BackoffMultiplier^attempt, MaxDelay).
func Backoff(cfg domain.RetryConfig, attempt int) time.Duration {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if d > float64(cfg.MaxDelay) || math.IsInf(d, 1) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// Retry runs op until it succeeds, returns a non-retryable error, or uses up
// cfg.MaxAttempts. Exhaustion yields a retries-exhausted CLIError wrapping the
// last failure. Waits between attempts end early when ctx is done.
func Retry[T any](ctx context.Context, cfg domain.RetryConfig, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	return retry(ctx, cfg, op, sleepCtx, logger.Discard())
}

func retry[T any](
	ctx context.Context,
	cfg domain.RetryConfig,
	op func(ctx context.Context, attempt int) (T, error),
	sleep func(context.Context, time.Duration) error,
	log *slog.Logger,
) (T, error) {
	var zero T
	if err := cfg.Validate(); err != nil {
		return zero, err
	}
	retryable := cfg.IsRetryable
	if retryable == nil {
		retryable = domain.DefaultIsRetryable
	}

	var last error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		v, err := op(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return zero, err
		}
		last = err
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := Backoff(cfg, attempt)
		log.Warn("attempt failed, retrying",
			"attempt", attempt+1,
			"max_attempts", cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return zero, domain.NewDomainError("Retry", domain.ErrCancelled, err.Error())
		}
	}

	command, args := invocationOf(last)
	return zero, domain.NewRetriesExhaustedError(command, args, cfg.MaxAttempts, last)
}

func invocationOf(err error) (string, []string) {
	var ce *domain.CLIError
	if errors.As(err, &ce) {
		return ce.Command, ce.Args
	}
	return "", nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
