package gemini

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/config"
)

const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = 60 * time.Second
)

// breaker fails calls fast once a verb keeps failing.
type breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// newBreaker returns nil when breaking is disabled; a nil breaker runs fn directly.
func newBreaker(name string, cfg config.BreakerConfig, logger *slog.Logger) *breaker {
	if !cfg.Enabled {
		return nil
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	timeout := cfg.Timeout.D()
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval.D()
	if interval <= 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "cli:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Cancellation and invalid input are not CLI failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrCancelled) || errors.Is(err, domain.ErrInvalidInput)
		},
	})
	return &breaker{cb: cb}
}

func (b *breaker) do(op string, fn func() (any, error)) (any, error) {
	if b == nil {
		return fn()
	}
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewDomainError(op, domain.ErrCircuitOpen, b.cb.Name())
	}
	return v, err
}

func (b *breaker) state() string {
	if b == nil {
		return "disabled"
	}
	return b.cb.State().String()
}
