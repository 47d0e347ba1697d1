package process

import (
	"context"
	"log/slog"
	"os/exec"
	"slices"
	"sync/atomic"
	"time"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/config"
	"gemini-bridge/internal/infra/logger"
)

// DefaultResolveTTL is how long a probe result is trusted.
const DefaultResolveTTL = 5 * time.Minute

// ProbeFunc looks up an executable, with the contract of exec.LookPath.
type ProbeFunc func(file string) (string, error)

type cacheEntry struct {
	resolved   domain.ResolvedCommand
	resolvedAt time.Time
}

// Resolver chooses between the direct CLI binary and the fallback runner.
// The last probe result is cached for a TTL. Concurrent cold lookups may each
// probe; the last one to finish wins the cache slot.
type Resolver struct {
	direct   string
	fallback domain.ResolvedCommand
	ttl      time.Duration
	now      func() time.Time
	probe    ProbeFunc
	logger   *slog.Logger

	cache atomic.Pointer[cacheEntry]
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithTTL overrides the cache lifetime.
func WithTTL(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = d }
}

// WithClock injects the time source used for cache expiry.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithProbe replaces exec.LookPath.
func WithProbe(p ProbeFunc) ResolverOption {
	return func(r *Resolver) { r.probe = p }
}

// WithResolverLogger sets the logger; the resolver tags it with its module name.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver builds a Resolver from the gemini section of the config.
func NewResolver(cfg config.GeminiConfig, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		direct: cfg.Binary,
		fallback: domain.ResolvedCommand{
			Command:     cfg.FallbackCmd,
			InitialArgs: slices.Clone(cfg.FallbackArgs),
		},
		ttl:   cfg.ResolveTTL.D(),
		now:   time.Now,
		probe: exec.LookPath,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ttl <= 0 {
		r.ttl = DefaultResolveTTL
	}
	r.logger = logger.Module(r.logger, "resolver")
	return r
}

// Resolve returns the command to run. It never fails: a missing binary or a
// probe error degrades to the fallback runner. With allowFallback false the
// direct binary is returned without probing.
func (r *Resolver) Resolve(_ context.Context, allowFallback, useCache bool) domain.ResolvedCommand {
	if !allowFallback {
		return r.directCommand()
	}

	if useCache {
		if e := r.cache.Load(); e != nil && r.now().Sub(e.resolvedAt) < r.ttl {
			r.logger.Debug("using cached resolution", "command", e.resolved.String())
			return e.resolved
		}
	}

	resolved := r.resolveFresh()
	r.cache.Store(&cacheEntry{resolved: resolved, resolvedAt: r.now()})
	return resolved
}

func (r *Resolver) resolveFresh() domain.ResolvedCommand {
	path, err := r.probe(r.direct)
	if err == nil && path != "" {
		r.logger.Info("using direct cli", "command", r.direct, "path", path)
		return r.directCommand()
	}
	r.logger.Info("direct cli unavailable, using fallback runner",
		"command", r.direct,
		"fallback", r.fallback.String(),
		"error", err,
	)
	return domain.ResolvedCommand{Command: r.fallback.Command, InitialArgs: slices.Clone(r.fallback.InitialArgs)}
}

func (r *Resolver) directCommand() domain.ResolvedCommand {
	return domain.ResolvedCommand{Command: r.direct}
}

// Invalidate drops the cached resolution.
func (r *Resolver) Invalidate() {
	r.cache.Store(nil)
}

// SpawnFailed invalidates the cache when cmd is the cached direct binary, so
// a CLI removed from PATH is noticed before the TTL runs out.
func (r *Resolver) SpawnFailed(cmd domain.ResolvedCommand) {
	e := r.cache.Load()
	if e == nil || len(cmd.InitialArgs) != 0 || cmd.Command != r.direct {
		return
	}
	if e.resolved.Command == r.direct {
		r.logger.Warn("direct cli failed to start, invalidating cache", "command", cmd.Command)
		r.cache.CompareAndSwap(e, nil)
	}
}

// ResolverStatus describes the cached resolution.
type ResolverStatus struct {
	Cached     bool                   `json:"cached"`
	Command    domain.ResolvedCommand `json:"command"`
	Fallback   bool                   `json:"fallback"`
	ResolvedAt time.Time              `json:"resolved_at,omitzero"`
	Age        time.Duration          `json:"age"`
	TTL        time.Duration          `json:"ttl"`
}

// Status reports the cache without probing.
func (r *Resolver) Status() ResolverStatus {
	st := ResolverStatus{TTL: r.ttl}
	e := r.cache.Load()
	if e == nil || r.now().Sub(e.resolvedAt) >= r.ttl {
		return st
	}
	st.Cached = true
	st.Command = e.resolved
	st.Fallback = e.resolved.Command != r.direct
	st.ResolvedAt = e.resolvedAt
	st.Age = r.now().Sub(e.resolvedAt)
	return st
}
