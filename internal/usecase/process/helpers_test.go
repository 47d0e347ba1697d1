package process

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("subprocess tests use /bin/sh")
	}
}

func sh(script string) (domain.ResolvedCommand, []string) {
	return domain.ResolvedCommand{Command: "sh"}, []string{"-c", script}
}

// recordedSleep replaces real backoff waits and remembers the delays.
type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordedSleep) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestEngine(t *testing.T, cfg EngineConfig, observer SpawnObserver) (*Engine, *recordedSleep) {
	t.Helper()
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 200 * time.Millisecond
	}
	e := NewEngine(cfg, observer, logger.Discard())
	rs := &recordedSleep{}
	e.sleep = rs.sleep
	return e, rs
}
