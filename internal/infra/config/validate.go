package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGemini(cfg, ve)
	validateExecutor(cfg, ve)
	validateRetry(cfg, ve)
	validateBreaker(cfg, ve)
	validateHTTP(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGemini(cfg *Config, ve *ValidationError) {
	g := cfg.Gemini
	if g.Binary == "" {
		ve.Add("gemini.binary must not be empty")
	}
	if g.AllowFallback && g.FallbackCmd == "" {
		ve.Add("gemini.fallback_cmd must not be empty when allow_fallback is set")
	}
	for _, a := range g.FallbackArgs {
		if a == g.FallbackCmd {
			ve.Add("gemini.fallback_args must not repeat fallback_cmd %q", g.FallbackCmd)
			break
		}
	}
	if g.ResolveTTL <= 0 {
		ve.Add("gemini.resolve_ttl must be > 0")
	}
}

func validateExecutor(cfg *Config, ve *ValidationError) {
	e := cfg.Executor
	if e.Timeout <= 0 {
		ve.Add("executor.timeout must be > 0")
	}
	if e.SearchTimeout <= 0 {
		ve.Add("executor.search_timeout must be > 0")
	}
	if e.ChatTimeout <= 0 {
		ve.Add("executor.chat_timeout must be > 0")
	}
	if e.KillGrace < 0 {
		ve.Add("executor.kill_grace must be >= 0")
	}
}

func validateRetry(cfg *Config, ve *ValidationError) {
	r := cfg.Retry
	if r.MaxAttempts < 1 {
		ve.Add("retry.max_attempts must be >= 1")
	}
	if r.InitialDelay <= 0 {
		ve.Add("retry.initial_delay must be > 0")
	}
	if r.BackoffMultiplier < 1 {
		ve.Add("retry.backoff_multiplier must be >= 1")
	}
	if r.MaxDelay < r.InitialDelay {
		ve.Add("retry.max_delay must be >= retry.initial_delay")
	}
}

func validateBreaker(cfg *Config, ve *ValidationError) {
	if !cfg.Breaker.Enabled {
		return
	}
	if cfg.Breaker.MaxFailures == 0 {
		ve.Add("breaker.max_failures must be > 0 when the breaker is enabled")
	}
	if cfg.Breaker.Timeout <= 0 {
		ve.Add("breaker.timeout must be > 0 when the breaker is enabled")
	}
}

func validateHTTP(cfg *Config, ve *ValidationError) {
	if cfg.HTTP.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
			ve.Add("http.addr %q is not host:port: %v", cfg.HTTP.Addr, err)
		}
	}
	if cfg.HTTP.RequestsPerMin <= 0 {
		ve.Add("http.requests_per_min must be > 0")
	}
	if cfg.HTTP.BurstSize <= 0 {
		ve.Add("http.burst_size must be > 0")
	}
	for _, p := range cfg.HTTP.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("http.trusted_proxies entry %q is not an IP", p)
		}
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
var validLogFormats = map[string]bool{"text": true, "json": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not one of noop, stdout", cfg.Tracer.Exporter)
	}
}
