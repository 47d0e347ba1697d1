package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/config"
	"gemini-bridge/internal/infra/logger"
	"gemini-bridge/internal/infra/tracer"
	"gemini-bridge/internal/usecase/gemini"
	"gemini-bridge/internal/usecase/process"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	resolver *process.Resolver
	engine   *process.Engine
	service  *gemini.Service
	streams  *process.Registry

	closers []func()
}

// loadConfig reads the config file and applies command-line overrides on top
// of file and environment values.
func loadConfig(flags cliFlags) (*config.Config, error) {
	cfg, err := config.Load(configPath(flags, config.DefaultPath))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	applyFlags(cfg, flags)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, flags cliFlags) {
	if flags.NoFallback {
		cfg.Gemini.AllowFallback = false
	}
	if flags.Model != "" {
		cfg.Gemini.DefaultModel = flags.Model
	}
	if flags.WorkDir != "" {
		cfg.Executor.WorkDir = flags.WorkDir
	}
	if flags.Addr != "" {
		cfg.HTTP.Addr = flags.Addr
	}
}

// bootstrap loads config and wires logger, tracer, resolver, engine and
// service. stdio reserves stdout for protocol traffic.
func bootstrap(ctx context.Context, flags cliFlags, stdio bool) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if stdio && strings.EqualFold(cfg.Logger.Output, "stdout") {
		cfg.Logger.Output = "stderr"
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, func() { _ = logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, func() { _ = tracerShutdown(context.Background()) })

	a.resolver = process.NewResolver(cfg.Gemini, process.WithResolverLogger(log))
	a.engine = process.NewEngine(process.EngineConfigFrom(cfg), a.resolver, log)
	a.service = gemini.NewService(a.engine, a.resolver, cfg, log)
	a.streams = process.NewRegistry(log)
	a.closers = append(a.closers, a.streams.Stop)

	log.Debug("components wired",
		"binary", cfg.Gemini.Binary,
		"allow_fallback", cfg.Gemini.AllowFallback,
		"max_attempts", cfg.Retry.MaxAttempts,
	)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
