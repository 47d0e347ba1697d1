package process

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel/trace"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/config"
	"gemini-bridge/internal/infra/logger"
	"gemini-bridge/internal/infra/tracer"
)

const (
	// DefaultTimeout applies when neither the call nor the engine sets one.
	DefaultTimeout = 2 * time.Minute
	// DefaultKillGrace bounds how long output pipes are drained after a kill.
	DefaultKillGrace = 2 * time.Second
)

// EngineConfig holds the engine-wide defaults.
type EngineConfig struct {
	Timeout   time.Duration
	WorkDir   string
	KillGrace time.Duration
	Retry     domain.RetryConfig
}

// EngineConfigFrom maps the executor and retry config sections.
func EngineConfigFrom(cfg *config.Config) EngineConfig {
	rc := domain.DefaultRetryConfig()
	rc.MaxAttempts = cfg.Retry.MaxAttempts
	rc.InitialDelay = cfg.Retry.InitialDelay.D()
	rc.BackoffMultiplier = cfg.Retry.BackoffMultiplier
	rc.MaxDelay = cfg.Retry.MaxDelay.D()
	return EngineConfig{
		Timeout:   cfg.Executor.Timeout.D(),
		WorkDir:   cfg.Executor.WorkDir,
		KillGrace: cfg.Executor.KillGrace.D(),
		Retry:     rc,
	}
}

// SpawnObserver is told when a command could not be started.
type SpawnObserver interface {
	SpawnFailed(cmd domain.ResolvedCommand)
}

// Engine runs CLI subprocesses. It holds no per-call state; concurrent calls
// each get their own process.
type Engine struct {
	cfg      EngineConfig
	observer SpawnObserver
	logger   *slog.Logger

	sleep   func(context.Context, time.Duration) error
	onStart func(pid int)
}

var _ domain.CommandExecutor = (*Engine)(nil)

// NewEngine creates an Engine. observer may be nil.
func NewEngine(cfg EngineConfig, observer SpawnObserver, log *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = domain.DefaultRetryConfig()
	}
	return &Engine{
		cfg:      cfg,
		observer: observer,
		logger:   logger.Module(log, "engine"),
		sleep:    sleepCtx,
	}
}

// Execute runs the command with the retry policy from opts or the engine
// default and returns its stdout.
func (e *Engine) Execute(ctx context.Context, cmd domain.ResolvedCommand, args []string, opts domain.ExecutionOptions) (string, error) {
	cfg := e.cfg.Retry
	if opts.Retry != nil {
		cfg = *opts.Retry
	}
	return retry(ctx, cfg, func(ctx context.Context, attempt int) (string, error) {
		res, err := e.run(ctx, cmd, args, opts, attempt)
		return res.Stdout, err
	}, e.sleep, e.logger)
}

// ExecuteWithTimeout runs a single attempt and returns its stdout.
func (e *Engine) ExecuteWithTimeout(ctx context.Context, cmd domain.ResolvedCommand, args []string, opts domain.ExecutionOptions) (string, error) {
	res, err := e.run(ctx, cmd, args, opts, 0)
	return res.Stdout, err
}

// Run is ExecuteWithTimeout returning the whole result.
func (e *Engine) Run(ctx context.Context, cmd domain.ResolvedCommand, args []string, opts domain.ExecutionOptions) (domain.ExecutionResult, error) {
	return e.run(ctx, cmd, args, opts, 0)
}

func (e *Engine) run(ctx context.Context, cmd domain.ResolvedCommand, args []string, opts domain.ExecutionOptions, attempt int) (res domain.ExecutionResult, err error) {
	argv := cmd.Argv(args)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	ctx, span := tracer.StartSpan(ctx, "cli.execute", trace.WithAttributes(
		tracer.StringAttr("cli.command", cmd.Command),
		tracer.IntAttr("cli.args", len(argv)),
		tracer.IntAttr("cli.attempt", attempt+1),
		tracer.DurationAttr("cli.timeout_ms", timeout),
		tracer.BoolAttr("cli.wrapped", len(cmd.InitialArgs) > 0),
	))
	defer func() {
		span.SetAttributes(tracer.IntAttr("cli.exit_code", res.ExitCode))
		tracer.End(span, err)
	}()

	// A caller deadline shorter than the timeout is reported as the timeout.
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = max(left.Round(time.Millisecond), 0)
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := e.command(runCtx, cmd.Command, argv, opts)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderrSink{w: &stderr, logger: e.logger}

	stdin, err := c.StdinPipe()
	if err != nil {
		return res, domain.NewSpawnError(cmd.Command, argv, err)
	}

	start := time.Now()
	if err := c.Start(); err != nil {
		e.spawnFailed(cmd)
		return res, domain.NewSpawnError(cmd.Command, argv, err)
	}
	stdin.Close()
	if e.onStart != nil {
		e.onStart(c.Process.Pid)
	}

	waitErr := c.Wait()
	res = domain.ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(c),
		Duration: time.Since(start),
	}

	switch {
	case waitErr == nil:
		e.logger.Debug("cli finished", "command", cmd.Command, "duration", res.Duration)
		return res, nil
	case errors.Is(ctx.Err(), context.Canceled):
		return res, domain.NewDomainError("Engine.Run", domain.ErrCancelled, ctx.Err().Error())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		e.logger.Warn("cli timed out", "command", cmd.Command, "timeout", timeout)
		return res, domain.NewTimeoutError(cmd.Command, argv, timeout)
	case errors.Is(waitErr, exec.ErrWaitDelay) && c.ProcessState != nil && c.ProcessState.Success():
		// Exited cleanly but a grandchild held the pipes open past KillGrace.
		e.logger.Warn("cli output pipes outlived the process", "command", cmd.Command)
		return res, nil
	}
	return res, domain.NewExecutionError(cmd.Command, argv, res.ExitCode, res.Stdout, res.Stderr)
}

// command prepares an exec.Cmd with the sanitized environment and working directory.
func (e *Engine) command(ctx context.Context, name string, argv []string, opts domain.ExecutionOptions) *exec.Cmd {
	env := PrepareEnv(opts.Env)
	c := exec.CommandContext(ctx, name, argv...)
	c.Dir = ResolveWorkDir(opts.WorkDir, e.cfg.WorkDir)
	c.Env = EnvSlice(env)
	c.WaitDelay = e.cfg.KillGrace
	setProcessGroup(c)

	e.logger.Debug("spawning cli",
		"command", name,
		"args", argv,
		"workdir", c.Dir,
		"env", logger.Lazy(func() any { return MaskSensitive(env) }),
	)
	return c
}

func (e *Engine) spawnFailed(cmd domain.ResolvedCommand) {
	if e.observer != nil {
		e.observer.SpawnFailed(cmd)
	}
}

func exitCode(c *exec.Cmd) int {
	if c.ProcessState == nil {
		return -1
	}
	return c.ProcessState.ExitCode()
}
