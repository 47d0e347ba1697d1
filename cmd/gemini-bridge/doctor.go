package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/config"
	"gemini-bridge/internal/infra/logger"
	"gemini-bridge/internal/usecase/gemini"
	"gemini-bridge/internal/usecase/process"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

// Replaced in tests.
var (
	lookPath     = exec.LookPath
	versionProbe = probeVersion
)

const versionProbeTimeout = 30 * time.Second

// runDoctor executes all health checks and reports results.
func runDoctor(ctx context.Context, flags cliFlags, out io.Writer) error {
	cfgPath := configPath(flags, config.DefaultPath)

	// Some checks still run without a config.
	cfg, cfgErr := loadConfig(flags)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Gemini CLI", Fn: checkGeminiBinary},
		{Name: "Package runner", Fn: checkPackageRunner},
		{Name: "CLI responds", Fn: checkCLIResponds},
		{Name: "Working directory", Fn: checkWorkDir},
		{Name: "API key", Fn: checkAPIKey},
		{Name: "HTTP address", Fn: checkHTTPAddr},
	}

	results := runChecks(ctx, cfg, checks, out)
	if fail := countStatus(results, StatusFail); fail > 0 {
		fmt.Fprintln(out, "\nFix the FAIL issues above so the Gemini CLI can be run.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if countStatus(results, StatusWarn) > 0 {
		fmt.Fprintln(out, "\ngemini-bridge should work, but consider addressing the warnings.")
	} else {
		fmt.Fprintln(out, "\nAll checks passed! gemini-bridge is ready to run.")
	}
	return nil
}

func countStatus(results []CheckResult, status CheckStatus) int {
	n := 0
	for _, r := range results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// runChecks prints each result followed by a summary line.
func runChecks(ctx context.Context, cfg *config.Config, checks []Check, out io.Writer) []CheckResult {
	fmt.Fprintln(out, "gemini-bridge doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out)

	var pass, warn, fail int
	results := make([]CheckResult, 0, len(checks))

	for _, check := range checks {
		result := check.Fn(ctx, cfg)
		result.Name = check.Name
		results = append(results, result)

		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	return results
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var configNotLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// checkConfigFile reports whether the config file exists and loads. A missing
// file is only a warning because defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(_ context.Context, _ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check %s syntax and GEMINI_BRIDGE_* variables", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkGeminiBinary(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	path, err := lookPath(cfg.Gemini.Binary)
	if err == nil {
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s found at %s", cfg.Gemini.Binary, path)}
	}
	fix := "Install it with 'npm install -g @google/gemini-cli'"
	if cfg.Gemini.AllowFallback {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s not on PATH, calls will use %s", cfg.Gemini.Binary, cfg.Gemini.FallbackCmd),
			Fix:     fix,
		}
	}
	return CheckResult{
		Status:  StatusFail,
		Message: fmt.Sprintf("%s not on PATH and fallback is disabled", cfg.Gemini.Binary),
		Fix:     fix,
	}
}

func checkPackageRunner(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if !cfg.Gemini.AllowFallback {
		return CheckResult{Status: StatusPass, Message: "fallback disabled"}
	}
	if _, err := lookPath(cfg.Gemini.FallbackCmd); err != nil {
		status := StatusWarn
		if _, direct := lookPath(cfg.Gemini.Binary); direct != nil {
			status = StatusFail
		}
		return CheckResult{
			Status:  status,
			Message: fmt.Sprintf("%s not on PATH", cfg.Gemini.FallbackCmd),
			Fix:     "Install Node.js, which provides npx",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s %s available", cfg.Gemini.FallbackCmd, strings.Join(cfg.Gemini.FallbackArgs, " ")),
	}
}

func checkCLIResponds(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	start := time.Now()
	version, err := versionProbe(ctx, cfg)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: describeError(err),
			Fix:     "Run 'gemini --version' by hand to see the failure",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("version %s (%dms)", strings.TrimSpace(version), time.Since(start).Milliseconds()),
	}
}

// probeVersion runs "<cli> --version" once through the normal resolver and engine.
func probeVersion(ctx context.Context, cfg *config.Config) (string, error) {
	log := logger.Discard()
	resolver := process.NewResolver(cfg.Gemini)
	engine := process.NewEngine(process.EngineConfigFrom(cfg), resolver, log)

	once := domain.DefaultRetryConfig()
	once.MaxAttempts = 1
	env := map[string]domain.EnvValue{}
	if cfg.Gemini.APIKey != "" {
		env[gemini.APIKeyEnv] = domain.SetEnv(cfg.Gemini.APIKey)
	}
	cmd := resolver.Resolve(ctx, cfg.Gemini.AllowFallback, false)
	return engine.Execute(ctx, cmd, []string{"--version"}, domain.ExecutionOptions{Env: env, Retry: &once})
}

func checkWorkDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	dir := process.ResolveWorkDir("", cfg.Executor.WorkDir)
	info, err := os.Stat(dir)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s: %v", dir, err),
			Fix:     "Set executor.workdir or GEMINI_BRIDGE_WORKDIR to an existing directory",
		}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s is not a directory", dir)}
	}
	return CheckResult{Status: StatusPass, Message: dir}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	switch {
	case cfg.Gemini.APIKey != "":
		return CheckResult{Status: StatusPass, Message: "gemini.api_key configured"}
	case os.Getenv(gemini.APIKeyEnv) != "":
		return CheckResult{Status: StatusPass, Message: gemini.APIKeyEnv + " set"}
	default:
		return CheckResult{
			Status:  StatusWarn,
			Message: "no API key, the CLI will use its own login",
			Fix:     "Set " + gemini.APIKeyEnv + " or run 'gemini' once to sign in",
		}
	}
}

func checkHTTPAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.HTTP.Addr, err),
			Fix:     "Pick another address with --addr or GEMINI_BRIDGE_HTTP_ADDR (only needed for 'serve')",
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.HTTP.Addr)}
}
