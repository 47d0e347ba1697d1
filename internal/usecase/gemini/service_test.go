package gemini

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/config"
	"gemini-bridge/internal/infra/logger"
	"gemini-bridge/internal/usecase/process"
)

type call struct {
	cmd  domain.ResolvedCommand
	args []string
	opts domain.ExecutionOptions
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []call
	out   string
	err   error
}

func (f *fakeExecutor) Execute(_ context.Context, cmd domain.ResolvedCommand, args []string, opts domain.ExecutionOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{cmd, args, opts})
	return f.out, f.err
}

func (f *fakeExecutor) StartStream(context.Context, domain.ResolvedCommand, []string, domain.ExecutionOptions) (*process.Handle, error) {
	return nil, errors.New("not supported by fake")
}

func (f *fakeExecutor) last(t *testing.T) call {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type fakeResolver struct {
	allowFallback []bool
}

func (r *fakeResolver) Resolve(_ context.Context, allowFallback, _ bool) domain.ResolvedCommand {
	r.allowFallback = append(r.allowFallback, allowFallback)
	if allowFallback {
		return domain.ResolvedCommand{Command: "npx", InitialArgs: []string{"-y", "@google/gemini-cli"}}
	}
	return domain.ResolvedCommand{Command: "gemini"}
}

func newTestService(exec Executor, mutate func(*config.Config)) (*Service, *fakeResolver) {
	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}
	r := &fakeResolver{}
	return NewService(exec, r, cfg, logger.Discard()), r
}

func TestServiceSearch_BuildsInvocation(t *testing.T) {
	exec := &fakeExecutor{out: "```json\n[{\"title\":\"t\",\"url\":\"u\",\"snippet\":\"s\"}]\n```"}
	svc, r := newTestService(exec, nil)

	out, err := svc.Search(context.Background(), domain.Request{Content: "TypeScript", Raw: true, Limit: 5, WorkDir: "/tmp"}, true)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "[\n  {"), "raw output should be pretty-printed, got %q", out)
	c := exec.last(t)
	assert.Equal(t, "npx", c.cmd.Command)
	assert.Equal(t, 60*time.Second, c.opts.Timeout)
	assert.Equal(t, "/tmp", c.opts.WorkDir)
	assert.Nil(t, c.opts.Env)
	assert.Contains(t, c.args[len(c.args)-1], "at most 5 sources")
	assert.Equal(t, []bool{true}, r.allowFallback)
}

func TestServiceSearch_PlainOutputUntouched(t *testing.T) {
	exec := &fakeExecutor{out: "```json\n{}\n```"}
	svc, _ := newTestService(exec, nil)

	out, err := svc.Search(context.Background(), domain.Request{Content: "go"}, false)
	require.NoError(t, err)
	assert.Equal(t, "```json\n{}\n```", out)
}

func TestServiceChat_TimeoutModelAndKey(t *testing.T) {
	exec := &fakeExecutor{out: "hi there"}
	svc, r := newTestService(exec, func(c *config.Config) {
		c.Gemini.DefaultModel = "gemini-2.5-flash"
		c.Gemini.APIKey = "from-config"
	})

	out, err := svc.Chat(context.Background(), domain.Request{Content: "hello"}, false)
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)

	c := exec.last(t)
	assert.Equal(t, "gemini", c.cmd.Command)
	assert.Equal(t, 5*time.Minute, c.opts.Timeout)
	assert.Equal(t, []string{"-m", "gemini-2.5-flash", "-p", "hello"}, c.args)
	assert.Equal(t, domain.SetEnv("from-config"), c.opts.Env[APIKeyEnv])
	assert.Equal(t, []bool{false}, r.allowFallback)

	_, err = svc.Chat(context.Background(), domain.Request{Content: "again", APIKey: "from-request", Model: "pro"}, false)
	require.NoError(t, err)
	c = exec.last(t)
	assert.Equal(t, domain.SetEnv("from-request"), c.opts.Env[APIKeyEnv])
	assert.Equal(t, "pro", c.args[1])
}

func TestServiceRejectsEmptyContent(t *testing.T) {
	exec := &fakeExecutor{}
	svc, _ := newTestService(exec, nil)

	_, err := svc.Search(context.Background(), domain.Request{}, true)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.Chat(context.Background(), domain.Request{Content: ""}, true)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, exec.calls)
}

func TestServiceBreakerOpens(t *testing.T) {
	exec := &fakeExecutor{err: domain.NewSpawnError("gemini", nil, errors.New("enoent"))}
	svc, _ := newTestService(exec, func(c *config.Config) {
		c.Breaker.MaxFailures = 2
	})

	for i := 0; i < 2; i++ {
		_, err := svc.Chat(context.Background(), domain.Request{Content: "x"}, true)
		assert.ErrorIs(t, err, domain.ErrCLISpawn)
	}
	_, err := svc.Chat(context.Background(), domain.Request{Content: "x"}, true)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, domain.CodeCircuitOpen, domain.ErrorCodeOf(err))
	assert.Len(t, exec.calls, 2, "open circuit must not reach the executor")

	states := svc.BreakerStates()
	assert.Equal(t, "open", states["chat"])
	assert.Equal(t, "closed", states["search"])
}

func TestServiceBreakerIgnoresCancellation(t *testing.T) {
	exec := &fakeExecutor{err: domain.NewDomainError("Engine.Run", domain.ErrCancelled, "context canceled")}
	svc, _ := newTestService(exec, func(c *config.Config) {
		c.Breaker.MaxFailures = 1
	})

	for i := 0; i < 3; i++ {
		_, err := svc.Search(context.Background(), domain.Request{Content: "x"}, true)
		assert.ErrorIs(t, err, domain.ErrCancelled)
	}
	assert.Equal(t, "closed", svc.BreakerStates()["search"])
}

func TestServiceBreakerDisabled(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("boom")}
	svc, _ := newTestService(exec, func(c *config.Config) {
		c.Breaker.Enabled = false
	})

	for i := 0; i < 10; i++ {
		_, _ = svc.Chat(context.Background(), domain.Request{Content: "x"}, true)
	}
	assert.Len(t, exec.calls, 10)
	assert.Equal(t, "disabled", svc.BreakerStates()["chat"])
}

func TestServiceHelp_SingleAttempt(t *testing.T) {
	cause := domain.NewExecutionError("gemini", []string{"--help"}, 1, "", "bad")
	exec := &fakeExecutor{err: domain.NewRetriesExhaustedError("gemini", []string{"--help"}, 1, cause)}
	svc, _ := newTestService(exec, nil)

	_, err := svc.Help(context.Background(), true)
	assert.Same(t, cause, err)

	c := exec.last(t)
	assert.Equal(t, []string{"--help"}, c.args)
	require.NotNil(t, c.opts.Retry)
	assert.Equal(t, 1, c.opts.Retry.MaxAttempts)
}

// writeFakeCLI installs a script that echoes its arguments and the API key.
func writeFakeCLI(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake CLI is a shell script")
	}
	path := filepath.Join(t.TempDir(), "gemini")
	script := "#!/bin/sh\necho \"Loaded cached credentials.\" >&2\nfor a in \"$@\"; do echo \"arg:$a\"; done\necho \"key:${GEMINI_API_KEY-none}\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestServiceChatStream_EndToEnd(t *testing.T) {
	bin := writeFakeCLI(t)
	cfg := config.Defaults()
	cfg.Gemini.Binary = bin
	resolver := process.NewResolver(cfg.Gemini)
	engine := process.NewEngine(process.EngineConfigFrom(cfg), resolver, logger.Discard())
	svc := NewService(engine, resolver, cfg, logger.Discard())

	h, err := svc.ChatStream(context.Background(), domain.Request{Content: "stream me", APIKey: "k"}, true)
	require.NoError(t, err)

	var stdout strings.Builder
	for ev := range h.Events() {
		if ev.Type == domain.StreamStdout {
			stdout.WriteString(ev.Data)
		}
	}
	code, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "arg:-p\narg:stream me\nkey:k\n", stdout.String())
	assert.Equal(t, bin, resolver.Status().Command.Command)
}

func TestServiceSearch_EndToEnd(t *testing.T) {
	bin := writeFakeCLI(t)
	cfg := config.Defaults()
	cfg.Gemini.Binary = bin
	resolver := process.NewResolver(cfg.Gemini)
	engine := process.NewEngine(process.EngineConfigFrom(cfg), resolver, logger.Discard())
	svc := NewService(engine, resolver, cfg, logger.Discard())

	out, err := svc.Search(context.Background(), domain.Request{Content: "TypeScript", Limit: 5, Raw: true}, true)
	require.NoError(t, err)
	assert.Contains(t, out, "arg:-p\n")
	assert.Contains(t, out, "at most 5 sources")
	assert.Contains(t, out, "key:none")
}
