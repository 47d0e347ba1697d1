package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Request.Validate", ErrInvalidInput, "content is required")
	want := "Request.Validate: content is required: invalid input"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Service.Chat", ErrCircuitOpen, "")
	want := "Service.Chat: circuit open"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Config.Load", ErrConfigLoad, "gemini-bridge.yaml")
	if !errors.Is(err, ErrConfigLoad) {
		t.Error("errors.Is should match ErrConfigLoad")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Engine.Execute", ErrCancelled, "")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Engine.Execute" {
		t.Errorf("Op = %q, want %q", de.Op, "Engine.Execute")
	}
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(ErrCircuitOpen))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeInvalidInput, ErrorCodeOf(ErrInvalidInput))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrConfigLoad)
	assert.Equal(t, CodeConfigLoad, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	err := NewSubSystemError("stream", "Handles.Get", ErrNotFound, "01HX")
	assert.Equal(t, CodeStreamMissing, ErrorCodeOf(err))
	assert.Equal(t, CodeNotFound, ErrorCodeOf(NewDomainError("Op", ErrNotFound, "")))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

// --- CLI error taxonomy ---

func TestCLIErrorCodes(t *testing.T) {
	args := []string{"-p", "hi"}
	tests := []struct {
		err  *CLIError
		code ErrorCode
		is   error
	}{
		{NewTimeoutError("gemini", args, 0), CodeCLITimeout, ErrTimeout},
		{NewExecutionError("gemini", args, 1, "", "boom"), CodeCLIExecution, ErrCLIExecution},
		{NewSpawnError("gemini", args, errors.New("not found")), CodeCLISpawn, ErrCLISpawn},
		{NewRetriesExhaustedError("gemini", args, 3, errors.New("x")), CodeRetriesExhausted, ErrRetriesExhausted},
	}
	for _, tt := range tests {
		t.Run(string(tt.err.Kind), func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code())
			assert.Equal(t, tt.code, ErrorCodeOf(tt.err))
			assert.ErrorIs(t, tt.err, tt.is)
		})
	}
}

func TestCLIErrorPreservesInvocation(t *testing.T) {
	args := []string{"-p", "hello"}
	err := NewExecutionError("gemini", args, 2, "partial", "quota exceeded\n")
	args[1] = "mutated"

	assert.Equal(t, []string{"-p", "hello"}, err.Args)
	assert.Equal(t, "gemini -p hello", err.Invocation())
	assert.Equal(t, `command "gemini -p hello" exited with code 2: quota exceeded`, err.Error())
	assert.Equal(t, "partial", err.Stdout)
}

func TestRetriesExhaustedUnwrapsLastCause(t *testing.T) {
	last := NewExecutionError("gemini", nil, 1, "", "boom")
	err := NewRetriesExhaustedError("gemini", nil, 3, last)

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrCLIExecution)
	assert.Same(t, last, err.Last())
	assert.Equal(t, CodeRetriesExhausted, ErrorCodeOf(fmt.Errorf("wrapped: %w", err)))
}

func TestDefaultIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"spawn", NewSpawnError("gemini", nil, errors.New("enoent")), true},
		{"exit 1", NewExecutionError("gemini", nil, 1, "", ""), true},
		{"exit 124", NewExecutionError("gemini", nil, ExitTimeout, "", ""), false},
		{"exit 125", NewExecutionError("gemini", nil, ExitRetryFailed, "", ""), false},
		{"exit 126", NewExecutionError("gemini", nil, ExitPermission, "", ""), false},
		{"exit 127", NewExecutionError("gemini", nil, ExitCommandNotFound, "", ""), false},
		{"timeout", NewTimeoutError("gemini", nil, 0), false},
		{"exhausted", NewRetriesExhaustedError("gemini", nil, 2, NewSpawnError("gemini", nil, nil)), false},
		{"wrapped spawn", fmt.Errorf("attempt: %w", NewSpawnError("gemini", nil, nil)), true},
		{"foreign", errors.New("other"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultIsRetryable(tt.err))
		})
	}
}

func TestRetryConfigValidate(t *testing.T) {
	require.NoError(t, DefaultRetryConfig().Validate())

	bad := DefaultRetryConfig()
	bad.MaxAttempts = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidInput)

	bad = DefaultRetryConfig()
	bad.BackoffMultiplier = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultRetryConfig()
	bad.MaxDelay = bad.InitialDelay / 2
	assert.Error(t, bad.Validate())
}

func TestResolvedCommandArgv(t *testing.T) {
	cmd := ResolvedCommand{Command: "npx", InitialArgs: []string{"-y", "@google/gemini-cli"}}
	argv := cmd.Argv([]string{"-p", "hi"})
	assert.Equal(t, []string{"-y", "@google/gemini-cli", "-p", "hi"}, argv)

	argv[0] = "changed"
	assert.Equal(t, "-y", cmd.InitialArgs[0])
}

func TestRequestValidate(t *testing.T) {
	require.NoError(t, Request{Mode: ModeSearch, Content: "go"}.Validate())
	assert.ErrorIs(t, Request{Mode: "other", Content: "go"}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, Request{Mode: ModeChat}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, Request{Mode: ModeSearch, Content: "go", Limit: -1}.Validate(), ErrInvalidInput)
}

func TestEnvValue(t *testing.T) {
	assert.False(t, SetEnv("x").IsUnset())
	assert.True(t, Unset().IsUnset())
	assert.Equal(t, "x", SetEnv("x").Value)
}

func TestErrorCodeOf_TimeoutSubSystemFallsBackToCategory(t *testing.T) {
	err := NewSubSystemError("cli", "Engine.Run", ErrTimeout, "")
	assert.Equal(t, CodeTimeout, ErrorCodeOf(err))
	assert.Equal(t, CodeCLITimeout, ErrorCodeOf(NewTimeoutError("gemini", nil, 0)))
}
