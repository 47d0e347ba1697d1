package domain

import (
	"context"
	"fmt"
	"time"
)

// ResolvedCommand is the concrete executable chosen for an invocation.
// InitialArgs never contains Command itself.
type ResolvedCommand struct {
	Command     string   `json:"command"`
	InitialArgs []string `json:"initial_args"`
}

// Argv returns InitialArgs followed by args in a fresh slice.
func (c ResolvedCommand) Argv(args []string) []string {
	out := make([]string, 0, len(c.InitialArgs)+len(args))
	out = append(out, c.InitialArgs...)
	return append(out, args...)
}

func (c ResolvedCommand) String() string {
	if len(c.InitialArgs) == 0 {
		return c.Command
	}
	return fmt.Sprintf("%s %v", c.Command, c.InitialArgs)
}

// EnvValue is a caller override for one environment variable: either a value
// or an explicit unset.
type EnvValue struct {
	Value string
	unset bool
}

// SetEnv returns an override that sets the variable to v.
func SetEnv(v string) EnvValue { return EnvValue{Value: v} }

// Unset returns an override that removes the variable.
func Unset() EnvValue { return EnvValue{unset: true} }

// IsUnset reports whether the override removes the variable.
func (v EnvValue) IsUnset() bool { return v.unset }

// ExecutionOptions tunes a single call. Zero values fall back to engine defaults.
type ExecutionOptions struct {
	Timeout time.Duration
	WorkDir string
	Env     map[string]EnvValue
	Retry   *RetryConfig
}

// RetryConfig controls the retry wrapper around buffered execution.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	IsRetryable       func(error) bool
}

// DefaultRetryConfig returns the global retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          10 * time.Second,
		IsRetryable:       DefaultIsRetryable,
	}
}

// Validate checks the invariants of a retry configuration.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return NewDomainError("RetryConfig.Validate", ErrInvalidInput, "max attempts must be >= 1")
	case c.InitialDelay <= 0:
		return NewDomainError("RetryConfig.Validate", ErrInvalidInput, "initial delay must be > 0")
	case c.BackoffMultiplier < 1:
		return NewDomainError("RetryConfig.Validate", ErrInvalidInput, "backoff multiplier must be >= 1")
	case c.MaxDelay < c.InitialDelay:
		return NewDomainError("RetryConfig.Validate", ErrInvalidInput, "max delay must be >= initial delay")
	}
	return nil
}

// ExecutionResult is the captured output of a finished buffered call.
type ExecutionResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// StreamEventType identifies what a StreamEvent carries.
type StreamEventType string

const (
	StreamStdout StreamEventType = "stdout"
	StreamStderr StreamEventType = "stderr"
	StreamExit   StreamEventType = "exit"
)

// StreamEvent is one chunk of output, or the final exit notice, from a
// streaming subprocess.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Data     string          `json:"data,omitempty"`
	ExitCode int             `json:"exit_code,omitempty"`
	Err      error           `json:"-"`
}

// ProcessHandle is a live subprocess handed to the caller. The caller must
// drain Events (or Terminate) so the process is reaped.
type ProcessHandle interface {
	ID() string
	PID() int
	Events() <-chan StreamEvent
	Terminate() error
	Wait() (int, error)
}

// CommandExecutor runs a resolved CLI command either to completion or as a stream.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd ResolvedCommand, args []string, opts ExecutionOptions) (string, error)
	Stream(ctx context.Context, cmd ResolvedCommand, args []string, opts ExecutionOptions) (ProcessHandle, error)
}

// CommandResolver decides which executable serves an invocation.
type CommandResolver interface {
	Resolve(ctx context.Context, allowFallback, useCache bool) ResolvedCommand
}
