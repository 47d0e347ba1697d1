package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CLIErrorKind tags the closed set of subprocess failures.
type CLIErrorKind string

const (
	KindTimeout          CLIErrorKind = "timeout"
	KindExecution        CLIErrorKind = "execution"
	KindSpawn            CLIErrorKind = "spawn"
	KindRetriesExhausted CLIErrorKind = "retries_exhausted"
)

// CLIError describes a failed CLI invocation. It carries enough context to
// report the failing command without running it again. Which fields are set
// depends on Kind:
//
//   - KindTimeout: Timeout
//   - KindExecution: ExitCode, Stdout, Stderr
//   - KindSpawn: Cause
//   - KindRetriesExhausted: Attempts, Cause (the last underlying error)
type CLIError struct {
	Kind     CLIErrorKind
	Command  string
	Args     []string
	Timeout  time.Duration
	ExitCode int
	Stdout   string
	Stderr   string
	Attempts int
	Cause    error
}

// NewTimeoutError reports a subprocess killed after exceeding its deadline.
func NewTimeoutError(command string, args []string, timeout time.Duration) *CLIError {
	return &CLIError{Kind: KindTimeout, Command: command, Args: cloneArgs(args), Timeout: timeout}
}

// NewExecutionError reports a subprocess that exited with a non-zero status.
func NewExecutionError(command string, args []string, exitCode int, stdout, stderr string) *CLIError {
	return &CLIError{
		Kind:     KindExecution,
		Command:  command,
		Args:     cloneArgs(args),
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}
}

// NewSpawnError reports a subprocess that could not be started.
func NewSpawnError(command string, args []string, cause error) *CLIError {
	return &CLIError{Kind: KindSpawn, Command: command, Args: cloneArgs(args), Cause: cause}
}

// NewRetriesExhaustedError wraps the last failure after all attempts were used.
func NewRetriesExhaustedError(command string, args []string, attempts int, last error) *CLIError {
	return &CLIError{
		Kind:     KindRetriesExhausted,
		Command:  command,
		Args:     cloneArgs(args),
		Attempts: attempts,
		Cause:    last,
	}
}

func (e *CLIError) Error() string {
	invocation := e.Invocation()
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("command %q timed out after %s", invocation, e.Timeout)
	case KindExecution:
		msg := fmt.Sprintf("command %q exited with code %d", invocation, e.ExitCode)
		if s := strings.TrimSpace(e.Stderr); s != "" {
			msg += ": " + s
		}
		return msg
	case KindSpawn:
		return fmt.Sprintf("failed to start command %q: %v", invocation, e.Cause)
	case KindRetriesExhausted:
		return fmt.Sprintf("command %q failed after %d attempt(s): %v", invocation, e.Attempts, e.Cause)
	default:
		return fmt.Sprintf("command %q failed", invocation)
	}
}

// Unwrap exposes the kind's sentinel and, where present, the underlying cause.
func (e *CLIError) Unwrap() []error {
	errs := []error{e.sentinel()}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Code returns the machine-parseable code for the error kind.
func (e *CLIError) Code() ErrorCode {
	switch e.Kind {
	case KindTimeout:
		return CodeCLITimeout
	case KindExecution:
		return CodeCLIExecution
	case KindSpawn:
		return CodeCLISpawn
	case KindRetriesExhausted:
		return CodeRetriesExhausted
	default:
		return CodeUnknown
	}
}

// Invocation renders the command line that failed.
func (e *CLIError) Invocation() string {
	if len(e.Args) == 0 {
		return e.Command
	}
	return e.Command + " " + strings.Join(e.Args, " ")
}

// Last returns the innermost CLIError for a retries-exhausted error, or e itself.
func (e *CLIError) Last() *CLIError {
	cur := e
	for cur.Kind == KindRetriesExhausted {
		next, ok := cur.Cause.(*CLIError)
		if !ok {
			break
		}
		cur = next
	}
	return cur
}

func (e *CLIError) sentinel() error {
	switch e.Kind {
	case KindTimeout:
		return ErrTimeout
	case KindExecution:
		return ErrCLIExecution
	case KindSpawn:
		return ErrCLISpawn
	case KindRetriesExhausted:
		return ErrRetriesExhausted
	default:
		return ErrCLIExecution
	}
}

// Exit codes that signal a failure a retry cannot fix.
const (
	ExitTimeout         = 124 // timeout(1) style deadline exit
	ExitRetryFailed     = 125 // launcher or wrapper failure
	ExitPermission      = 126 // found but not executable
	ExitCommandNotFound = 127
)

var permanentExitCodes = map[int]bool{
	ExitTimeout:         true,
	ExitRetryFailed:     true,
	ExitPermission:      true,
	ExitCommandNotFound: true,
}

// IsPermanentExitCode reports whether code belongs to the non-retryable set.
func IsPermanentExitCode(code int) bool {
	return permanentExitCodes[code]
}

// DefaultIsRetryable is the default retry policy: spawn failures and
// non-zero exits are retried unless the exit code is permanent. Timeouts,
// exhausted retries and errors outside the taxonomy are not retried.
func DefaultIsRetryable(err error) bool {
	var ce *CLIError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Kind {
	case KindSpawn:
		return true
	case KindExecution:
		return !IsPermanentExitCode(ce.ExitCode)
	default:
		return false
	}
}

func cloneArgs(args []string) []string {
	if args == nil {
		return nil
	}
	out := make([]string, len(args))
	copy(out, args)
	return out
}
