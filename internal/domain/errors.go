package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific codes.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrCancelled    = fmt.Errorf("operation cancelled")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad  = fmt.Errorf("failed to load configuration")
	ErrCircuitOpen = fmt.Errorf("circuit open")

	// CLI execution errors. ErrTimeout is reused for the timeout kind.
	ErrCLIExecution     = fmt.Errorf("cli exited with non-zero status")
	ErrCLISpawn         = fmt.Errorf("cli could not be started")
	ErrRetriesExhausted = fmt.Errorf("cli retries exhausted")

	// Transport errors.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Engine.Execute")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "resolver", "engine"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// ErrorCode is a machine-parseable error category for monitoring and API responses.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	CodeCLIExecution     ErrorCode = "CLI_EXECUTION"
	CodeCLISpawn         ErrorCode = "CLI_SPAWN"
	CodeRetriesExhausted ErrorCode = "CLI_RETRIES_EXHAUSTED"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeCLITimeout       ErrorCode = "CLI_TIMEOUT"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeStreamMissing ErrorCode = "STREAM_NOT_FOUND"

	// Category codes, used when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeCancelled    ErrorCode = "CANCELLED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrTimeout:      CodeTimeout,
	ErrLimitReached: CodeLimitReached,
	ErrInvalidInput: CodeInvalidInput,
	ErrCancelled:    CodeCancelled,

	ErrConfigLoad:       CodeConfigLoad,
	ErrCircuitOpen:      CodeCircuitOpen,
	ErrCLIExecution:     CodeCLIExecution,
	ErrCLISpawn:         CodeCLISpawn,
	ErrRetriesExhausted: CodeRetriesExhausted,
	ErrRateLimit:        CodeRateLimit,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"stream": CodeStreamMissing,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It checks CLIError and DomainError first, then walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	// The retries-exhausted wrapper must win over the cause it carries.
	var ce *CLIError
	if errors.As(err, &ce) {
		return ce.Code()
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(e.Err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
