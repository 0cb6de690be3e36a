package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrProviderError   = fmt.Errorf("provider error")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded")

	ErrToolNotFound       = fmt.Errorf("tool not found")
	ErrToolFailure        = fmt.Errorf("tool execution failed")
	ErrInvalidInput       = fmt.Errorf("invalid input")
	ErrPathOutsideSandbox = fmt.Errorf("path outside sandbox")

	ErrSessionNotFound = fmt.Errorf("session not found")
	ErrSessionBusy     = fmt.Errorf("session already has an active request")

	ErrEmptySummary    = fmt.Errorf("summarizer returned empty or unparseable output")
	ErrInflatedSummary = fmt.Errorf("compressed history is not smaller than the original")

	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrStore      = fmt.Errorf("session store operation failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Compressor.MaybeCompress")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
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

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed
// on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrContextOverflow)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeProviderError   ErrorCode = "PROVIDER_ERROR"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"
	CodeContextOverflow ErrorCode = "CONTEXT_OVERFLOW"
	CodeToolNotFound    ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure     ErrorCode = "TOOL_FAILURE"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodePathOutside     ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionBusy     ErrorCode = "SESSION_BUSY"
	CodeEmptySummary    ErrorCode = "EMPTY_SUMMARY"
	CodeInflatedSummary ErrorCode = "INFLATED_SUMMARY"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeStore           ErrorCode = "STORE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrProviderError:      CodeProviderError,
	ErrRateLimit:          CodeRateLimit,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrContextOverflow:    CodeContextOverflow,
	ErrToolNotFound:       CodeToolNotFound,
	ErrToolFailure:        CodeToolFailure,
	ErrInvalidInput:       CodeInvalidInput,
	ErrPathOutsideSandbox: CodePathOutside,
	ErrSessionNotFound:    CodeSessionNotFound,
	ErrSessionBusy:        CodeSessionBusy,
	ErrEmptySummary:       CodeEmptySummary,
	ErrInflatedSummary:    CodeInflatedSummary,
	ErrConfigLoad:         CodeConfigLoad,
	ErrStore:              CodeStore,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
