package agent

import (
	"errors"
	"fmt"
)

// ErrorCode classifies run failures for events and API responses.
type ErrorCode string

const (
	// ErrCodeConfiguration marks invalid or missing setup.
	ErrCodeConfiguration ErrorCode = "configuration"

	// ErrCodeInvalidState marks operations attempted before
	// initialization or on a run in a non-continuable status.
	ErrCodeInvalidState ErrorCode = "invalid_state"

	// ErrCodeValidation marks malformed tool arguments, malformed LLM
	// JSON, or bad input at the entrypoint.
	ErrCodeValidation ErrorCode = "validation"

	// ErrCodeToolNotFound marks a tool name unknown to the provider.
	ErrCodeToolNotFound ErrorCode = "tool_not_found"

	// ErrCodeStorage marks a failed persistence call.
	ErrCodeStorage ErrorCode = "storage"

	// ErrCodeLLM marks a failed LLM call.
	ErrCodeLLM ErrorCode = "llm"

	// ErrCodeIterationLimit marks the loop safety bound tripping.
	ErrCodeIterationLimit ErrorCode = "iteration_limit_exceeded"

	// ErrCodeAllToolsFailed marks a cycle where every tool call failed
	// and produced no usable message.
	ErrCodeAllToolsFailed ErrorCode = "all_tools_failed"

	// ErrCodeFinishReason marks an LLM turn ending with a reason the
	// loop cannot continue from (length, content_filter).
	ErrCodeFinishReason ErrorCode = "llm_finish_reason_error"
)

// Sentinels for errors.Is checks on common conditions.
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrThreadNotFound   = errors.New("thread not found")
	ErrRunNotResumable  = errors.New("run is not awaiting tool outputs")
	ErrRunTerminal      = errors.New("run is in a terminal status")
	ErrAlreadyCancelled = errors.New("run is already cancelled")
)

// Error is the classified error type crossing the agent boundary.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error wrapping cause (which may be nil).
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// Errorf builds a classified error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the classification from err; unclassified errors
// return the empty code.
func CodeOf(err error) ErrorCode {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
