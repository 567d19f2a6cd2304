package server

import (
	"fmt"
	"strings"
)

// BridgeError carries troubleshooting context across the run boundary.
// Nothing from inside a run escapes uncaught; failures are converted
// into one of these at the boundary they cross.
type BridgeError struct {
	// Code identifies the error type
	Code ErrorCode

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// ErrorCode identifies categories of errors
type ErrorCode string

const (
	// Protocol errors
	ErrorCodeMalformedCommand ErrorCode = "MALFORMED_COMMAND"
	ErrorCodeClientGone       ErrorCode = "CLIENT_GONE"

	// Run lifecycle errors
	ErrorCodeBundleNotFound ErrorCode = "BUNDLE_NOT_FOUND"

	// Resource errors
	ErrorCodeHistoryUnavailable ErrorCode = "HISTORY_UNAVAILABLE"
)

// Error implements the error interface
func (e *BridgeError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		var contextParts []string
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying cause
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// WithContext adds a detail to the error
func (e *BridgeError) WithContext(key string, value interface{}) *BridgeError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewBridgeError creates an error with the given code and message
func NewBridgeError(code ErrorCode, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

// NewMalformedCommandError describes a command frame that did not parse.
// The connection is dropped without a response; this error is log-only.
func NewMalformedCommandError(cause error) *BridgeError {
	return &BridgeError{
		Code:       ErrorCodeMalformedCommand,
		Message:    "command frame did not parse; connection dropped",
		Cause:      cause,
		Suggestion: "Check that the client and host agree on the protocol version",
	}
}

// NewBundleNotFoundError describes a missing test bundle directory.
func NewBundleNotFoundError(dir string) *BridgeError {
	return &BridgeError{
		Code:       ErrorCodeBundleNotFound,
		Message:    "test bundle directory not found",
		Context:    map[string]interface{}{"bundle_dir": dir},
		Suggestion: "Verify the TestAssembly path exists on the host machine",
	}
}

// NewClientGoneError describes a client that disconnected mid-run. The
// run itself is unaffected; only the stream is lost.
func NewClientGoneError(runID string, cause error) *BridgeError {
	e := NewBridgeError(ErrorCodeClientGone, "client disconnected before the stream finished")
	e.Cause = cause
	return e.WithContext("run_id", runID)
}

// NewHistoryUnavailableError describes a run archive write failure.
func NewHistoryUnavailableError(runID string, cause error) *BridgeError {
	return &BridgeError{
		Code:       ErrorCodeHistoryUnavailable,
		Message:    "run not archived",
		Context:    map[string]interface{}{"run_id": runID},
		Cause:      cause,
		Suggestion: "Check that the history database path is writable",
	}
}
