package core

import (
	"errors"
	"fmt"
)

// Stable machine-readable error codes carried on transport error envelopes.
const (
	CodePreconditionFailed = "precondition-failed"
	CodeNotFound           = "not-found"
	CodeValidation         = "validation-error"
	CodeConfiguration      = "configuration-error"
	CodeProvider           = "provider-error"
	CodeInternal           = "internal-error"
)

// ErrNotFound is returned when a conversation, event, subscription or blob
// does not exist in the underlying store.
var ErrNotFound = errors.New("not found")

// PreconditionError reports a stale lastClosedSeq on a conditional append.
// It is not fatal: the caller must refresh head state and retry.
type PreconditionError struct {
	Conversation int64
	Expected     int64 // precondition supplied by the caller
	Actual       int64 // conversation's current lastClosedSeq
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for conversation %d: lastClosedSeq is %d, caller expected %d",
		e.Conversation, e.Actual, e.Expected)
}

// ValidationError reports a structurally malformed request.
type ValidationError struct {
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string { return "validation: " + e.Message }

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports an inconsistent conversation configuration,
// e.g. guidance targeting an agent that is not a declared participant. It is
// reported rather than silently dropped.
type ConfigurationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string { return "configuration: " + e.Message }

// NewConfigurationError builds a ConfigurationError with a formatted message.
func NewConfigurationError(format string, args ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// ProviderError wraps a failure surfaced verbatim from an external
// collaborator such as a model provider. The core never retries these.
type ProviderError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

// Unwrap exposes the underlying provider error for errors.Is/As.
func (e *ProviderError) Unwrap() error { return e.Err }

// CodeOf maps an error to its stable transport code. Unknown errors map to
// CodeInternal.
func CodeOf(err error) string {
	var (
		pre  *PreconditionError
		val  *ValidationError
		conf *ConfigurationError
		prov *ProviderError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.As(err, &pre):
		return CodePreconditionFailed
	case errors.As(err, &val):
		return CodeValidation
	case errors.As(err, &conf):
		return CodeConfiguration
	case errors.As(err, &prov):
		return CodeProvider
	default:
		return CodeInternal
	}
}
