package llm

import (
	"fmt"
	"time"
)

// ValidationError reports a request that failed pre-flight validation.
// It is returned synchronously, before any network activity.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("llm: invalid request: %s: %s", e.Field, e.Reason)
}

func validationErr(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ProviderError describes a non-success answer from the provider, either a
// non-2xx status or an error envelope inside a 200 body.
type ProviderError struct {
	StatusCode int
	Message    string
	Code       string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("llm: provider status %d", e.StatusCode)
	}
	return fmt.Sprintf("llm: provider status %d: %s", e.StatusCode, e.Message)
}

// ParseError reports a completion that violated the structured-output
// contract. It is deterministic for a given completion and is never retried
// against other models.
type ParseError struct {
	Content string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause == nil {
		return "llm: structured output did not parse"
	}
	return fmt.Sprintf("llm: structured output did not parse: %v", e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}
