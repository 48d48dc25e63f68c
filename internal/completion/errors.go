package completion

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched by the concrete error types through errors.Is.
var (
	// ErrNetwork indicates the provider could not be reached after every attempt.
	ErrNetwork = errors.New("completion network failure")

	// ErrAPI indicates the provider answered with a definitive failure.
	ErrAPI = errors.New("completion api failure")

	// ErrParsing indicates the provider output was not structured data.
	ErrParsing = errors.New("completion parsing failure")

	// ErrValidation indicates the structured output broke its contract.
	ErrValidation = errors.New("completion validation failure")

	// ErrMissingAPIKey is returned by New when no API key is configured.
	ErrMissingAPIKey = errors.New("completion api key is required")
)

// NetworkError is a transport failure that survived all retry attempts.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("completion request failed after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("completion request failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// APIError carries the provider's status code and reported error type/code.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
	// Retryable is true for 429 and 5xx responses that exhausted their retries.
	Retryable bool
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "completion API error (%d)", e.StatusCode)
	if e.Type != "" {
		fmt.Fprintf(&b, " type=%s", e.Type)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *APIError) Is(target error) bool { return target == ErrAPI }

// ParsingError means the response could not be decoded into structured data.
type ParsingError struct {
	Message string
	Err     error
}

func (e *ParsingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("completion parsing error: %s: %v", e.Message, e.Err)
	}
	return "completion parsing error: " + e.Message
}

func (e *ParsingError) Unwrap() error { return e.Err }

func (e *ParsingError) Is(target error) bool { return target == ErrParsing }

// ValidationError means the decoded payload does not satisfy the schema.
type ValidationError struct {
	Schema     string
	Message    string
	Expected   []string
	Received   []string
	Missing    []string
	Unexpected []string
	Err        error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "completion validation error for %q: %s", e.Schema, e.Message)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " (expected %v, received %v)", e.Expected, e.Received)
	}
	if len(e.Unexpected) > 0 {
		fmt.Fprintf(&b, " (unexpected %v)", e.Unexpected)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNetwork) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}
