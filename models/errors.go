package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UpstreamError is a non-2xx response from the AI provider. Retryable up
// to the configured attempt limit.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// TimeoutError indicates an AI call exceeded its deadline. Retryable.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ai call timed out after %s", e.Elapsed)
}

// ValidationError indicates the AI response was not valid JSON or was
// missing required fields. Retryable for synthesis: a malformed report
// must never be cached, so the call is repeated instead.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid ai response: " + e.Reason
}

// Retryable reports whether err is worth another attempt with the same
// prompt. Everything in the taxonomy is retryable, bounded by the
// attempt limit; a canceled caller context is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
