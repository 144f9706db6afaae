// Package gwerrors defines the gateway error taxonomy and its mapping to
// HTTP status codes. Validation and compliance failures are terminal;
// upstream failures are only surfaced after the publish retry budget is
// exhausted.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ValidationError reports a malformed envelope or an unknown
// channel/persona/region. Maps to 400 (422 for envelope bodies, decided
// at the route layer).
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s (fields: %s)", e.Reason, strings.Join(e.Fields, ", "))
}

// NewValidationError builds a ValidationError naming the offending fields.
func NewValidationError(reason string, fields ...string) *ValidationError {
	return &ValidationError{Reason: reason, Fields: fields}
}

// ComplianceError reports rendered content that violates channel policy.
// Maps to 422.
type ComplianceError struct {
	Channel string
	Errors  []string
}

func (e *ComplianceError) Error() string {
	return fmt.Sprintf("compliance: %s channel failed %d check(s): %s",
		e.Channel, len(e.Errors), strings.Join(e.Errors, "; "))
}

// RateLimitedError reports an exhausted admission quota. Maps to 429 and
// carries the interval after which the caller may retry.
type RateLimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: key %s, retry after %s", e.Key, e.RetryAfter)
}

// UpstreamError reports a bus or provider failure that survived the retry
// budget. Maps to 502. It is never conflated with validation or
// compliance failures.
type UpstreamError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// HTTPStatus maps any gateway error onto the status contract. Unknown
// errors fall back to 500.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		compliance *ComplianceError
		limited    *RateLimitedError
		upstream   *UpstreamError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &compliance):
		return http.StatusUnprocessableEntity
	case errors.As(err, &limited):
		return http.StatusTooManyRequests
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Category buckets an error for per-handler statistics.
type Category string

const (
	CategoryNone       Category = "none"
	CategoryValidation Category = "validation"
	CategoryTransport  Category = "transport"
	CategoryDownstream Category = "downstream"
	CategoryOther      Category = "other"
)

// Classify assigns an error to a stats bucket.
func Classify(err error) Category {
	var (
		validation *ValidationError
		compliance *ComplianceError
		upstream   *UpstreamError
	)
	switch {
	case err == nil:
		return CategoryNone
	case errors.As(err, &validation), errors.As(err, &compliance):
		return CategoryValidation
	case errors.As(err, &upstream):
		return CategoryDownstream
	default:
		return CategoryOther
	}
}
