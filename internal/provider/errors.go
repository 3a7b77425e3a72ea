package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a failure for retry and propagation policy.
type Kind string

const (
	KindValidation         Kind = "validation"          // Bad input; never retried
	KindConfig             Kind = "config"              // Unusable configuration; fatal at startup
	KindProviderRateLimit  Kind = "provider_rate_limit" // Retryable; backoff respects retry-after
	KindProviderTransient  Kind = "provider_transient"  // 5xx, reset, timeout; retryable
	KindProviderAuth       Kind = "provider_auth"       // 401/403; provider marked invalid
	KindProviderValidation Kind = "provider_validation" // 4xx non-auth; non-retryable
	KindBudgetExceeded     Kind = "budget_exceeded"     // Daily cap hit; pipeline fails
	KindNoTarget           Kind = "no_target"           // Router exhausted fallbacks
	KindStageTimeout       Kind = "stage_timeout"       // Stage deadline expired; retryable once
	KindWorktreeFailure    Kind = "worktree_failure"    // Filesystem/repo failure
	KindCancelled          Kind = "cancelled"           // User cancellation; terminal
)

// Error is the normalized error for all provider, router, and pipeline
// failures. Kind drives retry policy; the remaining fields are audit
// metadata.
type Error struct {
	Kind       Kind
	Message    string
	Provider   string
	Model      string
	Attempt    int
	RetryAfter time.Duration // From rate-limit responses; 0 when absent
	Err        error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (provider=%s model=%s)", e.Kind, e.Message, e.Provider, e.Model)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a normalized error of the given kind.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with a kind, preserving the chain.
func WrapError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the error kind, or empty string for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRetryable reports whether the error may be retried inside the
// router/state-machine loops.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindProviderRateLimit, KindProviderTransient, KindStageTimeout:
		return true
	}
	return false
}

// RetryAfterOf returns the retry-after hint carried by a rate-limit
// error, or 0.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// Normalize maps an HTTP response status to the error taxonomy.
// body is included in the message for operator diagnosis.
func Normalize(providerName, model string, status int, body string, header http.Header) *Error {
	e := &Error{
		Provider: providerName,
		Model:    model,
		Message:  fmt.Sprintf("HTTP %d: %s", status, truncate(body, 300)),
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = KindProviderRateLimit
		e.RetryAfter = parseRetryAfter(header)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindProviderAuth
	case status >= 500:
		e.Kind = KindProviderTransient
	case status >= 400:
		e.Kind = KindProviderValidation
	default:
		e.Kind = KindProviderTransient
	}
	return e
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
