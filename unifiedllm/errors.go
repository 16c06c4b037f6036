package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a failed model call. The agent loop treats
// KindAborted as an interrupt; every other kind ends the request as a
// model failure.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindNotFound       ErrorKind = "not_found"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindContextLength  ErrorKind = "context_length"
	KindRateLimit      ErrorKind = "rate_limit"
	KindServer         ErrorKind = "server"
	KindTimeout        ErrorKind = "timeout"
	KindNetwork        ErrorKind = "network"
	KindStream         ErrorKind = "stream"
	KindConfig         ErrorKind = "config"
	KindAborted        ErrorKind = "aborted"
	KindUnknown        ErrorKind = "unknown"
)

// Error is a failed model call.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	// RetryAfter is the wait the backend asked for, if it sent one.
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider + ": ")
	}
	b.WriteString(e.Message)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether sending the same request again may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer, KindTimeout, KindNetwork, KindUnknown:
		return true
	}
	return false
}

func kindForStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return KindAuth
	case statusCode == http.StatusNotFound:
		return KindNotFound
	case statusCode == http.StatusRequestTimeout:
		return KindTimeout
	case statusCode == http.StatusRequestEntityTooLarge:
		return KindContextLength
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimit
	case statusCode >= 500:
		return KindServer
	}
	return KindUnknown
}

// ErrorFromStatusCode maps a non-2xx HTTP status from provider to an Error.
func ErrorFromStatusCode(statusCode int, message, provider string) *Error {
	return &Error{
		Kind:       kindForStatus(statusCode),
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
	}
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After")))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func aborted(provider, message string, cause error) *Error {
	return &Error{Kind: KindAborted, Provider: provider, Message: message, Cause: cause}
}

// KindOf returns the kind of err. A bare context.Canceled is KindAborted
// and any other foreign error is KindUnknown. KindOf(nil) is "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	return KindUnknown
}

// IsAbort reports whether err was caused by cancellation of the caller's
// context rather than by the backend.
func IsAbort(err error) bool {
	return KindOf(err) == KindAborted
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
