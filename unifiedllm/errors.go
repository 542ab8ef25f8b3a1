package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a backend failure.
type ErrorKind string

const (
	KindAuth          ErrorKind = "auth"
	KindAccessDenied  ErrorKind = "access_denied"
	KindNotFound      ErrorKind = "not_found"
	KindInvalid       ErrorKind = "invalid_request"
	KindRateLimit     ErrorKind = "rate_limit"
	KindServer        ErrorKind = "server"
	KindContentFilter ErrorKind = "content_filter"
	KindContextLength ErrorKind = "context_length"
	KindQuota         ErrorKind = "quota"
	KindTimeout       ErrorKind = "timeout"
	KindNetwork       ErrorKind = "network"
	KindStream        ErrorKind = "stream"
	KindAborted       ErrorKind = "aborted"
	KindConfig        ErrorKind = "config"
	KindUnknown       ErrorKind = "unknown"
)

// retryableKinds are the failures a fresh attempt may cure.
var retryableKinds = map[ErrorKind]bool{
	KindRateLimit: true,
	KindServer:    true,
	KindTimeout:   true,
	KindNetwork:   true,
	KindStream:    true,
	KindUnknown:   true,
}

// Error is returned by adapters, streams and the client for every
// classified failure.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	// RetryAfter is the wait the provider asked for, zero when it gave none.
	RetryAfter time.Duration
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	var prefix string
	if e.Provider != "" {
		prefix = "[" + e.Provider + "] "
	}
	msg := fmt.Sprintf("%s%s: %s", prefix, e.Kind, e.Message)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is worth another attempt.
func (e *Error) Retryable() bool { return retryableKinds[e.Kind] }

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// statusKinds maps HTTP status codes to kinds. Unlisted codes are
// KindUnknown.
var statusKinds = map[int]ErrorKind{
	400: KindInvalid,
	401: KindAuth,
	402: KindQuota,
	403: KindAccessDenied,
	404: KindNotFound,
	408: KindTimeout,
	413: KindContextLength,
	422: KindInvalid,
	429: KindRateLimit,
	500: KindServer,
	502: KindServer,
	503: KindServer,
	504: KindServer,
	529: KindServer,
}

// ErrorFromStatusCode classifies an HTTP failure from provider.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter time.Duration) *Error {
	kind, ok := statusKinds[statusCode]
	if !ok {
		kind = KindUnknown
	}
	return &Error{
		Kind:       kind,
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
		Message:    message,
	}
}

// IsRetryable reports whether err is safe to retry. Cancellation never
// is; errors nobody classified are.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return true
}
