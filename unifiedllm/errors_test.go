package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{400, KindInvalid, false},
		{401, KindAuth, false},
		{402, KindQuota, false},
		{403, KindAccessDenied, false},
		{404, KindNotFound, false},
		{408, KindTimeout, true},
		{413, KindContextLength, false},
		{422, KindInvalid, false},
		{429, KindRateLimit, true},
		{500, KindServer, true},
		{529, KindServer, true},
		{599, KindUnknown, true},
	}
	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "openai", 0)
		if err.Kind != tt.kind {
			t.Errorf("status %d: kind = %s, want %s", tt.status, err.Kind, tt.kind)
		}
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tt.status, got, tt.retryable)
		}
	}

	rl := ErrorFromStatusCode(429, "slow down", "anthropic", 2*time.Second)
	if rl.RetryAfter != 2*time.Second || rl.Provider != "anthropic" {
		t.Errorf("unexpected rate limit error %+v", rl)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth", &Error{Kind: KindAuth}, false},
		{"content filter", &Error{Kind: KindContentFilter}, false},
		{"config", &Error{Kind: KindConfig}, false},
		{"aborted", &Error{Kind: KindAborted}, false},
		{"rate limit", &Error{Kind: KindRateLimit}, true},
		{"network", &Error{Kind: KindNetwork}, true},
		{"stream", &Error{Kind: KindStream}, true},
		{"wrapped auth", fmt.Errorf("open stream: %w", &Error{Kind: KindAuth}), false},
		{"wrapped server", fmt.Errorf("open stream: %w", &Error{Kind: KindServer}), true},
		{"context canceled", fmt.Errorf("pull: %w", context.Canceled), false},
		{"unclassified", errors.New("unknown"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(fmt.Errorf("wrap: %w", newError(KindStream, "closed", nil))); got != KindStream {
		t.Errorf("KindOf = %q, want stream", got)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{Kind: KindServer, Provider: "openai", StatusCode: 503, Message: "unavailable", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected the error to unwrap to its cause")
	}
	msg := err.Error()
	for _, want := range []string{"[openai]", "server", "unavailable", "status 503", "root cause"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}
