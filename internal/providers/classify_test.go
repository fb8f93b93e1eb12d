package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrelai/depth/internal/thinkerr"
)

func TestClassifyHTTPStatus(t *testing.T) {
	cases := map[int]thinkerr.Kind{
		401: thinkerr.Auth,
		403: thinkerr.Auth,
		400: thinkerr.InvalidRequest,
		404: thinkerr.NotFound,
		429: thinkerr.RateLimit,
		408: thinkerr.Timeout,
		500: thinkerr.Server,
		503: thinkerr.Server,
		999: thinkerr.Generic,
	}
	for status, want := range cases {
		if got := classifyHTTPStatus(status); got != want {
			t.Errorf("classifyHTTPStatus(%d) = %s, want %s", status, got, want)
		}
	}
}

func TestClassifyFallback(t *testing.T) {
	cases := map[string]thinkerr.Kind{
		"context deadline exceeded":    thinkerr.Timeout,
		"rate limit exceeded, slow down": thinkerr.RateLimit,
		"too many requests":            thinkerr.RateLimit,
		"invalid api key: unauthorized": thinkerr.Auth,
		"model not found":              thinkerr.NotFound,
		"connection reset by peer":     thinkerr.Generic,
	}
	for msg, want := range cases {
		if got := classifyFallback(errors.New(msg)); got != want {
			t.Errorf("classifyFallback(%q) = %s, want %s", msg, got, want)
		}
	}
}

func TestClassifyFallbackContextDeadline(t *testing.T) {
	if got := classifyFallback(context.DeadlineExceeded); got != thinkerr.Timeout {
		t.Errorf("classifyFallback(context.DeadlineExceeded) = %s, want %s", got, thinkerr.Timeout)
	}
}

func TestWrapWithStatusPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := wrapWithStatus("openai", cause, 429)
	if err.Kind != thinkerr.RateLimit {
		t.Errorf("Kind = %s, want %s", err.Kind, thinkerr.RateLimit)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
	if err.Details["status_code"] != 429 {
		t.Errorf("Details[status_code] = %v, want 429", err.Details["status_code"])
	}
}
