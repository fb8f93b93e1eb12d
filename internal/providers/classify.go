package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/kestrelai/depth/internal/thinkerr"
)

// classifyHTTPStatus maps a transport status code to the shared taxonomy.
// Every adapter funnels through this once it has extracted a status code
// from whatever SDK-specific error shape it was handed.
func classifyHTTPStatus(status int) thinkerr.Kind {
	switch {
	case status == 401 || status == 403:
		return thinkerr.Auth
	case status == 400 || status == 422:
		return thinkerr.InvalidRequest
	case status == 404:
		return thinkerr.NotFound
	case status == 429:
		return thinkerr.RateLimit
	case status == 408:
		return thinkerr.Timeout
	case status >= 500 && status < 600:
		return thinkerr.Server
	default:
		return thinkerr.Generic
	}
}

// classifyFallback is the last resort when a provider SDK error carries no
// status code at all (a raw network failure, a context deadline, a DNS
// lookup failure): sniff the error chain for the shapes the standard
// library and every SDK agree on.
func classifyFallback(err error) thinkerr.Kind {
	if err == nil {
		return thinkerr.Generic
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return thinkerr.Timeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return thinkerr.Timeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return thinkerr.RateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
		return thinkerr.Auth
	case strings.Contains(msg, "not found"):
		return thinkerr.NotFound
	default:
		return thinkerr.Generic
	}
}

// wrapWithStatus is the common path once an adapter has pulled a concrete
// HTTP status code out of its SDK's error type.
func wrapWithStatus(provider string, err error, status int) *thinkerr.Error {
	return thinkerr.Wrap(classifyHTTPStatus(status), provider, err).WithDetails(map[string]any{"status_code": status})
}
