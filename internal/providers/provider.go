// Package providers normalises three distinct LLM wire protocols —
// chat-completions, responses-with-previous-response-id, and
// messages-with-cache-control — behind one capability-typed interface.
package providers

import (
	"context"

	"github.com/kestrelai/depth/internal/types"
)

// Params carries the handful of call parameters every variant accepts.
// Fields left at their zero value are omitted from the outbound request.
type Params struct {
	Temperature    float64
	HasTemperature bool
	MaxTokens      int
	Seed           *int64
	// ResponseSchema, when non-nil, asks the provider to constrain output to
	// this JSON schema (used by C6 verification and C8 agent-config parsing).
	ResponseSchema *ResponseSchema
}

// ResponseSchema names a JSON-schema-constrained output request.
type ResponseSchema struct {
	Name   string
	Schema map[string]any
}

// Provider is the capability-polymorphic interface every adapter implements.
// Chat is always available; Response is only meaningful when Capabilities
// reports SupportsResponses.
type Provider interface {
	Name() string
	Capabilities() types.ProviderCapabilities

	Chat(ctx context.Context, model string, messages []types.Message, params Params) (types.CallResult, error)

	// Response performs a prefix-cache-aware call. previousResponseID may be
	// empty. store controls whether the provider should retain this turn for
	// future chaining.
	Response(ctx context.Context, model string, messages []types.Message, params Params, store bool, previousResponseID string) (types.CallResult, error)

	Close() error
}
