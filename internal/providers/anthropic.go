package providers

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	an "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kestrelai/depth/internal/thinkerr"
	"github.com/kestrelai/depth/internal/types"
)

// AnthropicAdapter speaks the messages-with-cache-control wire protocol:
// prefix caching is a property of the messages sent, not of a separate
// endpoint, so Response degrades to an annotated Chat call.
type AnthropicAdapter struct {
	name             string
	client           anthropic.Client
	capabilities     types.ProviderCapabilities
	defaultMaxTokens int64
}

func NewAnthropicAdapter(cfg types.ProviderConfig) *AnthropicAdapter {
	opts := []an.RequestOption{an.WithAPIKey(cfg.APIKey), an.WithMaxRetries(cfg.MaxRetries)}
	if cfg.BaseURL != "" {
		opts = append(opts, an.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicAdapter{
		name:             cfg.ID,
		client:           anthropic.NewClient(opts...),
		capabilities:     cfg.Capabilities,
		defaultMaxTokens: 4096,
	}
}

func (a *AnthropicAdapter) Name() string                            { return a.name }
func (a *AnthropicAdapter) Capabilities() types.ProviderCapabilities { return a.capabilities }
func (a *AnthropicAdapter) Close() error                            { return nil }

func (a *AnthropicAdapter) Chat(ctx context.Context, model string, messages []types.Message, params Params) (types.CallResult, error) {
	return a.call(ctx, model, messages, params)
}

// Response has no server-side response-id concept for Anthropic: caching is
// driven entirely by CacheControl markers already present on messages, so
// this just forwards to Chat. previousResponseID and store are accepted to
// satisfy the Provider interface and ignored.
func (a *AnthropicAdapter) Response(ctx context.Context, model string, messages []types.Message, params Params, store bool, previousResponseID string) (types.CallResult, error) {
	return a.call(ctx, model, messages, params)
}

func (a *AnthropicAdapter) call(ctx context.Context, model string, messages []types.Message, params Params) (types.CallResult, error) {
	var system []anthropic.TextBlockParam
	turns := make([]anthropic.MessageParam, 0, len(messages))

	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Text())
		if m.CacheControl != nil {
			block.OfText.CacheControl = anthropic.CacheControlEphemeralParam{Type: "ephemeral"}
		}
		switch m.Role {
		case types.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Text(), CacheControl: toAnthropicCacheControl(m.CacheControl)})
		case types.RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(block))
		default:
			turns = append(turns, anthropic.NewUserMessage(block))
		}
	}

	maxTokens := a.defaultMaxTokens
	if params.MaxTokens > 0 {
		maxTokens = int64(params.MaxTokens)
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  turns,
		System:    system,
	}
	if params.HasTemperature {
		req.Temperature = anthropic.Float(params.Temperature)
	}

	result, err := a.client.Messages.New(ctx, req)
	if err != nil {
		return types.CallResult{}, a.classify(err)
	}
	if len(result.Content) == 0 {
		return types.CallResult{}, thinkerr.New(thinkerr.Server, a.name, "message response returned no content blocks")
	}

	usage := types.UsageStats{
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		CachedTokens: result.Usage.CacheReadInputTokens,
	}

	return types.CallResult{
		Text:  result.Content[0].Text,
		Usage: usage,
		Raw:   result,
	}, nil
}

func toAnthropicCacheControl(cc *types.CacheControl) anthropic.CacheControlEphemeralParam {
	if cc == nil {
		return anthropic.CacheControlEphemeralParam{}
	}
	return anthropic.CacheControlEphemeralParam{Type: "ephemeral"}
}

// classify turns an Anthropic SDK error into the shared taxonomy.
func (a *AnthropicAdapter) classify(err error) *thinkerr.Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return wrapWithStatus(a.name, err, apiErr.StatusCode)
	}
	return thinkerr.Wrap(classifyFallback(err), a.name, err)
}
