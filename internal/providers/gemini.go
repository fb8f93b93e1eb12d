package providers

import (
	"context"

	"github.com/kestrelai/depth/internal/thinkerr"
	"github.com/kestrelai/depth/internal/types"
	"google.golang.org/genai"
)

// GeminiAdapter speaks the chat-completions-shaped protocol over the genai
// SDK. Gemini has no previous-response-id concept, so Response degrades to
// Chat the same way Anthropic's does.
type GeminiAdapter struct {
	name         string
	client       *genai.Client
	capabilities types.ProviderCapabilities
}

func NewGeminiAdapter(ctx context.Context, cfg types.ProviderConfig) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, thinkerr.Wrap(thinkerr.Server, cfg.ID, err)
	}
	return &GeminiAdapter{name: cfg.ID, client: client, capabilities: cfg.Capabilities}, nil
}

func (a *GeminiAdapter) Name() string                            { return a.name }
func (a *GeminiAdapter) Capabilities() types.ProviderCapabilities { return a.capabilities }
func (a *GeminiAdapter) Close() error                            { return nil }

func (a *GeminiAdapter) Chat(ctx context.Context, model string, messages []types.Message, params Params) (types.CallResult, error) {
	var systemInstruction *genai.Content
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		part := genai.NewPartFromText(m.Text())
		switch m.Role {
		case types.RoleSystem:
			systemInstruction = genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser)
		case types.RoleAssistant:
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if systemInstruction != nil {
		cfg.SystemInstruction = systemInstruction
	}
	if params.HasTemperature {
		t := float32(params.Temperature)
		cfg.Temperature = &t
	}
	if params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(params.MaxTokens)
	}

	result, err := a.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return types.CallResult{}, a.classify(err)
	}

	var usage types.UsageStats
	// Unlike the reference adapter this one is replacing, usage metadata is
	// genuinely available on the genai response and is worth reading.
	if result.UsageMetadata != nil {
		usage = types.UsageStats{
			InputTokens:     int64(result.UsageMetadata.PromptTokenCount),
			OutputTokens:    int64(result.UsageMetadata.CandidatesTokenCount),
			CachedTokens:    int64(result.UsageMetadata.CachedContentTokenCount),
			ReasoningTokens: int64(result.UsageMetadata.ThoughtsTokenCount),
		}
	}

	return types.CallResult{
		Text:  result.Text(),
		Usage: usage,
		Raw:   result,
	}, nil
}

func (a *GeminiAdapter) Response(ctx context.Context, model string, messages []types.Message, params Params, store bool, previousResponseID string) (types.CallResult, error) {
	return a.Chat(ctx, model, messages, params)
}

// classify turns a genai transport error into the shared taxonomy. The SDK
// reports HTTP failures as a genai.APIError value carrying a Code; when a
// call fails below the HTTP layer (DNS, deadline) that type assertion
// misses and classifyFallback takes over.
func (a *GeminiAdapter) classify(err error) *thinkerr.Error {
	var apiErr genai.APIError
	if ae, ok := extractGenaiAPIError(err); ok {
		apiErr = ae
		return wrapWithStatus(a.name, err, apiErr.Code)
	}
	return thinkerr.Wrap(classifyFallback(err), a.name, err)
}

func extractGenaiAPIError(err error) (genai.APIError, bool) {
	if apiErr, ok := err.(genai.APIError); ok {
		return apiErr, true
	}
	return genai.APIError{}, false
}
