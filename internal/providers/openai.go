package providers

import (
	"context"
	"errors"

	"github.com/kestrelai/depth/internal/thinkerr"
	"github.com/kestrelai/depth/internal/types"
	"github.com/openai/openai-go"
	oa "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIAdapter speaks both the chat-completions wire protocol and the
// responses protocol (which carries server-side prefix caching via
// previous_response_id).
type OpenAIAdapter struct {
	name         string
	client       openai.Client
	capabilities types.ProviderCapabilities
}

func NewOpenAIAdapter(cfg types.ProviderConfig) *OpenAIAdapter {
	opts := []oa.RequestOption{oa.WithAPIKey(cfg.APIKey), oa.WithMaxRetries(cfg.MaxRetries)}
	if cfg.BaseURL != "" {
		opts = append(opts, oa.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIAdapter{
		name:         cfg.ID,
		client:       openai.NewClient(opts...),
		capabilities: cfg.Capabilities,
	}
}

func (a *OpenAIAdapter) Name() string                            { return a.name }
func (a *OpenAIAdapter) Capabilities() types.ProviderCapabilities { return a.capabilities }
func (a *OpenAIAdapter) Close() error                            { return nil }

func (a *OpenAIAdapter) Chat(ctx context.Context, model string, messages []types.Message, params Params) (types.CallResult, error) {
	chatMessages := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		chatMessages = append(chatMessages, toChatMessage(m))
	}

	req := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: chatMessages,
	}
	if params.HasTemperature {
		req.Temperature = openai.Float(params.Temperature)
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = openai.Int(int64(params.MaxTokens))
	}
	if params.Seed != nil {
		req.Seed = openai.Int(*params.Seed)
	}
	if params.ResponseSchema != nil {
		req.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   params.ResponseSchema.Name,
					Schema: params.ResponseSchema.Schema,
				},
			},
		}
	}

	result, err := a.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return types.CallResult{}, a.classify(err)
	}
	if len(result.Choices) == 0 {
		return types.CallResult{}, thinkerr.New(thinkerr.Server, a.name, "chat completion returned no choices")
	}

	usage := types.UsageStats{
		InputTokens:  result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
		CachedTokens: result.Usage.PromptTokensDetails.CachedTokens,
		ReasoningTokens: result.Usage.CompletionTokensDetails.ReasoningTokens,
	}

	return types.CallResult{
		Text:  result.Choices[0].Message.Content,
		Usage: usage,
		Raw:   result,
	}, nil
}

func (a *OpenAIAdapter) Response(ctx context.Context, model string, messages []types.Message, params Params, store bool, previousResponseID string) (types.CallResult, error) {
	if !a.capabilities.SupportsResponses {
		return a.Chat(ctx, model, messages, params)
	}

	inputItems := make(responses.ResponseInputParam, 0, len(messages))
	for _, m := range messages {
		inputItems = append(inputItems, toResponseInputItem(m))
	}

	req := responses.ResponseNewParams{
		Model: responses.ResponsesModel(model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: inputItems},
		Store: openai.Bool(store),
	}
	if previousResponseID != "" {
		req.PreviousResponseID = openai.String(previousResponseID)
	}
	if params.HasTemperature {
		req.Temperature = openai.Float(params.Temperature)
	}
	if params.MaxTokens > 0 {
		req.MaxOutputTokens = openai.Int(int64(params.MaxTokens))
	}

	result, err := a.client.Responses.New(ctx, req)
	if err != nil {
		return types.CallResult{}, a.classify(err)
	}

	usage := types.UsageStats{
		InputTokens:     result.Usage.InputTokens,
		OutputTokens:    result.Usage.OutputTokens,
		CachedTokens:    result.Usage.InputTokensDetails.CachedTokens,
		ReasoningTokens: result.Usage.OutputTokensDetails.ReasoningTokens,
	}

	return types.CallResult{
		Text:       result.OutputText(),
		ResponseID: result.ID,
		Usage:      usage,
		Raw:        result,
	}, nil
}

func toChatMessage(m types.Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case types.RoleSystem:
		return openai.SystemMessage(m.Text())
	case types.RoleAssistant:
		return openai.AssistantMessage(m.Text())
	default:
		return openai.UserMessage(m.Text())
	}
}

func toResponseInputItem(m types.Message) responses.ResponseInputItemUnionParam {
	role := "user"
	switch m.Role {
	case types.RoleSystem:
		role = "system"
	case types.RoleAssistant:
		role = "assistant"
	}
	return responses.ResponseInputItemParamOfMessage(m.Text(), responses.EasyInputMessageRole(role))
}

// classify turns an OpenAI SDK error into the shared taxonomy. openai-go
// surfaces HTTP failures as *openai.Error carrying a concrete StatusCode;
// anything else (context cancellation, a dropped connection) falls back to
// string sniffing.
func (a *OpenAIAdapter) classify(err error) *thinkerr.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return wrapWithStatus(a.name, err, apiErr.StatusCode)
	}
	return thinkerr.Wrap(classifyFallback(err), a.name, err)
}
