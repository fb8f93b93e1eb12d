package deepthink

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kestrelai/depth/internal/providers"
	"github.com/kestrelai/depth/internal/ratelimiter"
	"github.com/kestrelai/depth/internal/retry"
	"github.com/kestrelai/depth/internal/tokenmeter"
	"github.com/kestrelai/depth/internal/types"
)

// fakeProvider is scripted with a queue of responses; each Chat call pops
// the next one. It never touches the network.
type fakeProvider struct {
	name      string
	responses []string
	calls     int
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Capabilities() types.ProviderCapabilities {
	return types.ProviderCapabilities{}
}

func (p *fakeProvider) Chat(ctx context.Context, model string, messages []types.Message, params providers.Params) (types.CallResult, error) {
	if p.calls >= len(p.responses) {
		return types.CallResult{}, fmt.Errorf("fakeProvider: no scripted response left for call %d", p.calls)
	}
	text := p.responses[p.calls]
	p.calls++
	return types.CallResult{Text: text, Usage: types.UsageStats{InputTokens: 10, OutputTokens: 5}}, nil
}

func (p *fakeProvider) Response(ctx context.Context, model string, messages []types.Message, params providers.Params, store bool, previousResponseID string) (types.CallResult, error) {
	return p.Chat(ctx, model, messages, params)
}

func (p *fakeProvider) Close() error { return nil }

// fakeResolver satisfies the resolver interface with a single fixed model
// and a single fixed provider, regardless of which model id is requested —
// enough for tests that only ever exercise one logical model.
type fakeResolver struct {
	model    types.ModelConfig
	provider providers.Provider
}

func (r *fakeResolver) Model(id string) (types.ModelConfig, bool) {
	if id != r.model.ID {
		return types.ModelConfig{}, false
	}
	return r.model, true
}

func (r *fakeResolver) Resolve(ctx context.Context, modelID string) (providers.Provider, string, error) {
	if modelID != r.model.ID {
		return nil, "", fmt.Errorf("fakeResolver: unknown model %q", modelID)
	}
	return r.provider, r.model.UnderlyingModel, nil
}

func testModel() types.ModelConfig {
	return types.ModelConfig{
		ID:                    "test-model",
		ProviderID:            "test-provider",
		UnderlyingModel:       "test-underlying",
		Level:                 types.LevelDeepThink,
		MaxIterations:         4,
		RequiredVerifications: 1,
		MaxErrors:             2,
	}
}

func TestRunSucceedsOnFirstVerificationPass(t *testing.T) {
	provider := &fakeProvider{
		name: "test-provider",
		responses: []string{
			"## Final Answer\n42",
			`{"pass": true, "confidence": 0.95, "reasons": ["checks out"]}`,
			"The final answer is 42.",
		},
	}
	reg := &fakeResolver{model: testModel(), provider: provider}
	e := New(reg, ratelimiter.NewRegistry(), tokenmeter.New(nil))

	result, err := e.Run(context.Background(), "test-model", "what is 6*7")
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if !result.VerificationsMet {
		t.Error("expected VerificationsMet=true")
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
	if !strings.Contains(result.FinalSolution, "42") {
		t.Errorf("FinalSolution = %q, want it to mention 42", result.FinalSolution)
	}
	if result.TokenUsage.TotalTokens() == 0 {
		t.Error("expected accumulated token usage across the run")
	}
}

func TestRunRetriesAfterFailedVerification(t *testing.T) {
	provider := &fakeProvider{
		name: "test-provider",
		responses: []string{
			"## Final Answer\n41", // wrong on the first try
			`{"pass": false, "confidence": 0.8, "issues": ["arithmetic error"]}`,
			"## Final Answer\n42", // corrected
			`{"pass": true, "confidence": 0.95, "reasons": ["checks out"]}`,
			"The final answer is 42.",
		},
	}
	reg := &fakeResolver{model: testModel(), provider: provider}
	e := New(reg, ratelimiter.NewRegistry(), tokenmeter.New(nil))

	result, err := e.Run(context.Background(), "test-model", "what is 6*7")
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if !result.VerificationsMet {
		t.Error("expected VerificationsMet=true after the corrected attempt")
	}
	if result.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", result.Iterations)
	}
	if len(result.Verifications) != 2 {
		t.Fatalf("len(Verifications) = %d, want 2", len(result.Verifications))
	}
	if result.Verifications[0].Pass {
		t.Error("expected the first verification to have failed")
	}
	if !result.Verifications[1].Pass {
		t.Error("expected the second verification to have passed")
	}
}

func TestRunStopsAtMaxErrors(t *testing.T) {
	// Exceeding max_errors ends the run with the current best candidate
	// rather than failing it outright: the summary stage still runs.
	provider := &erroringProvider{}
	reg := &fakeResolver{model: testModel(), provider: provider}
	fastRetry := retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	e := New(reg, ratelimiter.NewRegistry(), tokenmeter.New(nil), WithRetryConfig(fastRetry))

	result, err := e.Run(context.Background(), "test-model", "anything")
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if result.VerificationsMet {
		t.Error("expected VerificationsMet=false after every call failed")
	}
	if result.Metadata["max_errors_exceeded"] != true {
		t.Error("expected Metadata[\"max_errors_exceeded\"]=true")
	}
}

func TestRunUnknownModelReturnsError(t *testing.T) {
	reg := &fakeResolver{model: testModel(), provider: &fakeProvider{name: "test-provider"}}
	e := New(reg, ratelimiter.NewRegistry(), tokenmeter.New(nil))

	_, err := e.Run(context.Background(), "does-not-exist", "problem")
	if err == nil {
		t.Fatal("expected an error for an unconfigured model id")
	}
}

func TestRunResetsPassAccumulatorOnFailure(t *testing.T) {
	// A pass followed by a failure must not carry its accumulated pass count
	// forward: the model requires 2 consecutive passes, so a fail in between
	// should force two more fresh passes, not just one.
	model := testModel()
	model.RequiredVerifications = 2
	provider := &fakeProvider{
		name: "test-provider",
		responses: []string{
			"## Final Answer\n42",
			`{"pass": true, "confidence": 0.9, "reasons": ["ok so far"]}`,
			`{"pass": false, "confidence": 0.6, "issues": ["second look found a problem"]}`,
			"## Final Answer\n42 (corrected)",
			`{"pass": true, "confidence": 0.9, "reasons": ["ok"]}`,
			`{"pass": true, "confidence": 0.95, "reasons": ["confirmed"]}`,
			"The final answer is 42.",
		},
	}
	reg := &fakeResolver{model: model, provider: provider}
	e := New(reg, ratelimiter.NewRegistry(), tokenmeter.New(nil))

	result, err := e.Run(context.Background(), "test-model", "what is 6*7")
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if !result.VerificationsMet {
		t.Error("expected VerificationsMet=true once two consecutive passes land after the reset")
	}
	if len(result.Verifications) != 4 {
		t.Fatalf("len(Verifications) = %d, want 4", len(result.Verifications))
	}
}

// erroringProvider always fails, to exercise the max_errors bail-out path.
type erroringProvider struct{}

func (p *erroringProvider) Name() string { return "test-provider" }
func (p *erroringProvider) Capabilities() types.ProviderCapabilities {
	return types.ProviderCapabilities{}
}
func (p *erroringProvider) Chat(ctx context.Context, model string, messages []types.Message, params providers.Params) (types.CallResult, error) {
	return types.CallResult{}, fmt.Errorf("erroringProvider: simulated failure")
}
func (p *erroringProvider) Response(ctx context.Context, model string, messages []types.Message, params providers.Params, store bool, previousResponseID string) (types.CallResult, error) {
	return types.CallResult{}, fmt.Errorf("erroringProvider: simulated failure")
}
func (p *erroringProvider) Close() error { return nil }
