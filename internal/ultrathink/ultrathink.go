// Package ultrathink implements the multi-agent planner: plan the approach,
// configure N independent agents, fan them out as DeepThink workers bounded
// by a concurrency semaphore, then synthesize and summarize their results.
package ultrathink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelai/depth/internal/cache"
	"github.com/kestrelai/depth/internal/deepthink"
	"github.com/kestrelai/depth/internal/memoryfold"
	"github.com/kestrelai/depth/internal/prompts"
	"github.com/kestrelai/depth/internal/providers"
	"github.com/kestrelai/depth/internal/ratelimiter"
	"github.com/kestrelai/depth/internal/retry"
	"github.com/kestrelai/depth/internal/thinkerr"
	"github.com/kestrelai/depth/internal/tokenmeter"
	"github.com/kestrelai/depth/internal/types"
	"github.com/kestrelai/depth/internal/verify"
)

// synthesisVerificationVotes is how many independent judges weigh in on a
// synthesis. The vote is advisory: UltraThink keeps the synthesis whatever
// the outcome and records it in SynthesisVerified.
const synthesisVerificationVotes = 3

// resolver is the slice of *registry.Registry this package needs — declared
// locally the same way internal/deepthink does, so both packages accept the
// same registry value without either importing the other's interface type.
type resolver interface {
	Model(id string) (types.ModelConfig, bool)
	Resolve(ctx context.Context, modelID string) (providers.Provider, string, error)
}

// agentConfig is one element of the strict-JSON array the agent-config
// stage must return: exactly num_agents of these, no more, no less.
type agentConfig struct {
	SystemPrompt  string   `json:"system_prompt" jsonschema_description:"Instructions specific to this agent's angle on the problem."`
	Temperature   float64  `json:"temperature" jsonschema_description:"Sampling temperature for this agent, 0.0 to 2.0."`
	ModelOverride string   `json:"model_override,omitempty" jsonschema_description:"Underlying model name to use instead of the default, if set."`
	Seed          *int64   `json:"seed,omitempty" jsonschema_description:"Deterministic sampling seed, if the provider supports one."`
}

var agentConfigSchema = mustAgentConfigSchema()

func mustAgentConfigSchema() *providers.ResponseSchema {
	reflector := &jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect([]agentConfig{})
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("ultrathink: building agent-config schema: %v", err))
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		panic(fmt.Sprintf("ultrathink: decoding agent-config schema: %v", err))
	}
	return &providers.ResponseSchema{Name: "agent_configs", Schema: asMap}
}

// Engine runs UltraThink for any model configured at LevelUltraThink.
type Engine struct {
	registry   resolver
	limiter    *ratelimiter.Registry
	cache      *cache.PrefixCache
	meter      *tokenmeter.Meter
	folder     *memoryfold.Folder
	tracer     trace.Tracer
	logger     *slog.Logger
	retryCfg   retry.Config
	rlStrategy ratelimiter.Strategy
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithCache attaches a prefix cache shared with this run's DeepThink workers.
func WithCache(c *cache.PrefixCache) Option { return func(e *Engine) { e.cache = c } }

// WithFolder attaches a memory folder shared with this run's DeepThink workers.
func WithFolder(f *memoryfold.Folder) Option { return func(e *Engine) { e.folder = f } }

// WithTracer attaches an OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithLogger attaches a structured logger; nil disables logging.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithRetryConfig overrides the default retry policy, passed through to
// every fanned-out DeepThink worker.
func WithRetryConfig(cfg retry.Config) Option { return func(e *Engine) { e.retryCfg = cfg } }

// WithRateLimitStrategy overrides what a framing call does when its bucket
// is exhausted; the default is StrategyWait. Fanned-out DeepThink workers
// get this same strategy passed through.
func WithRateLimitStrategy(s ratelimiter.Strategy) Option { return func(e *Engine) { e.rlStrategy = s } }

// New builds an Engine against reg and lim, metering every call — its own
// framing calls and every fanned-out worker's — through meter.
func New(reg resolver, lim *ratelimiter.Registry, meter *tokenmeter.Meter, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		limiter:  lim,
		meter:    meter,
		tracer:   trace.NewNoopTracerProvider().Tracer("ultrathink"),
		retryCfg: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one full plan → agent-config → fan-out → synthesize →
// summarize cycle for modelID against problem.
func (e *Engine) Run(ctx context.Context, modelID, problem string) (types.UltraThinkResult, error) {
	model, ok := e.registry.Model(modelID)
	if !ok {
		return types.UltraThinkResult{}, fmt.Errorf("ultrathink: model %q is not configured", modelID)
	}
	if model.NumAgents <= 0 {
		return types.UltraThinkResult{}, fmt.Errorf("ultrathink: model %q has num_agents <= 0", modelID)
	}

	ctx, span := e.tracer.Start(ctx, "ultrathink.run")
	defer span.End()

	var result types.UltraThinkResult

	provider, _, err := e.registry.Resolve(ctx, modelID)
	if err != nil {
		return result, err
	}

	plan, planUsage, err := e.frame(ctx, provider, model.StageModel(types.StagePlanning), model.RPM, prompts.Plan(problem, model.NumAgents))
	if err != nil {
		return result, fmt.Errorf("ultrathink: planning stage: %w", err)
	}
	result.Plan = plan
	result.TokenUsage.Add(planUsage)

	configs, configUsage, err := e.agentConfigs(ctx, provider, model, plan, problem)
	if err != nil {
		return result, err
	}
	result.TokenUsage.Add(configUsage)

	agentResults, fanOutUsage := e.fanOut(ctx, model, problem, plan, configs)
	result.AgentResults = agentResults
	result.TokenUsage.Add(fanOutUsage)

	solutions := make(map[string]string, len(agentResults))
	for _, r := range agentResults {
		solutions[r.AgentID] = r.FinalSolution
	}
	synthesis, synthUsage, err := e.frame(ctx, provider, model.StageModel(types.StageSynthesis), model.RPM, prompts.Synthesis(problem, solutions))
	if err != nil {
		return result, fmt.Errorf("ultrathink: synthesis stage: %w", err)
	}
	result.Synthesis = synthesis
	result.TokenUsage.Add(synthUsage)

	verified, voteLogs, voteUsage, verr := verify.MajorityVote(ctx, provider, model.StageModel(types.StageVerification), problem, synthesis, synthesisVerificationVotes)
	result.TokenUsage.Add(voteUsage)
	if e.meter != nil {
		e.meter.Record(provider.Name(), model.StageModel(types.StageVerification), voteUsage)
	}
	result.SynthesisVerifications = voteLogs
	if verr != nil {
		e.logf("ultrathink: synthesis verification failed, accepting synthesis unverified", "model", modelID, "error", verr)
	} else {
		result.SynthesisVerified = verified
		if !verified {
			e.logf("ultrathink: synthesis did not reach majority verification", "model", modelID)
		}
	}

	summary, summaryUsage, err := e.frame(ctx, provider, model.StageModel(types.StageSummary), model.RPM, prompts.FinalSummary(problem, synthesis))
	if err != nil {
		// A failed summary doesn't invalidate a successful synthesis — the
		// caller still has a definitive answer, just not the condensed one.
		e.logf("ultrathink: summary stage failed, falling back to synthesis text", "model", modelID, "error", err)
		result.Summary = synthesis
		e.attachEstimatedCost(provider, model, &result)
		return result, nil
	}
	result.Summary = summary
	result.TokenUsage.Add(summaryUsage)

	e.attachEstimatedCost(provider, model, &result)
	return result, nil
}

func (e *Engine) attachEstimatedCost(provider providers.Provider, model types.ModelConfig, result *types.UltraThinkResult) {
	if e.meter == nil {
		return
	}
	result.EstimatedCostUSD = e.meter.EstimateUsageCost(provider.Name(), model.UnderlyingModel, result.TokenUsage)
}

// agentConfigs runs the strict-JSON agent-config stage. Any parse failure
// or wrong-shape output fails the whole run — there is no silent fallback,
// since a malformed config would otherwise seed every worker identically.
func (e *Engine) agentConfigs(ctx context.Context, provider providers.Provider, model types.ModelConfig, plan, problem string) ([]agentConfig, types.UsageStats, error) {
	prompt := prompts.AgentConfig(problem, plan, model.NumAgents)
	var result types.CallResult
	err := retry.Do(ctx, e.retryCfg, func() error {
		var callErr error
		result, callErr = provider.Chat(ctx, model.StageModel(types.StageAgentConfig),
			[]types.Message{{Role: types.RoleUser, Content: prompt}},
			providers.Params{ResponseSchema: agentConfigSchema})
		return callErr
	})
	if err != nil {
		return nil, types.UsageStats{}, thinkerr.Wrap(thinkerr.InvalidRequest, provider.Name(), fmt.Errorf("agent-config call failed: %w", err))
	}
	if e.meter != nil {
		e.meter.Record(provider.Name(), model.StageModel(types.StageAgentConfig), result.Usage)
	}

	configs, parseErr := parseAgentConfigs(result.Text, model.NumAgents)
	if parseErr != nil {
		return nil, result.Usage, thinkerr.Wrap(thinkerr.InvalidRequest, provider.Name(), fmt.Errorf("ultrathink: agent-config output rejected: %w", parseErr))
	}
	return configs, result.Usage, nil
}

// parseAgentConfigs requires strict, well-shaped JSON: exactly n elements,
// each with a non-empty system prompt. No fenced-block or permissive
// fallback — malformed agent configuration is exactly the kind of error
// that should stop the run rather than silently degrade it.
func parseAgentConfigs(text string, n int) ([]agentConfig, error) {
	var configs []agentConfig
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &configs); err != nil {
		return nil, fmt.Errorf("could not parse agent-config array: %w", err)
	}
	if len(configs) != n {
		return nil, fmt.Errorf("expected exactly %d agent configs, got %d", n, len(configs))
	}
	for i, c := range configs {
		if strings.TrimSpace(c.SystemPrompt) == "" {
			return nil, fmt.Errorf("agent config %d has an empty system_prompt", i)
		}
	}
	return configs, nil
}

// fanOut spawns one DeepThink worker per agent config, bounded by
// model.ParallelRunAgents concurrent workers. A failed worker does not
// cancel its siblings; its result is kept with the error recorded under
// Metadata["error"], the way one bad angle shouldn't sink an
// otherwise-successful run.
func (e *Engine) fanOut(ctx context.Context, model types.ModelConfig, problem, plan string, configs []agentConfig) ([]types.AgentResult, types.UsageStats) {
	parallelism := model.ParallelRunAgents
	if parallelism <= 0 {
		parallelism = 1
	}
	sem := make(chan struct{}, parallelism)

	var mu sync.Mutex
	var total types.UsageStats
	results := make([]types.AgentResult, 0, len(configs))

	var wg sync.WaitGroup
	for i, cfg := range configs {
		wg.Add(1)
		go func(idx int, cfg agentConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			agentID := fmt.Sprintf("agent-%03d-%s", idx, uuid.NewString()[:8])
			workerModel := model
			workerModel.Level = types.LevelDeepThink
			if cfg.ModelOverride != "" {
				workerModel.UnderlyingModel = cfg.ModelOverride
			}

			worker := deepthink.New(&pinnedResolver{base: e.registry, model: workerModel}, e.limiter, e.meter,
				deepthink.WithCache(e.cache),
				deepthink.WithFolder(e.folder),
				deepthink.WithTracer(e.tracer),
				deepthink.WithLogger(e.logger),
				deepthink.WithRetryConfig(e.retryCfg),
				deepthink.WithParams(providers.Params{Temperature: cfg.Temperature, HasTemperature: true, Seed: cfg.Seed}),
				deepthink.WithRateLimitStrategy(e.rlStrategy),
			)

			agentProblem := fmt.Sprintf("%s\n\n# SHARED PLAN\n\n%s\n\n# PROBLEM\n\n%s", cfg.SystemPrompt, plan, problem)
			agentResult, err := worker.Run(ctx, workerModel.ID, agentProblem)
			agentResult.AgentID = agentID

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logf("ultrathink: agent failed", "agent_id", agentID, "error", err)
				agentResult.Metadata = map[string]any{"error": err.Error()}
			}
			total.Add(agentResult.TokenUsage)
			results = append(results, agentResult)
		}(i, cfg)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].AgentID < results[j].AgentID })
	return results, total
}

// pinnedResolver adapts the shared registry so each fanned-out worker
// resolves against its own (possibly model_override-adjusted) ModelConfig
// under the same model id, without mutating the shared registry itself.
type pinnedResolver struct {
	base  resolver
	model types.ModelConfig
}

func (r *pinnedResolver) Model(id string) (types.ModelConfig, bool) {
	if id != r.model.ID {
		return types.ModelConfig{}, false
	}
	return r.model, true
}

func (r *pinnedResolver) Resolve(ctx context.Context, modelID string) (providers.Provider, string, error) {
	if modelID != r.model.ID {
		return nil, "", fmt.Errorf("ultrathink: unexpected model id %q in fanned-out worker", modelID)
	}
	provider, _, err := r.base.Resolve(ctx, modelID)
	if err != nil {
		return nil, "", err
	}
	return provider, r.model.UnderlyingModel, nil
}

// frame runs one of UltraThink's single-call framing stages (plan,
// synthesis, summary) — no verification, no iteration, just a call and its
// usage.
func (e *Engine) frame(ctx context.Context, provider providers.Provider, model string, rpm float64, prompt string) (string, types.UsageStats, error) {
	if e.limiter != nil {
		bucketKey := ratelimiter.BucketKey(provider.Name(), model)
		if rpm > 0 {
			e.limiter.EnsureRPM(bucketKey, rpm)
		}
		if err := e.limiter.Wait(ctx, provider.Name(), model, e.rlStrategy); err != nil {
			return "", types.UsageStats{}, fmt.Errorf("ultrathink: rate limit wait: %w", err)
		}
	}

	var result types.CallResult
	err := retry.Do(ctx, e.retryCfg, func() error {
		var callErr error
		result, callErr = provider.Chat(ctx, model, []types.Message{{Role: types.RoleUser, Content: prompt}}, providers.Params{})
		return callErr
	})
	if err != nil {
		return "", types.UsageStats{}, err
	}
	if e.meter != nil {
		e.meter.Record(provider.Name(), model, result.Usage)
	}
	return result.Text, result.Usage, nil
}

func (e *Engine) logf(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Warn(msg, args...)
	}
}
