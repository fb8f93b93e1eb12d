// Package deepthink implements the single-agent iterative explore, verify,
// correct state machine: solve, check the solution, and if it fails
// verification, feed the issues back for another attempt — up to a bounded
// number of iterations and tolerated errors.
package deepthink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrelai/depth/internal/cache"
	"github.com/kestrelai/depth/internal/memoryfold"
	"github.com/kestrelai/depth/internal/prompts"
	"github.com/kestrelai/depth/internal/providers"
	"github.com/kestrelai/depth/internal/ratelimiter"
	"github.com/kestrelai/depth/internal/retry"
	"github.com/kestrelai/depth/internal/tokenmeter"
	"github.com/kestrelai/depth/internal/types"
	"github.com/kestrelai/depth/internal/verify"
	"go.opentelemetry.io/otel/trace"
)

// resolver is the slice of *registry.Registry this package actually needs.
// Accepting the interface instead of the concrete type lets tests exercise
// Engine against a fake without building real provider adapters.
type resolver interface {
	Model(id string) (types.ModelConfig, bool)
	Resolve(ctx context.Context, modelID string) (providers.Provider, string, error)
}

// Engine runs DeepThink for any model configured at LevelDeepThink.
type Engine struct {
	registry   resolver
	limiter    *ratelimiter.Registry
	cache      *cache.PrefixCache
	meter      *tokenmeter.Meter
	folder     *memoryfold.Folder
	tracer     trace.Tracer
	logger     *slog.Logger
	retryCfg   retry.Config
	params     providers.Params
	rlStrategy ratelimiter.Strategy
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithCache attaches a prefix cache; without one, every call is a fresh
// round trip.
func WithCache(c *cache.PrefixCache) Option { return func(e *Engine) { e.cache = c } }

// WithFolder attaches a memory folder; without one, history grows
// unbounded across iterations.
func WithFolder(f *memoryfold.Folder) Option { return func(e *Engine) { e.folder = f } }

// WithTracer attaches an OpenTelemetry tracer; a no-op tracer
// (trace.NewNoopTracerProvider().Tracer("deepthink")) is used if this is
// never called.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithLogger attaches a structured logger; nil disables logging.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg retry.Config) Option { return func(e *Engine) { e.retryCfg = cfg } }

// WithParams sets the call parameters (temperature, seed, max tokens) every
// solve-stage call on this engine carries. UltraThink uses this to give each
// fanned-out agent the distinct temperature/seed its agent-config assigned
// it; a plain DeepThink run leaves this at the zero value.
func WithParams(p providers.Params) Option { return func(e *Engine) { e.params = p } }

// WithRateLimitStrategy overrides what a call does when its bucket is
// exhausted; the default is StrategyWait.
func WithRateLimitStrategy(s ratelimiter.Strategy) Option { return func(e *Engine) { e.rlStrategy = s } }

// New builds an Engine against reg (for provider resolution) and lim (for
// rate-limit admission). meter receives usage from every call this engine
// makes.
func New(reg resolver, lim *ratelimiter.Registry, meter *tokenmeter.Meter, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		limiter:  lim,
		meter:    meter,
		tracer:   trace.NewNoopTracerProvider().Tracer("deepthink"),
		retryCfg: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one full DeepThink cycle for modelID against problem.
func (e *Engine) Run(ctx context.Context, modelID, problem string) (types.AgentResult, error) {
	model, ok := e.registry.Model(modelID)
	if !ok {
		return types.AgentResult{}, fmt.Errorf("deepthink: model %q is not configured", modelID)
	}

	ctx, span := e.tracer.Start(ctx, "deepthink.run")
	defer span.End()

	result := types.AgentResult{
		AgentID:  modelID,
		Metadata: map[string]any{},
	}

	history := []types.Message{{Role: types.RoleUser, Content: prompts.InitialSolve(problem)}}
	stage := types.StageInitial
	errorCount := 0
	passesAccum := 0
	needSolve := true

	maxErrorsExceeded := false

	var solution string
	for iteration := 0; iteration < model.MaxIterations; iteration++ {
		result.Iterations = iteration + 1

		if needSolve {
			callResult, err := e.call(ctx, model, stage, history)
			if err != nil {
				errorCount++
				e.logf("deepthink: call failed", "model", modelID, "stage", stage, "iteration", iteration, "error", err)
				if errorCount >= model.MaxErrors {
					maxErrorsExceeded = true
					break
				}
				continue
			}
			result.TokenUsage.Add(callResult.Usage)
			solution = callResult.Text
			history = append(history, types.Message{Role: types.RoleAssistant, Content: solution})
			needSolve = false
		}

		verdictProvider, _, verr := e.registry.Resolve(ctx, modelID)
		if verr != nil {
			return result, fmt.Errorf("deepthink: resolving verification provider: %w", verr)
		}
		seed := int64(iteration)
		log, usage, verr := verify.Judge(ctx, verdictProvider, model.StageModel(types.StageVerification), problem, solution, &seed)
		if verr != nil {
			errorCount++
			e.logf("deepthink: verification failed", "model", modelID, "iteration", iteration, "error", verr)
			if errorCount >= model.MaxErrors {
				maxErrorsExceeded = true
				break
			}
			continue
		}
		result.TokenUsage.Add(usage)
		if e.meter != nil {
			e.meter.Record(verdictProvider.Name(), model.StageModel(types.StageVerification), usage)
		}
		result.Verifications = append(result.Verifications, log)

		if log.Pass {
			passesAccum++
			if passesAccum >= model.RequiredVerifications {
				result.VerificationsMet = true
				break
			}
			// Passed but not enough passes yet: re-verify the same candidate
			// with a fresh judge seed next iteration, no new solve call.
			continue
		}

		passesAccum = 0
		stage = types.StageCorrection
		needSolve = true
		history = append(history, types.Message{Role: types.RoleUser, Content: prompts.Correction(problem, solution, log.Issues)})

		if e.folder != nil && e.folder.NeedsFolding(history) {
			folded, stats, ferr := e.folder.Fold(ctx, history)
			if ferr == nil {
				history = folded
				result.TokenUsage.Add(stats.DistillationUsage)
			}
		}
	}

	// max_errors and max_iterations are both just loop-exit conditions, never
	// a reason to fail the run: either way SUMMARISE still runs against
	// whatever candidate is on hand, with the shortfall recorded as metadata
	// rather than silently swallowed.
	if maxErrorsExceeded {
		result.Metadata["max_errors_exceeded"] = true
	}
	if !result.VerificationsMet {
		result.Metadata["verification_failed"] = true
	}

	result.FinalSolution = solution
	result.Reasoning = renderHistory(history)

	provider, underlyingModel, resolveErr := e.registry.Resolve(ctx, modelID)
	if resolveErr == nil {
		summaryResult, callErr := provider.Chat(ctx, model.StageModel(types.StageSummary),
			[]types.Message{{Role: types.RoleUser, Content: prompts.Summary(problem, solution)}}, e.params)
		if callErr == nil {
			result.FinalSolution = summaryResult.Text
			result.TokenUsage.Add(summaryResult.Usage)
			if e.meter != nil {
				e.meter.Record(provider.Name(), model.StageModel(types.StageSummary), summaryResult.Usage)
			}
		}
		if e.meter != nil {
			result.EstimatedCostUSD = e.meter.EstimateUsageCost(provider.Name(), underlyingModel, result.TokenUsage)
		}
	}

	return result, nil
}

func (e *Engine) call(ctx context.Context, model types.ModelConfig, stage types.Stage, history []types.Message) (types.CallResult, error) {
	provider, underlyingModel, err := e.registry.Resolve(ctx, model.ID)
	if err != nil {
		return types.CallResult{}, err
	}
	stageModel := model.StageModel(stage)
	if stageModel == "" {
		stageModel = underlyingModel
	}

	if e.limiter != nil {
		bucketKey := ratelimiter.BucketKey(provider.Name(), stageModel)
		if model.RPM > 0 {
			e.limiter.EnsureRPM(bucketKey, model.RPM)
		}
		if err := e.limiter.Wait(ctx, provider.Name(), stageModel, e.rlStrategy); err != nil {
			return types.CallResult{}, fmt.Errorf("deepthink: rate limit wait: %w", err)
		}
	}

	var fingerprint string
	var previousResponseID string
	if e.cache != nil {
		fp, fperr := fingerprintFor(provider.Name(), stageModel, history)
		if fperr != nil {
			return types.CallResult{}, fmt.Errorf("deepthink: %w", fperr)
		}
		fingerprint = fp
		if cached, hadContent, responseID, lookupErr := e.cache.Lookup(ctx, fingerprint); lookupErr == nil {
			if hadContent {
				return cached, nil
			}
			previousResponseID = responseID
		}
	}

	var result types.CallResult
	err = retry.Do(ctx, e.retryCfg, func() error {
		var callErr error
		if provider.Capabilities().SupportsResponses {
			result, callErr = provider.Response(ctx, stageModel, history, e.params, true, previousResponseID)
		} else {
			result, callErr = provider.Chat(ctx, stageModel, history, e.params)
		}
		return callErr
	})
	if err != nil {
		return types.CallResult{}, err
	}

	if e.meter != nil {
		e.meter.Record(provider.Name(), stageModel, result.Usage)
	}
	if e.cache != nil && fingerprint != "" {
		_ = e.cache.Store(ctx, fingerprint, result)
	}
	return result, nil
}

func fingerprintFor(providerName, model string, history []types.Message) (string, error) {
	canonical := make([]cache.CanonicalMessage, 0, len(history))
	for _, m := range history {
		canonical = append(canonical, cache.CanonicalMessage{Role: string(m.Role), Text: m.Text()})
	}
	return cache.Fingerprint(providerName, model, "", "", canonical, cache.CanonicalParams{})
}

func renderHistory(history []types.Message) string {
	out := ""
	for _, m := range history {
		out += fmt.Sprintf("[%s] %s\n\n", m.Role, m.Text())
	}
	return out
}

func (e *Engine) logf(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Warn(msg, args...)
	}
}
