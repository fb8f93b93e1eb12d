// Package core is the thin external surface everything else in this tree is
// built behind: resolving a logical model id, issuing a single completion
// (chat or response-chained), and running a full DeepThink or UltraThink
// cycle all go through one of the five methods here rather than through the
// engines or registry directly.
package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrelai/depth/internal/cache"
	"github.com/kestrelai/depth/internal/deepthink"
	"github.com/kestrelai/depth/internal/memoryfold"
	"github.com/kestrelai/depth/internal/providers"
	"github.com/kestrelai/depth/internal/ratelimiter"
	"github.com/kestrelai/depth/internal/registry"
	"github.com/kestrelai/depth/internal/tokenmeter"
	"github.com/kestrelai/depth/internal/types"
	"github.com/kestrelai/depth/internal/ultrathink"
)

// Core wires an already-built registry, rate limiter, token meter, cache,
// and memory folder behind the five operations a caller actually needs.
// Nothing here opens its own resources; New just holds references.
type Core struct {
	Registry *registry.Registry
	Limiter  *ratelimiter.Registry
	Meter    *tokenmeter.Meter
	Cache    *cache.PrefixCache
	Folder   *memoryfold.Folder
	Logger   *slog.Logger
}

// New builds a Core from components the caller already constructed.
func New(reg *registry.Registry, lim *ratelimiter.Registry, meter *tokenmeter.Meter, c *cache.PrefixCache, folder *memoryfold.Folder) *Core {
	return &Core{Registry: reg, Limiter: lim, Meter: meter, Cache: c, Folder: folder}
}

// WithLogger attaches a logger passed through to every engine a RunDeepThink
// or RunUltraThink call builds.
func (c *Core) WithLogger(l *slog.Logger) *Core {
	c.Logger = l
	return c
}

// Overrides adjusts a single call's sampling parameters without mutating
// the model's catalog entry.
type Overrides struct {
	Temperature    float64
	HasTemperature bool
	MaxTokens      int
	Seed           *int64
}

func (o Overrides) params() providers.Params {
	return providers.Params{
		Temperature:    o.Temperature,
		HasTemperature: o.HasTemperature,
		MaxTokens:      o.MaxTokens,
		Seed:           o.Seed,
	}
}

// Resolve maps a logical model id to its provider instance and the
// underlying model name that will be sent on the wire.
func (c *Core) Resolve(ctx context.Context, modelID string) (providers.Provider, string, error) {
	return c.Registry.Resolve(ctx, modelID)
}

// ChatCompletion issues one chat-completions call against modelID.
func (c *Core) ChatCompletion(ctx context.Context, modelID string, messages []types.Message, overrides Overrides) (types.CallResult, error) {
	provider, model, err := c.Registry.Resolve(ctx, modelID)
	if err != nil {
		return types.CallResult{}, err
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx, provider.Name(), model, ratelimiter.StrategyWait); err != nil {
			return types.CallResult{}, fmt.Errorf("core: rate limit wait: %w", err)
		}
	}
	result, err := provider.Chat(ctx, model, messages, overrides.params())
	if err != nil {
		return types.CallResult{}, err
	}
	if c.Meter != nil {
		c.Meter.Record(provider.Name(), model, result.Usage)
	}
	return result, nil
}

// ResponsesCall issues one responses-with-previous-response-id call against
// modelID. When the resolved provider never declared SupportsResponses, the
// call is emulated through Chat: store and previousResponseID are ignored and
// the result carries no response id.
func (c *Core) ResponsesCall(ctx context.Context, modelID string, messages []types.Message, store bool, previousResponseID string, overrides Overrides) (types.CallResult, error) {
	provider, model, err := c.Registry.Resolve(ctx, modelID)
	if err != nil {
		return types.CallResult{}, err
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx, provider.Name(), model, ratelimiter.StrategyWait); err != nil {
			return types.CallResult{}, fmt.Errorf("core: rate limit wait: %w", err)
		}
	}
	var result types.CallResult
	if provider.Capabilities().SupportsResponses {
		result, err = provider.Response(ctx, model, messages, overrides.params(), store, previousResponseID)
	} else {
		result, err = provider.Chat(ctx, model, messages, overrides.params())
		result.ResponseID = ""
	}
	if err != nil {
		return types.CallResult{}, err
	}
	if c.Meter != nil {
		c.Meter.Record(provider.Name(), model, result.Usage)
	}
	return result, nil
}

// RunDeepThink runs one full explore/verify/correct cycle for modelID.
func (c *Core) RunDeepThink(ctx context.Context, modelID, problem string, overrides Overrides) (types.AgentResult, error) {
	engine := deepthink.New(c.Registry, c.Limiter, c.Meter,
		deepthink.WithCache(c.Cache),
		deepthink.WithFolder(c.Folder),
		deepthink.WithParams(overrides.params()),
		deepthink.WithLogger(c.Logger),
	)
	return engine.Run(ctx, modelID, problem)
}

// RunUltraThink runs one full plan/fan-out/synthesize/summarize cycle for
// modelID.
func (c *Core) RunUltraThink(ctx context.Context, modelID, problem string) (types.UltraThinkResult, error) {
	engine := ultrathink.New(c.Registry, c.Limiter, c.Meter,
		ultrathink.WithCache(c.Cache),
		ultrathink.WithFolder(c.Folder),
		ultrathink.WithLogger(c.Logger),
	)
	return engine.Run(ctx, modelID, problem)
}
