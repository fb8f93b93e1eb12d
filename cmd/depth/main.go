// Command depth is the minimal CLI entrypoint: it wires config, the model
// registry, and both reasoning engines, then runs one problem through
// either DeepThink or UltraThink and renders the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/kestrelai/depth/internal/cache"
	"github.com/kestrelai/depth/internal/config"
	"github.com/kestrelai/depth/internal/core"
	"github.com/kestrelai/depth/internal/memoryfold"
	"github.com/kestrelai/depth/internal/ratelimiter"
	"github.com/kestrelai/depth/internal/registry"
	"github.com/kestrelai/depth/internal/tokenmeter"
	"github.com/kestrelai/depth/internal/types"
)

func main() {
	modelID := flag.String("model", "deepthink-openai", "logical model id to run (see internal/config for the default catalog)")
	distillModelID := flag.String("distill-model", "", "logical model id used for memory-fold distillation calls; defaults to -model")
	raw := flag.Bool("raw", false, "print the final solution as plain text instead of rendering markdown")
	flag.Parse()

	problem := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if problem == "" {
		fmt.Fprintln(os.Stderr, "usage: depth -model <id> \"<problem statement>\"")
		os.Exit(2)
	}

	if err := run(*modelID, *distillModelID, problem, *raw); err != nil {
		fmt.Fprintln(os.Stderr, "depth:", err)
		os.Exit(1)
	}
}

func run(modelID, distillModelID, problem string, raw bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	reg, err := registry.New(cfg.Providers, cfg.Models)
	if err != nil {
		return fmt.Errorf("building registry: %w", err)
	}

	model, ok := reg.Model(modelID)
	if !ok {
		return fmt.Errorf("model %q is not configured", modelID)
	}

	meter := tokenmeter.New(logger)
	for providerID, byModel := range cfg.Pricing {
		for underlying, entry := range byModel {
			meter.SetPricing(providerID, underlying, entry)
		}
	}

	limiters := ratelimiter.NewRegistry()

	store, err := cache.Open(cfg.CacheDBPath, logger)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer store.Close()
	prefixCache := cache.NewPrefixCache(store, cfg.CacheTTL)

	if distillModelID == "" {
		distillModelID = modelID
	}
	folder := memoryfold.New(memoryfold.DefaultConfig(), distillFunc(reg, distillModelID), prefixCache)
	engines := core.New(reg, limiters, meter, prefixCache, folder).WithLogger(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	var (
		finalSolution string
		tokenUsage    types.UsageStats
		estimatedCost float64
	)

	switch model.Level {
	case types.LevelUltraThink:
		result, err := engines.RunUltraThink(ctx, modelID, problem)
		if err != nil {
			return fmt.Errorf("ultrathink run: %w", err)
		}
		finalSolution, tokenUsage, estimatedCost = result.Summary, result.TokenUsage, result.EstimatedCostUSD
	default:
		result, err := engines.RunDeepThink(ctx, modelID, problem, core.Overrides{})
		if err != nil {
			return fmt.Errorf("deepthink run: %w", err)
		}
		finalSolution, tokenUsage, estimatedCost = result.FinalSolution, result.TokenUsage, result.EstimatedCostUSD
	}

	if err := render(finalSolution, raw); err != nil {
		return err
	}

	logger.Info("run complete",
		slog.String("model", modelID),
		slog.Int64("input_tokens", tokenUsage.InputTokens),
		slog.Int64("output_tokens", tokenUsage.OutputTokens),
		slog.Float64("estimated_cost_usd", estimatedCost),
	)
	return nil
}

// distillFunc resolves the distillation provider lazily, the way
// memoryfold.DistillFunc is meant to be used: a folder built before any
// run starts never pays for a provider client it ends up not needing.
func distillFunc(reg *registry.Registry, modelID string) memoryfold.DistillFunc {
	return func(ctx context.Context) (memoryfold.DistillProvider, string, error) {
		provider, underlying, err := reg.Resolve(ctx, modelID)
		if err != nil {
			return nil, "", err
		}
		return provider, underlying, nil
	}
}

func render(solution string, raw bool) error {
	if raw || solution == "" {
		fmt.Println(solution)
		return nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Println(solution)
		return nil
	}
	out, err := renderer.Render(solution)
	if err != nil {
		fmt.Println(solution)
		return nil
	}
	fmt.Print(out)
	return nil
}
