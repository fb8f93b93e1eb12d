// Package config loads everything the reasoning core needs to start:
// provider credentials and timeouts, the model catalog, pricing, and the
// logger — all from the environment plus a couple of small local JSON
// files, never a YAML config loader.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/kestrelai/depth/internal/types"
)

// Config is everything Load assembles: a validated provider/model catalog
// plus the handful of process-wide knobs the rest of the tree reads.
type Config struct {
	Providers []types.ProviderConfig
	Models    []types.ModelConfig
	Pricing   map[string]map[string]types.PricingEntry

	LogLevel            string
	ModelRequestTimeout time.Duration
	CacheDBPath         string
	CacheTTL            time.Duration
}

// familyEnvVars maps a provider id prefix to the environment variable its
// API key is read from.
var familyEnvVars = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// Load reads .env (if present), then the environment, then falls back to
// defaults. Provider/model shape is fixed in code — only credentials,
// timeouts, and pricing are externally configurable — since the YAML
// config loader this pattern replaces is explicitly out of scope here.
func Load() (Config, error) {
	godotenv.Load()

	cfg := Config{
		LogLevel:            envOrDefault("DEPTH_LOG_LEVEL", "info"),
		ModelRequestTimeout: 60 * time.Second,
		CacheDBPath:         envOrDefault("DEPTH_CACHE_DB", "depth-cache.sqlite"),
		CacheTTL:            24 * time.Hour,
	}

	if timeoutStr := os.Getenv("DEPTH_MODEL_TIMEOUT"); timeoutStr != "" {
		duration, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid DEPTH_MODEL_TIMEOUT value %q: %w", timeoutStr, err)
		}
		cfg.ModelRequestTimeout = duration
	}
	if ttlStr := os.Getenv("DEPTH_CACHE_TTL"); ttlStr != "" {
		duration, err := time.ParseDuration(ttlStr)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid DEPTH_CACHE_TTL value %q: %w", ttlStr, err)
		}
		cfg.CacheTTL = duration
	}

	cfg.Providers = defaultProviders(cfg.ModelRequestTimeout)
	cfg.Models = defaultModels()

	pricingPath := envOrDefault("DEPTH_PRICING_FILE", "pricing.json")
	pricing, err := LoadPricing(pricingPath)
	if err != nil {
		return Config{}, fmt.Errorf("config: loading pricing: %w", err)
	}
	cfg.Pricing = pricing

	return cfg, nil
}

// defaultProviders builds the three supported backends, pulling credentials
// from the environment. A provider with no key set still gets an entry —
// registry.New's batched Validate() surfaces the missing-key error alongside
// every other configuration problem instead of failing the process before
// any of them are visible.
func defaultProviders(timeout time.Duration) []types.ProviderConfig {
	timeoutSeconds := timeout.Seconds()
	return []types.ProviderConfig{
		{
			ID:         "openai",
			APIKey:     apiKeyFor("openai"),
			Timeout:    timeoutSeconds,
			MaxRetries: 3,
			Capabilities: types.ProviderCapabilities{
				SupportsResponses: true,
				SupportsStreaming: true,
				SupportsThinking:  true,
				SupportsCaching:   true,
			},
		},
		{
			ID:         "anthropic",
			APIKey:     apiKeyFor("anthropic"),
			Timeout:    timeoutSeconds,
			MaxRetries: 3,
			Capabilities: types.ProviderCapabilities{
				SupportsStreaming: true,
				SupportsVision:    true,
				SupportsThinking:  true,
				SupportsCaching:   true,
			},
		},
		{
			ID:         "gemini",
			APIKey:     apiKeyFor("gemini"),
			Timeout:    timeoutSeconds,
			MaxRetries: 3,
			Capabilities: types.ProviderCapabilities{
				SupportsStreaming: true,
				SupportsVision:    true,
				SupportsThinking:  true,
			},
		},
	}
}

// defaultModels is the logical model catalog: one DeepThink entry and one
// UltraThink entry per provider, with reasonable defaults for every
// iteration/verification bound.
func defaultModels() []types.ModelConfig {
	deepThink := func(id, provider, model string, rpm float64) types.ModelConfig {
		return types.ModelConfig{
			ID:                    id,
			DisplayName:           id,
			ProviderID:            provider,
			UnderlyingModel:       model,
			Level:                 types.LevelDeepThink,
			MaxIterations:         6,
			RequiredVerifications: 2,
			MaxErrors:             3,
			RPM:                   rpm,
		}
	}
	ultraThink := func(id, provider, model string, rpm float64) types.ModelConfig {
		return types.ModelConfig{
			ID:                    id,
			DisplayName:           id,
			ProviderID:            provider,
			UnderlyingModel:       model,
			Level:                 types.LevelUltraThink,
			MaxIterations:         6,
			RequiredVerifications: 2,
			MaxErrors:             3,
			NumAgents:             4,
			ParallelRunAgents:     2,
			RPM:                   rpm,
		}
	}

	return []types.ModelConfig{
		deepThink("deepthink-openai", "openai", "gpt-5-mini", 500),
		deepThink("deepthink-anthropic", "anthropic", "claude-sonnet-4-5", 400),
		deepThink("deepthink-gemini", "gemini", "gemini-2.5-pro", 300),
		ultraThink("ultrathink-openai", "openai", "gpt-5-mini", 500),
		ultraThink("ultrathink-anthropic", "anthropic", "claude-sonnet-4-5", 400),
		ultraThink("ultrathink-gemini", "gemini", "gemini-2.5-pro", 300),
	}
}

func apiKeyFor(providerID string) string {
	envVar, ok := familyEnvVars[providerID]
	if !ok {
		return ""
	}
	return os.Getenv(envVar)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// LoadPricing reads a pricing file shaped
// {provider: {underlying_model: {prompt, completion, cached_prompt, reasoning}}}
// in USD per token. A missing file isn't an error — it just means every
// EstimateCost call returns zero until one is supplied.
func LoadPricing(path string) (map[string]map[string]types.PricingEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]types.PricingEntry{}, nil
		}
		return nil, err
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var pricing map[string]map[string]types.PricingEntry
	if err := json.Unmarshal(raw, &pricing); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return pricing, nil
}

// NewLogger builds the process-wide logger: tint's colourised handler on a
// real terminal, plain JSON otherwise (piped output, CI, a log shipper).
func NewLogger(level string) (*slog.Logger, error) {
	slogLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		handler := tint.NewHandler(os.Stdout, &tint.Options{Level: slogLevel})
		return slog.New(handler), nil
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})
	return slog.New(handler), nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "info", "":
		return slog.LevelInfo, nil
	default:
		return 0, fmt.Errorf("config: unknown log level %q", level)
	}
}
