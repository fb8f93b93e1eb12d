// Package registry resolves a logical model id down to a concrete provider
// instance and the underlying model name to call it with. Provider
// instances are process-wide singletons, memoized by provider id, so two
// models that share a backend share one client, one connection pool, and
// one set of credentials.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelai/depth/internal/providers"
	"github.com/kestrelai/depth/internal/types"
)

// Registry owns every configured provider and model, and lazily builds
// provider clients on first use.
type Registry struct {
	mu        sync.Mutex
	providers map[string]types.ProviderConfig
	models    map[string]types.ModelConfig
	instances map[string]providers.Provider
}

// New validates every provider and model config in a single batched pass
// and returns a Registry only if the whole configuration is sound.
func New(providerConfigs []types.ProviderConfig, modelConfigs []types.ModelConfig) (*Registry, error) {
	providerMap := make(map[string]types.ProviderConfig, len(providerConfigs))
	var errs []error

	for _, pc := range providerConfigs {
		if verrs := pc.Validate(); len(verrs) > 0 {
			errs = append(errs, verrs...)
			continue
		}
		providerMap[pc.ID] = pc
	}

	modelMap := make(map[string]types.ModelConfig, len(modelConfigs))
	for _, mc := range modelConfigs {
		if verrs := mc.Validate(providerMap); len(verrs) > 0 {
			errs = append(errs, verrs...)
			continue
		}
		modelMap[mc.ID] = mc
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("registry: %d configuration error(s): %w", len(errs), joinErrors(errs))
	}

	return &Registry{
		providers: providerMap,
		models:    modelMap,
		instances: make(map[string]providers.Provider),
	}, nil
}

// Model returns the ModelConfig for id, or false if no such model is
// configured.
func (r *Registry) Model(id string) (types.ModelConfig, bool) {
	m, ok := r.models[id]
	return m, ok
}

// Resolve maps a logical model id to its provider instance and the
// underlying model name to send on the wire. The provider instance is
// built on first use and memoized for every subsequent call that shares
// its provider id.
func (r *Registry) Resolve(ctx context.Context, modelID string) (providers.Provider, string, error) {
	model, ok := r.models[modelID]
	if !ok {
		return nil, "", fmt.Errorf("registry: model %q is not configured", modelID)
	}

	provider, err := r.provider(ctx, model.ProviderID)
	if err != nil {
		return nil, "", err
	}
	return provider, model.UnderlyingModel, nil
}

func (r *Registry) provider(ctx context.Context, providerID string) (providers.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.instances[providerID]; ok {
		return p, nil
	}

	cfg, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("registry: provider %q is not configured", providerID)
	}

	p, err := buildProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: building provider %q: %w", providerID, err)
	}
	r.instances[providerID] = p
	return p, nil
}

// buildProvider dispatches on provider id convention ("openai", "anthropic",
// "gemini" prefixes) the way the distilled provider map this registry
// replaces once did by class lookup.
func buildProvider(ctx context.Context, cfg types.ProviderConfig) (providers.Provider, error) {
	switch {
	case hasPrefix(cfg.ID, "openai"):
		return providers.NewOpenAIAdapter(cfg), nil
	case hasPrefix(cfg.ID, "anthropic") || hasPrefix(cfg.ID, "claude"):
		return providers.NewAnthropicAdapter(cfg), nil
	case hasPrefix(cfg.ID, "gemini") || hasPrefix(cfg.ID, "google"):
		return providers.NewGeminiAdapter(ctx, cfg)
	default:
		return nil, fmt.Errorf("registry: no adapter known for provider id %q", cfg.ID)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Close shuts down every provider instance built so far.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.instances {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return joinErrors(errs)
	}
	return nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
