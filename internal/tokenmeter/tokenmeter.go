// Package tokenmeter accumulates per-(provider,model) usage and converts it
// into an estimated USD cost against a pricing table supplied by the caller.
package tokenmeter

import (
	"log/slog"
	"sync"

	"github.com/kestrelai/depth/internal/types"
)

// key identifies one (provider, model) accounting bucket.
type key struct {
	Provider string
	Model    string
}

// Meter accumulates UsageStats across many calls, bucketed by provider and
// model, and estimates cost against a pricing table. Safe for concurrent
// use by UltraThink's fanned-out workers.
type Meter struct {
	mu      sync.Mutex
	usage   map[key]*types.UsageStats
	pricing map[key]types.PricingEntry
	logger  *slog.Logger
}

// New returns a Meter with no recorded usage. logger may be nil, in which
// case anomalies are dropped rather than logged.
func New(logger *slog.Logger) *Meter {
	return &Meter{
		usage:   make(map[key]*types.UsageStats),
		pricing: make(map[key]types.PricingEntry),
		logger:  logger,
	}
}

// SetPricing registers (or replaces) the pricing entry used to estimate
// cost for a given provider/model pair.
func (m *Meter) SetPricing(provider, model string, entry types.PricingEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pricing[key{provider, model}] = entry
}

// Record folds one call's usage into the running total for its
// provider/model bucket. A subset-invariant violation (cached > input, or
// reasoning > output) is logged as a warning but never rejected — the
// anomaly is recorded on the returned copy via Usage(provider, model) so
// callers can surface it without the meter itself refusing to account.
func (m *Meter) Record(provider, model string, usage types.UsageStats) {
	anomalous := usage.Validate()
	if anomalous && m.logger != nil {
		m.logger.Warn("token usage violates subset invariants",
			"provider", provider, "model", model,
			"input", usage.InputTokens, "cached", usage.CachedTokens,
			"output", usage.OutputTokens, "reasoning", usage.ReasoningTokens)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{provider, model}
	bucket, ok := m.usage[k]
	if !ok {
		bucket = &types.UsageStats{}
		m.usage[k] = bucket
	}
	bucket.Add(usage)
	bucket.Anomalous = bucket.Anomalous || anomalous
}

// Usage returns the accumulated usage for one provider/model bucket.
func (m *Meter) Usage(provider, model string) types.UsageStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bucket, ok := m.usage[key{provider, model}]; ok {
		return *bucket
	}
	return types.UsageStats{}
}

// EstimateCost returns the estimated USD cost of one provider/model bucket's
// accumulated usage. It returns 0 if no pricing entry was registered.
func (m *Meter) EstimateCost(provider, model string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.usage[key{provider, model}]
	if !ok {
		return 0
	}
	pricing, ok := m.pricing[key{provider, model}]
	if !ok {
		return 0
	}
	return costOf(*bucket, pricing)
}

// EstimateUsageCost prices a caller-supplied usage snapshot directly,
// without touching the meter's own accumulated buckets. Used to attach a
// per-run cost figure to a single AgentResult/UltraThinkResult, which would
// be unsafe to derive from EstimateCost/TotalCostUSD under concurrent
// fan-out sharing the same Meter.
func (m *Meter) EstimateUsageCost(provider, model string, usage types.UsageStats) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	pricing, ok := m.pricing[key{provider, model}]
	if !ok {
		return 0
	}
	return costOf(usage, pricing)
}

func costOf(u types.UsageStats, p types.PricingEntry) float64 {
	return float64(u.UncachedInput())*p.Prompt +
		float64(u.CachedTokens)*p.CachedPrompt +
		float64(u.RegularOutput())*p.Completion +
		float64(u.ReasoningTokens)*p.Reasoning
}

// Summary is a point-in-time snapshot of one bucket's usage and cost.
type Summary struct {
	Provider string
	Model    string
	Usage    types.UsageStats
	CostUSD  float64
}

// Summaries returns a snapshot of every bucket recorded so far.
func (m *Meter) Summaries() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Summary, 0, len(m.usage))
	for k, bucket := range m.usage {
		cost := 0.0
		if pricing, ok := m.pricing[k]; ok {
			cost = costOf(*bucket, pricing)
		}
		out = append(out, Summary{Provider: k.Provider, Model: k.Model, Usage: *bucket, CostUSD: cost})
	}
	return out
}

// TotalCostUSD sums the estimated cost across every bucket.
func (m *Meter) TotalCostUSD() float64 {
	total := 0.0
	for _, s := range m.Summaries() {
		total += s.CostUSD
	}
	return total
}

// Reset clears every accumulated bucket. Pricing entries are kept.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = make(map[key]*types.UsageStats)
}
