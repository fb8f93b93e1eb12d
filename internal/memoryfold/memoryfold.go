// Package memoryfold keeps long DeepThink/UltraThink conversations within a
// provider's effective context window by splitting history into three
// tiers — hot (verbatim, cache-friendly), warm (consolidated), and cold
// (distilled by a dedicated LLM call) — rather than truncating it outright.
package memoryfold

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelai/depth/internal/cache"
	"github.com/kestrelai/depth/internal/providers"
	"github.com/kestrelai/depth/internal/types"
)

// Strategy names one of the three ways a warm/cold tier is produced.
type Strategy string

const (
	// StrategyConsolidate merges adjacent turns into fewer, denser messages
	// without calling a model — pure text surgery.
	StrategyConsolidate Strategy = "consolidate"
	// StrategyDistill asks a (usually cheap) model to compress a prefix into
	// a short summary that preserves decisions and open threads.
	StrategyDistill Strategy = "distill"
	// StrategySummarize is Distill's more aggressive sibling, used on the
	// coldest tier where only the gist needs to survive.
	StrategySummarize Strategy = "summarize"
)

// Config controls when folding kicks in and how aggressively.
type Config struct {
	// HotTurns is how many of the most recent turns stay verbatim.
	HotTurns int
	// WarmTurns is how many turns before the hot tier get consolidated
	// rather than distilled outright.
	WarmTurns int
	// MaxHistoryChars triggers folding once total history length exceeds
	// this, regardless of turn count.
	MaxHistoryChars int
	// WarmStrategy and ColdStrategy select how each tier is compressed.
	WarmStrategy Strategy
	ColdStrategy Strategy
	// MaxDistillRetries bounds how many times a failed distill/summarize call
	// is retried before compress gives up and falls back to consolidate.
	MaxDistillRetries int
}

// DefaultConfig matches the distillation thresholds used elsewhere in this
// tree's prompt budgets: keep the last few turns crisp, consolidate the
// next ring, and distill everything older than that.
func DefaultConfig() Config {
	return Config{
		HotTurns:        5,
		WarmTurns:       10,
		MaxHistoryChars: 24000,
		WarmStrategy:    StrategyConsolidate,
		ColdStrategy:    StrategyDistill,
		MaxDistillRetries: 2,
	}
}

// Stats reports what folding actually did to one history, for logging and
// for the meter to attribute the extra distillation call's cost correctly.
type Stats struct {
	OriginalChars     int
	CompressedChars   int
	DistillationUsage types.UsageStats
	Folded            bool
}

// SavedChars is how much shorter the folded history is, never below zero.
func (s Stats) SavedChars() int {
	if s.CompressedChars >= s.OriginalChars {
		return 0
	}
	return s.OriginalChars - s.CompressedChars
}

// NetSavedChars nets out the extra text the distillation call itself
// consumed as input, so this can go negative for a history just barely
// over the threshold.
func (s Stats) NetSavedChars() int {
	return s.SavedChars() - int(s.DistillationUsage.InputTokens)
}

// DistillProvider is the narrow surface Folder needs from a provider: one
// Chat call, used to compress a prefix into prose. It's satisfied by
// providers.Provider without this package importing providers.Provider's
// full surface.
type DistillProvider interface {
	Chat(ctx context.Context, model string, messages []types.Message, params providers.Params) (types.CallResult, error)
}

// DistillFunc lazily produces the provider used for distillation/summarize
// calls. It's a func rather than a DistillProvider directly so a Folder can
// be constructed before its distillation provider is known to exist, and
// never pays for building one if folding never triggers.
type DistillFunc func(ctx context.Context) (DistillProvider, string, error)

// Folder applies Config to a conversation history, optionally caching
// distillations of stable prefixes so a repeated prefix across DeepThink
// iterations doesn't re-pay for the same distillation call.
type Folder struct {
	cfg      Config
	cache    *cache.PrefixCache // may be nil: folding works without a cache, just without reuse
	distill  DistillFunc
}

// New builds a Folder. cache may be nil to disable distillation caching.
func New(cfg Config, distill DistillFunc, prefixCache *cache.PrefixCache) *Folder {
	return &Folder{cfg: cfg, distill: distill, cache: prefixCache}
}

// NeedsFolding reports whether history currently exceeds this Folder's
// thresholds.
func (f *Folder) NeedsFolding(history []types.Message) bool {
	if len(history) > f.cfg.HotTurns+f.cfg.WarmTurns {
		return true
	}
	return totalChars(history) > f.cfg.MaxHistoryChars
}

// Fold compresses history into hot+warm+cold tiers, returning a new
// (shorter) history and folding statistics. If folding wasn't needed,
// it returns the input unchanged with Stats.Folded=false.
func (f *Folder) Fold(ctx context.Context, history []types.Message) ([]types.Message, Stats, error) {
	originalChars := totalChars(history)
	if !f.NeedsFolding(history) {
		return history, Stats{OriginalChars: originalChars, CompressedChars: originalChars}, nil
	}

	hotStart := len(history) - f.cfg.HotTurns
	if hotStart < 0 {
		hotStart = 0
	}
	warmStart := hotStart - f.cfg.WarmTurns
	if warmStart < 0 {
		warmStart = 0
	}

	cold := history[:warmStart]
	warm := history[warmStart:hotStart]
	hot := history[hotStart:]

	var folded []types.Message
	var usage types.UsageStats

	if len(cold) > 0 {
		coldMsg, coldUsage, err := f.compress(ctx, cold, f.cfg.ColdStrategy, "history-prefix")
		if err != nil {
			return nil, Stats{}, fmt.Errorf("memoryfold: compressing cold tier: %w", err)
		}
		usage.Add(coldUsage)
		folded = append(folded, coldMsg)
	}

	if len(warm) > 0 {
		warmMsg, warmUsage, err := f.compress(ctx, warm, f.cfg.WarmStrategy, "history-midsection")
		if err != nil {
			return nil, Stats{}, fmt.Errorf("memoryfold: compressing warm tier: %w", err)
		}
		usage.Add(warmUsage)
		folded = append(folded, warmMsg)
	}

	// The boundary marker sits on the last message of the stable [cold, warm]
	// prefix, not inside the hot tier: that prefix never changes between
	// iterations, while hot does, so marking hot would put the boundary
	// inside the volatile part instead of just before it.
	if len(folded) > 0 {
		boundary := folded[len(folded)-1]
		boundary.CacheControl = &types.CacheControl{Type: "ephemeral"}
		folded[len(folded)-1] = boundary
	}

	// The hot tier stays verbatim and keeps whatever cache-control markers
	// it already had.
	folded = append(folded, hot...)

	stats := Stats{
		OriginalChars:     originalChars,
		CompressedChars:   totalChars(folded),
		DistillationUsage: usage,
		Folded:            true,
	}
	return folded, stats, nil
}

// compress turns a slice of messages into one role-assistant summary
// message, using strategy. Consolidate never calls a model; distill and
// summarize do, after checking the fold cache, which is keyed by the
// messages, the strategy and the distillation model.
func (f *Folder) compress(ctx context.Context, messages []types.Message, strategy Strategy, label string) (types.Message, types.UsageStats, error) {
	if strategy == StrategyConsolidate {
		return types.Message{Role: types.RoleAssistant, Content: consolidate(messages, label)}, types.UsageStats{}, nil
	}

	if f.distill == nil {
		return types.Message{Role: types.RoleAssistant, Content: consolidate(messages, label)}, types.UsageStats{}, nil
	}

	provider, model, err := f.distill(ctx)
	if err != nil {
		return types.Message{}, types.UsageStats{}, fmt.Errorf("constructing distillation provider: %w", err)
	}

	fingerprint, fperr := fingerprintOf(messages, string(strategy)+":"+model)
	if fperr != nil {
		return types.Message{}, types.UsageStats{}, fperr
	}
	if f.cache != nil {
		if entry, hit, err := f.cache.GetFold(ctx, fingerprint); err == nil && hit {
			return types.Message{Role: types.RoleAssistant, Content: entry.DistilledText}, entry.Usage, nil
		}
	}

	prompt := distillPrompt(messages, strategy)

	maxRetries := f.cfg.MaxDistillRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	var result types.CallResult
	var callErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, callErr = provider.Chat(ctx, model, []types.Message{{Role: types.RoleUser, Content: prompt}}, providers.Params{Temperature: 0.3, HasTemperature: true})
		if callErr == nil {
			break
		}
	}
	if callErr != nil {
		// Retries exhausted: fall back to consolidate rather than failing the
		// whole run over a flaky distillation call.
		return types.Message{Role: types.RoleAssistant, Content: consolidate(messages, label)}, types.UsageStats{}, nil
	}

	if f.cache != nil {
		_ = f.cache.SetFold(ctx, fingerprint, cache.FoldEntry{DistilledText: result.Text, Usage: result.Usage})
	}

	return types.Message{Role: types.RoleAssistant, Content: result.Text}, result.Usage, nil
}

// consolidate merges consecutive same-role messages into one line per run,
// concatenating their full text with no truncation — O(n), rule-based, and
// lossless, unlike the distill/summarize strategies which ask a model to
// compress.
func consolidate(messages []types.Message, label string) string {
	out := fmt.Sprintf("[%s, %d turns consolidated]\n", label, len(messages))

	var run strings.Builder
	var runRole types.Role
	runOpen := false
	flush := func() {
		if runOpen {
			out += fmt.Sprintf("%s: %s\n", runRole, run.String())
		}
	}

	for _, m := range messages {
		if runOpen && m.Role == runRole {
			run.WriteString("\n")
			run.WriteString(m.Text())
			continue
		}
		flush()
		runRole = m.Role
		run.Reset()
		run.WriteString(m.Text())
		runOpen = true
	}
	flush()

	return out
}

func distillPrompt(messages []types.Message, strategy Strategy) string {
	verb := "Distill"
	if strategy == StrategySummarize {
		verb = "Summarize"
	}
	prompt := fmt.Sprintf("%s the following conversation excerpt into a short paragraph that preserves every decision made and every open question still unresolved. Do not add commentary.\n\n", verb)
	for _, m := range messages {
		prompt += fmt.Sprintf("%s: %s\n\n", m.Role, m.Text())
	}
	return prompt
}

func totalChars(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Text())
	}
	return total
}

func fingerprintOf(messages []types.Message, strategy string) (string, error) {
	canonical := make([]cache.CanonicalMessage, 0, len(messages))
	for _, m := range messages {
		canonical = append(canonical, cache.CanonicalMessage{Role: string(m.Role), Text: m.Text()})
	}
	return cache.Fingerprint("memoryfold", strategy, "", "", canonical, cache.CanonicalParams{})
}
