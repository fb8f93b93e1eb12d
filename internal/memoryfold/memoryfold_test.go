package memoryfold

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kestrelai/depth/internal/providers"
	"github.com/kestrelai/depth/internal/types"
)

func makeHistory(n int, charsPer int) []types.Message {
	filler := make([]byte, charsPer)
	for i := range filler {
		filler[i] = 'x'
	}
	history := make([]types.Message, 0, n)
	for i := 0; i < n; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		history = append(history, types.Message{Role: role, Content: string(filler)})
	}
	return history
}

func TestNeedsFoldingFalseBelowThresholds(t *testing.T) {
	f := New(DefaultConfig(), nil, nil)
	history := makeHistory(3, 10)
	if f.NeedsFolding(history) {
		t.Error("expected a short history to not need folding")
	}
}

func TestNeedsFoldingTrueAboveTurnThreshold(t *testing.T) {
	cfg := Config{HotTurns: 2, WarmTurns: 2, MaxHistoryChars: 1_000_000}
	f := New(cfg, nil, nil)
	history := makeHistory(10, 5)
	if !f.NeedsFolding(history) {
		t.Error("expected a history longer than hot+warm turns to need folding")
	}
}

func TestNeedsFoldingTrueAboveCharThreshold(t *testing.T) {
	cfg := Config{HotTurns: 100, WarmTurns: 100, MaxHistoryChars: 50}
	f := New(cfg, nil, nil)
	history := makeHistory(3, 100)
	if !f.NeedsFolding(history) {
		t.Error("expected a history over the char budget to need folding even with few turns")
	}
}

func TestFoldNoOpWhenNotNeeded(t *testing.T) {
	f := New(DefaultConfig(), nil, nil)
	history := makeHistory(2, 10)

	folded, stats, err := f.Fold(context.Background(), history)
	if err != nil {
		t.Fatalf("Fold returned unexpected error: %v", err)
	}
	if stats.Folded {
		t.Error("expected Stats.Folded=false when folding wasn't needed")
	}
	if len(folded) != len(history) {
		t.Errorf("len(folded) = %d, want %d (unchanged)", len(folded), len(history))
	}
}

func TestFoldConsolidatesWithoutDistillProvider(t *testing.T) {
	cfg := Config{
		HotTurns:        2,
		WarmTurns:       3,
		MaxHistoryChars: 1_000_000,
		WarmStrategy:    StrategyConsolidate,
		ColdStrategy:    StrategyConsolidate,
	}
	f := New(cfg, nil, nil)
	history := makeHistory(10, 20)

	folded, stats, err := f.Fold(context.Background(), history)
	if err != nil {
		t.Fatalf("Fold returned unexpected error: %v", err)
	}
	if !stats.Folded {
		t.Error("expected Stats.Folded=true")
	}
	if len(folded) >= len(history) {
		t.Errorf("len(folded) = %d, want fewer than %d", len(folded), len(history))
	}
	// last 2 hot turns must survive verbatim
	if folded[len(folded)-1].Content != history[len(history)-1].Content {
		t.Error("expected the most recent turn to survive folding verbatim")
	}
}

func TestFoldMarksCacheBoundaryOnLastWarmMessage(t *testing.T) {
	cfg := Config{HotTurns: 2, WarmTurns: 2, MaxHistoryChars: 1_000_000, WarmStrategy: StrategyConsolidate, ColdStrategy: StrategyConsolidate}
	f := New(cfg, nil, nil)
	history := makeHistory(8, 20)

	folded, _, err := f.Fold(context.Background(), history)
	if err != nil {
		t.Fatalf("Fold returned unexpected error: %v", err)
	}
	// cold (4 turns) -> 1 message, warm (2 turns) -> 1 message, hot (2 turns)
	// verbatim: folded = [cold, warm, hot0, hot1]. The boundary belongs on
	// warm, the last message of the stable prefix, not on the hot tail.
	warmIdx := len(folded) - 1 - cfg.HotTurns
	warm := folded[warmIdx]
	if warm.CacheControl == nil {
		t.Error("expected the last warm-tier message to carry a cache-control boundary marker")
	}
	for i := warmIdx + 1; i < len(folded); i++ {
		if folded[i].CacheControl != nil {
			t.Errorf("expected no cache-control marker on hot-tier message %d", i)
		}
	}
}

func TestFoldDistillFallsBackToConsolidateWithNoDistillFunc(t *testing.T) {
	cfg := Config{HotTurns: 2, WarmTurns: 2, MaxHistoryChars: 1_000_000, WarmStrategy: StrategyDistill, ColdStrategy: StrategyDistill}
	f := New(cfg, nil, nil)
	history := makeHistory(8, 20)

	// Should not error even though no distill func was supplied; it degrades
	// to consolidation rather than failing the whole run over a missing
	// distillation provider.
	if _, _, err := f.Fold(context.Background(), history); err != nil {
		t.Fatalf("Fold returned unexpected error: %v", err)
	}
}

type failingDistillProvider struct {
	calls int
}

func (p *failingDistillProvider) Chat(ctx context.Context, model string, messages []types.Message, params providers.Params) (types.CallResult, error) {
	p.calls++
	return types.CallResult{}, errors.New("distillation backend unavailable")
}

func TestFoldDistillFallsBackToConsolidateAfterRetriesExhausted(t *testing.T) {
	cfg := Config{
		HotTurns: 2, WarmTurns: 2, MaxHistoryChars: 1_000_000,
		WarmStrategy: StrategyDistill, ColdStrategy: StrategyDistill,
		MaxDistillRetries: 2,
	}
	stub := &failingDistillProvider{}
	distill := func(ctx context.Context) (DistillProvider, string, error) {
		return stub, "distill-model", nil
	}
	f := New(cfg, distill, nil)
	history := makeHistory(8, 20)

	folded, stats, err := f.Fold(context.Background(), history)
	if err != nil {
		t.Fatalf("Fold returned unexpected error: %v", err)
	}
	if !stats.Folded {
		t.Error("expected Stats.Folded=true")
	}
	if len(folded) == 0 {
		t.Error("expected a non-empty folded history via the consolidate fallback")
	}
	// one call plus MaxDistillRetries retries, per compressed tier that used distill
	wantCallsPerTier := cfg.MaxDistillRetries + 1
	if stub.calls < wantCallsPerTier {
		t.Errorf("distill provider called %d times, want at least %d", stub.calls, wantCallsPerTier)
	}
}

func TestConsolidateMergesConsecutiveSameRoleWithoutTruncation(t *testing.T) {
	long := strings.Repeat("z", 500)
	messages := []types.Message{
		{Role: types.RoleUser, Content: "first"},
		{Role: types.RoleUser, Content: "second"},
		{Role: types.RoleAssistant, Content: long},
	}

	out := consolidate(messages, "warm")

	if !strings.Contains(out, "first\nsecond") {
		t.Errorf("expected the two consecutive user turns to be merged verbatim, got: %q", out)
	}
	if !strings.Contains(out, long) {
		t.Error("expected the long assistant turn to survive in full, with no truncation")
	}
}

func TestStatsNetSavedChars(t *testing.T) {
	s := Stats{OriginalChars: 1000, CompressedChars: 200, DistillationUsage: types.UsageStats{InputTokens: 300}}
	if got := s.SavedChars(); got != 800 {
		t.Errorf("SavedChars() = %d, want 800", got)
	}
	if got := s.NetSavedChars(); got != 500 {
		t.Errorf("NetSavedChars() = %d, want 500", got)
	}
}
