package cache

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelai/depth/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open(:memory:) returned unexpected error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	type payload struct{ Text string }
	if err := store.Set(ctx, NamespaceContent, "fp1", payload{Text: "hello"}, time.Minute); err != nil {
		t.Fatalf("Set returned unexpected error: %v", err)
	}

	var got payload
	hit, err := store.Get(ctx, NamespaceContent, "fp1", &got)
	if err != nil {
		t.Fatalf("Get returned unexpected error: %v", err)
	}
	if !hit {
		t.Fatal("expected a cache hit")
	}
	if got.Text != "hello" {
		t.Errorf("Text = %q, want %q", got.Text, "hello")
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	store := openTestStore(t)
	var got struct{ Text string }
	hit, err := store.Get(context.Background(), NamespaceContent, "nonexistent", &got)
	if err != nil {
		t.Fatalf("Get returned unexpected error: %v", err)
	}
	if hit {
		t.Error("expected a miss for a fingerprint never stored")
	}
}

func TestGetExpiredEntryIsEvicted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, NamespaceContent, "fp1", "value", -time.Second); err != nil {
		t.Fatalf("Set returned unexpected error: %v", err)
	}

	var got string
	hit, err := store.Get(ctx, NamespaceContent, "fp1", &got)
	if err != nil {
		t.Fatalf("Get returned unexpected error: %v", err)
	}
	if hit {
		t.Error("expected an already-expired entry to read as a miss")
	}
}

func TestNamespacesDoNotCollide(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.Set(ctx, NamespaceContent, "shared-fp", "content-value", time.Minute)
	store.Set(ctx, NamespaceResponseID, "shared-fp", "response-id-value", time.Minute)

	var contentGot, idGot string
	store.Get(ctx, NamespaceContent, "shared-fp", &contentGot)
	store.Get(ctx, NamespaceResponseID, "shared-fp", &idGot)

	if contentGot != "content-value" {
		t.Errorf("content namespace = %q, want %q", contentGot, "content-value")
	}
	if idGot != "response-id-value" {
		t.Errorf("response_id namespace = %q, want %q", idGot, "response-id-value")
	}
}

func TestFingerprintIsStableAndSensitive(t *testing.T) {
	hist := []CanonicalMessage{{Role: "user", Text: "hi"}}
	params := CanonicalParams{Temperature: 0.2, MaxTokens: 100}

	a, err := Fingerprint("openai", "gpt-5", "sys", "", hist, params)
	if err != nil {
		t.Fatalf("Fingerprint returned unexpected error: %v", err)
	}
	b, err := Fingerprint("openai", "gpt-5", "sys", "", hist, params)
	if err != nil {
		t.Fatalf("Fingerprint returned unexpected error: %v", err)
	}
	if a != b {
		t.Error("Fingerprint is not stable across identical inputs")
	}

	c, err := Fingerprint("openai", "gpt-5", "sys", "", hist, CanonicalParams{Temperature: 0.9, MaxTokens: 100})
	if err != nil {
		t.Fatalf("Fingerprint returned unexpected error: %v", err)
	}
	if a == c {
		t.Error("Fingerprint did not change when temperature changed")
	}
}

func TestHashImageIsDeterministicAndShort(t *testing.T) {
	a := HashImage("some-base64-image-data")
	b := HashImage("some-base64-image-data")
	if a != b {
		t.Error("HashImage is not deterministic for identical input")
	}
	if len(a) > 64 {
		t.Errorf("HashImage output is %d chars, expected a short digest", len(a))
	}
	if HashImage("other-data") == a {
		t.Error("HashImage produced the same hash for different input")
	}
}

func TestPrefixCacheContentHitWinsOverResponseID(t *testing.T) {
	store := openTestStore(t)
	pc := NewPrefixCache(store, time.Minute)
	ctx := context.Background()

	fp := "fp-both"
	result := types.CallResult{Text: "the answer", ResponseID: "resp-123"}
	if err := pc.Store(ctx, fp, result); err != nil {
		t.Fatalf("Store returned unexpected error: %v", err)
	}

	got, hadContent, responseID, err := pc.Lookup(ctx, fp)
	if err != nil {
		t.Fatalf("Lookup returned unexpected error: %v", err)
	}
	if !hadContent {
		t.Fatal("expected a content hit when both namespaces have entries")
	}
	if got.Text != "the answer" {
		t.Errorf("Text = %q, want %q", got.Text, "the answer")
	}
	if responseID != "resp-123" {
		t.Errorf("responseID = %q, want %q", responseID, "resp-123")
	}
}

func TestPrefixCacheFallsBackToResponseIDOnly(t *testing.T) {
	store := openTestStore(t)
	pc := NewPrefixCache(store, time.Minute)
	ctx := context.Background()

	// Simulate a provider-chained call that only ever recorded a response id,
	// with no content cached locally (e.g. cross-process, cache wiped).
	store.Set(ctx, NamespaceResponseID, "fp-id-only", struct {
		ResponseID string `json:"response_id"`
	}{"resp-456"}, time.Minute)

	_, hadContent, responseID, err := pc.Lookup(ctx, "fp-id-only")
	if err != nil {
		t.Fatalf("Lookup returned unexpected error: %v", err)
	}
	if hadContent {
		t.Error("expected no content hit when only a response id was cached")
	}
	if responseID != "resp-456" {
		t.Errorf("responseID = %q, want %q", responseID, "resp-456")
	}
}

func TestPrefixCacheLookupMissReturnsEmpty(t *testing.T) {
	store := openTestStore(t)
	pc := NewPrefixCache(store, time.Minute)

	_, hadContent, responseID, err := pc.Lookup(context.Background(), "never-stored")
	if err != nil {
		t.Fatalf("Lookup returned unexpected error: %v", err)
	}
	if hadContent || responseID != "" {
		t.Error("expected a complete miss for a fingerprint never stored")
	}
}

func TestFoldCacheRoundTrip(t *testing.T) {
	store := openTestStore(t)
	pc := NewPrefixCache(store, time.Minute)
	ctx := context.Background()

	entry := FoldEntry{DistilledText: "summary of the prefix", Usage: types.UsageStats{InputTokens: 500}}
	if err := pc.SetFold(ctx, "fold-fp", entry); err != nil {
		t.Fatalf("SetFold returned unexpected error: %v", err)
	}

	got, hit, err := pc.GetFold(ctx, "fold-fp")
	if err != nil {
		t.Fatalf("GetFold returned unexpected error: %v", err)
	}
	if !hit {
		t.Fatal("expected a fold-cache hit")
	}
	if got.DistilledText != entry.DistilledText {
		t.Errorf("DistilledText = %q, want %q", got.DistilledText, entry.DistilledText)
	}
}

func TestPurgeRemovesOnlyExpired(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.Set(ctx, NamespaceContent, "fresh", "v", time.Minute)
	store.Set(ctx, NamespaceContent, "stale", "v", -time.Second)

	n, err := store.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge returned unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("Purge removed %d rows, want 1", n)
	}

	var got string
	hit, _ := store.Get(ctx, NamespaceContent, "fresh", &got)
	if !hit {
		t.Error("expected the fresh entry to survive Purge")
	}
}
