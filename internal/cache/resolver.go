package cache

import (
	"context"
	"time"

	"github.com/kestrelai/depth/internal/types"
)

// PrefixCache wraps a Store with the lookup order the engine actually wants:
// a full content-cache hit (we already have the text and usage for this
// exact prompt) always wins over a response-id hit (we'd still have to pay
// for a round trip, just a cheaper one). Response-id lookups exist purely to
// let the provider's own server-side cache shorten that round trip when we
// don't have the content cached ourselves.
type PrefixCache struct {
	store *Store
	ttl   time.Duration
}

// NewPrefixCache wraps store with a fixed entry TTL.
func NewPrefixCache(store *Store, ttl time.Duration) *PrefixCache {
	return &PrefixCache{store: store, ttl: ttl}
}

// Lookup resolves a call fingerprint against both namespaces and reports
// which one (if either) it used. A content hit returns the full result
// immediately with hadContent=true; a response-id hit returns only the id
// string with hadContent=false so the caller can chain a Response call.
func (c *PrefixCache) Lookup(ctx context.Context, fingerprint string) (result types.CallResult, hadContent bool, responseID string, err error) {
	var content types.CallResult
	hit, err := c.store.Get(ctx, NamespaceContent, fingerprint, &content)
	if err != nil {
		return types.CallResult{}, false, "", err
	}
	if hit {
		return content, true, content.ResponseID, nil
	}

	var idEntry struct {
		ResponseID string `json:"response_id"`
	}
	hit, err = c.store.Get(ctx, NamespaceResponseID, fingerprint, &idEntry)
	if err != nil {
		return types.CallResult{}, false, "", err
	}
	if hit {
		return types.CallResult{}, false, idEntry.ResponseID, nil
	}

	return types.CallResult{}, false, "", nil
}

// Store records a fresh call result under the same fingerprint in both
// namespaces: the full content so a repeat of the exact same call
// short-circuits entirely, and, when the result carries one, the response id
// alone in the response-id namespace. Only a lookup with this exact
// fingerprint finds either entry.
func (c *PrefixCache) Store(ctx context.Context, fingerprint string, result types.CallResult) error {
	if err := c.store.Set(ctx, NamespaceContent, fingerprint, result, c.ttl); err != nil {
		return err
	}
	if result.ResponseID == "" {
		return nil
	}
	return c.store.Set(ctx, NamespaceResponseID, fingerprint, struct {
		ResponseID string `json:"response_id"`
	}{result.ResponseID}, c.ttl)
}

// FoldEntry is what the memory-folding cache namespace stores: a
// previously-computed distillation of a conversation prefix, keyed by a
// fingerprint over that prefix alone.
type FoldEntry struct {
	DistilledText string             `json:"distilled_text"`
	Usage         types.UsageStats   `json:"usage"`
}

// GetFold looks up a cached distillation of a conversation prefix.
func (c *PrefixCache) GetFold(ctx context.Context, fingerprint string) (FoldEntry, bool, error) {
	var entry FoldEntry
	hit, err := c.store.Get(ctx, NamespaceFold, fingerprint, &entry)
	return entry, hit, err
}

// SetFold stores a freshly computed distillation under the fold namespace.
func (c *PrefixCache) SetFold(ctx context.Context, fingerprint string, entry FoldEntry) error {
	return c.store.Set(ctx, NamespaceFold, fingerprint, entry, c.ttl)
}
