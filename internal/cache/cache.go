// Package cache is the prefix-cache backing store: a single sqlite handle
// (WAL mode, like every other persistence layer in this tree) holding three
// cooperating namespaces — response-id lookups, raw content results, and
// folded-memory snapshots — all keyed by a fingerprint over the canonical
// call shape that would otherwise be re-sent to a provider.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kestrelai/depth/internal/thinkerr"
)

// Namespace partitions the single underlying table into independent key
// spaces so a content-cache fingerprint can never collide with a
// response-id or fold-cache entry that happens to hash the same.
type Namespace string

const (
	NamespaceContent    Namespace = "content"
	NamespaceResponseID Namespace = "response_id"
	NamespaceFold       Namespace = "fold"
)

// Store is the sqlite-backed cache. All three namespaces share one
// underlying table and one connection; callers never see sqlite directly.
type Store struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open creates or attaches to the cache database at path, enabling WAL mode
// the same way every other sqlite consumer here does, and ensures the
// backing schema exists.
func Open(path string, logger *slog.Logger) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to open database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: failed to enable WAL mode: %w", err)
	}

	s := &Store{conn: conn, logger: logger}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		namespace TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		value TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, fingerprint)
	);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.conn.Close() }

// Get returns the cached JSON-decodable value for (namespace, fingerprint),
// or ok=false if absent or expired. An expired row is lazily deleted on
// read rather than swept by a background job.
func (s *Store) Get(ctx context.Context, namespace Namespace, fingerprint string, dest any) (bool, error) {
	var value string
	var expiresAt time.Time

	row := s.conn.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE namespace = ? AND fingerprint = ?`,
		string(namespace), fingerprint)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("cache: get(%s): %w", namespace, err)
	}

	if time.Now().After(expiresAt) {
		_, _ = s.conn.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE namespace = ? AND fingerprint = ?`,
			string(namespace), fingerprint)
		return false, nil
	}

	if err := json.Unmarshal([]byte(value), dest); err != nil {
		return false, fmt.Errorf("cache: get(%s): decoding cached value: %w", namespace, err)
	}
	return true, nil
}

// Set upserts a value under (namespace, fingerprint) with the given TTL.
func (s *Store) Set(ctx context.Context, namespace Namespace, fingerprint string, value any, ttl time.Duration) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: set(%s): encoding value: %w", namespace, err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, fingerprint, value, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, fingerprint) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
	`, string(namespace), fingerprint, string(encoded), time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("cache: set(%s): %w", namespace, err)
	}
	return nil
}

// Delete removes one entry, if present.
func (s *Store) Delete(ctx context.Context, namespace Namespace, fingerprint string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND fingerprint = ?`,
		string(namespace), fingerprint)
	return err
}

// Purge deletes every expired row across all namespaces and returns how
// many were removed. Intended to run on a periodic tick, not on every read.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < ?`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("cache: purge: %w", err)
	}
	return res.RowsAffected()
}

// Fingerprint hashes the canonicalized call shape — provider, model,
// system prompt, knowledge blob, message history, and the call params that
// affect output — into a stable hex digest. Image content is never hashed
// byte-for-byte: it is reduced to a short content hash first, so two calls
// that reference the same image produce the same fingerprint without the
// cache ever storing image bytes.
//
// A serialisation failure is fail-fast, not silently degraded: the caller
// gets an InvalidRequest error rather than a fingerprint computed over a
// truncated or zero-value blob.
func Fingerprint(provider, model, system, knowledge string, history []CanonicalMessage, params CanonicalParams) (string, error) {
	canonical := struct {
		Provider  string                `json:"provider"`
		Model     string                `json:"model"`
		System    string                `json:"system"`
		Knowledge string                `json:"knowledge"`
		History   []CanonicalMessage    `json:"history"`
		Params    CanonicalParams       `json:"params"`
	}{provider, model, system, knowledge, history, params}

	// json.Marshal emits struct fields in declaration order and sorts map
	// keys, so the params Extra map needs no separate sorting step.
	blob, err := json.Marshal(canonical)
	if err != nil {
		return "", thinkerr.Wrap(thinkerr.InvalidRequest, provider, fmt.Errorf("cache: fingerprinting call shape: %w", err))
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalMessage is the normalised shape Fingerprint hashes history as.
// ImageHash replaces any image payload the original message carried.
type CanonicalMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	ImageHash string `json:"image_hash,omitempty"`
}

// CanonicalParams is the subset of call parameters that change output and
// therefore must participate in the fingerprint.
type CanonicalParams struct {
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens"`
	Seed        *int64         `json:"seed,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// HashImage reduces an image payload (already base64 or a URL — this layer
// never decodes it) to the short content hash Fingerprint embeds in place
// of the original bytes.
func HashImage(data string) string {
	sum := sha256.Sum256([]byte(data))
	return "image_hash:" + hex.EncodeToString(sum[:])[:16]
}

// sortedKeys returns a map's keys in sorted order. Fingerprint does not call
// it: json.Marshal already sorts map[string]T keys.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
