// Package toolcache is the read-through result cache for tool executions.
// Entries live under a versioned namespace ("search_web_v1"); bumping the
// version in config orphans every old row, which then ages out through its
// ExpiresAt. There is no explicit invalidation path.
package toolcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
)

// Key canonicalizes tool arguments into a stable cache key. encoding/json
// emits map keys in sorted order, so semantically equal argument sets hash
// to the same digest regardless of caller field order.
func Key(args map[string]interface{}) string {
	raw, err := json.Marshal(args)
	if err != nil {
		// Unmarshalable args (channels, funcs) never come from decoded
		// request bodies; hash the error text so the entry is still keyed.
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Cache wraps the persistent tool-cache store with fail-open semantics:
// a broken cache degrades to recomputation, never to a failed request.
type Cache struct {
	store  store.ToolCacheStore
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New builds a Cache over st.
func New(st store.ToolCacheStore, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{store: st, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the cached value for (namespace, key) when a live entry
// exists. Store errors are logged and reported as a miss.
func (c *Cache) Lookup(ctx context.Context, namespace, key string) (json.RawMessage, bool) {
	e, err := c.store.GetCacheEntry(ctx, namespace, key, c.now())
	if err != nil {
		if err != store.ErrNotFound {
			c.logger.Warn("tool cache read failed", "namespace", namespace, "error", err)
		}
		return nil, false
	}
	if e == nil {
		return nil, false
	}
	return json.RawMessage(e.ValueJSON), true
}

// Save stores value under (namespace, key) for ttl. A non-positive ttl
// disables caching for the namespace; write failures are logged only.
func (c *Cache) Save(ctx context.Context, namespace, key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.now()
	err := c.store.UpsertCacheEntry(ctx, store.ToolCacheEntry{
		Namespace: namespace,
		Key:       key,
		ValueJSON: string(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		c.logger.Warn("tool cache write failed", "namespace", namespace, "error", err)
	}
}

// CountActive maps namespace to live entry count, scanning at most limit
// rows. Used by the ops snapshot.
func (c *Cache) CountActive(ctx context.Context, limit int) map[string]int {
	counts, err := c.store.CountActiveCacheEntries(ctx, c.now(), limit)
	if err != nil {
		c.logger.Warn("tool cache count failed", "error", err)
		return map[string]int{}
	}
	return counts
}
