package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/metrics"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
)

// Guard deduplicates webhook deliveries. Providers redeliver aggressively,
// so the first claim on a (scope, key) wins and every later claim reports
// a duplicate with the running hit count.
type Guard struct {
	store   store.ReplayStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Claim is the result of one idempotency check.
type Claim struct {
	Duplicate bool
	HitCount  int64
}

func NewGuard(st store.ReplayStore, m *metrics.Metrics, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: st, metrics: m, logger: logger, now: time.Now}
}

// ClaimKey records the delivery. The first caller gets hitCount=1 and
// duplicate=false; replays bump the counter atomically.
func (g *Guard) ClaimKey(ctx context.Context, scope, key string, ttl time.Duration) (Claim, error) {
	now := g.now()
	err := g.store.CreateIdempotencyKey(ctx, store.IdempotencyKey{
		Scope:       scope,
		Key:         key,
		FirstSeenAt: now,
		HitCount:    1,
		ExpiresAt:   now.Add(ttl),
	})
	if err == nil {
		return Claim{Duplicate: false, HitCount: 1}, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return Claim{}, fmt.Errorf("claim idempotency key: %w", err)
	}

	hits, err := g.store.IncrementIdempotencyHit(ctx, scope, key)
	if err != nil {
		// The row existed a moment ago; a sweep may have raced us. Treat
		// the delivery as a duplicate rather than re-processing it.
		if errors.Is(err, store.ErrNotFound) {
			return Claim{Duplicate: true, HitCount: 2}, nil
		}
		return Claim{}, fmt.Errorf("bump idempotency hit: %w", err)
	}
	g.metrics.RecordReplayHit(scope)
	return Claim{Duplicate: true, HitCount: hits}, nil
}

// ClaimOrAllow is the fail-open form used on webhook hot paths: when the
// store is unhealthy the delivery is processed rather than dropped, since
// upstreams retry and double-processing is cheaper than losing data.
func (g *Guard) ClaimOrAllow(ctx context.Context, scope, key string, ttl time.Duration) Claim {
	claim, err := g.ClaimKey(ctx, scope, key, ttl)
	if err != nil {
		g.logger.Warn("replay guard unavailable, allowing delivery", "scope", scope, "error", err)
		return Claim{Duplicate: false, HitCount: 0}
	}
	return claim
}

// ReplaysByScope reports, per scope, how many keys were delivered more than
// once since the cutoff. Used by the ops snapshot.
func (g *Guard) ReplaysByScope(ctx context.Context, window time.Duration, limit int) (map[string]int64, error) {
	return g.store.CountReplaysByScope(ctx, g.now().Add(-window), limit)
}
