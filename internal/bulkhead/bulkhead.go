// Package bulkhead caps concurrent calls per provider with leased slots in
// the shared store. Leases carry a TTL, so a crashed holder frees its slot
// when the lease expires instead of wedging the pool.
package bulkhead

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/events"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/metrics"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/telemetry"
)

const (
	minRetryHintMs = 250
	maxRetryHintMs = 5_000
)

// leaseStore is the persistence surface the manager needs: lease CRUD plus
// TTL cleanup.
type leaseStore interface {
	store.BulkheadStore
	DeleteExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

// Lease is a held slot. Zero-value (nil) leases come from fail-open
// acquisitions and release as no-ops.
type Lease struct {
	Provider string
	ID       string
}

// Acquisition is the result of one slot request. FailOpen means slot
// tracking itself failed and the caller should proceed unprotected.
type Acquisition struct {
	Acquired     bool
	FailOpen     bool
	InFlight     int
	RetryAfterMs int64
	Lease        *Lease
}

// Manager acquires and releases slots. The saturation alert cooldown is
// process-local by design: each instance may ship one Sentry warning per
// provider per cooldown.
type Manager struct {
	store   leaseStore
	shipper *telemetry.Shipper
	metrics *metrics.Metrics
	emitter events.Emitter
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastShip map[string]time.Time
}

// Option configures optional manager collaborators.
type Option func(*Manager)

func WithShipper(s *telemetry.Shipper) Option { return func(m *Manager) { m.shipper = s } }
func WithMetrics(mx *metrics.Metrics) Option  { return func(m *Manager) { m.metrics = mx } }
func WithEmitter(e events.Emitter) Option     { return func(m *Manager) { m.emitter = e } }
func WithClock(now func() time.Time) Option   { return func(m *Manager) { m.now = now } }
func WithLogger(l *slog.Logger) Option        { return func(m *Manager) { m.logger = l } }

// New builds a manager over the given store.
func New(st leaseStore, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		logger:   slog.Default(),
		now:      time.Now,
		lastShip: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire requests one slot for the provider. At the cap it rejects with a
// retry hint; on store failure it fails open so protection problems never
// become outages.
func (m *Manager) Acquire(ctx context.Context, provider string, cfg config.BulkheadConfig) Acquisition {
	rule := cfg.Rule(provider)
	now := m.now()

	inFlight, err := m.store.CountActiveLeases(ctx, provider, now)
	if err != nil {
		m.logger.Warn("bulkhead count failed, failing open", "provider", provider, "error", err)
		return Acquisition{Acquired: true, FailOpen: true}
	}

	if inFlight >= rule.MaxConcurrent {
		m.metrics.RecordBulkheadSaturated(provider)
		m.metrics.SetBulkheadInFlight(provider, inFlight)
		m.alertSaturation(ctx, provider, inFlight, rule.MaxConcurrent, cfg.SentryCooldownMs)
		return Acquisition{
			InFlight:     inFlight,
			RetryAfterMs: retryHint(rule),
		}
	}

	lease := store.BulkheadLease{
		Provider:   provider,
		LeaseID:    uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Duration(rule.LeaseTTLMs) * time.Millisecond),
	}
	if err := m.store.CreateLease(ctx, lease); err != nil {
		m.logger.Warn("bulkhead lease create failed, failing open", "provider", provider, "error", err)
		return Acquisition{Acquired: true, FailOpen: true}
	}

	m.metrics.SetBulkheadInFlight(provider, inFlight+1)
	return Acquisition{
		Acquired: true,
		InFlight: inFlight + 1,
		Lease:    &Lease{Provider: provider, ID: lease.LeaseID},
	}
}

// Release frees a held slot. Nil leases (fail-open acquisitions) and
// already-swept leases are no-ops; release never surfaces an error.
func (m *Manager) Release(ctx context.Context, lease *Lease) {
	if lease == nil || lease.ID == "" {
		return
	}
	if err := m.store.DeleteLease(ctx, lease.Provider, lease.ID); err != nil {
		m.logger.Warn("bulkhead lease release failed", "provider", lease.Provider, "lease_id", lease.ID, "error", err)
	}
}

// InFlightByProvider reports active lease counts for the ops snapshot.
func (m *Manager) InFlightByProvider(ctx context.Context) (map[string]int, error) {
	return m.store.ActiveLeasesByProvider(ctx, m.now())
}

// CleanupExpired removes leases whose TTL passed, reclaiming slots held by
// crashed callers.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpiredLeases(ctx, m.now())
}

func (m *Manager) alertSaturation(ctx context.Context, provider string, inFlight, limit int, cooldownMs int64) {
	m.logger.Warn("bulkhead saturated", "provider", provider, "in_flight", inFlight, "limit", limit)
	if m.emitter != nil {
		m.emitter.Emit(events.TypeBulkheadSaturated, "/internal/bulkhead", provider, map[string]interface{}{
			"inFlight": inFlight,
			"limit":    limit,
		})
	}

	now := m.now()
	cooldown := time.Duration(cooldownMs) * time.Millisecond
	m.mu.Lock()
	last, seen := m.lastShip[provider]
	shouldShip := !seen || now.Sub(last) >= cooldown
	if shouldShip {
		m.lastShip[provider] = now
	}
	m.mu.Unlock()

	if shouldShip {
		m.shipper.Warn(ctx, fmt.Sprintf("bulkhead saturated: %s at %d/%d", provider, inFlight, limit),
			map[string]string{"provider": provider})
	}
}

// retryHint spreads retries across the expected slot turnover time.
func retryHint(rule config.BulkheadRule) int64 {
	hint := rule.LeaseTTLMs / int64(rule.MaxConcurrent)
	if hint < minRetryHintMs {
		return minRetryHintMs
	}
	if hint > maxRetryHintMs {
		return maxRetryHintMs
	}
	return hint
}
