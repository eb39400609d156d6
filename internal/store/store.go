package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict reports a lost compare-and-set: the row changed under the
	// caller. Rate limiting treats it as a fail-closed contention fallback;
	// queue claims move on to the next candidate.
	ErrConflict = errors.New("store: write conflict")

	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("store: not found")
)

// RateLimitStore persists fixed-window counters plus their event and alert
// telemetry rows.
type RateLimitStore interface {
	GetRateWindow(ctx context.Context, bucket, key string, windowStartMs int64) (*RateLimitWindow, error)
	// CreateRateWindow inserts a fresh window row; ErrConflict when the
	// triple already exists.
	CreateRateWindow(ctx context.Context, w RateLimitWindow) error
	// IncrementRateWindow bumps count by one iff the stored count still
	// equals expectedCount. Returns the new count or ErrConflict.
	IncrementRateWindow(ctx context.Context, bucket, key string, windowStartMs, expectedCount int64, expiresAt time.Time) (int64, error)

	// InsertRateEvent writes an observation row. Returns false without
	// writing when the dedupe key is already present.
	InsertRateEvent(ctx context.Context, ev RateLimitEvent) (bool, error)
	ListRateEventsSince(ctx context.Context, since time.Time, limit int) ([]RateLimitEvent, error)

	// InsertRateAlert is idempotent per AlertKey; false means the cooldown
	// slot already holds an alert.
	InsertRateAlert(ctx context.Context, al RateLimitAlert) (bool, error)
	ListRateAlertsSince(ctx context.Context, since time.Time, limit int) ([]RateLimitAlert, error)
}

// ReplayStore persists webhook idempotency keys.
type ReplayStore interface {
	// CreateIdempotencyKey inserts the first-seen row; ErrConflict when the
	// (scope, key) pair is already claimed.
	CreateIdempotencyKey(ctx context.Context, rec IdempotencyKey) error
	// IncrementIdempotencyHit bumps and returns the hit count.
	IncrementIdempotencyHit(ctx context.Context, scope, key string) (int64, error)
	GetIdempotencyKey(ctx context.Context, scope, key string) (*IdempotencyKey, error)
	// CountReplaysByScope returns, per scope, how many keys saw more than
	// one hit since the cutoff. Bounded scan.
	CountReplaysByScope(ctx context.Context, since time.Time, limit int) (map[string]int64, error)
}

// CircuitStore persists per-provider breaker rows.
type CircuitStore interface {
	GetCircuitState(ctx context.Context, provider string) (*CircuitState, error)
	UpsertCircuitState(ctx context.Context, st CircuitState) error
	ListCircuitStates(ctx context.Context) ([]CircuitState, error)
}

// BulkheadStore persists concurrency leases.
type BulkheadStore interface {
	CountActiveLeases(ctx context.Context, provider string, now time.Time) (int, error)
	CreateLease(ctx context.Context, l BulkheadLease) error
	DeleteLease(ctx context.Context, provider, leaseID string) error
	// ActiveLeasesByProvider maps provider to inflight count. Bounded scan.
	ActiveLeasesByProvider(ctx context.Context, now time.Time) (map[string]int, error)
}

// ToolJobStore persists the partitioned job queue and its alerts.
type ToolJobStore interface {
	InsertToolJob(ctx context.Context, job ToolJob) error
	GetToolJob(ctx context.Context, id string) (*ToolJob, error)
	// CountToolJobs counts rows for (toolName, status) up to limit; callers
	// pass cap+1 so saturation checks never scan unbounded.
	CountToolJobs(ctx context.Context, toolName, status string, limit int) (int, error)
	// ListQueuedJobsDue returns queued jobs with availableAt <= now ordered
	// by availableAt then createdAt.
	ListQueuedJobsDue(ctx context.Context, now time.Time, limit int) ([]ToolJob, error)
	ListRunningJobs(ctx context.Context, limit int) ([]ToolJob, error)
	// ListStaleRunningJobs returns running jobs whose lease expired.
	ListStaleRunningJobs(ctx context.Context, now time.Time, limit int) ([]ToolJob, error)
	// PatchToolJob applies patch iff the stored status equals expectStatus;
	// ErrConflict otherwise. Always refreshes updatedAt.
	PatchToolJob(ctx context.Context, id, expectStatus string, patch ToolJobPatch, now time.Time) (*ToolJob, error)
	ListJobsByStatus(ctx context.Context, status string, limit int) ([]ToolJob, error)
	// CountJobsGrouped returns status, tool and QoS counts in one bounded
	// pass for the ops snapshot.
	CountJobsGrouped(ctx context.Context, limit int) (byStatus map[string]int, byTool map[string]int, byQOS map[string]int, err error)
	// OldestJobIn returns the oldest row (by availableAt for queued, by
	// updatedAt otherwise) in the given status, or nil.
	OldestJobIn(ctx context.Context, status string) (*ToolJob, error)

	InsertQueueAlert(ctx context.Context, al ToolQueueAlert) (bool, error)
	ListQueueAlertsSince(ctx context.Context, since time.Time, limit int) ([]ToolQueueAlert, error)
}

// ToolCacheStore persists versioned tool results.
type ToolCacheStore interface {
	// GetCacheEntry returns nil for missing or expired entries.
	GetCacheEntry(ctx context.Context, namespace, key string, now time.Time) (*ToolCacheEntry, error)
	UpsertCacheEntry(ctx context.Context, e ToolCacheEntry) error
	// CountActiveCacheEntries maps namespace to live row count. Bounded scan.
	CountActiveCacheEntries(ctx context.Context, now time.Time, limit int) (map[string]int, error)
}

// Sweepable is implemented by backends that support TTL cleanup. Each call
// removes rows whose expiry passed and reports how many went away.
type Sweepable interface {
	DeleteExpiredRateRows(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredToolJobs(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredQueueAlerts(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full persistence surface the gateway composes over.
type Store interface {
	RateLimitStore
	ReplayStore
	CircuitStore
	BulkheadStore
	ToolJobStore
	ToolCacheStore
	Sweepable
}
