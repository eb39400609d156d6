package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/events"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/metrics"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/telemetry"
)

const (
	// contentionRetryAfterMs is the fail-closed hint returned when two
	// writers race on the same window row.
	contentionRetryAfterMs = 1000

	// dedupeSlotMs collapses identical event observations recorded inside
	// the same 5 second slot.
	dedupeSlotMs = 5_000

	eventRetention = 24 * time.Hour
	alertRetention = 72 * time.Hour
)

// Decision is the outcome of one fixed-window check.
type Decision struct {
	Allowed      bool
	Outcome      string // allowed | blocked | contention_fallback
	Remaining    int64
	RetryAfterMs int64
}

// Limiter implements fixed-window rate limiting over the document store.
// Windows never block: a lost compare-and-set degrades to a fail-closed
// contention decision instead of retry loops on the hot path.
type Limiter struct {
	store   store.RateLimitStore
	shipper *telemetry.Shipper
	metrics *metrics.Metrics
	emitter events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures optional limiter collaborators.
type Option func(*Limiter)

func WithShipper(s *telemetry.Shipper) Option { return func(l *Limiter) { l.shipper = s } }
func WithMetrics(m *metrics.Metrics) Option   { return func(l *Limiter) { l.metrics = m } }
func WithEmitter(e events.Emitter) Option     { return func(l *Limiter) { l.emitter = e } }
func WithClock(now func() time.Time) Option   { return func(l *Limiter) { l.now = now } }
func WithLogger(logger *slog.Logger) Option   { return func(l *Limiter) { l.logger = logger } }

// New builds a limiter over the given store.
func New(st store.RateLimitStore, opts ...Option) *Limiter {
	l := &Limiter{store: st, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndIncrement admits or rejects one request against the bucket's
// fixed window. At the cap it rejects without writing; on any store error
// or lost compare-and-set it returns the contention fallback.
func (l *Limiter) CheckAndIncrement(ctx context.Context, bucket, key string, rule config.RateRule) Decision {
	nowMs := l.now().UnixMilli()
	windowStart := (nowMs / rule.WindowMs) * rule.WindowMs
	resetMs := windowStart + rule.WindowMs - nowMs
	// Keep the row one extra window for post-hoc inspection.
	expiresAt := time.UnixMilli(windowStart + 2*rule.WindowMs)

	row, err := l.store.GetRateWindow(ctx, bucket, key, windowStart)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return l.contention(bucket, "read", err)
	}

	if row == nil {
		err := l.store.CreateRateWindow(ctx, store.RateLimitWindow{
			Bucket:        bucket,
			Key:           key,
			WindowStartMs: windowStart,
			Count:         1,
			ExpiresAt:     expiresAt,
		})
		if err != nil {
			return l.contention(bucket, "create", err)
		}
		l.metrics.RecordRateLimit(bucket, store.OutcomeAllowed)
		return Decision{Allowed: true, Outcome: store.OutcomeAllowed, Remaining: rule.Max - 1}
	}

	if row.Count >= rule.Max {
		l.metrics.RecordRateLimit(bucket, store.OutcomeBlocked)
		return Decision{Outcome: store.OutcomeBlocked, RetryAfterMs: resetMs}
	}

	newCount, err := l.store.IncrementRateWindow(ctx, bucket, key, windowStart, row.Count, expiresAt)
	if err != nil {
		return l.contention(bucket, "increment", err)
	}
	remaining := rule.Max - newCount
	if remaining < 0 {
		remaining = 0
	}
	l.metrics.RecordRateLimit(bucket, store.OutcomeAllowed)
	return Decision{Allowed: true, Outcome: store.OutcomeAllowed, Remaining: remaining}
}

func (l *Limiter) contention(bucket, op string, err error) Decision {
	if !errors.Is(err, store.ErrConflict) {
		l.logger.Warn("rate window store error", "bucket", bucket, "op", op, "error", err)
	}
	l.metrics.RecordRateLimit(bucket, store.OutcomeContentionFallback)
	return Decision{
		Outcome:      store.OutcomeContentionFallback,
		RetryAfterMs: contentionRetryAfterMs,
	}
}

// RecordEvent persists one observation row, deduplicated per 5 second
// slot. Recording is best-effort: failures are logged, never surfaced.
// Returns whether a new row was written.
func (l *Limiter) RecordEvent(ctx context.Context, source, bucket, key, outcome, reason string) bool {
	now := l.now()
	inserted, err := l.store.InsertRateEvent(ctx, store.RateLimitEvent{
		ID:        uuid.NewString(),
		Source:    source,
		Bucket:    bucket,
		Key:       key,
		Outcome:   outcome,
		Reason:    reason,
		DedupeKey: dedupeKey(source, bucket, key, outcome, reason, now),
		CreatedAt: now,
		ExpiresAt: now.Add(eventRetention),
	})
	if err != nil {
		l.logger.Warn("rate event insert failed", "bucket", bucket, "outcome", outcome, "error", err)
		return false
	}
	return inserted
}

func dedupeKey(source, bucket, key, outcome, reason string, now time.Time) string {
	slot := now.UnixMilli() / dedupeSlotMs
	h := sha256.Sum256([]byte(source + "|" + bucket + "|" + key + "|" + outcome + "|" + reason + "|" + strconv.FormatInt(slot, 10)))
	return hex.EncodeToString(h[:16])
}

// Summary aggregates recent events for the ops snapshot.
type Summary struct {
	Total           int64            `json:"total"`
	ByBucketOutcome map[string]int64 `json:"byBucketOutcome"`
	ByReason        map[string]int64 `json:"byReason"`
	Truncated       bool             `json:"truncated"`
}

// GetEventSummary folds events from the last windowMinutes into
// bucket|outcome and bucket|outcome|reason counters. The scan is bounded
// by limit; Truncated reports whether the bound was hit.
func (l *Limiter) GetEventSummary(ctx context.Context, windowMinutes, limit int) (*Summary, error) {
	since := l.now().Add(-time.Duration(windowMinutes) * time.Minute)
	rows, err := l.store.ListRateEventsSince(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list rate events: %w", err)
	}

	s := &Summary{
		ByBucketOutcome: make(map[string]int64),
		ByReason:        make(map[string]int64),
		Truncated:       len(rows) >= limit,
	}
	for _, ev := range rows {
		s.Total++
		s.ByBucketOutcome[ev.Bucket+"|"+ev.Outcome]++
		if ev.Reason != "" {
			s.ByReason[ev.Bucket+"|"+ev.Outcome+"|"+ev.Reason]++
		}
	}
	return s, nil
}

// MonitorAndAlert scans the recent event log and raises at most one alert
// per bucket, outcome, and cooldown slot. New alerts ship to Sentry and the
// event bus; replays inside the cooldown are silent no-ops.
func (l *Limiter) MonitorAndAlert(ctx context.Context, rule config.RateAlertRule) ([]store.RateLimitAlert, error) {
	summary, err := l.GetEventSummary(ctx, rule.WindowMinutes, 5_000)
	if err != nil {
		return nil, err
	}

	type breach struct {
		bucket    string
		outcome   string
		observed  int64
		threshold int64
	}
	var breaches []breach
	for bucketOutcome, n := range summary.ByBucketOutcome {
		bucket, outcome, ok := splitBucketOutcome(bucketOutcome)
		if !ok {
			continue
		}
		switch outcome {
		case store.OutcomeBlocked:
			if n >= rule.BlockedThreshold {
				breaches = append(breaches, breach{bucket, outcome, n, rule.BlockedThreshold})
			}
		case store.OutcomeContentionFallback:
			if n >= rule.ContentionThreshold {
				breaches = append(breaches, breach{bucket, outcome, n, rule.ContentionThreshold})
			}
		}
	}

	now := l.now()
	slot := now.UnixMilli() / rule.CooldownMs
	var raised []store.RateLimitAlert
	for _, b := range breaches {
		alert := store.RateLimitAlert{
			ID:            uuid.NewString(),
			AlertKey:      b.bucket + "|" + b.outcome + "|" + strconv.FormatInt(slot, 10),
			Bucket:        b.bucket,
			Outcome:       b.outcome,
			Observed:      b.observed,
			Threshold:     b.threshold,
			WindowMinutes: rule.WindowMinutes,
			CreatedAt:     now,
			ExpiresAt:     now.Add(alertRetention),
		}
		inserted, err := l.store.InsertRateAlert(ctx, alert)
		if err != nil {
			l.logger.Warn("rate alert insert failed", "bucket", b.bucket, "error", err)
			continue
		}
		if !inserted {
			continue // still inside the cooldown slot
		}
		raised = append(raised, alert)

		l.logger.Warn("rate limit pressure",
			"bucket", b.bucket, "outcome", b.outcome,
			"observed", b.observed, "threshold", b.threshold,
			"window_min", rule.WindowMinutes)
		l.shipper.Warn(ctx, fmt.Sprintf("rate limit pressure on %s (%s %d/%d in %dm)",
			b.bucket, b.outcome, b.observed, b.threshold, rule.WindowMinutes),
			map[string]string{"bucket": b.bucket, "outcome": b.outcome})
		if l.emitter != nil {
			l.emitter.Emit(events.TypeRateLimitAlert, "/internal/ratelimit", b.bucket, map[string]interface{}{
				"outcome":   b.outcome,
				"observed":  b.observed,
				"threshold": b.threshold,
			})
		}
	}
	return raised, nil
}

func splitBucketOutcome(s string) (bucket, outcome string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
