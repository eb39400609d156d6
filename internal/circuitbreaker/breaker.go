// Package circuitbreaker implements per-provider circuit breaking over the
// shared document store, so every gateway instance sees the same breaker
// state. Open circuits shed load before it reaches a failing upstream;
// half-open admits a probe and lets its outcome decide the next state.
package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/events"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/metrics"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
)

// Status classifications for upstream HTTP responses.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeNeutral = "neutral"
)

// probeGrace bounds how long a half-open circuit waits for its probe's
// outcome before re-arming, when the stored row carries no usable span.
const probeGrace = 30 * time.Second

const maxLastErrorLen = 500

// Gate is the admission decision for one provider call.
type Gate struct {
	Allowed      bool
	State        string
	RetryAfterMs int64
}

// Breaker evaluates and mutates persisted circuit state. All methods are
// safe for concurrent use; racing writers converge because transitions are
// idempotent per state.
type Breaker struct {
	store   store.CircuitStore
	metrics *metrics.Metrics
	emitter events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures optional breaker collaborators.
type Option func(*Breaker)

func WithMetrics(m *metrics.Metrics) Option { return func(b *Breaker) { b.metrics = m } }
func WithEmitter(e events.Emitter) Option   { return func(b *Breaker) { b.emitter = e } }
func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(b *Breaker) { b.logger = l } }

// New builds a breaker over the given store.
func New(st store.CircuitStore, opts ...Option) *Breaker {
	b := &Breaker{store: st, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CheckGate reports whether a call to the provider may proceed. Crossing
// cooldownUntil promotes an open circuit to half-open and admits that
// caller as the probe. Store failures fail open: a broken control plane
// must not block traffic.
func (b *Breaker) CheckGate(ctx context.Context, provider string) Gate {
	now := b.now()
	st, err := b.store.GetCircuitState(ctx, provider)
	if err != nil {
		b.logger.Warn("circuit state read failed, allowing", "provider", provider, "error", err)
		return Gate{Allowed: true, State: store.CircuitClosed}
	}
	if st == nil || st.State == store.CircuitClosed {
		return Gate{Allowed: true, State: store.CircuitClosed}
	}

	switch st.State {
	case store.CircuitOpen:
		if now.Before(st.CooldownUntil) {
			return Gate{
				State:        store.CircuitOpen,
				RetryAfterMs: st.CooldownUntil.Sub(now).Milliseconds(),
			}
		}
		// Cooldown elapsed: promote and admit this caller as the probe.
		promoted := *st
		promoted.State = store.CircuitHalfOpen
		promoted.UpdatedAt = now
		if err := b.store.UpsertCircuitState(ctx, promoted); err != nil {
			b.logger.Warn("circuit promote failed, allowing probe anyway", "provider", provider, "error", err)
		}
		b.transition(provider, store.CircuitOpen, store.CircuitHalfOpen, &promoted)
		return Gate{Allowed: true, State: store.CircuitHalfOpen}

	case store.CircuitHalfOpen:
		// One probe at a time. If the probe's outcome never lands (caller
		// died), re-arm after the original cooldown span.
		span := b.cooldownSpan(st)
		rearmAt := st.CooldownUntil.Add(span)
		if !now.Before(rearmAt) {
			return Gate{Allowed: true, State: store.CircuitHalfOpen}
		}
		return Gate{
			State:        store.CircuitHalfOpen,
			RetryAfterMs: rearmAt.Sub(now).Milliseconds(),
		}
	}

	return Gate{Allowed: true, State: st.State}
}

func (b *Breaker) cooldownSpan(st *store.CircuitState) time.Duration {
	if st.OpenedAt != nil {
		if span := st.CooldownUntil.Sub(*st.OpenedAt); span > 0 {
			return span
		}
	}
	return probeGrace
}

// RecordSuccess resets the circuit. From half-open a single success closes
// it; in closed state it only writes when there are failures to clear.
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) error {
	now := b.now()
	st, err := b.store.GetCircuitState(ctx, provider)
	if err != nil {
		return fmt.Errorf("circuit state read: %w", err)
	}
	if st == nil {
		return nil
	}

	switch st.State {
	case store.CircuitClosed:
		if st.ConsecutiveFailures == 0 {
			return nil
		}
		st.ConsecutiveFailures = 0
		st.UpdatedAt = now
		return b.store.UpsertCircuitState(ctx, *st)

	case store.CircuitHalfOpen:
		from := st.State
		st.State = store.CircuitClosed
		st.ConsecutiveFailures = 0
		st.OpenedAt = nil
		st.CooldownUntil = time.Time{}
		st.LastError = ""
		st.UpdatedAt = now
		if err := b.store.UpsertCircuitState(ctx, *st); err != nil {
			return err
		}
		b.transition(provider, from, store.CircuitClosed, st)
		return nil
	}

	// Success while open comes from a caller that raced the trip; the
	// scheduled half-open probe will sort it out.
	return nil
}

// RecordFailure bumps the consecutive failure count and trips the circuit
// at the threshold. A half-open probe failure re-opens immediately with
// the cooldown doubled (capped at twice the configured value).
func (b *Breaker) RecordFailure(ctx context.Context, provider string, rule config.CircuitRule, cause error) error {
	now := b.now()
	st, err := b.store.GetCircuitState(ctx, provider)
	if err != nil {
		return fmt.Errorf("circuit state read: %w", err)
	}
	if st == nil {
		st = &store.CircuitState{Provider: provider, State: store.CircuitClosed}
	}

	cooldown := time.Duration(rule.CooldownMs) * time.Millisecond

	switch st.State {
	case store.CircuitHalfOpen:
		from := st.State
		st.State = store.CircuitOpen
		st.ConsecutiveFailures++
		st.OpenedAt = &now
		st.CooldownUntil = now.Add(2 * cooldown)
		st.LastError = truncateError(cause)
		st.UpdatedAt = now
		if err := b.store.UpsertCircuitState(ctx, *st); err != nil {
			return err
		}
		b.transition(provider, from, store.CircuitOpen, st)
		return nil

	case store.CircuitOpen:
		// Stale outcome from before the trip; nothing to update.
		return nil
	}

	st.ConsecutiveFailures++
	st.LastError = truncateError(cause)
	st.UpdatedAt = now
	if st.ConsecutiveFailures >= rule.Threshold {
		st.State = store.CircuitOpen
		st.OpenedAt = &now
		st.CooldownUntil = now.Add(cooldown)
		if err := b.store.UpsertCircuitState(ctx, *st); err != nil {
			return err
		}
		b.transition(provider, store.CircuitClosed, store.CircuitOpen, st)
		return nil
	}
	return b.store.UpsertCircuitState(ctx, *st)
}

// RecordHTTPStatus classifies an upstream status and records success or
// failure accordingly. Neutral statuses leave the circuit untouched.
func (b *Breaker) RecordHTTPStatus(ctx context.Context, provider string, status int, rule config.CircuitRule) string {
	outcome := ClassifyStatus(status)
	var err error
	switch outcome {
	case OutcomeSuccess:
		err = b.RecordSuccess(ctx, provider)
	case OutcomeFailure:
		err = b.RecordFailure(ctx, provider, rule, fmt.Errorf("upstream status %d", status))
	}
	if err != nil {
		b.logger.Warn("circuit record failed", "provider", provider, "status", status, "error", err)
	}
	return outcome
}

// ListStates returns every persisted circuit row for the ops snapshot.
func (b *Breaker) ListStates(ctx context.Context) ([]store.CircuitState, error) {
	return b.store.ListCircuitStates(ctx)
}

// ClassifyStatus buckets an upstream HTTP status: 2xx/3xx succeed, 429 is
// neutral (limiter pressure is not provider sickness), 408/425/5xx fail,
// everything else is neutral.
func ClassifyStatus(status int) string {
	switch {
	case status >= 200 && status < 400:
		return OutcomeSuccess
	case status == 429:
		return OutcomeNeutral
	case status == 408 || status == 425 || status >= 500:
		return OutcomeFailure
	default:
		return OutcomeNeutral
	}
}

func (b *Breaker) transition(provider, from, to string, st *store.CircuitState) {
	b.logger.Info("circuit transition",
		"provider", provider, "from", from, "to", to,
		"consecutive_failures", st.ConsecutiveFailures)
	b.metrics.RecordCircuitTransition(provider, from, to)
	if b.emitter != nil {
		data := map[string]interface{}{
			"from":                from,
			"to":                  to,
			"consecutiveFailures": st.ConsecutiveFailures,
		}
		if to == store.CircuitOpen {
			data["cooldownUntil"] = st.CooldownUntil.UTC().Format(time.RFC3339Nano)
		}
		b.emitter.Emit(events.TypeCircuitTransition, "/internal/circuitbreaker", provider, data)
	}
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxLastErrorLen {
		return msg[:maxLastErrorLen]
	}
	return msg
}
