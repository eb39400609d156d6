package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
)

var testRule = config.CircuitRule{Threshold: 3, CooldownMs: 30_000}

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000)
	b := New(store.NewMemory(), WithClock(func() time.Time { return now }))
	return b, &now
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]string{
		200: OutcomeSuccess,
		204: OutcomeSuccess,
		301: OutcomeSuccess,
		429: OutcomeNeutral,
		408: OutcomeFailure,
		425: OutcomeFailure,
		500: OutcomeFailure,
		503: OutcomeFailure,
		400: OutcomeNeutral,
		401: OutcomeNeutral,
		404: OutcomeNeutral,
	}
	for status, want := range cases {
		assert.Equal(t, want, ClassifyStatus(status), "status %d", status)
	}
}

func TestTripHalfOpenAndRecover(t *testing.T) {
	ctx := context.Background()
	b, now := newTestBreaker(t)

	// Below the threshold the gate stays open.
	require.NoError(t, b.RecordFailure(ctx, "chat_primary", testRule, errors.New("boom")))
	require.NoError(t, b.RecordFailure(ctx, "chat_primary", testRule, errors.New("boom")))
	assert.True(t, b.CheckGate(ctx, "chat_primary").Allowed)

	// Third consecutive failure trips it.
	require.NoError(t, b.RecordFailure(ctx, "chat_primary", testRule, errors.New("boom")))
	gate := b.CheckGate(ctx, "chat_primary")
	assert.False(t, gate.Allowed)
	assert.Equal(t, store.CircuitOpen, gate.State)
	assert.Greater(t, gate.RetryAfterMs, int64(0))
	assert.LessOrEqual(t, gate.RetryAfterMs, testRule.CooldownMs)

	// Past the cooldown the next check admits the probe.
	*now = now.Add(31 * time.Second)
	gate = b.CheckGate(ctx, "chat_primary")
	assert.True(t, gate.Allowed)
	assert.Equal(t, store.CircuitHalfOpen, gate.State)

	// A single success closes the circuit and zeroes the failure count.
	require.NoError(t, b.RecordSuccess(ctx, "chat_primary"))
	gate = b.CheckGate(ctx, "chat_primary")
	assert.True(t, gate.Allowed)
	assert.Equal(t, store.CircuitClosed, gate.State)

	states, err := b.ListStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Zero(t, states[0].ConsecutiveFailures)
}

func TestHalfOpenSingleProbe(t *testing.T) {
	ctx := context.Background()
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "serper", testRule, errors.New("timeout")))
	}
	*now = now.Add(31 * time.Second)

	// First check becomes the probe; the next caller is held back.
	assert.True(t, b.CheckGate(ctx, "serper").Allowed)
	second := b.CheckGate(ctx, "serper")
	assert.False(t, second.Allowed)
	assert.Equal(t, store.CircuitHalfOpen, second.State)
	assert.Greater(t, second.RetryAfterMs, int64(0))
}

func TestHalfOpenProbeLostReArms(t *testing.T) {
	ctx := context.Background()
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "serper", testRule, errors.New("timeout")))
	}
	*now = now.Add(31 * time.Second)
	require.True(t, b.CheckGate(ctx, "serper").Allowed) // probe admitted, outcome never recorded

	// After a full cooldown span with no outcome, another probe may go.
	*now = now.Add(31 * time.Second)
	assert.True(t, b.CheckGate(ctx, "serper").Allowed)
}

func TestHalfOpenFailureDoublesCooldown(t *testing.T) {
	ctx := context.Background()
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "chat_primary", testRule, errors.New("boom")))
	}
	*now = now.Add(31 * time.Second)
	require.True(t, b.CheckGate(ctx, "chat_primary").Allowed) // probe

	// Probe fails: re-open with the cooldown doubled.
	require.NoError(t, b.RecordFailure(ctx, "chat_primary", testRule, errors.New("still down")))
	gate := b.CheckGate(ctx, "chat_primary")
	assert.False(t, gate.Allowed)
	assert.Equal(t, store.CircuitOpen, gate.State)
	assert.Greater(t, gate.RetryAfterMs, testRule.CooldownMs)
	assert.LessOrEqual(t, gate.RetryAfterMs, 2*testRule.CooldownMs)
}

func TestSuccessClearsClosedFailureCount(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t)

	require.NoError(t, b.RecordFailure(ctx, "chat_primary", testRule, errors.New("blip")))
	require.NoError(t, b.RecordFailure(ctx, "chat_primary", testRule, errors.New("blip")))
	require.NoError(t, b.RecordSuccess(ctx, "chat_primary"))

	// The streak reset: two more failures stay under the threshold.
	require.NoError(t, b.RecordFailure(ctx, "chat_primary", testRule, errors.New("blip")))
	require.NoError(t, b.RecordFailure(ctx, "chat_primary", testRule, errors.New("blip")))
	assert.True(t, b.CheckGate(ctx, "chat_primary").Allowed)
}

func TestRecordHTTPStatus(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t)
	rule := config.CircuitRule{Threshold: 2, CooldownMs: 10_000}

	assert.Equal(t, OutcomeFailure, b.RecordHTTPStatus(ctx, "chat_primary", 500, rule))
	assert.Equal(t, OutcomeNeutral, b.RecordHTTPStatus(ctx, "chat_primary", 429, rule))
	assert.True(t, b.CheckGate(ctx, "chat_primary").Allowed, "429 must not count toward the trip")

	assert.Equal(t, OutcomeFailure, b.RecordHTTPStatus(ctx, "chat_primary", 503, rule))
	assert.False(t, b.CheckGate(ctx, "chat_primary").Allowed)
}

func TestUnknownProviderIsClosed(t *testing.T) {
	b, _ := newTestBreaker(t)
	gate := b.CheckGate(context.Background(), "never-seen")
	assert.True(t, gate.Allowed)
	assert.Equal(t, store.CircuitClosed, gate.State)
}
