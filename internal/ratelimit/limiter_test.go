package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
)

func fixedClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func TestWindowCapBlocksWithoutWriting(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.UnixMilli(1_700_000_000_000)
	l := New(mem, WithClock(fixedClock(&now)))

	rule := config.RateRule{Max: 3, WindowMs: 60_000}

	for i := int64(0); i < 3; i++ {
		d := l.CheckAndIncrement(ctx, config.BucketChatStream, "session:t1", rule)
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, store.OutcomeAllowed, d.Outcome)
		assert.Equal(t, rule.Max-i-1, d.Remaining)
	}

	blocked := l.CheckAndIncrement(ctx, config.BucketChatStream, "session:t1", rule)
	assert.False(t, blocked.Allowed)
	assert.Equal(t, store.OutcomeBlocked, blocked.Outcome)
	assert.Greater(t, blocked.RetryAfterMs, int64(0))
	assert.LessOrEqual(t, blocked.RetryAfterMs, rule.WindowMs)

	// The rejection must not have written: the stored count is still 3.
	windowStart := (now.UnixMilli() / rule.WindowMs) * rule.WindowMs
	row, err := mem.GetRateWindow(ctx, config.BucketChatStream, "session:t1", windowStart)
	require.NoError(t, err)
	assert.Equal(t, int64(3), row.Count)
}

func TestWindowRollsOver(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	l := New(store.NewMemory(), WithClock(fixedClock(&now)))
	rule := config.RateRule{Max: 1, WindowMs: 1_000}

	require.True(t, l.CheckAndIncrement(ctx, "b", "k", rule).Allowed)
	require.False(t, l.CheckAndIncrement(ctx, "b", "k", rule).Allowed)

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, l.CheckAndIncrement(ctx, "b", "k", rule).Allowed)
}

func TestKeysAreIsolated(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemory())
	rule := config.RateRule{Max: 1, WindowMs: 60_000}

	require.True(t, l.CheckAndIncrement(ctx, "b", "session:a", rule).Allowed)
	require.False(t, l.CheckAndIncrement(ctx, "b", "session:a", rule).Allowed)
	assert.True(t, l.CheckAndIncrement(ctx, "b", "session:b", rule).Allowed)
}

type conflictingStore struct {
	store.RateLimitStore
}

func (c *conflictingStore) IncrementRateWindow(context.Context, string, string, int64, int64, time.Time) (int64, error) {
	return 0, store.ErrConflict
}

func TestContentionFallbackFailsClosed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	l := New(&conflictingStore{mem})
	rule := config.RateRule{Max: 10, WindowMs: 60_000}

	// First call creates the row; the second loses the compare-and-set.
	require.True(t, l.CheckAndIncrement(ctx, "b", "k", rule).Allowed)
	d := l.CheckAndIncrement(ctx, "b", "k", rule)
	assert.False(t, d.Allowed)
	assert.Equal(t, store.OutcomeContentionFallback, d.Outcome)
	assert.Equal(t, int64(1000), d.RetryAfterMs)
}

func TestRecordEventDedupesWithinSlot(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	l := New(store.NewMemory(), WithClock(fixedClock(&now)))

	assert.True(t, l.RecordEvent(ctx, "http", "chat_stream", "session:1", store.OutcomeBlocked, "window"))
	assert.False(t, l.RecordEvent(ctx, "http", "chat_stream", "session:1", store.OutcomeBlocked, "window"))

	// A different reason is a distinct observation.
	assert.True(t, l.RecordEvent(ctx, "http", "chat_stream", "session:1", store.OutcomeBlocked, "burst"))

	// Next 5s slot re-opens the dedupe key.
	now = now.Add(6 * time.Second)
	assert.True(t, l.RecordEvent(ctx, "http", "chat_stream", "session:1", store.OutcomeBlocked, "window"))
}

func TestGetEventSummary(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	l := New(store.NewMemory(), WithClock(fixedClock(&now)))

	l.RecordEvent(ctx, "http", "chat_stream", "s1", store.OutcomeBlocked, "window")
	l.RecordEvent(ctx, "http", "chat_stream", "s2", store.OutcomeBlocked, "window")
	l.RecordEvent(ctx, "http", "gmail_push", "g1", store.OutcomeContentionFallback, "")

	s, err := l.GetEventSummary(ctx, 5, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Total)
	assert.Equal(t, int64(2), s.ByBucketOutcome["chat_stream|blocked"])
	assert.Equal(t, int64(1), s.ByBucketOutcome["gmail_push|contention_fallback"])
	assert.Equal(t, int64(2), s.ByReason["chat_stream|blocked|window"])
	assert.False(t, s.Truncated)
}

func TestMonitorAndAlertCooldown(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	mem := store.NewMemory()
	l := New(mem, WithClock(fixedClock(&now)))

	rule := config.RateAlertRule{
		BlockedThreshold:    2,
		ContentionThreshold: 100,
		WindowMinutes:       5,
		CooldownMs:          1_800_000,
	}

	// Two blocked observations cross the threshold.
	l.RecordEvent(ctx, "http", "chat_stream", "s1", store.OutcomeBlocked, "window")
	l.RecordEvent(ctx, "http", "chat_stream", "s2", store.OutcomeBlocked, "window")

	raised, err := l.MonitorAndAlert(ctx, rule)
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, "chat_stream", raised[0].Bucket)
	assert.Equal(t, store.OutcomeBlocked, raised[0].Outcome)
	assert.Equal(t, int64(2), raised[0].Observed)

	// Re-running inside the cooldown slot raises nothing new.
	raised, err = l.MonitorAndAlert(ctx, rule)
	require.NoError(t, err)
	assert.Empty(t, raised)

	// Under the threshold nothing fires at all.
	l2 := New(store.NewMemory(), WithClock(fixedClock(&now)))
	l2.RecordEvent(ctx, "http", "chat_stream", "s1", store.OutcomeBlocked, "window")
	raised, err = l2.MonitorAndAlert(ctx, rule)
	require.NoError(t, err)
	assert.Empty(t, raised)
}
