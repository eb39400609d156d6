package admission

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
)

func testAdmissionConfig() config.AdmissionConfig {
	return config.AdmissionConfig{
		Enabled:    true,
		ShadowMode: false,
		KeyPrefix:  "cadm",

		EnforceUserInFlight:   true,
		EnforceGlobalInFlight: true,
		EnforceGlobalMsgRate:  false,
		EnforceGlobalToolRate: false,

		UserMaxInFlight:     1,
		GlobalMaxInFlight:   100,
		GlobalMaxMsgPerSec:  50,
		GlobalMaxToolPerSec: 100,
		EstToolCallsPerMsg:  1,

		TicketTTLMs:           120_000,
		RetryAfterMs:          1_000,
		RetryAfterJitterPct:   20,
		AllowedEventSamplePct: 0,
	}
}

func newTestController(t *testing.T) (*Controller, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestResolveRetryAfterJitter(t *testing.T) {
	cfg := testAdmissionConfig() // base 1000, jitter 20%

	assert.Equal(t, int64(800), ResolveRetryAfterMs(cfg, func() float64 { return 0 }))
	assert.Equal(t, int64(1000), ResolveRetryAfterMs(cfg, func() float64 { return 0.5 }))
	assert.Equal(t, int64(1200), ResolveRetryAfterMs(cfg, func() float64 { return 1 }))

	// Clamped to [100, 60000].
	low := cfg
	low.RetryAfterMs = 100
	low.RetryAfterJitterPct = 90
	assert.Equal(t, int64(100), ResolveRetryAfterMs(low, func() float64 { return 0 }))

	high := cfg
	high.RetryAfterMs = 60_000
	assert.Equal(t, int64(60_000), ResolveRetryAfterMs(high, func() float64 { return 1 }))
}

func TestUserInFlightCapDeniesSecondAcquire(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestController(t)
	cfg := testAdmissionConfig()

	first := c.Acquire(ctx, Request{Principal: "1", Enforce: true}, cfg)
	require.True(t, first.Allowed)
	require.NotNil(t, first.Ticket)
	assert.Equal(t, ModeEnforce, first.Mode)

	second := c.Acquire(ctx, Request{Principal: "1", Enforce: true}, cfg)
	assert.False(t, second.Allowed)
	assert.Equal(t, ReasonUserInFlight, second.Reason)
	assert.GreaterOrEqual(t, second.RetryAfterMs, int64(800))
	assert.LessOrEqual(t, second.RetryAfterMs, int64(1200))
	assert.Nil(t, second.Ticket)

	// The denial rolled back only its own increment: the holder's counter
	// is still 1.
	assert.Equal(t, "1", mustGet(t, mr, "cadm:inflight:user:1"))
	assert.Equal(t, "1", mustGet(t, mr, "cadm:inflight:global"))
}

// mustGet reads a miniredis key, failing the test when it is missing.
func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestDenialRollsBackExactlyItsIncrements(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestController(t)
	cfg := testAdmissionConfig()
	cfg.EnforceGlobalMsgRate = true
	cfg.GlobalMaxMsgPerSec = 0 // slot cap 0: the msg-rate step always breaches
	cfg.UserMaxInFlight = 10

	res := c.Acquire(ctx, Request{Principal: "7", Enforce: true}, cfg)
	require.False(t, res.Allowed)
	assert.Equal(t, ReasonGlobalMsgRate, res.Reason)

	// Inflight counters were incremented in steps 1-2 and must be unwound.
	assert.Equal(t, "0", mustGet(t, mr, "cadm:inflight:user:7"))
	assert.Equal(t, "0", mustGet(t, mr, "cadm:inflight:global"))
}

func TestShadowModeObservesWithoutMutating(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestController(t)
	cfg := testAdmissionConfig()
	cfg.UserMaxInFlight = 10
	cfg.GlobalMaxInFlight = 1

	// user 1 holds the single global slot via enforce mode.
	holder := c.Acquire(ctx, Request{Principal: "1", Enforce: true}, cfg)
	require.True(t, holder.Allowed)

	// user 2 in shadow mode is allowed but flagged.
	shadow := c.Acquire(ctx, Request{Principal: "2", Enforce: false}, cfg)
	assert.True(t, shadow.Allowed)
	assert.Equal(t, ModeShadow, shadow.Mode)
	assert.True(t, shadow.WouldBlock)
	assert.Equal(t, []string{ReasonGlobalInFlight}, shadow.WouldBlockReasons)
	assert.Nil(t, shadow.Ticket)

	// Shadow left no counter for user 2 behind.
	assert.False(t, mr.Exists("cadm:inflight:user:2"))
	assert.Equal(t, "1", mustGet(t, mr, "cadm:inflight:global"))
}

func TestRedisUnavailableFailOpenAndClosed(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	c := New(rdb)
	cfg := testAdmissionConfig()
	mr.Close() // connection refused from here on

	open := c.Acquire(ctx, Request{Principal: "1", Enforce: true, FailClosed: false}, cfg)
	assert.True(t, open.Allowed)
	assert.Equal(t, ReasonRedisUnavailable, open.Reason)
	assert.Nil(t, open.Ticket)

	closed := c.Acquire(ctx, Request{Principal: "1", Enforce: true, FailClosed: true}, cfg)
	assert.False(t, closed.Allowed)
	assert.Equal(t, ReasonRedisUnavailable, closed.Reason)
	assert.Greater(t, closed.RetryAfterMs, int64(0))

	// Shadow never denies on an outage, it reports the outage instead.
	shadow := c.Acquire(ctx, Request{Principal: "1", Enforce: false, FailClosed: true}, cfg)
	assert.True(t, shadow.Allowed)
	assert.True(t, shadow.WouldBlock)
	assert.Equal(t, []string{ReasonRedisUnavailable}, shadow.WouldBlockReasons)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestController(t)
	cfg := testAdmissionConfig()

	res := c.Acquire(ctx, Request{Principal: "1", Enforce: true}, cfg)
	require.True(t, res.Allowed)
	require.NotNil(t, res.Ticket)
	require.Equal(t, "1", mustGet(t, mr, "cadm:inflight:global"))

	c.Release(ctx, res.Ticket)
	assert.Equal(t, "0", mustGet(t, mr, "cadm:inflight:user:1"))
	assert.Equal(t, "0", mustGet(t, mr, "cadm:inflight:global"))

	// Second release finds no ticket key and must not decrement again.
	c.Release(ctx, res.Ticket)
	assert.Equal(t, "0", mustGet(t, mr, "cadm:inflight:global"))

	// Slot is free again.
	again := c.Acquire(ctx, Request{Principal: "1", Enforce: true}, cfg)
	assert.True(t, again.Allowed)
}

func TestSoftBlockKeepsCountersAndAllows(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestController(t)
	cfg := testAdmissionConfig()
	cfg.EnforceUserInFlight = false // observe-only dimension

	first := c.Acquire(ctx, Request{Principal: "1", Enforce: true}, cfg)
	require.True(t, first.Allowed)
	require.Empty(t, first.SoftBlockedReasons)

	second := c.Acquire(ctx, Request{Principal: "1", Enforce: true}, cfg)
	assert.True(t, second.Allowed, "unenforced dimension must not reject")
	assert.Equal(t, []string{ReasonUserInFlight}, second.SoftBlockedReasons)
	require.NotNil(t, second.Ticket)

	// Both requests are really in flight.
	assert.Equal(t, "2", mustGet(t, mr, "cadm:inflight:user:1"))
	assert.Equal(t, "2", mustGet(t, mr, "cadm:inflight:global"))
}

func TestTicketAndCounterTTLs(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestController(t)
	cfg := testAdmissionConfig()

	res := c.Acquire(ctx, Request{Principal: "1", Enforce: true}, cfg)
	require.True(t, res.Allowed)

	assert.True(t, mr.Exists("cadm:ticket:"+res.Ticket.ID))
	assert.Greater(t, mr.TTL("cadm:ticket:"+res.Ticket.ID), time.Duration(0))
	assert.Greater(t, mr.TTL("cadm:inflight:user:1"), time.Duration(0))
	assert.Greater(t, mr.TTL("cadm:inflight:global"), time.Duration(0))
}

func TestDisabledAdmissionAllowsEverything(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)
	cfg := testAdmissionConfig()
	cfg.Enabled = false

	res := c.Acquire(ctx, Request{Principal: "1", Enforce: true}, cfg)
	assert.True(t, res.Allowed)
	assert.Equal(t, ModeShadow, res.Mode)
	assert.False(t, res.WouldBlock)
	assert.Nil(t, res.Ticket)
}

func TestNilClientCountsAsUnavailable(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	cfg := testAdmissionConfig()

	open := c.Acquire(ctx, Request{Principal: "1", Enforce: true}, cfg)
	assert.True(t, open.Allowed)
	assert.Equal(t, ReasonRedisUnavailable, open.Reason)

	closed := c.Acquire(ctx, Request{Principal: "1", Enforce: true, FailClosed: true}, cfg)
	assert.False(t, closed.Allowed)
	assert.Equal(t, ReasonRedisUnavailable, closed.Reason)
}

func TestShadowModeFlagForcesShadowEvenWhenEnforcing(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)
	cfg := testAdmissionConfig()
	cfg.ShadowMode = true

	res := c.Acquire(ctx, Request{Principal: "1", Enforce: true}, cfg)
	assert.True(t, res.Allowed)
	assert.Equal(t, ModeShadow, res.Mode)
	assert.Nil(t, res.Ticket)
}

func TestPrincipalKeysAreEscaped(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestController(t)
	cfg := testAdmissionConfig()

	res := c.Acquire(ctx, Request{Principal: "org/7:alice", Enforce: true}, cfg)
	require.True(t, res.Allowed)

	// A raw principal would split the key on its own colon.
	assert.True(t, mr.Exists("cadm:inflight:user:org%2F7%3Aalice"))
	assert.False(t, mr.Exists("cadm:inflight:user:org/7:alice"))
}

func TestMsgRateBucketsBySecond(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	now := time.Unix(1_700_000_000, 0)
	c := New(rdb, WithClock(func() time.Time { return now }))

	cfg := testAdmissionConfig()
	cfg.UserMaxInFlight = 100
	cfg.EnforceGlobalMsgRate = true
	cfg.GlobalMaxMsgPerSec = 2

	require.True(t, c.Acquire(ctx, Request{Principal: "1", Enforce: true}, cfg).Allowed)
	require.True(t, c.Acquire(ctx, Request{Principal: "2", Enforce: true}, cfg).Allowed)

	third := c.Acquire(ctx, Request{Principal: "3", Enforce: true}, cfg)
	assert.False(t, third.Allowed)
	assert.Equal(t, ReasonGlobalMsgRate, third.Reason)

	// The next second is a fresh window.
	now = now.Add(time.Second)
	fourth := c.Acquire(ctx, Request{Principal: "4", Enforce: true}, cfg)
	assert.True(t, fourth.Allowed)

	key := "cadm:rate:msg:" + strconv.FormatInt(now.Unix(), 10)
	assert.Greater(t, mr.TTL(key), time.Duration(0))
}
