package toolqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/bulkhead"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
)

func testQueueConfig() config.ToolQueueConfig {
	return config.ToolQueueConfig{
		MaxPerRun:             5,
		MaxAttempts:           3,
		ClaimScanSize:         10,
		LeaseMs:               30_000,
		WaitTimeoutMs:         2_000,
		PollIntervalMs:        10,
		RetryBaseMs:           1_000,
		RetentionMs:           3_600_000,
		DeadLetterRetentionMs: 86_400_000,
		RunMaxByTool:          map[string]int{},
		QueuedMaxByTool:       map[string]int{},
		RunMaxByQOS:           map[string]int{},
		Alert: config.QueueAlertRule{
			QueuedDepthMax:     200,
			DeadLetterDepthMax: 25,
			OldestQueuedMaxMs:  120_000,
			OldestRunningMaxMs: 300_000,
			WindowMinutes:      15,
			CooldownMs:         1_800_000,
		},
	}
}

type stubExecutor struct {
	calls int64
	err   error
}

func (s *stubExecutor) Execute(_ context.Context, toolName, _ string, _ *config.Config) (json.RawMessage, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(`{"kind":"` + toolName + `"}`), nil
}

func TestEnqueueAssignsQOSFromStaticTable(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory())
	cfg := testQueueConfig()

	web, err := q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"a"}`, cfg)
	require.NoError(t, err)
	assert.Equal(t, store.QOSRealtime, web.QOSClass)
	assert.Equal(t, store.JobQueued, web.Status)
	assert.Equal(t, 0, web.Attempts)
	assert.Equal(t, cfg.MaxAttempts, web.MaxAttempts)

	products, err := q.Enqueue(ctx, store.JobSourceChatAction, config.ToolSearchProducts, `{"query":"b"}`, cfg)
	require.NoError(t, err)
	assert.Equal(t, store.QOSInteractive, products.QOSClass)

	global, err := q.Enqueue(ctx, store.JobSourceChatAction, config.ToolSearchGlobal, `{"query":"c"}`, cfg)
	require.NoError(t, err)
	assert.Equal(t, store.QOSBatch, global.QOSClass)

	_, err = q.Enqueue(ctx, store.JobSourceChatHTTP, "summarize", `{}`, cfg)
	assert.ErrorContains(t, err, "unknown tool")
}

func TestEnqueueSaturationMarker(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory())
	cfg := testQueueConfig()
	cfg.QueuedMaxByTool = map[string]int{config.ToolSearchWeb: 2}

	_, err := q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"1"}`, cfg)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"2"}`, cfg)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"3"}`, cfg)
	require.Error(t, err)
	assert.True(t, IsQueueSaturated(err))
	assert.Contains(t, err.Error(), "[queue_saturated:search_web]")

	// Other tools still have room.
	_, err = q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchProducts, `{"query":"4"}`, cfg)
	assert.NoError(t, err)
}

func TestClaimNextRespectsToolAndQOSCaps(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory())
	cfg := testQueueConfig()
	cfg.RunMaxByTool = map[string]int{config.ToolSearchWeb: 1}

	_, err := q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"1"}`, cfg)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"2"}`, cfg)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchProducts, `{"query":"3"}`, cfg)
	require.NoError(t, err)

	first, err := q.ClaimNext(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, config.ToolSearchWeb, first.ToolName)
	assert.Equal(t, store.JobRunning, first.Status)
	assert.Equal(t, 1, first.Attempts)
	require.NotNil(t, first.LeaseExpiresAt)

	// search_web is now at its running cap, so the second claim skips the
	// remaining web job and picks the products job.
	second, err := q.ClaimNext(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, config.ToolSearchProducts, second.ToolName)

	// Products QoS (interactive) and web both capped out: nothing left.
	cfg.RunMaxByQOS = map[string]int{store.QOSInteractive: 1}
	third, err := q.ClaimNext(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestClaimNextRequeuesStaleLeases(t *testing.T) {
	ctx := context.Background()
	base := time.Now()
	now := base
	q := New(store.NewMemory(), WithClock(func() time.Time { return now }))
	cfg := testQueueConfig()
	cfg.LeaseMs = 1_000

	job, err := q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"1"}`, cfg)
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)

	// Worker dies; the lease expires.
	now = base.Add(2 * time.Second)
	reclaimed, err := q.ClaimNext(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
	assert.Equal(t, store.JobRunning, reclaimed.Status)
}

func TestCompleteOnlyFromRunning(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory())
	cfg := testQueueConfig()

	job, err := q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"1"}`, cfg)
	require.NoError(t, err)

	_, err = q.Complete(ctx, job.ID, `{"ok":true}`)
	assert.ErrorIs(t, err, store.ErrConflict)

	claimed, err := q.ClaimNext(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	done, err := q.Complete(ctx, job.ID, `{"ok":true}`)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.LeaseExpiresAt)
	assert.JSONEq(t, `{"ok":true}`, done.ResultJSON)
}

func TestRetryDelayDoubling(t *testing.T) {
	assert.Equal(t, int64(1_000), retryDelayMs(1_000, 1))
	assert.Equal(t, int64(2_000), retryDelayMs(1_000, 2))
	assert.Equal(t, int64(4_000), retryDelayMs(1_000, 3))
	assert.Equal(t, int64(60_000), retryDelayMs(1_000, 12))
	assert.Equal(t, int64(500), retryDelayMs(500, 0))
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	base := time.Now()
	now := base
	q := New(store.NewMemory(), WithClock(func() time.Time { return now }))
	cfg := testQueueConfig()
	cfg.MaxAttempts = 2

	job, err := q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"1"}`, cfg)
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, claimed.Attempts)

	// First failure requeues with delay = retryBaseMs.
	requeued, err := q.Fail(ctx, job.ID, errors.New("upstream 502"), cfg)
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, requeued.Status)
	assert.Equal(t, "upstream 502", requeued.LastError)
	assert.Equal(t, now.Add(time.Duration(cfg.RetryBaseMs)*time.Millisecond).UnixMilli(), requeued.AvailableAt.UnixMilli())

	// Second attempt becomes claimable after the delay.
	now = base.Add(time.Duration(cfg.RetryBaseMs+100) * time.Millisecond)
	claimed, err = q.ClaimNext(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 2, claimed.Attempts)

	dead, err := q.Fail(ctx, job.ID, errors.New("upstream 502 again"), cfg)
	require.NoError(t, err)
	assert.Equal(t, store.JobDeadLetter, dead.Status)
	assert.Equal(t, "upstream 502 again", dead.DeadLetterReason)
	require.NotNil(t, dead.DeadLetterAt)
	assert.Equal(t, dead.MaxAttempts, dead.Attempts)

	// Dead-letter retention is longer than the live retention.
	assert.Equal(t, now.Add(time.Duration(cfg.DeadLetterRetentionMs)*time.Millisecond).UnixMilli(), dead.ExpiresAt.UnixMilli())

	// Failing a non-running job conflicts.
	_, err = q.Fail(ctx, job.ID, errors.New("late"), cfg)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestFailTruncatesLongErrors(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory())
	cfg := testQueueConfig()
	cfg.MaxAttempts = 1

	job, err := q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"1"}`, cfg)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, cfg)
	require.NoError(t, err)

	long := make([]byte, 2*maxErrorLen)
	for i := range long {
		long[i] = 'x'
	}
	dead, err := q.Fail(ctx, job.ID, errors.New(string(long)), cfg)
	require.NoError(t, err)
	assert.Len(t, dead.DeadLetterReason, maxErrorLen)
}

func TestRequeueDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory())
	cfg := testQueueConfig()
	cfg.MaxAttempts = 1

	job, err := q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"1"}`, cfg)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, cfg)
	require.NoError(t, err)
	_, err = q.Fail(ctx, job.ID, errors.New("boom"), cfg)
	require.NoError(t, err)

	revived, err := q.RequeueDeadLetter(ctx, job.ID, cfg)
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, revived.Status)
	assert.Equal(t, 0, revived.Attempts)
	assert.Empty(t, revived.DeadLetterReason)
	assert.Nil(t, revived.DeadLetterAt)

	// Only dead-lettered jobs can be revived.
	_, err = q.RequeueDeadLetter(ctx, job.ID, cfg)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestProcessQueueRunsClaimedJobs(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory())
	cfg := &config.Config{ToolQueue: testQueueConfig()}

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"q"}`, cfg.ToolQueue)
		require.NoError(t, err)
	}

	// Each job completes before the next claim, so the per-tool running cap
	// never bites in a single sequential run.
	exec := &stubExecutor{}
	sum := q.ProcessQueue(ctx, exec, cfg)
	assert.Equal(t, 3, sum.Claimed)
	assert.Equal(t, 3, sum.Completed)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, int64(3), atomic.LoadInt64(&exec.calls))
}

func TestProcessQueueSkipsWhenWorkerPoolSaturated(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	q := New(mem, WithWorkerPool(bulkhead.New(mem)))
	cfg := &config.Config{
		ToolQueue: testQueueConfig(),
		Bulkheads: config.BulkheadConfig{
			Rules: map[string]config.BulkheadRule{
				config.ProviderToolJobWorker: {MaxConcurrent: 0, LeaseTTLMs: 60_000},
			},
			SentryCooldownMs: 60_000,
		},
	}

	_, err := q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"q"}`, cfg.ToolQueue)
	require.NoError(t, err)

	sum := q.ProcessQueue(ctx, &stubExecutor{}, cfg)
	assert.Equal(t, "worker_saturated", sum.Skipped)
	assert.Equal(t, 0, sum.Claimed)
}

func TestMonitorQueueHealthDeduplicatesWithinCooldown(t *testing.T) {
	ctx := context.Background()
	// Pinned to a cooldown-slot boundary so both monitor runs share a slot.
	base := time.UnixMilli(1_800_000_000_000)
	now := base
	q := New(store.NewMemory(), WithClock(func() time.Time { return now }))
	cfg := testQueueConfig()
	cfg.Alert.QueuedDepthMax = 2

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"q"}`, cfg)
		require.NoError(t, err)
	}

	alerts, err := q.MonitorQueueHealth(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, store.QueueAlertQueuedDepth, alerts[0].Kind)
	assert.Equal(t, int64(3), alerts[0].Observed)

	// Same cooldown slot: the depth breach is suppressed, but aging queued
	// jobs now breach a different kind.
	now = base.Add(3 * time.Minute)
	alerts, err = q.MonitorQueueHealth(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, store.QueueAlertOldestQueuedAge, alerts[0].Kind)
}

// loopScheduler drives worker runs in the background the way the Cloud
// Tasks nudge would in production.
type loopScheduler struct {
	queue *Queue
	exec  Executor
	cfg   *config.Config
}

func (s *loopScheduler) Schedule(_ context.Context, _ time.Duration) {
	go func() {
		for i := 0; i < 100; i++ {
			s.queue.ProcessQueue(context.Background(), s.exec, s.cfg)
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestEnqueueAndWaitCompletes(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory())
	cfg := &config.Config{ToolQueue: testQueueConfig()}
	exec := &stubExecutor{}
	sched := &loopScheduler{queue: q, exec: exec, cfg: cfg}
	q.scheduler = sched

	res := q.EnqueueAndWait(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"q"}`, cfg)
	assert.Equal(t, WaitCompleted, res.Status)
	assert.NotEmpty(t, res.JobID)
	assert.JSONEq(t, `{"kind":"search_web"}`, string(res.Result))
	assert.Nil(t, res.Backpressure)
}

func TestEnqueueAndWaitSaturated(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory())
	cfg := &config.Config{ToolQueue: testQueueConfig()}
	cfg.ToolQueue.QueuedMaxByTool = map[string]int{config.ToolSearchWeb: 2}

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"q"}`, cfg.ToolQueue)
		require.NoError(t, err)
	}

	res := q.EnqueueAndWait(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"q"}`, cfg)
	assert.Equal(t, WaitFailed, res.Status)
	require.NotNil(t, res.Backpressure)
	assert.Equal(t, ReasonQueueSaturated, res.Backpressure.Reason)
	assert.True(t, res.Backpressure.Retryable)
	assert.Equal(t, int64(saturatedRetryAfterMs), res.Backpressure.RetryAfterMs)
}

func TestEnqueueAndWaitDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory())
	cfg := &config.Config{ToolQueue: testQueueConfig()}
	cfg.ToolQueue.MaxAttempts = 2
	cfg.ToolQueue.RetryBaseMs = 10

	exec := &stubExecutor{err: errors.New("upstream down")}
	q.scheduler = &loopScheduler{queue: q, exec: exec, cfg: cfg}

	res := q.EnqueueAndWait(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"q"}`, cfg)
	assert.Equal(t, WaitFailed, res.Status)
	assert.Equal(t, "upstream down", res.LastError)
	require.NotNil(t, res.Backpressure)
	assert.Equal(t, ReasonDeadLetter, res.Backpressure.Reason)
	assert.True(t, res.Backpressure.Retryable)
	assert.Equal(t, int64(deadLetterRetryAfterMs), res.Backpressure.RetryAfterMs)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&exec.calls), int64(2))
}

func TestEnqueueAndWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory()) // no scheduler, no worker: job stays queued
	cfg := &config.Config{ToolQueue: testQueueConfig()}
	cfg.ToolQueue.WaitTimeoutMs = 50

	res := q.EnqueueAndWait(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"q"}`, cfg)
	assert.Equal(t, WaitTimeout, res.Status)
	require.NotNil(t, res.Backpressure)
	assert.Equal(t, ReasonQueueTimeout, res.Backpressure.Reason)
	assert.Equal(t, int64(timeoutRetryAfterMs), res.Backpressure.RetryAfterMs)
}

func TestEnqueueAndWaitHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := New(store.NewMemory())
	cfg := &config.Config{ToolQueue: testQueueConfig()}
	cfg.ToolQueue.WaitTimeoutMs = 60_000

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := q.EnqueueAndWait(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, `{"query":"q"}`, cfg)
	assert.Equal(t, WaitTimeout, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}
