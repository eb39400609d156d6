// Package toolqueue is the partitioned tool-job queue. Jobs move
// queued -> running -> (completed | queued[retry] | dead_letter) through
// compare-and-patch transitions on status, so two workers can race a claim
// and exactly one wins. Per-tool and per-QoS running caps keep one slow
// upstream from starving the rest of the queue.
package toolqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/bulkhead"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/events"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/metrics"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/telemetry"
)

const (
	staleRequeueBatch = 20
	runningScanSize   = 200
	groupedScanSize   = 5000
	maxRetryDelayMs   = 60_000
	maxErrorLen       = 600
	alertRetention    = 24 * time.Hour
)

// Backpressure reasons surfaced to the chat stream.
const (
	ReasonQueueSaturated = "queue_saturated"
	ReasonQueueTimeout   = "queue_timeout"
	ReasonDeadLetter     = "dead_letter"
)

// Wait statuses.
const (
	WaitCompleted = "completed"
	WaitFailed    = "failed"
	WaitTimeout   = "timeout"
)

const (
	saturatedRetryAfterMs  = 2_000
	timeoutRetryAfterMs    = 1_000
	deadLetterRetryAfterMs = 1_500
)

// qosByTool is the static QoS assignment table. Interactive chat search is
// realtime, product lookups interactive, corpus-wide search batch.
var qosByTool = map[string]string{
	config.ToolSearchWeb:      store.QOSRealtime,
	config.ToolSearchProducts: store.QOSInteractive,
	config.ToolSearchGlobal:   store.QOSBatch,
}

// QOSClassFor returns the QoS class a tool's jobs run under.
func QOSClassFor(tool string) (string, bool) {
	qos, ok := qosByTool[tool]
	return qos, ok
}

// IsQueueSaturated reports whether err is the enqueue-time saturation
// marker.
func IsQueueSaturated(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "[queue_saturated:")
}

// Executor runs one tool invocation. The queue stays ignorant of tool
// internals; cmd wiring passes the tools.Runner here.
type Executor interface {
	Execute(ctx context.Context, toolName, argsJSON string, cfg *config.Config) (json.RawMessage, error)
}

// Scheduler nudges a worker run after an enqueue. Best-effort: the poll
// loop makes progress without one.
type Scheduler interface {
	Schedule(ctx context.Context, delay time.Duration)
}

// Backpressure is the structured shed signal attached to non-completed
// wait outcomes.
type Backpressure struct {
	Reason       string `json:"reason"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// WaitResult is what enqueue-and-wait hands back to the chat path.
type WaitResult struct {
	Status       string          `json:"status"`
	JobID        string          `json:"jobId,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	Backpressure *Backpressure   `json:"backpressure,omitempty"`
}

// RunSummary reports one processQueue invocation.
type RunSummary struct {
	Skipped   string `json:"skipped,omitempty"`
	Claimed   int    `json:"claimed"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// Queue coordinates the job table.
type Queue struct {
	store     store.ToolJobStore
	bulkhead  *bulkhead.Manager
	scheduler Scheduler
	shipper   *telemetry.Shipper
	metrics   *metrics.Metrics
	emitter   events.Emitter
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

func WithScheduler(s Scheduler) Option          { return func(q *Queue) { q.scheduler = s } }
func WithShipper(s *telemetry.Shipper) Option   { return func(q *Queue) { q.shipper = s } }
func WithMetrics(m *metrics.Metrics) Option     { return func(q *Queue) { q.metrics = m } }
func WithEmitter(e events.Emitter) Option       { return func(q *Queue) { q.emitter = e } }
func WithClock(now func() time.Time) Option     { return func(q *Queue) { q.now = now } }
func WithLogger(l *slog.Logger) Option          { return func(q *Queue) { q.logger = l } }
func WithWorkerPool(b *bulkhead.Manager) Option { return func(q *Queue) { q.bulkhead = b } }

// New builds a Queue over st.
func New(st store.ToolJobStore, opts ...Option) *Queue {
	q := &Queue{store: st, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates the tool, applies the per-tool queued-depth cap and
// inserts the job. Saturation is reported as a marker error so callers can
// translate it into a structured backpressure outcome.
func (q *Queue) Enqueue(ctx context.Context, source, toolName, argsJSON string, cfg config.ToolQueueConfig) (*store.ToolJob, error) {
	qos, ok := qosByTool[toolName]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", toolName)
	}

	limit := cfg.QueuedMax(toolName)
	queued, err := q.store.CountToolJobs(ctx, toolName, store.JobQueued, limit+1)
	if err != nil {
		return nil, fmt.Errorf("count queued jobs: %w", err)
	}
	if queued >= limit {
		return nil, fmt.Errorf("[queue_saturated:%s] %d jobs queued, cap %d", toolName, queued, limit)
	}

	now := q.now()
	job := store.ToolJob{
		ID:          uuid.NewString(),
		Source:      source,
		ToolName:    toolName,
		QOSClass:    qos,
		ArgsJSON:    argsJSON,
		Status:      store.JobQueued,
		Attempts:    0,
		MaxAttempts: cfg.MaxAttempts,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(cfg.RetentionMs) * time.Millisecond),
	}
	if err := q.store.InsertToolJob(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	q.metrics.RecordToolJobEnqueued(toolName, source)
	q.logger.Debug("tool job enqueued", "job_id", job.ID, "tool", toolName, "qos", qos, "source", source)
	return &job, nil
}

// ClaimNext requeues stale leases, then claims the first due candidate
// whose tool and QoS class both have running headroom. Returns nil when
// nothing is claimable.
func (q *Queue) ClaimNext(ctx context.Context, cfg config.ToolQueueConfig) (*store.ToolJob, error) {
	now := q.now()

	stale, err := q.store.ListStaleRunningJobs(ctx, now, staleRequeueBatch)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	for _, job := range stale {
		avail := now
		_, err := q.store.PatchToolJob(ctx, job.ID, store.JobRunning, store.ToolJobPatch{
			Status:      store.JobQueued,
			AvailableAt: &avail,
			ClearLease:  true,
		}, now)
		if err == store.ErrConflict {
			continue // another worker already moved it
		}
		if err != nil {
			q.logger.Warn("requeue stale job", "job_id", job.ID, "error", err)
			continue
		}
		q.logger.Info("requeued stale running job", "job_id", job.ID, "tool", job.ToolName, "attempts", job.Attempts)
	}

	running, err := q.store.ListRunningJobs(ctx, runningScanSize)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	runningByTool := map[string]int{}
	runningByQOS := map[string]int{}
	for _, job := range running {
		runningByTool[job.ToolName]++
		runningByQOS[job.QOSClass]++
	}

	candidates, err := q.store.ListQueuedJobsDue(ctx, now, cfg.ClaimScanSize)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}

	for _, cand := range candidates {
		if runningByTool[cand.ToolName] >= cfg.RunMax(cand.ToolName) {
			continue
		}
		if runningByQOS[cand.QOSClass] >= cfg.QOSRunMax(cand.QOSClass) {
			continue
		}

		attempts := cand.Attempts + 1
		lease := now.Add(time.Duration(cfg.LeaseMs) * time.Millisecond)
		claimed, err := q.store.PatchToolJob(ctx, cand.ID, store.JobQueued, store.ToolJobPatch{
			Status:         store.JobRunning,
			Attempts:       &attempts,
			LeaseExpiresAt: &lease,
		}, now)
		if err == store.ErrConflict {
			continue // lost the race, try the next candidate
		}
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", cand.ID, err)
		}
		return claimed, nil
	}
	return nil, nil
}

// Complete finishes a running job with its result.
func (q *Queue) Complete(ctx context.Context, jobID, resultJSON string) (*store.ToolJob, error) {
	now := q.now()
	job, err := q.store.PatchToolJob(ctx, jobID, store.JobRunning, store.ToolJobPatch{
		Status:      store.JobCompleted,
		CompletedAt: &now,
		ResultJSON:  &resultJSON,
		ClearLease:  true,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("complete job %s: %w", jobID, err)
	}
	q.metrics.RecordToolJobOutcome(job.ToolName, store.JobCompleted)
	return job, nil
}

// Fail requeues a running job with exponential backoff, or dead-letters it
// once attempts are exhausted.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error, cfg config.ToolQueueConfig) (*store.ToolJob, error) {
	now := q.now()
	job, err := q.store.GetToolJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != store.JobRunning {
		return nil, store.ErrConflict
	}

	msg := truncateError(cause)
	if job.Attempts < job.MaxAttempts {
		avail := now.Add(time.Duration(retryDelayMs(cfg.RetryBaseMs, job.Attempts)) * time.Millisecond)
		patched, err := q.store.PatchToolJob(ctx, jobID, store.JobRunning, store.ToolJobPatch{
			Status:      store.JobQueued,
			AvailableAt: &avail,
			LastError:   &msg,
			ClearLease:  true,
		}, now)
		if err != nil {
			return nil, fmt.Errorf("requeue job %s: %w", jobID, err)
		}
		q.metrics.RecordToolJobOutcome(job.ToolName, "retried")
		q.logger.Info("tool job requeued after failure",
			"job_id", jobID, "tool", job.ToolName, "attempts", job.Attempts, "error", msg)
		return patched, nil
	}

	dlExpiry := now.Add(time.Duration(cfg.DeadLetterRetentionMs) * time.Millisecond)
	patched, err := q.store.PatchToolJob(ctx, jobID, store.JobRunning, store.ToolJobPatch{
		Status:           store.JobDeadLetter,
		DeadLetterReason: &msg,
		DeadLetterAt:     &now,
		LastError:        &msg,
		ExpiresAt:        &dlExpiry,
		ClearLease:       true,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("dead-letter job %s: %w", jobID, err)
	}
	q.metrics.RecordToolJobOutcome(job.ToolName, store.JobDeadLetter)
	q.logger.Warn("tool job dead-lettered",
		"job_id", jobID, "tool", job.ToolName, "attempts", job.Attempts, "error", msg)
	return patched, nil
}

// retryDelayMs doubles per attempt from the base, capped at one minute.
func retryDelayMs(baseMs int64, attempts int) int64 {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseMs
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelayMs {
			return maxRetryDelayMs
		}
	}
	if delay > maxRetryDelayMs {
		return maxRetryDelayMs
	}
	return delay
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

// ProcessQueue is one worker run: claim and execute up to MaxPerRun jobs
// under the worker bulkhead. Saturation skips the run entirely so worker
// fan-out stays bounded.
func (q *Queue) ProcessQueue(ctx context.Context, exec Executor, cfg *config.Config) RunSummary {
	if q.bulkhead != nil {
		acq := q.bulkhead.Acquire(ctx, config.ProviderToolJobWorker, cfg.Bulkheads)
		if !acq.Acquired {
			q.logger.Info("worker pool saturated, skipping run", "in_flight", acq.InFlight)
			return RunSummary{Skipped: "worker_saturated"}
		}
		if acq.Lease != nil {
			defer q.bulkhead.Release(ctx, acq.Lease)
		}
	}

	var sum RunSummary
	for i := 0; i < cfg.ToolQueue.MaxPerRun; i++ {
		job, err := q.ClaimNext(ctx, cfg.ToolQueue)
		if err != nil {
			q.logger.Error("claim failed", "error", err)
			break
		}
		if job == nil {
			break
		}
		sum.Claimed++

		raw, execErr := exec.Execute(ctx, job.ToolName, job.ArgsJSON, cfg)
		if execErr != nil {
			if _, err := q.Fail(ctx, job.ID, execErr, cfg.ToolQueue); err != nil {
				q.logger.Error("fail transition", "job_id", job.ID, "error", err)
			}
			sum.Failed++
			continue
		}
		if _, err := q.Complete(ctx, job.ID, string(raw)); err != nil {
			q.logger.Error("complete transition", "job_id", job.ID, "error", err)
			continue
		}
		sum.Completed++
	}
	return sum
}

// RequeueDeadLetter resurrects a dead-lettered job with a fresh attempt
// budget. Operator-invoked.
func (q *Queue) RequeueDeadLetter(ctx context.Context, jobID string, cfg config.ToolQueueConfig) (*store.ToolJob, error) {
	now := q.now()
	zero := 0
	expiry := now.Add(time.Duration(cfg.RetentionMs) * time.Millisecond)
	job, err := q.store.PatchToolJob(ctx, jobID, store.JobDeadLetter, store.ToolJobPatch{
		Status:          store.JobQueued,
		Attempts:        &zero,
		AvailableAt:     &now,
		ClearLease:      true,
		ClearDeadLetter: true,
		ExpiresAt:       &expiry,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("requeue dead letter %s: %w", jobID, err)
	}
	q.logger.Info("dead letter requeued", "job_id", jobID, "tool", job.ToolName)
	return job, nil
}

// MonitorQueueHealth evaluates the four queue thresholds and inserts
// cooldown-deduplicated alerts for each breach. Returns the alerts first
// inserted on this run.
func (q *Queue) MonitorQueueHealth(ctx context.Context, cfg config.ToolQueueConfig) ([]store.ToolQueueAlert, error) {
	now := q.now()
	rule := cfg.Alert

	byStatus, _, _, err := q.store.CountJobsGrouped(ctx, groupedScanSize)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	q.metrics.SetQueueDepth(store.JobQueued, byStatus[store.JobQueued])
	q.metrics.SetQueueDepth(store.JobRunning, byStatus[store.JobRunning])
	q.metrics.SetQueueDepth(store.JobDeadLetter, byStatus[store.JobDeadLetter])

	type breach struct {
		kind      string
		observed  int64
		threshold int64
	}
	var breaches []breach

	if n := int64(byStatus[store.JobQueued]); rule.QueuedDepthMax > 0 && n > int64(rule.QueuedDepthMax) {
		breaches = append(breaches, breach{store.QueueAlertQueuedDepth, n, int64(rule.QueuedDepthMax)})
	}
	if n := int64(byStatus[store.JobDeadLetter]); rule.DeadLetterDepthMax > 0 && n > int64(rule.DeadLetterDepthMax) {
		breaches = append(breaches, breach{store.QueueAlertDeadLetterDepth, n, int64(rule.DeadLetterDepthMax)})
	}
	if rule.OldestQueuedMaxMs > 0 {
		if oldest, err := q.store.OldestJobIn(ctx, store.JobQueued); err == nil && oldest != nil {
			if age := now.Sub(oldest.AvailableAt).Milliseconds(); age > rule.OldestQueuedMaxMs {
				breaches = append(breaches, breach{store.QueueAlertOldestQueuedAge, age, rule.OldestQueuedMaxMs})
			}
		}
	}
	if rule.OldestRunningMaxMs > 0 {
		if oldest, err := q.store.OldestJobIn(ctx, store.JobRunning); err == nil && oldest != nil {
			if age := now.Sub(oldest.UpdatedAt).Milliseconds(); age > rule.OldestRunningMaxMs {
				breaches = append(breaches, breach{store.QueueAlertOldestRunningAge, age, rule.OldestRunningMaxMs})
			}
		}
	}

	cooldownSlot := now.UnixMilli() / rule.CooldownMs
	var inserted []store.ToolQueueAlert
	for _, b := range breaches {
		alert := store.ToolQueueAlert{
			ID:            uuid.NewString(),
			AlertKey:      fmt.Sprintf("%s|%d", b.kind, cooldownSlot),
			Kind:          b.kind,
			Observed:      b.observed,
			Threshold:     b.threshold,
			WindowMinutes: rule.WindowMinutes,
			CreatedAt:     now,
			ExpiresAt:     now.Add(alertRetention),
		}
		fresh, err := q.store.InsertQueueAlert(ctx, alert)
		if err != nil {
			q.logger.Warn("insert queue alert", "kind", b.kind, "error", err)
			continue
		}
		if !fresh {
			continue // still inside the cooldown slot
		}
		inserted = append(inserted, alert)

		q.logger.Warn("tool queue threshold breached",
			"kind", b.kind, "observed", b.observed, "threshold", b.threshold)
		q.shipper.Warn(ctx, fmt.Sprintf("tool queue %s: %d over threshold %d", b.kind, b.observed, b.threshold),
			map[string]string{"kind": b.kind})
		if q.emitter != nil {
			q.emitter.Emit(events.TypeQueueAlert, "toolqueue", b.kind, map[string]interface{}{
				"kind":      b.kind,
				"observed":  b.observed,
				"threshold": b.threshold,
			})
		}
	}
	return inserted, nil
}

// EnqueueAndWait enqueues, nudges a worker run and polls until the job
// reaches a terminal state or the wait budget runs out. Never returns an
// error: every outcome is a structured WaitResult.
func (q *Queue) EnqueueAndWait(ctx context.Context, source, toolName, argsJSON string, cfg *config.Config) WaitResult {
	job, err := q.Enqueue(ctx, source, toolName, argsJSON, cfg.ToolQueue)
	if err != nil {
		if IsQueueSaturated(err) {
			return WaitResult{
				Status:       WaitFailed,
				LastError:    err.Error(),
				Backpressure: &Backpressure{Reason: ReasonQueueSaturated, Retryable: true, RetryAfterMs: saturatedRetryAfterMs},
			}
		}
		return WaitResult{Status: WaitFailed, LastError: err.Error()}
	}

	if q.scheduler != nil {
		q.scheduler.Schedule(ctx, 0)
	}

	poll := time.Duration(cfg.ToolQueue.PollIntervalMs) * time.Millisecond
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deadline := q.now().Add(time.Duration(cfg.ToolQueue.WaitTimeoutMs) * time.Millisecond)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return q.timeoutResult(job.ID)
		case <-ticker.C:
		}

		current, err := q.store.GetToolJob(ctx, job.ID)
		if err != nil {
			q.logger.Warn("poll job", "job_id", job.ID, "error", err)
		} else {
			switch current.Status {
			case store.JobCompleted:
				return WaitResult{Status: WaitCompleted, JobID: job.ID, Result: json.RawMessage(current.ResultJSON)}
			case store.JobDeadLetter:
				return WaitResult{
					Status:       WaitFailed,
					JobID:        job.ID,
					LastError:    current.DeadLetterReason,
					Backpressure: &Backpressure{Reason: ReasonDeadLetter, Retryable: true, RetryAfterMs: deadLetterRetryAfterMs},
				}
			case store.JobFailed:
				return WaitResult{Status: WaitFailed, JobID: job.ID, LastError: current.LastError}
			}
		}

		if q.now().After(deadline) {
			return q.timeoutResult(job.ID)
		}
	}
}

func (q *Queue) timeoutResult(jobID string) WaitResult {
	return WaitResult{
		Status:       WaitTimeout,
		JobID:        jobID,
		Backpressure: &Backpressure{Reason: ReasonQueueTimeout, Retryable: true, RetryAfterMs: timeoutRetryAfterMs},
	}
}
