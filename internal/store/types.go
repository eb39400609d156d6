// Package store persists reliability state: rate windows, replay
// keys, circuit states, bulkhead leases, tool jobs, queue alerts, and the
// versioned tool-result cache. Backends: in-memory (tests, single node) and
// Postgres. All writes are single-row patches; compare-and-set conflicts
// surface as ErrConflict so callers can fail closed or retry.
package store

import "time"

// Rate-limit outcomes recorded on events.
const (
	OutcomeAllowed             = "allowed"
	OutcomeBlocked             = "blocked"
	OutcomeContentionFallback  = "contention_fallback"
	OutcomeShadowAllowed       = "shadow_allowed"
	OutcomeShadowWouldBlock    = "shadow_would_block"
	OutcomeAdmissionDenied     = "denied"
	OutcomeAdmissionSoftBlock  = "soft_block"
	OutcomeAdmissionWouldBlock = "would_block"
)

// RateLimitWindow is a fixed-window counter row. The (bucket, key,
// windowStartMs) triple is the identity; count moves monotonically within
// the window and the row is swept after expiresAt.
type RateLimitWindow struct {
	Bucket        string    `json:"bucket"`
	Key           string    `json:"key"`
	WindowStartMs int64     `json:"windowStartMs"`
	Count         int64     `json:"count"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// RateLimitEvent is an immutable observation row. DedupeKey collapses
// identical observations inside a 5 second slot.
type RateLimitEvent struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	DedupeKey string    `json:"dedupeKey"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RateLimitAlert is raised by the monitor when a bucket crosses a
// configured threshold. AlertKey embeds the cooldown slot so re-inserts
// inside the cooldown are no-ops.
type RateLimitAlert struct {
	ID            string    `json:"id"`
	AlertKey      string    `json:"alertKey"`
	Bucket        string    `json:"bucket"`
	Outcome       string    `json:"outcome"`
	Observed      int64     `json:"observed"`
	Threshold     int64     `json:"threshold"`
	WindowMinutes int       `json:"windowMinutes"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// IdempotencyKey backs the replay guard. First insert wins; replays bump
// HitCount.
type IdempotencyKey struct {
	Scope       string    `json:"scope"`
	Key         string    `json:"key"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	HitCount    int64     `json:"hitCount"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// CircuitState is the persisted per-provider breaker row.
// state=open implies now < CooldownUntil; crossing CooldownUntil promotes
// to half_open on the next gate check.
type CircuitState struct {
	Provider            string     `json:"provider"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
	CooldownUntil       time.Time  `json:"cooldownUntil"`
	LastError           string     `json:"lastError,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// BulkheadLease is one held concurrency slot. Inflight for a provider is
// the count of leases with ExpiresAt > now; expired leases are reclaimable
// without explicit release.
type BulkheadLease struct {
	Provider   string    `json:"provider"`
	LeaseID    string    `json:"leaseId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Tool job statuses.
const (
	JobQueued     = "queued"
	JobRunning    = "running"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobDeadLetter = "dead_letter"
)

// Tool job sources.
const (
	JobSourceChatAction = "chat_action"
	JobSourceChatHTTP   = "chat_http"
)

// QoS classes.
const (
	QOSRealtime    = "realtime"
	QOSInteractive = "interactive"
	QOSBatch       = "batch"
)

// ToolJob is the persistent queue row.
// running implies LeaseExpiresAt set; dead_letter implies DeadLetterAt set
// and Attempts == MaxAttempts.
type ToolJob struct {
	ID               string     `json:"id"`
	Source           string     `json:"source"`
	ToolName         string     `json:"toolName"`
	QOSClass         string     `json:"qosClass"`
	ArgsJSON         string     `json:"argsJson"`
	Status           string     `json:"status"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"maxAttempts"`
	AvailableAt      time.Time  `json:"availableAt"`
	LeaseExpiresAt   *time.Time `json:"leaseExpiresAt,omitempty"`
	ResultJSON       string     `json:"resultJson,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	DeadLetterReason string     `json:"deadLetterReason,omitempty"`
	DeadLetterAt     *time.Time `json:"deadLetterAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	ExpiresAt        time.Time  `json:"expiresAt"`
}

// Terminal reports whether the job is in a state the client wait loop can
// stop polling on.
func (j *ToolJob) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobDeadLetter:
		return true
	}
	return false
}

// Queue alert kinds.
const (
	QueueAlertQueuedDepth      = "queued_depth"
	QueueAlertOldestQueuedAge  = "oldest_queued_age"
	QueueAlertOldestRunningAge = "oldest_running_age"
	QueueAlertDeadLetterDepth  = "dead_letter_depth"
)

// ToolQueueAlert mirrors RateLimitAlert for the job queue monitor.
type ToolQueueAlert struct {
	ID            string    `json:"id"`
	AlertKey      string    `json:"alertKey"`
	Kind          string    `json:"kind"`
	Observed      int64     `json:"observed"`
	Threshold     int64     `json:"threshold"`
	WindowMinutes int       `json:"windowMinutes"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// ToolCacheEntry is a versioned-namespace cache row. Operators invalidate
// reads by bumping the namespace version in config; stale rows age out via
// ExpiresAt.
type ToolCacheEntry struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	ValueJSON string    `json:"valueJson"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ToolJobPatch is a partial update applied under a status compare-and-set.
// Nil fields are left unchanged; the Clear flags null their columns.
type ToolJobPatch struct {
	Status           string
	Attempts         *int
	AvailableAt      *time.Time
	LeaseExpiresAt   *time.Time
	ClearLease       bool
	ResultJSON       *string
	LastError        *string
	DeadLetterReason *string
	DeadLetterAt     *time.Time
	ClearDeadLetter  bool
	CompletedAt      *time.Time
	ExpiresAt        *time.Time
}
