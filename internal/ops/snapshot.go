// Package ops assembles the reliability snapshot: one read-only view over
// every shedding layer, built from bounded scans so an operator can hit it
// during an incident without adding load. The gate and canary harnesses
// read the same view through the SDK.
package ops

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/bulkhead"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/circuitbreaker"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/ratelimit"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/replay"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/toolcache"
)

const (
	defaultWindowMinutes = 60
	maxWindowMinutes     = 1_440
	defaultScanLimit     = 500
	maxScanLimit         = 5_000
	admissionBucket      = "chat_admission"
	topReasonCount       = 5
	deadLetterPreview    = 20
)

// Query bounds one snapshot request.
type Query struct {
	WindowMinutes int
	Limit         int
}

func (q Query) normalized() Query {
	if q.WindowMinutes <= 0 {
		q.WindowMinutes = defaultWindowMinutes
	}
	if q.WindowMinutes > maxWindowMinutes {
		q.WindowMinutes = maxWindowMinutes
	}
	if q.Limit <= 0 {
		q.Limit = defaultScanLimit
	}
	if q.Limit > maxScanLimit {
		q.Limit = maxScanLimit
	}
	return q
}

// RegionView is the topology section.
type RegionView struct {
	RegionID      string `json:"regionId"`
	TopologyMode  string `json:"topologyMode"`
	ReadinessOnly bool   `json:"readinessOnly"`
}

// AdmissionPolicy is the operator-safe admission config: enforce switches
// and retry hints, never the Redis URL or token.
type AdmissionPolicy struct {
	Enabled               bool  `json:"enabled"`
	ShadowMode            bool  `json:"shadowMode"`
	EnforceUserInFlight   bool  `json:"enforceUserInflight"`
	EnforceGlobalInFlight bool  `json:"enforceGlobalInflight"`
	EnforceGlobalMsgRate  bool  `json:"enforceGlobalMsgRate"`
	EnforceGlobalToolRate bool  `json:"enforceGlobalToolRate"`
	UserMaxInFlight       int64 `json:"userMaxInflight"`
	GlobalMaxInFlight     int64 `json:"globalMaxInflight"`
	RetryAfterMs          int64 `json:"retryAfterMs"`
	RetryAfterJitterPct   int64 `json:"retryAfterJitterPct"`
}

// RouteView is one chat route's policy knobs.
type RouteView struct {
	TimeoutMs int64 `json:"timeoutMs"`
	Retries   int   `json:"retries"`
}

// ModelsView mirrors the model table; model ids are routing config, not
// secrets.
type ModelsView struct {
	FastPrimary    string `json:"fastPrimary"`
	FastSecondary  string `json:"fastSecondary"`
	AgentPrimary   string `json:"agentPrimary"`
	AgentSecondary string `json:"agentSecondary"`
}

// QueueAlertPolicy is the queue health thresholds section.
type QueueAlertPolicy struct {
	QueuedDepthMax     int   `json:"queuedDepthMax"`
	DeadLetterDepthMax int   `json:"deadLetterDepthMax"`
	OldestQueuedMaxMs  int64 `json:"oldestQueuedMaxMs"`
	OldestRunningMaxMs int64 `json:"oldestRunningMaxMs"`
	WindowMinutes      int   `json:"windowMinutes"`
}

// RedactedConfig is the live config with every credential stripped. The
// health endpoint and the snapshot both serve this projection.
type RedactedConfig struct {
	Region            RegionView           `json:"region"`
	Admission         AdmissionPolicy      `json:"admission"`
	ChatRoutes        map[string]RouteView `json:"chatRoutes"`
	Models            ModelsView           `json:"models"`
	DefaultModelClass string               `json:"defaultModelClass"`
	FailoverEnabled   bool                 `json:"providerFailoverEnabled"`
	QueueAlerts       QueueAlertPolicy     `json:"queueAlertThresholds"`
}

// RedactConfig projects cfg into its operator-safe view.
func RedactConfig(cfg *config.Config) RedactedConfig {
	return RedactedConfig{
		Region: RegionView{
			RegionID:      cfg.Region.RegionID,
			TopologyMode:  cfg.Region.TopologyMode,
			ReadinessOnly: cfg.Region.ReadinessOnly,
		},
		Admission: AdmissionPolicy{
			Enabled:               cfg.Admission.Enabled,
			ShadowMode:            cfg.Admission.ShadowMode,
			EnforceUserInFlight:   cfg.Admission.EnforceUserInFlight,
			EnforceGlobalInFlight: cfg.Admission.EnforceGlobalInFlight,
			EnforceGlobalMsgRate:  cfg.Admission.EnforceGlobalMsgRate,
			EnforceGlobalToolRate: cfg.Admission.EnforceGlobalToolRate,
			UserMaxInFlight:       cfg.Admission.UserMaxInFlight,
			GlobalMaxInFlight:     cfg.Admission.GlobalMaxInFlight,
			RetryAfterMs:          cfg.Admission.RetryAfterMs,
			RetryAfterJitterPct:   cfg.Admission.RetryAfterJitterPct,
		},
		ChatRoutes: map[string]RouteView{
			"primary":   {TimeoutMs: cfg.Provider.Primary.TimeoutMs, Retries: cfg.Provider.Primary.Retries},
			"secondary": {TimeoutMs: cfg.Provider.Secondary.TimeoutMs, Retries: cfg.Provider.Secondary.Retries},
		},
		Models: ModelsView{
			FastPrimary:    cfg.Provider.Models.FastPrimary,
			FastSecondary:  cfg.Provider.Models.FastSecondary,
			AgentPrimary:   cfg.Provider.Models.AgentPrimary,
			AgentSecondary: cfg.Provider.Models.AgentSecondary,
		},
		DefaultModelClass: cfg.Provider.DefaultModelClass,
		FailoverEnabled:   cfg.Flags.ProviderFailoverEnabled,
		QueueAlerts: QueueAlertPolicy{
			QueuedDepthMax:     cfg.ToolQueue.Alert.QueuedDepthMax,
			DeadLetterDepthMax: cfg.ToolQueue.Alert.DeadLetterDepthMax,
			OldestQueuedMaxMs:  cfg.ToolQueue.Alert.OldestQueuedMaxMs,
			OldestRunningMaxMs: cfg.ToolQueue.Alert.OldestRunningMaxMs,
			WindowMinutes:      cfg.ToolQueue.Alert.WindowMinutes,
		},
	}
}

// RateLimitView is the rate-limit pressure section.
type RateLimitView struct {
	Summary      *ratelimit.Summary     `json:"summary,omitempty"`
	RecentAlerts []store.RateLimitAlert `json:"recentAlerts"`
}

// ReasonCount is one denial reason with its event count.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

// AdmissionView folds the admission event log into outcome counts and the
// top denial reasons.
type AdmissionView struct {
	ByOutcome  map[string]int64 `json:"byOutcome"`
	TopReasons []ReasonCount    `json:"topReasons"`
}

// DeadLetterRow is a trimmed DLQ row; args stay out of the snapshot.
type DeadLetterRow struct {
	ID       string    `json:"id"`
	ToolName string    `json:"toolName"`
	QOSClass string    `json:"qosClass"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// QueueView is the tool-job queue section.
type QueueView struct {
	ByStatus           map[string]int         `json:"byStatus"`
	ByTool             map[string]int         `json:"byTool"`
	ByQOS              map[string]int         `json:"byQos"`
	OldestQueuedAgeMs  int64                  `json:"oldestQueuedAgeMs"`
	OldestRunningAgeMs int64                  `json:"oldestRunningAgeMs"`
	RecentDeadLetters  []DeadLetterRow        `json:"recentDeadLetters"`
	RecentAlerts       []store.ToolQueueAlert `json:"recentAlerts"`
}

// Snapshot is the assembled reliability view. Sections that could not be
// read are zero-valued and named in Degraded; the snapshot itself never
// fails outright.
type Snapshot struct {
	GeneratedAt    time.Time            `json:"generatedAt"`
	WindowMinutes  int                  `json:"windowMinutes"`
	Region         RegionView           `json:"region"`
	Config         RedactedConfig       `json:"config"`
	RateLimits     RateLimitView        `json:"rateLimits"`
	Admission      AdmissionView        `json:"admission"`
	Circuits       []store.CircuitState `json:"circuits"`
	BulkheadsBusy  map[string]int       `json:"bulkheadInflightByProvider"`
	ReplaysByScope map[string]int64     `json:"replayDuplicatesByScope"`
	ToolCacheByNS  map[string]int       `json:"toolCacheActiveByNamespace"`
	Queue          QueueView            `json:"queue"`
	Degraded       []string             `json:"degraded,omitempty"`
}

// Service wires the layers the snapshot reads from.
type Service struct {
	stores   store.Store
	limiter  *ratelimit.Limiter
	breaker  *circuitbreaker.Breaker
	bulkhead *bulkhead.Manager
	guard    *replay.Guard
	cache    *toolcache.Cache
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures optional service collaborators.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService builds the snapshot assembler over the shared store and the
// layer frontends.
func NewService(st store.Store, limiter *ratelimit.Limiter, breaker *circuitbreaker.Breaker, bh *bulkhead.Manager, guard *replay.Guard, cache *toolcache.Cache, opts ...Option) *Service {
	s := &Service{
		stores:   st,
		limiter:  limiter,
		breaker:  breaker,
		bulkhead: bh,
		guard:    guard,
		cache:    cache,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reliability assembles the snapshot. Every section runs its own bounded
// read; a failing section is logged, recorded in Degraded, and skipped.
func (s *Service) Reliability(ctx context.Context, q Query, cfg *config.Config) *Snapshot {
	q = q.normalized()
	now := s.now()
	since := now.Add(-time.Duration(q.WindowMinutes) * time.Minute)

	snap := &Snapshot{
		GeneratedAt:   now,
		WindowMinutes: q.WindowMinutes,
		Region: RegionView{
			RegionID:      cfg.Region.RegionID,
			TopologyMode:  cfg.Region.TopologyMode,
			ReadinessOnly: cfg.Region.ReadinessOnly,
		},
		Config: RedactConfig(cfg),
	}
	degrade := func(section string, err error) {
		s.logger.Warn("snapshot section degraded", "section", section, "error", err)
		snap.Degraded = append(snap.Degraded, section)
	}

	summary, err := s.limiter.GetEventSummary(ctx, q.WindowMinutes, q.Limit)
	if err != nil {
		degrade("rate_events", err)
	} else {
		snap.RateLimits.Summary = summary
		snap.Admission = foldAdmission(summary)
	}
	alerts, err := s.stores.ListRateAlertsSince(ctx, since, q.Limit)
	if err != nil {
		degrade("rate_alerts", err)
	} else {
		snap.RateLimits.RecentAlerts = alerts
	}

	circuits, err := s.breaker.ListStates(ctx)
	if err != nil {
		degrade("circuits", err)
	} else {
		snap.Circuits = circuits
	}

	busy, err := s.bulkhead.InFlightByProvider(ctx)
	if err != nil {
		degrade("bulkheads", err)
	} else {
		snap.BulkheadsBusy = busy
	}

	replays, err := s.guard.ReplaysByScope(ctx, time.Duration(q.WindowMinutes)*time.Minute, q.Limit)
	if err != nil {
		degrade("replays", err)
	} else {
		snap.ReplaysByScope = replays
	}

	snap.ToolCacheByNS = s.cache.CountActive(ctx, q.Limit)

	snap.Queue = s.queueView(ctx, since, q.Limit, &snap.Degraded)
	return snap
}

func (s *Service) queueView(ctx context.Context, since time.Time, limit int, degraded *[]string) QueueView {
	view := QueueView{}
	degrade := func(section string, err error) {
		s.logger.Warn("snapshot section degraded", "section", section, "error", err)
		*degraded = append(*degraded, section)
	}

	byStatus, byTool, byQOS, err := s.stores.CountJobsGrouped(ctx, limit)
	if err != nil {
		degrade("queue_counts", err)
	} else {
		view.ByStatus, view.ByTool, view.ByQOS = byStatus, byTool, byQOS
	}

	now := s.now()
	if oldest, err := s.stores.OldestJobIn(ctx, store.JobQueued); err != nil {
		degrade("queue_oldest_queued", err)
	} else if oldest != nil {
		view.OldestQueuedAgeMs = now.Sub(oldest.AvailableAt).Milliseconds()
	}
	if oldest, err := s.stores.OldestJobIn(ctx, store.JobRunning); err != nil {
		degrade("queue_oldest_running", err)
	} else if oldest != nil {
		view.OldestRunningAgeMs = now.Sub(oldest.UpdatedAt).Milliseconds()
	}

	dlq, err := s.stores.ListJobsByStatus(ctx, store.JobDeadLetter, deadLetterPreview)
	if err != nil {
		degrade("queue_dead_letters", err)
	} else {
		for _, job := range dlq {
			at := job.UpdatedAt
			if job.DeadLetterAt != nil {
				at = *job.DeadLetterAt
			}
			view.RecentDeadLetters = append(view.RecentDeadLetters, DeadLetterRow{
				ID:       job.ID,
				ToolName: job.ToolName,
				QOSClass: job.QOSClass,
				Attempts: job.Attempts,
				Reason:   job.DeadLetterReason,
				At:       at,
			})
		}
	}

	queueAlerts, err := s.stores.ListQueueAlertsSince(ctx, since, limit)
	if err != nil {
		degrade("queue_alerts", err)
	} else {
		view.RecentAlerts = queueAlerts
	}
	return view
}

// foldAdmission extracts the chat_admission slice of the event summary:
// outcome counts keyed without the bucket prefix, plus the most frequent
// denial reasons.
func foldAdmission(summary *ratelimit.Summary) AdmissionView {
	view := AdmissionView{ByOutcome: make(map[string]int64)}
	prefix := admissionBucket + "|"

	for key, n := range summary.ByBucketOutcome {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			view.ByOutcome[key[len(prefix):]] = n
		}
	}

	reasons := make(map[string]int64)
	deniedPrefix := prefix + store.OutcomeAdmissionDenied + "|"
	wouldPrefix := prefix + store.OutcomeShadowWouldBlock + "|"
	for key, n := range summary.ByReason {
		switch {
		case len(key) > len(deniedPrefix) && key[:len(deniedPrefix)] == deniedPrefix:
			reasons[key[len(deniedPrefix):]] += n
		case len(key) > len(wouldPrefix) && key[:len(wouldPrefix)] == wouldPrefix:
			reasons[key[len(wouldPrefix):]] += n
		}
	}
	for reason, n := range reasons {
		view.TopReasons = append(view.TopReasons, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(view.TopReasons, func(i, j int) bool {
		if view.TopReasons[i].Count != view.TopReasons[j].Count {
			return view.TopReasons[i].Count > view.TopReasons[j].Count
		}
		return view.TopReasons[i].Reason < view.TopReasons[j].Reason
	})
	if len(view.TopReasons) > topReasonCount {
		view.TopReasons = view.TopReasons[:topReasonCount]
	}
	return view
}
