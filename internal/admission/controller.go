// Package admission is the Redis front door for chat traffic. Before any
// expensive work the gateway acquires an admission ticket across four
// dimensions: per-user inflight, global inflight, global message rate, and
// global tool rate. Each dimension can independently enforce or observe,
// and the whole layer degrades per policy when Redis is unreachable.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/events"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/metrics"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
)

// Admission modes.
const (
	ModeShadow  = "shadow"
	ModeEnforce = "enforce"
)

// Denial and soft-block reasons.
const (
	ReasonUserInFlight     = "user_inflight"
	ReasonGlobalInFlight   = "global_inflight"
	ReasonGlobalMsgRate    = "global_msg_rate"
	ReasonGlobalToolRate   = "global_tool_rate"
	ReasonRedisUnavailable = "redis_unavailable"
)

// Rate counters bucket by second and linger a few extra seconds so shadow
// reads still see the window that just closed.
const rateKeyTTL = 5 * time.Second

const eventBucket = "chat_admission"

var errNoClient = errors.New("admission redis client not configured")

// Request describes one admission attempt.
type Request struct {
	// Principal scopes the per-user dimension; usually the user id.
	Principal string
	// Enforce selects the mutating sequence; otherwise checks run
	// read-only in shadow mode.
	Enforce bool
	// FailClosed rejects when Redis is unreachable instead of waving the
	// request through.
	FailClosed bool
}

// Ticket is a held admission slot. Release it exactly once per allowed
// enforce-mode request; double releases are no-ops.
type Ticket struct {
	ID string

	ticketKey string
	userKey   string
	globalKey string
}

// Result is the admission decision.
type Result struct {
	Allowed            bool
	Mode               string
	Reason             string
	RetryAfterMs       int64
	WouldBlock         bool
	WouldBlockReasons  []string
	SoftBlockedReasons []string
	Ticket             *Ticket
}

// EventRecorder persists admission observations for the ops snapshot.
// Satisfied by the rate-limit event log.
type EventRecorder interface {
	RecordEvent(ctx context.Context, source, bucket, key, outcome, reason string) bool
}

// Controller runs the admission sequences against Redis.
type Controller struct {
	rdb      redis.Cmdable
	recorder EventRecorder
	metrics  *metrics.Metrics
	emitter  events.Emitter
	logger   *slog.Logger
	now      func() time.Time
	rand     func() float64
}

// Option configures optional controller collaborators.
type Option func(*Controller)

func WithRecorder(r EventRecorder) Option   { return func(c *Controller) { c.recorder = r } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }
func WithEmitter(e events.Emitter) Option   { return func(c *Controller) { c.emitter = e } }
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }
func WithRand(fn func() float64) Option     { return func(c *Controller) { c.rand = fn } }
func WithLogger(l *slog.Logger) Option      { return func(c *Controller) { c.logger = l } }

// New builds a controller. A nil client disables admission: every request
// is allowed in mode "off".
func New(rdb redis.Cmdable, opts ...Option) *Controller {
	c := &Controller{
		rdb:    rdb,
		logger: slog.Default(),
		now:    time.Now,
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire runs the admission check for one request. Enforce mode mutates
// counters and returns a ticket on success; shadow mode only reads and
// reports what would have happened.
func (c *Controller) Acquire(ctx context.Context, req Request, cfg config.AdmissionConfig) Result {
	if !cfg.Enabled {
		return Result{Allowed: true, Mode: ModeShadow}
	}
	if c.rdb == nil {
		return c.redisUnavailable(ctx, req, cfg, errNoClient)
	}
	if req.Enforce && !cfg.ShadowMode {
		return c.acquireEnforce(ctx, req, cfg)
	}
	return c.checkShadow(ctx, req, cfg)
}

type keys struct {
	user    string
	global  string
	msgRate string
	tool    string
}

// buildKeys derives the four counter keys. The principal is URL-encoded so
// tenant-supplied ids cannot smuggle the key delimiter; rate keys bucket by
// whole second.
func (c *Controller) buildKeys(principal, prefix string) keys {
	sec := strconv.FormatInt(c.now().UnixMilli()/1000, 10)
	return keys{
		user:    prefix + ":inflight:user:" + url.QueryEscape(principal),
		global:  prefix + ":inflight:global",
		msgRate: prefix + ":rate:msg:" + sec,
		tool:    prefix + ":rate:tool:" + sec,
	}
}

// acquireEnforce walks the four dimensions in order. Every increment is
// tracked so a rejection (or a Redis error) unwinds exactly what this call
// added and nothing more.
func (c *Controller) acquireEnforce(ctx context.Context, req Request, cfg config.AdmissionConfig) Result {
	k := c.buildKeys(req.Principal, cfg.KeyPrefix)
	ticketTTL := time.Duration(cfg.TicketTTLMs) * time.Millisecond

	type step struct{ key string; by int64 }
	var added []step
	rollback := func() {
		for i := len(added) - 1; i >= 0; i-- {
			c.safeDecrement(ctx, added[i].key, added[i].by)
		}
	}

	var soft []string

	type dimension struct {
		key     string
		by      int64
		ttl     time.Duration
		cap     int64
		enforce bool
		reason  string
	}
	dims := []dimension{
		{k.user, 1, ticketTTL, cfg.UserMaxInFlight, cfg.EnforceUserInFlight, ReasonUserInFlight},
		{k.global, 1, ticketTTL, cfg.GlobalMaxInFlight, cfg.EnforceGlobalInFlight, ReasonGlobalInFlight},
		{k.msgRate, 1, rateKeyTTL, cfg.GlobalMaxMsgPerSec, cfg.EnforceGlobalMsgRate, ReasonGlobalMsgRate},
		{k.tool, cfg.EstToolCallsPerMsg, rateKeyTTL, cfg.GlobalMaxToolPerSec, cfg.EnforceGlobalToolRate, ReasonGlobalToolRate},
	}

	for _, d := range dims {
		if d.by <= 0 {
			continue
		}
		n, err := c.rdb.IncrBy(ctx, d.key, d.by).Result()
		if err != nil {
			rollback()
			return c.redisUnavailable(ctx, req, cfg, err)
		}
		added = append(added, step{d.key, d.by})
		if err := c.rdb.Expire(ctx, d.key, d.ttl).Err(); err != nil {
			rollback()
			return c.redisUnavailable(ctx, req, cfg, err)
		}
		if n > d.cap {
			if d.enforce {
				rollback()
				return c.deny(ctx, req, cfg, d.reason)
			}
			soft = append(soft, d.reason)
		}
	}

	ticket := &Ticket{
		ID:        uuid.NewString(),
		userKey:   k.user,
		globalKey: k.global,
	}
	ticket.ticketKey = cfg.KeyPrefix + ":ticket:" + ticket.ID
	if err := c.rdb.Set(ctx, ticket.ticketKey, "1", ticketTTL).Err(); err != nil {
		rollback()
		return c.redisUnavailable(ctx, req, cfg, err)
	}

	if len(soft) > 0 {
		c.record(ctx, req.Principal, store.OutcomeAdmissionSoftBlock, strings.Join(soft, ","))
		c.metrics.RecordAdmission(ModeEnforce, store.OutcomeAdmissionSoftBlock, soft[0])
	} else if c.sampled(cfg.AllowedEventSamplePct) {
		c.record(ctx, req.Principal, store.OutcomeAllowed, "")
		c.metrics.RecordAdmission(ModeEnforce, store.OutcomeAllowed, "")
	}

	return Result{
		Allowed:            true,
		Mode:               ModeEnforce,
		SoftBlockedReasons: soft,
		Ticket:             ticket,
	}
}

// checkShadow evaluates the same four caps with read-only GETs, reporting
// hypothetical breaches without mutating anything.
func (c *Controller) checkShadow(ctx context.Context, req Request, cfg config.AdmissionConfig) Result {
	k := c.buildKeys(req.Principal, cfg.KeyPrefix)

	type dimension struct {
		key    string
		by     int64
		cap    int64
		reason string
	}
	dims := []dimension{
		{k.user, 1, cfg.UserMaxInFlight, ReasonUserInFlight},
		{k.global, 1, cfg.GlobalMaxInFlight, ReasonGlobalInFlight},
		{k.msgRate, 1, cfg.GlobalMaxMsgPerSec, ReasonGlobalMsgRate},
		{k.tool, cfg.EstToolCallsPerMsg, cfg.GlobalMaxToolPerSec, ReasonGlobalToolRate},
	}

	var wouldBlock []string
	for _, d := range dims {
		if d.by <= 0 {
			continue
		}
		current, err := c.getInt(ctx, d.key)
		if err != nil {
			return c.redisUnavailable(ctx, req, cfg, err)
		}
		if current+d.by > d.cap {
			wouldBlock = append(wouldBlock, d.reason)
		}
	}

	if len(wouldBlock) > 0 {
		c.record(ctx, req.Principal, store.OutcomeShadowWouldBlock, strings.Join(wouldBlock, ","))
		c.metrics.RecordAdmission(ModeShadow, store.OutcomeShadowWouldBlock, wouldBlock[0])
	} else if c.sampled(cfg.AllowedEventSamplePct) {
		c.record(ctx, req.Principal, store.OutcomeShadowAllowed, "")
		c.metrics.RecordAdmission(ModeShadow, store.OutcomeShadowAllowed, "")
	}

	return Result{
		Allowed:           true,
		Mode:              ModeShadow,
		WouldBlock:        len(wouldBlock) > 0,
		WouldBlockReasons: wouldBlock,
	}
}

// Release returns an admission ticket. Deleting the ticket key decides
// idempotence: only the delete that actually removes it decrements the
// inflight counters, so double releases cannot drive counters negative.
func (c *Controller) Release(ctx context.Context, t *Ticket) {
	if t == nil || c.rdb == nil {
		return
	}
	deleted, err := c.rdb.Del(ctx, t.ticketKey).Result()
	if err != nil {
		c.logger.Warn("admission ticket delete failed, ttl will reap it", "ticket", t.ID, "error", err)
		return
	}
	if deleted != 1 {
		return // already released
	}
	c.safeDecrement(ctx, t.globalKey, 1)
	c.safeDecrement(ctx, t.userKey, 1)
}

// safeDecrement lowers a counter and clamps it at zero, so crashes between
// increment and release can never push counters negative for good.
func (c *Controller) safeDecrement(ctx context.Context, key string, by int64) {
	v, err := c.rdb.DecrBy(ctx, key, by).Result()
	if err != nil {
		c.logger.Warn("admission decrement failed", "key", key, "error", err)
		return
	}
	if v < 0 {
		if err := c.rdb.Set(ctx, key, "0", redis.KeepTTL).Err(); err != nil {
			c.logger.Warn("admission clamp failed", "key", key, "error", err)
		}
	}
}

func (c *Controller) deny(ctx context.Context, req Request, cfg config.AdmissionConfig, reason string) Result {
	retryAfter := ResolveRetryAfterMs(cfg, c.rand)
	c.record(ctx, req.Principal, store.OutcomeAdmissionDenied, reason)
	c.metrics.RecordAdmission(ModeEnforce, store.OutcomeAdmissionDenied, reason)
	if c.emitter != nil {
		c.emitter.Emit(events.TypeAdmissionDenied, "/internal/admission", req.Principal, map[string]interface{}{
			"reason":       reason,
			"retryAfterMs": retryAfter,
		})
	}
	return Result{
		Mode:         ModeEnforce,
		Reason:       reason,
		RetryAfterMs: retryAfter,
	}
}

// redisUnavailable resolves what an unreachable Redis means for this
// request: enforce mode consults the fail-closed flag, shadow mode always
// passes but reports the outage as its would-block reason.
func (c *Controller) redisUnavailable(ctx context.Context, req Request, cfg config.AdmissionConfig, cause error) Result {
	c.logger.Warn("admission redis unavailable", "principal", req.Principal, "error", cause)
	enforcing := req.Enforce && !cfg.ShadowMode
	mode := ModeShadow
	if enforcing {
		mode = ModeEnforce
	}
	c.metrics.RecordAdmission(mode, "error", ReasonRedisUnavailable)

	if enforcing && req.FailClosed {
		retryAfter := ResolveRetryAfterMs(cfg, c.rand)
		c.record(ctx, req.Principal, store.OutcomeAdmissionDenied, ReasonRedisUnavailable)
		return Result{
			Mode:         mode,
			Reason:       ReasonRedisUnavailable,
			RetryAfterMs: retryAfter,
		}
	}
	res := Result{
		Allowed: true,
		Mode:    mode,
		Reason:  ReasonRedisUnavailable,
	}
	if !enforcing {
		res.WouldBlock = true
		res.WouldBlockReasons = []string{ReasonRedisUnavailable}
	}
	return res
}

func (c *Controller) record(ctx context.Context, principal, outcome, reason string) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordEvent(ctx, "admission", eventBucket, principal, outcome, reason)
}

func (c *Controller) sampled(pct int64) bool {
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	return c.rand()*100 < float64(pct)
}

func (c *Controller) getInt(ctx context.Context, key string) (int64, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil // foreign junk under our key counts as zero
	}
	return n, nil
}

// ResolveRetryAfterMs spreads client retries: base scaled by a uniform
// jitter of ±jitterPct (clamped to [0,90]), bounded to [100ms, 60s].
func ResolveRetryAfterMs(cfg config.AdmissionConfig, rnd func() float64) int64 {
	base := float64(cfg.RetryAfterMs)
	pct := cfg.RetryAfterJitterPct
	if pct < 0 {
		pct = 0
	}
	if pct > 90 {
		pct = 90
	}
	jitter := float64(pct) / 100
	ms := int64(math.Round(base * (1 + (2*rnd()-1)*jitter)))
	if ms < 100 {
		return 100
	}
	if ms > 60_000 {
		return 60_000
	}
	return ms
}
