// Package provider routes chat completion requests to upstream model
// providers. The primary route is tried first with per-attempt retries;
// classified failures in the failover set move to the secondary route when
// the failover flag is on. Every route runs behind its own bulkhead and
// circuit breaker.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/bulkhead"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/circuitbreaker"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/events"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/metrics"
)

// Model classes.
const (
	ClassFast  = "fast"
	ClassAgent = "agent"
)

// Route identifiers.
const (
	RoutePrimary   = "primary"
	RouteSecondary = "secondary"
)

const errorSnippetLen = 256

var fastMarkers = []string{"mini", "flash", "haiku", "kimi"}

// ModelClass infers the class from a model id: ids carrying a known
// small-model marker are fast, everything else agent. Empty falls back to
// the configured default.
func ModelClass(modelID, defaultClass string) string {
	if modelID == "" {
		if defaultClass == ClassAgent {
			return ClassAgent
		}
		return ClassFast
	}
	lower := strings.ToLower(modelID)
	for _, marker := range fastMarkers {
		if strings.Contains(lower, marker) {
			return ClassFast
		}
	}
	return ClassAgent
}

// Request is one chat completion to route.
type Request struct {
	RequestedModel string
	Payload        map[string]interface{}
	Headers        map[string]string
}

// Route describes where a request actually landed.
type Route struct {
	ProviderID string `json:"providerId"`
	RouteID    string `json:"routeId"`
	Model      string `json:"model"`
	ModelClass string `json:"modelClass"`
}

// Result is a successful upstream response with its stream still open.
// Close releases the route's bulkhead lease and request resources; it must
// be called on every exit path and is safe to call more than once.
type Result struct {
	Route  Route
	Status int
	Header http.Header
	Body   io.ReadCloser

	once    sync.Once
	release func()
}

func (r *Result) Close() {
	r.once.Do(func() {
		if r.Body != nil {
			r.Body.Close()
		}
		if r.release != nil {
			r.release()
		}
	})
}

type routePlan struct {
	RouteID    string
	ProviderID string
	Route      config.RouteConfig
	Models     []string
	Class      string
}

// Router executes chat requests across the configured routes.
type Router struct {
	breaker  *circuitbreaker.Breaker
	bulkhead *bulkhead.Manager
	metrics  *metrics.Metrics
	emitter  events.Emitter
	logger   *slog.Logger
	client   *http.Client
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Router.
type Option func(*Router)

func WithHTTPClient(c *http.Client) Option  { return func(r *Router) { r.client = c } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Router) { r.metrics = m } }
func WithEmitter(e events.Emitter) Option   { return func(r *Router) { r.emitter = e } }
func WithLogger(l *slog.Logger) Option      { return func(r *Router) { r.logger = l } }

// WithSleep overrides the inter-attempt sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Router) { r.sleep = fn }
}

// NewRouter builds a Router. The client must not carry its own timeout;
// per-route deadlines are applied around each attempt and its stream.
func NewRouter(breaker *circuitbreaker.Breaker, bh *bulkhead.Manager, opts ...Option) *Router {
	r := &Router{
		breaker:  breaker,
		bulkhead: bh,
		logger:   slog.Default(),
		client:   &http.Client{},
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute routes req across the candidate routes and returns the first
// streaming response. Errors are always *UpstreamError.
func (r *Router) Execute(ctx context.Context, req Request, cfg *config.Config) (*Result, error) {
	class := ModelClass(req.RequestedModel, cfg.Provider.DefaultModelClass)
	plans := buildRoutes(req.RequestedModel, class, cfg)

	var lastErr *UpstreamError
	for i, plan := range plans {
		res, err := r.executeRoute(ctx, plan, req, cfg)
		if err == nil {
			return res, nil
		}

		ue := asUpstream(err, plan)
		lastErr = ue
		if i+1 < len(plans) && ShouldAttemptFailover(ue.Code) {
			r.logger.Warn("provider route failed, failing over",
				"route", plan.RouteID, "code", ue.Code, "status", ue.Status)
			r.metrics.RecordProviderFailover()
			if r.emitter != nil {
				r.emitter.Emit(events.TypeProviderFailover, "provider", plan.ProviderID, map[string]interface{}{
					"from": plan.RouteID,
					"code": ue.Code,
				})
			}
			continue
		}
		return nil, ue
	}
	return nil, lastErr
}

// executeRoute runs the retry loop for one route under its bulkhead.
func (r *Router) executeRoute(ctx context.Context, plan routePlan, req Request, cfg *config.Config) (*Result, error) {
	acq := r.bulkhead.Acquire(ctx, plan.ProviderID, cfg.Bulkheads)
	if !acq.Acquired {
		return nil, &UpstreamError{
			Code:         CodeUnavailable,
			Message:      fmt.Sprintf("%s saturated, %d requests in flight", plan.ProviderID, acq.InFlight),
			Retryable:    true,
			RetryAfterMs: acq.RetryAfterMs,
			ProviderID:   plan.ProviderID,
			RouteID:      plan.RouteID,
		}
	}
	release := func() {
		if acq.Lease != nil {
			r.bulkhead.Release(context.Background(), acq.Lease)
		}
	}

	rule := cfg.Circuits.Rule(plan.ProviderID)
	var lastErr *UpstreamError
	for attempt := 0; attempt <= plan.Route.Retries; attempt++ {
		model := plan.Models[attempt%len(plan.Models)]

		var ue *UpstreamError
		gate := r.breaker.CheckGate(ctx, plan.ProviderID)
		if !gate.Allowed {
			ue = &UpstreamError{
				Code:         CodeUnavailable,
				Message:      fmt.Sprintf("%s circuit open", plan.ProviderID),
				Retryable:    true,
				RetryAfterMs: gate.RetryAfterMs,
			}
		} else {
			res, attemptErr := r.attempt(ctx, plan, req, model, cfg.Provider.APIKey, rule)
			if attemptErr == nil {
				res.Route = Route{ProviderID: plan.ProviderID, RouteID: plan.RouteID, Model: model, ModelClass: plan.Class}
				res.release = release
				r.metrics.RecordProviderAttempt(plan.RouteID, "success")
				return res, nil
			}
			ue = asUpstream(attemptErr, plan)
		}
		r.metrics.RecordProviderAttempt(plan.RouteID, ue.Code)
		lastErr = ue

		// A dead parent context means the client is gone; retrying streams
		// at nobody.
		if ctx.Err() != nil {
			break
		}
		if !ue.Retryable || attempt >= plan.Route.Retries {
			break
		}
		if err := r.sleep(ctx, time.Duration(100+attempt*150)*time.Millisecond); err != nil {
			break
		}
	}

	release()
	if lastErr == nil {
		lastErr = &UpstreamError{Code: CodeError, Message: "no attempts executed", Retryable: true}
	}
	return nil, asUpstream(lastErr, plan)
}

// attempt performs a single POST. The returned Result keeps its per-attempt
// deadline alive so the stream is bounded by the route timeout.
func (r *Router) attempt(ctx context.Context, plan routePlan, req Request, model, apiKey string, rule config.CircuitRule) (*Result, error) {
	payload := make(map[string]interface{}, len(req.Payload)+2)
	for k, v := range req.Payload {
		payload[k] = v
	}
	payload["model"] = model
	payload["stream"] = true

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &UpstreamError{Code: CodeBadRequest, Message: fmt.Sprintf("encode payload: %v", err), Retryable: false, cause: err}
	}

	timeout := time.Duration(plan.Route.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, completionsURL(plan.Route.BaseURL), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &UpstreamError{Code: CodeError, Message: fmt.Sprintf("create request: %v", err), Retryable: false, cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		cancel()
		if rfErr := r.breaker.RecordFailure(ctx, plan.ProviderID, rule, err); rfErr != nil {
			r.logger.Warn("record circuit failure", "provider", plan.ProviderID, "error", rfErr)
		}
		return nil, classifyTransport(ctx, err)
	}

	r.breaker.RecordHTTPStatus(ctx, plan.ProviderID, resp.StatusCode, rule)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := readSnippet(resp.Body)
		resp.Body.Close()
		cancel()
		ue := Classify(resp.StatusCode, resp.Header.Get("Retry-After"))
		if snippet != "" {
			ue.Message = fmt.Sprintf("%s: %s", ue.Message, snippet)
		}
		return nil, ue
	}

	return &Result{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

// completionsURL joins the OpenAI-compatible completions path onto a route
// base URL.
func completionsURL(base string) string {
	return strings.TrimSuffix(base, "/") + "/chat/completions"
}

// cancelReadCloser ties the attempt deadline to the stream's lifetime.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// classifyTransport maps transport-level failures: deadline and cancel are
// timeouts, everything else a generic retryable upstream error.
func classifyTransport(ctx context.Context, err error) *UpstreamError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return &UpstreamError{
			Code:         CodeTimeout,
			Message:      "provider request timed out",
			Retryable:    true,
			RetryAfterMs: timeoutRetryAfterMs,
			cause:        err,
		}
	}
	return &UpstreamError{Code: CodeError, Message: fmt.Sprintf("provider request failed: %v", err), Retryable: true, cause: err}
}

func asUpstream(err error, plan routePlan) *UpstreamError {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		ue = &UpstreamError{Code: CodeError, Message: err.Error(), Retryable: true, cause: err}
	}
	if ue.ProviderID == "" {
		ue.ProviderID = plan.ProviderID
	}
	if ue.RouteID == "" {
		ue.RouteID = plan.RouteID
	}
	return ue
}

// buildRoutes assembles the candidate routes. An explicitly requested model
// owns the primary route; the secondary always falls back to the class
// table so a broken requested model cannot take down failover too.
func buildRoutes(requested, class string, cfg *config.Config) []routePlan {
	models := cfg.Provider.Models
	classPrimary, classSecondary := models.FastPrimary, models.FastSecondary
	if class == ClassAgent {
		classPrimary, classSecondary = models.AgentPrimary, models.AgentSecondary
	}

	var primaryModels, secondaryModels []string
	if requested != "" {
		primaryModels = []string{requested}
		secondaryModels = dedupe(classSecondary, classPrimary)
	} else {
		primaryModels = dedupe(classPrimary, classSecondary)
		secondaryModels = dedupe(classPrimary, classSecondary)
	}

	plans := []routePlan{{
		RouteID:    RoutePrimary,
		ProviderID: config.ProviderChatPrimary,
		Route:      cfg.Provider.Primary,
		Models:     primaryModels,
		Class:      class,
	}}
	if cfg.Flags.ProviderFailoverEnabled {
		plans = append(plans, routePlan{
			RouteID:    RouteSecondary,
			ProviderID: config.ProviderChatSecondary,
			Route:      cfg.Provider.Secondary,
			Models:     secondaryModels,
			Class:      class,
		})
	}
	return plans
}

func dedupe(models ...string) []string {
	out := make([]string, 0, len(models))
	seen := map[string]bool{}
	for _, m := range models {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}

func readSnippet(body io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(body, errorSnippetLen))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
