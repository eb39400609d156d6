// Package tools executes the search tools behind the job queue. Every
// execution runs inside its provider's bulkhead and circuit breaker and is
// read through the versioned result cache, so a hot query never reaches the
// upstream twice within its TTL.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/bulkhead"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/circuitbreaker"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/toolcache"
)

const (
	defaultResultLimit = 5
	maxResultLimit     = 10
)

// WebHit is one organic search result.
type WebHit struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	Snippet  string `json:"snippet,omitempty"`
	Position int    `json:"position,omitempty"`
}

// SearchWebResult is the search_web envelope stored in the cache and in
// ToolJob.resultJson.
type SearchWebResult struct {
	Kind    string   `json:"kind"`
	Query   string   `json:"query"`
	Results []WebHit `json:"results"`
}

// ProductHit is one shopping result.
type ProductHit struct {
	Title  string `json:"title"`
	Source string `json:"source,omitempty"`
	Link   string `json:"link"`
	Price  string `json:"price,omitempty"`
}

// ProductSearchResult is the search_products envelope.
type ProductSearchResult struct {
	Kind    string       `json:"kind"`
	Query   string       `json:"query"`
	Results []ProductHit `json:"results"`
}

// GlobalHit is one cross-corpus result.
type GlobalHit struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet,omitempty"`
	Section string `json:"section,omitempty"`
}

// GlobalSearchResult is the search_global envelope.
type GlobalSearchResult struct {
	Kind    string      `json:"kind"`
	Query   string      `json:"query"`
	Scope   string      `json:"scope,omitempty"`
	Results []GlobalHit `json:"results"`
}

type searchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
	Scope string `json:"scope"`
}

type serperQuery struct {
	Q     string `json:"q"`
	Num   int    `json:"num,omitempty"`
	Scope string `json:"scope,omitempty"`
}

type serperResponse struct {
	Organic []struct {
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
		Position int    `json:"position"`
	} `json:"organic"`
	Shopping []struct {
		Title  string `json:"title"`
		Source string `json:"source"`
		Link   string `json:"link"`
		Price  string `json:"price"`
	} `json:"shopping"`
}

type globalResponse struct {
	Results []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Section string `json:"section"`
	} `json:"results"`
}

// ProviderFor maps a tool name to the provider identity used for its
// bulkhead and circuit.
func ProviderFor(tool string) string {
	switch tool {
	case config.ToolSearchProducts:
		return config.ProviderProductSearch
	case config.ToolSearchGlobal:
		return config.ProviderGlobalSearch
	default:
		return config.ProviderSerper
	}
}

// Runner executes tools for the queue worker.
type Runner struct {
	cache    *toolcache.Cache
	breaker  *circuitbreaker.Breaker
	bulkhead *bulkhead.Manager
	client   *http.Client
	logger   *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithHTTPClient overrides the upstream HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(r *Runner) { r.client = c } }

// NewRunner builds a Runner. The shared client carries no timeout of its
// own; Execute applies the per-tool deadline.
func NewRunner(cache *toolcache.Cache, breaker *circuitbreaker.Breaker, bh *bulkhead.Manager, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		cache:    cache,
		breaker:  breaker,
		bulkhead: bh,
		client:   &http.Client{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs toolName with argsJSON and returns the result envelope.
// Failures are plain errors; the queue's retry policy decides what happens
// next.
func (r *Runner) Execute(ctx context.Context, toolName, argsJSON string, cfg *config.Config) (json.RawMessage, error) {
	switch toolName {
	case config.ToolSearchWeb, config.ToolSearchProducts, config.ToolSearchGlobal:
	default:
		return nil, fmt.Errorf("unknown tool %q", toolName)
	}

	var args searchArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("decode %s args: %w", toolName, err)
	}
	if args.Query == "" {
		return nil, fmt.Errorf("%s: missing query", toolName)
	}

	namespace := cfg.ToolCache.Namespace(toolName)
	key := cacheKey(args)
	if cached, ok := r.cache.Lookup(ctx, namespace, key); ok {
		r.logger.Debug("tool cache hit", "tool", toolName, "namespace", namespace)
		return cached, nil
	}

	provider := ProviderFor(toolName)
	gate := r.breaker.CheckGate(ctx, provider)
	if !gate.Allowed {
		return nil, fmt.Errorf("%s circuit open, retry in %dms", provider, gate.RetryAfterMs)
	}

	acq := r.bulkhead.Acquire(ctx, provider, cfg.Bulkheads)
	if !acq.Acquired {
		return nil, fmt.Errorf("%s saturated (%d in flight), retry in %dms", provider, acq.InFlight, acq.RetryAfterMs)
	}
	if acq.Lease != nil {
		defer r.bulkhead.Release(ctx, acq.Lease)
	}

	timeout := time.Duration(cfg.Tools.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 7 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rule := cfg.Circuits.Rule(provider)
	envelope, status, err := r.dispatch(callCtx, toolName, cfg.Tools, args)
	if status > 0 {
		r.breaker.RecordHTTPStatus(ctx, provider, status, rule)
	} else if err != nil {
		if rfErr := r.breaker.RecordFailure(ctx, provider, rule, err); rfErr != nil {
			r.logger.Warn("record circuit failure", "provider", provider, "error", rfErr)
		}
	}
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", toolName, err)
	}
	r.cache.Save(ctx, namespace, key, raw, time.Duration(cfg.ToolCache.TTLMs(toolName))*time.Millisecond)
	return raw, nil
}

func (r *Runner) dispatch(ctx context.Context, toolName string, cfg config.ToolsConfig, args searchArgs) (interface{}, int, error) {
	switch toolName {
	case config.ToolSearchWeb:
		return r.searchWeb(ctx, cfg, args)
	case config.ToolSearchProducts:
		return r.searchProducts(ctx, cfg, args)
	case config.ToolSearchGlobal:
		return r.searchGlobal(ctx, cfg, args)
	default:
		return nil, 0, fmt.Errorf("unknown tool %q", toolName)
	}
}

func (r *Runner) searchWeb(ctx context.Context, cfg config.ToolsConfig, args searchArgs) (interface{}, int, error) {
	var upstream serperResponse
	status, err := r.post(ctx, cfg.WebBaseURL, cfg.SerperAPIKey, serperQuery{Q: args.Query, Num: clampLimit(args.Limit)}, &upstream)
	if err != nil {
		return nil, status, err
	}
	out := &SearchWebResult{Kind: config.ToolSearchWeb, Query: args.Query, Results: make([]WebHit, 0, len(upstream.Organic))}
	for _, h := range upstream.Organic {
		out.Results = append(out.Results, WebHit{Title: h.Title, Link: h.Link, Snippet: h.Snippet, Position: h.Position})
	}
	return out, status, nil
}

func (r *Runner) searchProducts(ctx context.Context, cfg config.ToolsConfig, args searchArgs) (interface{}, int, error) {
	var upstream serperResponse
	status, err := r.post(ctx, cfg.ProductBaseURL, cfg.SerperAPIKey, serperQuery{Q: args.Query, Num: clampLimit(args.Limit)}, &upstream)
	if err != nil {
		return nil, status, err
	}
	out := &ProductSearchResult{Kind: config.ToolSearchProducts, Query: args.Query, Results: make([]ProductHit, 0, len(upstream.Shopping))}
	for _, h := range upstream.Shopping {
		out.Results = append(out.Results, ProductHit{Title: h.Title, Source: h.Source, Link: h.Link, Price: h.Price})
	}
	return out, status, nil
}

func (r *Runner) searchGlobal(ctx context.Context, cfg config.ToolsConfig, args searchArgs) (interface{}, int, error) {
	var upstream globalResponse
	status, err := r.post(ctx, cfg.GlobalBaseURL, cfg.SerperAPIKey, serperQuery{Q: args.Query, Scope: args.Scope}, &upstream)
	if err != nil {
		return nil, status, err
	}
	out := &GlobalSearchResult{Kind: config.ToolSearchGlobal, Query: args.Query, Scope: args.Scope, Results: make([]GlobalHit, 0, len(upstream.Results))}
	for _, h := range upstream.Results {
		out.Results = append(out.Results, GlobalHit{Title: h.Title, Link: h.Link, Snippet: h.Snippet, Section: h.Section})
	}
	return out, status, nil
}

// post sends a JSON body and decodes the JSON response. The returned status
// is 0 when the request never reached the upstream.
func (r *Runner) post(ctx context.Context, url, apiKey string, payload, out interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("search upstream HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultResultLimit
	}
	if n > maxResultLimit {
		return maxResultLimit
	}
	return n
}

// cacheKey hashes the semantically meaningful argument fields so equivalent
// requests share an entry.
func cacheKey(args searchArgs) string {
	m := map[string]interface{}{"query": args.Query}
	if args.Limit > 0 {
		m["limit"] = clampLimit(args.Limit)
	}
	if args.Scope != "" {
		m["scope"] = args.Scope
	}
	return toolcache.Key(m)
}
