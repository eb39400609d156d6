package gatecheck

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const probeTimeout = 10 * time.Second

// ProbeResult is one synthetic request outcome.
type ProbeResult struct {
	Name       string `json:"name"`
	WantStatus int    `json:"wantStatus"`
	GotStatus  int    `json:"gotStatus"`
	LatencyMs  int64  `json:"latencyMs"`
	Error      string `json:"error,omitempty"`
}

// OK reports whether the probe saw exactly its expected status.
func (r ProbeResult) OK() bool {
	return r.Error == "" && r.GotStatus == r.WantStatus
}

// Prober runs the policy's synthetic probes against one deployment.
type Prober struct {
	baseURL string
	token   string
	origin  string
	httpc   *http.Client
	logger  *slog.Logger
}

// ProberOption configures optional prober collaborators.
type ProberOption func(*Prober)

func WithProbeClient(c *http.Client) ProberOption { return func(p *Prober) { p.httpc = c } }
func WithProbeLogger(l *slog.Logger) ProberOption { return func(p *Prober) { p.logger = l } }

// NewProber targets baseURL; token is attached to probes marked bearer,
// origin to every probe.
func NewProber(baseURL, token, origin string, opts ...ProberOption) *Prober {
	p := &Prober{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		origin:  origin,
		httpc:   &http.Client{Timeout: probeTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes every probe in order and never short-circuits: a gate wants
// the full picture, not the first failure.
func (p *Prober) Run(ctx context.Context, probes []Probe) []ProbeResult {
	results := make([]ProbeResult, 0, len(probes))
	for _, probe := range probes {
		results = append(results, p.run(ctx, probe))
	}
	return results
}

func (p *Prober) run(ctx context.Context, probe Probe) ProbeResult {
	result := ProbeResult{Name: probe.Name, WantStatus: probe.ExpectStatus}

	req, err := http.NewRequestWithContext(ctx, probe.Method, p.baseURL+probe.Path, nil)
	if err != nil {
		result.Error = fmt.Sprintf("build request: %v", err)
		return result
	}
	if p.origin != "" {
		req.Header.Set("Origin", p.origin)
	}
	if probe.Bearer && p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	start := time.Now()
	resp, err := p.httpc.Do(req)
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		p.logger.Warn("probe failed", "probe", probe.Name, "error", err)
		return result
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	result.GotStatus = resp.StatusCode
	if !result.OK() {
		p.logger.Warn("probe status mismatch", "probe", probe.Name,
			"want", result.WantStatus, "got", result.GotStatus)
	}
	return result
}
