// Package drill runs staged load drills against a gateway deployment and
// reduces every scenario to the rates the release gates evaluate.
//
// A drill is a profile (request count, pacing, concurrency) applied to a
// scenario (one way of hitting the gateway). Requests are paced with a
// token-bucket limiter and executed by a bounded worker group; each
// response lands in exactly one outcome bucket, so the four rates always
// sum to one.
package drill

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Scenario is one way of exercising the gateway. Hit issues a single
// request and reports the HTTP status; a transport failure is err with
// status 0.
type Scenario struct {
	Name string
	Hit  func(ctx context.Context) (status int, err error)
}

// Report is the reduced outcome of one scenario run.
type Report struct {
	Scenario string  `json:"scenario"`
	Profile  string  `json:"profile"`
	Total    int     `json:"total"`
	Elapsed  float64 `json:"elapsedSeconds"`

	Status2xx     int `json:"status2xx"`
	Status5xx     int `json:"status5xx"`
	NetworkErrors int `json:"networkErrors"`
	UnknownStatus int `json:"unknownStatus"`

	P50Ms float64 `json:"p50Ms"`
	P95Ms float64 `json:"p95Ms"`
	P99Ms float64 `json:"p99Ms"`

	ThroughputPerSecond float64 `json:"throughputPerSecond"`
}

// Rates projects the report onto the metric names the gate policies use.
// p95 is milliseconds; the rest are fractions of total.
func (r Report) Rates() map[string]float64 {
	total := float64(r.Total)
	if total == 0 {
		total = 1
	}
	return map[string]float64{
		"2xxSuccessRate":    float64(r.Status2xx) / total,
		"5xxRate":           float64(r.Status5xx) / total,
		"networkErrorRate":  float64(r.NetworkErrors) / total,
		"unknownStatusRate": float64(r.UnknownStatus) / total,
		"p95":               r.P95Ms,
	}
}

// Runner executes scenarios under profiles.
type Runner struct {
	logger *slog.Logger
	now    func() time.Time
}

// Option configures optional runner collaborators.
type Option func(*Runner)

func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

func NewRunner(opts ...Option) *Runner {
	r := &Runner{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// collector accumulates outcomes across workers.
type collector struct {
	mu        sync.Mutex
	status2xx int
	status5xx int
	network   int
	unknown   int
	latencies []time.Duration
}

func (c *collector) record(status int, err error, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies = append(c.latencies, latency)
	switch {
	case err != nil:
		c.network++
	case status >= 200 && status <= 299:
		c.status2xx++
	case status >= 500 && status <= 599:
		c.status5xx++
	default:
		c.unknown++
	}
}

// Run drives one scenario under one profile. The context cancels pacing
// and in-flight requests; a cancelled run still returns the partial report.
func (r *Runner) Run(ctx context.Context, scenario Scenario, profile Profile) Report {
	limiter := rate.NewLimiter(rate.Limit(profile.RPS), profile.burst())
	col := &collector{latencies: make([]time.Duration, 0, profile.Requests)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(profile.Concurrency)

	r.logger.Info("drill scenario starting",
		"scenario", scenario.Name, "profile", profile.Name,
		"requests", profile.Requests, "rps", profile.RPS, "concurrency", profile.Concurrency)

	start := r.now()
	for i := 0; i < profile.Requests; i++ {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			began := r.now()
			status, err := scenario.Hit(gctx)
			col.record(status, err, r.now().Sub(began))
			return nil
		})
	}
	g.Wait()
	elapsed := r.now().Sub(start)

	report := r.reduce(scenario.Name, profile.Name, col, elapsed)
	r.logger.Info("drill scenario finished",
		"scenario", scenario.Name, "profile", profile.Name,
		"total", report.Total, "status2xx", report.Status2xx, "status5xx", report.Status5xx,
		"networkErrors", report.NetworkErrors, "unknownStatus", report.UnknownStatus,
		"p95Ms", report.P95Ms)
	return report
}

func (r *Runner) reduce(scenario, profile string, col *collector, elapsed time.Duration) Report {
	col.mu.Lock()
	defer col.mu.Unlock()

	report := Report{
		Scenario:      scenario,
		Profile:       profile,
		Total:         len(col.latencies),
		Elapsed:       elapsed.Seconds(),
		Status2xx:     col.status2xx,
		Status5xx:     col.status5xx,
		NetworkErrors: col.network,
		UnknownStatus: col.unknown,
	}
	if report.Total > 0 && elapsed > 0 {
		report.ThroughputPerSecond = float64(report.Total) / elapsed.Seconds()
	}
	report.P50Ms = percentileMs(col.latencies, 50)
	report.P95Ms = percentileMs(col.latencies, 95)
	report.P99Ms = percentileMs(col.latencies, 99)
	return report
}

func percentileMs(latencies []time.Duration, percentile int) float64 {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx]) / float64(time.Millisecond)
}
