// Package gatecheck evaluates release gates: synthetic probes, drill-rate
// policy checks, SLO burn rates, snapshot health, and canary regression
// comparison. The gate and canary commands collect the inputs; everything
// here is either a probe run or a pure evaluation step, so the verdict
// logic stays testable without a deployment.
package gatecheck

import (
	"fmt"
	"net/http"
	"os"

	"gopkg.in/yaml.v2"
)

// Bound is an inclusive range check on one metric. Unset sides are not
// enforced.
type Bound struct {
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`
}

// ScenarioPolicy maps a drill metric name (5xxRate, networkErrorRate,
// unknownStatusRate, 2xxSuccessRate, p95) to its bound.
type ScenarioPolicy map[string]Bound

// Probe is one synthetic request with an expected status.
type Probe struct {
	Name         string `yaml:"name"`
	Method       string `yaml:"method"`
	Path         string `yaml:"path"`
	ExpectStatus int    `yaml:"expect_status"`
	Bearer       bool   `yaml:"bearer"`
}

// SLOPolicy drives the burn-rate checks. Burn rate is the observed error
// rate divided by the SLO's error budget (1 - target); a burn of 1 means
// the budget is being spent exactly on schedule.
type SLOPolicy struct {
	Target2xxRate float64 `yaml:"target_2xx_rate"`
	MaxShortBurn  float64 `yaml:"max_short_burn"`
	MaxLongBurn   float64 `yaml:"max_long_burn"`
}

// CanaryPolicy bounds candidate-vs-control regressions.
type CanaryPolicy struct {
	MaxP95Ratio   float64            `yaml:"max_p95_ratio"`
	MaxP95DeltaMs float64            `yaml:"max_p95_delta_ms"`
	MaxRateDelta  map[string]float64 `yaml:"max_rate_delta"`
}

// SnapshotPolicy bounds what the reliability snapshot may show. Zero
// values are strict: a missing stanza allows nothing degraded.
type SnapshotPolicy struct {
	MaxDegraded     int `yaml:"max_degraded"`
	MaxOpenCircuits int `yaml:"max_open_circuits"`
	MaxDeadLetters  int `yaml:"max_dead_letters"`
}

// Policy is one gate policy file.
type Policy struct {
	Probes    []Probe                   `yaml:"probes"`
	Scenarios map[string]ScenarioPolicy `yaml:"scenarios"`
	SLO       SLOPolicy                 `yaml:"slo"`
	Canary    CanaryPolicy              `yaml:"canary"`
	Snapshot  SnapshotPolicy            `yaml:"snapshot"`
}

// LoadPolicy reads and validates a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var p Policy
	if err := yaml.NewDecoder(f).Decode(&p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return &p, nil
}

func (p *Policy) validate() error {
	for i, probe := range p.Probes {
		if probe.Name == "" || probe.Path == "" {
			return fmt.Errorf("probe %d needs name and path", i)
		}
		if probe.ExpectStatus < 100 || probe.ExpectStatus > 599 {
			return fmt.Errorf("probe %q: expect_status %d out of range", probe.Name, probe.ExpectStatus)
		}
		if probe.Method == "" {
			p.Probes[i].Method = http.MethodGet
		}
	}
	// Zero target means the burn checks are off.
	if t := p.SLO.Target2xxRate; t != 0 && (t < 0 || t >= 1) {
		return fmt.Errorf("slo target_2xx_rate %v must be in [0,1)", t)
	}
	for scenario, sp := range p.Scenarios {
		for metric, bound := range sp {
			if bound.Min == nil && bound.Max == nil {
				return fmt.Errorf("scenario %q metric %q has no bound", scenario, metric)
			}
		}
	}
	return nil
}
