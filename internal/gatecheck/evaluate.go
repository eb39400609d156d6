package gatecheck

import (
	"fmt"
	"math"
	"sort"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/pkg/sdk"
)

// Violation is one failed gate check.
type Violation struct {
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

func (v Violation) String() string { return v.Check + ": " + v.Detail }

func violationf(check, format string, args ...interface{}) Violation {
	return Violation{Check: check, Detail: fmt.Sprintf(format, args...)}
}

// CheckScenario compares one scenario's observed rates with its policy
// bounds. Metrics the policy names but the run did not produce are
// violations too: a silent metric must not pass a gate.
func CheckScenario(scenario string, rates map[string]float64, policy ScenarioPolicy) []Violation {
	var out []Violation
	metrics := make([]string, 0, len(policy))
	for metric := range policy {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	for _, metric := range metrics {
		bound := policy[metric]
		observed, ok := rates[metric]
		if !ok {
			out = append(out, violationf(scenario, "metric %s missing from drill output", metric))
			continue
		}
		if bound.Min != nil && observed < *bound.Min {
			out = append(out, violationf(scenario, "%s=%.4f below min %.4f", metric, observed, *bound.Min))
		}
		if bound.Max != nil && observed > *bound.Max {
			out = append(out, violationf(scenario, "%s=%.4f above max %.4f", metric, observed, *bound.Max))
		}
	}
	return out
}

// BurnRate is the observed error rate over the SLO error budget. Target
// 0.99 and error rate 0.02 burn at 2: the budget would be gone in half the
// period.
func BurnRate(errorRate, target float64) float64 {
	budget := 1 - target
	if budget <= 0 {
		if errorRate > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return errorRate / budget
}

// BurnReport carries both windows' burn rates.
type BurnReport struct {
	ShortBurn float64 `json:"shortBurn"`
	LongBurn  float64 `json:"longBurn"`
}

// CheckBurn evaluates short- and long-window drill rates against the SLO.
// A zero target disables the check.
func CheckBurn(short, long map[string]float64, slo SLOPolicy) (BurnReport, []Violation) {
	if slo.Target2xxRate == 0 {
		return BurnReport{}, nil
	}
	report := BurnReport{
		ShortBurn: BurnRate(1-short["2xxSuccessRate"], slo.Target2xxRate),
		LongBurn:  BurnRate(1-long["2xxSuccessRate"], slo.Target2xxRate),
	}
	var out []Violation
	if slo.MaxShortBurn > 0 && report.ShortBurn > slo.MaxShortBurn {
		out = append(out, violationf("slo_burn", "short-window burn %.2f above %.2f", report.ShortBurn, slo.MaxShortBurn))
	}
	if slo.MaxLongBurn > 0 && report.LongBurn > slo.MaxLongBurn {
		out = append(out, violationf("slo_burn", "long-window burn %.2f above %.2f", report.LongBurn, slo.MaxLongBurn))
	}
	return report, out
}

// CheckSnapshot bounds what the live reliability snapshot may show at
// promotion time.
func CheckSnapshot(snap *sdk.Snapshot, policy SnapshotPolicy) []Violation {
	var out []Violation
	if len(snap.Degraded) > policy.MaxDegraded {
		out = append(out, violationf("snapshot", "degraded sections %v exceed allowed %d", snap.Degraded, policy.MaxDegraded))
	}
	open := 0
	for _, c := range snap.Circuits {
		if c.State == store.CircuitOpen {
			open++
		}
	}
	if open > policy.MaxOpenCircuits {
		out = append(out, violationf("snapshot", "%d circuits open, allowed %d", open, policy.MaxOpenCircuits))
	}
	if dead := snap.Queue.ByStatus[store.JobDeadLetter]; dead > policy.MaxDeadLetters {
		out = append(out, violationf("snapshot", "%d dead-letter jobs, allowed %d", dead, policy.MaxDeadLetters))
	}
	return out
}

// CheckProbes turns failed probes into violations.
func CheckProbes(results []ProbeResult) []Violation {
	var out []Violation
	for _, r := range results {
		if r.OK() {
			continue
		}
		if r.Error != "" {
			out = append(out, violationf("probe", "%s: %s", r.Name, r.Error))
			continue
		}
		out = append(out, violationf("probe", "%s: want %d got %d", r.Name, r.WantStatus, r.GotStatus))
	}
	return out
}

// CompareCanary evaluates candidate rates against control rates. Error
// metrics may not rise more than their allowed delta; the success rate may
// not drop more than its delta; p95 is bounded both as a ratio and as an
// absolute delta so low-latency controls do not mask regressions.
func CompareCanary(control, candidate map[string]float64, policy CanaryPolicy) []Violation {
	var out []Violation

	ctrlP95, candP95 := control["p95"], candidate["p95"]
	if policy.MaxP95Ratio > 0 && ctrlP95 > 0 {
		if ratio := candP95 / ctrlP95; ratio > policy.MaxP95Ratio {
			out = append(out, violationf("canary", "p95 ratio %.2f above %.2f (control %.0fms, candidate %.0fms)",
				ratio, policy.MaxP95Ratio, ctrlP95, candP95))
		}
	}
	if policy.MaxP95DeltaMs > 0 && candP95-ctrlP95 > policy.MaxP95DeltaMs {
		out = append(out, violationf("canary", "p95 delta %.0fms above %.0fms", candP95-ctrlP95, policy.MaxP95DeltaMs))
	}

	metrics := make([]string, 0, len(policy.MaxRateDelta))
	for metric := range policy.MaxRateDelta {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	for _, metric := range metrics {
		allowed := policy.MaxRateDelta[metric]
		delta := candidate[metric] - control[metric]
		if metric == "2xxSuccessRate" {
			// Success regressions are drops, not rises.
			delta = control[metric] - candidate[metric]
		}
		if delta > allowed {
			out = append(out, violationf("canary", "%s regressed by %.4f, allowed %.4f", metric, delta, allowed))
		}
	}
	return out
}

// Outcome is the assembled gate verdict.
type Outcome struct {
	Pass       bool          `json:"pass"`
	Probes     []ProbeResult `json:"probes,omitempty"`
	Burn       *BurnReport   `json:"burn,omitempty"`
	Violations []Violation   `json:"violations,omitempty"`
}

// Assemble folds check results into one verdict.
func Assemble(probes []ProbeResult, burn *BurnReport, violations ...[]Violation) Outcome {
	out := Outcome{Pass: true, Probes: probes, Burn: burn}
	for _, vs := range violations {
		out.Violations = append(out.Violations, vs...)
	}
	if len(out.Violations) > 0 {
		out.Pass = false
	}
	return out
}
