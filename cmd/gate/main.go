// Command gate is the deploy gate: it probes a deployment's routes, runs
// a short and a long drill window, pulls the reliability snapshot, and
// evaluates everything against a YAML policy. Exit 0 means promote.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/drill"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/gatecheck"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/pkg/sdk"
)

func main() {
	policyPath := flag.String("policy", "gate.yaml", "YAML gate policy file")
	baseURL := flag.String("base-url", "http://localhost:8080", "Deployment to evaluate")
	token := flag.String("token", os.Getenv("CHAT_DRILL_TOKEN"), "Bearer token for chat and snapshot calls")
	origin := flag.String("origin", "http://localhost:3000", "Origin header to present")
	scenarioName := flag.String("scenario", "chat_stream", "Drill scenario to run through both windows")
	shortProfile := flag.String("short-profile", "quick", "Profile for the short burn window")
	longProfile := flag.String("long-profile", "standard", "Profile for the long burn window")
	minutes := flag.Int("snapshot-minutes", 15, "Reliability snapshot window in minutes")
	asJSON := flag.Bool("json", false, "Print the verdict as JSON instead of text")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	policy, err := gatecheck.LoadPolicy(*policyPath)
	if err != nil {
		logger.Error("load policy", "error", err)
		os.Exit(2)
	}

	client := sdk.New(sdk.Config{
		BaseURL: *baseURL,
		Token:   *token,
		Origin:  *origin,
		Timeout: 30 * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Probes go first so a dead route shows up before any load does.
	var probeResults []gatecheck.ProbeResult
	if len(policy.Probes) > 0 {
		probeResults = gatecheck.NewProber(*baseURL, *token, *origin).Run(ctx, policy.Probes)
	}
	probeViolations := gatecheck.CheckProbes(probeResults)

	short, long, err := runWindows(ctx, client, *scenarioName, *shortProfile, *longProfile, logger)
	if err != nil {
		logger.Error("drill windows", "error", err)
		os.Exit(2)
	}

	// Scenario bounds judge the long window; the short one exists to
	// catch fast burns, not to be statistically meaningful on its own.
	scenarioViolations := gatecheck.CheckScenario(*scenarioName, long.Rates(), policy.Scenarios[*scenarioName])

	burn, burnViolations := gatecheck.CheckBurn(short.Rates(), long.Rates(), policy.SLO)
	var burnReport *gatecheck.BurnReport
	if policy.SLO.Target2xxRate > 0 {
		burnReport = &burn
	}

	var snapViolations []gatecheck.Violation
	snap, err := client.Snapshot(ctx, sdk.SnapshotQuery{WindowMinutes: *minutes})
	if err != nil {
		snapViolations = []gatecheck.Violation{{Check: "snapshot", Detail: "fetch failed: " + err.Error()}}
	} else {
		snapViolations = gatecheck.CheckSnapshot(snap, policy.Snapshot)
	}

	outcome := gatecheck.Assemble(probeResults, burnReport,
		probeViolations, scenarioViolations, burnViolations, snapViolations)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome); err != nil {
			logger.Error("encode outcome", "error", err)
			os.Exit(1)
		}
	} else {
		printOutcome(outcome)
	}
	if !outcome.Pass {
		os.Exit(1)
	}
}

func runWindows(ctx context.Context, client *sdk.Client, scenario, shortName, longName string, logger *slog.Logger) (drill.Report, drill.Report, error) {
	shortProfile, err := drill.Lookup(shortName)
	if err != nil {
		return drill.Report{}, drill.Report{}, err
	}
	longProfile, err := drill.Lookup(longName)
	if err != nil {
		return drill.Report{}, drill.Report{}, err
	}
	sc, err := drill.ByName(scenario, client)
	if err != nil {
		return drill.Report{}, drill.Report{}, err
	}

	runner := drill.NewRunner(drill.WithLogger(logger))
	short := runner.Run(ctx, sc, shortProfile)
	long := runner.Run(ctx, sc, longProfile)
	return short, long, nil
}

func printOutcome(out gatecheck.Outcome) {
	separator := strings.Repeat("=", 80)

	fmt.Println("\n" + separator)
	if out.Pass {
		fmt.Println("✅ GATE PASS")
	} else {
		fmt.Println("❌ GATE FAIL")
	}
	fmt.Println(separator)
	for _, p := range out.Probes {
		mark := "ok"
		if !p.OK() {
			mark = "FAIL"
		}
		fmt.Printf("probe %-30s %-4s want=%d got=%d %dms\n", p.Name, mark, p.WantStatus, p.GotStatus, p.LatencyMs)
	}
	if out.Burn != nil {
		fmt.Printf("burn rates: short=%.2f long=%.2f\n", out.Burn.ShortBurn, out.Burn.LongBurn)
	}
	for _, v := range out.Violations {
		fmt.Println("violation:", v.String())
	}
	fmt.Println(separator)
}
