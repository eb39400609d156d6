// Command canary drills a control and a candidate deployment with the
// same scenario at the same time, then holds the candidate to the
// policy's regression bounds. Exit 0 means the candidate may take traffic.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/drill"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/gatecheck"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/pkg/sdk"
)

type comparison struct {
	Control   drill.Report      `json:"control"`
	Candidate drill.Report      `json:"candidate"`
	Outcome   gatecheck.Outcome `json:"outcome"`
}

func main() {
	policyPath := flag.String("policy", "gate.yaml", "YAML gate policy file")
	controlURL := flag.String("control-url", "", "Deployment currently taking traffic")
	candidateURL := flag.String("candidate-url", "", "Deployment under evaluation")
	token := flag.String("token", os.Getenv("CHAT_DRILL_TOKEN"), "Bearer token for chat and snapshot calls")
	origin := flag.String("origin", "http://localhost:3000", "Origin header to present")
	scenarioName := flag.String("scenario", "chat_stream", "Drill scenario to run against both sides")
	profileName := flag.String("profile", "standard", "Load profile for both sides")
	asJSON := flag.Bool("json", false, "Print the comparison as JSON instead of text")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *controlURL == "" || *candidateURL == "" {
		logger.Error("both -control-url and -candidate-url are required")
		os.Exit(2)
	}

	policy, err := gatecheck.LoadPolicy(*policyPath)
	if err != nil {
		logger.Error("load policy", "error", err)
		os.Exit(2)
	}
	profile, err := drill.Lookup(*profileName)
	if err != nil {
		logger.Error("bad profile", "error", err)
		os.Exit(2)
	}

	mkClient := func(base string) *sdk.Client {
		return sdk.New(sdk.Config{BaseURL: base, Token: *token, Origin: *origin, Timeout: 30 * time.Second})
	}
	controlClient := mkClient(*controlURL)
	candidateClient := mkClient(*candidateURL)

	controlScenario, err := drill.ByName(*scenarioName, controlClient)
	if err != nil {
		logger.Error("bad scenario", "error", err)
		os.Exit(2)
	}
	candidateScenario, err := drill.ByName(*scenarioName, candidateClient)
	if err != nil {
		logger.Error("bad scenario", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Candidate routes get probed before any load; a dead route is an
	// instant verdict, not a latency regression.
	var probeResults []gatecheck.ProbeResult
	if len(policy.Probes) > 0 {
		probeResults = gatecheck.NewProber(*candidateURL, *token, *origin).Run(ctx, policy.Probes)
	}
	probeViolations := gatecheck.CheckProbes(probeResults)

	// Both sides run at the same time so they see the same conditions.
	var control, candidate drill.Report
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		control = drill.NewRunner(drill.WithLogger(logger.With("side", "control"))).Run(gctx, controlScenario, profile)
		return nil
	})
	g.Go(func() error {
		candidate = drill.NewRunner(drill.WithLogger(logger.With("side", "candidate"))).Run(gctx, candidateScenario, profile)
		return nil
	})
	_ = g.Wait()

	canaryViolations := gatecheck.CompareCanary(control.Rates(), candidate.Rates(), policy.Canary)
	outcome := gatecheck.Assemble(probeResults, nil, probeViolations, canaryViolations)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(comparison{Control: control, Candidate: candidate, Outcome: outcome}); err != nil {
			logger.Error("encode comparison", "error", err)
			os.Exit(1)
		}
	} else {
		printComparison(control, candidate, outcome)
	}
	if !outcome.Pass {
		os.Exit(1)
	}
}

func printComparison(control, candidate drill.Report, out gatecheck.Outcome) {
	separator := strings.Repeat("=", 80)
	divider := strings.Repeat("-", 80)

	fmt.Println("\n" + separator)
	if out.Pass {
		fmt.Println("✅ CANARY PASS")
	} else {
		fmt.Println("❌ CANARY FAIL")
	}
	fmt.Println(separator)

	ctrl, cand := control.Rates(), candidate.Rates()
	keys := make([]string, 0, len(ctrl))
	for k := range ctrl {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("%-24s %12s %12s\n", "metric", "control", "candidate")
	fmt.Println(divider)
	for _, k := range keys {
		fmt.Printf("%-24s %12.4f %12.4f\n", k, ctrl[k], cand[k])
	}
	fmt.Println(divider)
	for _, p := range out.Probes {
		mark := "ok"
		if !p.OK() {
			mark = "FAIL"
		}
		fmt.Printf("probe %-30s %-4s want=%d got=%d %dms\n", p.Name, mark, p.WantStatus, p.GotStatus, p.LatencyMs)
	}
	for _, v := range out.Violations {
		fmt.Println("violation:", v.String())
	}
	fmt.Println(separator)
}
