// Command drill replays synthetic chat traffic against a running gateway
// and reports how every request came back: 2xx, 5xx, transport error, or
// something else. The gate and canary commands consume the JSON form.
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
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/pkg/sdk"
)

func main() {
	baseURL := flag.String("base-url", "http://localhost:8080", "Gateway origin to drill")
	token := flag.String("token", os.Getenv("CHAT_DRILL_TOKEN"), "Bearer token for chat and snapshot calls")
	origin := flag.String("origin", "http://localhost:3000", "Origin header to present")
	profileName := flag.String("profile", "quick", "Load profile ("+strings.Join(drill.Names(), ", ")+")")
	scenarioName := flag.String("scenario", "chat_stream", "Scenario (chat_stream, chat_stream_search, health, reliability_snapshot)")
	timeout := flag.Duration("timeout", 30*time.Second, "Per-request budget for non-streaming calls")
	asJSON := flag.Bool("json", false, "Print the report as JSON instead of text")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	profile, err := drill.Lookup(*profileName)
	if err != nil {
		logger.Error("bad profile", "error", err)
		os.Exit(2)
	}

	client := sdk.New(sdk.Config{
		BaseURL: *baseURL,
		Token:   *token,
		Origin:  *origin,
		Timeout: *timeout,
	})
	scenario, err := drill.ByName(*scenarioName, client)
	if err != nil {
		logger.Error("bad scenario", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report := drill.NewRunner(drill.WithLogger(logger)).Run(ctx, scenario, profile)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			logger.Error("encode report", "error", err)
			os.Exit(1)
		}
		return
	}
	printReport(report)
}

func printReport(rep drill.Report) {
	separator := strings.Repeat("=", 80)
	divider := strings.Repeat("-", 80)

	pct := func(n int) float64 {
		if rep.Total == 0 {
			return 0
		}
		return float64(n) / float64(rep.Total) * 100
	}

	fmt.Println("\n" + separator)
	fmt.Println("📊 DRILL RESULTS")
	fmt.Println(separator)
	fmt.Printf("Scenario:               %s\n", rep.Scenario)
	fmt.Printf("Profile:                %s\n", rep.Profile)
	fmt.Printf("Requests:               %d\n", rep.Total)
	fmt.Printf("Elapsed:                %.2fs\n", rep.Elapsed)
	fmt.Printf("Throughput:             %.2f req/sec\n", rep.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("2xx:                    %d (%.2f%%)\n", rep.Status2xx, pct(rep.Status2xx))
	fmt.Printf("5xx:                    %d (%.2f%%)\n", rep.Status5xx, pct(rep.Status5xx))
	fmt.Printf("Network errors:         %d (%.2f%%)\n", rep.NetworkErrors, pct(rep.NetworkErrors))
	fmt.Printf("Other statuses:         %d (%.2f%%)\n", rep.UnknownStatus, pct(rep.UnknownStatus))
	fmt.Println(divider)
	fmt.Printf("Latency (p50):          %.1fms\n", rep.P50Ms)
	fmt.Printf("Latency (p95):          %.1fms\n", rep.P95Ms)
	fmt.Printf("Latency (p99):          %.1fms\n", rep.P99Ms)
	fmt.Println(separator)
}
