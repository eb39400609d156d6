// Command server runs the chat reliability gateway: the SSE chat front,
// the collaboration webhooks, the internal worker endpoint, the ops
// snapshot, and the Prometheus scrape surface, plus the background
// sweep and monitor loops that keep the stores honest.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/admission"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/auth"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/bulkhead"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/circuitbreaker"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/collab"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/events"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/gateway"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/metrics"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/ops"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/provider"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/ratelimit"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/replay"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/tasks"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/telemetry"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/toolcache"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/toolqueue"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/tools"
)

func main() {
	// .env is a local-dev convenience; Cloud Run injects real env vars.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	manager := config.NewManager(5 * time.Second)
	cfg := manager.Get()
	source := func() *config.Config {
		c := manager.Get()
		return &c
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: Postgres when configured, process-local memory otherwise.
	var st store.Store
	backend := "memory"
	if cfg.Server.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			logger.Error("postgres init failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		st = pg
		backend = "postgres"
	} else {
		st = store.NewMemory()
		logger.Warn("DATABASE_URL unset, limits and jobs reset on restart")
	}

	shipper := telemetry.NewShipper(cfg.Telemetry.SentryDSN, logger)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Reliability transitions fan out on the in-memory bus; a configured
	// Pub/Sub topic mirrors them off-process as well.
	var bus events.Emitter
	if cfg.Events.PubSubProjectID != "" && cfg.Events.PubSubTopic != "" {
		pb, err := events.NewPubSubBus(cfg.Events.PubSubProjectID, cfg.Events.PubSubTopic, logger)
		if err != nil {
			logger.Error("pub/sub bus init failed", "error", err)
			os.Exit(1)
		}
		defer pb.Close()
		bus = pb
	} else {
		bus = events.NewBus()
	}

	limiter := ratelimit.New(st,
		ratelimit.WithShipper(shipper),
		ratelimit.WithMetrics(m),
		ratelimit.WithEmitter(bus),
		ratelimit.WithLogger(logger),
	)
	breaker := circuitbreaker.New(st,
		circuitbreaker.WithMetrics(m),
		circuitbreaker.WithEmitter(bus),
		circuitbreaker.WithLogger(logger),
	)
	bulkheads := bulkhead.New(st,
		bulkhead.WithShipper(shipper),
		bulkhead.WithMetrics(m),
		bulkhead.WithEmitter(bus),
		bulkhead.WithLogger(logger),
	)
	guard := replay.NewGuard(st, m, logger)
	cache := toolcache.New(st, logger)

	// Redis is the admission front door. Leaving the URL unset keeps the
	// layer off; the controller treats a nil client as allow-all.
	var rdb redis.Cmdable
	if cfg.Admission.URL != "" {
		client, err := admission.NewRedisClient(cfg.Admission.URL, cfg.Admission.Token)
		if err != nil {
			logger.Error("admission redis init failed", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		rdb = client
	}
	adm := admission.New(rdb,
		admission.WithRecorder(limiter),
		admission.WithMetrics(m),
		admission.WithEmitter(bus),
		admission.WithLogger(logger),
	)

	var scheduler *tasks.Scheduler
	if cfg.Tasks.ProjectID != "" {
		var err error
		scheduler, err = tasks.NewCloud(ctx, cfg.Tasks, cfg.Server.WorkerKickToken, tasks.WithLogger(logger))
		if err != nil {
			logger.Error("cloud tasks init failed", "error", err)
			os.Exit(1)
		}
	} else {
		target := cfg.Tasks.TargetBaseURL
		if target == "" {
			target = "http://127.0.0.1:" + cfg.Server.Port
		}
		scheduler = tasks.NewLocal(target, cfg.Server.WorkerKickToken, tasks.WithLogger(logger))
	}
	defer scheduler.Close()

	queue := toolqueue.New(st,
		toolqueue.WithScheduler(scheduler),
		toolqueue.WithShipper(shipper),
		toolqueue.WithMetrics(m),
		toolqueue.WithEmitter(bus),
		toolqueue.WithWorkerPool(bulkheads),
		toolqueue.WithLogger(logger),
	)
	runner := tools.NewRunner(cache, breaker, bulkheads, logger)
	router := provider.NewRouter(breaker, bulkheads,
		provider.WithMetrics(m),
		provider.WithEmitter(bus),
		provider.WithLogger(logger),
	)
	snapshots := ops.NewService(st, limiter, breaker, bulkheads, guard, cache, ops.WithLogger(logger))
	verifier := auth.NewVerifier(cfg.Server.AuthTokenSecret)

	gw := gateway.New(source, verifier, limiter, adm, router, queue, runner, snapshots,
		gateway.WithMetrics(m),
		gateway.WithLogger(logger),
	)

	sink := collab.NewQueueSink(queue, source, logger)
	collabOpts := []collab.Option{collab.WithLogger(logger)}
	if cfg.Collab.GmailOAuthClientID != "" {
		connector := collab.NewGmailConnector(cfg.Collab, collab.NewMemoryTokenStore())
		collabOpts = append(collabOpts, collab.WithConnector(connector))
	}
	hooks := collab.New(source, limiter, guard, sink, collabOpts...)

	r := mux.NewRouter()
	gw.Routes(r)
	hooks.Routes(r)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	go sweepLoop(ctx, st, logger)
	go monitorLoop(ctx, manager, limiter, queue, logger)
	go workerLoop(ctx, manager, queue, runner, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: chat responses are long-lived SSE streams and
		// a fixed cap would cut them mid-token.
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown (Cloud Run sends SIGTERM).
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
		cancel()
	}()

	logger.Info("chat gateway listening",
		"port", cfg.Server.Port,
		"store", backend,
		"admission", admissionMode(cfg.Admission),
		"queue_enforced", cfg.Flags.ToolQueueEnforce,
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func admissionMode(cfg config.AdmissionConfig) string {
	switch {
	case !cfg.Enabled || cfg.URL == "":
		return "off"
	case cfg.ShadowMode:
		return "shadow"
	default:
		return "enforce"
	}
}

// sweepLoop clears expired rows out of every TTL-bearing table once a
// minute. The stores tolerate missed passes; rows just linger longer.
func sweepLoop(ctx context.Context, st store.Sweepable, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		var total int64
		for _, sweep := range []func(context.Context, time.Time) (int64, error){
			st.DeleteExpiredRateRows,
			st.DeleteExpiredIdempotencyKeys,
			st.DeleteExpiredLeases,
			st.DeleteExpiredToolJobs,
			st.DeleteExpiredQueueAlerts,
			st.DeleteExpiredCacheEntries,
		} {
			n, err := sweep(ctx, now)
			if err != nil {
				logger.Warn("ttl sweep failed", "error", err)
				continue
			}
			total += n
		}
		if total > 0 {
			logger.Debug("ttl sweep", "deleted", total)
		}
	}
}

// monitorLoop runs the queue health scan every minute and the rate-limit
// alert scan every five. Both write idempotent alert rows, so overlapping
// replicas raise each alert once.
func monitorLoop(ctx context.Context, manager *config.Manager, limiter *ratelimit.Limiter, queue *toolqueue.Queue, logger *slog.Logger) {
	queueTick := time.NewTicker(time.Minute)
	rateTick := time.NewTicker(5 * time.Minute)
	defer queueTick.Stop()
	defer rateTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-queueTick.C:
			cfg := manager.Get()
			alerts, err := queue.MonitorQueueHealth(ctx, cfg.ToolQueue)
			if err != nil {
				logger.Warn("queue health scan failed", "error", err)
			} else if len(alerts) > 0 {
				logger.Warn("queue health alerts raised", "count", len(alerts))
			}
		case <-rateTick.C:
			cfg := manager.Get()
			alerts, err := limiter.MonitorAndAlert(ctx, cfg.RateLimits.Alert)
			if err != nil {
				logger.Warn("rate alert scan failed", "error", err)
			} else if len(alerts) > 0 {
				logger.Warn("rate limit alerts raised", "count", len(alerts))
			}
		}
	}
}

// workerLoop is the fallback dispatcher. Scheduled kicks drive fresh jobs
// through the internal endpoint; this loop picks up retry backoffs and
// expired leases whose kick never landed.
func workerLoop(ctx context.Context, manager *config.Manager, queue *toolqueue.Queue, exec toolqueue.Executor, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cfg := manager.Get()
		sum := queue.ProcessQueue(ctx, exec, &cfg)
		if sum.Claimed > 0 {
			logger.Info("queue pass",
				"claimed", sum.Claimed,
				"completed", sum.Completed,
				"failed", sum.Failed,
			)
		}
	}
}
