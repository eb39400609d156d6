// Package gateway is the HTTP front of the chat service. Every request
// walks the same guard chain: method, origin, content negotiation, body
// cap, bearer auth, schema validation, fixed-window rate limit, Redis
// admission, then provider routing with the response streamed back as
// server-sent events. Each shedding layer answers with its own error code
// and retry hint so clients can tell saturation apart from sickness.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/admission"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/auth"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/metrics"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/ops"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/provider"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/ratelimit"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/toolqueue"
)

// ConfigSource yields the live config for one request. The server passes
// the memoizing manager; tests hand back literals.
type ConfigSource func() *config.Config

// Gateway holds the request-path collaborators.
type Gateway struct {
	cfg       ConfigSource
	verifier  *auth.Verifier
	limiter   *ratelimit.Limiter
	admission *admission.Controller
	router    *provider.Router
	queue     *toolqueue.Queue
	executor  toolqueue.Executor
	snapshots *ops.Service
	metrics   *metrics.Metrics
	validate  *validator.Validate
	logger    *slog.Logger
}

// Option configures optional gateway collaborators.
type Option func(*Gateway)

func WithMetrics(m *metrics.Metrics) Option { return func(g *Gateway) { g.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(g *Gateway) { g.logger = l } }

// New wires the gateway. The executor runs tool jobs for the internal
// worker endpoint and for direct execution when the queue flag is off.
func New(cfg ConfigSource, verifier *auth.Verifier, limiter *ratelimit.Limiter, adm *admission.Controller, router *provider.Router, queue *toolqueue.Queue, executor toolqueue.Executor, snapshots *ops.Service, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		verifier:  verifier,
		limiter:   limiter,
		admission: adm,
		router:    router,
		queue:     queue,
		executor:  executor,
		snapshots: snapshots,
		validate:  validator.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Routes registers the HTTP surface on r. The custom not-found and
// method-not-allowed handlers keep the error-code header contract on
// responses mux would otherwise write bare.
func (g *Gateway) Routes(r *mux.Router) {
	r.NotFoundHandler = http.HandlerFunc(g.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(g.handleMethodNotAllowed)

	r.Use(g.recoverMiddleware)
	r.Use(g.observeMiddleware)
	r.Use(g.corsMiddleware)

	r.HandleFunc("/api/chat", g.handleChat).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/chat/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/ops/reliability", g.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/internal/tool-jobs/process", g.handleProcessKick).Methods(http.MethodPost)
}

func (g *Gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	g.writeError(w, http.StatusNotFound, codeNotFound, "no such route")
}

func (g *Gateway) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	g.writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, r.Method+" is not supported here")
}

// corsMiddleware reflects allow-listed origins and answers preflights.
// A disallowed origin still gets its 204, just without the CORS grant.
func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && g.cfg().Server.OriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		elapsed := time.Since(start)
		g.metrics.ObserveHTTP(r.Method, path, rec.status, elapsed)
		g.logger.Info("http request",
			"method", r.Method,
			"path", path,
			"status", rec.status,
			"elapsed_ms", elapsed.Milliseconds())
	})
}

func (g *Gateway) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				g.logger.Error("handler panicked", "path", r.URL.Path, "panic", rec)
				g.writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for access logs and metrics
// while keeping the flusher visible to streaming handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
