package gateway

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/ops"
)

type healthResponse struct {
	Status string             `json:"status"`
	Time   time.Time          `json:"time"`
	Config ops.RedactedConfig `json:"config"`
}

// handleHealth serves readiness plus the redacted config. It sits behind
// the same origin allow-list as chat and its own kill switch so a leaked
// URL never exposes routing policy.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := g.cfg()

	if origin := r.Header.Get("Origin"); origin != "" && !cfg.Server.OriginAllowed(origin) {
		g.writeError(w, http.StatusForbidden, codeForbidden, "origin not allowed")
		return
	}
	if !cfg.Flags.ChatGatewayHealthEnabled {
		g.writeError(w, http.StatusForbidden, codeForbidden, "health endpoint is disabled")
		return
	}

	g.writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Time:   time.Now().UTC(),
		Config: ops.RedactConfig(cfg),
	})
}

// handleSnapshot serves the operator reliability view. Bearer-guarded: the
// snapshot leaks traffic shape, so it needs a real principal even though
// the payload is already redacted.
func (g *Gateway) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	cfg := g.cfg()

	if origin := r.Header.Get("Origin"); origin != "" && !cfg.Server.OriginAllowed(origin) {
		g.writeError(w, http.StatusForbidden, codeForbidden, "origin not allowed")
		return
	}
	if _, err := g.verifier.Verify(bearerToken(r)); err != nil {
		g.writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token")
		return
	}

	q := ops.Query{
		WindowMinutes: queryInt(r, "minutes"),
		Limit:         queryInt(r, "limit"),
	}
	snap := g.snapshots.Reliability(r.Context(), q, cfg)
	g.writeJSON(w, http.StatusOK, snap)
}

// handleProcessKick runs one worker pass over the tool-job queue. Cloud
// Tasks (or the in-process scheduler) calls this with the shared worker
// token; it is not a user-facing endpoint.
func (g *Gateway) handleProcessKick(w http.ResponseWriter, r *http.Request) {
	cfg := g.cfg()

	token := cfg.Server.WorkerKickToken
	if token == "" {
		g.writeError(w, http.StatusServiceUnavailable, codeMisconfigured, "worker kick token is not configured")
		return
	}
	got := r.Header.Get(config.WorkerTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		g.writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid worker token")
		return
	}

	summary := g.queue.ProcessQueue(r.Context(), g.executor, cfg)
	g.logger.Info("worker kick processed",
		"claimed", summary.Claimed,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"skipped", summary.Skipped)
	g.writeJSON(w, http.StatusOK, summary)
}

func queryInt(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
