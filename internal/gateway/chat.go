package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/admission"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/provider"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/ratelimit"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/toolqueue"
)

const (
	maxChatBodyBytes   = 65_536
	maxStreamLineBytes = 1 << 20
)

// Stream event types.
const (
	eventProviderRoute   = "provider-route"
	eventToken           = "token"
	eventToolCallStarted = "tool-call-started"
	eventToolPartial     = "tool-output-partially-available"
	eventToolBackpress   = "tool-backpressure"
	eventError           = "error"
	eventDone            = "done"
)

type chatRequest struct {
	ThreadID  string `json:"threadId" validate:"required,min=1,max=128"`
	Content   string `json:"content" validate:"required,min=1,max=32000"`
	ModelID   string `json:"modelId" validate:"omitempty,max=128"`
	WebSearch bool   `json:"webSearch"`
}

// handleChat runs the guard chain in shedding order: cheap checks first,
// Redis admission last before the provider call. Once the stream starts
// the status code is committed, so every upstream failure after that point
// travels as an error event instead of a status.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := g.cfg()

	if origin := r.Header.Get("Origin"); origin != "" && !cfg.Server.OriginAllowed(origin) {
		g.writeError(w, http.StatusForbidden, codeForbidden, "origin not allowed")
		return
	}
	if !cfg.Flags.ChatGatewayEnabled {
		g.writeError(w, http.StatusServiceUnavailable, codeMisconfigured, "chat gateway is disabled")
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		g.writeError(w, http.StatusUnsupportedMediaType, codeUnsupportedMedia, "Content-Type must be application/json")
		return
	}
	if r.ContentLength > maxChatBodyBytes {
		g.writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "request body exceeds 64KiB")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)

	userID, err := g.verifier.Verify(bearerToken(r))
	if err != nil {
		g.writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "request body exceeds 64KiB")
			return
		}
		g.writeError(w, http.StatusBadRequest, codeInvalidJSON, "body is not valid JSON")
		return
	}
	if err := g.validate.Struct(req); err != nil {
		g.writeInvalidRequest(w, err)
		return
	}

	sessionKey := "session:" + req.ThreadID
	decision := g.limiter.CheckAndIncrement(ctx, config.BucketChatStream, sessionKey, cfg.RateLimits.Rule(config.BucketChatStream))
	if !decision.Allowed {
		g.limiter.RecordEvent(ctx, "http", config.BucketChatStream, sessionKey, decision.Outcome, rateReason(decision))
		if !cfg.Flags.ChatGatewayShadow {
			g.writeRateLimited(w, "too many requests for this session", decision.RetryAfterMs)
			return
		}
		g.logger.Warn("shadow mode, rate limit not enforced", "session", sessionKey, "outcome", decision.Outcome)
	}

	adm := g.admission.Acquire(ctx, admission.Request{
		Principal:  userID,
		Enforce:    cfg.Flags.AdmissionEnforce,
		FailClosed: cfg.Flags.FailClosedOnRedisError,
	}, cfg.Admission)
	if !adm.Allowed {
		g.writeRateLimited(w, "admission denied: "+adm.Reason, adm.RetryAfterMs)
		return
	}
	if adm.Ticket != nil {
		// The ticket must go back even when the client hangs up mid-stream.
		releaseCtx := context.WithoutCancel(ctx)
		defer g.admission.Release(releaseCtx, adm.Ticket)
	}

	var pre []streamFrame
	var searchContext string
	if req.WebSearch {
		pre, searchContext = g.searchPhase(ctx, req.Content, cfg)
	}

	res, err := g.router.Execute(ctx, provider.Request{
		RequestedModel: req.ModelID,
		Payload:        map[string]interface{}{"messages": buildMessages(req.Content, searchContext)},
	}, cfg)
	if err != nil {
		g.writeUpstreamError(w, err)
		return
	}
	defer res.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, http.StatusInternalServerError, codeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &streamWriter{w: w, flusher: flusher, metrics: g.metrics}
	sw.send(eventProviderRoute, res.Route)
	for _, frame := range pre {
		sw.send(frame.eventType, frame.data)
	}
	g.proxyStream(ctx, sw, res.Body)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// rateReason labels the blocked-event record so the snapshot can split
// real cap hits from CAS-contention fallbacks.
func rateReason(d ratelimit.Decision) string {
	if d.Outcome == store.OutcomeContentionFallback {
		return "store_contention"
	}
	return "window_exhausted"
}

func buildMessages(content, searchContext string) []map[string]interface{} {
	messages := make([]map[string]interface{}, 0, 2)
	if searchContext != "" {
		messages = append(messages, map[string]interface{}{
			"role":    "system",
			"content": "Ground your answer in these search results:\n" + searchContext,
		})
	}
	return append(messages, map[string]interface{}{"role": "user", "content": content})
}

type streamFrame struct {
	eventType string
	data      interface{}
}

// searchPhase runs the web-search tool ahead of the provider call. The
// frames it returns are flushed right after provider-route; completed
// results come back as context for the model, anything slower degrades to
// a partial-output or backpressure frame while chat continues.
func (g *Gateway) searchPhase(ctx context.Context, query string, cfg *config.Config) ([]streamFrame, string) {
	frames := []streamFrame{{eventType: eventToolCallStarted, data: map[string]interface{}{"tool": config.ToolSearchWeb}}}

	args, err := json.Marshal(map[string]interface{}{"query": query})
	if err != nil {
		return frames, ""
	}

	if !cfg.Flags.ToolQueueEnforce {
		result, err := g.executor.Execute(ctx, config.ToolSearchWeb, string(args), cfg)
		if err != nil {
			g.logger.Warn("direct search failed", "error", err)
			return frames, ""
		}
		return frames, string(result)
	}

	wait := g.queue.EnqueueAndWait(ctx, store.JobSourceChatHTTP, config.ToolSearchWeb, string(args), cfg)
	switch wait.Status {
	case toolqueue.WaitCompleted:
		return frames, string(wait.Result)
	case toolqueue.WaitTimeout:
		frames = append(frames, streamFrame{eventType: eventToolPartial, data: map[string]interface{}{
			"jobId":  wait.JobID,
			"status": "pending",
		}})
	}
	if wait.Backpressure != nil {
		frames = append(frames, streamFrame{eventType: eventToolBackpress, data: wait.Backpressure})
	} else if wait.Status == toolqueue.WaitFailed {
		g.logger.Warn("search job failed", "job_id", wait.JobID, "error", wait.LastError)
	}
	return frames, ""
}

type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	metrics interface{ RecordStreamEvent(string) }
}

func (s *streamWriter) send(eventType string, data interface{}) {
	frame := map[string]interface{}{"type": eventType}
	if data != nil {
		frame["data"] = data
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", raw)
	s.flusher.Flush()
	s.metrics.RecordStreamEvent(eventType)
}

// proxyStream relays the upstream SSE body as token events until [DONE] or
// EOF. Read failures surface as an in-stream error event; the HTTP status
// is long gone by then.
func (g *Gateway) proxyStream(ctx context.Context, sw *streamWriter, body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			sw.send(eventDone, nil)
			return
		}
		if token, ok := extractDelta(payload); ok {
			sw.send(eventToken, token)
		}
	}

	if err := scanner.Err(); err != nil {
		code := provider.CodeError
		if ctx.Err() != nil {
			code = provider.CodeTimeout
		}
		g.logger.Warn("provider stream interrupted", "code", code, "error", err)
		sw.send(eventError, map[string]interface{}{"code": code, "message": "provider stream interrupted"})
		return
	}
	sw.send(eventDone, nil)
}

// extractDelta pulls the incremental text out of one upstream chunk.
func extractDelta(payload string) (string, bool) {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return "", false
	}
	return chunk.Choices[0].Delta.Content, true
}
