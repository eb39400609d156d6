package sdk

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClientFor(srv *httptest.Server) *Client {
	return New(Config{
		BaseURL: srv.URL + "/",
		Token:   "tok-1",
		Origin:  "https://app.example.com",
		Timeout: 2 * time.Second,
	})
}

func TestChatStreamDecodesFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "https://app.example.com", r.Header.Get("Origin"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"threadId":"t-1"`)

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"type":"provider-route","data":{"providerId":"openrouter","model":"fast-1"}}`+"\n\n")
		io.WriteString(w, `data: {"type":"token","data":"Hel"}`+"\n\n")
		io.WriteString(w, `data: {"type":"token","data":"lo"}`+"\n\n")
		io.WriteString(w, `data: {"type":"done"}`+"\n\n")
	}))
	defer srv.Close()

	stream, err := newClientFor(srv).ChatStream(context.Background(), ChatRequest{ThreadID: "t-1", Content: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	text, events, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	require.Len(t, events, 4)
	assert.Equal(t, EventProviderRoute, events[0].Type)
	assert.Equal(t, EventDone, events[3].Type)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestChatStreamSurfacesGatewayRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(ErrorCodeHeader, "rate_limited")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"code":"rate_limited","message":"slow down","retryAfterMs":1500}`)
	}))
	defer srv.Close()

	_, err := newClientFor(srv).ChatStream(context.Background(), ChatRequest{ThreadID: "t", Content: "x"})

	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "rate_limited", apiErr.Code)
	assert.Equal(t, int64(1500), apiErr.RetryAfterMs)
	assert.True(t, IsRateLimited(err))
}

func TestChatStreamReturnsInStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"type":"token","data":"par"}`+"\n\n")
		io.WriteString(w, `data: {"type":"error","data":{"code":"upstream_timeout","message":"provider stream interrupted"}}`+"\n\n")
	}))
	defer srv.Close()

	stream, err := newClientFor(srv).ChatStream(context.Background(), ChatRequest{ThreadID: "t", Content: "x"})
	require.NoError(t, err)
	defer stream.Close()

	text, _, err := stream.Collect()

	assert.Equal(t, "par", text)
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, "upstream_timeout", apiErr.Code)
}

func TestHealthAndSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/chat/health":
			io.WriteString(w, `{"status":"ok","time":"2026-08-26T10:00:00Z","config":{"regionId":"fra1"}}`)
		case "/api/ops/reliability":
			assert.Equal(t, "15", r.URL.Query().Get("minutes"))
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			io.WriteString(w, `{
				"generatedAt":"2026-08-26T10:00:00Z",
				"windowMinutes":15,
				"circuits":[{"provider":"chat_primary","state":"closed","consecutiveFailures":0}],
				"queue":{"byStatus":{"queued":2},"oldestQueuedAgeMs":1200},
				"degraded":["admission"]
			}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := newClientFor(srv)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Contains(t, string(health.Config), "fra1")

	snap, err := c.Snapshot(context.Background(), SnapshotQuery{WindowMinutes: 15})
	require.NoError(t, err)
	assert.Equal(t, 15, snap.WindowMinutes)
	require.Len(t, snap.Circuits, 1)
	assert.Equal(t, "closed", snap.Circuits[0].State)
	assert.Equal(t, 2, snap.Queue.ByStatus["queued"])
	assert.Equal(t, []string{"admission"}, snap.Degraded)
	assert.Contains(t, string(snap.Raw), "oldestQueuedAgeMs")
}

func TestKickWorkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/tool-jobs/process", r.URL.Path)
		if r.Header.Get("X-Worker-Token") != "worker-secret" {
			w.Header().Set(ErrorCodeHeader, "unauthorized")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"claimed":3,"completed":2,"failed":1}`)
	}))
	defer srv.Close()
	c := newClientFor(srv)

	sum, err := c.KickWorkers(context.Background(), "worker-secret")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Claimed)
	assert.Equal(t, 2, sum.Completed)
	assert.Equal(t, 1, sum.Failed)

	_, err = c.KickWorkers(context.Background(), "wrong")
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "unauthorized", apiErr.Code)
}
