package collab

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/gateway"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/ratelimit"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/replay"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
)

const (
	testVerifyToken = "verify-me"
	testAppSecret   = "wa-app-secret"
	testPostAuthURL = "https://app.example.com/settings/integrations"
)

type recordingSink struct {
	mu       sync.Mutex
	gmail    []GmailNotification
	whatsapp []WhatsAppDelivery
	err      error
}

func (s *recordingSink) HandleGmail(_ context.Context, n GmailNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.gmail = append(s.gmail, n)
	return nil
}

func (s *recordingSink) HandleWhatsApp(_ context.Context, d WhatsAppDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.whatsapp = append(s.whatsapp, d)
	return nil
}

type stubConnector struct {
	email string
	err   error
	codes []string
}

func (c *stubConnector) Connect(_ context.Context, code string) (string, error) {
	c.codes = append(c.codes, code)
	if c.err != nil {
		return "", c.err
	}
	return c.email, nil
}

func collabConfig() *config.Config {
	return &config.Config{
		RateLimits: config.RateLimitConfig{
			Rules: map[string]config.RateRule{
				config.BucketGmailPush:       {Max: 100, WindowMs: 60_000},
				config.BucketWhatsAppWebhook: {Max: 100, WindowMs: 60_000},
				config.BucketGmailCallback:   {Max: 100, WindowMs: 60_000},
			},
		},
		Collab: config.CollabConfig{
			GmailPostAuthURL:    testPostAuthURL,
			WhatsAppVerifyToken: testVerifyToken,
			WhatsAppAppSecret:   testAppSecret,
		},
	}
}

type collabHarness struct {
	cfg    *config.Config
	router *mux.Router
	sink   *recordingSink
}

func newCollabHarness(t *testing.T, opts ...Option) *collabHarness {
	t.Helper()
	st := store.NewMemory()
	logger := slog.Default()
	cfg := collabConfig()
	sink := &recordingSink{}

	h := New(
		func() *config.Config { return cfg },
		ratelimit.New(st),
		replay.NewGuard(st, nil, logger),
		sink,
		opts...,
	)
	r := mux.NewRouter()
	h.Routes(r)
	return &collabHarness{cfg: cfg, router: r, sink: sink}
}

func gmailEnvelope(messageID, email string, historyID uint64) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"emailAddress": email,
		"historyId":    historyID,
	})
	env := map[string]interface{}{
		"message": map[string]interface{}{
			"data":      base64.StdEncoding.EncodeToString(payload),
			"messageId": messageID,
		},
		"subscription": "projects/p/subscriptions/gmail-push",
	}
	raw, _ := json.Marshal(env)
	return string(raw)
}

func postJSON(h *collabHarness, path, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestGmailPushDeliversToSink(t *testing.T) {
	h := newCollabHarness(t)

	w := postJSON(h, "/api/gmail/push", gmailEnvelope("m-1", "user@example.com", 42), nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, h.sink.gmail, 1)
	got := h.sink.gmail[0]
	assert.Equal(t, "user@example.com", got.EmailAddress)
	assert.Equal(t, uint64(42), got.HistoryID)
	assert.Equal(t, "m-1", got.MessageID)
}

func TestGmailPushDuplicateMessageIsAcknowledgedOnce(t *testing.T) {
	h := newCollabHarness(t)

	first := postJSON(h, "/api/gmail/push", gmailEnvelope("m-dup", "user@example.com", 1), nil)
	second := postJSON(h, "/api/gmail/push", gmailEnvelope("m-dup", "user@example.com", 1), nil)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), "duplicate")
	assert.Len(t, h.sink.gmail, 1)
}

func TestGmailPushGuards(t *testing.T) {
	t.Run("content type", func(t *testing.T) {
		h := newCollabHarness(t)
		w := postJSON(h, "/api/gmail/push", gmailEnvelope("m-1", "u@x.com", 1), func(r *http.Request) {
			r.Header.Set("Content-Type", "text/plain")
		})
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
		assert.Equal(t, "unsupported_media_type", w.Header().Get(gateway.ErrorCodeHeader))
	})

	t.Run("oversized body", func(t *testing.T) {
		h := newCollabHarness(t)
		w := postJSON(h, "/api/gmail/push", strings.Repeat("x", maxWebhookBodyBytes+1), nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("missing message id", func(t *testing.T) {
		h := newCollabHarness(t)
		w := postJSON(h, "/api/gmail/push", `{"message":{"data":""},"subscription":"s"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_envelope", w.Header().Get(gateway.ErrorCodeHeader))
	})

	t.Run("garbled inner payload", func(t *testing.T) {
		h := newCollabHarness(t)
		env := `{"message":{"data":"!!!not-base64!!!","messageId":"m-bad"},"subscription":"s"}`
		w := postJSON(h, "/api/gmail/push", env, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_payload", w.Header().Get(gateway.ErrorCodeHeader))
	})

	t.Run("wrong method", func(t *testing.T) {
		h := newCollabHarness(t)
		req := httptest.NewRequest(http.MethodGet, "/api/gmail/push", nil)
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestGmailPushValidatesAudienceWhenConfigured(t *testing.T) {
	var gotToken, gotAudience string
	h := newCollabHarness(t, WithTokenValidator(func(_ context.Context, token, audience string) error {
		gotToken, gotAudience = token, audience
		if token != "good-token" {
			return errors.New("token mismatch")
		}
		return nil
	}))
	h.cfg.Collab.GmailPushAudience = "https://gw.example.com/api/gmail/push"

	denied := postJSON(h, "/api/gmail/push", gmailEnvelope("m-1", "u@x.com", 1), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer bad-token")
	})
	assert.Equal(t, http.StatusForbidden, denied.Code)
	assert.Empty(t, h.sink.gmail)

	allowed := postJSON(h, "/api/gmail/push", gmailEnvelope("m-2", "u@x.com", 2), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer good-token")
	})
	assert.Equal(t, http.StatusOK, allowed.Code)
	assert.Equal(t, "good-token", gotToken)
	assert.Equal(t, "https://gw.example.com/api/gmail/push", gotAudience)
	assert.Len(t, h.sink.gmail, 1)
}

func TestGmailPushRateLimitAsksForBackoff(t *testing.T) {
	h := newCollabHarness(t)
	h.cfg.RateLimits.Rules[config.BucketGmailPush] = config.RateRule{Max: 1, WindowMs: 60_000}

	first := postJSON(h, "/api/gmail/push", gmailEnvelope("m-1", "u@x.com", 1), nil)
	second := postJSON(h, "/api/gmail/push", gmailEnvelope("m-2", "u@x.com", 2), nil)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Len(t, h.sink.gmail, 1)
}

func TestGmailPushSinkFailureRequestsRedelivery(t *testing.T) {
	h := newCollabHarness(t)
	h.sink.err = errors.New("queue unavailable")

	w := postJSON(h, "/api/gmail/push", gmailEnvelope("m-1", "u@x.com", 1), nil)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func signWhatsApp(body string) string {
	mac := hmac.New(sha256.New, []byte(testAppSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func whatsAppBody(entryID, text string) string {
	return fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"id":%q,"changes":[{"value":{"messages":[{"text":{"body":%q}}]}}]}]}`, entryID, text)
}

func TestWhatsAppVerifyHandshake(t *testing.T) {
	h := newCollabHarness(t)

	t.Run("echoes challenge on match", func(t *testing.T) {
		target := "/api/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=" + testVerifyToken + "&hub.challenge=12345"
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "12345", w.Body.String())
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		target := "/api/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345"
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("rejects when no token configured", func(t *testing.T) {
		h.cfg.Collab.WhatsAppVerifyToken = ""
		defer func() { h.cfg.Collab.WhatsAppVerifyToken = testVerifyToken }()
		target := "/api/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=&hub.challenge=9"
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestWhatsAppEventVerifiesSignature(t *testing.T) {
	h := newCollabHarness(t)
	body := whatsAppBody("entry-1", "hola")

	t.Run("valid signature delivers", func(t *testing.T) {
		w := postJSON(h, "/api/whatsapp/webhook", body, func(r *http.Request) {
			r.Header.Set(signatureHeader, signWhatsApp(body))
		})
		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, h.sink.whatsapp, 1)
		assert.Equal(t, "entry-1", h.sink.whatsapp[0].EntryID)
		assert.JSONEq(t, body, string(h.sink.whatsapp[0].Payload))
	})

	t.Run("tampered body rejected", func(t *testing.T) {
		w := postJSON(h, "/api/whatsapp/webhook", body+" ", func(r *http.Request) {
			r.Header.Set(signatureHeader, signWhatsApp(body))
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "invalid_signature", w.Header().Get(gateway.ErrorCodeHeader))
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		w := postJSON(h, "/api/whatsapp/webhook", body, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("no configured secret rejects all posts", func(t *testing.T) {
		h.cfg.Collab.WhatsAppAppSecret = ""
		defer func() { h.cfg.Collab.WhatsAppAppSecret = testAppSecret }()
		w := postJSON(h, "/api/whatsapp/webhook", body, func(r *http.Request) {
			r.Header.Set(signatureHeader, signWhatsApp(body))
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestWhatsAppEventDeduplicatesRedelivery(t *testing.T) {
	h := newCollabHarness(t)
	body := whatsAppBody("entry-1", "same message")
	sig := signWhatsApp(body)

	first := postJSON(h, "/api/whatsapp/webhook", body, func(r *http.Request) { r.Header.Set(signatureHeader, sig) })
	second := postJSON(h, "/api/whatsapp/webhook", body, func(r *http.Request) { r.Header.Set(signatureHeader, sig) })

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), "duplicate")
	assert.Len(t, h.sink.whatsapp, 1)
}

func TestWhatsAppEventRejectsMalformedEnvelope(t *testing.T) {
	h := newCollabHarness(t)
	body := `{"object":"","entry":[]}`

	w := postJSON(h, "/api/whatsapp/webhook", body, func(r *http.Request) {
		r.Header.Set(signatureHeader, signWhatsApp(body))
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_envelope", w.Header().Get(gateway.ErrorCodeHeader))
}

func doCallback(h *collabHarness, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/gmail/auth/callback?"+query, nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func callbackLocation(t *testing.T, w *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return loc
}

func TestGmailCallbackRedirectsOnSuccess(t *testing.T) {
	connector := &stubConnector{email: "linked@example.com"}
	h := newCollabHarness(t, WithConnector(connector))

	w := doCallback(h, "code=auth-code-1&state=nonce-7")

	loc := callbackLocation(t, w)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.Equal(t, "connected", loc.Query().Get("gmail"))
	assert.Equal(t, "nonce-7", loc.Query().Get("state"))
	assert.Equal(t, []string{"auth-code-1"}, connector.codes)
}

func TestGmailCallbackRedirectsOnFailure(t *testing.T) {
	t.Run("provider error param", func(t *testing.T) {
		h := newCollabHarness(t, WithConnector(&stubConnector{email: "x@x.com"}))
		loc := callbackLocation(t, doCallback(h, "error=access_denied"))
		assert.Equal(t, "error", loc.Query().Get("gmail"))
		assert.Equal(t, "access_denied", loc.Query().Get("reason"))
	})

	t.Run("missing code", func(t *testing.T) {
		h := newCollabHarness(t, WithConnector(&stubConnector{email: "x@x.com"}))
		loc := callbackLocation(t, doCallback(h, "state=abc"))
		assert.Equal(t, "error", loc.Query().Get("gmail"))
		assert.Equal(t, "missing_code", loc.Query().Get("reason"))
	})

	t.Run("exchange failure", func(t *testing.T) {
		h := newCollabHarness(t, WithConnector(&stubConnector{err: errors.New("upstream said no")}))
		loc := callbackLocation(t, doCallback(h, "code=c-1"))
		assert.Equal(t, "error", loc.Query().Get("gmail"))
		assert.Equal(t, "exchange_failed", loc.Query().Get("reason"))
	})

	t.Run("no connector wired", func(t *testing.T) {
		h := newCollabHarness(t)
		loc := callbackLocation(t, doCallback(h, "code=c-1"))
		assert.Equal(t, "error", loc.Query().Get("gmail"))
		assert.Equal(t, "not_configured", loc.Query().Get("reason"))
	})
}

func TestGmailCallbackRejectsOversizedQuery(t *testing.T) {
	h := newCollabHarness(t, WithConnector(&stubConnector{email: "x@x.com"}))

	loc := callbackLocation(t, doCallback(h, "code=c-1&state="+strings.Repeat("a", maxCallbackQueryBytes)))

	assert.Equal(t, "error", loc.Query().Get("gmail"))
	assert.Equal(t, "oversized_query", loc.Query().Get("reason"))
	// The oversized state must not be reflected into the redirect.
	assert.Empty(t, loc.Query().Get("state"))
}

func TestGmailCallbackRateLimited(t *testing.T) {
	connector := &stubConnector{email: "x@x.com"}
	h := newCollabHarness(t, WithConnector(connector))
	h.cfg.RateLimits.Rules[config.BucketGmailCallback] = config.RateRule{Max: 1, WindowMs: 60_000}

	first := callbackLocation(t, doCallback(h, "code=c-1&state=s"))
	second := callbackLocation(t, doCallback(h, "code=c-2&state=s"))

	assert.Equal(t, "connected", first.Query().Get("gmail"))
	assert.Equal(t, "error", second.Query().Get("gmail"))
	assert.Equal(t, "rate_limited", second.Query().Get("reason"))
	assert.Equal(t, []string{"c-1"}, connector.codes)
}
