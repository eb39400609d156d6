// Package collab serves the collaborator ingestion surface: Gmail push
// notifications relayed through Pub/Sub, the WhatsApp Business webhook, and
// the Gmail OAuth callback. Collaborator traffic never reaches the chat
// path directly; deliveries that survive the guards are handed to a Sink,
// which by default pre-warms conversation context through the tool-job
// queue.
package collab

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/api/idtoken"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/gateway"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/ratelimit"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/replay"
)

const (
	maxWebhookBodyBytes   = 65_536
	maxCallbackQueryBytes = 2_048

	gmailReplayTTL    = 24 * time.Hour
	whatsAppReplayTTL = 6 * time.Hour

	scopeGmailPush  = "gmail_push"
	scopeWhatsApp   = "whatsapp_webhook"
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
)

// GmailNotification is the decoded Pub/Sub push payload for a mailbox
// change.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
	MessageID    string `json:"-"`
}

// WhatsAppDelivery is one verified webhook batch, kept raw: downstream
// ingestion owns the Graph API schema.
type WhatsAppDelivery struct {
	EntryID string
	Payload json.RawMessage
}

// Sink receives deliveries that passed every guard.
type Sink interface {
	HandleGmail(ctx context.Context, n GmailNotification) error
	HandleWhatsApp(ctx context.Context, d WhatsAppDelivery) error
}

// Connector exchanges an OAuth authorization code for a linked mailbox.
type Connector interface {
	Connect(ctx context.Context, code string) (email string, err error)
}

// Handler mounts the collaborator endpoints.
type Handler struct {
	cfg       func() *config.Config
	limiter   *ratelimit.Limiter
	guard     *replay.Guard
	sink      Sink
	connector Connector
	validate  func(ctx context.Context, token, audience string) error
	logger    *slog.Logger
}

// Option configures optional handler collaborators.
type Option func(*Handler)

func WithConnector(c Connector) Option { return func(h *Handler) { h.connector = c } }
func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.logger = l } }

// WithTokenValidator replaces the Google OIDC validator; tests stub it.
func WithTokenValidator(fn func(ctx context.Context, token, audience string) error) Option {
	return func(h *Handler) { h.validate = fn }
}

// New builds the handler. The sink is required; the connector is optional
// and the callback answers misconfigured until one is wired.
func New(cfg func() *config.Config, limiter *ratelimit.Limiter, guard *replay.Guard, sink Sink, opts ...Option) *Handler {
	h := &Handler{
		cfg:     cfg,
		limiter: limiter,
		guard:   guard,
		sink:    sink,
		logger:  slog.Default(),
		validate: func(ctx context.Context, token, audience string) error {
			_, err := idtoken.Validate(ctx, token, audience)
			return err
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the collaborator surface on r.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/api/gmail/push", h.handleGmailPush).Methods(http.MethodPost)
	r.HandleFunc("/api/whatsapp/webhook", h.handleWhatsAppVerify).Methods(http.MethodGet)
	r.HandleFunc("/api/whatsapp/webhook", h.handleWhatsAppEvent).Methods(http.MethodPost)
	r.HandleFunc("/api/gmail/auth/callback", h.handleGmailCallback).Methods(http.MethodGet)
}

// pubsubEnvelope is the Pub/Sub push wrapper around the Gmail payload.
type pubsubEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// handleGmailPush walks the webhook guard chain: content type, size, OIDC
// audience, schema, rate limit, replay. Duplicates and rate-limit hits on
// an at-least-once transport answer 200/429 deliberately: 200 stops the
// redelivery loop, 429 asks Pub/Sub to back off.
func (h *Handler) handleGmailPush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := h.cfg()

	if !hasJSONContentType(r) {
		writeStatus(w, http.StatusUnsupportedMediaType, "unsupported_media_type")
		return
	}
	if r.ContentLength > maxWebhookBodyBytes {
		writeStatus(w, http.StatusRequestEntityTooLarge, "payload_too_large")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		writeStatus(w, http.StatusRequestEntityTooLarge, "payload_too_large")
		return
	}

	if aud := cfg.Collab.GmailPushAudience; aud != "" {
		if err := h.validate(ctx, bearerToken(r), aud); err != nil {
			h.logger.Warn("gmail push token rejected", "error", err)
			writeStatus(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	var env pubsubEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Message.MessageID == "" {
		writeStatus(w, http.StatusBadRequest, "invalid_envelope")
		return
	}

	decision := h.limiter.CheckAndIncrement(ctx, config.BucketGmailPush, rateKey(env.Subscription), cfg.RateLimits.Rule(config.BucketGmailPush))
	if !decision.Allowed {
		h.limiter.RecordEvent(ctx, "webhook", config.BucketGmailPush, rateKey(env.Subscription), decision.Outcome, "")
		writeRetryAfter(w, decision.RetryAfterMs)
		return
	}

	claim := h.guard.ClaimOrAllow(ctx, scopeGmailPush, env.Message.MessageID, gmailReplayTTL)
	if claim.Duplicate {
		writeStatus(w, http.StatusOK, "duplicate")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	var n GmailNotification
	if err := json.Unmarshal(raw, &n); err != nil || n.EmailAddress == "" {
		writeStatus(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	n.MessageID = env.Message.MessageID

	if err := h.sink.HandleGmail(ctx, n); err != nil {
		h.logger.Warn("gmail delivery handoff failed", "email", n.EmailAddress, "error", err)
		writeRetryAfter(w, 2_000)
		return
	}
	writeStatus(w, http.StatusOK, "accepted")
}

// handleWhatsAppVerify answers the subscription handshake Meta sends when
// the webhook URL is registered.
func (h *Handler) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg()
	q := r.URL.Query()

	if q.Get("hub.mode") != "subscribe" || cfg.Collab.WhatsAppVerifyToken == "" ||
		q.Get("hub.verify_token") != cfg.Collab.WhatsAppVerifyToken {
		writeStatus(w, http.StatusForbidden, "verification_failed")
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

// whatsAppEnvelope carries just enough structure to key the guards; the
// payload stays raw for the sink.
type whatsAppEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID string `json:"id"`
	} `json:"entry"`
}

func (h *Handler) handleWhatsAppEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := h.cfg()

	if !hasJSONContentType(r) {
		writeStatus(w, http.StatusUnsupportedMediaType, "unsupported_media_type")
		return
	}
	if r.ContentLength > maxWebhookBodyBytes {
		writeStatus(w, http.StatusRequestEntityTooLarge, "payload_too_large")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		writeStatus(w, http.StatusRequestEntityTooLarge, "payload_too_large")
		return
	}

	if !h.verifyWhatsAppSignature(r.Header.Get(signatureHeader), body, cfg.Collab.WhatsAppAppSecret) {
		writeStatus(w, http.StatusForbidden, "invalid_signature")
		return
	}

	var env whatsAppEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Object == "" || len(env.Entry) == 0 {
		writeStatus(w, http.StatusBadRequest, "invalid_envelope")
		return
	}
	entryID := env.Entry[0].ID

	decision := h.limiter.CheckAndIncrement(ctx, config.BucketWhatsAppWebhook, rateKey(entryID), cfg.RateLimits.Rule(config.BucketWhatsAppWebhook))
	if !decision.Allowed {
		h.limiter.RecordEvent(ctx, "webhook", config.BucketWhatsAppWebhook, rateKey(entryID), decision.Outcome, "")
		writeRetryAfter(w, decision.RetryAfterMs)
		return
	}

	// Meta retries deliveries without a unique id header; the body digest
	// is the replay key.
	digest := sha256.Sum256(body)
	claim := h.guard.ClaimOrAllow(ctx, scopeWhatsApp, hex.EncodeToString(digest[:]), whatsAppReplayTTL)
	if claim.Duplicate {
		writeStatus(w, http.StatusOK, "duplicate")
		return
	}

	if err := h.sink.HandleWhatsApp(ctx, WhatsAppDelivery{EntryID: entryID, Payload: body}); err != nil {
		h.logger.Warn("whatsapp delivery handoff failed", "entry", entryID, "error", err)
		writeRetryAfter(w, 2_000)
		return
	}
	writeStatus(w, http.StatusOK, "accepted")
}

// verifyWhatsAppSignature checks the sha256= HMAC Meta computes over the
// raw body. No configured secret means no POSTs are accepted.
func (h *Handler) verifyWhatsAppSignature(header string, body []byte, secret string) bool {
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil))
}

// handleGmailCallback finishes the OAuth dance. Every outcome is a 302
// back to the product's integrations page; the query string carries the
// verdict because the browser is mid-redirect and will not read a body.
func (h *Handler) handleGmailCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := h.cfg()

	if len(r.URL.RawQuery) > maxCallbackQueryBytes {
		h.redirect(w, r, cfg, "error", "oversized_query")
		return
	}
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		h.redirect(w, r, cfg, "error", errCode)
		return
	}
	code := q.Get("code")
	if code == "" {
		h.redirect(w, r, cfg, "error", "missing_code")
		return
	}

	decision := h.limiter.CheckAndIncrement(ctx, config.BucketGmailCallback, rateKey(q.Get("state")), cfg.RateLimits.Rule(config.BucketGmailCallback))
	if !decision.Allowed {
		h.redirect(w, r, cfg, "error", "rate_limited")
		return
	}

	if h.connector == nil {
		h.redirect(w, r, cfg, "error", "not_configured")
		return
	}
	email, err := h.connector.Connect(ctx, code)
	if err != nil {
		h.logger.Warn("gmail oauth exchange failed", "error", err)
		h.redirect(w, r, cfg, "error", "exchange_failed")
		return
	}

	h.logger.Info("gmail mailbox linked", "email", email)
	h.redirect(w, r, cfg, "connected", "")
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, cfg *config.Config, status, reason string) {
	target := cfg.Collab.GmailPostAuthURL
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	target += sep + "gmail=" + url.QueryEscape(status)
	if reason != "" {
		target += "&reason=" + url.QueryEscape(reason)
	}
	if state := r.URL.Query().Get("state"); state != "" && len(state) <= 256 {
		target += "&state=" + url.QueryEscape(state)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func hasJSONContentType(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/json")
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func rateKey(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

type statusBody struct {
	Status string `json:"status"`
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	if code >= 400 {
		w.Header().Set(gateway.ErrorCodeHeader, status)
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(statusBody{Status: status})
}

func writeRetryAfter(w http.ResponseWriter, retryAfterMs int64) {
	if retryAfterMs <= 0 {
		retryAfterMs = 1_000
	}
	secs := (retryAfterMs + 999) / 1_000
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeStatus(w, http.StatusTooManyRequests, "rate_limited")
}
