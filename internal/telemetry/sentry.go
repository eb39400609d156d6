package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Shipper posts warning/error envelopes directly to a Sentry-compatible
// ingest endpoint. Shipping is strictly best-effort: every failure is
// logged and swallowed so alerting can never take a request down with it.
type Shipper struct {
	dsn         string
	envelopeURL string
	client      *http.Client
	logger      *slog.Logger
}

// NewShipper parses the DSN and returns a ready shipper. An empty or
// malformed DSN yields a disabled shipper, which is safe to call.
func NewShipper(dsn string, logger *slog.Logger) *Shipper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Shipper{dsn: dsn, logger: logger, client: &http.Client{Timeout: 3 * time.Second}}
	if dsn == "" {
		return s
	}
	envelopeURL, err := envelopeURLFromDSN(dsn)
	if err != nil {
		logger.Warn("telemetry disabled: bad dsn", "error", err)
		return s
	}
	s.envelopeURL = envelopeURL
	return s
}

// Enabled reports whether envelopes will actually be sent.
func (s *Shipper) Enabled() bool {
	return s != nil && s.envelopeURL != ""
}

// Warn ships a warning-level event with the given tags.
func (s *Shipper) Warn(ctx context.Context, message string, tags map[string]string) {
	s.ship(ctx, "warning", message, tags)
}

// Error ships an error-level event with the given tags.
func (s *Shipper) Error(ctx context.Context, message string, tags map[string]string) {
	s.ship(ctx, "error", message, tags)
}

func (s *Shipper) ship(ctx context.Context, level, message string, tags map[string]string) {
	if !s.Enabled() {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	header, _ := json.Marshal(map[string]string{"dsn": s.dsn, "sent_at": now})
	itemHeader, _ := json.Marshal(map[string]string{"type": "event"})
	payload, _ := json.Marshal(map[string]any{
		"event_id":  strings.ReplaceAll(uuid.NewString(), "-", ""),
		"timestamp": now,
		"platform":  "go",
		"level":     level,
		"message":   message,
		"tags":      tags,
	})

	var body bytes.Buffer
	body.Write(header)
	body.WriteByte('\n')
	body.Write(itemHeader)
	body.WriteByte('\n')
	body.Write(payload)
	body.WriteByte('\n')

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.envelopeURL, &body)
	if err != nil {
		s.logger.Warn("telemetry envelope build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-sentry-envelope")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("telemetry envelope post failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("telemetry envelope rejected", "status", resp.StatusCode)
	}
}

// envelopeURLFromDSN converts https://<key>@<host>/<project> into the
// envelope ingest URL https://<host>/api/<project>/envelope/.
func envelopeURLFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Host == "" || u.User == nil || u.User.Username() == "" {
		return "", &url.Error{Op: "parse", URL: dsn, Err: errMissingParts}
	}
	project := strings.Trim(u.Path, "/")
	if project == "" {
		return "", &url.Error{Op: "parse", URL: dsn, Err: errMissingParts}
	}
	// Nested paths keep their prefix: /ingest/42 -> /ingest/api/42/envelope/.
	prefix := ""
	if idx := strings.LastIndex(project, "/"); idx >= 0 {
		prefix = "/" + project[:idx]
		project = project[idx+1:]
	}
	return u.Scheme + "://" + u.Host + prefix + "/api/" + project + "/envelope/", nil
}

var errMissingParts = &dsnError{"dsn missing key, host, or project"}

type dsnError struct{ msg string }

func (e *dsnError) Error() string { return e.msg }
