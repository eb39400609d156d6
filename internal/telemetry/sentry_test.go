package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeURLFromDSN(t *testing.T) {
	got, err := envelopeURLFromDSN("https://abc123@o450.ingest.sentry.io/42")
	require.NoError(t, err)
	assert.Equal(t, "https://o450.ingest.sentry.io/api/42/envelope/", got)

	_, err = envelopeURLFromDSN("https://sentry.io/42") // no key
	assert.Error(t, err)

	_, err = envelopeURLFromDSN("https://abc@sentry.io/") // no project
	assert.Error(t, err)
}

func TestShipperPostsThreeLineEnvelope(t *testing.T) {
	var gotBody string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewShipper("https://key@example.com/7", nil)
	require.True(t, s.Enabled())
	s.envelopeURL = srv.URL // point at the test server

	s.Warn(context.Background(), "bulkhead saturated", map[string]string{"provider": "serper"})

	assert.Equal(t, "application/x-sentry-envelope", gotContentType)
	lines := strings.Split(strings.TrimRight(gotBody, "\n"), "\n")
	require.Len(t, lines, 3)

	var header map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &header))
	assert.Equal(t, "https://key@example.com/7", header["dsn"])

	var item map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &item))
	assert.Equal(t, "event", item["type"])

	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &event))
	assert.Equal(t, "warning", event["level"])
	assert.Equal(t, "bulkhead saturated", event["message"])
	tags := event["tags"].(map[string]any)
	assert.Equal(t, "serper", tags["provider"])
}

func TestDisabledShipperIsSafe(t *testing.T) {
	s := NewShipper("", nil)
	assert.False(t, s.Enabled())
	s.Warn(context.Background(), "ignored", nil) // must not panic

	var nilShipper *Shipper
	assert.False(t, nilShipper.Enabled())
}
