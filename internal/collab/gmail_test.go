package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
)

func oauthCollabConfig(redirectURL string) config.CollabConfig {
	return config.CollabConfig{
		GmailOAuthClientID:     "client-id",
		GmailOAuthClientSecret: "client-secret",
		GmailOAuthRedirectURL:  redirectURL,
	}
}

// newTokenServer fakes Google's token endpoint and records the exchanged
// code.
func newTokenServer(t *testing.T, gotCode *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		*gotCode = r.Form.Get("code")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGmailConnectorLinksMailbox(t *testing.T) {
	var gotCode string
	srv := newTokenServer(t, &gotCode)

	tokens := NewMemoryTokenStore()
	c := NewGmailConnector(oauthCollabConfig("https://gw.example.com/api/gmail/auth/callback"), tokens,
		WithProfileFetcher(func(_ context.Context, ts oauth2.TokenSource) (string, error) {
			tok, err := ts.Token()
			require.NoError(t, err)
			assert.Equal(t, "at-1", tok.AccessToken)
			return "user@example.com", nil
		}))
	c.oauth.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}

	email, err := c.Connect(context.Background(), "auth-code-9")

	require.NoError(t, err)
	assert.Equal(t, "user@example.com", email)
	assert.Equal(t, "auth-code-9", gotCode)

	stored, err := tokens.Token(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", stored.RefreshToken)
}

func TestGmailConnectorPropagatesProfileFailure(t *testing.T) {
	var gotCode string
	srv := newTokenServer(t, &gotCode)

	tokens := NewMemoryTokenStore()
	c := NewGmailConnector(oauthCollabConfig("https://gw.example.com/cb"), tokens,
		WithProfileFetcher(func(_ context.Context, _ oauth2.TokenSource) (string, error) {
			return "", errors.New("profile api down")
		}))
	c.oauth.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}

	_, err := c.Connect(context.Background(), "auth-code")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve mailbox profile")
	_, err = tokens.Token(context.Background(), "user@example.com")
	assert.Error(t, err)
}

func TestGmailConnectorExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	c := NewGmailConnector(oauthCollabConfig("https://gw.example.com/cb"), NewMemoryTokenStore())
	c.oauth.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}

	_, err := c.Connect(context.Background(), "stale-code")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange authorization code")
}

func TestGmailConnectorAuthURL(t *testing.T) {
	c := NewGmailConnector(oauthCollabConfig("https://gw.example.com/cb"), NewMemoryTokenStore())

	raw := c.AuthURL("nonce-1")

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "nonce-1", q.Get("state"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.True(t, strings.Contains(q.Get("scope"), "gmail.readonly"))
}

func TestMemoryTokenStoreMissingMailbox(t *testing.T) {
	tokens := NewMemoryTokenStore()
	_, err := tokens.Token(context.Background(), "nobody@example.com")
	assert.Error(t, err)
}
