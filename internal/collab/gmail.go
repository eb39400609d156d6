package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
)

// TokenStore persists OAuth tokens per linked mailbox.
type TokenStore interface {
	SaveToken(ctx context.Context, email string, token *oauth2.Token) error
	Token(ctx context.Context, email string) (*oauth2.Token, error)
}

// MemoryTokenStore keeps tokens in process. Good enough for a single
// region; a multi-region deploy swaps in a database-backed store.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*oauth2.Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*oauth2.Token)}
}

func (s *MemoryTokenStore) SaveToken(_ context.Context, email string, token *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[email] = token
	return nil
}

func (s *MemoryTokenStore) Token(_ context.Context, email string) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[email]
	if !ok {
		return nil, fmt.Errorf("no token stored for %s", email)
	}
	return tok, nil
}

// profileFetcher resolves the mailbox address behind a token. Split out so
// tests do not need Google's endpoints.
type profileFetcher func(ctx context.Context, ts oauth2.TokenSource) (string, error)

// GmailConnector exchanges OAuth authorization codes and records the
// linked mailbox.
type GmailConnector struct {
	oauth   *oauth2.Config
	store   TokenStore
	profile profileFetcher
}

// ConnectorOption configures optional connector collaborators.
type ConnectorOption func(*GmailConnector)

func WithProfileFetcher(fn profileFetcher) ConnectorOption {
	return func(c *GmailConnector) { c.profile = fn }
}

// NewGmailConnector wires the connector from config. Scope is read-only:
// the gateway inspects mailboxes, it never sends from them.
func NewGmailConnector(cfg config.CollabConfig, store TokenStore, opts ...ConnectorOption) *GmailConnector {
	c := &GmailConnector{
		oauth: &oauth2.Config{
			ClientID:     cfg.GmailOAuthClientID,
			ClientSecret: cfg.GmailOAuthClientSecret,
			RedirectURL:  cfg.GmailOAuthRedirectURL,
			Scopes:       []string{gmail.GmailReadonlyScope},
			Endpoint:     google.Endpoint,
		},
		store:   store,
		profile: fetchGmailProfile,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthURL returns the consent page URL for a new link attempt. The state
// value round-trips through Google and back to the callback.
func (c *GmailConnector) AuthURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Connect redeems the authorization code, resolves the mailbox address,
// and persists the token under it.
func (c *GmailConnector) Connect(ctx context.Context, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange authorization code: %w", err)
	}
	email, err := c.profile(ctx, c.oauth.TokenSource(ctx, token))
	if err != nil {
		return "", fmt.Errorf("resolve mailbox profile: %w", err)
	}
	if err := c.store.SaveToken(ctx, email, token); err != nil {
		return "", fmt.Errorf("persist mailbox token: %w", err)
	}
	return email, nil
}

func fetchGmailProfile(ctx context.Context, ts oauth2.TokenSource) (string, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return "", err
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return profile.EmailAddress, nil
}
