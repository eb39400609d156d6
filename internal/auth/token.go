// Package auth verifies the gateway's bearer tokens. Tokens are minted
// elsewhere as "<userID>:<expiryUnix>:<hex hmac-sha256>" over the first two
// fields; the gateway only ever validates.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed = errors.New("malformed token")
	ErrSignature = errors.New("bad token signature")
	ErrExpired   = errors.New("token expired")
)

// Verifier validates signed bearer tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier builds a Verifier over the shared signing secret.
func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks token and returns the embedded user id. The MAC compare is
// constant-time; expiry is checked only after the signature holds.
func (v *Verifier) Verify(token string) (string, error) {
	i := strings.LastIndex(token, ":")
	if i <= 0 {
		return "", ErrMalformed
	}
	j := strings.LastIndex(token[:i], ":")
	if j <= 0 {
		return "", ErrMalformed
	}
	userID, expStr, macHex := token[:j], token[j+1:i], token[i+1:]
	if userID == "" {
		return "", ErrMalformed
	}

	expiry, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", ErrMalformed
	}
	given, err := hex.DecodeString(macHex)
	if err != nil {
		return "", ErrMalformed
	}

	if !hmac.Equal(given, computeMAC(v.secret, userID, expiry)) {
		return "", ErrSignature
	}
	if v.now().After(time.Unix(expiry, 0)) {
		return "", ErrExpired
	}
	return userID, nil
}

// Sign mints a token for userID valid until expiry. Used by the drill
// harness and tests.
func Sign(secret, userID string, expiry time.Time) string {
	mac := computeMAC([]byte(secret), userID, expiry.Unix())
	return fmt.Sprintf("%s:%d:%s", userID, expiry.Unix(), hex.EncodeToString(mac))
}

func computeMAC(secret []byte, userID string, expiry int64) []byte {
	h := hmac.New(sha256.New, secret)
	fmt.Fprintf(h, "%s:%d", userID, expiry)
	return h.Sum(nil)
}
