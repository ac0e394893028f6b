package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"
)

// loginStates is the payload of the login state cookie, keyed by the state
// parameter sent to the provider.
type loginStates map[string]loginState

// loginState is an in-flight authorization code flow.
type loginState struct {
	NextURL      string    `cbor:"1,keyasint,omitempty"`
	Nonce        string    `cbor:"2,keyasint,omitempty"`
	PKCEVerifier string    `cbor:"3,keyasint,omitempty"`
	ExpiresAt    time.Time `cbor:"4,keyasint,omitempty"`
}

// maxLoginStates bounds concurrent flows per user agent. The oldest is evicted.
const maxLoginStates = 3

const loginStateTTL = 10 * time.Minute

// add drops expired states, evicts the oldest when full and stores s under key.
func (m loginStates) add(key string, s loginState, now time.Time) {
	m.expire(now)
	if len(m) >= maxLoginStates {
		var oldestKey string
		var oldest time.Time
		for k, v := range m {
			if oldestKey == "" || v.ExpiresAt.Before(oldest) {
				oldestKey, oldest = k, v.ExpiresAt
			}
		}
		delete(m, oldestKey)
	}
	s.ExpiresAt = now.Add(loginStateTTL)
	m[key] = s
}

// pop removes and returns the state under key. Expired states are never returned.
func (m loginStates) pop(key string, now time.Time) (loginState, bool) {
	m.expire(now)
	s, ok := m[key]
	if ok {
		delete(m, key)
	}
	return s, ok
}

func (m loginStates) expire(now time.Time) {
	for k, v := range m {
		if !now.Before(v.ExpiresAt) {
			delete(m, k)
		}
	}
}

// randomString returns 32 random bytes, base64url encoded. It is used for the
// state parameter, the OIDC nonce and the PKCE verifier.
func randomString() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// pkceChallenge returns the S256 challenge for verifier.
func pkceChallenge(verifier string) string {
	s := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// localURL returns nextURL when it is a local absolute path, and "/" otherwise.
func localURL(nextURL string) string {
	if !strings.HasPrefix(nextURL, "/") || strings.HasPrefix(nextURL, "//") || strings.HasPrefix(nextURL, "/\\") {
		return "/"
	}
	return nextURL
}
