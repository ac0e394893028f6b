package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const testClientID = "rpc-client"

// testIssuer is a minimal OIDC provider: discovery, JWKS and a token endpoint
// that answers codes registered with expectCode.
type testIssuer struct {
	*httptest.Server
	t      *testing.T
	signer jose.Signer
	key    *rsa.PrivateKey

	mu    sync.Mutex
	codes map[string]map[string]any
	// lastVerifier is the PKCE verifier of the last token request.
	lastVerifier string
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	iss := &testIssuer{t: t, signer: signer, key: key, codes: map[string]map[string]any{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                                iss.URL,
			"jwks_uri":                              iss.URL + "/keys",
			"authorization_endpoint":                iss.URL + "/authorize",
			"token_endpoint":                        iss.URL + "/token",
			"response_types_supported":              []string{"code"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &key.PublicKey, Use: "sig", Algorithm: "RS256", KeyID: "test-key"},
		}})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		iss.mu.Lock()
		claims, ok := iss.codes[r.PostForm.Get("code")]
		iss.lastVerifier = r.PostForm.Get("code_verifier")
		iss.mu.Unlock()
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		writeJSON(w, map[string]any{
			"access_token": "access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     iss.sign(claims),
		})
	})
	iss.Server = httptest.NewServer(mux)
	t.Cleanup(iss.Close)
	return iss
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// sign returns an ID token for testClientID carrying extra claims.
func (iss *testIssuer) sign(extra map[string]any) string {
	iss.t.Helper()
	now := time.Now()
	std := jwt.Claims{
		Subject:  "user-1",
		Issuer:   iss.URL,
		Audience: jwt.Audience{testClientID},
		Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
		IssuedAt: jwt.NewNumericDate(now),
	}
	raw, err := jwt.Signed(iss.signer).Claims(std).Claims(extra).Serialize()
	if err != nil {
		iss.t.Fatalf("sign: %v", err)
	}
	return raw
}

// expectCode makes the token endpoint answer code with an ID token carrying claims.
func (iss *testIssuer) expectCode(code string, claims map[string]any) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	iss.codes[code] = claims
}

func (iss *testIssuer) register(t *testing.T, reg *Registry, opts ...OIDCProviderOption) *Provider {
	t.Helper()
	p, err := reg.RegisterOIDCProvider(context.Background(), "test", iss.URL, testClientID, opts...)
	if err != nil {
		t.Fatalf("RegisterOIDCProvider: %v", err)
	}
	return p
}
