package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/modernrpc/endpoint"
	"github.com/nuclio/errors"
	"golang.org/x/oauth2"
)

// Provider verifies bearer ID tokens issued by one OIDC issuer.
type Provider struct {
	id       string
	verifier *oidc.IDTokenVerifier
	// oauth is set for providers that users can log in with (see LoginHandler).
	oauth *oauth2.Config

	// GroupsClaim names the claim holding the caller's groups. Default "groups".
	GroupsClaim string
	// PermissionsClaim names the claim holding permissions. Default "permissions".
	PermissionsClaim string
	// SuperuserGroup, when set, marks members of that group as superusers.
	SuperuserGroup string
}

// NewProvider creates a Provider around an existing verifier.
func NewProvider(id string, verifier *oidc.IDTokenVerifier) *Provider {
	return &Provider{
		id:               id,
		verifier:         verifier,
		GroupsClaim:      "groups",
		PermissionsClaim: "permissions",
	}
}

// ID returns the provider identifier.
func (p *Provider) ID() string {
	return p.id
}

// Verifier returns the OIDC IDTokenVerifier.
func (p *Provider) Verifier() *oidc.IDTokenVerifier {
	return p.verifier
}

// Identify verifies rawToken and maps its claims onto an Identity.
func (p *Provider) Identify(ctx context.Context, rawToken string) (Identity, error) {
	token, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Anonymous, errors.Wrap(err, "Failed to verify bearer token")
	}
	return p.identity(token, "bearer")
}

// CanLogin reports whether the provider supports the authorization code flow.
func (p *Provider) CanLogin() bool {
	return p.oauth != nil
}

func (p *Provider) identity(token *oidc.IDToken, method string) (Identity, error) {
	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return Anonymous, errors.Wrap(err, "Failed to decode token claims")
	}

	id := Identity{
		Username:    usernameFromClaims(claims, token, p.id),
		Groups:      stringsClaim(claims, p.GroupsClaim),
		Permissions: stringsClaim(claims, p.PermissionsClaim),
		Method:      method,
	}
	if p.SuperuserGroup != "" && id.InGroup(p.SuperuserGroup) {
		id.Superuser = true
	}
	return id, nil
}

// Registry manages the set of registered providers. Lookup order is registration order.
type Registry struct {
	order     []string
	providers map[string]*Provider
}

// NewRegistry creates a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p *Provider) {
	if _, ok := r.providers[p.ID()]; !ok {
		r.order = append(r.order, p.ID())
	}
	r.providers[p.ID()] = p
}

// Get retrieves a provider by ID.
func (r *Registry) Get(id string) (*Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

type oidcOptions struct {
	verifier     oidc.Config
	login        bool
	clientSecret string
	scopes       []string
}

// OIDCProviderOption configures an OIDC provider.
type OIDCProviderOption func(*oidcOptions)

// WithSkipIssuerCheck disables issuer validation in the token verifier.
func WithSkipIssuerCheck() OIDCProviderOption {
	return func(o *oidcOptions) {
		o.verifier.SkipIssuerCheck = true
	}
}

// WithLogin enables browser login through the authorization code flow.
// The openid scope is always requested.
func WithLogin(clientSecret string, scopes ...string) OIDCProviderOption {
	return func(o *oidcOptions) {
		o.login = true
		o.clientSecret = clientSecret
		o.scopes = scopes
	}
}

// RegisterOIDCProvider performs discovery against issuer and registers a
// provider that accepts ID tokens minted for clientID.
func (r *Registry) RegisterOIDCProvider(ctx context.Context, id, issuer, clientID string, opts ...OIDCProviderOption) (*Provider, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to query provider %q", issuer)
	}

	o := &oidcOptions{verifier: oidc.Config{ClientID: clientID}}
	for _, opt := range opts {
		opt(o)
	}

	p := NewProvider(id, provider.Verifier(&o.verifier))
	if o.login {
		scopes := []string{oidc.ScopeOpenID}
		for _, scope := range o.scopes {
			if scope != oidc.ScopeOpenID {
				scopes = append(scopes, scope)
			}
		}
		p.oauth = &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: o.clientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		}
	}
	r.Register(p)
	return p, nil
}

// BearerProcessor attaches the identity of an `Authorization: Bearer` caller
// whose token verifies against one of the registered providers.
type BearerProcessor struct {
	Registry *Registry
}

func NewBearerProcessor(registry *Registry) *BearerProcessor {
	return &BearerProcessor{Registry: registry}
}

// Process implements endpoint.Processor.
func (p *BearerProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	return extract(w, r, next, func(r *http.Request) (Identity, bool) {
		raw, ok := bearerToken(r)
		if !ok || p.Registry == nil {
			return Anonymous, false
		}
		for _, providerID := range p.Registry.order {
			id, err := p.Registry.providers[providerID].Identify(r.Context(), raw)
			if err == nil {
				return id, true
			}
		}
		return Anonymous, false
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GetStableID returns a stable identifier for the user based on the provider ID and the subject claim.
// Format: "provider:subject"
func GetStableID(token *oidc.IDToken, providerID string) string {
	if token == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", providerID, token.Subject)
}

func usernameFromClaims(claims map[string]any, token *oidc.IDToken, providerID string) string {
	if name, ok := claims["preferred_username"].(string); ok && name != "" {
		return name
	}
	if verified, _ := claims["email_verified"].(bool); verified {
		if email, ok := claims["email"].(string); ok && email != "" {
			return email
		}
	}
	return GetStableID(token, providerID)
}

func stringsClaim(claims map[string]any, name string) []string {
	if name == "" {
		return nil
	}
	switch v := claims[name].(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

var _ endpoint.Processor = (*BearerProcessor)(nil)
