package auth

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/modernrpc/endpoint"
	"github.com/mnehpets/modernrpc/middleware"
	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"golang.org/x/oauth2"
)

// DefaultLoginCookieName is the default name of the login state cookie.
const DefaultLoginCookieName = "RPCL"

// LoginHandler logs users into the session with the OIDC authorization code
// flow and PKCE. SessionProcessor then reads the logged-in user on RPC calls.
//
// Routes, relative to basePath:
//
//	GET  login/{provider}?next_url=/path
//	GET  callback/{provider}
//	POST logout?next_url=/path
type LoginHandler struct {
	mux       *http.ServeMux
	registry  *Registry
	cookie    *middleware.SealedCookie
	publicURL string
	basePath  string
	logger    logger.Logger
}

type loginParams struct {
	ProviderID string `path:"provider"`
	NextURL    string `query:"next_url"`
}

type callbackParams struct {
	ProviderID string `path:"provider"`
	State      string `query:"state"`
	Code       string `query:"code"`
	Error      string `query:"error"`
	ErrorDesc  string `query:"error_description"`
}

type logoutParams struct {
	NextURL string `query:"next_url"`
}

// NewLoginHandler creates a LoginHandler. stateCookie holds in-flight flows;
// sessions stores the logged-in user. publicURL is the external base URL used
// to build the callback URL registered with the providers.
func NewLoginHandler(registry *Registry, sessions *middleware.SessionProcessor, stateCookie *middleware.SealedCookie, publicURL, basePath string, parentLogger logger.Logger) *LoginHandler {
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	h := &LoginHandler{
		mux:       http.NewServeMux(),
		registry:  registry,
		cookie:    stateCookie,
		publicURL: strings.TrimRight(publicURL, "/"),
		basePath:  basePath,
	}
	if parentLogger != nil {
		h.logger = parentLogger.GetChild("login")
	}

	h.mux.Handle("GET "+path.Join(basePath, "login", "{provider}"), endpoint.Handler(h.login))
	h.mux.Handle("GET "+path.Join(basePath, "callback", "{provider}"), endpoint.Handler(h.callback, sessions))
	h.mux.Handle("POST "+path.Join(basePath, "logout"), endpoint.Handler(h.logout, sessions))
	return h
}

func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *LoginHandler) provider(id string) (*Provider, error) {
	p, ok := h.registry.Get(id)
	if !ok || !p.CanLogin() {
		return nil, endpoint.Error(http.StatusNotFound, "provider not found", nil)
	}
	return p, nil
}

func (h *LoginHandler) login(w http.ResponseWriter, r *http.Request, params loginParams) (endpoint.Renderer, error) {
	p, err := h.provider(params.ProviderID)
	if err != nil {
		return nil, err
	}

	var state, nonce, verifier string
	for _, s := range []*string{&state, &nonce, &verifier} {
		if *s, err = randomString(); err != nil {
			return nil, endpoint.Error(http.StatusInternalServerError, "failed to generate state", err)
		}
	}

	states := h.readStates(r)
	states.add(state, loginState{
		NextURL:      localURL(params.NextURL),
		Nonce:        nonce,
		PKCEVerifier: verifier,
	}, time.Now())
	if err := h.writeStates(w, states); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to save state", err)
	}

	conf := h.oauthConfig(p)
	redirectURL := conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier), oidc.Nonce(nonce))
	return &endpoint.RedirectRenderer{URL: redirectURL, Status: http.StatusFound}, nil
}

func (h *LoginHandler) callback(w http.ResponseWriter, r *http.Request, params callbackParams) (endpoint.Renderer, error) {
	ctx := r.Context()
	p, err := h.provider(params.ProviderID)
	if err != nil {
		return nil, err
	}

	// A state is usable once, whatever the outcome.
	states := h.readStates(r)
	flow, ok := states.pop(params.State, time.Now())
	if err := h.writeStates(w, states); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to save state", err)
	}
	if !ok {
		return nil, endpoint.Error(http.StatusBadRequest, "invalid state", nil)
	}

	if params.Error != "" {
		h.warn("Provider returned error", params.ProviderID, "error", params.Error, "description", params.ErrorDesc)
		return nil, endpoint.Error(http.StatusBadRequest, "provider returned error", errors.Errorf("%s: %s", params.Error, params.ErrorDesc))
	}

	conf := h.oauthConfig(p)
	token, err := conf.Exchange(ctx, params.Code, oauth2.VerifierOption(flow.PKCEVerifier))
	if err != nil {
		h.warn("Token exchange failed", params.ProviderID, "err", err.Error())
		return nil, endpoint.Error(http.StatusInternalServerError, "token exchange failed", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "no id_token returned", nil)
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		h.warn("ID token verification failed", params.ProviderID, "err", err.Error())
		return nil, endpoint.Error(http.StatusInternalServerError, "id_token verification failed", err)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(flow.Nonce)) != 1 {
		return nil, endpoint.Error(http.StatusBadRequest, "nonce mismatch", nil)
	}

	id, err := p.identity(idToken, "session")
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to read claims", err)
	}
	sess, ok := middleware.SessionFromContext(ctx)
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "no session", nil)
	}
	if err := sess.Login(middleware.Principal{
		Username:    id.Username,
		Groups:      id.Groups,
		Permissions: id.Permissions,
		Superuser:   id.Superuser,
	}); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to start session", err)
	}

	if h.logger != nil {
		h.logger.InfoWith("User logged in", "provider", params.ProviderID, "user", id.Username)
	}
	return &endpoint.RedirectRenderer{URL: flow.NextURL, Status: http.StatusFound}, nil
}

func (h *LoginHandler) logout(w http.ResponseWriter, r *http.Request, params logoutParams) (endpoint.Renderer, error) {
	if sess, ok := middleware.SessionFromContext(r.Context()); ok {
		sess.Logout()
	}
	return &endpoint.RedirectRenderer{URL: localURL(params.NextURL), Status: http.StatusSeeOther}, nil
}

func (h *LoginHandler) oauthConfig(p *Provider) oauth2.Config {
	conf := *p.oauth
	conf.RedirectURL = h.callbackURL(p.ID())
	return conf
}

func (h *LoginHandler) callbackURL(providerID string) string {
	u, err := url.Parse(h.publicURL)
	if err != nil {
		return h.publicURL + path.Join(h.basePath, "callback", providerID)
	}
	u.Path = path.Join(u.Path, h.basePath, "callback", providerID)
	return u.String()
}

// readStates returns the flows stored in the cookie. An unreadable cookie
// counts as empty.
func (h *LoginHandler) readStates(r *http.Request) loginStates {
	states := loginStates{}
	if c, err := r.Cookie(h.cookie.Name); err == nil {
		if err := h.cookie.Decode(c, &states); err != nil {
			return loginStates{}
		}
	}
	return states
}

func (h *LoginHandler) writeStates(w http.ResponseWriter, states loginStates) error {
	if len(states) == 0 {
		http.SetCookie(w, h.cookie.Clear())
		return nil
	}
	c, err := h.cookie.Encode(states, loginStateTTL)
	if err != nil {
		return err
	}
	http.SetCookie(w, c)
	return nil
}

func (h *LoginHandler) warn(message, providerID string, vars ...any) {
	if h.logger != nil {
		h.logger.WarnWith(message, append([]any{"provider", providerID}, vars...)...)
	}
}
