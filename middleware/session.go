// Package middleware provides the sealed-cookie session processor that the
// auth package reads caller identities from.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/mnehpets/modernrpc/endpoint"
)

var ErrNilSession = errors.New("nil session")

// SessionIDBytes is the number of random bytes in a session ID.
const SessionIDBytes = 16

// DefaultSessionPeriod is the default session lifetime.
const DefaultSessionPeriod = 24 * time.Hour

// MaxExtendedPeriod bounds how long a session may live in total, even if continually extended.
const MaxExtendedPeriod = 90 * 24 * time.Hour

// DefaultCookieName is the default name for the session cookie.
const DefaultCookieName = "RPCS"

// Principal is the logged-in user recorded in a session.
type Principal struct {
	Username    string   `cbor:"1,keyasint"`
	Groups      []string `cbor:"2,keyasint,omitempty"`
	Permissions []string `cbor:"3,keyasint,omitempty"`
	Superuser   bool     `cbor:"4,keyasint,omitempty"`
}

// Session is request-scoped session state.
type Session interface {
	// ID returns the session identifier, or "" when nobody is logged in.
	ID() string
	// Principal returns the logged-in user.
	Principal() (Principal, bool)
	// Login starts a fresh session for p, discarding the previous one.
	Login(p Principal) error
	// Logout clears the session.
	Logout()
	// Expires returns the zero time when nobody is logged in.
	Expires() time.Time
}

type sessionData struct {
	ID        string    `cbor:"1,keyasint"`
	Principal Principal `cbor:"2,keyasint"`
	Expires   time.Time `cbor:"3,keyasint"`
	IssuedAt  time.Time `cbor:"4,keyasint"`
}

type session struct {
	data   *sessionData
	period time.Duration
	dirty  bool
}

func (s *session) ID() string {
	if s == nil || s.data == nil {
		return ""
	}
	return s.data.ID
}

func (s *session) Principal() (Principal, bool) {
	if s == nil || s.data == nil {
		return Principal{}, false
	}
	return s.data.Principal, true
}

func (s *session) Login(p Principal) error {
	if s == nil {
		return ErrNilSession
	}
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	// Fresh ID on login prevents session fixation.
	now := time.Now().Truncate(time.Second)
	s.data = &sessionData{
		ID:        base64.RawURLEncoding.EncodeToString(b),
		Principal: p,
		Expires:   now.Add(s.period),
		IssuedAt:  now,
	}
	s.dirty = true
	return nil
}

func (s *session) Logout() {
	if s == nil {
		return
	}
	s.data = nil
	s.dirty = true
}

func (s *session) Expires() time.Time {
	if s == nil || s.data == nil {
		return time.Time{}
	}
	return s.data.Expires
}

// refresh reports whether the session is still valid at now. A valid session
// with less than threshold remaining is extended by period, capped at
// MaxExtendedPeriod after issue.
func (sd *sessionData) refresh(now time.Time, threshold, period time.Duration) (ok, extended bool) {
	if sd.Expires.IsZero() || sd.IssuedAt.IsZero() || !now.Before(sd.Expires) {
		return false, false
	}
	if sd.Expires.Sub(sd.IssuedAt) > MaxExtendedPeriod {
		return false, false
	}
	if sd.Expires.Sub(now) >= threshold {
		return true, false
	}
	next := now.Add(period).Truncate(time.Second)
	if limit := sd.IssuedAt.Add(MaxExtendedPeriod); next.After(limit) {
		next = limit
	}
	if !next.After(sd.Expires) {
		return true, false
	}
	sd.Expires = next
	return true, true
}

type sessionContextKey struct{}

// WithSession stores sess in ctx and returns the derived context.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	if !ok || sess == nil {
		return nil, false
	}
	if s, isSession := sess.(*session); isSession && s == nil {
		return nil, false
	}
	return sess, true
}

// SessionProcessor loads the session cookie, makes the Session available on
// the request context and writes changes back just before headers are sent.
type SessionProcessor struct {
	Cookie          *SealedCookie
	Period          time.Duration
	ExtendThreshold time.Duration
}

// NewSessionProcessor creates a processor storing sessions in a sealed cookie.
func NewSessionProcessor(cookieName, keyID string, keys map[string][]byte, opts ...SealedCookieOption) (*SessionProcessor, error) {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	cookie, err := NewSealedCookie(cookieName, keyID, keys, opts...)
	if err != nil {
		return nil, err
	}
	return &SessionProcessor{
		Cookie:          cookie,
		Period:          DefaultSessionPeriod,
		ExtendThreshold: DefaultSessionPeriod / 4,
	}, nil
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if p.Cookie == nil {
		return errors.New("SessionProcessor requires a SealedCookie")
	}
	period := p.Period
	if period <= 0 {
		period = DefaultSessionPeriod
	}
	sess := &session{period: period}

	if c, err := r.Cookie(p.Cookie.Name); err == nil {
		var data sessionData
		if err := p.Cookie.Decode(c, &data); err != nil {
			// Tampered or stale key: clear it.
			sess.dirty = true
		} else if ok, extended := data.refresh(time.Now(), p.ExtendThreshold, period); ok {
			sess.data = &data
			sess.dirty = extended
		} else {
			sess.dirty = true
		}
	}

	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.save(w, sess)
	})

	return next(w, r.WithContext(WithSession(r.Context(), sess)))
}

func (p *SessionProcessor) save(w http.ResponseWriter, sess *session) {
	if !sess.dirty {
		return
	}
	if sess.data == nil {
		http.SetCookie(w, p.Cookie.Clear())
		return
	}
	remaining := time.Until(sess.data.Expires)
	if remaining <= 0 {
		http.SetCookie(w, p.Cookie.Clear())
		return
	}
	if c, err := p.Cookie.Encode(sess.data, remaining); err == nil {
		http.SetCookie(w, c)
	}
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
var _ Session = (*session)(nil)
