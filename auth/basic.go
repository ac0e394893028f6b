package auth

import (
	"net/http"
	"sync"

	"github.com/mnehpets/modernrpc/endpoint"
	"github.com/nuclio/errors"
	"golang.org/x/crypto/bcrypt"
)

// User is an entry of a PasswordStore.
type User struct {
	Username     string
	PasswordHash []byte
	Groups       []string
	Permissions  []string
	Superuser    bool
}

// PasswordStore holds bcrypt password hashes for HTTP Basic authentication.
type PasswordStore struct {
	mu    sync.RWMutex
	users map[string]User
	cost  int
}

// NewPasswordStore creates an empty store. A cost of 0 uses bcrypt.DefaultCost.
func NewPasswordStore(cost int) *PasswordStore {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &PasswordStore{users: map[string]User{}, cost: cost}
}

// SetPassword hashes password and stores the user, replacing any previous entry.
func (s *PasswordStore) SetPassword(u User, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return errors.Wrapf(err, "Failed to hash password for %q", u.Username)
	}
	u.PasswordHash = hash
	return s.Add(u)
}

// Add stores a user whose PasswordHash is already a bcrypt hash.
func (s *PasswordStore) Add(u User) error {
	if u.Username == "" {
		return errors.New("Username must not be empty")
	}
	if _, err := bcrypt.Cost(u.PasswordHash); err != nil {
		return errors.Wrapf(err, "Invalid password hash for %q", u.Username)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
	return nil
}

// Verify checks the credentials and returns the matching identity.
func (s *PasswordStore) Verify(username, password string) (Identity, bool) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return Anonymous, false
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return Anonymous, false
	}
	return Identity{
		Username:    u.Username,
		Groups:      u.Groups,
		Permissions: u.Permissions,
		Superuser:   u.Superuser,
		Method:      "basic",
	}, true
}

// BasicAuthProcessor attaches the identity of an `Authorization: Basic` caller.
type BasicAuthProcessor struct {
	Store *PasswordStore
}

func NewBasicAuthProcessor(store *PasswordStore) *BasicAuthProcessor {
	return &BasicAuthProcessor{Store: store}
}

// Process implements endpoint.Processor.
func (p *BasicAuthProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	return extract(w, r, next, func(r *http.Request) (Identity, bool) {
		if p.Store == nil {
			return Anonymous, false
		}
		username, password, ok := r.BasicAuth()
		if !ok {
			return Anonymous, false
		}
		return p.Store.Verify(username, password)
	})
}

// extract runs find only when no earlier processor established an identity,
// then always continues the chain.
func extract(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error, find func(*http.Request) (Identity, bool)) error {
	if id, ok := IdentityFromContext(r.Context()); ok && id.Authenticated() {
		return next(w, r)
	}
	if id, ok := find(r); ok {
		r = r.WithContext(WithIdentity(r.Context(), id))
	}
	return next(w, r)
}

var _ endpoint.Processor = (*BasicAuthProcessor)(nil)
