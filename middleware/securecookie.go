package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid session cookie format")
	ErrCookieInvalid = errors.New("invalid session cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds how much attacker-controlled data is decoded from a cookie.
const maxCookieLen = 8192

// DefaultAEADKeysize is the key size (in bytes) of the default AEAD, XChaCha20-Poly1305.
const DefaultAEADKeysize = chacha20poly1305.KeySize

// Sealer seals and opens byte strings with an AEAD, supporting key rotation.
//
// Sealed format: keyID "." base64url(nonce || ciphertext)
type Sealer struct {
	keyID string
	aeads map[string]cipher.AEAD
}

// NewSealer validates keys and builds one AEAD per key. keyID selects the
// key used for sealing; every key in keys is accepted when opening.
func NewSealer(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*Sealer, error) {
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	if _, ok := keys[keyID]; !ok {
		return nil, ErrCookieConfig
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, k := range keys {
		if strings.Contains(id, ".") {
			return nil, ErrCookieConfig
		}
		aead, err := newAEAD(k)
		if err != nil {
			return nil, errors.Join(ErrCookieConfig, err)
		}
		aeads[id] = aead
	}
	return &Sealer{keyID: keyID, aeads: aeads}, nil
}

// Seal encrypts plain, binding it to aad.
func (s *Sealer) Seal(plain, aad []byte) (string, error) {
	aead := s.aeads[s.keyID]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return s.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (s *Sealer) Open(value string, aad []byte) ([]byte, error) {
	if value == "" || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	aead, ok := s.aeads[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil || len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// SealedCookie stores CBOR-encoded values in an encrypted, authenticated cookie.
//
// The cookie name, domain, path and secure flag are bound to the value as
// additional data, so a value cannot be replayed under another cookie.
type SealedCookie struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite

	sealer *Sealer
}

// SealedCookieOption configures a SealedCookie.
type SealedCookieOption func(*SealedCookie)

func WithPath(path string) SealedCookieOption {
	return func(c *SealedCookie) { c.Path = path }
}

func WithDomain(domain string) SealedCookieOption {
	return func(c *SealedCookie) { c.Domain = domain }
}

func WithSecure(secure bool) SealedCookieOption {
	return func(c *SealedCookie) { c.Secure = secure }
}

func WithSameSite(sameSite http.SameSite) SealedCookieOption {
	return func(c *SealedCookie) { c.SameSite = sameSite }
}

// NewSealedCookie creates a cookie codec using XChaCha20-Poly1305.
//
// Defaults: Path "/", Secure, SameSite Lax, HttpOnly always.
func NewSealedCookie(name, keyID string, keys map[string][]byte, opts ...SealedCookieOption) (*SealedCookie, error) {
	sealer, err := NewSealer(keyID, keys, nil)
	if err != nil {
		return nil, err
	}
	c := &SealedCookie{
		Name:     name,
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		sealer:   sealer,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Path == "" {
		c.Path = "/"
	}
	return c, nil
}

func (c *SealedCookie) aad() []byte {
	secure := "f"
	if c.Secure {
		secure = "t"
	}
	return []byte(c.Name + ":" + c.Domain + ":" + c.Path + ":" + secure)
}

// cborEnc keeps sub-second time precision so that timestamps in cookie
// payloads order correctly.
var cborEnc, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// Encode marshals v with CBOR, seals it and returns the cookie to set.
func (c *SealedCookie) Encode(v any, maxAge time.Duration) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	plain, err := cborEnc.Marshal(v)
	if err != nil {
		return nil, err
	}
	value, err := c.sealer.Seal(plain, c.aad())
	if err != nil {
		return nil, err
	}
	return c.cookie(value, int(maxAge.Seconds()), time.Now().Add(maxAge)), nil
}

// Decode opens cookie and unmarshals its payload into v.
func (c *SealedCookie) Decode(cookie *http.Cookie, v any) error {
	if cookie == nil {
		return ErrCookieFormat
	}
	plain, err := c.sealer.Open(cookie.Value, c.aad())
	if err != nil {
		return err
	}
	return cbor.Unmarshal(plain, v)
}

// Clear returns a cookie that deletes this cookie in the client.
func (c *SealedCookie) Clear() *http.Cookie {
	return c.cookie("", -1, time.Unix(0, 0))
}

func (c *SealedCookie) cookie(value string, maxAge int, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    value,
		Path:     c.Path,
		Domain:   c.Domain,
		MaxAge:   maxAge,
		Expires:  expires,
		Secure:   c.Secure,
		HttpOnly: true,
		SameSite: c.SameSite,
	}
}
