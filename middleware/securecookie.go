package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
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

// maxCookieLen bounds the amount of attacker-controlled data we will
// decode/allocate for a cookie value.
const maxCookieLen = 4096

// DefaultAEADKeysize is the expected key size (in bytes) for the default
// AEAD implementation (XChaCha20-Poly1305).
const DefaultAEADKeysize = chacha20poly1305.KeySize

// SecureCookieCodec seals and opens cookie values.
//
// Format: [keyId] "." base64url(nonce || AEAD.Seal(nil, nonce, plaintext, aad))
//
// Keys contains all accepted keys; KeyID selects the current key for
// sealing, so keys can be rotated without invalidating live cookies.
type SecureCookieCodec struct {
	KeyID string
	Keys  map[string][]byte

	// NewAEAD constructs the AEAD used to seal/open cookies.
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewSecureCookieCodec creates a new codec. Every key is checked against
// newAEAD up front so that a bad key fails at startup.
func NewSecureCookieCodec(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*SecureCookieCodec, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
	}
	return &SecureCookieCodec{KeyID: keyID, Keys: keys, NewAEAD: newAEAD}, nil
}

// Seal encrypts plain. aad binds the value to its cookie attributes.
func (sc *SecureCookieCodec) Seal(plain, aad []byte) (string, error) {
	if sc == nil {
		return "", ErrCookieConfig
	}
	aead, err := sc.NewAEAD(sc.Keys[sc.KeyID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return sc.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with any known key.
func (sc *SecureCookieCodec) Open(value string, aad []byte) ([]byte, error) {
	if sc == nil {
		return nil, ErrCookieConfig
	}
	if len(value) == 0 || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, encB64, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encB64 == "" {
		return nil, ErrCookieFormat
	}
	key, ok := sc.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encB64)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := sc.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	b, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return b, nil
}

// sessionCookiePayload is the sealed cookie content. Only the opaque session
// identifier travels to the browser; all state stays server side.
type sessionCookiePayload struct {
	SessionID string    `cbor:"1,keyasint"`
	IssuedAt  time.Time `cbor:"2,keyasint"`
}

// SessionCookie carries a session identifier in an encrypted, authenticated cookie.
type SessionCookie struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	newAEAD  func([]byte) (cipher.AEAD, error)

	codec *SecureCookieCodec
}

// SecureCookieOption configures a SessionCookie.
type SecureCookieOption func(*SessionCookie)

// WithAEAD configures the cookie to use a custom AEAD factory (e.g. AES-GCM).
func WithAEAD(f func([]byte) (cipher.AEAD, error)) SecureCookieOption {
	return func(sc *SessionCookie) {
		sc.newAEAD = f
	}
}

// WithPath configures the cookie path.
func WithPath(path string) SecureCookieOption {
	return func(sc *SessionCookie) {
		sc.path = path
	}
}

// WithDomain configures the cookie domain.
func WithDomain(domain string) SecureCookieOption {
	return func(sc *SessionCookie) {
		sc.domain = domain
	}
}

// WithSecure configures the cookie secure flag. Only turn it off for local
// development over plain http.
func WithSecure(secure bool) SecureCookieOption {
	return func(sc *SessionCookie) {
		sc.secure = secure
	}
}

// WithSameSite configures the cookie sameSite attribute.
func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(sc *SessionCookie) {
		sc.sameSite = sameSite
	}
}

// NewSessionCookie creates a SessionCookie.
//
// Defaults:
//   - Path: /
//   - HttpOnly: true (not configurable)
//   - Secure: true
//   - SameSite: Lax (the provider redirect back to the callback is a
//     top-level cross-site GET, which Strict would drop)
func NewSessionCookie(name, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SessionCookie, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	sc := &SessionCookie{
		name:     name,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		newAEAD:  chacha20poly1305.NewX,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.path == "" {
		sc.path = "/"
	}
	codec, err := NewSecureCookieCodec(keyID, keys, sc.newAEAD)
	if err != nil {
		return nil, err
	}
	sc.codec = codec
	return sc, nil
}

// Name returns the cookie name.
func (sc *SessionCookie) Name() string {
	return sc.name
}

// Secure reports whether cookies are issued with the Secure flag.
func (sc *SessionCookie) Secure() bool {
	return sc.secure
}

// aad binds the cookie name, domain, path and secure flag to the sealed value.
func (sc *SessionCookie) aad() []byte {
	secureStr := "f"
	if sc.secure {
		secureStr = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secureStr)
}

// Encode seals sessionID into a cookie that lives for maxAge seconds.
func (sc *SessionCookie) Encode(sessionID string, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 || sessionID == "" {
		return nil, ErrCookieInvalid
	}
	plain, err := cbor.Marshal(sessionCookiePayload{SessionID: sessionID, IssuedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	val, err := sc.codec.Seal(plain, sc.aad())
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   maxAge,
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
	}, nil
}

// Decode opens the cookie and returns the session identifier.
func (sc *SessionCookie) Decode(cookie *http.Cookie) (string, error) {
	if cookie == nil {
		return "", ErrCookieFormat
	}
	plain, err := sc.codec.Open(cookie.Value, sc.aad())
	if err != nil {
		return "", err
	}
	var p sessionCookiePayload
	if err := cbor.Unmarshal(plain, &p); err != nil {
		return "", ErrCookieFormat
	}
	if p.SessionID == "" {
		return "", ErrCookieInvalid
	}
	return p.SessionID, nil
}

// Clear returns a cookie that clears this cookie in the client.
func (sc *SessionCookie) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     sc.name,
		Domain:   sc.domain,
		Path:     sc.path,
		HttpOnly: true,
		Secure:   sc.secure,
		SameSite: sc.sameSite,
		Value:    "",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	}
}
