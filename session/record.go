// Package session holds the server-side authentication state keyed by an
// opaque session identifier, and the stores that persist it.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/mnehpets/websignin/pkce"
	"github.com/rs/zerolog"
)

// IDBytes is the number of random bytes used to generate a session ID.
//
// 32 bytes -> 43 chars raw URL base64.
const IDBytes = 32

// DefaultTTL is the default session lifetime.
const DefaultTTL = 24 * time.Hour

// State is the authentication state of a session.
type State uint8

const (
	Anonymous State = iota
	PendingAuthorization
	Authenticated
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case PendingAuthorization:
		return "pending_authorization"
	case Authenticated:
		return "authenticated"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Secret is a credential that must never be logged or rendered.
type Secret string

const redacted = "[redacted]"

func (s Secret) String() string { return redacted }

// Reveal returns the underlying value.
func (s Secret) Reveal() string { return string(s) }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// Pending is an in-flight authorization request.
// It is single use: it is erased before the code is redeemed.
type Pending struct {
	PKCE pkce.Pair `cbor:"1,keyasint"`
	// State is the anti-CSRF correlation value sent as the OAuth state parameter.
	State string `cbor:"2,keyasint"`
	// Nonce is the OIDC nonce, checked against the returned ID token.
	Nonce string `cbor:"3,keyasint,omitempty"`
	// ReturnTo is the local path the user asked for before signing in.
	ReturnTo  string    `cbor:"4,keyasint,omitempty"`
	ExpiresAt time.Time `cbor:"5,keyasint"`
}

// Identity is the signed-in user as asserted by the identity provider.
type Identity struct {
	DisplayName   string `cbor:"1,keyasint,omitempty" json:"displayName"`
	Username      string `cbor:"2,keyasint,omitempty" json:"username"`
	TenantID      string `cbor:"3,keyasint,omitempty" json:"tenantId"`
	HomeAccountID string `cbor:"4,keyasint,omitempty" json:"homeAccountId"`
	Subject       string `cbor:"5,keyasint,omitempty" json:"subject"`
}

// Record is the unit of authentication state.
type Record struct {
	ID          string    `cbor:"1,keyasint"`
	State       State     `cbor:"2,keyasint"`
	Pending     *Pending  `cbor:"3,keyasint,omitempty"`
	Identity    *Identity `cbor:"4,keyasint,omitempty"`
	AccessToken Secret    `cbor:"5,keyasint,omitempty"`
	CreatedAt   time.Time `cbor:"6,keyasint"`
	ExpiresAt   time.Time `cbor:"7,keyasint"`
}

var ErrInvalidRecord = errors.New("session: invalid record")

// NewID returns a fresh random session identifier.
func NewID() (string, error) {
	b := make([]byte, IDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// New creates an anonymous record with a fresh ID that lives for ttl.
func New(now time.Time, ttl time.Duration) (*Record, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// Truncate to second precision moves the creation time backwards, which
	// ensures the start of the valid period is in the past.
	now = now.Truncate(time.Second)
	return &Record{
		ID:        id,
		State:     Anonymous,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Expired reports whether the record is no longer valid at now.
func (r *Record) Expired(now time.Time) bool {
	return r == nil || r.ExpiresAt.IsZero() || now.After(r.ExpiresAt)
}

// IsAuthenticated reports whether the record carries a signed-in identity.
func (r *Record) IsAuthenticated() bool {
	return r != nil && r.State == Authenticated && r.Identity != nil
}

// Reset drops pending and identity data and returns the record to Anonymous.
func (r *Record) Reset() {
	r.State = Anonymous
	r.Pending = nil
	r.Identity = nil
	r.AccessToken = ""
}

// Validate checks the shape invariant for the record's state.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil", ErrInvalidRecord)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	switch r.State {
	case Anonymous:
		if r.Pending != nil || r.Identity != nil || r.AccessToken != "" {
			return fmt.Errorf("%w: anonymous record carries credentials", ErrInvalidRecord)
		}
	case PendingAuthorization:
		if r.Pending == nil || r.Pending.PKCE.Verifier == "" || r.Pending.State == "" {
			return fmt.Errorf("%w: pending record without verifier", ErrInvalidRecord)
		}
		if r.Identity != nil || r.AccessToken != "" {
			return fmt.Errorf("%w: pending record carries identity", ErrInvalidRecord)
		}
	case Authenticated:
		if r.Identity == nil {
			return fmt.Errorf("%w: authenticated record without identity", ErrInvalidRecord)
		}
		if r.Pending != nil {
			return fmt.Errorf("%w: authenticated record carries pending login", ErrInvalidRecord)
		}
	default:
		return fmt.Errorf("%w: unknown state %d", ErrInvalidRecord, r.State)
	}
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Pending != nil {
		p := *r.Pending
		c.Pending = &p
	}
	if r.Identity != nil {
		id := *r.Identity
		c.Identity = &id
	}
	return &c
}

// MarshalZerologObject logs the non-secret parts of the record.
func (r *Record) MarshalZerologObject(e *zerolog.Event) {
	e.Stringer("state", r.State).
		Time("expires_at", r.ExpiresAt).
		Bool("pending", r.Pending != nil)
	if r.Identity != nil {
		e.Str("username", r.Identity.Username).Str("tenant_id", r.Identity.TenantID)
	}
}
