// Package pkce implements the RFC 7636 proof key used to bind an
// authorization request to the client that later redeems the code.
//
// Only the S256 challenge method is supported.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// MethodS256 is the only challenge method this package produces.
const MethodS256 = "S256"

// verifierBytes is the number of random bytes used to generate a verifier.
// 32 bytes of random data results in a 43 character string (using RawURLEncoding), satisfying the
// RFC 7636 requirement (min 43 characters) with 256 bits of entropy.
const verifierBytes = 32

// Pair is a verifier together with its derived challenge.
type Pair struct {
	Verifier  string `cbor:"1,keyasint"`
	Challenge string `cbor:"2,keyasint"`
	Method    string `cbor:"3,keyasint"`
}

// GenerateVerifier returns a fresh URL-safe verifier.
//
// An error means the system entropy source failed. Callers must treat it as
// fatal for the request; there is no weaker fallback.
func GenerateVerifier() (string, error) {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("pkce: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DeriveChallenge returns the S256 challenge for verifier.
func DeriveChallenge(verifier string) string {
	s := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// New generates a verifier and derives its challenge.
func New() (Pair, error) {
	v, err := GenerateVerifier()
	if err != nil {
		return Pair{}, err
	}
	return Pair{Verifier: v, Challenge: DeriveChallenge(v), Method: MethodS256}, nil
}

// Verify reports whether challenge was derived from verifier.
func Verify(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(DeriveChallenge(verifier)), []byte(challenge)) == 1
}
