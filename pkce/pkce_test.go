package pkce

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"testing"
)

var urlSafe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestGenerateVerifier(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		v, err := GenerateVerifier()
		if err != nil {
			t.Fatalf("GenerateVerifier: %v", err)
		}
		if len(v) != 43 {
			t.Fatalf("expected 43 chars, got %d (%q)", len(v), v)
		}
		if !urlSafe.MatchString(v) {
			t.Fatalf("verifier is not URL safe: %q", v)
		}
		if seen[v] {
			t.Fatalf("duplicate verifier after %d draws", i)
		}
		seen[v] = true
	}
}

func TestDeriveChallenge(t *testing.T) {
	// RFC 7636 Appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := DeriveChallenge(verifier); got != want {
		t.Errorf("DeriveChallenge = %q, want %q", got, want)
	}
	if DeriveChallenge(verifier) != DeriveChallenge(verifier) {
		t.Error("DeriveChallenge is not deterministic")
	}
}

func TestNew(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Method != MethodS256 {
		t.Errorf("expected S256, got %q", p.Method)
	}
	sum := sha256.Sum256([]byte(p.Verifier))
	if p.Challenge != base64.RawURLEncoding.EncodeToString(sum[:]) {
		t.Error("challenge does not match verifier")
	}
	if !Verify(p.Verifier, p.Challenge) {
		t.Error("Verify rejected a matching pair")
	}

	other, _ := New()
	if Verify(other.Verifier, p.Challenge) {
		t.Error("Verify accepted a foreign verifier")
	}
	if Verify("", "") {
		t.Error("Verify accepted empty input")
	}
}
