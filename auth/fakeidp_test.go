package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/mnehpets/websignin/config"
	"github.com/mnehpets/websignin/pkce"
	"github.com/mnehpets/websignin/session"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	testClientID    = "client-id"
	testRedirectURI = "https://app.example.com/signin"
	testTenantID    = "tenant-789"
)

type grant struct {
	challenge   string
	nonce       string
	redirectURI string
}

// fakeIdP is an in-process OpenID Connect provider. It issues codes through
// authorize, redeems them once at its token endpoint, and signs ID tokens
// with its own RSA key.
type fakeIdP struct {
	t      *testing.T
	srv    *httptest.Server
	key    *rsa.PrivateKey
	signer jose.Signer

	// multiTenant makes discovery advertise a {tenantid} issuer, as the
	// Microsoft common endpoint does.
	multiTenant bool

	mu            sync.Mutex
	grants        map[string]grant
	tokenRequests int
	failures      int
	delay         time.Duration
	errorCode     string
	omitIDToken   bool
	nonce         string
	tokenTenant   string
}

func newFakeIdP(t *testing.T, opts ...func(f *fakeIdP)) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: "test-key"}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	f := &fakeIdP{t: t, key: key, signer: signer, grants: map[string]grant{}, tokenTenant: testTenantID}
	for _, opt := range opts {
		opt(f)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", f.discovery)
	mux.HandleFunc("GET /common/v2.0/.well-known/openid-configuration", f.discovery)
	mux.HandleFunc("GET /jwks", f.jwks)
	mux.HandleFunc("POST /token", f.token)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIdP) issuer(tenant string) string {
	if f.multiTenant {
		return f.srv.URL + "/" + tenant + "/v2.0"
	}
	return f.srv.URL
}

func (f *fakeIdP) discovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                f.issuer("{tenantid}"),
		"authorization_endpoint":                f.srv.URL + "/authorize",
		"token_endpoint":                        f.srv.URL + "/token",
		"jwks_uri":                              f.srv.URL + "/jwks",
		"end_session_endpoint":                  f.srv.URL + "/logout",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (f *fakeIdP) jwks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &f.key.PublicKey, Use: "sig", Algorithm: "RS256", KeyID: "test-key"},
	}})
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": code + " from fake idp"})
}

func (f *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokenRequests++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	delay, errorCode := f.delay, f.errorCode
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if errorCode != "" {
		writeOAuthError(w, http.StatusBadRequest, errorCode)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	if r.PostForm.Get("client_id") != testClientID {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	f.mu.Lock()
	g, ok := f.grants[r.PostForm.Get("code")]
	delete(f.grants, r.PostForm.Get("code"))
	f.mu.Unlock()
	if !ok || r.PostForm.Get("redirect_uri") != g.redirectURI || !pkce.Verify(r.PostForm.Get("code_verifier"), g.challenge) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	resp := map[string]any{
		"access_token": "access-token-" + r.PostForm.Get("code"),
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	f.mu.Lock()
	if !f.omitIDToken {
		nonce := g.nonce
		if f.nonce != "" {
			nonce = f.nonce
		}
		resp["id_token"] = f.idToken(nonce, f.tokenTenant)
	}
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeIdP) idToken(nonce, tenant string) string {
	now := time.Now()
	claims := jwt.Claims{
		Issuer:    f.issuer(tenant),
		Subject:   "subject-123",
		Audience:  jwt.Audience{testClientID},
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	raw, err := jwt.Signed(f.signer).Claims(claims).Claims(map[string]any{
		"nonce":              nonce,
		"name":               "Alice Example",
		"preferred_username": "alice@contoso.example",
		"tid":                tenant,
		"oid":                "object-456",
	}).Serialize()
	require.NoError(f.t, err)
	return raw
}

// authorize plays the user's browser at the authorize endpoint and returns
// the code and state the provider would send to the redirect URI.
func (f *fakeIdP) authorize(t *testing.T, authorizeURL string) (code, state string) {
	t.Helper()
	u, err := url.Parse(authorizeURL)
	require.NoError(t, err)
	require.Equal(t, f.srv.URL+"/authorize", u.Scheme+"://"+u.Host+u.Path)

	q := u.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, testClientID, q.Get("client_id"))
	require.Equal(t, pkce.MethodS256, q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.NotEmpty(t, q.Get("state"))

	code, err = session.NewID()
	require.NoError(t, err)
	f.mu.Lock()
	f.grants[code] = grant{challenge: q.Get("code_challenge"), nonce: q.Get("nonce"), redirectURI: q.Get("redirect_uri")}
	f.mu.Unlock()
	return code, q.Get("state")
}

func (f *fakeIdP) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenRequests
}

func (f *fakeIdP) set(fn func(f *fakeIdP)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeIdP) authConfig() config.Auth {
	return config.Auth{
		ClientID:              testClientID,
		ClientSecret:          "client-secret",
		TenantID:              "contoso",
		Authority:             f.srv.URL,
		RedirectURI:           testRedirectURI,
		PostLogoutRedirectURI: "https://app.example.com/",
		Scopes:                []string{"openid", "profile", "User.Read"},
		ExchangeTimeout:       2 * time.Second,
		ExchangeAttempts:      3,
		LoginTimeout:          10 * time.Minute,
	}
}

func (f *fakeIdP) newProvider(t *testing.T, cfg config.Auth) *Provider {
	t.Helper()
	p, err := NewProvider(context.Background(), cfg, WithHTTPClient(f.srv.Client()), WithInitialBackoff(time.Millisecond))
	require.NoError(t, err)
	return p
}

// forEachStore runs fn against the in-memory store and a Redis store backed
// by miniredis.
func forEachStore(t *testing.T, fn func(t *testing.T, store session.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, session.NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		fn(t, session.NewRedisStoreWithClient(client, "test:session:"))
	})
}
