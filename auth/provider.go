package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/websignin/config"
	"github.com/mnehpets/websignin/session"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// tenantPlaceholder appears in the issuer of multi-tenant Microsoft
// authorities; the real issuer carries the user's tenant id.
const tenantPlaceholder = "{tenantid}"

// TokenResult is a successful code redemption.
type TokenResult struct {
	Identity    session.Identity
	AccessToken session.Secret
	Expiry      time.Time
}

// Provider talks to one OpenID Connect identity provider.
type Provider struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier

	// issuerTemplate is set for multi-tenant authorities. The verifier then
	// skips its own issuer check and Exchange checks the token's issuer
	// against the template with its tid claim filled in.
	issuerTemplate string

	endSessionEndpoint    string
	postLogoutRedirectURI string

	client          *http.Client
	exchangeTimeout time.Duration
	attempts        uint
	initialBackoff  time.Duration
	logger          zerolog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithHTTPClient sets the client used for discovery, key fetches and token
// requests.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		p.client = c
	}
}

// WithInitialBackoff sets the delay before the first exchange retry.
func WithInitialBackoff(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.initialBackoff = d
	}
}

// WithProviderLogger sets the logger for retries.
func WithProviderLogger(l zerolog.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = l
	}
}

func isMultiTenant(tenant string) bool {
	switch strings.ToLower(tenant) {
	case "common", "organizations", "consumers":
		return true
	}
	return false
}

// NewProvider performs OIDC discovery against cfg.Authority and returns a
// Provider for the registered client.
func NewProvider(ctx context.Context, cfg config.Auth, opts ...ProviderOption) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrConfiguration)
	}
	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("%w: redirect uri is required", ErrConfiguration)
	}

	p := &Provider{
		postLogoutRedirectURI: cfg.PostLogoutRedirectURI,
		exchangeTimeout:       cfg.ExchangeTimeout,
		initialBackoff:        200 * time.Millisecond,
		logger:                zerolog.Nop(),
	}
	if p.exchangeTimeout <= 0 {
		p.exchangeTimeout = 10 * time.Second
	}
	p.attempts = 1
	if cfg.ExchangeAttempts > 1 {
		p.attempts = uint(cfg.ExchangeAttempts) // #nosec G115 -- checked positive above
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.client != nil {
		ctx = oidc.ClientContext(ctx, p.client)
	}
	segment := "/" + cfg.TenantID + "/"
	if isMultiTenant(cfg.TenantID) && strings.Contains(cfg.Authority, segment) {
		p.issuerTemplate = strings.Replace(cfg.Authority, segment, "/"+tenantPlaceholder+"/", 1)
		ctx = oidc.InsecureIssuerURLContext(ctx, p.issuerTemplate)
	}

	provider, err := oidc.NewProvider(ctx, cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("auth: discover %q: %w", cfg.Authority, err)
	}

	var claims struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&claims); err != nil {
		return nil, fmt.Errorf("auth: read discovery document: %w", err)
	}
	p.endSessionEndpoint = claims.EndSessionEndpoint

	// Client credentials go in the form body. Probing for the auth style
	// would send a second token request carrying the same single-use code.
	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	p.oauth = oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
	}
	p.verifier = provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipIssuerCheck: p.issuerTemplate != "",
	})
	return p, nil
}

// AuthorizeURL returns the provider URL that starts the pending login.
func (p *Provider) AuthorizeURL(pending *session.Pending) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pending.PKCE.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pending.PKCE.Method),
	}
	if pending.Nonce != "" {
		opts = append(opts, oidc.Nonce(pending.Nonce))
	}
	return p.oauth.AuthCodeURL(pending.State, opts...)
}

// Exchange redeems code with the verifier from pending and verifies the
// returned ID token. Only ErrNetwork failures are retried.
func (p *Provider) Exchange(ctx context.Context, code string, pending *session.Pending) (*TokenResult, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty authorization code", ErrInvalidGrant)
	}
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		l = &p.logger
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.initialBackoff
	expBackoff.MaxInterval = 5 * p.initialBackoff
	expBackoff.Reset()

	token, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.exchangeTimeout)
		defer cancel()
		tok, err := p.oauth.Exchange(attemptCtx, code, oauth2.VerifierOption(pending.PKCE.Verifier))
		if err == nil {
			return tok, nil
		}
		err = classifyExchangeError(err)
		if !errors.Is(err, ErrNetwork) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(p.attempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			l.Warn().Err(err).Dur("retry_in", d).Msg("token request failed, retrying")
		}),
	)
	if err != nil {
		if !errors.Is(err, ErrNetwork) && !errors.Is(err, ErrInvalidGrant) && !errors.Is(err, ErrConfiguration) {
			// Context ended between attempts.
			err = fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		return nil, err
	}
	return p.verify(ctx, token, pending)
}

// classifyExchangeError maps a token endpoint failure to one of the
// package's outcome errors.
func classifyExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		// Transport failure or per-attempt timeout.
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	pe := &ProviderError{Code: re.ErrorCode, Description: re.ErrorDescription}
	switch re.ErrorCode {
	case "invalid_grant":
		return fmt.Errorf("%w: %w", ErrInvalidGrant, pe)
	case "invalid_client", "unauthorized_client", "invalid_request", "unsupported_grant_type", "invalid_scope":
		return fmt.Errorf("%w: %w", ErrConfiguration, pe)
	}
	if re.Response != nil {
		if s := re.Response.StatusCode; s >= http.StatusInternalServerError || s == http.StatusTooManyRequests {
			return fmt.Errorf("%w: token endpoint returned %d", ErrNetwork, s)
		}
	}
	return fmt.Errorf("%w: %w", ErrInvalidGrant, err)
}

type idTokenClaims struct {
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	TenantID          string `json:"tid"`
	ObjectID          string `json:"oid"`
}

func (p *Provider) verify(ctx context.Context, token *oauth2.Token, pending *session.Pending) (*TokenResult, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: no id_token returned; is the openid scope granted?", ErrConfiguration)
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token verification failed: %w", ErrInvalidGrant, err)
	}
	if pending.Nonce != "" && subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(pending.Nonce)) != 1 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrInvalidGrant)
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode id_token claims: %w", ErrInvalidGrant, err)
	}
	if p.issuerTemplate != "" {
		want := strings.Replace(p.issuerTemplate, tenantPlaceholder, claims.TenantID, 1)
		if claims.TenantID == "" || idToken.Issuer != want {
			return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidGrant, idToken.Issuer)
		}
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	homeAccountID := idToken.Subject
	if claims.ObjectID != "" && claims.TenantID != "" {
		homeAccountID = claims.ObjectID + "." + claims.TenantID
	}
	return &TokenResult{
		Identity: session.Identity{
			DisplayName:   claims.Name,
			Username:      username,
			TenantID:      claims.TenantID,
			HomeAccountID: homeAccountID,
			Subject:       idToken.Subject,
		},
		AccessToken: session.Secret(token.AccessToken),
		Expiry:      token.Expiry,
	}, nil
}

// EndSessionURL returns the provider's federated sign-out URL, if the
// provider advertises one and a post-logout redirect is configured.
func (p *Provider) EndSessionURL() (string, bool) {
	if p.endSessionEndpoint == "" || p.postLogoutRedirectURI == "" {
		return "", false
	}
	u, err := url.Parse(p.endSessionEndpoint)
	if err != nil {
		return "", false
	}
	q := u.Query()
	q.Set("post_logout_redirect_uri", p.postLogoutRedirectURI)
	q.Set("client_id", p.oauth.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), true
}

var _ IdentityProvider = (*Provider)(nil)
