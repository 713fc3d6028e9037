// Package config loads the sign-in subsystem's settings from the environment.
//
// A .env file in the working directory, if present, is loaded first. Real
// environment variables take precedence over it.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrInvalid is returned for configuration that cannot be used.
var ErrInvalid = errors.New("config: invalid configuration")

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// SessionSecretLen is the required session secret length in bytes.
const SessionSecretLen = 32

const (
	keyListenAddr         = "LISTEN_ADDR"
	keyPublicURL          = "PUBLIC_URL"
	keyClientID           = "AUTH_CLIENT_ID"
	keyClientSecret       = "AUTH_CLIENT_SECRET"
	keyTenantID           = "AUTH_TENANT_ID"
	keyAuthority          = "AUTH_AUTHORITY"
	keyRedirectURI        = "AUTH_REDIRECT_URI"
	keyPostLogoutRedirect = "AUTH_POST_LOGOUT_REDIRECT_URI"
	keyScopes             = "AUTH_SCOPES"
	keyExchangeTimeout    = "AUTH_EXCHANGE_TIMEOUT"
	keyExchangeAttempts   = "AUTH_EXCHANGE_ATTEMPTS"
	keyLoginTimeout       = "AUTH_LOGIN_TIMEOUT"
	keySessionSecret      = "SESSION_SECRET"
	keySessionSecretID    = "SESSION_SECRET_ID"
	keySessionTTL         = "SESSION_TTL"
	keySessionStore       = "SESSION_STORE"
	keyRedisURL           = "REDIS_URL"
	keyRedisKeyPrefix     = "REDIS_KEY_PREFIX"
	keyCookieInsecure     = "COOKIE_INSECURE"
	keyLogLevel           = "LOG_LEVEL"
	keyLogFormat          = "LOG_FORMAT"
)

// Auth holds the identity provider registration.
type Auth struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	// Authority is the OIDC issuer used for discovery.
	Authority             string
	RedirectURI           string
	PostLogoutRedirectURI string
	// Scopes always starts with "openid" and "profile".
	Scopes           []string
	ExchangeTimeout  time.Duration
	ExchangeAttempts int
	LoginTimeout     time.Duration
}

// Session holds cookie and store settings.
type Session struct {
	// KeyID names the key used to seal new cookies.
	KeyID string
	Keys  map[string][]byte
	// GeneratedKey is true when no secret was configured and a random
	// per-process key is in use.
	GeneratedKey   bool
	TTL            time.Duration
	Store          string
	RedisURL       string
	RedisKeyPrefix string
	CookieInsecure bool
}

// Config is the complete application configuration.
type Config struct {
	ListenAddr string
	PublicURL  string
	LogLevel   string
	LogFormat  string
	Auth       Auth
	Session    Session
}

// Enabled reports whether sign-in is configured. Without a client id the
// auth routes and protected routes are not registered.
func (c *Config) Enabled() bool {
	return c.Auth.ClientID != ""
}

// Load reads configuration from the process environment, after loading a
// .env file if one exists.
func Load() (*Config, error) {
	// A missing .env file is normal.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	return FromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyListenAddr, ":8080")
	v.SetDefault(keyPublicURL, "http://localhost:8080")
	v.SetDefault(keyTenantID, "common")
	v.SetDefault(keyScopes, "")
	v.SetDefault(keyExchangeTimeout, 10*time.Second)
	v.SetDefault(keyExchangeAttempts, 3)
	v.SetDefault(keyLoginTimeout, 10*time.Minute)
	v.SetDefault(keySessionSecretID, "k1")
	v.SetDefault(keySessionTTL, 24*time.Hour)
	v.SetDefault(keySessionStore, StoreMemory)
	v.SetDefault(keyRedisKeyPrefix, "websignin:session:")
	v.SetDefault(keyCookieInsecure, false)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "json")
}

// FromViper builds a Config from v, applying defaults and validating the
// result.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	publicURL := strings.TrimRight(v.GetString(keyPublicURL), "/")
	tenant := v.GetString(keyTenantID)

	c := &Config{
		ListenAddr: v.GetString(keyListenAddr),
		PublicURL:  publicURL,
		LogLevel:   strings.ToLower(v.GetString(keyLogLevel)),
		LogFormat:  strings.ToLower(v.GetString(keyLogFormat)),
		Auth: Auth{
			ClientID:              v.GetString(keyClientID),
			ClientSecret:          v.GetString(keyClientSecret),
			TenantID:              tenant,
			Authority:             v.GetString(keyAuthority),
			RedirectURI:           v.GetString(keyRedirectURI),
			PostLogoutRedirectURI: v.GetString(keyPostLogoutRedirect),
			Scopes:                scopes(v.GetString(keyScopes)),
			ExchangeTimeout:       v.GetDuration(keyExchangeTimeout),
			ExchangeAttempts:      v.GetInt(keyExchangeAttempts),
			LoginTimeout:          v.GetDuration(keyLoginTimeout),
		},
		Session: Session{
			KeyID:          v.GetString(keySessionSecretID),
			TTL:            v.GetDuration(keySessionTTL),
			Store:          strings.ToLower(v.GetString(keySessionStore)),
			RedisURL:       v.GetString(keyRedisURL),
			RedisKeyPrefix: v.GetString(keyRedisKeyPrefix),
			CookieInsecure: v.GetBool(keyCookieInsecure),
		},
	}
	if c.Auth.Authority == "" {
		c.Auth.Authority = "https://login.microsoftonline.com/" + tenant + "/v2.0"
	}
	if c.Auth.RedirectURI == "" {
		c.Auth.RedirectURI = publicURL + "/signin"
	}
	if c.Auth.PostLogoutRedirectURI == "" {
		c.Auth.PostLogoutRedirectURI = publicURL + "/"
	}

	if err := c.loadSessionKeys(v.GetString(keySessionSecret)); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// scopes parses a space separated list, always leading with openid and
// profile and dropping duplicates.
func scopes(raw string) []string {
	out := []string{"openid", "profile"}
	seen := map[string]bool{"openid": true, "profile": true}
	for _, s := range strings.Fields(raw) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) loadSessionKeys(secret string) error {
	if secret == "" {
		if c.Session.Store != StoreMemory {
			return fmt.Errorf("%w: %s is required with %s=%s", ErrInvalid, keySessionSecret, keySessionStore, c.Session.Store)
		}
		key := make([]byte, SessionSecretLen)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("config: generate session key: %w", err)
		}
		c.Session.Keys = map[string][]byte{c.Session.KeyID: key}
		c.Session.GeneratedKey = true
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(secret)
	}
	if err != nil {
		return fmt.Errorf("%w: %s is not base64", ErrInvalid, keySessionSecret)
	}
	if len(key) != SessionSecretLen {
		return fmt.Errorf("%w: %s must decode to %d bytes, got %d", ErrInvalid, keySessionSecret, SessionSecretLen, len(key))
	}
	c.Session.Keys = map[string][]byte{c.Session.KeyID: key}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.PublicURL); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, keyPublicURL, err)
	}
	switch c.Session.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Session.RedisURL == "" {
			return fmt.Errorf("%w: %s is required with %s=redis", ErrInvalid, keyRedisURL, keySessionStore)
		}
	default:
		return fmt.Errorf("%w: %s must be %q or %q", ErrInvalid, keySessionStore, StoreMemory, StoreRedis)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, keySessionTTL)
	}
	if c.Session.KeyID == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalid, keySessionSecretID)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%w: %s must be json or console", ErrInvalid, keyLogFormat)
	}
	if !c.Enabled() {
		return nil
	}

	redirect, err := url.Parse(c.Auth.RedirectURI)
	if err != nil || !redirect.IsAbs() || redirect.Path == "" {
		return fmt.Errorf("%w: %s must be an absolute URL with a path", ErrInvalid, keyRedirectURI)
	}
	if u, err := url.Parse(c.Auth.Authority); err != nil || !u.IsAbs() {
		return fmt.Errorf("%w: %s must be an absolute URL", ErrInvalid, keyAuthority)
	}
	if c.Auth.ExchangeTimeout <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, keyExchangeTimeout)
	}
	if c.Auth.ExchangeAttempts < 1 {
		return fmt.Errorf("%w: %s must be at least 1", ErrInvalid, keyExchangeAttempts)
	}
	if c.Auth.LoginTimeout <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, keyLoginTimeout)
	}
	return nil
}

// CallbackPath is the path component of the redirect URI. The callback
// route is mounted there.
func (a *Auth) CallbackPath() string {
	u, err := url.Parse(a.RedirectURI)
	if err != nil || u.Path == "" {
		return "/signin"
	}
	return u.Path
}
