// Command webapp is a minimal site with sign-in: a public landing page, a
// protected page, and an identity endpoint at /me.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnehpets/websignin/auth"
	"github.com/mnehpets/websignin/config"
	"github.com/mnehpets/websignin/endpoint"
	"github.com/mnehpets/websignin/middleware"
	"github.com/mnehpets/websignin/session"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "webapp: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
	logger.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	requestLogger := middleware.NewRequestLogger(logger)
	headerOpts := []middleware.SecurityHeadersOption{}
	if cfg.Session.CookieInsecure {
		headerOpts = append(headerOpts, middleware.WithoutHSTS())
	}
	headers := middleware.NewSecurityHeadersProcessor(headerOpts...)
	noStore := middleware.NewSecurityHeadersProcessor(append(headerOpts, middleware.WithNoStore())...)

	var sessions *middleware.SessionProcessor
	if cfg.Enabled() {
		store, closeStore, err := newStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		sessions, err = middleware.NewSessionProcessor(store, cfg.Session.KeyID, cfg.Session.Keys,
			middleware.WithCookieOptions(middleware.WithSecure(!cfg.Session.CookieInsecure)),
			middleware.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("session cookie: %w", err)
		}
		if cfg.Session.GeneratedKey {
			logger.Warn().Msg("SESSION_SECRET is not set; using a random key, sessions end when the process restarts")
		}
		if cfg.Session.CookieInsecure {
			logger.Warn().Msg("COOKIE_INSECURE is set; the session cookie is sent over plain http")
		}

		provider, err := auth.NewProvider(ctx, cfg.Auth, auth.WithProviderLogger(logger))
		if err != nil {
			return err
		}
		flow := auth.NewFlow(provider, store,
			auth.WithFlowLogger(logger),
			auth.WithSessionTTL(cfg.Session.TTL),
			auth.WithLoginTimeout(cfg.Auth.LoginTimeout),
		)
		authHandler, err := auth.NewHandler(flow, sessions,
			auth.WithProcessors(requestLogger, noStore),
			auth.WithCallbackPath(cfg.Auth.CallbackPath()),
			auth.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		authHandler.Mount(mux)

		requireLogin := auth.RequireLogin(authHandler.LoginPath())
		mux.HandleFunc("GET /private", endpoint.HandleFunc(privateEndpoint, requestLogger, noStore, sessions, requireLogin))
		mux.HandleFunc("GET /me", endpoint.HandleFunc(meEndpoint, requestLogger, noStore, sessions, requireLogin))
		logger.Info().Str("client_id", cfg.Auth.ClientID).Str("authority", cfg.Auth.Authority).Msg("sign-in enabled")
	} else {
		logger.Warn().Msg("AUTH_CLIENT_ID is not set; sign-in is disabled")
	}

	homeProcs := []endpoint.Processor{requestLogger, headers}
	if sessions != nil {
		homeProcs = append(homeProcs, sessions)
	}
	mux.HandleFunc("GET /{$}", endpoint.HandleFunc(homeEndpoint, homeProcs...))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("public_url", cfg.PublicURL).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

// newStore returns the configured session store wrapped with retries, and a
// function that releases it.
func newStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (session.Store, func(), error) {
	switch cfg.Session.Store {
	case config.StoreRedis:
		rs, err := session.NewRedisStore(ctx, session.RedisConfig{
			URL:       cfg.Session.RedisURL,
			KeyPrefix: cfg.Session.RedisKeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("key_prefix", cfg.Session.RedisKeyPrefix).Msg("using redis session store")
		closeFn := func() {
			if err := rs.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing redis session store")
			}
		}
		return session.NewRetryStore(rs, session.DefaultRetryAttempts, 0), closeFn, nil
	default:
		ms := session.NewMemoryStore()
		ms.StartSweeper(ctx, time.Minute)
		logger.Info().Msg("using in-memory session store")
		return session.NewRetryStore(ms, session.DefaultRetryAttempts, 0), func() {}, nil
	}
}

type homeParams struct {
	SignIn string `query:"signin"`
}

func homeEndpoint(w http.ResponseWriter, r *http.Request, params homeParams) (endpoint.Renderer, error) {
	var body string
	sess, ok := middleware.SessionFromContext(r.Context())
	switch {
	case !ok:
		body = "Sign-in is not configured.\n"
	case sess.Record().IsAuthenticated():
		body = fmt.Sprintf("Signed in as %s.\nVisit /private or /me, or sign out at /auth/logout.\n", sess.Record().Identity.DisplayName)
	default:
		body = "You are not signed in.\nSign in at /auth/login.\n"
	}
	if params.SignIn == "failed" {
		body = "Sign-in did not complete. Please sign in again.\n" + body
	}
	return &endpoint.StringRenderer{Body: body}, nil
}

func privateEndpoint(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	id, _ := auth.IdentityFromContext(r.Context())
	return &endpoint.StringRenderer{Body: fmt.Sprintf("Hello %s, this page requires sign-in.\n", id.DisplayName)}, nil
}

func meEndpoint(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	id, _ := auth.IdentityFromContext(r.Context())
	return &endpoint.JSONRenderer{Value: id}, nil
}
