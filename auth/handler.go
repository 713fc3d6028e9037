package auth

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/mnehpets/websignin/endpoint"
	"github.com/mnehpets/websignin/middleware"
	"github.com/mnehpets/websignin/session"
	"github.com/rs/zerolog"
)

// DefaultFailureURL is where a failed callback sends the browser.
const DefaultFailureURL = "/?signin=failed"

// LoginParams are the login route's query parameters.
type LoginParams struct {
	NextURL string `query:"next_url" maxLength:"2048"`
}

// CallbackParams are the redirect URI's query parameters.
type CallbackParams struct {
	Code      string `query:"code"`
	State     string `query:"state" maxLength:"512"`
	Error     string `query:"error" maxLength:"256"`
	ErrorDesc string `query:"error_description"`
}

// Handler serves the login, callback and logout routes.
type Handler struct {
	mux          *http.ServeMux
	flow         *Flow
	basePath     string
	callbackPath string
	failureURL   string
	logger       zerolog.Logger

	// processors run before the session processor on every route.
	processors []endpoint.Processor
}

// Option configures the Handler.
type Option func(*Handler)

// WithProcessors adds middleware processors to the auth endpoints. They run
// before the session processor.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithBasePath sets the prefix for the login and logout routes. The default
// is "/auth".
func WithBasePath(p string) Option {
	return func(h *Handler) {
		h.basePath = p
	}
}

// WithCallbackPath sets the route for the redirect URI. The default is
// "/signin".
func WithCallbackPath(p string) Option {
	return func(h *Handler) {
		h.callbackPath = p
	}
}

// WithFailureURL sets where a failed callback redirects.
func WithFailureURL(u string) Option {
	return func(h *Handler) {
		h.failureURL = u
	}
}

// WithLogger sets the fallback logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// NewHandler creates the sign-in routes. sessions resolves the session
// cookie; the handler binds new records to it.
func NewHandler(flow *Flow, sessions *middleware.SessionProcessor, opts ...Option) (*Handler, error) {
	if flow == nil || sessions == nil {
		return nil, errors.New("auth: flow and session processor are required")
	}
	h := &Handler{
		mux:          http.NewServeMux(),
		flow:         flow,
		basePath:     "/auth",
		callbackPath: "/signin",
		failureURL:   DefaultFailureURL,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if !strings.HasPrefix(h.basePath, "/") {
		h.basePath = "/" + h.basePath
	}
	if !strings.HasPrefix(h.callbackPath, "/") {
		h.callbackPath = "/" + h.callbackPath
	}

	procs := append(append([]endpoint.Processor{}, h.processors...), sessions)
	h.mux.HandleFunc("GET "+h.LoginPath(), endpoint.HandleFunc(h.login, procs...))
	h.mux.HandleFunc("GET "+h.callbackPath, endpoint.HandleFunc(h.callback, procs...))
	h.mux.HandleFunc("GET "+h.LogoutPath(), endpoint.HandleFunc(h.logout, procs...))
	return h, nil
}

// LoginPath is the route that starts a sign-in.
func (h *Handler) LoginPath() string {
	return path.Join(h.basePath, "login")
}

// LogoutPath is the route that signs out.
func (h *Handler) LogoutPath() string {
	return path.Join(h.basePath, "logout")
}

// Mount registers the handler's routes on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.Handle("GET "+h.LoginPath(), h)
	mux.Handle("GET "+h.LogoutPath(), h)
	mux.Handle("GET "+h.callbackPath, h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func requestSession(r *http.Request) (middleware.Session, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "", errors.New("auth: session processor not installed"))
	}
	return sess, nil
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, params LoginParams) (endpoint.Renderer, error) {
	sess, err := requestSession(r)
	if err != nil {
		return nil, err
	}
	start, err := h.flow.BeginLogin(r.Context(), sess.ID(), params.NextURL)
	if err != nil {
		return nil, h.serverError(err)
	}
	if start.Record != nil {
		sess.Bind(start.Record)
	}
	return &endpoint.RedirectRenderer{URL: start.Redirect, Status: http.StatusFound}, nil
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, params CallbackParams) (endpoint.Renderer, error) {
	sess, err := requestSession(r)
	if err != nil {
		return nil, err
	}
	ctx := r.Context()
	l := middleware.Logger(ctx, h.logger)

	// The claim reads the record itself, so the pending login is consumed
	// even if the session processor's read failed.
	sid := sess.CookieID()
	var result *LoginResult
	if params.Error != "" {
		err = h.flow.CancelLogin(ctx, sid, params.State, &ProviderError{Code: params.Error, Description: params.ErrorDesc})
	} else {
		result, err = h.flow.CompleteLogin(ctx, sid, params.Code, params.State)
	}

	switch {
	case err == nil:
		sess.Bind(result.Record)
		return &endpoint.RedirectRenderer{URL: ValidateNextURLIsLocal(result.ReturnTo), Status: http.StatusFound}, nil
	case errors.Is(err, ErrStateMismatch):
		l.Warn().Err(err).Msg("sign-in callback state mismatch")
	case errors.Is(err, ErrInvalidGrant), errors.Is(err, ErrNetwork):
		l.Info().Err(err).Msg("sign-in failed")
	default:
		return nil, h.serverError(err)
	}
	return &endpoint.RedirectRenderer{URL: h.failureURL, Status: http.StatusFound}, nil
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, err := requestSession(r)
	if err != nil {
		return nil, err
	}
	if err := h.flow.EndSession(r.Context(), sess.CookieID()); err != nil {
		// The cookie is cleared regardless; the record expires on its own.
		middleware.Logger(r.Context(), h.logger).Error().Err(err).Msg("failed to destroy session record")
	}
	sess.Clear()
	return &endpoint.RedirectRenderer{URL: h.flow.LogoutURL(), Status: http.StatusFound}, nil
}

// serverError maps failures that are not the user's to a status. Details stay
// in the log.
func (h *Handler) serverError(err error) error {
	switch {
	case errors.Is(err, session.ErrStoreUnavailable):
		return endpoint.Error(http.StatusServiceUnavailable, "service unavailable", err)
	case errors.Is(err, ErrConfiguration):
		return endpoint.Error(http.StatusInternalServerError, "sign-in is misconfigured", err)
	}
	return endpoint.Error(http.StatusInternalServerError, "", err)
}
