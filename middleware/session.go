package middleware

// Session middleware for the endpoint processor/renderer pipeline.
//
// The cookie only carries a sealed session identifier; the record lives in a
// session.Store.

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mnehpets/websignin/endpoint"
	"github.com/mnehpets/websignin/session"
	"github.com/rs/zerolog"
)

// DefaultCookieName is the default name for the session cookie.
const DefaultCookieName = "WSS"

// Session is the request-scoped view of the caller's session.
type Session interface {
	// Record returns a copy of the live record loaded for this request, or
	// nil if the request carries no valid session.
	Record() *session.Record
	// ID returns the session identifier, or "" if there is no live record.
	ID() string
	// CookieID returns the session identifier the request's cookie carried,
	// even when no live record could be loaded for it. Handlers that must
	// destroy or consume server-side state use it so that a failed read does
	// not leave that state behind.
	CookieID() string
	// Bind points the cookie at rec. Use it after creating or rotating a record.
	Bind(rec *session.Record)
	// Clear drops the cookie and the request's view of the record.
	Clear()
}

// requestSession implements Session with a dirty flag to track whether the
// cookie must be rewritten.
type requestSession struct {
	record   *session.Record
	cookieID string
	dirty    bool
}

func (s *requestSession) Record() *session.Record {
	if s == nil {
		return nil
	}
	return s.record.Clone()
}

func (s *requestSession) ID() string {
	if s == nil || s.record == nil {
		return ""
	}
	return s.record.ID
}

func (s *requestSession) CookieID() string {
	if s == nil {
		return ""
	}
	return s.cookieID
}

func (s *requestSession) Bind(rec *session.Record) {
	if s == nil {
		return
	}
	s.record = rec.Clone()
	s.dirty = true
}

func (s *requestSession) Clear() {
	if s == nil {
		return
	}
	s.record = nil
	s.dirty = true
}

// sessionContextKey is an unexported unique key for storing sessions in context.
type sessionContextKey struct{}

// WithSession stores sess in ctx and returns the derived context.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// SessionProcessor is an endpoint processor that resolves the session cookie
// to a record. It only reads the store; handlers that change the session
// call Bind or Clear and the cookie is rewritten before headers go out.
//
// Store failures fail closed: the request proceeds as anonymous.
type SessionProcessor struct {
	cookie *SessionCookie
	store  session.Store
	logger zerolog.Logger
	now    func() time.Time
}

// SessionProcessorOption configures the SessionProcessor.
type SessionProcessorOption func(*sessionProcessorConfig)

type sessionProcessorConfig struct {
	cookieName    string
	cookieOptions []SecureCookieOption
	logger        zerolog.Logger
	now           func() time.Time
}

// WithCookieName sets the name of the session cookie.
func WithCookieName(name string) SessionProcessorOption {
	return func(c *sessionProcessorConfig) {
		c.cookieName = name
	}
}

// WithCookieOptions adds SecureCookieOptions to the cookie configuration.
func WithCookieOptions(opts ...SecureCookieOption) SessionProcessorOption {
	return func(c *sessionProcessorConfig) {
		c.cookieOptions = append(c.cookieOptions, opts...)
	}
}

// WithLogger sets the logger used for store failures.
func WithLogger(l zerolog.Logger) SessionProcessorOption {
	return func(c *sessionProcessorConfig) {
		c.logger = l
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) SessionProcessorOption {
	return func(c *sessionProcessorConfig) {
		c.now = now
	}
}

// NewSessionProcessor returns a SessionProcessor reading records from store.
func NewSessionProcessor(store session.Store, keyID string, keys map[string][]byte, opts ...SessionProcessorOption) (*SessionProcessor, error) {
	if store == nil {
		return nil, errors.New("session store must not be nil")
	}
	cfg := sessionProcessorConfig{
		cookieName: DefaultCookieName,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cookie, err := NewSessionCookie(cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &SessionProcessor{
		cookie: cookie,
		store:  store,
		logger: cfg.logger,
		now:    cfg.now,
	}, nil
}

// Cookie returns the cookie codec, mainly for tests and tooling.
func (p *SessionProcessor) Cookie() *SessionCookie {
	return p.cookie
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	sess := &requestSession{}

	if c, err := r.Cookie(p.cookie.Name()); err == nil {
		id, err := p.cookie.Decode(c)
		if err != nil {
			// Tampered, sealed with a retired key, or garbage. Clear it.
			sess.dirty = true
		} else {
			sess.cookieID = id
			rec, err := p.store.Get(r.Context(), id)
			switch {
			case err == nil && !rec.Expired(p.now()):
				sess.record = rec
			case err == nil, errors.Is(err, session.ErrNotFound):
				sess.dirty = true
			default:
				// Keep the cookie; the store may recover on the next request.
				Logger(r.Context(), p.logger).Warn().Err(err).Msg("session lookup failed; treating request as anonymous")
			}
		}
	}

	// Just before headers are written, check for dirty, and persist any changes.
	ctx := r.Context()
	endpoint.Defer(ctx, func(w http.ResponseWriter) {
		p.maybeSetCookie(ctx, w, sess)
	})

	*r = *r.WithContext(WithSession(r.Context(), sess))
	return next(w, r)
}

func (p *SessionProcessor) maybeSetCookie(ctx context.Context, w http.ResponseWriter, sess *requestSession) {
	if !sess.dirty {
		return
	}
	if sess.record == nil {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	maxAge := int(sess.record.ExpiresAt.Sub(p.now()).Seconds())
	if maxAge <= 0 {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	c, err := p.cookie.Encode(sess.record.ID, maxAge)
	if err != nil {
		Logger(ctx, p.logger).Error().Err(err).Msg("failed to encode session cookie")
		return
	}
	http.SetCookie(w, c)
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
var _ Session = (*requestSession)(nil)
