package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/mnehpets/websignin/middleware"
	"github.com/mnehpets/websignin/pkce"
	"github.com/mnehpets/websignin/session"
	"github.com/rs/zerolog"
)

// DefaultLoginTimeout bounds how long a pending login may wait for its
// callback.
const DefaultLoginTimeout = 10 * time.Minute

// IdentityProvider is the part of Provider the Flow depends on.
type IdentityProvider interface {
	AuthorizeURL(pending *session.Pending) string
	Exchange(ctx context.Context, code string, pending *session.Pending) (*TokenResult, error)
	EndSessionURL() (string, bool)
}

// LoginStart is the outcome of BeginLogin.
type LoginStart struct {
	// AlreadyAuthenticated is set when the session is signed in already;
	// Redirect is then the local return path.
	AlreadyAuthenticated bool
	// Redirect is where to send the browser.
	Redirect string
	// Record is the record the session cookie must point at. It is nil
	// when AlreadyAuthenticated is set.
	Record *session.Record
}

// LoginResult is a completed sign-in.
type LoginResult struct {
	// Record is the new authenticated record. Its ID differs from the
	// session ID the callback arrived with.
	Record   *session.Record
	ReturnTo string
}

// Flow is the session identity state machine:
// Anonymous -> PendingAuthorization -> Authenticated.
//
// All state lives in the Store; Flow holds no per-user state and is safe
// for concurrent use.
type Flow struct {
	provider     IdentityProvider
	store        session.Store
	logger       zerolog.Logger
	now          func() time.Time
	sessionTTL   time.Duration
	loginTimeout time.Duration
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithFlowLogger sets the fallback logger, used when the request context
// carries none.
func WithFlowLogger(l zerolog.Logger) FlowOption {
	return func(f *Flow) {
		f.logger = l
	}
}

// WithFlowClock overrides the clock.
func WithFlowClock(now func() time.Time) FlowOption {
	return func(f *Flow) {
		f.now = now
	}
}

// WithSessionTTL sets the lifetime of new records.
func WithSessionTTL(d time.Duration) FlowOption {
	return func(f *Flow) {
		if d > 0 {
			f.sessionTTL = d
		}
	}
}

// WithLoginTimeout sets the pending login deadline.
func WithLoginTimeout(d time.Duration) FlowOption {
	return func(f *Flow) {
		if d > 0 {
			f.loginTimeout = d
		}
	}
}

// NewFlow returns a Flow using provider for the protocol and store for
// session records.
func NewFlow(provider IdentityProvider, store session.Store, opts ...FlowOption) *Flow {
	f := &Flow{
		provider:     provider,
		store:        store,
		logger:       zerolog.Nop(),
		now:          time.Now,
		sessionTTL:   session.DefaultTTL,
		loginTimeout: DefaultLoginTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// errAuthenticated and errNoPending abort a store update without writing.
var (
	errAuthenticated = errors.New("session already authenticated")
	errNoPending     = errors.New("no pending login")
)

// BeginLogin starts a sign-in for sessionID, which may be empty. returnTo is
// sanitized to a local path.
//
// A session that is already signed in is left alone. Otherwise a new PKCE
// pair, state and nonce replace any earlier pending login, so only the most
// recent login for a session can complete.
func (f *Flow) BeginLogin(ctx context.Context, sessionID, returnTo string) (*LoginStart, error) {
	returnTo = ValidateNextURLIsLocal(returnTo)

	pending, err := f.newPending(returnTo)
	if err != nil {
		return nil, err
	}

	if sessionID != "" {
		rec, err := f.store.Update(ctx, sessionID, func(r *session.Record) error {
			if r.IsAuthenticated() {
				return errAuthenticated
			}
			r.Reset()
			p := *pending
			r.State = session.PendingAuthorization
			r.Pending = &p
			return nil
		})
		switch {
		case err == nil:
			return &LoginStart{Redirect: f.provider.AuthorizeURL(pending), Record: rec}, nil
		case errors.Is(err, errAuthenticated):
			return &LoginStart{AlreadyAuthenticated: true, Redirect: returnTo}, nil
		case !errors.Is(err, session.ErrNotFound):
			return nil, err
		}
	}

	rec, err := session.New(f.now(), f.sessionTTL)
	if err != nil {
		return nil, err
	}
	rec.State = session.PendingAuthorization
	rec.Pending = pending
	if err := f.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	return &LoginStart{Redirect: f.provider.AuthorizeURL(pending), Record: rec}, nil
}

func (f *Flow) newPending(returnTo string) (*session.Pending, error) {
	pair, err := pkce.New()
	if err != nil {
		return nil, fmt.Errorf("auth: generate pkce: %w", err)
	}
	state, err := randomString()
	if err != nil {
		return nil, fmt.Errorf("auth: generate state: %w", err)
	}
	nonce, err := randomString()
	if err != nil {
		return nil, fmt.Errorf("auth: generate nonce: %w", err)
	}
	return &session.Pending{
		PKCE:      pair,
		State:     state,
		Nonce:     nonce,
		ReturnTo:  returnTo,
		ExpiresAt: f.now().Add(f.loginTimeout),
	}, nil
}

// claim atomically takes the pending login out of the record. After a
// successful claim the record is Anonymous and the verifier exists only in
// the returned copy, so at most one callback can redeem it.
func (f *Flow) claim(ctx context.Context, sessionID, returnedState string) (*session.Pending, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: no session", ErrInvalidGrant)
	}
	var claimed *session.Pending
	var outcome error
	_, err := f.store.Update(ctx, sessionID, func(r *session.Record) error {
		// The store may run this more than once.
		claimed, outcome = nil, nil
		if r.IsAuthenticated() {
			return errAuthenticated
		}
		if r.State != session.PendingAuthorization || r.Pending == nil {
			return errNoPending
		}
		p := *r.Pending
		r.Reset()
		switch {
		case f.now().After(p.ExpiresAt):
			outcome = fmt.Errorf("%w: pending login expired", ErrInvalidGrant)
		case subtle.ConstantTimeCompare([]byte(p.State), []byte(returnedState)) != 1:
			outcome = ErrStateMismatch
		default:
			claimed = &p
		}
		return nil
	})
	switch {
	case err == nil:
		return claimed, outcome
	case errors.Is(err, errAuthenticated):
		return nil, fmt.Errorf("%w: session already authenticated", ErrInvalidGrant)
	case errors.Is(err, errNoPending), errors.Is(err, session.ErrNotFound):
		return nil, fmt.Errorf("%w: no pending login", ErrInvalidGrant)
	}
	return nil, err
}

// CompleteLogin redeems code for the pending login on sessionID.
//
// The pending login is consumed before the provider is contacted, whatever
// the outcome. On success the session moves to a new record with a new ID
// and the old record is destroyed.
func (f *Flow) CompleteLogin(ctx context.Context, sessionID, code, returnedState string) (*LoginResult, error) {
	l := middleware.Logger(ctx, f.logger)

	pending, err := f.claim(ctx, sessionID, returnedState)
	if err != nil {
		return nil, err
	}
	if !pkce.Verify(pending.PKCE.Verifier, pending.PKCE.Challenge) {
		return nil, fmt.Errorf("%w: stored verifier does not match its challenge", ErrInvalidGrant)
	}

	tokens, err := f.provider.Exchange(ctx, code, pending)
	if err != nil {
		return nil, err
	}

	rec, err := session.New(f.now(), f.sessionTTL)
	if err != nil {
		return nil, err
	}
	rec.State = session.Authenticated
	identity := tokens.Identity
	rec.Identity = &identity
	rec.AccessToken = tokens.AccessToken
	if err := f.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	if err := f.store.Destroy(ctx, sessionID); err != nil {
		// The old record is Anonymous by now and expires on its own.
		l.Warn().Err(err).Msg("failed to destroy pre-login session record")
	}

	l.Info().Object("session", rec).Msg("user signed in")
	return &LoginResult{Record: rec, ReturnTo: pending.ReturnTo}, nil
}

// CancelLogin consumes the pending login after the provider reported an
// error on the callback, such as the user declining consent.
func (f *Flow) CancelLogin(ctx context.Context, sessionID, returnedState string, cause *ProviderError) error {
	if _, err := f.claim(ctx, sessionID, returnedState); err != nil {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInvalidGrant, cause)
}

// EndSession destroys the record for sessionID. A missing record is not an
// error.
func (f *Flow) EndSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return f.store.Destroy(ctx, sessionID)
}

// LogoutURL is where the browser goes after a local sign-out.
func (f *Flow) LogoutURL() string {
	if u, ok := f.provider.EndSessionURL(); ok {
		return u
	}
	return "/"
}
