package auth

import (
	"context"
	"net/http"
	"net/url"

	"github.com/mnehpets/websignin/endpoint"
	"github.com/mnehpets/websignin/middleware"
	"github.com/mnehpets/websignin/session"
)

type identityContextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id session.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the signed-in identity attached by
// RequireLogin.
func IdentityFromContext(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(session.Identity)
	return id, ok
}

// RequireLogin returns a processor that lets only authenticated sessions
// through. Anyone else is redirected to loginPath with the original path
// and query as next_url. It must run after middleware.SessionProcessor, and
// it never changes session state.
func RequireLogin(loginPath string) endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		var rec *session.Record
		if sess, ok := middleware.SessionFromContext(r.Context()); ok {
			rec = sess.Record()
		}
		if !rec.IsAuthenticated() {
			target := loginPath + "?" + url.Values{"next_url": {r.URL.RequestURI()}}.Encode()
			return endpoint.Redirect(target, http.StatusFound)
		}
		*r = *r.WithContext(WithIdentity(r.Context(), *rec.Identity))
		return next(w, r)
	})
}
