package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mnehpets/websignin/endpoint"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request correlation id.
const RequestIDHeader = "X-Request-Id"

// RequestLogger attaches a request-scoped zerolog.Logger, tagged with a
// request id, to the request context and logs each request once it completes.
//
// An incoming X-Request-Id is reused only if it is a well-formed UUID.
type RequestLogger struct {
	logger zerolog.Logger
}

// NewRequestLogger creates a RequestLogger writing to l.
func NewRequestLogger(l zerolog.Logger) *RequestLogger {
	return &RequestLogger{logger: l}
}

// Process implements endpoint.Processor.
func (p *RequestLogger) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	id := r.Header.Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)

	l := p.logger.With().
		Str("request_id", id).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Logger()
	*r = *r.WithContext(l.WithContext(r.Context()))

	start := time.Now()
	err := next(w, r)
	ev := l.Debug()
	if err != nil {
		ev = l.Info().Err(err)
	}
	ev.Dur("duration", time.Since(start)).Msg("request")
	return err
}

// Logger returns the request-scoped logger from ctx, or fallback if none was
// attached.
func Logger(ctx context.Context, fallback zerolog.Logger) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &fallback
}

var _ endpoint.Processor = (*RequestLogger)(nil)
