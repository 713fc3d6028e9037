package endpoint

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type headerPreprocessor struct {
	Key   string
	Value string
}

func (hp headerPreprocessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if hp.Key != "" {
		w.Header().Set(hp.Key, hp.Value)
	}
	return next(w, r)
}

func TestHandler_PreprocessorsThenRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	h := Handler(func(_ http.ResponseWriter, r *http.Request, params struct{}) (Renderer, error) {
		return &StringRenderer{Body: "ok"}, nil
	}, headerPreprocessor{Key: "X-Test", Value: "1"})
	h.ServeHTTP(rec, req)

	if got := rec.Result().Header.Get("X-Test"); got != "1" {
		t.Fatalf("expected X-Test header %q, got %q", "1", got)
	}
	if got := rec.Body.String(); got != "ok" {
		t.Fatalf("expected body %q, got %q", "ok", got)
	}
}

func TestHandler_ParamBinding(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, params struct {
		Next string `query:"next_url"`
	}) (Renderer, error) {
		return &StringRenderer{Body: "next=" + params.Next}, nil
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/?next_url=%2Fprivate", nil))
	if got := rec.Body.String(); got != "next=/private" {
		t.Fatalf("body: got %q", got)
	}
}

func TestHandler_NilEndpoint_Is500(t *testing.T) {
	rec := httptest.NewRecorder()
	(&EndpointHandler[struct{}]{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandler_NilRendererAndProcessor_Are500(t *testing.T) {
	for name, h := range map[string]http.Handler{
		"nil renderer": Handler(func(http.ResponseWriter, *http.Request, struct{}) (Renderer, error) {
			return nil, nil
		}),
		"nil processor": Handler(func(http.ResponseWriter, *http.Request, struct{}) (Renderer, error) {
			return &StringRenderer{Body: "ok"}, nil
		}, nil),
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", name, rec.Code)
		}
	}
}

func TestCookies_ProcessorAndDefer_SetCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	h := Handler(func(_ http.ResponseWriter, r *http.Request, params struct{}) (Renderer, error) {
		Defer(r.Context(), func(w http.ResponseWriter) {
			http.SetCookie(w, &http.Cookie{Name: "b", Value: "2", Path: "/"})
		})
		return &StringRenderer{Body: "ok"}, nil
	}, ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		http.SetCookie(w, &http.Cookie{Name: "a", Value: "1", Path: "/"})
		return next(w, r)
	}))
	h.ServeHTTP(rec, req)

	cookies := rec.Result().Header.Values("Set-Cookie")
	sort.Strings(cookies)
	if len(cookies) != 2 || !strings.HasPrefix(cookies[0], "a=1") || !strings.HasPrefix(cookies[1], "b=2") {
		t.Fatalf("unexpected cookies: %v", cookies)
	}
}

func TestHandler_EndpointError_IsRendered(t *testing.T) {
	rec := httptest.NewRecorder()
	h := Handler(func(http.ResponseWriter, *http.Request, struct{}) (Renderer, error) {
		return nil, Error(http.StatusServiceUnavailable, "try again later", errors.New("redis down"))
	})
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "try again later") || strings.Contains(body, "redis") {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := rec.Result().Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type: got %q", ct)
	}
}

func TestHandler_PlainError_DoesNotLeakCause(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(l.WithContext(req.Context()))
	h := Handler(func(http.ResponseWriter, *http.Request, struct{}) (Renderer, error) {
		return nil, errors.New("secret internal detail")
	})
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatalf("cause leaked to client: %q", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "secret internal detail") {
		t.Fatalf("expected cause in log, got %q", buf.String())
	}
}

func TestEndpointError_Unwrap_PreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Error(http.StatusBadRequest, "bad", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the cause")
	}
	if again := Error(http.StatusInternalServerError, "", err); again != err {
		t.Fatal("expected no double wrapping")
	}
}

func TestHandler_RedirectFromProcessor(t *testing.T) {
	hookRan := false
	endpointRan := false
	h := Handler(func(http.ResponseWriter, *http.Request, struct{}) (Renderer, error) {
		endpointRan = true
		return &StringRenderer{Body: "ok"}, nil
	}, ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(http.ResponseWriter) { hookRan = true })
		return Redirect("/auth/login?next_url=%2Fprivate", 0)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/private", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Result().Header.Get("Location"); loc != "/auth/login?next_url=%2Fprivate" {
		t.Fatalf("Location: got %q", loc)
	}
	if endpointRan {
		t.Fatal("endpoint must not run after a redirect")
	}
	if !hookRan {
		t.Fatal("deferred hooks must run before the redirect")
	}
}

func TestHandler_DeferAndCommit_ExecutionOrder(t *testing.T) {
	var execOrder []string

	p1 := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(w http.ResponseWriter) {
			execOrder = append(execOrder, "p1-hook")
			w.Header().Set("X-P1", "val")
		})
		return next(w, r)
	})
	p2 := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(w http.ResponseWriter) {
			execOrder = append(execOrder, "p2-hook")
		})
		return next(w, r)
	})

	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return RendererFunc(func(w http.ResponseWriter, r *http.Request) error {
			execOrder = append(execOrder, "renderer")
			w.WriteHeader(http.StatusOK)
			return nil
		}), nil
	}, p1, p2)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := []string{"p2-hook", "p1-hook", "renderer"}
	if strings.Join(execOrder, ",") != strings.Join(want, ",") {
		t.Fatalf("order: got %v want %v", execOrder, want)
	}
	if rec.Header().Get("X-P1") != "val" {
		t.Errorf("X-P1 header not set by hook")
	}
}

func TestHandler_DeferAndCommit_RunOnError(t *testing.T) {
	hookRan := false
	p1 := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(w http.ResponseWriter) {
			hookRan = true
		})
		return errors.New("processor error")
	})

	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &StringRenderer{Body: "ok"}, nil
	}, p1)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if !hookRan {
		t.Errorf("expected deferred hook to run on error")
	}
}

func TestHandler_Defer_NoOpWithoutContext(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Defer panicked: %v", r)
		}
	}()
	Defer(context.Background(), func(w http.ResponseWriter) {})
	Commit(context.Background(), httptest.NewRecorder())
}

type closingRenderer struct {
	Renderer
	closeCalled bool
}

func (cr *closingRenderer) Close() error {
	cr.closeCalled = true
	return nil
}

func TestRendererCleanup(t *testing.T) {
	cr := &closingRenderer{
		Renderer: RendererFunc(func(w http.ResponseWriter, r *http.Request) error {
			return errors.New("render failed")
		}),
	}
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return cr, nil
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !cr.closeCalled {
		t.Error("expected Close() to be called even on render error")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
}
