package endpoint

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStringRenderer_SetsContentTypeAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := (&StringRenderer{Body: "hello"}).Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("content type: got %q", ct)
	}
}

func TestStringRenderer_DoesNotOverrideExistingContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/csv")
	_ = (&StringRenderer{Body: "a,b", Status: http.StatusAccepted}).Render(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusAccepted || rec.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("got %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestHTMLRenderer_SetsHTMLContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	_ = (&HTMLRenderer{StringRenderer{Body: "<p>hi</p>"}}).Render(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("content type: got %q", ct)
	}
}

func TestNoContentRenderer_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	_ = (&NoContentRenderer{}).Render(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestRedirectRenderer(t *testing.T) {
	tests := []struct {
		status int
		want   int
	}{
		{0, http.StatusFound},
		{http.StatusSeeOther, http.StatusSeeOther},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		_ = (&RedirectRenderer{URL: "https://idp.example.com/authorize", Status: tt.status}).Render(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != tt.want {
			t.Errorf("status %d: got %d want %d", tt.status, rec.Code, tt.want)
		}
		if loc := rec.Header().Get("Location"); loc != "https://idp.example.com/authorize" {
			t.Errorf("Location: got %q", loc)
		}
	}
}

func TestJSONRenderer_SetsContentTypeAndEncodesBody(t *testing.T) {
	rec := httptest.NewRecorder()
	err := (&JSONRenderer{Value: map[string]string{"name": "<Alice>"}}).Render(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatal(err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type: got %q", ct)
	}
	if rec.Body.String() != "{\"name\":\"<Alice>\"}\n" {
		t.Fatalf("body: got %q", rec.Body.String())
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got["name"] != "<Alice>" {
		t.Fatalf("decode: %v %v", got, err)
	}
}

func TestJSONRenderer_EncodeError(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := (&JSONRenderer{Value: make(chan int)}).Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
		t.Fatal("expected encode error")
	}
}
