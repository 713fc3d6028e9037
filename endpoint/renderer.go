package endpoint

import "net/http"

// StringRenderer writes Body with an optional status code and content type.
//
// When ContentType is empty and no Content-Type header was set earlier,
// "text/plain; charset=utf-8" is used.
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") != "" {
		return
	}
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
}

// Render implements Renderer.
func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, sr.ContentType)
	status := sr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if sr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(sr.Body))
	return err
}

// HTMLRenderer is a StringRenderer with an HTML content type.
type HTMLRenderer struct {
	StringRenderer
}

// Render implements Renderer.
func (hr *HTMLRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	hr.StringRenderer.ContentType = "text/html; charset=utf-8"
	return hr.StringRenderer.Render(w, r)
}

// NoContentRenderer writes a response with no body.
//
// If Status is 0, it defaults to http.StatusNoContent.
type NoContentRenderer struct {
	Status int
}

// Render implements Renderer.
func (ncr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	status := ncr.Status
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
	return nil
}

// RedirectRenderer redirects the client to URL.
//
// If Status is 0, it defaults to http.StatusFound (302), which browsers
// follow with a GET.
type RedirectRenderer struct {
	URL    string
	Status int
}

// Render implements Renderer.
func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	status := rr.Status
	if status == 0 {
		status = http.StatusFound
	}
	http.Redirect(w, r, rr.URL, status)
	return nil
}
