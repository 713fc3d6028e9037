package endpoint

import (
	"encoding/json"
	"net/http"
)

// JSONRenderer serializes Value as JSON.
//
// Content-Type is always "application/json". HTML escaping is disabled and
// json.Encoder appends a trailing newline. Encoding errors surface after the
// status line has been sent, so they are best-effort signals only.
type JSONRenderer struct {
	Status int
	Value  any
}

// Render implements Renderer.
func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	status := jr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(jr.Value)
}
