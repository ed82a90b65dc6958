// Package api implements the Query API (C7): synchronous, read-mostly
// HTTP endpoints over incidents, session summaries, SFU stats, health,
// and analysis-emitter control — every interface in spec.md §4.7. It
// holds no state of its own; it only reads and writes the room
// registry, rules engine, SFU core, and control hub it's constructed
// with.
package api

import (
	"encoding/json"
	"net/http"
)

// decodeJSON reads and decodes a request body into v.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSON marshals v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a `{"detail": "..."}` error body, matching spec.md
// §6's "missing required fields yield HTTP 400 with {detail:"..."}".
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
