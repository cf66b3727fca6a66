// Package server exposes the bot's small HTTP surface: the OAuth callback
// pages and a handful of debug endpoints.
package server

import (
	"encoding/json"
	"net/http"
)

// jsonError represents a JSON error payload.
type jsonError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteJSONError writes a JSON error payload with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonError{Error: message, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
