// Package api serves the proxy leasing HTTP interface.
package api

import (
	"encoding/json"
	"net/http"
)

// Envelope is the uniform response shape. Code mirrors the HTTP status so
// clients reading only the body still see the outcome.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// WriteJSON writes a success envelope.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, Envelope{Code: status, Message: "success", Data: data})
}

// WriteError writes an error envelope with no data.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, Envelope{Code: status, Message: message})
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
