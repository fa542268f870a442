package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/dropDatabas3/veil/internal/oidc"
)

// writeOAuthError renders an OAuth error as JSON. Token-style endpoints
// must not let these responses be cached.
func writeOAuthError(w http.ResponseWriter, status int, e *oidc.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
