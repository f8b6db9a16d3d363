package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// errorBody is the wire shape shared by every error response: a stable
// machine-readable code under "error".
type errorBody struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response with the given status and code.
func writeError(w http.ResponseWriter, statusCode int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(errorBody{Error: code}); err != nil {
		log.Error().Err(err).Str("code", code).Msg("Failed to encode error response")
	}
}
