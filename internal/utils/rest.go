package utils

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the stable JSON error body returned by every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RespondWithError sends a JSON error response with a stable error code.
func RespondWithError(w http.ResponseWriter, status int, message string, code ...string) {
	resp := ErrorResponse{Error: message}
	if len(code) > 0 {
		resp.Code = code[0]
	}
	RespondWithJSON(w, status, resp)
}

// RespondWithJSON sends a JSON response
func RespondWithJSON(w http.ResponseWriter, status int, payload interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "Failed to encode response: "+err.Error(), http.StatusInternalServerError)
		return err
	}
	return nil
}
