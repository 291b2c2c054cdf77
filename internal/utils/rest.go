package utils

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the OpenAI-compatible error envelope every non-2xx JSON
// response uses, so existing OpenAI clients can parse gateway errors.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// RespondWithError sends an error response in the OpenAI envelope. The error
// type is derived from the status class.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, ErrorResponse{Error: ErrorBody{
		Message: message,
		Type:    errorTypeFor(code),
	}})
}

// RespondWithJSON sends a JSON response
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "Failed to encode response: "+err.Error(), http.StatusInternalServerError)
		return err
	}
	return nil
}

func errorTypeFor(code int) string {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "authentication_error"
	case code == http.StatusTooManyRequests:
		return "rate_limit_error"
	case code >= 400 && code < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}
