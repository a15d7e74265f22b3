package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Error codes returned by the API outside of SSE streams.
const (
	codeInvalidRequest       = "invalid_request"
	codeRateLimited          = "RATE_LIMITED"
	codeQuotaExceeded        = "QUOTA_EXCEEDED"
	codeGenerationNotFound   = "GENERATION_NOT_FOUND"
	codeConversationNotFound = "CONVERSATION_NOT_FOUND"
	codeInternal             = "internal_error"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes data with the given status. Headers go out before the
// body is encoded, so an encoding failure leaves a partial response.
func writeJSON(w http.ResponseWriter, r *http.Request, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode JSON response", "error", err)
	}
}

// writeError writes {"error": {"code", "message"}}. Its signature matches
// auth.ErrorWriter.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeFailure picks the status for a body that could not be decoded.
func decodeFailure(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, codeInvalidRequest, "Request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid JSON body")
}
