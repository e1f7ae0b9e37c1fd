package common

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorBody is the "error" member of every API error response:
//
//	{"error":{"code":"INVALID_CATALOG_ITEM","message":"...","details":{"itemId":"..."}}}
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

var internalErrorBody = ErrorBody{Code: "INTERNAL", Message: "internal error"}

// JSON writes v with the given status. A nil v writes the status only.
func JSON(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError writes an error envelope.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, errorEnvelope{Error: ErrorBody{Code: code, Message: message, Details: details}})
}

// WriteError renders err through its AppError, keeping code and details.
// Anything else is reported as a 500 without leaking the cause.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		JSON(w, appErr.Status(), errorEnvelope{Error: appErr.Body()})
		return
	}
	JSON(w, http.StatusInternalServerError, errorEnvelope{Error: internalErrorBody})
}
