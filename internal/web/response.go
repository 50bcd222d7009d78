package web

import (
	"encoding/json"
	"net/http"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const (
	codeInvalidInput  = "INVALID_INPUT"
	codeUnauthorized  = "UNAUTHORIZED"
	codeForbidden     = "FORBIDDEN"
	codeNotFound      = "NOT_FOUND"
	codeConflict      = "CONFLICT"
	codeUpstream      = "UPSTREAM_ERROR"
	codeInternalError = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, message, codeInvalidInput)
}

func unauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, message, codeUnauthorized)
}

func forbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, message, codeForbidden)
}

func notFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, message, codeNotFound)
}

func conflict(w http.ResponseWriter, message string) {
	writeError(w, http.StatusConflict, message, codeConflict)
}

func internalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, message, codeInternalError)
}
