package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every rejection. Detail is human readable;
// endpoint-specific metadata goes in the typed payloads that embed it.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// writeErrorDetail writes {"error": message, "detail": detail}
func writeErrorDetail(w http.ResponseWriter, status int, message, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Detail: detail})
}

// WriteError writes a JSON error response using err as the detail
func WriteError(w http.ResponseWriter, status int, message string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	writeErrorDetail(w, status, message, detail)
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, detail string) {
	writeErrorDetail(w, http.StatusBadRequest, "Bad request", detail)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message, detail string) {
	writeErrorDetail(w, http.StatusUnauthorized, message, detail)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, detail string) {
	writeErrorDetail(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a not found error (404)
func WriteNotFound(w http.ResponseWriter, detail string) {
	writeErrorDetail(w, http.StatusNotFound, "Not found", detail)
}

// WriteInternalError writes a generic 500. The cause is never echoed to the
// client; callers log it.
func WriteInternalError(w http.ResponseWriter) {
	writeErrorDetail(w, http.StatusInternalServerError, "Internal server error", "an unexpected error occurred")
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// MessageResponse is a plain confirmation body
type MessageResponse struct {
	Message string `json:"message"`
}

// WriteMessage writes {"message": message} with status 200
func WriteMessage(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, MessageResponse{Message: message})
}
