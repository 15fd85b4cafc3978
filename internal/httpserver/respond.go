package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxBodyBytes bounds JSON request bodies; config documents are the largest.
const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

var success = successResponse{Success: true}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already written.
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeInternal logs err and sends a generic 500 with msg.
func writeInternal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg, // #nosec G706 -- values sanitized via sanitizeLog
		"method", r.Method,
		"path", sanitizeLog(r.URL.Path),
		"error", err,
	)
	writeError(w, http.StatusInternalServerError, msg)
}

// writeUpstream is writeInternal for failures the client can act on;
// the cause is included as message.
func writeUpstream(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg, // #nosec G706 -- values sanitized via sanitizeLog
		"method", r.Method,
		"path", sanitizeLog(r.URL.Path),
		"error", err,
	)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msg, Message: err.Error()})
}

func writeInvalid(w http.ResponseWriter, details ...string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body", Details: details})
}

// decodeJSON reads a bounded JSON body into v. On failure it writes a 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "Request body too large"})
		case errors.Is(err, io.EOF):
			writeInvalid(w, "body: Request body is required")
		default:
			writeInvalid(w, fmt.Sprintf("body: %v", err))
		}
		return false
	}
	return true
}
