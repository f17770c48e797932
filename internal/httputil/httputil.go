// Package httputil provides JSON response helpers shared by the site and
// registry REST surfaces.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/logging"
)

// ErrorResponse is the JSON envelope written for every non-2xx response.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

var defaultLogger = logging.NewFromEnv("httputil")

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		defaultLogger.WithFields(nil).WithError(err).Warn("write json response")
	}
}

func traceID(w http.ResponseWriter, r *http.Request) string {
	if r != nil {
		if id := logging.GetTraceID(r.Context()); id != "" {
			return id
		}
		if id := r.Header.Get("X-Trace-ID"); id != "" {
			return id
		}
	}
	return w.Header().Get("X-Trace-ID")
}

// WriteErrorResponse writes a standard error envelope.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	id := traceID(w, r)
	if id != "" && w.Header().Get("X-Trace-ID") == "" {
		w.Header().Set("X-Trace-ID", id)
	}
	WriteJSON(w, status, ErrorResponse{Code: code, Message: message, Details: details, TraceID: id})
}

// WriteDDMError maps a ddmerrors.Error (or any error) onto an HTTP
// response, using its HTTPStatus and Code when present.
func WriteDDMError(w http.ResponseWriter, r *http.Request, err error) {
	var de *ddmerrors.Error
	if errors.As(err, &de) {
		WriteErrorResponse(w, r, de.HTTPStatus, string(de.Code), de.Message, de.Details)
		return
	}
	WriteErrorResponse(w, r, http.StatusInternalServerError, string(ddmerrors.Internal), err.Error(), nil)
}

// DecodeJSON decodes r's body into v, writing a 400 response and
// returning false on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteErrorResponse(w, r, http.StatusBadRequest, string(ddmerrors.MalformedId), "invalid request body", map[string]any{"error": err.Error()})
		return false
	}
	return true
}
