package idempotency

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HeaderStatus is the response header carrying Original or Repeated
const HeaderStatus = "Idempotency-Status"

// StampHeaders adds the idempotency envelope to h
func StampHeaders(h http.Header, headerName, key string, status Status) {
	h.Set(headerName, key)
	h.Set(HeaderStatus, string(status))
}

// WriteResult writes a processed response with its envelope
func WriteResult(w http.ResponseWriter, headerName, key string, result *Result) {
	copyHeaders(w.Header(), result.Response.Headers)
	StampHeaders(w.Header(), headerName, key, result.Status)
	writeBody(w, result.Response)
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func writeBody(w http.ResponseWriter, cached *CachedResponse) {
	status := cached.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(cached.Body)
}

// ErrorBody is the JSON document sent for rejected requests
type ErrorBody struct {
	Error string `json:"error"`
}

// ErrorMessage returns the client-facing message for err
func ErrorMessage(headerName string, err error) string {
	switch {
	case errors.Is(err, ErrMissingKey):
		return "Missing " + headerName + " header"
	case errors.Is(err, ErrInvalidKeyFormat):
		return "Invalid " + headerName + " format"
	case errors.Is(err, ErrConcurrentConflict):
		return "A request with this " + headerName + " is already being processed"
	case errors.Is(err, ErrLockInconsistency):
		return "Unable to determine the state of this " + headerName + ", please retry"
	case errors.Is(err, ErrPayloadMismatch):
		return "Request does not match the original request for this " + headerName
	default:
		return "Internal server error"
	}
}

// WriteError writes err as a JSON error response
func WriteError(w http.ResponseWriter, headerName, key string, err error) {
	if key != "" && !errors.Is(err, ErrInvalidKeyFormat) {
		w.Header().Set(headerName, key)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(StatusCode(err))
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: ErrorMessage(headerName, err)})
}
