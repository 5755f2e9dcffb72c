// Package errors provides error presentation for the knull HTTP API.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// HTTP wraps an error with the status code it should be presented with.
type HTTP struct {
	WrappedErr error
	StatusCode int
}

// Error presents the underlying error.
func (err HTTP) Error() string {
	return err.WrappedErr.Error()
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (err HTTP) Unwrap() error {
	return err.WrappedErr
}

// NewHTTP creates a new HTTP error from a message.
func NewHTTP(msg string, statusCode int) HTTP {
	return HTTP{WrappedErr: fmt.Errorf("%s", msg), StatusCode: statusCode}
}

// WithStatus wraps err so that it is presented with the provided status code.
func WithStatus(err error, statusCode int) HTTP {
	return HTTP{WrappedErr: err, StatusCode: statusCode}
}

type body struct {
	Error string `json:"error"`
}

// WrapHandler adapts an error returning handler, writing a JSON error body if it fails.
// Errors that are not HTTP errors are reported as 500s.
func WrapHandler(fn func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		err := fn(w, req)
		if err == nil {
			return
		}

		statusCode := http.StatusInternalServerError
		var httpErr HTTP
		if errors.As(err, &httpErr) {
			statusCode = httpErr.StatusCode
		} else {
			slog.ErrorContext(req.Context(), "unhandled http error", "path", req.URL.Path, "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if encodeErr := json.NewEncoder(w).Encode(body{Error: err.Error()}); encodeErr != nil {
			slog.ErrorContext(req.Context(), "failed to write error response", "error", encodeErr)
		}
	})
}
