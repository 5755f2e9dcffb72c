package errors_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"knull.dev/knull/internal/errors"
)

func TestWrapHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "HTTPError",
			err:        errors.NewHTTP("build not found", http.StatusNotFound),
			wantStatus: http.StatusNotFound,
			wantBody:   "build not found",
		},
		{
			name:       "WrappedHTTPError",
			err:        fmt.Errorf("lookup: %w", errors.NewHTTP("bad id", http.StatusBadRequest)),
			wantStatus: http.StatusBadRequest,
			wantBody:   "lookup: bad id",
		},
		{
			name:       "NoError",
			err:        nil,
			wantStatus: http.StatusOK,
		},
		{
			name:       "UnhandledError",
			err:        fmt.Errorf("unhandled oops"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "unhandled oops",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := errors.WrapHandler(func(http.ResponseWriter, *http.Request) error {
				return tc.err
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/error/test", nil)
			handler.ServeHTTP(w, req)

			result := w.Result()
			assert.Equal(t, tc.wantStatus, result.StatusCode)
			if tc.wantBody == "" {
				return
			}
			var got struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.NewDecoder(result.Body).Decode(&got))
			assert.Equal(t, tc.wantBody, got.Error)
		})
	}
}
