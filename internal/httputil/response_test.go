package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/enduid/enduid-server/internal/errors"
)

func TestWriteError(t *testing.T) {
	t.Run("maps app error code to status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, apperrors.AlreadyRunning())

		assert.Equal(t, http.StatusConflict, rec.Code)

		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, apperrors.ErrCodeAlreadyRunning, body.Code)
	})

	t.Run("hides unknown errors", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("pq: relation does not exist"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "relation")
	})
}

func TestStatusFromCode(t *testing.T) {
	tests := []struct {
		code     apperrors.ErrorCode
		expected int
	}{
		{apperrors.ErrCodeMissingRequired, http.StatusBadRequest},
		{apperrors.ErrCodeCredentialInvalid, http.StatusUnauthorized},
		{apperrors.ErrCodeForbidden, http.StatusForbidden},
		{apperrors.ErrCodeNotFound, http.StatusNotFound},
		{apperrors.ErrCodeRateLimitExceeded, http.StatusTooManyRequests},
		{apperrors.ErrCodeUpstreamRejected, http.StatusBadGateway},
		{apperrors.ErrCodeTransientNetwork, http.StatusServiceUnavailable},
		{apperrors.ErrCodeDatabase, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.expected, StatusFromCode(tc.code))
		})
	}
}
