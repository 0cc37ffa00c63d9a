package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBodyLimitMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("default size", func(t *testing.T) {
		assert.EqualValues(t, DefaultMaxBodySize, NewBodyLimitMiddleware(0).maxSize)
	})

	t.Run("rejects oversized content length", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/bot/webhook", nil)
		req.ContentLength = 11
		rec := httptest.NewRecorder()
		NewBodyLimitMiddleware(10).Handler(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}
