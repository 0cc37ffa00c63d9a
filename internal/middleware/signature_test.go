package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/enduid/enduid-server/internal/util"
)

func TestSignatureMiddleware(t *testing.T) {
	secret := "test-secret"
	body := `{"bot_id":"onebot","user_id":"10001","text":"help"}`
	validSignature := util.HmacSHA256(secret, body)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	unreachable := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})

	t.Run("passes through when secret is empty", func(t *testing.T) {
		handler := NewSignatureMiddleware("").Handler(ok)

		req := httptest.NewRequest("POST", "/bot/webhook", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rejects request without signature header", func(t *testing.T) {
		handler := NewSignatureMiddleware(secret).Handler(unreachable)

		req := httptest.NewRequest("POST", "/bot/webhook", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects request with invalid signature", func(t *testing.T) {
		handler := NewSignatureMiddleware(secret).Handler(unreachable)

		req := httptest.NewRequest("POST", "/bot/webhook", bytes.NewBufferString(body))
		req.Header.Set(SignatureHeader, "invalid-signature")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid signature keeps the body readable", func(t *testing.T) {
		handler := NewSignatureMiddleware(secret).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, err := io.ReadAll(r.Body)
			assert.NoError(t, err)
			assert.Equal(t, body, string(got))
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("POST", "/bot/webhook", bytes.NewBufferString(body))
		req.Header.Set(SignatureHeader, validSignature)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("signs the empty body of a GET", func(t *testing.T) {
		handler := NewSignatureMiddleware(secret).Handler(ok)

		req := httptest.NewRequest("GET", "/api/sign/status", nil)
		req.Header.Set(SignatureHeader, util.HmacSHA256(secret, ""))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
