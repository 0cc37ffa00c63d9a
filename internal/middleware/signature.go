package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/audit"
	"github.com/enduid/enduid-server/internal/util"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

type SignatureMiddleware struct {
	secret string
}

func NewSignatureMiddleware(secret string) *SignatureMiddleware {
	return &SignatureMiddleware{secret: secret}
}

func (m *SignatureMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.secret == "" {
			log.Warn().Msg("signature verification bypassed: WEBHOOK_SECRET is not configured")
			next.ServeHTTP(w, r)
			return
		}

		signature := r.Header.Get(SignatureHeader)
		if signature == "" {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"reason": "missing signature", "path": r.URL.Path},
			})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing signature",
			})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error().Err(err).Msg("signature middleware: failed to read body")
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "Failed to read request body",
			})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		computed := util.HmacSHA256(m.secret, string(body))
		if !util.ConstantTimeEqual(computed, signature) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"reason": "invalid signature", "path": r.URL.Path},
			})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid signature",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
