package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestLogger logs one line per request with its status and latency.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &StatusWriter{w: w, Status: http.StatusOK}
		next.ServeHTTP(sw, r)

		var event *zerolog.Event
		switch {
		case sw.Status >= 500:
			event = log.Error()
		case sw.Status >= 400:
			event = log.Warn()
		default:
			event = log.Info()
		}
		event.
			Str("requestId", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remoteAddr", r.RemoteAddr).
			Int("status", sw.Status).
			Int("bytes", sw.Bytes).
			Dur("latency", time.Since(start)).
			Msg("finished request")
	})
}

// StatusWriter records the status code and body size written by a handler.
type StatusWriter struct {
	w      http.ResponseWriter
	Status int
	Bytes  int
}

func (sw *StatusWriter) WriteHeader(status int) {
	sw.Status = status
	sw.w.WriteHeader(status)
}

func (sw *StatusWriter) Header() http.Header { return sw.w.Header() }

func (sw *StatusWriter) Write(b []byte) (int, error) {
	n, err := sw.w.Write(b)
	sw.Bytes += n
	return n, err
}

func (sw *StatusWriter) Unwrap() http.ResponseWriter { return sw.w }
