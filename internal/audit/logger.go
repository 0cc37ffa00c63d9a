package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventBind              EventType = "bind"
	EventUnbind            EventType = "unbind"
	EventScanLoginSuccess  EventType = "scan_login_success"
	EventScanLoginFailure  EventType = "scan_login_failure"
	EventCredentialInvalid EventType = "credential_invalid"
	EventSignRunStart      EventType = "sign_run_start"
	EventSignRunFinish     EventType = "sign_run_finish"
	EventSignRunRejected   EventType = "sign_run_rejected"
	EventGachaDelete       EventType = "gacha_delete"
	EventRateLimitExceed   EventType = "rate_limit_exceeded"
	EventAuthFailure       EventType = "auth_failure"
)

type Event struct {
	Type      EventType
	UserID    string
	BotID     string
	UID       string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "account").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.UserID != "" {
		logger = logger.With().Str("user_id", event.UserID).Logger()
	}
	if event.BotID != "" {
		logger = logger.With().Str("bot_id", event.BotID).Logger()
	}
	if event.UID != "" {
		logger = logger.With().Str("uid", event.UID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = getClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
