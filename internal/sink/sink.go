package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/model"
)

const sendTimeout = 10 * time.Second

// Sender pushes a message to a chat user or group. Delivery is best effort.
type Sender interface {
	Send(ctx context.Context, target model.Target, msg model.OutboundMessage) error
}

type sendPayload struct {
	BotID       string `json:"bot_id"`
	TargetType  string `json:"target_type"`
	TargetID    string `json:"target_id"`
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// HTTPSink posts messages to the chat framework's send endpoint.
type HTTPSink struct {
	client *http.Client
	url    string
	token  string
}

func NewHTTPSink(url, token string) *HTTPSink {
	return &HTTPSink{
		client: &http.Client{Timeout: sendTimeout},
		url:    url,
		token:  token,
	}
}

func (s *HTTPSink) Send(ctx context.Context, target model.Target, msg model.OutboundMessage) error {
	payload := sendPayload{
		BotID:      target.BotID,
		TargetType: string(target.Type),
		TargetID:   target.ID,
		Text:       msg.Text,
	}
	if len(msg.Image) > 0 {
		payload.ImageBase64 = base64.StdEncoding.EncodeToString(msg.Image)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		log.Error().
			Err(err).
			Str("targetType", payload.TargetType).
			Str("targetId", target.ID).
			Dur("elapsed", elapsed).
			Msg("sink send error")
		return fmt.Errorf("sink request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().
			Str("targetType", payload.TargetType).
			Str("targetId", target.ID).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("sink send failed")
		return fmt.Errorf("sink send failed with status %d", resp.StatusCode)
	}

	log.Debug().
		Str("targetType", payload.TargetType).
		Str("targetId", target.ID).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("sink send successful")

	return nil
}

// Discard drops every message. It stands in when no sink URL is configured.
type Discard struct{}

func (Discard) Send(ctx context.Context, target model.Target, msg model.OutboundMessage) error {
	log.Debug().Str("targetId", target.ID).Msg("no sink configured, message dropped")
	return nil
}

// New returns an HTTPSink, or Discard when url is empty.
func New(url, token string) Sender {
	if url == "" {
		return Discard{}
	}
	return NewHTTPSink(url, token)
}
