package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/enduid/enduid-server/internal/audit"
	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/sink"
	"github.com/enduid/enduid-server/internal/skland"
)

const qrSize = 256

// LoginAPI is the QR scan-login surface of the account service.
type LoginAPI interface {
	GenScanID(ctx context.Context) (string, error)
	ScanStatus(ctx context.Context, scanID string) (string, error)
	TokenByScanCode(ctx context.Context, scanCode string) (string, error)
}

// TokenBinder binds the credential behind an account login token.
type TokenBinder interface {
	BindToken(ctx context.Context, caller model.Caller, token string) (string, error)
}

// LoginService runs QR scan logins. The QR is returned to the caller right
// away; polling continues in the background and the outcome is pushed
// through the sink.
type LoginService struct {
	api    LoginAPI
	binder TokenBinder
	sink   sink.Sender

	attempts int
	interval time.Duration
	sleep    func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLoginService(api LoginAPI, binder TokenBinder, sender sink.Sender) *LoginService {
	ctx, cancel := context.WithCancel(context.Background())
	return &LoginService{
		api:      api,
		binder:   binder,
		sink:     sender,
		attempts: skland.ScanPollAttempts,
		interval: skland.ScanPollInterval,
		sleep:    sleepContext,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start creates a scan session and returns the QR prompt.
func (s *LoginService) Start(ctx context.Context, caller model.Caller) (*model.OutboundMessage, error) {
	scanID, err := s.api.GenScanID(ctx)
	if err != nil {
		log.Warn().Err(err).Str("userId", caller.UserID).Msg("failed to create scan id")
		return &model.OutboundMessage{Text: gameTitle + " 获取二维码失败，请稍后重试"}, nil
	}

	png, err := qrcode.Encode(skland.ScanLoginURLPrefix+scanID, qrcode.Medium, qrSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to render login qr code")
		return &model.OutboundMessage{Text: gameTitle + " 生成二维码失败"}, nil
	}

	session := uuid.NewString()
	log.Info().Str("session", session).Str("userId", caller.UserID).Msg("scan login started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.poll(session, caller, scanID)
	}()

	return &model.OutboundMessage{
		Text:  gameTitle + " 请使用森空岛APP扫码登录，二维码有效时间为2分钟。\n⚠️ 请不要扫描他人的登录二维码！",
		Image: png,
	}, nil
}

// Shutdown abandons pending logins and waits for their goroutines.
func (s *LoginService) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

func (s *LoginService) poll(session string, caller model.Caller, scanID string) {
	ctx := s.ctx
	logger := log.With().Str("session", session).Str("userId", caller.UserID).Logger()

	var scanCode string
	for i := 0; i < s.attempts && scanCode == ""; i++ {
		if err := s.sleep(ctx, s.interval); err != nil {
			logger.Info().Msg("scan login abandoned")
			return
		}
		code, err := s.api.ScanStatus(ctx, scanID)
		if err != nil {
			logger.Debug().Err(err).Msg("scan status poll failed")
			continue
		}
		scanCode = code
	}

	if scanCode == "" {
		s.finish(ctx, caller, false, gameTitle+" 二维码已超时，请重新获取并扫码")
		return
	}
	logger.Info().Msg("login qr scanned")

	token, err := s.api.TokenByScanCode(ctx, scanCode)
	if err != nil {
		logger.Warn().Err(err).Msg("scan code exchange failed")
		s.finish(ctx, caller, false, gameTitle+" 获取 token 失败，请重试")
		return
	}

	reply, err := s.binder.BindToken(ctx, caller, token)
	if err != nil {
		logger.Error().Err(err).Msg("scan login bind failed")
		s.finish(ctx, caller, false, gameTitle+" 绑定失败，请稍后重试")
		return
	}
	s.finish(ctx, caller, true, reply)
}

func (s *LoginService) finish(ctx context.Context, caller model.Caller, ok bool, text string) {
	event := audit.EventScanLoginFailure
	if ok {
		event = audit.EventScanLoginSuccess
	}
	audit.Log(ctx, audit.Event{Type: event, UserID: caller.UserID, BotID: caller.BotID})

	if err := s.sink.Send(ctx, caller.ReplyTarget(), model.OutboundMessage{Text: text}); err != nil {
		log.Warn().Err(err).Str("userId", caller.UserID).Bool("ok", ok).Msg("failed to push scan login result")
	}
}
