package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/enduid/enduid-server/internal/errors"
	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/repository"
	"github.com/enduid/enduid-server/internal/skland"
)

const requestFailedMessage = "签到请求失败"

// AttendanceAPI performs the upstream daily check-in.
type AttendanceAPI interface {
	Attendance(ctx context.Context, cred, uid string) (*skland.Response, error)
}

// SignResult is the classified outcome of one account's check-in.
type SignResult struct {
	User     model.User
	Status   model.SignStatus
	Message  string
	Awards   []skland.AttendanceAward
	Attempts int
}

type SignOptions struct {
	MaxRetries int
	RetryDelay time.Duration
	Location   *time.Location
}

type SignService struct {
	api      AttendanceAPI
	accounts Accounts
	users    repository.UserRepository
	records  repository.SignRecordRepository
	status   StatusRecorder

	maxRetries int
	retryDelay time.Duration
	loc        *time.Location

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSignService(
	api AttendanceAPI,
	accounts Accounts,
	users repository.UserRepository,
	records repository.SignRecordRepository,
	status StatusRecorder,
	opts SignOptions,
) *SignService {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &SignService{
		api:        api,
		accounts:   accounts,
		users:      users,
		records:    records,
		status:     status,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		loc:        opts.Location,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// Today returns the dedupe date in the configured zone.
func (s *SignService) Today() string {
	return model.SignDate(s.now().In(s.loc))
}

// SignAccount checks one account in with bounded retry. It never returns an
// error; every failure is folded into a fail result.
func (s *SignService) SignAccount(ctx context.Context, user model.User) SignResult {
	res := SignResult{User: user, Status: model.SignStatusFail}
	name := user.DisplayName()

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		res.Attempts = attempt

		resp, err := s.api.Attendance(ctx, user.Cred, user.UID)
		switch {
		case apperrors.HasCode(err, apperrors.ErrCodeCredentialInvalid):
			s.accounts.MarkInvalid(ctx, user, err.Error())
			res.User.CookieStatus = model.CookieStatusInvalid
			res.Message = "凭证已失效，请重新绑定"
			return res
		case err != nil:
			res.Message = requestFailedMessage
			log.Warn().Err(err).Str("uid", user.UID).Int("attempt", attempt).Int("maxRetries", s.maxRetries).
				Msg("check-in request failed")
		case resp.Code == skland.CodeOK:
			var data skland.AttendanceData
			if err := resp.Decode(&data); err != nil {
				log.Warn().Err(err).Str("uid", user.UID).Msg("check-in awards unreadable")
			}
			res.Status = model.SignStatusSuccess
			res.Awards = data.Items()
			res.Message = ""
			s.markSigned(ctx, user.UID)
			log.Info().Str("uid", user.UID).Str("name", name).Msg("check-in succeeded")
			return res
		case resp.Code == skland.CodeAlreadyDone:
			res.Status = model.SignStatusSigned
			res.Message = ""
			s.markSigned(ctx, user.UID)
			log.Info().Str("uid", user.UID).Str("name", name).Msg("already checked in today")
			return res
		default:
			res.Message = resp.Message
			if res.Message == "" {
				res.Message = "未知错误"
			}
			log.Warn().Str("uid", user.UID).Int("code", resp.Code).Int("attempt", attempt).
				Int("maxRetries", s.maxRetries).Msg("check-in rejected")
		}

		if attempt < s.maxRetries {
			if err := s.sleep(ctx, s.retryDelay); err != nil {
				break
			}
		}
	}

	log.Warn().Str("uid", user.UID).Int("attempts", res.Attempts).Str("message", res.Message).Msg("check-in failed")
	return res
}

// SignUser checks in the active UID of a chat user and returns the reply text.
func (s *SignService) SignUser(ctx context.Context, caller model.Caller) (string, error) {
	user, err := s.accounts.ActiveUser(ctx, caller)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "❌ 未绑定终末地账号，请先绑定", nil
	}
	if user.Cred == "" {
		return "❌ 未找到 cred 信息，请重新绑定账号", nil
	}

	res := s.SignAccount(ctx, *user)
	if s.status != nil {
		if err := s.status.Record(ctx, s.now().In(s.loc), SignCounts{}.Add(res.Status)); err != nil {
			log.Warn().Err(err).Msg("failed to record sign status")
		}
	}
	return FormatSignReply(res), nil
}

// SetAutoSign toggles scheduled check-in for the active UID of a chat user.
func (s *SignService) SetAutoSign(ctx context.Context, caller model.Caller, on bool) (string, error) {
	active, err := s.accounts.ActiveUser(ctx, caller)
	if err != nil {
		return "", err
	}
	if active == nil {
		return "❌ 未绑定终末地账号", nil
	}

	sw := model.SignSwitchOff
	if on {
		sw = model.SignSwitchOn
	}
	user, err := s.users.SetSignSwitch(ctx, active.UID, caller.UserID, caller.BotID, sw)
	if err != nil {
		return "", fmt.Errorf("set sign switch: %w", err)
	}
	if user == nil {
		return "❌ 未找到用户信息", nil
	}
	if on {
		return "✅ 已开启自动签到", nil
	}
	return "✅ 已关闭自动签到", nil
}

func (s *SignService) markSigned(ctx context.Context, uid string) {
	if err := s.records.Mark(ctx, uid, s.Today()); err != nil {
		log.Error().Err(err).Str("uid", uid).Msg("failed to write sign record")
	}
}

// FormatSignReply renders the chat reply for a single check-in.
func FormatSignReply(res SignResult) string {
	name := res.User.DisplayName()
	switch res.Status {
	case model.SignStatusSuccess:
		var b strings.Builder
		fmt.Fprintf(&b, "✅ [%s] 签到完成！此次签到获得了:", name)
		if len(res.Awards) == 0 {
			b.WriteString("\n  • (暂无奖励信息)")
		}
		for _, a := range res.Awards {
			fmt.Fprintf(&b, "\n  • %s × %d", a.Name, a.Count)
		}
		return b.String()
	case model.SignStatusSigned:
		return fmt.Sprintf("ℹ️ [%s] 今天已经签到过了", name)
	}
	if res.Message == requestFailedMessage {
		return fmt.Sprintf("❌ [%s] 签到请求失败", name)
	}
	return fmt.Sprintf("❌ [%s] 签到失败: %s", name, res.Message)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
