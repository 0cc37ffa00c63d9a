package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/audit"
	apperrors "github.com/enduid/enduid-server/internal/errors"
	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/service"
)

const (
	replyPrefix  = "[终末地]"
	failedReply  = replyPrefix + " 处理失败，请稍后重试"
	unknownReply = replyPrefix + " 未知指令，发送「end 帮助」查看可用指令"
	helpReply    = "📖 终末地 指令帮助\n\n" +
		"• end 签到 - 签到当前账号\n" +
		"• end 开启自动签到 / end 关闭自动签到\n" +
		"• end 绑定 <cred|token> - 绑定森空岛账号\n" +
		"• end 登录 - 扫码登录\n" +
		"• end 删除 <uid> - 删除绑定\n" +
		"• end 切换 [uid] - 切换当前账号\n" +
		"• end 查看 - 查看已绑定的 UID\n" +
		"• end 卡片 [uid] - 查看角色卡片\n" +
		"• end 每日 - 理智与日常进度\n" +
		"• end 地区建设 - 查看地区建设与帝江号\n" +
		"• end 公告 [序号] - 查看官方公告\n" +
		"• end 订阅公告 / end 取消订阅公告 - 群聊公告推送\n" +
		"• end 导入抽卡记录 <链接|token> - 拉取抽卡记录\n" +
		"• end 抽卡记录 / end 导出抽卡记录 / end 删除抽卡记录\n" +
		"• end 签到状态 - 查看签到统计\n" +
		"• end 全部签到 - 立即执行批量签到（管理员）"
)

// SignRunStarter launches a background batch run.
type SignRunStarter interface {
	Start(ctx context.Context, kind model.RunKind, replyTo *model.Target) error
}

type StatusReader interface {
	Snapshot(ctx context.Context, now time.Time) (today, yesterday service.SignCounts, err error)
}

type RunStateReader interface {
	Get(ctx context.Context) (*model.RunState, error)
}

type CommandLimiter interface {
	Allow(ctx context.Context, botID, userID string) (allowed bool, resetAt time.Time)
}

// WebhookServices are the command backends. A nil service makes its commands
// fail with the generic error reply.
type WebhookServices struct {
	Sign   *service.SignService
	Bind   *service.BindService
	Login  *service.LoginService
	Gacha  *service.GachaService
	Card   *service.CardService
	Ann    *service.AnnouncementService
	Runner SignRunStarter
	Status StatusReader
	State  RunStateReader
}

type WebhookOptions struct {
	Location *time.Location
	// AllowBareCommands accepts command words without the "end"/"zmd" prefix.
	AllowBareCommands bool
}

type WebhookHandler struct {
	svc       WebhookServices
	limiter   CommandLimiter
	isAdmin   func(userID string) bool
	loc       *time.Location
	allowBare bool
	now       func() time.Time
}

func NewWebhookHandler(svc WebhookServices, limiter CommandLimiter, isAdmin func(string) bool, opts WebhookOptions) *WebhookHandler {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &WebhookHandler{
		svc:       svc,
		limiter:   limiter,
		isAdmin:   isAdmin,
		loc:       loc,
		allowBare: opts.AllowBareCommands,
		now:       time.Now,
	}
}

func (h *WebhookHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid webhook request")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if req.UserID == "" || req.BotID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bot_id and user_id are required"})
		return
	}

	log.Info().
		Str("botId", req.BotID).
		Str("userId", req.UserID).
		Str("groupId", req.GroupID).
		Str("text", truncate(req.Text, 50)).
		Bool("hasFile", req.File != nil).
		Msg("received webhook")

	cmd := parseCommand(req.Text, h.allowBare)
	if cmd == nil {
		writeJSON(w, http.StatusOK, &WebhookResponse{})
		return
	}

	ctx := r.Context()
	if h.limiter != nil {
		if ok, resetAt := h.limiter.Allow(ctx, req.BotID, req.UserID); !ok {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				UserID:  req.UserID,
				BotID:   req.BotID,
				Details: map[string]interface{}{"command": string(cmd.Kind)},
			})
			wait := max(int(time.Until(resetAt).Seconds()), 1)
			writeJSON(w, http.StatusOK, NewTextResponse(fmt.Sprintf("%s 操作过于频繁，请 %d 秒后再试", replyPrefix, wait)))
			return
		}
	}

	caller := model.Caller{UserID: req.UserID, BotID: req.BotID, GroupID: req.GroupID}
	resp, err := h.handleCommand(ctx, cmd, caller, req.File)
	if err != nil {
		log.Error().Err(err).Str("command", string(cmd.Kind)).Str("userId", req.UserID).Msg("command failed")
		resp = NewTextResponse(failedReply)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *WebhookHandler) handleCommand(ctx context.Context, cmd *Command, caller model.Caller, file *WebhookFile) (*WebhookResponse, error) {
	switch cmd.Kind {
	case CmdSign:
		return textReply(h.requireSign(func() (string, error) { return h.svc.Sign.SignUser(ctx, caller) }))
	case CmdAutoSignOn, CmdAutoSignOff:
		on := cmd.Kind == CmdAutoSignOn
		return textReply(h.requireSign(func() (string, error) { return h.svc.Sign.SetAutoSign(ctx, caller, on) }))
	case CmdSignAll:
		return h.signAll(ctx, caller)

	case CmdBind, CmdUnbind, CmdSwitch, CmdListUIDs:
		if h.svc.Bind == nil {
			return nil, errServiceMissing(cmd.Kind)
		}
		switch cmd.Kind {
		case CmdBind:
			return textReply(h.svc.Bind.Bind(ctx, caller, cmd.Arg))
		case CmdUnbind:
			return textReply(h.svc.Bind.Unbind(ctx, caller, cmd.Arg))
		case CmdSwitch:
			return textReply(h.svc.Bind.Switch(ctx, caller, cmd.Arg))
		default:
			return textReply(h.svc.Bind.List(ctx, caller))
		}

	case CmdLogin:
		if h.svc.Login == nil {
			return nil, errServiceMissing(cmd.Kind)
		}
		msg, err := h.svc.Login.Start(ctx, caller)
		if err != nil {
			return nil, err
		}
		resp := &WebhookResponse{Text: msg.Text}
		if len(msg.Image) > 0 {
			resp.ImageBase64 = base64.StdEncoding.EncodeToString(msg.Image)
		}
		return resp, nil

	case CmdCard:
		if h.svc.Card == nil {
			return nil, errServiceMissing(cmd.Kind)
		}
		return textReply(h.svc.Card.Card(ctx, caller, cmd.Arg))
	case CmdDaily:
		if h.svc.Card == nil {
			return nil, errServiceMissing(cmd.Kind)
		}
		return textReply(h.svc.Card.Daily(ctx, caller))
	case CmdBuild:
		if h.svc.Card == nil {
			return nil, errServiceMissing(cmd.Kind)
		}
		return textReply(h.svc.Card.Build(ctx, caller))

	case CmdAnn, CmdAnnSubscribe, CmdAnnUnsub:
		if h.svc.Ann == nil {
			return nil, errServiceMissing(cmd.Kind)
		}
		switch cmd.Kind {
		case CmdAnnSubscribe:
			return textReply(h.svc.Ann.Subscribe(ctx, caller))
		case CmdAnnUnsub:
			return textReply(h.svc.Ann.Unsubscribe(ctx, caller))
		default:
			return textReply(h.svc.Ann.Detail(ctx, cmd.Arg))
		}

	case CmdGachaFetch, CmdGachaImport, CmdGachaSummary, CmdGachaExport, CmdGachaDelete:
		if h.svc.Gacha == nil {
			return nil, errServiceMissing(cmd.Kind)
		}
		return h.gacha(ctx, cmd, caller, file)

	case CmdStatus:
		return h.status(ctx)

	case CmdHelp:
		return NewTextResponse(helpReply), nil

	default:
		return NewTextResponse(unknownReply), nil
	}
}

func (h *WebhookHandler) requireSign(fn func() (string, error)) (string, error) {
	if h.svc.Sign == nil {
		return "", errServiceMissing(CmdSign)
	}
	return fn()
}

func (h *WebhookHandler) signAll(ctx context.Context, caller model.Caller) (*WebhookResponse, error) {
	if h.isAdmin == nil || !h.isAdmin(caller.UserID) {
		return NewTextResponse(replyPrefix + " 仅管理员可以执行全部签到"), nil
	}
	if h.svc.Runner == nil {
		return nil, errServiceMissing(CmdSignAll)
	}

	replyTo := caller.ReplyTarget()
	if err := h.svc.Runner.Start(ctx, model.RunKindManual, &replyTo); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeAlreadyRunning) {
			return NewTextResponse(replyPrefix + " 签到任务正在执行中，请稍后再试"), nil
		}
		return nil, err
	}
	return NewTextResponse("🔄 签到任务开始执行..."), nil
}

func (h *WebhookHandler) gacha(ctx context.Context, cmd *Command, caller model.Caller, file *WebhookFile) (*WebhookResponse, error) {
	switch cmd.Kind {
	case CmdGachaSummary:
		return textReply(h.svc.Gacha.Summary(ctx, caller))
	case CmdGachaDelete:
		return textReply(h.svc.Gacha.Delete(ctx, caller))
	case CmdGachaExport:
		export, text, err := h.svc.Gacha.Export(ctx, caller)
		if err != nil {
			return nil, err
		}
		if export == nil {
			return NewTextResponse(text), nil
		}
		return &WebhookResponse{
			Text: replyPrefix + " 抽卡记录导出完成",
			File: &WebhookFile{
				Name:          export.Name,
				ContentBase64: base64.StdEncoding.EncodeToString(export.Data),
			},
		}, nil
	}

	if file != nil {
		raw, err := base64.StdEncoding.DecodeString(file.ContentBase64)
		if err != nil {
			return NewTextResponse(replyPrefix + " 文件内容无法解析"), nil
		}
		return textReply(h.svc.Gacha.Import(ctx, caller, raw))
	}
	if cmd.Kind == CmdGachaImport {
		if cmd.Arg == "" {
			return NewTextResponse(replyPrefix + " 请附上抽卡记录 JSON 文件或内容"), nil
		}
		return textReply(h.svc.Gacha.Import(ctx, caller, []byte(cmd.Arg)))
	}
	return textReply(h.svc.Gacha.Fetch(ctx, caller, cmd.Arg))
}

func (h *WebhookHandler) status(ctx context.Context) (*WebhookResponse, error) {
	if h.svc.Status == nil {
		return nil, errServiceMissing(CmdStatus)
	}
	today, yesterday, err := h.svc.Status.Snapshot(ctx, h.now().In(h.loc))
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(replyPrefix + " 签到统计\n")
	fmt.Fprintf(&b, "今日: %s\n", formatCounts(today))
	fmt.Fprintf(&b, "昨日: %s", formatCounts(yesterday))

	if h.svc.State != nil {
		state, err := h.svc.State.Get(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read run state")
		} else if state != nil {
			fmt.Fprintf(&b, "\n进行中: %s 任务，开始于 %s，进度 %d/%d",
				state.Type, state.StartTime, state.Completed, state.Total)
		}
	}
	return NewTextResponse(b.String()), nil
}

func formatCounts(c service.SignCounts) string {
	return fmt.Sprintf("成功 %d | 已签 %d | 失败 %d | 跳过 %d", c.Success, c.Signed, c.Fail, c.Skipped)
}

func textReply(text string, err error) (*WebhookResponse, error) {
	if err != nil {
		return nil, err
	}
	return NewTextResponse(text), nil
}

func errServiceMissing(kind CommandKind) error {
	return fmt.Errorf("no backend configured for %s", kind)
}

// truncate shortens s to maxLen runes.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
