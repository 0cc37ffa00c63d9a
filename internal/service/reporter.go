package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/repository"
	"github.com/enduid/enduid-server/internal/sink"
)

const privateReportText = "✅ [终末地] 今日签到任务已完成"

type ReportOptions struct {
	Private bool
	Group   bool
}

// Reporter fans a finished run out to the users and groups involved.
type Reporter struct {
	sink  sink.Sender
	binds repository.BindRepository
	opts  ReportOptions

	sleep func(ctx context.Context, d time.Duration) error
	gap   func() time.Duration
}

func NewReporter(sender sink.Sender, binds repository.BindRepository, opts ReportOptions) *Reporter {
	return &Reporter{
		sink:  sender,
		binds: binds,
		opts:  opts,
		sleep: sleepContext,
		gap:   sendGap,
	}
}

// sendGap is 0.5s plus a uniform 1-3s.
func sendGap() time.Duration {
	return 500*time.Millisecond + time.Second + time.Duration(rand.Int64N(int64(2*time.Second)))
}

type chatKey struct {
	userID string
	botID  string
}

type outbound struct {
	target model.Target
	text   string
}

// Report builds and sends the run summaries. Send failures are logged and
// do not stop the remaining messages.
func (r *Reporter) Report(ctx context.Context, results []SignResult, totals SignCounts) {
	if !r.opts.Private && !r.opts.Group {
		return
	}

	msgs := r.build(ctx, results, totals)
	for i, m := range msgs {
		if err := r.sink.Send(ctx, m.target, model.OutboundMessage{Text: m.text}); err != nil {
			log.Error().Err(err).Str("targetType", string(m.target.Type)).Str("targetId", m.target.ID).
				Msg("sign report push failed")
		}
		if i < len(msgs)-1 {
			if err := r.sleep(ctx, r.gap()); err != nil {
				return
			}
		}
	}
}

func (r *Reporter) build(ctx context.Context, results []SignResult, totals SignCounts) []outbound {
	var out []outbound

	var chats []chatKey
	seen := make(map[chatKey]bool)
	for _, res := range results {
		k := chatKey{res.User.UserID, res.User.BotID}
		if !seen[k] {
			seen[k] = true
			chats = append(chats, k)
		}
	}

	if r.opts.Private {
		for _, k := range chats {
			out = append(out, outbound{
				target: model.Target{Type: model.TargetDirect, ID: k.userID, BotID: k.botID},
				text:   privateReportText,
			})
		}
	}

	if r.opts.Group {
		groups := make(map[string]*groupTally)
		var order []string
		cache := make(map[chatKey][]string)
		for _, res := range results {
			k := chatKey{res.User.UserID, res.User.BotID}
			ids, ok := cache[k]
			if !ok {
				var err error
				ids, err = r.binds.GroupIDs(ctx, k.userID, k.botID)
				if err != nil {
					log.Warn().Err(err).Str("userId", k.userID).Msg("failed to load bind groups")
				}
				cache[k] = ids
			}
			for _, gid := range ids {
				g, ok := groups[gid]
				if !ok {
					g = &groupTally{botID: k.botID}
					groups[gid] = g
					order = append(order, gid)
				}
				if res.User.CookieStatus != model.CookieStatusInvalid {
					g.succeeded++
				}
			}
		}
		for _, gid := range order {
			g := groups[gid]
			out = append(out, outbound{
				target: model.Target{Type: model.TargetGroup, ID: gid, BotID: g.botID},
				text: fmt.Sprintf("✅ [终末地] 今日签到任务已完成！\n本群共签到成功 %d 人\n全局统计: 成功 %d | 已签 %d | 失败 %d",
					g.succeeded, totals.Success, totals.Signed, totals.Fail),
			})
		}
	}

	return out
}

type groupTally struct {
	botID     string
	succeeded int
}
