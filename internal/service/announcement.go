package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/model"
	appredis "github.com/enduid/enduid-server/internal/redis"
	"github.com/enduid/enduid-server/internal/sink"
	"github.com/enduid/enduid-server/internal/skland"
)

const (
	annListSize    = 18
	annListTTL     = 30 * time.Minute
	annTextLimit   = 1200
	annPushMaxAge  = 24 * time.Hour
	annClosedReply = gameTitle + " 终末地公告推送功能已关闭"
)

// AnnouncementAPI reads the official announcement feed.
type AnnouncementAPI interface {
	Announcements(ctx context.Context) ([]skland.Announcement, error)
	Announcement(ctx context.Context, id string) (*skland.Announcement, error)
}

type AnnouncementOptions struct {
	// PushEnabled gates group subscriptions and the periodic push.
	PushEnabled bool
	Location    *time.Location
}

// AnnouncementService lists announcements and pushes new ones to subscribed
// groups. Subscriptions and the ids already seen live in Redis.
type AnnouncementService struct {
	api    AnnouncementAPI
	client redis.Cmdable
	sink   sink.Sender
	opts   AnnouncementOptions

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	gap   func() time.Duration
}

func NewAnnouncementService(api AnnouncementAPI, client redis.Cmdable, sender sink.Sender, opts AnnouncementOptions) *AnnouncementService {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &AnnouncementService{
		api:    api,
		client: client,
		sink:   sender,
		opts:   opts,
		now:    time.Now,
		sleep:  sleepContext,
		gap:    sendGap,
	}
}

// List renders the newest announcements with their index numbers.
func (s *AnnouncementService) List(ctx context.Context) (string, error) {
	list, err := s.fetchList(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("announcement list failed")
		return gameTitle + " 获取公告列表失败，请稍后重试", nil
	}
	if len(list) == 0 {
		return gameTitle + " 暂无公告", nil
	}

	var b strings.Builder
	b.WriteString(gameTitle + " 公告列表")
	for i, a := range list {
		fmt.Fprintf(&b, "\n#%d %s %s", i+1, s.shortDate(a.CreatedAt), a.Title)
	}
	b.WriteString("\n使用「end 公告 序号」查看详情")
	return b.String(), nil
}

// Detail renders one announcement. arg is an index into the last listing, an
// announcement id, or empty for the listing itself.
func (s *AnnouncementService) Detail(ctx context.Context, arg string) (string, error) {
	arg = strings.TrimSpace(strings.ReplaceAll(arg, "#", ""))
	if arg == "" || arg == "列表" {
		return s.List(ctx)
	}

	id := arg
	if idx, err := strconv.Atoi(arg); err == nil && idx >= 1 && idx <= annListSize {
		if resolved := s.resolveIndex(ctx, idx); resolved != "" {
			id = resolved
		}
	}

	a, err := s.api.Announcement(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("id", id).Msg("announcement detail failed")
		return gameTitle + " 获取公告详情失败，请稍后重试", nil
	}
	if a == nil {
		return gameTitle + " 未找到该公告", nil
	}
	return s.formatDetail(a), nil
}

// Subscribe registers the caller's group for pushes. Subscribing again
// refreshes the bot the group is reached through.
func (s *AnnouncementService) Subscribe(ctx context.Context, caller model.Caller) (string, error) {
	if caller.GroupID == "" {
		return gameTitle + " 请在群聊中订阅", nil
	}
	if !s.opts.PushEnabled {
		return annClosedReply, nil
	}

	added, err := s.client.HSet(ctx, appredis.AnnSubscribersKey, caller.GroupID, caller.BotID).Result()
	if err != nil {
		return "", fmt.Errorf("subscribe announcements: %w", err)
	}
	log.Info().Str("groupId", caller.GroupID).Str("botId", caller.BotID).Msg("group subscribed to announcements")
	if added == 0 {
		return gameTitle + " 已重新订阅终末地公告！", nil
	}
	return gameTitle + " 成功订阅终末地公告！", nil
}

func (s *AnnouncementService) Unsubscribe(ctx context.Context, caller model.Caller) (string, error) {
	if caller.GroupID == "" {
		return gameTitle + " 请在群聊中取消订阅", nil
	}

	removed, err := s.client.HDel(ctx, appredis.AnnSubscribersKey, caller.GroupID).Result()
	if err != nil {
		return "", fmt.Errorf("unsubscribe announcements: %w", err)
	}
	switch {
	case removed > 0:
		log.Info().Str("groupId", caller.GroupID).Msg("group unsubscribed from announcements")
		return gameTitle + " 成功取消订阅终末地公告！", nil
	case !s.opts.PushEnabled:
		return annClosedReply, nil
	default:
		return gameTitle + " 未曾订阅终末地公告！", nil
	}
}

// PushNew sends announcements that appeared since the last check to every
// subscribed group and returns how many were pushed. The first check after an
// empty seen set only records the current ids. Posts older than a day are
// recorded but not pushed.
func (s *AnnouncementService) PushNew(ctx context.Context) (int, error) {
	subs, err := s.client.HGetAll(ctx, appredis.AnnSubscribersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("load announcement subscribers: %w", err)
	}
	if len(subs) == 0 {
		log.Debug().Msg("no group subscribed to announcements")
		return 0, nil
	}

	list, err := s.fetchList(ctx)
	if err != nil {
		return 0, fmt.Errorf("list announcements: %w", err)
	}
	if len(list) == 0 {
		return 0, nil
	}

	seen, err := s.client.SMembers(ctx, appredis.AnnSeenKey).Result()
	if err != nil {
		return 0, fmt.Errorf("load seen announcements: %w", err)
	}

	var fresh []string
	for _, a := range list {
		if !slices.Contains(seen, a.ID) {
			fresh = append(fresh, a.ID)
		}
	}
	if len(fresh) == 0 {
		log.Debug().Msg("no new announcement")
		return 0, nil
	}
	members := make([]any, len(fresh))
	for i, id := range fresh {
		members[i] = id
	}
	if err := s.client.SAdd(ctx, appredis.AnnSeenKey, members...).Err(); err != nil {
		return 0, fmt.Errorf("record seen announcements: %w", err)
	}
	if len(seen) == 0 {
		log.Info().Int("count", len(fresh)).Msg("announcement ids seeded, pushing from the next check")
		return 0, nil
	}

	groups := make([]string, 0, len(subs))
	for gid := range subs {
		groups = append(groups, gid)
	}
	slices.Sort(groups)

	log.Info().Strs("ids", fresh).Int("groups", len(groups)).Msg("pushing new announcements")
	pushed, sent := 0, 0
	for _, id := range fresh {
		a, err := s.api.Announcement(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("id", id).Msg("announcement detail failed")
			continue
		}
		if a == nil || s.now().Sub(a.CreatedAt) > annPushMaxAge {
			continue
		}
		text := s.formatDetail(a)
		for _, gid := range groups {
			if sent > 0 {
				if err := s.sleep(ctx, s.gap()); err != nil {
					return pushed, err
				}
			}
			sent++
			target := model.Target{Type: model.TargetGroup, ID: gid, BotID: subs[gid]}
			if err := s.sink.Send(ctx, target, model.OutboundMessage{Text: text}); err != nil {
				log.Error().Err(err).Str("groupId", gid).Str("id", id).Msg("announcement push failed")
			}
		}
		pushed++
	}
	return pushed, nil
}

// fetchList loads the newest announcements and caches their ids so an index
// can be resolved later.
func (s *AnnouncementService) fetchList(ctx context.Context) ([]skland.Announcement, error) {
	list, err := s.api.Announcements(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) > annListSize {
		list = list[:annListSize]
	}

	ids := make([]string, len(list))
	for i, a := range list {
		ids[i] = a.ID
	}
	raw, _ := json.Marshal(ids)
	if err := s.client.Set(ctx, appredis.AnnListKey, raw, annListTTL).Err(); err != nil {
		log.Warn().Err(err).Msg("failed to cache announcement list")
	}
	return list, nil
}

// resolveIndex maps a 1-based index of the last listing to an id. It returns
// "" when the index is out of range or no listing can be loaded.
func (s *AnnouncementService) resolveIndex(ctx context.Context, idx int) string {
	var ids []string
	raw, err := s.client.Get(ctx, appredis.AnnListKey).Bytes()
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &ids); err != nil {
			log.Warn().Err(err).Msg("cached announcement list unreadable")
		}
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Msg("failed to read cached announcement list")
	}

	if len(ids) == 0 {
		list, err := s.fetchList(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("announcement list failed")
			return ""
		}
		for _, a := range list {
			ids = append(ids, a.ID)
		}
	}
	if idx > len(ids) {
		return ""
	}
	return ids[idx-1]
}

func (s *AnnouncementService) formatDetail(a *skland.Announcement) string {
	author := a.Author
	if author == "" {
		author = "终末地"
	}
	posted := "未知"
	if !a.CreatedAt.IsZero() {
		posted = a.CreatedAt.In(s.opts.Location).Format("2006-01-02 15:04")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📢 %s\n%s · %s", a.Title, author, posted)
	if body := strings.TrimSpace(strings.Join(a.Text, "\n")); body != "" {
		b.WriteString("\n\n")
		b.WriteString(truncateRunes(body, annTextLimit))
	}
	return b.String()
}

func (s *AnnouncementService) shortDate(t time.Time) string {
	if t.IsZero() {
		return "未知"
	}
	return t.In(s.opts.Location).Format("01-02")
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
