package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enduid/enduid-server/internal/model"
	appredis "github.com/enduid/enduid-server/internal/redis"
	"github.com/enduid/enduid-server/internal/skland"
)

type fakeAnnouncements struct {
	list    []skland.Announcement
	listErr error
	details map[string]*skland.Announcement
	fetched []string
}

func (f *fakeAnnouncements) Announcements(ctx context.Context) ([]skland.Announcement, error) {
	return f.list, f.listErr
}

func (f *fakeAnnouncements) Announcement(ctx context.Context, id string) (*skland.Announcement, error) {
	f.fetched = append(f.fetched, id)
	return f.details[id], nil
}

var annNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func annPost(id, title string, age time.Duration) skland.Announcement {
	return skland.Announcement{ID: id, Title: title, Author: "终末地", CreatedAt: annNow.Add(-age), Text: []string{"正文 " + id}}
}

func newTestAnnouncements(t *testing.T, api *fakeAnnouncements, sender *fakeSink, enabled bool) *AnnouncementService {
	t.Helper()
	svc := NewAnnouncementService(api, setupTestRedis(t), sender, AnnouncementOptions{PushEnabled: enabled, Location: time.UTC})
	svc.now = func() time.Time { return annNow }
	svc.sleep = noSleep
	return svc
}

func TestAnnouncementService_ListAndDetail(t *testing.T) {
	ctx := context.Background()
	first, second := annPost("901", "版本更新", time.Hour), annPost("900", "维护公告", 30*time.Hour)
	api := &fakeAnnouncements{
		list:    []skland.Announcement{first, second},
		details: map[string]*skland.Announcement{"901": &first, "900": &second},
	}
	svc := newTestAnnouncements(t, api, &fakeSink{}, true)

	reply, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "[终末地] 公告列表\n#1 03-02 版本更新\n#2 03-01 维护公告\n使用「end 公告 序号」查看详情", reply)

	reply, err = svc.Detail(ctx, "#2")
	require.NoError(t, err)
	assert.Equal(t, "📢 维护公告\n终末地 · 2026-03-01 06:00\n\n正文 900", reply)

	reply, err = svc.Detail(ctx, "901")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "📢 版本更新"))

	reply, err = svc.Detail(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "[终末地] 未找到该公告", reply)
	assert.Equal(t, []string{"900", "901", "7"}, api.fetched)

	reply, err = svc.Detail(ctx, "列表")
	require.NoError(t, err)
	assert.Contains(t, reply, "公告列表")
}

func TestAnnouncementService_ListFailure(t *testing.T) {
	svc := NewAnnouncementService(&fakeAnnouncements{listErr: errors.New("down")}, nil, &fakeSink{}, AnnouncementOptions{})

	reply, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "[终末地] 获取公告列表失败，请稍后重试", reply)
}

func TestAnnouncementService_Subscriptions(t *testing.T) {
	ctx := context.Background()
	group := model.Caller{UserID: "10001", BotID: "onebot", GroupID: "g1"}

	t.Run("direct chat is refused", func(t *testing.T) {
		svc := NewAnnouncementService(&fakeAnnouncements{}, nil, &fakeSink{}, AnnouncementOptions{PushEnabled: true})
		reply, err := svc.Subscribe(ctx, testCaller)
		require.NoError(t, err)
		assert.Equal(t, "[终末地] 请在群聊中订阅", reply)
	})

	t.Run("disabled push refuses subscriptions", func(t *testing.T) {
		svc := NewAnnouncementService(&fakeAnnouncements{}, nil, &fakeSink{}, AnnouncementOptions{})
		reply, err := svc.Subscribe(ctx, group)
		require.NoError(t, err)
		assert.Equal(t, "[终末地] 终末地公告推送功能已关闭", reply)
	})

	t.Run("subscribe resubscribe unsubscribe", func(t *testing.T) {
		svc := newTestAnnouncements(t, &fakeAnnouncements{}, &fakeSink{}, true)

		reply, err := svc.Subscribe(ctx, group)
		require.NoError(t, err)
		assert.Equal(t, "[终末地] 成功订阅终末地公告！", reply)

		reply, err = svc.Subscribe(ctx, group)
		require.NoError(t, err)
		assert.Equal(t, "[终末地] 已重新订阅终末地公告！", reply)

		reply, err = svc.Unsubscribe(ctx, group)
		require.NoError(t, err)
		assert.Equal(t, "[终末地] 成功取消订阅终末地公告！", reply)

		reply, err = svc.Unsubscribe(ctx, group)
		require.NoError(t, err)
		assert.Equal(t, "[终末地] 未曾订阅终末地公告！", reply)
	})
}

func TestAnnouncementService_PushNew(t *testing.T) {
	ctx := context.Background()
	old := annPost("900", "旧公告", 30*time.Hour)
	api := &fakeAnnouncements{
		list:    []skland.Announcement{old},
		details: map[string]*skland.Announcement{"900": &old},
	}
	sender := &fakeSink{}
	svc := newTestAnnouncements(t, api, sender, true)

	pushed, err := svc.PushNew(ctx)
	require.NoError(t, err)
	assert.Zero(t, pushed, "nothing is pushed without subscribers")

	for _, gid := range []string{"g2", "g1"} {
		_, err := svc.Subscribe(ctx, model.Caller{UserID: "10001", BotID: "onebot", GroupID: gid})
		require.NoError(t, err)
	}

	pushed, err = svc.PushNew(ctx)
	require.NoError(t, err)
	assert.Zero(t, pushed, "first check only seeds the seen ids")
	assert.Empty(t, sender.messages())

	fresh, stale := annPost("902", "新公告", time.Hour), annPost("901", "补发公告", 48*time.Hour)
	api.list = []skland.Announcement{fresh, stale, old}
	api.details["902"] = &fresh
	api.details["901"] = &stale

	pushed, err = svc.PushNew(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pushed)

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.Target{Type: model.TargetGroup, ID: "g1", BotID: "onebot"}, msgs[0].target)
	assert.Equal(t, model.Target{Type: model.TargetGroup, ID: "g2", BotID: "onebot"}, msgs[1].target)
	assert.True(t, strings.HasPrefix(msgs[0].msg.Text, "📢 新公告"))

	pushed, err = svc.PushNew(ctx)
	require.NoError(t, err)
	assert.Zero(t, pushed)
	assert.Len(t, sender.messages(), 2)

	seen, err := svc.client.SMembers(ctx, appredis.AnnSeenKey).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"900", "901", "902"}, seen)
}

func TestAnnouncementService_FormatDetail(t *testing.T) {
	svc := NewAnnouncementService(&fakeAnnouncements{}, nil, &fakeSink{}, AnnouncementOptions{Location: time.UTC})

	reply := svc.formatDetail(&skland.Announcement{Title: "无作者", Text: []string{strings.Repeat("字", annTextLimit+5)}})
	assert.True(t, strings.HasPrefix(reply, "📢 无作者\n终末地 · 未知\n\n"))
	assert.True(t, strings.HasSuffix(reply, "字..."))
}
