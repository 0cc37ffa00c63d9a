package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/audit"
	apperrors "github.com/enduid/enduid-server/internal/errors"
	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/repository"
	"github.com/enduid/enduid-server/internal/skland"
)

const (
	gachaServerID   = "1"
	topRarity       = 6
	exportTimestamp = "2006-01-02 15:04:05"
)

// GachaAPI reads pull history from the gacha webview.
type GachaAPI interface {
	CharRecords(ctx context.Context, u8Token, serverID, poolType, seqID string) (*skland.GachaPage, error)
	WeaponPools(ctx context.Context, u8Token, serverID string) ([]skland.WeaponPool, error)
	WeaponRecords(ctx context.Context, u8Token, serverID, poolID, seqID string) (*skland.GachaPage, error)
}

// ExportFile is a gacha history document ready to be sent as a file.
type ExportFile struct {
	Name string
	Data []byte
}

type GachaService struct {
	api      GachaAPI
	accounts Accounts
	repo     repository.GachaRepository

	maxPages  int
	pageDelay time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

func NewGachaService(api GachaAPI, accounts Accounts, repo repository.GachaRepository) *GachaService {
	return &GachaService{
		api:       api,
		accounts:  accounts,
		repo:      repo,
		maxPages:  skland.GachaMaxPages,
		pageDelay: skland.GachaPageDelay,
		sleep:     sleepContext,
		now:       time.Now,
	}
}

// ParseGachaToken extracts the u8 token from a gacha page URL, a query
// string, or returns text itself when it is a bare token.
func ParseGachaToken(text string) string {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "u8_token=") && !strings.Contains(text, "u8Token=") {
		return text
	}

	raw := text
	if !strings.HasPrefix(raw, "http") {
		raw = "https://localhost/?" + strings.TrimPrefix(raw, "?")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return text
	}
	q := u.Query()
	if token := q.Get("u8_token"); token != "" {
		return token
	}
	if token := q.Get("u8Token"); token != "" {
		return token
	}
	return text
}

// Fetch pulls every pool for the caller's active UID and merges new records.
func (s *GachaService) Fetch(ctx context.Context, caller model.Caller, text string) (string, error) {
	uid, reply, err := s.activeUID(ctx, caller)
	if uid == "" {
		return reply, err
	}

	u8Token := ParseGachaToken(text)
	if u8Token == "" {
		return "无法识别 u8_token，请检查输入", nil
	}

	var firstErr string
	totalNew := 0
	collect := func(pool string, records []json.RawMessage, fetchErr error) error {
		if fetchErr != nil {
			log.Warn().Err(fetchErr).Str("uid", uid).Str("pool", pool).Msg("gacha pool fetch failed")
			if firstErr == "" {
				firstErr = fmt.Sprintf("%s: %s", pool, upstreamMessage(fetchErr))
			}
		}
		n, err := s.repo.Insert(ctx, toGachaRecords(uid, pool, records))
		if err != nil {
			return fmt.Errorf("store gacha records: %w", err)
		}
		totalNew += n
		log.Info().Str("uid", uid).Str("pool", pool).Int("fetched", len(records)).Int("new", n).Msg("gacha pool merged")
		return nil
	}

	for _, poolType := range skland.CharPoolTypes {
		records, fetchErr := s.fetchPool(ctx, func(seqID string) (*skland.GachaPage, error) {
			return s.api.CharRecords(ctx, u8Token, gachaServerID, poolType, seqID)
		})
		if err := collect(skland.CharPoolNames[poolType], records, fetchErr); err != nil {
			return "", err
		}
	}

	pools, err := s.api.WeaponPools(ctx, u8Token, gachaServerID)
	if err != nil {
		log.Warn().Err(err).Str("uid", uid).Msg("weapon pool list unavailable")
	}
	for _, pool := range pools {
		records, fetchErr := s.fetchPool(ctx, func(seqID string) (*skland.GachaPage, error) {
			return s.api.WeaponRecords(ctx, u8Token, gachaServerID, pool.PoolID, seqID)
		})
		if err := collect(pool.DisplayName(), records, fetchErr); err != nil {
			return "", err
		}
	}

	total, err := s.repo.CountByUID(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("count gacha records: %w", err)
	}
	if total == 0 {
		if firstErr == "" {
			firstErr = "所有池均无数据"
		}
		return "导入失败: 请求失败: " + firstErr, nil
	}

	msg := fmt.Sprintf("导入完成！新增 %d 条，共 %d 条记录", totalNew, total)
	if firstErr != "" {
		msg += fmt.Sprintf("\n（部分池请求失败: %s）", firstErr)
	}
	return msg, nil
}

// fetchPool pages through one pool until the upstream reports no more
// records or the page limit is hit.
func (s *GachaService) fetchPool(ctx context.Context, page func(seqID string) (*skland.GachaPage, error)) ([]json.RawMessage, error) {
	var records []json.RawMessage
	seqID := ""
	for i := 0; i < s.maxPages; i++ {
		p, err := page(seqID)
		if err != nil {
			return records, err
		}
		if len(p.List) == 0 {
			break
		}
		records = append(records, p.List...)
		if !p.HasMore {
			break
		}
		seqID = gachaFieldsOf(p.List[len(p.List)-1]).seqID()
		if seqID == "" {
			break
		}
		if err := s.sleep(ctx, s.pageDelay); err != nil {
			return records, err
		}
	}
	return records, nil
}

// Import merges a gacha document into the caller's active UID.
func (s *GachaService) Import(ctx context.Context, caller model.Caller, raw []byte) (string, error) {
	uid, reply, err := s.activeUID(ctx, caller)
	if uid == "" {
		return reply, err
	}

	pools, msg := decodeGachaDocument(raw)
	if msg != "" {
		return msg, nil
	}

	totalNew := 0
	for pool, records := range pools {
		n, err := s.repo.Insert(ctx, toGachaRecords(uid, pool, records))
		if err != nil {
			return "", fmt.Errorf("store gacha records: %w", err)
		}
		totalNew += n
	}

	total, err := s.repo.CountByUID(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("count gacha records: %w", err)
	}
	return fmt.Sprintf("导入完成！新增 %d 条，共 %d 条记录", totalNew, total), nil
}

// Export renders the caller's history as a gacha document. It returns a nil
// file when nothing is stored.
func (s *GachaService) Export(ctx context.Context, caller model.Caller) (*ExportFile, string, error) {
	uid, reply, err := s.activeUID(ctx, caller)
	if uid == "" {
		return nil, reply, err
	}

	pools, err := s.Records(ctx, uid)
	if err != nil {
		return nil, "", err
	}
	if len(pools) == 0 {
		return nil, "未找到抽卡记录，请先使用「end gacha <抽卡链接>」导入", nil
	}

	doc := model.GachaExport{
		UID:      uid,
		DataTime: s.now().Format(exportTimestamp),
		Data:     make(map[string][]json.RawMessage, len(pools)),
	}
	for pool, records := range pools {
		for _, r := range records {
			doc.Data[pool] = append(doc.Data[pool], r.Payload)
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal gacha export: %w", err)
	}
	return &ExportFile{Name: fmt.Sprintf("enduid_gacha_%s.json", uid), Data: data}, "", nil
}

// Delete drops the stored history of the caller's active UID.
func (s *GachaService) Delete(ctx context.Context, caller model.Caller) (string, error) {
	uid, reply, err := s.activeUID(ctx, caller)
	if uid == "" {
		return reply, err
	}

	n, err := s.repo.DeleteByUID(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("delete gacha records: %w", err)
	}
	if n == 0 {
		return fmt.Sprintf("未找到 UID %s 的抽卡记录", uid), nil
	}

	audit.Log(ctx, audit.Event{
		Type:    audit.EventGachaDelete,
		UserID:  caller.UserID,
		BotID:   caller.BotID,
		UID:     uid,
		Details: map[string]interface{}{"records": n},
	})
	return fmt.Sprintf("已删除UID %s 的抽卡记录", uid), nil
}

// Summary renders per-pool totals for the caller's active UID.
func (s *GachaService) Summary(ctx context.Context, caller model.Caller) (string, error) {
	uid, reply, err := s.activeUID(ctx, caller)
	if uid == "" {
		return reply, err
	}

	pools, err := s.Records(ctx, uid)
	if err != nil {
		return "", err
	}
	if len(pools) == 0 {
		return "未找到抽卡记录，请先使用「end gacha <抽卡链接>」导入", nil
	}

	names := make([]string, 0, len(pools))
	for name := range pools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "UID %s 抽卡记录", uid)
	for _, name := range names {
		records := pools[name]
		sinceTop := -1
		var tops []string
		for i, r := range records {
			if r.Rarity >= topRarity {
				if sinceTop < 0 {
					sinceTop = i
				}
				tops = append(tops, r.ItemName)
			}
		}
		if sinceTop < 0 {
			sinceTop = len(records)
		}
		fmt.Fprintf(&b, "\n%s: 共 %d 抽，已垫 %d 抽", name, len(records), sinceTop)
		if len(tops) > 0 {
			fmt.Fprintf(&b, "\n  6★: %s", strings.Join(tops, "、"))
		}
	}
	return b.String(), nil
}

// Records returns stored records grouped by pool, newest first.
func (s *GachaService) Records(ctx context.Context, uid string) (map[string][]model.GachaRecord, error) {
	list, err := s.repo.ListByUID(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("list gacha records: %w", err)
	}

	pools := make(map[string][]model.GachaRecord)
	for _, r := range list {
		pools[r.PoolName] = append(pools[r.PoolName], r)
	}
	for _, records := range pools {
		sort.SliceStable(records, func(i, j int) bool {
			return seqBefore(records[i].SeqID, records[j].SeqID)
		})
	}
	return pools, nil
}

func (s *GachaService) activeUID(ctx context.Context, caller model.Caller) (uid, reply string, err error) {
	user, err := s.accounts.ActiveUser(ctx, caller)
	if err != nil {
		return "", "", err
	}
	if user == nil {
		return "", "未绑定终末地账号，请先使用「end bind」绑定", nil
	}
	return user.UID, "", nil
}

// seqBefore orders sequence ids descending: numeric ids first by value, then
// the rest lexically.
func seqBefore(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		return ai > bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a > b
}

type gachaFields struct {
	SeqID      json.RawMessage `json:"seqId"`
	CharName   string          `json:"charName"`
	WeaponName string          `json:"weaponName"`
	Rarity     json.RawMessage `json:"rarity"`
	GachaTs    json.RawMessage `json:"gachaTs"`
}

func gachaFieldsOf(raw json.RawMessage) gachaFields {
	var f gachaFields
	_ = json.Unmarshal(raw, &f)
	return f
}

func (f gachaFields) seqID() string {
	return scalarString(f.SeqID)
}

func toGachaRecords(uid, pool string, raws []json.RawMessage) []model.GachaRecord {
	out := make([]model.GachaRecord, 0, len(raws))
	for _, raw := range raws {
		f := gachaFieldsOf(raw)
		seq := f.seqID()
		if seq == "" {
			continue
		}
		name := f.CharName
		if name == "" {
			name = f.WeaponName
		}
		rarity, _ := strconv.Atoi(scalarString(f.Rarity))
		out = append(out, model.GachaRecord{
			UID:      uid,
			PoolName: pool,
			SeqID:    seq,
			ItemName: name,
			Rarity:   rarity,
			GachaTs:  scalarString(f.GachaTs),
			Payload:  raw,
		})
	}
	return out
}

// decodeGachaDocument accepts {data: {pool: [...]}} or a bare {pool: [...]}.
// A non-empty message means the document was rejected.
func decodeGachaDocument(raw []byte) (map[string][]json.RawMessage, string) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Sprintf("JSON 解析失败: %v", err)
	}

	var pools map[string][]json.RawMessage
	data, wrapped := top["data"]
	if !wrapped || json.Unmarshal(data, &pools) != nil {
		pools = nil
		if json.Unmarshal(raw, &pools) != nil {
			return nil, "无法识别的 JSON 格式，需包含 data 字段或直接为池数据"
		}
	}

	if len(pools) == 0 {
		return nil, "JSON 中无抽卡记录数据"
	}
	return pools, ""
}

// scalarString reads a JSON string or number as text.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func upstreamMessage(err error) string {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		return err.Error()
	}
	if details, ok := appErr.Details.(map[string]any); ok {
		if msg, _ := details["message"].(string); msg != "" {
			return fmt.Sprintf("%s (code=%v)", msg, details["code"])
		}
	}
	return appErr.Message
}
