package skland

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	apperrors "github.com/enduid/enduid-server/internal/errors"
)

const gachaLang = "zh-cn"

// GachaPage is one page of pull records. Records are kept raw so exports round-trip
// every field the upstream sends.
type GachaPage struct {
	List    []json.RawMessage `json:"list"`
	HasMore bool              `json:"hasMore"`
}

type WeaponPool struct {
	PoolID   string `json:"poolId"`
	PoolName string `json:"poolName"`
}

// DisplayName is the pool key records are stored under.
func (p WeaponPool) DisplayName() string {
	name := p.PoolName
	if name == "" {
		name = p.PoolID
	}
	return WeaponPoolPrefix + name
}

type gachaEnvelope struct {
	Code    *int            `json:"code"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// CharRecords fetches one page of character pulls for poolType, starting after seqID.
func (c *Client) CharRecords(ctx context.Context, u8Token, serverID, poolType, seqID string) (*GachaPage, error) {
	params := map[string]string{
		"lang":      gachaLang,
		"pool_type": poolType,
		"server_id": serverID,
		"token":     u8Token,
	}
	if seqID != "" {
		params["seq_id"] = seqID
	}
	return c.gachaPage(ctx, pathGachaChar, params)
}

// WeaponRecords fetches one page of weapon pulls for poolID, starting after seqID.
func (c *Client) WeaponRecords(ctx context.Context, u8Token, serverID, poolID, seqID string) (*GachaPage, error) {
	params := map[string]string{
		"lang":      gachaLang,
		"pool_id":   poolID,
		"server_id": serverID,
		"token":     u8Token,
	}
	if seqID != "" {
		params["seq_id"] = seqID
	}
	return c.gachaPage(ctx, pathGachaWeapon, params)
}

// WeaponPools lists the weapon pools the account has pulled on. The upstream sends
// either a bare list or an object wrapping one.
func (c *Client) WeaponPools(ctx context.Context, u8Token, serverID string) ([]WeaponPool, error) {
	env, err := c.gachaGet(ctx, pathGachaWeaponPool, map[string]string{
		"lang":      gachaLang,
		"server_id": serverID,
		"token":     u8Token,
	})
	if err != nil {
		return nil, err
	}

	var pools []WeaponPool
	if err := json.Unmarshal(env.Data, &pools); err == nil {
		return pools, nil
	}
	var wrapped struct {
		List []WeaponPool `json:"list"`
	}
	if err := json.Unmarshal(env.Data, &wrapped); err != nil {
		return nil, apperrors.UpstreamRejected(CodeRequestError, "malformed weapon pool list")
	}
	return wrapped.List, nil
}

func (c *Client) gachaPage(ctx context.Context, path string, params map[string]string) (*GachaPage, error) {
	env, err := c.gachaGet(ctx, path, params)
	if err != nil {
		return nil, err
	}
	var page GachaPage
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &page); err != nil {
			return nil, apperrors.UpstreamRejected(CodeRequestError, "malformed gacha page")
		}
	}
	return &page, nil
}

func (c *Client) gachaGet(ctx context.Context, path string, params map[string]string) (*gachaEnvelope, error) {
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	rawURL := c.gachaURL + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create gacha request: %w", err)
	}
	req.Header.Set("User-Agent", AndroidUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.TransientNetwork(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.TransientNetwork(fmt.Errorf("read gacha body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.UpstreamRejected(resp.StatusCode, "gacha request failed")
	}

	var env gachaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.UpstreamRejected(CodeRequestError, "malformed gacha response")
	}
	if env.Code != nil && *env.Code != CodeOK {
		msg := env.Msg
		if msg == "" {
			msg = env.Message
		}
		return nil, apperrors.UpstreamRejected(*env.Code, msg)
	}
	return &env, nil
}
