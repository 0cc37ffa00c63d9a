package skland

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/enduid/enduid-server/internal/errors"
)

// Announcement is one post of the official Endfield feed.
type Announcement struct {
	ID        string
	Title     string
	Author    string
	CreatedAt time.Time
	Text      []string
}

type annFields struct {
	ID          flexString `json:"id"`
	Title       string     `json:"title"`
	CreatedAtTs flexString `json:"createdAtTs"`
	UserName    string     `json:"userName"`
	TextContent []annText  `json:"textContent"`
}

// annEntry accepts both the flat shape and the {item, user} shape of the feed.
type annEntry struct {
	annFields
	Item *annFields `json:"item"`
	User *struct {
		Nickname string `json:"nickname"`
	} `json:"user"`
}

func (e annEntry) announcement() Announcement {
	f := e.annFields
	if e.Item != nil {
		f = *e.Item
	}
	a := Announcement{
		ID:        string(f.ID),
		Title:     f.Title,
		Author:    f.UserName,
		CreatedAt: parseFeedTime(string(f.CreatedAtTs)),
	}
	if a.Author == "" && e.User != nil {
		a.Author = e.User.Nickname
	}
	for _, t := range f.TextContent {
		if t != "" {
			a.Text = append(a.Text, string(t))
		}
	}
	return a
}

// annText is a text block given either as a string or as an object.
type annText string

func (t *annText) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = annText(s)
		return nil
	}
	var obj struct {
		C       string `json:"c"`
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil
	}
	switch {
	case obj.C != "":
		*t = annText(obj.C)
	case obj.Text != "":
		*t = annText(obj.Text)
	default:
		*t = annText(obj.Content)
	}
	return nil
}

// parseFeedTime reads a second or millisecond timestamp.
func parseFeedTime(raw string) time.Time {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ts <= 0 {
		return time.Time{}
	}
	if ts > 10_000_000_000 {
		ts /= 1000
	}
	return time.Unix(ts, 0)
}

// Announcements lists the newest posts of the Endfield announcement category.
func (c *Client) Announcements(ctx context.Context) ([]Announcement, error) {
	resp, err := c.webGet(ctx, pathAnnList, map[string]string{
		"gameId": AnnGameID,
		"cateId": AnnCateID,
	})
	if err != nil {
		return nil, err
	}
	var data struct {
		List []annEntry `json:"list"`
	}
	if err := resp.Decode(&data); err != nil {
		return nil, apperrors.UpstreamRejected(CodeRequestError, "malformed announcement list")
	}
	out := make([]Announcement, 0, len(data.List))
	for _, e := range data.List {
		if a := e.announcement(); a.ID != "" {
			out = append(out, a)
		}
	}
	return out, nil
}

// Announcement loads one post with its text.
func (c *Client) Announcement(ctx context.Context, id string) (*Announcement, error) {
	resp, err := c.webGet(ctx, pathAnnDetail, map[string]string{"id": id})
	if err != nil {
		return nil, err
	}
	var e annEntry
	if err := resp.Decode(&e); err != nil {
		return nil, apperrors.UpstreamRejected(CodeRequestError, "malformed announcement")
	}
	a := e.announcement()
	if a.ID == "" {
		return nil, nil
	}
	return &a, nil
}

// webGet calls a public web endpoint; these need no cred or signature.
func (c *Client) webGet(ctx context.Context, path string, params map[string]string) (*Response, error) {
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create web request: %w", err)
	}
	req.Header.Set("User-Agent", WebUserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", AcceptLanguage)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.TransientNetwork(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.TransientNetwork(fmt.Errorf("read web body: %w", err))
	}
	out, err := parseResponse(resp.StatusCode, raw, path)
	if err != nil {
		return nil, err
	}
	if !out.OK() {
		return nil, apperrors.UpstreamRejected(out.Code, out.Message)
	}
	return out, nil
}
