package skland

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/enduid/enduid-server/internal/errors"
)

const maxErrorBody = 200

type Options struct {
	BaseURL      string
	AuthBaseURL  string
	GachaBaseURL string
	Timeout      time.Duration
	ProxyURL     string
	DeviceID     DeviceIDProvider
}

// Client owns one pooled HTTP client shared by every upstream call.
type Client struct {
	http     *http.Client
	baseURL  string
	authURL  string
	gachaURL string
	deviceID DeviceIDProvider
	tokens   *TokenManager
}

// Response is the common Skland response envelope.
type Response struct {
	Code       int             `json:"code"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	HTTPStatus int             `json:"-"`
}

func (r *Response) OK() bool {
	return r != nil && r.Code == CodeOK
}

// Decode unmarshals the data field into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func NewClient(opts Options, store TokenStore) (*Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		authURL:  strings.TrimRight(opts.AuthBaseURL, "/"),
		gachaURL: strings.TrimRight(opts.GachaBaseURL, "/"),
		deviceID: opts.DeviceID,
	}
	c.tokens = NewTokenManager(store, c)
	return c, nil
}

func (c *Client) Tokens() *TokenManager {
	return c.tokens
}

// call describes one signed request.
type call struct {
	method         string
	path           string
	cred           string
	uid            string
	gameID         string
	params         map[string]string
	body           any
	useDeviceID    bool
	userAgent      string
	platform       string
	vName          string
	referer        string
	acceptLanguage string
	headers        map[string]string
}

// do resolves a token, signs and sends the call. A token-invalid response forces
// one refresh and is returned as a retryable TOKEN_STALE error.
func (c *Client) do(ctx context.Context, cl call) (*Response, error) {
	token, err := c.tokens.Token(ctx, cl.cred, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, cl, token)
	if err != nil {
		return nil, err
	}

	if resp.Code == CodeTokenInvalid {
		log.Info().Str("path", cl.path).Int("status", resp.HTTPStatus).Msg("skland token rejected, forcing refresh")
		if _, err := c.tokens.Token(ctx, cl.cred, true); err != nil {
			return nil, err
		}
		return resp, apperrors.TokenStale()
	}

	return resp, nil
}

func (c *Client) send(ctx context.Context, cl call, token string) (*Response, error) {
	if cl.platform == "" {
		cl.platform = PlatformEndfield
	}
	if cl.vName == "" {
		cl.vName = SignVName
	}
	if cl.userAgent == "" {
		cl.userAgent = AndroidUserAgent
	}

	query := BuildQuery(cl.params)
	rawURL := c.baseURL + cl.path
	if query != "" {
		rawURL += "?" + query
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}

	var body []byte
	if cl.body != nil {
		body, err = compactJSON(cl.body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	payload := query
	if cl.method != http.MethodGet {
		payload = query + string(body)
	}

	did := ""
	if cl.useDeviceID {
		if c.deviceID == nil {
			return nil, apperrors.DeviceIDUnavailable(nil)
		}
		did, err = c.deviceID.DeviceID(ctx, DeviceProfile{
			UserAgent:      cl.userAgent,
			AcceptLanguage: cl.acceptLanguage,
			Referer:        cl.referer,
		})
		if err != nil {
			return nil, err
		}
	}

	sig := Sign(token, u.Path, payload, NowTimeFunc().Unix(), SignHeaders{
		Platform: cl.platform,
		DID:      did,
		VName:    cl.vName,
	})

	var reader io.Reader
	if cl.method != http.MethodGet && body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", cl.userAgent)
	req.Header.Set("Content-Type", "application/json")
	setRaw(req.Header, "cred", cl.cred)
	setRaw(req.Header, "timestamp", sig.Timestamp)
	setRaw(req.Header, "sign", sig.Sign)
	setRaw(req.Header, "vName", cl.vName)
	setRaw(req.Header, "dId", did)
	setRaw(req.Header, "platform", cl.platform)
	if cl.uid != "" && cl.gameID != "" {
		setRaw(req.Header, "sk-game-role", fmt.Sprintf("%s_%s_%s", cl.platform, cl.uid, cl.gameID))
	}
	for k, v := range cl.headers {
		setRaw(req.Header, k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn().Err(err).Str("path", cl.path).Dur("elapsed", elapsed).Msg("skland request error")
		return nil, apperrors.TransientNetwork(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.TransientNetwork(fmt.Errorf("read body: %w", err))
	}

	log.Debug().
		Str("method", cl.method).
		Str("path", cl.path).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("skland request")

	return parseResponse(resp.StatusCode, raw, cl.path)
}

// parseResponse keeps 400/403 bodies for the caller to classify; any other
// non-200 status or an unreadable 200 body is a hard failure.
func parseResponse(status int, raw []byte, path string) (*Response, error) {
	var out Response
	decodeErr := json.Unmarshal(raw, &out)
	out.HTTPStatus = status

	switch {
	case status == http.StatusBadRequest || status == http.StatusForbidden:
		if decodeErr != nil {
			return &Response{Code: CodeRequestError, Message: truncateBody(raw), HTTPStatus: status}, nil
		}
		logRejection(&out, path)
		return &out, nil
	case status != http.StatusOK:
		log.Error().Int("status", status).Str("path", path).Msg("skland request failed")
		return nil, apperrors.UpstreamRejected(status, "unexpected HTTP status")
	case decodeErr != nil:
		log.Error().Err(decodeErr).Str("path", path).Msg("skland response is not JSON")
		return nil, apperrors.UpstreamRejected(CodeRequestError, "malformed response body")
	}
	return &out, nil
}

func logRejection(r *Response, path string) {
	switch r.Code {
	case CodeAlreadyDone:
		if strings.Contains(r.Message, "签到") {
			log.Info().Str("path", path).Str("message", r.Message).Msg("skland: already checked in")
		} else {
			log.Info().Str("path", path).Str("message", r.Message).Msg("skland: cred rejected")
		}
	case CodeTokenInvalid:
		log.Info().Str("path", path).Msg("skland: token expired")
	}
}

// setRaw stores a header without canonicalizing its name.
func setRaw(h http.Header, key, value string) {
	h[key] = []string{value}
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
