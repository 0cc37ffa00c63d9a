package skland

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/enduid/enduid-server/internal/util"
)

// SignHeaders are the header fields folded into every signature.
type SignHeaders struct {
	Platform string
	DID      string
	VName    string
}

type Signature struct {
	Sign      string
	Timestamp string
}

// signHeader field order is part of the wire format.
type signHeader struct {
	Platform  string `json:"platform"`
	Timestamp string `json:"timestamp"`
	DID       string `json:"dId"`
	VName     string `json:"vName"`
}

// Sign computes md5_hex(hmac_sha256_hex(token, path+payload+timestamp+headerJSON)).
func Sign(token, path, payload string, timestamp int64, h SignHeaders) Signature {
	ts := strconv.FormatInt(timestamp, 10)

	var sb strings.Builder
	sb.WriteString(path)
	sb.WriteString(payload)
	sb.WriteString(ts)
	sb.WriteString(headerJSON(ts, h))

	return Signature{
		Sign:      util.MD5Hex(util.HmacSHA256(token, sb.String())),
		Timestamp: ts,
	}
}

func headerJSON(ts string, h SignHeaders) string {
	out, _ := compactJSON(signHeader{
		Platform:  h.Platform,
		Timestamp: ts,
		DID:       h.DID,
		VName:     h.VName,
	})
	return string(out)
}

// BuildQuery joins params as k=v pairs sorted by key, without URL escaping.
// The same string is signed and sent.
func BuildQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}

// compactJSON marshals without whitespace or HTML escaping. Non-ASCII runes
// are written as lowercase \uXXXX escapes, surrogate pairs included.
func compactJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func escapeNonASCII(b []byte) []byte {
	if !slices.ContainsFunc(b, func(c byte) bool { return c >= utf8.RuneSelf }) {
		return b
	}
	out := make([]byte, 0, len(b)+len(b)/2)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		b = b[size:]
		switch {
		case r < utf8.RuneSelf:
			out = append(out, byte(r))
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			out = fmt.Appendf(out, `\u%04x\u%04x`, hi, lo)
		default:
			out = fmt.Appendf(out, `\u%04x`, r)
		}
	}
	return out
}
