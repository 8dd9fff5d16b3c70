package strategy

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
)

const (
	textProbeBytes      = 64
	textProbeCodePoints = 16
	defaultCharset      = "utf-8"
)

// DeriveKey 由请求计算缓存 key：
//   - 无请求体时为 URL；
//   - 请求体看起来是文本时，以 "<method>param" 作为查询参数追加到 URL；
//   - 二进制或空白请求体退回 URL；
//   - 读取或解码失败返回空字符串，表示不缓存。
func DeriveKey(req *http.Request) string {
	base := req.URL.String()

	body, err := readBody(req)
	if err != nil {
		return ""
	}
	if len(body) == 0 || !IsProbablyText(body) {
		return base
	}

	text, err := decodeBody(body, req.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	if strings.TrimSpace(text) == "" {
		return base
	}

	u := *req.URL
	param := escapeQueryComponent(strings.ToLower(method(req))+"param") + "=" + escapeQueryComponent(text)
	if u.RawQuery == "" {
		u.RawQuery = param
	} else {
		u.RawQuery += "&" + param
	}
	return u.String()
}

// IsProbablyText 检查请求体前 64 字节中的前 16 个码点：出现非空白的控制字符，
// 或多字节序列被截断，都视为二进制。
func IsProbablyText(b []byte) bool {
	prefix := b
	if len(prefix) > textProbeBytes {
		prefix = prefix[:textProbeBytes]
	}
	for i := 0; i < textProbeCodePoints && len(prefix) > 0; i++ {
		if len(prefix) < sequenceLength(prefix[0]) {
			return false
		}
		r, size := utf8.DecodeRune(prefix)
		prefix = prefix[size:]
		if isISOControl(r) && !isWhitespace(r) {
			return false
		}
	}
	return true
}

// sequenceLength 返回首字节声明的 UTF-8 序列长度；非法首字节按单字节处理。
func sequenceLength(b byte) int {
	switch {
	case b&0xE0 == 0xC0:
		return 2
	case b&0xF0 == 0xE0:
		return 3
	case b&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}

func isISOControl(r rune) bool {
	return r <= 0x1F || (r >= 0x7F && r <= 0x9F)
}

// isWhitespace 覆盖控制字符范围内被视为空白的码点：\t \n \v \f \r 以及 U+001C–U+001F。
func isWhitespace(r rune) bool {
	switch {
	case r >= '\t' && r <= '\r':
		return true
	case r >= 0x1C && r <= 0x1F:
		return true
	}
	return false
}

func method(req *http.Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return req.Method
}

// readBody 读取请求体但不消耗它：优先使用 GetBody，否则缓冲后重新挂回 req。
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		// 保留已读数据与原始错误，由下游传输层报告。
		req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), errReader{err}))
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return data, nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// decodeBody 按 Content-Type 的 charset 解码，未知字符集按 UTF-8 处理。
func decodeBody(body []byte, contentType string) (string, error) {
	charset := defaultCharset
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil && params["charset"] != "" {
			charset = params["charset"]
		}
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		enc, _ = htmlindex.Get(defaultCharset)
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// escapeQueryComponent 只保留字母数字与 "*-._"，其余字节一律写成 %XX，
// 因此空格是 %20 而不是 "+"。
func escapeQueryComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '*', c == '-', c == '.', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}
