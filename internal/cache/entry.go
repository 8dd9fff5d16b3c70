package cache

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	sentMillisHeader     = "sent-at-millis"
	receivedMillisHeader = "received-at-millis"

	// legacyEmptyCertList 是旧格式中表示“无证书”的长度值。
	legacyEmptyCertList = -1
	// defaultTLSVersion 用于缺少版本行的旧记录。
	defaultTLSVersion = "SSLv3"
)

// ErrCorruptEntry 表示持久化的元数据无法解析。
var ErrCorruptEntry = errors.New("cache entry corrupt")

// CorruptionError 描述元数据损坏的具体原因。
type CorruptionError struct {
	Reason string
}

func (e *CorruptionError) Error() string {
	return "cache entry corrupt: " + e.Reason
}

// Is 让 errors.Is(err, ErrCorruptEntry) 对所有损坏错误成立。
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptEntry
}

func corruptf(format string, args ...any) error {
	return &CorruptionError{Reason: fmt.Sprintf(format, args...)}
}

// Handshake 保存 TLS 会话的可回放部分。
type Handshake struct {
	CipherSuite       string
	PeerCertificates  []*x509.Certificate
	LocalCertificates []*x509.Certificate
	Version           string
}

// Entry 是一条缓存记录的元数据：请求上下文、状态行、响应头与 TLS 信息。
// 正文保存在独立的 slot 中。
type Entry struct {
	URL         string
	Method      string
	VaryHeaders http.Header
	Proto       string
	StatusCode  int
	Message     string
	Header      http.Header
	TLS         *Handshake
	SentAt      time.Time
	ReceivedAt  time.Time
}

// NewEntry 从一次网络交换中提取需要持久化的元数据。
func NewEntry(req *http.Request, resp *http.Response, sentAt, receivedAt time.Time) *Entry {
	entry := &Entry{
		URL:         req.URL.String(),
		Method:      requestMethod(req),
		VaryHeaders: varyHeaders(req.Header, resp.Header),
		Proto:       responseProto(resp),
		StatusCode:  resp.StatusCode,
		Message:     statusMessage(resp),
		Header:      resp.Header.Clone(),
		SentAt:      sentAt,
		ReceivedAt:  receivedAt,
	}
	if entry.Header == nil {
		entry.Header = http.Header{}
	}
	if entry.isHTTPS() {
		entry.TLS = newHandshake(resp.TLS)
	}
	return entry
}

func (e *Entry) isHTTPS() bool {
	u, err := url.Parse(e.URL)
	return err == nil && strings.EqualFold(u.Scheme, "https")
}

// WriteTo 以行格式写出元数据，字段顺序固定：
//
//	<url>
//	<method>
//	<vary count>
//	<Name: Value>...
//	<proto> <code> <message>
//	<header count + 2>
//	<Name: Value>...
//	sent-at-millis: <ms>
//	received-at-millis: <ms>
//
// https 记录额外追加空行、加密套件、对端/本地证书列表与 TLS 版本。
func (e *Entry) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer

	buf.WriteString(e.URL + "\n")
	buf.WriteString(e.Method + "\n")
	writeHeaderBlock(&buf, e.VaryHeaders, 0)

	buf.WriteString(statusLine(e.Proto, e.StatusCode, e.Message) + "\n")
	writeHeaderBlock(&buf, e.Header, 2)
	fmt.Fprintf(&buf, "%s: %d\n", sentMillisHeader, e.SentAt.UnixMilli())
	fmt.Fprintf(&buf, "%s: %d\n", receivedMillisHeader, e.ReceivedAt.UnixMilli())

	if e.isHTTPS() {
		hs := e.TLS
		if hs == nil {
			hs = &Handshake{}
		}
		buf.WriteString("\n")
		buf.WriteString(hs.CipherSuite + "\n")
		writeCertList(&buf, hs.PeerCertificates)
		writeCertList(&buf, hs.LocalCertificates)
		buf.WriteString(hs.Version + "\n")
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadEntry 严格解析 WriteTo 的输出；任何结构异常都返回 *CorruptionError。
func ReadEntry(r io.Reader) (*Entry, error) {
	br := bufio.NewReader(r)
	e := &Entry{}

	rawURL, err := readLine(br)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, corruptf("bad url %q", rawURL)
	}
	e.URL = rawURL

	if e.Method, err = readLine(br); err != nil {
		return nil, err
	}
	if e.Method == "" {
		return nil, corruptf("empty request method")
	}

	if e.VaryHeaders, err = readHeaderBlock(br); err != nil {
		return nil, err
	}

	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	if e.Proto, e.StatusCode, e.Message, err = parseStatusLine(line); err != nil {
		return nil, err
	}

	if e.Header, err = readHeaderBlock(br); err != nil {
		return nil, err
	}
	if e.SentAt, err = popMillis(e.Header, sentMillisHeader); err != nil {
		return nil, err
	}
	if e.ReceivedAt, err = popMillis(e.Header, receivedMillisHeader); err != nil {
		return nil, err
	}

	if strings.EqualFold(u.Scheme, "https") {
		if e.TLS, err = readHandshake(br); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Matches 判断缓存记录能否服务于 req：URL、方法以及 Vary 指定的每个请求头都必须一致。
func (e *Entry) Matches(req *http.Request) bool {
	if e.URL != req.URL.String() || e.Method != requestMethod(req) {
		return false
	}
	for _, field := range VaryFields(e.Header) {
		if !slices.Equal(e.VaryHeaders.Values(field), req.Header.Values(field)) {
			return false
		}
	}
	return true
}

// Response 使用缓存元数据与正文重建 http.Response。
func (e *Entry) Response(req *http.Request, body io.ReadCloser) *http.Response {
	major, minor, ok := http.ParseHTTPVersion(e.Proto)
	if !ok {
		major, minor = 1, 1
	}
	contentLength := int64(-1)
	if raw := e.Header.Get("Content-Length"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			contentLength = n
		}
	}
	status := strconv.Itoa(e.StatusCode)
	if e.Message != "" {
		status += " " + e.Message
	}
	return &http.Response{
		Status:        status,
		StatusCode:    e.StatusCode,
		Proto:         e.Proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        e.Header.Clone(),
		Body:          body,
		ContentLength: contentLength,
		Request:       req,
		TLS:           e.TLS.connectionState(),
	}
}

// VaryFields 返回响应 Vary 头中列出的字段（规范化、去重、排序）。
func VaryFields(h http.Header) []string {
	seen := map[string]struct{}{}
	for _, value := range h.Values("Vary") {
		for _, field := range strings.Split(value, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			if field != "*" {
				field = textproto.CanonicalMIMEHeaderKey(field)
			}
			seen[field] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for field := range seen {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// HasVaryAll 报告响应是否声明了 Vary: *，此类响应永不缓存。
func HasVaryAll(h http.Header) bool {
	return slices.Contains(VaryFields(h), "*")
}

func varyHeaders(requestHeader, responseHeader http.Header) http.Header {
	result := http.Header{}
	for _, field := range VaryFields(responseHeader) {
		for _, value := range requestHeader.Values(field) {
			result.Add(field, value)
		}
	}
	return result
}

func requestMethod(req *http.Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return req.Method
}

func responseProto(resp *http.Response) string {
	if resp.Proto != "" {
		return resp.Proto
	}
	major, minor := resp.ProtoMajor, resp.ProtoMinor
	if major == 0 {
		major, minor = 1, 1
	}
	return fmt.Sprintf("HTTP/%d.%d", major, minor)
}

func statusMessage(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if msg, ok := strings.CutPrefix(resp.Status, code); ok {
		return strings.TrimSpace(msg)
	}
	if resp.Status != "" {
		return resp.Status
	}
	return http.StatusText(resp.StatusCode)
}

func statusLine(proto string, code int, message string) string {
	line := fmt.Sprintf("%s %d", proto, code)
	if message != "" {
		line += " " + message
	}
	return line
}

func parseStatusLine(line string) (string, int, string, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return "", 0, "", corruptf("unexpected status line %q", line)
	}
	if _, _, ok := http.ParseHTTPVersion(proto); !ok {
		return "", 0, "", corruptf("unexpected status line %q", line)
	}
	if len(rest) < 3 {
		return "", 0, "", corruptf("unexpected status line %q", line)
	}
	code, err := strconv.Atoi(rest[:3])
	if err != nil || code < 100 {
		return "", 0, "", corruptf("unexpected status line %q", line)
	}
	message := ""
	if len(rest) > 3 {
		if rest[3] != ' ' {
			return "", 0, "", corruptf("unexpected status line %q", line)
		}
		message = rest[4:]
	}
	return proto, code, message, nil
}

func writeHeaderBlock(buf *bytes.Buffer, h http.Header, extra int) {
	names := make([]string, 0, len(h))
	count := 0
	for name, values := range h {
		names = append(names, name)
		count += len(values)
	}
	sort.Strings(names)

	fmt.Fprintf(buf, "%d\n", count+extra)
	for _, name := range names {
		for _, value := range h[name] {
			fmt.Fprintf(buf, "%s: %s\n", name, value)
		}
	}
}

func readHeaderBlock(r *bufio.Reader) (http.Header, error) {
	count, err := readInt(r)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	for i := 0; i < count; i++ {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(line) < 2 {
			return nil, corruptf("unexpected header line %q", line)
		}
		// 名称至少一个字符，从第二个字符起寻找分隔符。
		idx := strings.IndexByte(line[1:], ':')
		if idx < 0 {
			return nil, corruptf("unexpected header line %q", line)
		}
		idx++
		h.Add(line[:idx], strings.TrimSpace(line[idx+1:]))
	}
	return h, nil
}

func popMillis(h http.Header, name string) (time.Time, error) {
	raw := h.Get(name)
	h.Del(name)
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, corruptf("bad %s %q", name, raw)
	}
	return time.UnixMilli(ms), nil
}

// readLine 读取以 \n 结尾的一行；缺少换行的末行视为截断。
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", corruptf("unexpected end of entry")
		}
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// readInt 读取一行非负整数，行内不允许出现其它字符。
func readInt(r *bufio.Reader) (int, error) {
	line, err := readLine(r)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(line, 10, 32)
	if err != nil || n < 0 {
		return 0, corruptf("expected an int but was %q", line)
	}
	return int(n), nil
}

func readHandshake(r *bufio.Reader) (*Handshake, error) {
	blank, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if blank != "" {
		return nil, corruptf("expected \"\" but was %q", blank)
	}

	hs := &Handshake{}
	if hs.CipherSuite, err = readLine(r); err != nil {
		return nil, err
	}
	if hs.PeerCertificates, err = readCertList(r); err != nil {
		return nil, err
	}
	if hs.LocalCertificates, err = readCertList(r); err != nil {
		return nil, err
	}

	if _, err := r.Peek(1); errors.Is(err, io.EOF) {
		hs.Version = defaultTLSVersion
		return hs, nil
	}
	if hs.Version, err = readLine(r); err != nil {
		return nil, err
	}
	return hs, nil
}

func readCertList(r *bufio.Reader) ([]*x509.Certificate, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if line == strconv.Itoa(legacyEmptyCertList) {
		return nil, nil
	}
	count, err := strconv.ParseInt(line, 10, 32)
	if err != nil || count < 0 {
		return nil, corruptf("expected an int but was %q", line)
	}

	var certs []*x509.Certificate
	for i := int64(0); i < count; i++ {
		encoded, err := readLine(r)
		if err != nil {
			return nil, err
		}
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, corruptf("bad certificate encoding: %v", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, corruptf("bad certificate: %v", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func writeCertList(buf *bytes.Buffer, certs []*x509.Certificate) {
	fmt.Fprintf(buf, "%d\n", len(certs))
	for _, cert := range certs {
		buf.WriteString(base64.StdEncoding.EncodeToString(cert.Raw) + "\n")
	}
}

var tlsVersionNames = map[uint16]string{
	tls.VersionSSL30: "SSLv3",
	tls.VersionTLS10: "TLSv1",
	tls.VersionTLS11: "TLSv1.1",
	tls.VersionTLS12: "TLSv1.2",
	tls.VersionTLS13: "TLSv1.3",
}

func newHandshake(state *tls.ConnectionState) *Handshake {
	if state == nil {
		return nil
	}
	return &Handshake{
		CipherSuite:      tls.CipherSuiteName(state.CipherSuite),
		PeerCertificates: slices.Clone(state.PeerCertificates),
		Version:          tlsVersionNames[state.Version],
	}
}

func (h *Handshake) connectionState() *tls.ConnectionState {
	if h == nil {
		return nil
	}
	state := &tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  slices.Clone(h.PeerCertificates),
	}
	for id, name := range tlsVersionNames {
		if name == h.Version {
			state.Version = id
		}
	}
	for _, suite := range append(tls.CipherSuites(), tls.InsecureCipherSuites()...) {
		if suite.Name == h.CipherSuite {
			state.CipherSuite = suite.ID
			break
		}
	}
	return state
}
