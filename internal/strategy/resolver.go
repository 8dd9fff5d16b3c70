package strategy

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// 请求级控制头，转发前会被移除。
const (
	HeaderMode = "Custom-Cache-Mode"
	HeaderTime = "Custom-Cache-Time"
	HeaderKey  = "Custom-Cache-Key"
)

var controlHeaders = []string{HeaderMode, HeaderTime, HeaderKey}

// Defaults 是进程级默认策略，请求头可以逐项覆盖。
type Defaults struct {
	Mode     Mode
	Validity time.Duration
	// UseExpiredData 仅对 OnlyCache 生效：允许返回过期缓存。
	UseExpiredData bool
}

// DefaultDefaults 返回安全的初始值：只走网络、有效期 10 秒、不使用过期数据。
func DefaultDefaults() Defaults {
	return Defaults{
		Mode:     OnlyNetwork,
		Validity: 10 * time.Second,
	}
}

// Resolver 根据请求头与默认值解析 Strategy。默认值可以在运行期调整。
type Resolver struct {
	mu       sync.RWMutex
	defaults Defaults
}

// NewResolver 创建解析器；空模式回退为 OnlyNetwork。
func NewResolver(d Defaults) *Resolver {
	if d.Mode == "" {
		d.Mode = OnlyNetwork
	}
	return &Resolver{defaults: d}
}

// Defaults 返回当前默认值的副本。
func (r *Resolver) Defaults() Defaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetDefaults 替换默认值，对之后解析的请求生效。
func (r *Resolver) SetDefaults(d Defaults) {
	if d.Mode == "" {
		d.Mode = OnlyNetwork
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = d
}

// Mode 只解析有效模式，不读取请求体。
func (r *Resolver) Mode(req *http.Request) (Mode, error) {
	if raw := strings.TrimSpace(req.Header.Get(HeaderMode)); raw != "" {
		return ParseMode(raw)
	}
	return r.Defaults().Mode, nil
}

// Resolve 返回请求的缓存策略；OnlyNetwork 返回 nil。
// 派生 key 可能需要读取请求体，若 req 没有 GetBody，请求体会被缓冲后重新挂回 req，
// 因此调用方应传入自己持有的请求副本。
func (r *Resolver) Resolve(req *http.Request) (*Strategy, error) {
	mode, err := r.Mode(req)
	if err != nil {
		return nil, err
	}
	if mode == OnlyNetwork {
		return nil, nil
	}

	validity := r.Defaults().Validity
	if raw := strings.TrimSpace(req.Header.Get(HeaderTime)); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
		}
		validity = secondsToValidity(seconds)
	}

	key := req.Header.Get(HeaderKey)
	if strings.TrimSpace(key) == "" {
		key = DeriveKey(req)
	}

	return &Strategy{Key: key, Validity: validity, Mode: mode}, nil
}

// HasControlHeaders 报告请求是否携带任一控制头。
func HasControlHeaders(req *http.Request) bool {
	for _, name := range controlHeaders {
		if _, ok := req.Header[name]; ok {
			return true
		}
	}
	return false
}

// RemoveControlHeaders 从 h 中原地删除控制头。
func RemoveControlHeaders(h http.Header) {
	for _, name := range controlHeaders {
		h.Del(name)
	}
}

// StripControlHeaders 返回不含控制头的请求；没有控制头时直接返回 req 本身。
func StripControlHeaders(req *http.Request) *http.Request {
	if !HasControlHeaders(req) {
		return req
	}
	out := req.Clone(req.Context())
	RemoveControlHeaders(out.Header)
	return out
}

// maxValiditySeconds 是 time.Duration 能表示的最大整秒数。
const maxValiditySeconds = math.MaxInt64 / int64(time.Second)

// secondsToValidity 把整秒数转换为有效期；超出 time.Duration 范围的值按永不过期处理。
func secondsToValidity(seconds int64) time.Duration {
	if seconds > maxValiditySeconds || seconds < -maxValiditySeconds {
		return NeverExpire
	}
	return time.Duration(seconds) * time.Second
}
