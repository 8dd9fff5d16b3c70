// Package strategy resolves the per-request cache mode, validity window and
// cache key from Custom-Cache-* request headers and process defaults.
package strategy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode 决定单次请求在网络与缓存之间的取舍。
type Mode string

const (
	// OnlyNetwork 完全绕过缓存。
	OnlyNetwork Mode = "ONLY_NETWORK"
	// OnlyCache 只读缓存，从不访问网络。
	OnlyCache Mode = "ONLY_CACHE"
	// NetworkPutCache 先请求网络，成功后写入缓存。
	NetworkPutCache Mode = "NETWORK_PUT_CACHE"
	// ReadCacheNetworkPut 优先使用有效缓存，未命中时请求网络并写入缓存。
	ReadCacheNetworkPut Mode = "READ_CACHE_NETWORK_PUT"
	// NetworkPutReadCache 先请求网络并写入缓存，失败时回退到有效缓存。
	NetworkPutReadCache Mode = "NETWORK_PUT_READ_CACHE"
)

// NeverExpire 表示缓存永不过期；任何负数有效期都按此处理。
const NeverExpire time.Duration = -time.Second

var (
	// ErrInvalidMode 表示 Custom-Cache-Mode 或配置中的模式无法识别。
	ErrInvalidMode = errors.New("invalid cache mode")
	// ErrInvalidTime 表示 Custom-Cache-Time 不是整数秒。
	ErrInvalidTime = errors.New("invalid cache time")
)

var modes = []Mode{OnlyNetwork, OnlyCache, NetworkPutCache, ReadCacheNetworkPut, NetworkPutReadCache}

// ParseMode 解析模式字符串，忽略大小写与首尾空白。
func ParseMode(raw string) (Mode, error) {
	normalized := Mode(strings.ToUpper(strings.TrimSpace(raw)))
	for _, m := range modes {
		if m == normalized {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
}

func (m Mode) String() string {
	return string(m)
}

// Strategy 是针对单个请求解析出的缓存策略，解析后不再修改。
type Strategy struct {
	Key      string
	Validity time.Duration
	Mode     Mode
}

// Cacheable 报告该策略是否允许读写缓存；空 key 表示放弃缓存。
func (s *Strategy) Cacheable() bool {
	return strings.TrimSpace(s.Key) != ""
}

// Valid 判断 receivedAt 时刻写入的缓存在 now 是否仍然有效，按毫秒比较且包含边界。
func (s *Strategy) Valid(receivedAt, now time.Time) bool {
	if s.Validity < 0 {
		return true
	}
	return now.UnixMilli()-receivedAt.UnixMilli() <= s.Validity.Milliseconds()
}
