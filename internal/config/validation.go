package config

import (
	"errors"

	"github.com/netcache/netcache/internal/strategy"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError(globalField("StoragePath"), "不能为空")
	}
	if g.MaxStoreSize <= 0 {
		return newFieldError(globalField("MaxStoreSize"), "必须大于 0")
	}
	if _, err := strategy.ParseMode(g.CacheMode); err != nil {
		return newFieldError(globalField("CacheMode"), "仅支持 ONLY_NETWORK/ONLY_CACHE/NETWORK_PUT_CACHE/READ_CACHE_NETWORK_PUT/NETWORK_PUT_READ_CACHE")
	}
	if g.DrainTimeout.DurationValue() < 0 {
		return newFieldError(globalField("DrainTimeout"), "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("UpstreamTimeout"), "必须大于 0")
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError(globalField("LogMaxSize/LogMaxBackups"), "不能为负数")
	}

	return nil
}
