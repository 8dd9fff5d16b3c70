package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/netcache/netcache/internal/strategy"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
// 负值保留原样，CacheTime 以负值表示永不过期。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"-1s" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：日志、缓存目录与默认缓存策略。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	MaxStoreSize    int64    `mapstructure:"MaxStoreSize"`
	CacheMode       string   `mapstructure:"CacheMode"`
	// CacheTime 为默认有效期；未配置或为 0 时取 10s，负数表示永不过期。
	// 需要立即过期时请用 ONLY_NETWORK 模式。
	CacheTime       Duration `mapstructure:"CacheTime"`
	UseExpiredData  bool     `mapstructure:"UseExpiredData"`
	DrainTimeout    Duration `mapstructure:"DrainTimeout"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
}

// CacheDefaults 把配置转换为策略解析器使用的默认值。
func (g GlobalConfig) CacheDefaults() (strategy.Defaults, error) {
	d := strategy.DefaultDefaults()
	if strings.TrimSpace(g.CacheMode) != "" {
		mode, err := strategy.ParseMode(g.CacheMode)
		if err != nil {
			return strategy.Defaults{}, err
		}
		d.Mode = mode
	}
	if g.CacheTime != 0 {
		d.Validity = g.CacheTime.DurationValue()
	}
	d.UseExpiredData = g.UseExpiredData
	return d, nil
}
