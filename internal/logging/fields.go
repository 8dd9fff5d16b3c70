package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供缓存模式/key/命中状态字段，供拦截器与管理接口日志复用。
func CacheFields(mode, cacheKey, url string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":     "cache_intercept",
		"cache_mode": mode,
		"cache_key":  cacheKey,
		"url":        url,
		"cache_hit":  cacheHit,
	}
}
