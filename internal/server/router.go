package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/netcache/netcache/internal/cache"
	"github.com/netcache/netcache/internal/strategy"
)

// CacheAdmin describes the cache operations exposed through the admin app.
// It allows injecting fake stores during tests.
type CacheAdmin interface {
	Stats() cache.Stats
	Flush() error
	Remove(key string) error
	RemoveAll() error
}

// AppOptions controls how the Fiber admin application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Cache  CacheAdmin
	// Client performs /-/fetch requests; it is expected to carry the cache
	// interceptor as its transport.
	Client     *http.Client
	ListenPort int
}

const contextKeyRequestID = "_netcache_request_id"

// NewApp builds the Fiber admin application with request IDs and structured
// error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	h := &adminHandler{logger: opts.Logger, cache: opts.Cache, client: opts.Client}
	app.Get("/-/stats", h.stats)
	app.Post("/-/flush", h.flush)
	app.Delete("/-/cache", h.evict)
	app.Get("/-/fetch", h.fetch)

	app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成请求 ID，并写回 X-Request-ID 响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

type adminHandler struct {
	logger *logrus.Logger
	cache  CacheAdmin
	client *http.Client
}

func (h *adminHandler) stats(c fiber.Ctx) error {
	return c.JSON(h.cache.Stats())
}

func (h *adminHandler) flush(c fiber.Ctx) error {
	if err := h.cache.Flush(); err != nil {
		return h.fail(c, "cache_flush", fiber.StatusInternalServerError, "flush_failed", err)
	}
	h.logger.WithFields(h.fields(c, "cache_flush")).Info("cache_flushed")
	return c.JSON(fiber.Map{"result": "ok"})
}

// evict 删除单个 key（?key=）或清空全部缓存。
func (h *adminHandler) evict(c fiber.Ctx) error {
	key := strings.TrimSpace(c.Query("key"))
	var err error
	if key != "" {
		err = h.cache.Remove(key)
	} else {
		err = h.cache.RemoveAll()
	}
	if err != nil {
		return h.fail(c, "cache_evict", fiber.StatusInternalServerError, "evict_failed", err)
	}

	fields := h.fields(c, "cache_evict")
	fields["cache_key"] = key
	h.logger.WithFields(fields).Info("cache_evicted")
	return c.JSON(fiber.Map{"result": "ok", "key": key})
}

// fetch 通过带缓存的 client 请求 url，并把状态、头与正文原样返回。
// mode/time/key 查询参数映射为对应的 Custom-Cache-* 请求头。
func (h *adminHandler) fetch(c fiber.Ctx) error {
	target := c.Query("url")
	if err := validateTarget(target); err != nil {
		return h.fail(c, "cache_fetch", fiber.StatusBadRequest, "invalid_url", err)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return h.fail(c, "cache_fetch", fiber.StatusBadRequest, "invalid_url", err)
	}
	if mode := c.Query("mode"); mode != "" {
		req.Header.Set(strategy.HeaderMode, mode)
	}
	if ttl := c.Query("time"); ttl != "" {
		req.Header.Set(strategy.HeaderTime, ttl)
	}
	if key := c.Query("key"); key != "" {
		req.Header.Set(strategy.HeaderKey, key)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return h.fail(c, "cache_fetch", fiber.StatusBadGateway, "upstream_failed", err)
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Status(resp.StatusCode)
	_, copyErr := io.Copy(c.Response().BodyWriter(), resp.Body)

	fields := h.fields(c, "cache_fetch")
	fields["url"] = target
	fields["upstream_status"] = resp.StatusCode
	fields["elapsed_ms"] = time.Since(start).Milliseconds()
	if copyErr != nil {
		h.logger.WithError(copyErr).WithFields(fields).Warn("fetch_copy_failed")
		return nil
	}
	h.logger.WithFields(fields).Info("fetch_complete")
	return nil
}

func (h *adminHandler) fail(c fiber.Ctx, action string, status int, code string, err error) error {
	h.logger.WithError(err).WithFields(h.fields(c, action)).Warn(code)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *adminHandler) fields(c fiber.Ctx, action string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"request_id": RequestID(c),
	}
}

func validateTarget(raw string) error {
	if raw == "" {
		return errors.New("缺少 url 参数")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url 缺少 Host: %s", raw)
	}
	return nil
}
