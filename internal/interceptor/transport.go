// Package interceptor provides an http.RoundTripper that applies the cache
// mode resolved for each request before, after, or instead of the network.
package interceptor

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netcache/netcache/internal/cache"
	"github.com/netcache/netcache/internal/logging"
	"github.com/netcache/netcache/internal/strategy"
)

// NoCachedDataMessage 是 OnlyCache 未命中时合成响应的状态描述。
const NoCachedDataMessage = "no cached data"

// Options 汇总 Transport 的依赖。
type Options struct {
	// Next 负责真正的网络请求，为空时使用 http.DefaultTransport。
	Next         http.RoundTripper
	Store        cache.Store
	Resolver     *strategy.Resolver
	Logger       *logrus.Logger
	DrainTimeout time.Duration
}

// Transport 按请求策略在缓存与网络之间做选择。
type Transport struct {
	next         http.RoundTripper
	store        cache.Store
	resolver     *strategy.Resolver
	logger       *logrus.Logger
	drainTimeout time.Duration
	now          func() time.Time
}

// New 构造 Transport。Store 与 Resolver 必须提供。
func New(opts Options) (*Transport, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("strategy resolver is required")
	}
	next := opts.Next
	if next == nil {
		next = http.DefaultTransport
	}
	logger := logging.OrDiscard(opts.Logger)
	drain := opts.DrainTimeout
	if drain == 0 {
		drain = cache.DefaultDrainTimeout
	}
	return &Transport{
		next:         next,
		store:        opts.Store,
		resolver:     opts.Resolver,
		logger:       logger,
		drainTimeout: drain,
		now:          time.Now,
	}, nil
}

// RoundTrip 实现 http.RoundTripper。
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	mode, err := t.resolver.Mode(req)
	if err != nil {
		closeRequestBody(req)
		return nil, err
	}
	if mode == strategy.OnlyNetwork {
		return t.next.RoundTrip(strategy.StripControlHeaders(req))
	}

	// 解析 key 可能会替换请求体，只在副本上操作。
	outReq := req.Clone(req.Context())
	strat, err := t.resolver.Resolve(outReq)
	if err != nil {
		closeRequestBody(outReq)
		return nil, err
	}
	strategy.RemoveControlHeaders(outReq.Header)
	if strat == nil {
		return t.next.RoundTrip(outReq)
	}

	switch strat.Mode {
	case strategy.OnlyCache:
		closeRequestBody(outReq)
		return t.onlyCache(outReq, strat), nil
	case strategy.ReadCacheNetworkPut:
		if hit := t.readValid(outReq, strat); hit != nil {
			closeRequestBody(outReq)
			t.logDecision(strat, outReq, true, "cache_hit")
			return hit, nil
		}
	}
	return t.fetch(outReq, strat)
}

func (t *Transport) onlyCache(req *http.Request, strat *strategy.Strategy) *http.Response {
	var resp *http.Response
	if t.resolver.Defaults().UseExpiredData {
		resp = t.readAny(req, strat)
	} else {
		resp = t.readValid(req, strat)
	}
	if resp == nil {
		t.logDecision(strat, req, false, "cache_miss")
		return noCachedData(req)
	}
	t.logDecision(strat, req, true, "cache_hit")
	return resp
}

func (t *Transport) fetch(req *http.Request, strat *strategy.Strategy) (*http.Response, error) {
	sentAt := t.now()
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		if strat.Mode == strategy.NetworkPutReadCache {
			if hit := t.readValid(req, strat); hit != nil {
				t.logger.WithError(err).WithFields(t.fields(strat, req, true)).Warn("network_failed_cache_fallback")
				return hit, nil
			}
		}
		return nil, err
	}
	receivedAt := t.now()

	if isSuccessful(resp.StatusCode) {
		t.logDecision(strat, req, false, "network_success")
		return t.write(req, strat, resp, sentAt, receivedAt), nil
	}

	// 非 2xx 同样尝试回退到有效缓存。
	if strat.Mode == strategy.NetworkPutReadCache {
		if hit := t.readValid(req, strat); hit != nil {
			discardBody(resp.Body)
			fields := t.fields(strat, req, true)
			fields["upstream_status"] = resp.StatusCode
			t.logger.WithFields(fields).Info("network_status_cache_fallback")
			return hit, nil
		}
	}
	return resp, nil
}

func (t *Transport) write(req *http.Request, strat *strategy.Strategy, resp *http.Response, sentAt, receivedAt time.Time) *http.Response {
	if !strat.Cacheable() {
		return resp
	}
	pending, err := t.store.Put(strat.Key, req, resp, sentAt, receivedAt)
	if err != nil {
		t.logger.WithError(err).WithFields(t.fields(strat, req, false)).Warn("cache_put_failed")
		return resp
	}
	return cache.CachingResponse(resp, pending, t.drainTimeout, t.logger)
}

// readValid 返回仍在有效期内的缓存；过期的命中会被关闭并视为未命中。
func (t *Transport) readValid(req *http.Request, strat *strategy.Strategy) *http.Response {
	cached := t.lookup(req, strat)
	if cached == nil {
		return nil
	}
	if !strat.Valid(cached.ReceivedAt, t.now()) {
		cached.Response.Body.Close()
		t.logDecision(strat, req, false, "cache_expired")
		return nil
	}
	return cached.Response
}

func (t *Transport) readAny(req *http.Request, strat *strategy.Strategy) *http.Response {
	if cached := t.lookup(req, strat); cached != nil {
		return cached.Response
	}
	return nil
}

func (t *Transport) lookup(req *http.Request, strat *strategy.Strategy) *cache.CachedResponse {
	if !strat.Cacheable() {
		return nil
	}
	cached, err := t.store.Get(strat.Key, req)
	switch {
	case err == nil:
		return cached
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		t.logger.WithError(err).WithFields(t.fields(strat, req, false)).Warn("cache_get_failed")
	}
	return nil
}

func (t *Transport) logDecision(strat *strategy.Strategy, req *http.Request, hit bool, msg string) {
	t.logger.WithFields(t.fields(strat, req, hit)).Debug(msg)
}

func (t *Transport) fields(strat *strategy.Strategy, req *http.Request, hit bool) logrus.Fields {
	return logging.CacheFields(string(strat.Mode), strat.Key, req.URL.String(), hit)
}

// noCachedData 构造 OnlyCache 未命中时返回的 504 响应，正文为空。
func noCachedData(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "504 " + NoCachedDataMessage,
		StatusCode:    http.StatusGatewayTimeout,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       req,
	}
}

func isSuccessful(code int) bool {
	return code >= 200 && code < 300
}

func closeRequestBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

func discardBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	body.Close()
}
