package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/netcache/netcache/internal/cache"
	"github.com/netcache/netcache/internal/strategy"
)

func TestStatsReturnsCounters(t *testing.T) {
	admin := &fakeAdmin{stats: cache.Stats{WriteSuccess: 3, WriteAbort: 1, Size: 42, MaxSize: 1024}}
	app := newTestApp(t, admin, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/stats", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	var stats cache.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats != admin.stats {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestFlushCallsStore(t *testing.T) {
	admin := &fakeAdmin{}
	app := newTestApp(t, admin, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/-/flush", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if admin.flushed != 1 {
		t.Fatalf("expected one flush, got %d", admin.flushed)
	}
}

func TestFlushFailureReturns500(t *testing.T) {
	admin := &fakeAdmin{flushErr: errors.New("disk full")}
	app := newTestApp(t, admin, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/-/flush", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"flush_failed"`)) {
		t.Fatalf("expected flush_failed error, got %s", string(body))
	}
}

func TestEvictSingleKeyAndAll(t *testing.T) {
	admin := &fakeAdmin{}
	app := newTestApp(t, admin, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodDelete, "/-/cache?key=demo", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(admin.removed) != 1 || admin.removed[0] != "demo" {
		t.Fatalf("expected demo to be removed, got %v", admin.removed)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/-/cache", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if admin.removedAll != 1 {
		t.Fatalf("expected RemoveAll once, got %d", admin.removedAll)
	}
}

func TestFetchForwardsCacheParameters(t *testing.T) {
	var seen *http.Request
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		seen = req
		return &http.Response{
			StatusCode: http.StatusOK,
			Header: http.Header{
				"Content-Type": []string{"text/plain"},
				"Connection":   []string{"close"},
			},
			Body:    io.NopCloser(strings.NewReader("cached-body")),
			Request: req,
		}, nil
	})
	app := newTestApp(t, &fakeAdmin{}, &http.Client{Transport: rt})

	target := "/-/fetch?url=http%3A%2F%2Fupstream.local%2Fdata&mode=ONLY_CACHE&time=30&key=demo"
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "cached-body" {
		t.Fatalf("unexpected body: %s", string(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("expected content type passthrough, got %q", ct)
	}

	if seen == nil {
		t.Fatalf("upstream transport not called")
	}
	if seen.URL.String() != "http://upstream.local/data" {
		t.Fatalf("unexpected upstream url: %s", seen.URL)
	}
	if got := seen.Header.Get(strategy.HeaderMode); got != "ONLY_CACHE" {
		t.Fatalf("expected mode header, got %q", got)
	}
	if got := seen.Header.Get(strategy.HeaderTime); got != "30" {
		t.Fatalf("expected time header, got %q", got)
	}
	if got := seen.Header.Get(strategy.HeaderKey); got != "demo" {
		t.Fatalf("expected key header, got %q", got)
	}
}

func TestFetchRejectsInvalidURL(t *testing.T) {
	app := newTestApp(t, &fakeAdmin{}, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/fetch?url=ftp%3A%2F%2Fexample.com", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"invalid_url"`)) {
		t.Fatalf("expected invalid_url error, got %s", string(body))
	}
}

func TestFetchUpstreamFailureReturns502(t *testing.T) {
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial failed")
	})
	app := newTestApp(t, &fakeAdmin{}, &http.Client{Transport: rt})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/fetch?url=http%3A%2F%2Fupstream.local%2F", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	app := newTestApp(t, &fakeAdmin{}, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/unknown", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{Cache: &fakeAdmin{}, Client: http.DefaultClient, ListenPort: 5000}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New(), Client: http.DefaultClient, ListenPort: 5000}); err == nil {
		t.Fatalf("expected error without cache")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New(), Cache: &fakeAdmin{}, Client: http.DefaultClient}); err == nil {
		t.Fatalf("expected error for invalid port")
	}
}

func newTestApp(t *testing.T, admin *fakeAdmin, client *http.Client) *fiber.App {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	if client == nil {
		client = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("unexpected upstream call")
		})}
	}

	app, err := NewApp(AppOptions{
		Logger:     logger,
		Cache:      admin,
		Client:     client,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}

type fakeAdmin struct {
	stats      cache.Stats
	flushErr   error
	flushed    int
	removed    []string
	removedAll int
}

func (f *fakeAdmin) Stats() cache.Stats { return f.stats }

func (f *fakeAdmin) Flush() error {
	f.flushed++
	return f.flushErr
}

func (f *fakeAdmin) Remove(key string) error {
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeAdmin) RemoveAll() error {
	f.removedAll++
	return nil
}
