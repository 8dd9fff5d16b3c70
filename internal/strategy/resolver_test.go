package strategy

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestResolveUsesDefaults(t *testing.T) {
	r := NewResolver(Defaults{Mode: ReadCacheNetworkPut, Validity: 30 * time.Second})
	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)

	s, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if s.Mode != ReadCacheNetworkPut || s.Validity != 30*time.Second {
		t.Fatalf("unexpected strategy: %+v", s)
	}
	if s.Key != "http://example.com/a" {
		t.Fatalf("unexpected key: %s", s.Key)
	}
}

func TestResolveHeaderOverrides(t *testing.T) {
	r := NewResolver(DefaultDefaults())
	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	req.Header.Set(HeaderMode, "only_cache")
	req.Header.Set(HeaderTime, "-1")
	req.Header.Set(HeaderKey, "custom")

	s, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if s.Mode != OnlyCache {
		t.Fatalf("expected ONLY_CACHE, got %s", s.Mode)
	}
	if s.Validity >= 0 {
		t.Fatalf("negative time header should mean never expire, got %s", s.Validity)
	}
	if s.Key != "custom" {
		t.Fatalf("custom key should win, got %s", s.Key)
	}
}

func TestResolveHugeTimeNeverExpires(t *testing.T) {
	r := NewResolver(DefaultDefaults())
	for _, raw := range []string{"18446744074", "-18446744074", "9223372036854775807"} {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
		req.Header.Set(HeaderTime, raw)

		s, err := r.Resolve(req)
		if err != nil {
			t.Fatalf("resolve %s error: %v", raw, err)
		}
		if s.Validity != NeverExpire {
			t.Fatalf("time %s should never expire, got %s", raw, s.Validity)
		}
		t0 := time.UnixMilli(1_000)
		if !s.Valid(t0, t0.Add(100*365*24*time.Hour)) {
			t.Fatalf("time %s should stay valid", raw)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	req.Header.Set(HeaderTime, "9223372036")
	s, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if s.Validity != 9223372036*time.Second {
		t.Fatalf("largest representable time should be kept, got %s", s.Validity)
	}
}

func TestResolveOnlyNetworkReturnsNil(t *testing.T) {
	r := NewResolver(Defaults{})
	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	s, err := r.Resolve(req)
	if err != nil || s != nil {
		t.Fatalf("ONLY_NETWORK should resolve to nil strategy, got %+v err=%v", s, err)
	}
}

func TestResolveRejectsInvalidHeaders(t *testing.T) {
	r := NewResolver(Defaults{Mode: NetworkPutCache, Validity: time.Second})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	req.Header.Set(HeaderMode, "bogus")
	if _, err := r.Resolve(req); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	req.Header.Set(HeaderTime, "ten")
	if _, err := r.Resolve(req); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("expected ErrInvalidTime, got %v", err)
	}
}

func TestSetDefaultsAppliesToLaterRequests(t *testing.T) {
	r := NewResolver(DefaultDefaults())
	r.SetDefaults(Defaults{Mode: NetworkPutReadCache, Validity: time.Minute, UseExpiredData: true})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	mode, err := r.Mode(req)
	if err != nil || mode != NetworkPutReadCache {
		t.Fatalf("expected updated default mode, got %s err=%v", mode, err)
	}
	if !r.Defaults().UseExpiredData {
		t.Fatalf("expected UseExpiredData to be updated")
	}
}

func TestStripControlHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	if StripControlHeaders(req) != req {
		t.Fatalf("request without control headers should be returned as-is")
	}

	req.Header.Set(HeaderMode, "ONLY_NETWORK")
	req.Header.Set(HeaderKey, "k")
	req.Header.Set("Accept", "*/*")
	out := StripControlHeaders(req)
	if out == req {
		t.Fatalf("expected a cloned request")
	}
	if HasControlHeaders(out) {
		t.Fatalf("control headers should be removed: %v", out.Header)
	}
	if out.Header.Get("Accept") != "*/*" {
		t.Fatalf("other headers should be kept")
	}
	if req.Header.Get(HeaderMode) == "" {
		t.Fatalf("original request must not be modified")
	}
}
