package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/netcache/netcache/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg, nil)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if _, ok := client.Transport.(*http.Transport); !ok {
		t.Fatalf("expected default transport, got %T", client.Transport)
	}
}

func TestNewUpstreamClientKeepsRoundTripper(t *testing.T) {
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, nil })
	client := NewUpstreamClient(nil, rt)
	if client.Timeout != 30*time.Second {
		t.Fatalf("expected default timeout, got %s", client.Timeout)
	}
	if client.Transport == nil {
		t.Fatalf("transport should be kept")
	}
}

func TestIsHopByHopHeader(t *testing.T) {
	for _, key := range []string{"connection", "Keep-Alive", "transfer-encoding"} {
		if !IsHopByHopHeader(key) {
			t.Fatalf("%s should be hop-by-hop", key)
		}
	}
	if IsHopByHopHeader("X-Test-Header") {
		t.Fatalf("X-Test-Header should pass through")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
