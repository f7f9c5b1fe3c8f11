package server

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/any-hub/artifact-proxy/internal/config"
)

func TestNewUpstreamClientUsesHeaderTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg, nil)
	if client.Timeout != 0 {
		t.Fatalf("large downloads must not have a whole-request timeout, got %s", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport type %T", client.Transport)
	}
	if transport.ResponseHeaderTimeout != 45*time.Second {
		t.Fatalf("expected header timeout 45s, got %s", transport.ResponseHeaderTimeout)
	}
	if !transport.DisableCompression {
		t.Fatalf("transparent decompression must be disabled")
	}
}

func TestNewUpstreamClientDefaultsAndProxy(t *testing.T) {
	proxyURL, _ := url.Parse("http://squid.internal:3128")
	client := NewUpstreamClient(nil, proxyURL)
	transport := client.Transport.(*http.Transport)
	if transport.ResponseHeaderTimeout != defaultResponseHeaderTimeout {
		t.Fatalf("expected default header timeout, got %s", transport.ResponseHeaderTimeout)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://archive.ubuntu.com/ubuntu/", nil)
	got, err := transport.Proxy(req)
	if err != nil || got == nil || got.Host != "squid.internal:3128" {
		t.Fatalf("expected per-origin proxy, got %v (err=%v)", got, err)
	}

	other := NewUpstreamClient(nil, nil).Transport.(*http.Transport)
	if other == transport {
		t.Fatalf("each client should own a cloned transport")
	}
}
