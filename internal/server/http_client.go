package server

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/any-hub/artifact-proxy/internal/config"
)

const defaultResponseHeaderTimeout = 30 * time.Second

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	// 缓存的是源站原始字节，禁止 Transport 自动协商 gzip 并解压。
	DisableCompression: true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回用于回源的 http.Client。
// 制品可能很大，只限制等待响应头的时间，不设置整体 Timeout。
// proxyURL 非空时该 Origin 的请求经由指定的正向代理。
func NewUpstreamClient(cfg *config.Config, proxyURL *url.URL) *http.Client {
	headerTimeout := defaultResponseHeaderTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		headerTimeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	transport := defaultTransport.Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: transport,
	}
}
