package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/any-hub/artifact-proxy/internal/config"
)

// OriginRoute 将 Origin 配置与派生属性（解析后的 Upstream/Proxy URL、专属 HTTP 客户端）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type OriginRoute struct {
	// Config 是用户在 config.toml 中声明的 Origin 字段副本。
	Config config.OriginConfig
	// ListenPort 记录当前监听端口，方便日志与 PAC 输出。
	ListenPort int
	// UpstreamURL/ProxyURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// Client 是该 Origin 的回源客户端，配置了 Proxy 时走对应正向代理。
	Client *http.Client
}

// Target 把客户端请求路径映射为源站 URL：Upstream 的路径前缀 + 请求路径。
func (r *OriginRoute) Target(requestPath, rawQuery string) *url.URL {
	target := *r.UpstreamURL
	joined := path.Join("/", r.UpstreamURL.Path, path.Clean("/"+requestPath))
	if strings.HasSuffix(requestPath, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	target.Path = joined
	target.RawPath = ""
	target.RawQuery = rawQuery
	return &target
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力，所有 Origin 共享同一个监听端口。
type OriginRegistry struct {
	routes       map[string]*OriginRoute
	ordered      []*OriginRoute
	defaultRoute *OriginRoute
}

// NewOriginRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		routes: make(map[string]*OriginRoute, len(cfg.Origins)),
	}

	for _, origin := range cfg.Origins {
		normalizedHost := normalizeDomain(origin.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for origin %s", origin.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildOriginRoute(cfg, origin)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
		if cfg.Global.DefaultOrigin != "" && origin.Name == cfg.Global.DefaultOrigin {
			registry.defaultRoute = route
		}
	}

	if cfg.Global.DefaultOrigin != "" && registry.defaultRoute == nil {
		return nil, fmt.Errorf("default origin %s is not configured", cfg.Global.DefaultOrigin)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute；未命中时回退到 DefaultOrigin。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if route, ok := r.routes[normalizedHost]; ok && normalizedHost != "" {
		return route, true
	}
	if r.defaultRoute != nil {
		return r.defaultRoute, true
	}
	return nil, false
}

// List 返回当前注册的 OriginRoute 列表（按配置定义的顺序），用于 PAC 与诊断输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
