package routes

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/any-hub/artifact-proxy/internal/server"
)

const (
	pacPath        = "/proxy.pac"
	pacContentType = "application/x-ns-proxy-autoconfig"
)

// renderPAC 生成代理自动配置脚本：每个 Origin 域名的 http 请求都指向本代理，其余直连。
func renderPAC(routes []server.OriginRoute, host string, port int) string {
	proxy := net.JoinHostPort(host, strconv.Itoa(port))

	var b strings.Builder
	b.WriteString("function FindProxyForURL(url, host) {\n")
	for _, route := range routes {
		fmt.Fprintf(&b, "  if (shExpMatch(url, %q))\n", "http://"+strings.ToLower(route.Config.Domain)+"/*")
		fmt.Fprintf(&b, "    return %q;\n", "PROXY "+proxy)
	}
	b.WriteString("  return \"DIRECT\";\n}\n")
	return b.String()
}

// requestHost 去掉 Host 头中的端口，PAC 中的端口总是监听端口。
func requestHost(raw string) string {
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}
